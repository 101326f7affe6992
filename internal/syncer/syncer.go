// Package syncer drives the ingest pipeline: walk, filter, hash, chunk,
// embed, and store, with bounded per-file concurrency.
package syncer

import (
	"context"
	"os"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/osgrep/osgrep/internal/chunker"
	"github.com/osgrep/osgrep/internal/embed"
	"github.com/osgrep/osgrep/internal/ignore"
	"github.com/osgrep/osgrep/internal/meta"
	"github.com/osgrep/osgrep/internal/models"
	"github.com/osgrep/osgrep/internal/store"
	"github.com/osgrep/osgrep/internal/walker"
)

// metaSaveEvery is the periodic best-effort persist cadence, in files.
const metaSaveEvery = 50

// Options tune a single sync run.
type Options struct {
	// DryRun reports what would be indexed without writing.
	DryRun bool
	// Progress, when set, is invoked after every processed file.
	Progress func(models.SyncProgress)
	// Concurrency bounds in-flight file pipelines; zero means cpus/2.
	Concurrency int
	// EmbedBatchSize is the number of unique texts per worker request.
	EmbedBatchSize int
}

// Syncer reconciles a repository tree with the fragment store.
type Syncer struct {
	store   store.Store
	pool    *embed.Pool
	chunker *chunker.Chunker
	walker  *walker.Walker
	meta    *meta.Store
	logger  *zap.Logger
}

func New(
	st store.Store,
	pool *embed.Pool,
	ch *chunker.Chunker,
	w *walker.Walker,
	m *meta.Store,
	logger *zap.Logger,
) *Syncer {
	return &Syncer{store: st, pool: pool, chunker: ch, walker: w, meta: m, logger: logger}
}

// Sync runs the full reconciliation. Cancellation lets in-flight files
// finish their current step, persists the MetaStore, and reports how many
// files were processed.
func (s *Syncer) Sync(ctx context.Context, root string, opts Options) (models.SyncStats, error) {
	var stats models.SyncStats

	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency()
	}
	if opts.EmbedBatchSize <= 0 {
		opts.EmbedBatchSize = 16
	}

	filter, err := ignore.New(root)
	if err != nil {
		return stats, err
	}

	dbPaths := make(map[string]string)
	if listed, err := s.store.ListPaths(ctx); err != nil {
		s.logger.Warn("listing indexed paths failed, treating index as empty", zap.Error(err))
	} else {
		for _, ph := range listed {
			dbPaths[ph.Path] = ph.Hash
		}
	}

	walked, err := s.walker.Walk(root)
	if err != nil {
		return stats, err
	}
	diskPaths := make([]string, 0, len(walked))
	onDisk := make(map[string]bool, len(walked))
	for _, p := range walked {
		if filter.Ignored(p) {
			continue
		}
		diskPaths = append(diskPaths, p)
		onDisk[p] = true
	}

	// stale rows: indexed paths that vanished from disk or became ignored
	for dbPath := range dbPaths {
		if onDisk[dbPath] {
			continue
		}
		if opts.DryRun {
			stats.Deleted++
			continue
		}
		if err := s.store.DeleteByPath(ctx, dbPath); err != nil {
			s.logger.Warn("stale delete failed", zap.String("path", dbPath), zap.Error(err))
			continue
		}
		s.meta.Delete(dbPath)
		stats.Deleted++
	}
	if !opts.DryRun && stats.Deleted > 0 {
		if err := s.meta.Save(); err != nil {
			s.logger.Warn("meta save after stale deletes failed", zap.Error(err))
		}
	}

	var mu sync.Mutex
	cancelled := false

	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(opts.Concurrency)
	for _, path := range diskPaths {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		path := path
		g.Go(func() error {
			indexed := s.processFile(path, dbPaths[path], opts)
			mu.Lock()
			stats.Processed++
			if indexed {
				stats.Indexed++
				if stats.Indexed%metaSaveEvery == 0 {
					s.meta.SavePeriodic()
				}
			} else {
				stats.Skipped++
			}
			progress := models.SyncProgress{
				Processed: stats.Processed,
				Indexed:   stats.Indexed,
				Total:     len(diskPaths),
				Path:      path,
			}
			mu.Unlock()
			if opts.Progress != nil {
				opts.Progress(progress)
			}
			return nil
		})
	}
	_ = g.Wait()
	stats.Cancelled = cancelled

	if !opts.DryRun && stats.Indexed > 0 {
		// search works without these, just slower
		if err := s.store.CreateFTSIndex(context.Background()); err != nil {
			s.logger.Warn("fts index creation failed", zap.Error(err))
		}
		if err := s.store.CreateVectorIndex(context.Background()); err != nil {
			s.logger.Warn("vector index creation failed", zap.Error(err))
		}
	}
	if !opts.DryRun {
		if err := s.meta.Save(); err != nil {
			s.logger.Warn("meta save failed", zap.Error(err))
		}
	}
	return stats, nil
}

// IngestFile runs a single file through the pipeline, as the watcher does
// on add/change events. Unchanged files are skipped by hash.
func (s *Syncer) IngestFile(path string) bool {
	return s.processFile(path, "", Options{EmbedBatchSize: 16})
}

// RemoveFile deletes a path's rows and MetaStore entry.
func (s *Syncer) RemoveFile(ctx context.Context, path string) error {
	if err := s.store.DeleteByPath(ctx, path); err != nil {
		return err
	}
	s.meta.Delete(path)
	s.meta.SavePeriodic()
	return nil
}

// processFile runs one file through the pipeline; reports whether it was
// (or would be) indexed. Failures are logged and skipped, never fatal.
func (s *Syncer) processFile(path, dbHash string, opts Options) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("read failed, skipping", zap.String("path", path), zap.Error(err))
		return false
	}
	if len(data) == 0 {
		return false
	}
	hash := meta.HashBytes(data)
	if known, ok := s.meta.Get(path); ok {
		if known == hash {
			return false
		}
	} else if dbHash == hash {
		// MetaStore is advisory; the index itself is the fallback
		s.meta.Set(path, hash)
		return false
	}

	frags := s.chunker.Chunk(path, data)
	if len(frags) == 0 {
		return false
	}
	for i := range frags {
		frags[i].Hash = hash
	}

	if opts.DryRun {
		s.logger.Info("would have indexed",
			zap.String("path", path), zap.Int("fragments", len(frags)))
		return true
	}

	if err := s.embedFragments(frags, opts.EmbedBatchSize); err != nil {
		s.logger.Warn("embedding failed, skipping file", zap.String("path", path), zap.Error(err))
		return false
	}
	if err := s.store.ReplaceFile(context.Background(), path, frags); err != nil {
		s.logger.Warn("store write failed, skipping file", zap.String("path", path), zap.Error(err))
		return false
	}
	s.meta.Set(path, hash)
	return true
}

// embedFragments encodes each unique text once per file; duplicate
// fragments reuse the computed vectors.
func (s *Syncer) embedFragments(frags []models.Fragment, batchSize int) error {
	unique := make([]string, 0, len(frags))
	seen := make(map[string]int, len(frags))
	for _, f := range frags {
		if _, ok := seen[f.Text]; !ok {
			seen[f.Text] = len(unique)
			unique = append(unique, f.Text)
		}
	}

	embeddings := make([]embed.HybridEmbedding, len(unique))
	for start := 0; start < len(unique); start += batchSize {
		end := start + batchSize
		if end > len(unique) {
			end = len(unique)
		}
		batch, err := s.pool.EmbedHybrid(context.Background(), unique[start:end])
		if err != nil {
			return err
		}
		copy(embeddings[start:end], batch)
	}

	for i := range frags {
		e := embeddings[seen[frags[i].Text]]
		frags[i].Dense = e.Dense
		frags[i].LateInteraction = e.LateInteraction
		frags[i].Scale = e.Scale
	}
	return nil
}

func defaultConcurrency() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	return n
}
