package syncer_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/osgrep/osgrep/internal/chunker"
	"github.com/osgrep/osgrep/internal/embed"
	"github.com/osgrep/osgrep/internal/meta"
	"github.com/osgrep/osgrep/internal/models"
	"github.com/osgrep/osgrep/internal/store"
	"github.com/osgrep/osgrep/internal/store/sqlvec"
	"github.com/osgrep/osgrep/internal/syncer"
	"github.com/osgrep/osgrep/internal/walker"
)

// countingRuntime wraps the local runtime to observe worker traffic.
type countingRuntime struct {
	*embed.LocalRuntime
	hybridCalls *atomic.Int32
	hybridTexts *atomic.Int32
}

func (c *countingRuntime) Hybrid(texts []string) ([]embed.HybridEmbedding, error) {
	c.hybridCalls.Add(1)
	c.hybridTexts.Add(int32(len(texts)))
	return c.LocalRuntime.Hybrid(texts)
}

type fixture struct {
	root   string
	store  store.Store
	meta   *meta.Store
	syncer *syncer.Syncer
	calls  *atomic.Int32
	texts  *atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	root := t.TempDir()
	dataDir := t.TempDir()

	provider := sqlvec.NewProvider(dataDir, logger)
	st, err := provider.OpenOrCreate("test", 16)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	var calls, texts atomic.Int32
	pool := embed.NewPool(func() (embed.Runtime, error) {
		return &countingRuntime{
			LocalRuntime: embed.NewLocal(16),
			hybridCalls:  &calls,
			hybridTexts:  &texts,
		}, nil
	}, embed.Options{MemoryLimitBytes: -1}, logger)
	t.Cleanup(func() { _ = pool.Close() })

	m := meta.New(filepath.Join(dataDir, "meta.json"), true, logger)
	sy := syncer.New(st, pool, chunker.New(logger), walker.New(logger), m, logger)
	return &fixture{root: root, store: st, meta: m, syncer: sy, calls: &calls, texts: &texts}
}

func (f *fixture) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func (f *fixture) sync(t *testing.T) models.SyncStats {
	t.Helper()
	stats, err := f.syncer.Sync(context.Background(), f.root, syncer.Options{Concurrency: 2})
	if err != nil {
		t.Fatal(err)
	}
	return stats
}

var pyFile = `"""Module docs."""


def f(x):
    """A function named f."""
    total = x + 1
    return total
`

func Test_Sync_IndexesNewFile(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "a.py", pyFile)
	stats := f.sync(t)

	if stats.Indexed != 1 {
		t.Fatalf("expected 1 indexed file, got %d", stats.Indexed)
	}
	counts, err := f.store.CountByPath(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts[path] < 2 {
		t.Fatalf("expected anchor + function fragments for a.py, got %d", counts[path])
	}
	if h, ok := f.meta.Get(path); !ok || h == "" {
		t.Fatal("meta store should record the file hash")
	}
}

func Test_Sync_SecondRunSkipsUnchanged(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.py", pyFile)
	f.sync(t)

	before := f.calls.Load()
	stats := f.sync(t)
	if stats.Indexed != 0 {
		t.Fatalf("unchanged tree should index nothing, got %d", stats.Indexed)
	}
	if f.calls.Load() != before {
		t.Fatalf("unchanged tree should issue zero worker requests")
	}
}

func Test_Sync_ModifiedFileReingested(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "a.py", pyFile)
	f.sync(t)
	oldHash, _ := f.meta.Get(path)

	f.write(t, "a.py", "# changed\n"+pyFile)
	stats := f.sync(t)
	if stats.Indexed != 1 {
		t.Fatalf("expected exactly one re-ingest, got %d", stats.Indexed)
	}

	newHash, _ := f.meta.Get(path)
	if newHash == oldHash {
		t.Fatal("meta hash should change with content")
	}
	paths, err := f.store.ListPaths(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, ph := range paths {
		if ph.Path == path && ph.Hash != newHash {
			t.Fatalf("store retains rows with the old hash %s", ph.Hash)
		}
	}
}

func Test_Sync_StaleRowsRemoved(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "dead.py", pyFile)
	f.write(t, "alive.py", pyFile)
	f.sync(t)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	stats := f.sync(t)
	if stats.Deleted != 1 {
		t.Fatalf("expected 1 stale delete, got %d", stats.Deleted)
	}
	counts, err := f.store.CountByPath(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts[path] != 0 {
		t.Fatalf("stale path should have no rows, got %d", counts[path])
	}
	if _, ok := f.meta.Get(path); ok {
		t.Fatal("stale path should leave the meta store")
	}
}

func Test_Sync_IgnoredFilesProduceNoRows(t *testing.T) {
	f := newFixture(t)
	f.write(t, ".gitignore", "generated/\n")
	f.write(t, filepath.Join("generated", "gen.py"), pyFile)
	ignored := f.write(t, "big.ipynb", `{"cells": []}`)
	f.write(t, "kept.py", pyFile)
	f.sync(t)

	counts, err := f.store.CountByPath(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for p := range counts {
		if strings.Contains(p, "generated") || p == ignored {
			t.Fatalf("ignored path %s produced rows", p)
		}
	}
	if len(counts) != 1 {
		t.Fatalf("expected only kept.py indexed, got %v", counts)
	}
}

func Test_Sync_DeduplicatesIdenticalFragments(t *testing.T) {
	f := newFixture(t)
	// many identical functions: embeddings are computed once per unique
	// text even though every fragment is stored
	var sb strings.Builder
	sb.WriteString("// generated\n")
	for i := 0; i < 20; i++ {
		sb.WriteString("function handle(req) {\n  const out = transform(req);\n  return out;\n}\n")
	}
	path := f.write(t, "b.ts", sb.String())
	f.sync(t)

	counts, err := f.store.CountByPath(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	stored := counts[path]
	if stored < 20 {
		t.Fatalf("expected all %d fragments stored, got %d", 20, stored)
	}
	if int(f.texts.Load()) >= stored {
		t.Fatalf("expected fewer embedded texts (%d) than stored fragments (%d)",
			f.texts.Load(), stored)
	}
}

func Test_Sync_EmptyFileSkipped(t *testing.T) {
	f := newFixture(t)
	f.write(t, "empty.py", "")
	stats := f.sync(t)
	if stats.Indexed != 0 {
		t.Fatalf("zero-byte files should be skipped, got %d indexed", stats.Indexed)
	}
}

func Test_Sync_DryRunWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.py", pyFile)
	stats, err := f.syncer.Sync(context.Background(), f.root, syncer.Options{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Indexed != 1 {
		t.Fatalf("dry run should report would-index, got %d", stats.Indexed)
	}
	counts, err := f.store.CountByPath(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 0 {
		t.Fatalf("dry run must not write rows, got %v", counts)
	}
}

func Test_Sync_ProgressReported(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.write(t, fmt.Sprintf("f%d.py", i), pyFile)
	}
	var seen atomic.Int32
	_, err := f.syncer.Sync(context.Background(), f.root, syncer.Options{
		Progress: func(p models.SyncProgress) {
			seen.Add(1)
			if p.Total != 3 {
				t.Errorf("progress total = %d, want 3", p.Total)
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if seen.Load() != 3 {
		t.Fatalf("expected a progress callback per file, got %d", seen.Load())
	}
}

func Test_Sync_CancelledEarly(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.write(t, fmt.Sprintf("f%d.py", i), pyFile)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats, err := f.syncer.Sync(ctx, f.root, syncer.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !stats.Cancelled {
		t.Fatal("expected the run to report cancellation")
	}
	if stats.Processed != 0 {
		t.Fatalf("pre-cancelled context should start no files, got %d", stats.Processed)
	}
}

func Test_Sync_WatcherIngestAndRemove(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "a.py", pyFile)

	if !f.syncer.IngestFile(path) {
		t.Fatal("first ingest should index the file")
	}
	if f.syncer.IngestFile(path) {
		t.Fatal("unchanged file should be skipped by hash")
	}
	if err := f.syncer.RemoveFile(context.Background(), path); err != nil {
		t.Fatal(err)
	}
	counts, err := f.store.CountByPath(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts[path] != 0 {
		t.Fatalf("removed file should have no rows, got %d", counts[path])
	}
}
