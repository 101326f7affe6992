package server

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/osgrep/osgrep/internal/ignore"
	"github.com/osgrep/osgrep/internal/syncer"
)

// debounceWindow coalesces rapid events per path before ingest.
const debounceWindow = 300 * time.Millisecond

// Watcher streams file-change events into the ingest path. Events for
// ignored paths are dropped; rapid changes are debounced per path.
type Watcher struct {
	root   string
	filter *ignore.Filter
	syncer *syncer.Syncer
	logger *zap.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func NewWatcher(root string, filter *ignore.Filter, sy *syncer.Syncer, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:    root,
		filter:  filter,
		syncer:  sy,
		logger:  logger,
		fsw:     fsw,
		pending: make(map[string]*time.Timer),
	}, nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	defer func() { _ = w.fsw.Close() }()
	for {
		select {
		case <-ctx.Done():
			w.flushTimers()
			return ctx.Err()
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Debug("watch add failed", zap.String("path", path), zap.Error(err))
		}
		return nil
	})
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	path := event.Name
	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		w.cancelPending(path)
		if err := w.syncer.RemoveFile(ctx, path); err != nil {
			w.logger.Warn("remove failed", zap.String("path", path), zap.Error(err))
		}
	case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			if event.Op.Has(fsnotify.Create) {
				_ = w.addRecursive(path)
			}
			return
		}
		if w.filter.Ignored(path) {
			return
		}
		w.debounce(path)
	}
}

// debounce schedules (or reschedules) ingest after the quiet window.
func (w *Watcher) debounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(debounceWindow)
		return
	}
	w.pending[path] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		if w.syncer.IngestFile(path) {
			w.logger.Debug("reindexed", zap.String("path", path))
		}
	})
}

func (w *Watcher) cancelPending(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) flushTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}
