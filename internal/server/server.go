// Package server is the long-lived variant of the pipeline: a debounced
// file watcher feeding the ingest path plus an authenticated local HTTP
// endpoint for queries.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/osgrep/osgrep/internal/chunker"
	"github.com/osgrep/osgrep/internal/ignore"
	"github.com/osgrep/osgrep/internal/models"
	"github.com/osgrep/osgrep/internal/searcher"
	"github.com/osgrep/osgrep/internal/syncer"
)

const maxRequestBytes = 10 << 20

// indexWaitLimit is how long /search waits on the initial index before
// answering with a try-again status.
var indexWaitLimit = 5 * time.Second

// LockFile is written to .osgrep/server.lock inside the repository root so
// clients can find and authenticate against the running server.
type LockFile struct {
	Port      int    `json:"port"`
	PID       int    `json:"pid"`
	AuthToken string `json:"authToken"`
	Root      string `json:"root"`
}

// Options configure the server process.
type Options struct {
	Root      string
	Port      int
	ParentPID int

	MemoryWarnMB    int
	MemoryRestartMB int
}

// Server owns the watcher, the HTTP listener, and self-governance.
type Server struct {
	opts     Options
	syncer   *syncer.Syncer
	searcher *searcher.Searcher
	logger   *zap.Logger

	token    string
	lockPath string

	indexing atomic.Bool
	progress atomic.Int64 // percent 0..100
	done     chan struct{}
}

func New(opts Options, sy *syncer.Syncer, se *searcher.Searcher, logger *zap.Logger) (*Server, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	opts.Root = root
	tok := make([]byte, 24)
	if _, err := rand.Read(tok); err != nil {
		return nil, fmt.Errorf("generate auth token: %w", err)
	}
	return &Server{
		opts:     opts,
		syncer:   sy,
		searcher: se,
		logger:   logger,
		token:    hex.EncodeToString(tok),
		lockPath: filepath.Join(root, ".osgrep", "server.lock"),
		done:     make(chan struct{}),
	}, nil
}

// Run serves until ctx is cancelled. Cancellation stops the watcher and
// the HTTP listener concurrently; the pool and store handles belong to the
// caller.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.opts.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	if err := s.writeLock(port); err != nil {
		_ = ln.Close()
		return err
	}
	defer func() { _ = os.Remove(s.lockPath) }()

	filter, err := ignore.New(s.opts.Root)
	if err != nil {
		_ = ln.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// initial index runs in the background; /search reports progress
	// until it completes
	s.indexing.Store(true)
	go func() {
		defer close(s.done)
		defer s.indexing.Store(false)
		_, err := s.syncer.Sync(ctx, s.opts.Root, syncer.Options{
			Progress: func(p models.SyncProgress) {
				if p.Total > 0 {
					s.progress.Store(int64(p.Processed * 100 / p.Total))
				}
			},
		})
		if err != nil {
			s.logger.Error("initial sync failed", zap.Error(err))
		}
	}()

	watcher, err := NewWatcher(s.opts.Root, filter, s.syncer, s.logger)
	if err != nil {
		_ = ln.Close()
		return err
	}
	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("watcher stopped", zap.Error(err))
		}
	}()

	go s.governMemory(ctx, port)
	if s.opts.ParentPID > 0 {
		go s.watchParent(ctx, cancel)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /search", s.handleSearch)

	srv := &http.Server{Handler: s.authenticate(mux)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("serving", zap.Int("port", port), zap.String("root", s.opts.Root))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) writeLock(port int) error {
	lock := LockFile{Port: port, PID: os.Getpid(), AuthToken: s.token, Root: s.opts.Root}
	data, err := json.Marshal(lock)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.lockPath, data, 0o600)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+s.token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type searchRequest struct {
	Query  string `json:"query"`
	Limit  int    `json:"limit"`
	Rerank *bool  `json:"rerank"`
	Path   string `json:"path"`
}

type searchResult struct {
	Path      string  `json:"path"`
	Score     float64 `json:"score"`
	Content   string  `json:"content"`
	ChunkType string  `json:"chunk_type,omitempty"`
	StartLine int     `json:"start_line,omitempty"`
	NumLines  int     `json:"num_lines,omitempty"`
	IsAnchor  bool    `json:"is_anchor,omitempty"`
}

type searchResponse struct {
	Results  []searchResult `json:"results"`
	Status   string         `json:"status"`
	Progress int            `json:"progress"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}

	pathPrefix, err := s.resolvePath(req.Path)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	// give the initial index a moment before reporting "try again"
	if s.indexing.Load() {
		select {
		case <-s.done:
		case <-time.After(indexWaitLimit):
			writeJSON(w, http.StatusOK, searchResponse{
				Results:  []searchResult{},
				Status:   "indexing",
				Progress: int(s.progress.Load()),
			})
			return
		case <-r.Context().Done():
			return
		}
	}

	opts := searcher.DefaultOptions()
	if req.Limit > 0 {
		opts.TopK = req.Limit
	}
	if req.Rerank != nil {
		opts.Rerank = *req.Rerank
	}
	opts.PathPrefix = pathPrefix

	hits, err := s.searcher.Search(r.Context(), req.Query, opts)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	results := make([]searchResult, len(hits))
	for i, hit := range hits {
		f := hit.Fragment
		results[i] = searchResult{
			Path:      f.Path,
			Score:     hit.Score,
			Content:   chunker.DisplayText(f.Text),
			ChunkType: string(f.Kind),
			StartLine: f.StartLine,
			NumLines:  f.EndLine - f.StartLine,
			IsAnchor:  f.IsAnchor,
		}
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: results, Status: "ready", Progress: 100})
}

// resolvePath validates that a request path stays within the repository
// root; traversal attempts are rejected before any store query.
func (s *Server) resolvePath(reqPath string) (string, error) {
	if reqPath == "" {
		return "", nil
	}
	joined := reqPath
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(s.opts.Root, reqPath)
	}
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("invalid path")
	}
	rel, err := filepath.Rel(s.opts.Root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes repository root")
	}
	return abs, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
