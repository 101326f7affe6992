package meta

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// HashBytes is SHA-256 over file bytes as lowercase hex.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store is the on-disk path→hash cache that lets incremental sync skip
// unchanged files without consulting the index. It is advisory: corruption
// or absence on load means starting empty, and the sync falls back to the
// hashes recorded in the index itself.
type Store struct {
	path     string
	skipSave bool
	logger   *zap.Logger

	mu     sync.Mutex
	loaded bool
	m      map[string]string
}

func New(path string, skipSave bool, logger *zap.Logger) *Store {
	return &Store{path: path, skipSave: skipSave, logger: logger}
}

func (s *Store) ensureLoaded() {
	if s.loaded {
		return
	}
	s.loaded = true
	s.m = make(map[string]string)
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &s.m); err != nil {
		s.logger.Warn("meta store corrupt, starting empty", zap.String("path", s.path), zap.Error(err))
		s.m = make(map[string]string)
	}
}

// Get returns the recorded hash for path, if any.
func (s *Store) Get(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	h, ok := s.m[path]
	return h, ok
}

// Set records path→hash in memory; call Save to persist.
func (s *Store) Set(path, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	s.m[path] = hash
}

// Delete removes a path from the map.
func (s *Store) Delete(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	delete(s.m, path)
}

// Len reports the number of tracked paths.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	return len(s.m)
}

// Save writes the map to disk atomically (temp file + rename).
func (s *Store) Save() error {
	s.mu.Lock()
	s.ensureLoaded()
	data, err := json.MarshalIndent(s.m, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// SavePeriodic is the fire-and-forget persist used every N indexed files.
// It is disabled by SKIP_META_SAVE for tests and benchmarks.
func (s *Store) SavePeriodic() {
	if s.skipSave {
		return
	}
	go func() {
		if err := s.Save(); err != nil {
			s.logger.Debug("periodic meta save failed", zap.Error(err))
		}
	}()
}
