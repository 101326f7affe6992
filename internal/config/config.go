package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	// DataDir is the root of the persistent layout (~/.osgrep by default):
	// data/<store>, meta.json, models/, grammars/.
	DataDir   string
	StoreName string

	// VectorDimension is the dense embedding dimension. Zero means "infer
	// from the first worker reply".
	VectorDimension int

	WorkerTimeout  time.Duration
	WorkerMemoryMB int // 0 = half of system RAM
	Workers        int
	// WorkerCommand launches the model sidecar process.
	WorkerCommand []string

	ServerMemoryWarnMB    int
	ServerMemoryRestartMB int

	EmbedBatchSize int
	SkipMetaSave   bool
	Profile        bool
}

// Params are the CLI-supplied overrides; empty values fall back to
// environment and defaults.
type Params struct {
	DataDir   string
	StoreName string
}

// New builds a Config from params, environment, and defaults.
func New(params Params) (*Config, error) {
	cfg := &Config{
		DataDir:        params.DataDir,
		StoreName:      params.StoreName,
		WorkerTimeout:  60 * time.Second,
		Workers:        1,
		EmbedBatchSize: 16,
	}

	if cfg.DataDir == "" {
		cfg.DataDir = os.Getenv("OSGREP_DATA_DIR")
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".osgrep")
	}
	if cfg.StoreName == "" {
		cfg.StoreName = os.Getenv("OSGREP_STORE")
	}
	if cfg.StoreName == "" {
		cfg.StoreName = "default"
	}

	if ms := envInt("OSGREP_WORKER_TIMEOUT_MS"); ms > 0 {
		cfg.WorkerTimeout = time.Duration(ms) * time.Millisecond
	}
	cfg.WorkerMemoryMB = envInt("OSGREP_WORKER_MEMORY_MB")
	cfg.ServerMemoryWarnMB = envInt("OSGREP_SERVER_MEMORY_WARN_MB")
	cfg.ServerMemoryRestartMB = envInt("OSGREP_SERVER_MEMORY_RESTART_MB")
	if n := envInt("OSGREP_THREADS"); n > 0 {
		cfg.Workers = n
	}
	cfg.SkipMetaSave = os.Getenv("SKIP_META_SAVE") != ""
	cfg.Profile = os.Getenv("OSGREP_PROFILE") != ""

	if cmd := os.Getenv("OSGREP_WORKER_CMD"); cmd != "" {
		cfg.WorkerCommand = strings.Fields(cmd)
	} else {
		cfg.WorkerCommand = []string{"osgrep-worker", "--models", cfg.ModelsDir()}
	}

	return cfg, nil
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// StorePath is the directory holding the named index's database files.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "data", c.StoreName)
}

// MetaPath is the MetaStore JSON location.
func (c *Config) MetaPath() string {
	return filepath.Join(c.DataDir, "meta.json")
}

// ModelsDir holds downloaded encoder and reranker weights.
func (c *Config) ModelsDir() string {
	return filepath.Join(c.DataDir, "models")
}

// GrammarsDir holds tree-sitter grammar blobs.
func (c *Config) GrammarsDir() string {
	return filepath.Join(c.DataDir, "grammars")
}

// SyncConcurrency is the number of in-flight file pipelines during sync.
func (c *Config) SyncConcurrency() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	return n
}
