package config_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/osgrep/osgrep/internal/config"
)

func Test_New_Defaults(t *testing.T) {
	t.Setenv("OSGREP_DATA_DIR", "")
	t.Setenv("OSGREP_STORE", "")
	t.Setenv("SKIP_META_SAVE", "")
	cfg, err := config.New(config.Params{})
	require.NoError(t, err)
	require.Equal(t, "default", cfg.StoreName)
	require.Equal(t, 60*time.Second, cfg.WorkerTimeout)
	require.Equal(t, filepath.Join(cfg.DataDir, "meta.json"), cfg.MetaPath())
	require.Equal(t, filepath.Join(cfg.DataDir, "data", "default"), cfg.StorePath())
	require.GreaterOrEqual(t, cfg.SyncConcurrency(), 1)
	require.False(t, cfg.SkipMetaSave)
}

func Test_New_EnvOverrides(t *testing.T) {
	t.Setenv("OSGREP_DATA_DIR", "/tmp/osgrep-test")
	t.Setenv("OSGREP_STORE", "alt")
	t.Setenv("OSGREP_WORKER_TIMEOUT_MS", "1500")
	t.Setenv("OSGREP_WORKER_MEMORY_MB", "512")
	t.Setenv("OSGREP_THREADS", "3")
	t.Setenv("SKIP_META_SAVE", "1")
	t.Setenv("OSGREP_WORKER_CMD", "/opt/worker --fast")

	cfg, err := config.New(config.Params{})
	require.NoError(t, err)
	require.Equal(t, "/tmp/osgrep-test", cfg.DataDir)
	require.Equal(t, "alt", cfg.StoreName)
	require.Equal(t, 1500*time.Millisecond, cfg.WorkerTimeout)
	require.Equal(t, 512, cfg.WorkerMemoryMB)
	require.Equal(t, 3, cfg.Workers)
	require.True(t, cfg.SkipMetaSave)
	require.Equal(t, []string{"/opt/worker", "--fast"}, cfg.WorkerCommand)
}

func Test_New_ParamsWinOverEnv(t *testing.T) {
	t.Setenv("OSGREP_DATA_DIR", "/tmp/from-env")
	cfg, err := config.New(config.Params{DataDir: "/tmp/from-params", StoreName: "s"})
	require.NoError(t, err)
	require.Equal(t, "/tmp/from-params", cfg.DataDir)
	require.Equal(t, "s", cfg.StoreName)
}

func Test_New_BadEnvIntIgnored(t *testing.T) {
	t.Setenv("OSGREP_WORKER_TIMEOUT_MS", "not-a-number")
	cfg, err := config.New(config.Params{})
	require.NoError(t, err)
	require.Equal(t, 60*time.Second, cfg.WorkerTimeout)
}
