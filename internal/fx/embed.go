package fx

import (
	"github.com/osgrep/osgrep/internal/config"
	"github.com/osgrep/osgrep/internal/embed"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// EmbedParams represents dependencies for the worker pool
type EmbedParams struct {
	fx.In

	Config *config.Config
	Logger *zap.Logger
}

// NewPool creates the embedding worker pool backed by sidecar processes
func NewPool(params EmbedParams) *embed.Pool {
	factory := func() (embed.Runtime, error) {
		return embed.SpawnWorker(params.Config.WorkerCommand, params.Logger)
	}
	return embed.NewPool(factory, embed.Options{
		Workers:          params.Config.Workers,
		Timeout:          params.Config.WorkerTimeout,
		MemoryLimitBytes: int64(params.Config.WorkerMemoryMB) << 20,
	}, params.Logger)
}

// EmbedModule provides the worker pool
var EmbedModule = fx.Module("embed",
	fx.Provide(NewPool),
	fx.Invoke(func(lc fx.Lifecycle, pool *embed.Pool) {
		lc.Append(fx.StopHook(pool.Close))
	}),
)
