package fx

import (
	"github.com/osgrep/osgrep/internal/chunker"
	"github.com/osgrep/osgrep/internal/config"
	"github.com/osgrep/osgrep/internal/embed"
	"github.com/osgrep/osgrep/internal/meta"
	"github.com/osgrep/osgrep/internal/searcher"
	"github.com/osgrep/osgrep/internal/store"
	"github.com/osgrep/osgrep/internal/syncer"
	"github.com/osgrep/osgrep/internal/walker"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewChunker creates the structure-aware chunker
func NewChunker(logger *zap.Logger) *chunker.Chunker {
	return chunker.New(logger)
}

// NewWalker creates the file walker
func NewWalker(logger *zap.Logger) *walker.Walker {
	return walker.New(logger)
}

// NewMetaStore creates the path→hash cache
func NewMetaStore(cfg *config.Config, logger *zap.Logger) *meta.Store {
	return meta.New(cfg.MetaPath(), cfg.SkipMetaSave, logger)
}

// SyncerParams represents dependencies for the sync orchestrator
type SyncerParams struct {
	fx.In

	Store   store.Store
	Pool    *embed.Pool
	Chunker *chunker.Chunker
	Walker  *walker.Walker
	Meta    *meta.Store
	Logger  *zap.Logger
}

// NewSyncer creates the sync orchestrator
func NewSyncer(params SyncerParams) *syncer.Syncer {
	return syncer.New(
		params.Store,
		params.Pool,
		params.Chunker,
		params.Walker,
		params.Meta,
		params.Logger,
	)
}

// NewSearcher creates the hybrid retrieval service
func NewSearcher(st store.Store, pool *embed.Pool, logger *zap.Logger) *searcher.Searcher {
	return searcher.New(st, pool, logger)
}

// PipelineModule provides the ingest and retrieval components
var PipelineModule = fx.Module("pipeline",
	fx.Provide(
		NewChunker,
		NewWalker,
		NewMetaStore,
		NewSyncer,
		NewSearcher,
	),
)
