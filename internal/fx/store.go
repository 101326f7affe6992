package fx

import (
	"path/filepath"

	"github.com/osgrep/osgrep/internal/config"
	"github.com/osgrep/osgrep/internal/store"
	"github.com/osgrep/osgrep/internal/store/sqlvec"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// StoreParams represents dependencies for storage components
type StoreParams struct {
	fx.In

	Config *config.Config
	Logger *zap.Logger
}

// NewStoreProvider creates the store provider rooted at the data directory
func NewStoreProvider(params StoreParams) store.Provider {
	return sqlvec.NewProvider(filepath.Join(params.Config.DataDir, "data"), params.Logger)
}

// NewStore opens the configured index
func NewStore(provider store.Provider, cfg *config.Config) (store.Store, error) {
	return provider.OpenOrCreate(cfg.StoreName, cfg.VectorDimension)
}

// StoreModule provides storage components
var StoreModule = fx.Module("store",
	fx.Provide(
		NewStoreProvider,
		NewStore,
	),
	fx.Invoke(func(lc fx.Lifecycle, st store.Store) {
		lc.Append(fx.StopHook(st.Close))
	}),
)
