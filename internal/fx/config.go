package fx

import (
	"github.com/osgrep/osgrep/internal/config"
	"go.uber.org/fx"
)

// ConfigParams represents the CLI-supplied configuration overrides
type ConfigParams struct {
	fx.In

	DataDir   string `name:"dataDir"   optional:"true"`
	StoreName string `name:"storeName" optional:"true"`
}

// NewConfig creates the application configuration from params, environment,
// and defaults
func NewConfig(params ConfigParams) (*config.Config, error) {
	return config.New(config.Params{
		DataDir:   params.DataDir,
		StoreName: params.StoreName,
	})
}

// ConfigModule provides configuration for the application
var ConfigModule = fx.Module("config",
	fx.Provide(NewConfig),
)
