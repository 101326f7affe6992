package fx

import (
	appmcp "github.com/osgrep/osgrep/internal/mcp"
	"github.com/osgrep/osgrep/internal/searcher"
	"github.com/osgrep/osgrep/internal/syncer"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// AppModule combines all application modules
var AppModule = fx.Options(
	LoggingModule,
	ConfigModule,
	StoreModule,
	EmbedModule,
	PipelineModule,
	MCPModule,
)

// NewMCPServer creates the MCP server instance
func NewMCPServer(se *searcher.Searcher, sy *syncer.Syncer, logger *zap.Logger) *appmcp.Server {
	return appmcp.New(se, sy, logger)
}

// MCPModule provides the MCP server
var MCPModule = fx.Module("mcp",
	fx.Provide(NewMCPServer),
)

// NewApp creates an Fx app with the given configuration overrides
func NewApp(dataDir, storeName string, invokes ...fx.Option) *fx.App {
	opts := []fx.Option{
		AppModule,
		fx.Supply(
			fx.Annotate(dataDir, fx.ResultTags(`name:"dataDir"`)),
			fx.Annotate(storeName, fx.ResultTags(`name:"storeName"`)),
		),
	}
	opts = append(opts, invokes...)
	return fx.New(opts...)
}
