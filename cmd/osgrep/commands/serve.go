package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/osgrep/osgrep/internal/config"
	"github.com/osgrep/osgrep/internal/searcher"
	"github.com/osgrep/osgrep/internal/server"
	"github.com/osgrep/osgrep/internal/syncer"
)

// NewServeCommand runs the long-lived watcher/server over the repository.
func NewServeCommand() *cobra.Command {
	var (
		port      int
		parentPID int
		path      string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Watch the repository and serve queries over local HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := path
			if root == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return err
				}
				root = cwd
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runApp(ctx, func(cfg *config.Config, sy *syncer.Syncer, se *searcher.Searcher, logger *zap.Logger) error {
				srv, err := server.New(server.Options{
					Root:            root,
					Port:            port,
					ParentPID:       parentPID,
					MemoryWarnMB:    cfg.ServerMemoryWarnMB,
					MemoryRestartMB: cfg.ServerMemoryRestartMB,
				}, sy, se, logger)
				if err != nil {
					return err
				}
				return srv.Run(ctx)
			})
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (0 picks a free port)")
	cmd.Flags().IntVar(&parentPID, "parent-pid", 0, "Exit when this process dies")
	cmd.Flags().StringVar(&path, "path", "", "Repository root (default: working directory)")
	return cmd
}
