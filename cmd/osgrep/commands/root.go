package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	appfx "github.com/osgrep/osgrep/internal/fx"
)

// NewRootCommand builds the osgrep CLI. A bare pattern argument runs the
// search surface, so `osgrep "parse config"` works without a subcommand.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "osgrep [pattern] [path]",
		Short:         "Local semantic code search",
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return runSearch(cmd.Context(), args)
		},
	}
	root.AddCommand(
		NewSearchCommand(),
		NewIndexCommand(),
		NewServeCommand(),
		NewSetupCommand(),
		NewDoctorCommand(),
		NewListCommand(),
		NewMCPCommand(),
	)
	return root
}

// runApp runs the invoke function inside an fx app: construction, the
// work itself, then lifecycle teardown. Invoke errors surface as start
// errors, matching fx semantics.
func runApp(ctx context.Context, invoke any) error {
	app := appfx.NewApp("", "", fx.Invoke(invoke))
	startCtx, cancel := context.WithTimeout(ctx, fx.DefaultTimeout)
	defer cancel()
	startErr := app.Start(startCtx)
	stopCtx, cancelStop := context.WithTimeout(context.Background(), fx.DefaultTimeout)
	defer cancelStop()
	stopErr := app.Stop(stopCtx)
	if startErr != nil {
		return fmt.Errorf("start application: %w", startErr)
	}
	return stopErr
}
