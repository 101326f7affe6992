package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/osgrep/osgrep/internal/config"
)

// NewSetupCommand prepares the data directory layout. Model and grammar
// downloads are handled by the asset tooling; setup validates and reports.
func NewSetupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Create the data directory layout and verify assets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd.Context(), func(cfg *config.Config) error {
				for _, dir := range []string{
					cfg.DataDir,
					cfg.StorePath(),
					cfg.ModelsDir(),
					cfg.GrammarsDir(),
				} {
					if err := os.MkdirAll(dir, 0o755); err != nil {
						return fmt.Errorf("create %s: %w", dir, err)
					}
				}
				fmt.Printf("data directory ready at %s\n", cfg.DataDir)
				if entries, err := os.ReadDir(cfg.ModelsDir()); err != nil || len(entries) == 0 {
					fmt.Println("models missing: run the model fetch tool before first search")
				}
				return nil
			})
		},
	}
}
