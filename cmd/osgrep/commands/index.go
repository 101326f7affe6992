package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/osgrep/osgrep/internal/models"
	"github.com/osgrep/osgrep/internal/syncer"
)

// NewIndexCommand syncs a repository tree into the index.
func NewIndexCommand() *cobra.Command {
	var (
		dryRun bool
		path   string
	)
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index the repository (incremental)",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := path
			if root == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return err
				}
				root = cwd
			}
			return runApp(cmd.Context(), func(sy *syncer.Syncer) error {
				stats, err := sy.Sync(cmd.Context(), root, syncer.Options{
					DryRun: dryRun,
					Progress: func(p models.SyncProgress) {
						fmt.Printf("\r[%3d%%] %d/%d indexed:%d %-40s",
							percent(p.Processed, p.Total), p.Processed, p.Total, p.Indexed, trim(p.Path, 40))
					},
				})
				fmt.Println()
				if err != nil {
					return err
				}
				if stats.Cancelled {
					fmt.Printf("cancelled after %d files\n", stats.Processed)
					return nil
				}
				fmt.Printf("processed %d files: %d indexed, %d skipped, %d stale removed\n",
					stats.Processed, stats.Indexed, stats.Skipped, stats.Deleted)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be indexed without writing")
	cmd.Flags().StringVar(&path, "path", "", "Repository root (default: working directory)")
	return cmd
}

func percent(done, total int) int {
	if total == 0 {
		return 100
	}
	return done * 100 / total
}

func trim(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n+1:]
}
