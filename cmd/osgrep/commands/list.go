package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/osgrep/osgrep/internal/store"
)

// NewListCommand enumerates indexed files with fragment counts.
func NewListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List indexed files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd.Context(), func(st store.Store) error {
				counts, err := st.CountByPath(cmd.Context())
				if err != nil {
					return err
				}
				paths := make([]string, 0, len(counts))
				for p := range counts {
					paths = append(paths, p)
				}
				sort.Strings(paths)
				for _, p := range paths {
					fmt.Printf("%6d  %s\n", counts[p], p)
				}
				fmt.Printf("%d files indexed\n", len(paths))
				return nil
			})
		},
	}
}
