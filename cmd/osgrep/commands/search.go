package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/osgrep/osgrep/internal/chunker"
	"github.com/osgrep/osgrep/internal/searcher"
	"github.com/osgrep/osgrep/internal/store"
	"github.com/osgrep/osgrep/internal/syncer"
)

// NewSearchCommand is the explicit form of the default surface.
func NewSearchCommand() *cobra.Command {
	var (
		topK     int
		perFile  int
		noRerank bool
	)
	cmd := &cobra.Command{
		Use:   "search <pattern> [path]",
		Short: "Search the index with a natural-language pattern",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearchWith(cmd.Context(), args, topK, perFile, !noRerank)
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", 25, "Max results")
	cmd.Flags().IntVar(&perFile, "per-file", 1, "Max matches per file")
	cmd.Flags().BoolVar(&noRerank, "no-rerank", false, "Skip the cross-encoder reranker")
	return cmd
}

func runSearch(ctx context.Context, args []string) error {
	return runSearchWith(ctx, args, 25, 1, true)
}

func runSearchWith(ctx context.Context, args []string, topK, perFile int, rerank bool) error {
	query := args[0]
	pathPrefix := ""
	if len(args) > 1 {
		pathPrefix = args[1]
	}
	return runApp(ctx, func(st store.Store, sy *syncer.Syncer, se *searcher.Searcher, logger *zap.Logger) error {
		// an empty index means data/ was removed or never built; sync
		// the working tree before answering
		paths, err := st.ListPaths(ctx)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			root, err := os.Getwd()
			if err != nil {
				return err
			}
			logger.Info("index empty, running initial sync", zap.String("root", root))
			if _, err := sy.Sync(ctx, root, syncer.Options{}); err != nil {
				return err
			}
		}

		opts := searcher.DefaultOptions()
		opts.TopK = topK
		opts.PerFileCap = perFile
		opts.Rerank = rerank
		opts.PathPrefix = pathPrefix
		hits, err := se.Search(ctx, query, opts)
		if err != nil {
			return err
		}
		for _, hit := range hits {
			f := hit.Fragment
			fmt.Printf("[%.3f] %s:%d-%d (%s)\n", hit.Score, f.Path, f.StartLine+1, f.EndLine, f.Kind)
			text := chunker.DisplayText(f.Text)
			if lines := strings.SplitN(text, "\n", 6); len(lines) > 5 {
				text = strings.Join(lines[:5], "\n") + "\n…"
			}
			fmt.Println(indent(text, "  "))
		}
		if len(hits) == 0 {
			fmt.Println("no results")
		}
		return nil
	})
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = prefix + lines[i]
	}
	return strings.Join(lines, "\n")
}
