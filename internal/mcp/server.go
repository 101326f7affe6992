// Package mcp exposes the index over the Model Context Protocol so agent
// tooling can search without shelling out to the CLI.
package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/osgrep/osgrep/internal/chunker"
	"github.com/osgrep/osgrep/internal/searcher"
	"github.com/osgrep/osgrep/internal/syncer"
)

// Server wires the searcher and syncer into MCP tools.
type Server struct {
	searcher *searcher.Searcher
	syncer   *syncer.Syncer
	logger   *zap.Logger
	mcp      *server.MCPServer
}

func New(se *searcher.Searcher, sy *syncer.Syncer, logger *zap.Logger) *Server {
	s := &Server{
		searcher: se,
		syncer:   sy,
		logger:   logger,
		mcp: server.NewMCPServer(
			"osgrep/mcp",
			"0.1.0",
			server.WithToolCapabilities(true),
		),
	}
	s.mcp.AddTool(newSearchTool(), s.handleSearch)
	s.mcp.AddTool(newIndexTool(), s.handleIndex)
	return s
}

// ServeStdio blocks serving the stdio transport.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func newSearchTool() mcp.Tool {
	return mcp.NewTool(
		"semantic_search",
		mcp.WithDescription("Semantic code search by natural language query"),
		mcp.WithString("query", mcp.Description("Natural language query"), mcp.Required()),
		mcp.WithNumber("limit", mcp.Description("Max results"), mcp.DefaultNumber(10)),
		mcp.WithString("path", mcp.Description("Restrict results to this path prefix")),
		mcp.WithBoolean("rerank", mcp.Description("Apply the cross-encoder reranker"), mcp.DefaultBool(true)),
	)
}

func newIndexTool() mcp.Tool {
	return mcp.NewTool(
		"index",
		mcp.WithDescription("Sync a repository into the index"),
		mcp.WithString("root", mcp.Description("Repository root"), mcp.Required()),
	)
}

func (s *Server) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opts := searcher.DefaultOptions()
	opts.TopK = req.GetInt("limit", 10)
	opts.PathPrefix = req.GetString("path", "")
	opts.Rerank = req.GetBool("rerank", true)

	hits, err := s.searcher.Search(ctx, query, opts)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var b strings.Builder
	for _, hit := range hits {
		f := hit.Fragment
		fmt.Fprintf(&b, "[%.3f] %s:%d-%d (%s)\n%s\n\n",
			hit.Score, f.Path, f.StartLine+1, f.EndLine, f.Kind, chunker.DisplayText(f.Text))
	}
	if b.Len() == 0 {
		return mcp.NewToolResultText("no results"), nil
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleIndex(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	root, err := req.RequireString("root")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	stats, err := s.syncer.Sync(ctx, root, syncer.Options{})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"processed %d files, indexed %d, deleted %d stale",
		stats.Processed, stats.Indexed, stats.Deleted,
	)), nil
}
