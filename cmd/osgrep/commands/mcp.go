package commands

import (
	"github.com/spf13/cobra"

	"github.com/osgrep/osgrep/internal/mcp"
)

// NewMCPCommand serves the index over MCP stdio.
func NewMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve search tools over the Model Context Protocol (stdio)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd.Context(), func(srv *mcp.Server) error {
				return srv.ServeStdio()
			})
		},
	}
}
