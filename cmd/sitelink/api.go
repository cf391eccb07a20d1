package main

import (
	"github.com/spf13/cobra"

	"github.com/Woody88/sitelink-sub006/internal/server/endpoints"
)

var serverURL string

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Commands that call the running server",
	Long: `API commands call the running sitelink server via HTTP.

These commands require a running server (sitelink serve).
Use --server to specify a custom server URL.

Examples:
  sitelink api health                     # Check server health
  sitelink api plans-upload plan.pdf      # Upload a plan for tiling
  sitelink api uploads-status <id>        # Check tiling progress`,
}

// getServerURL returns the server URL at runtime (after flag parsing).
func getServerURL() string {
	return serverURL
}

func init() {
	// Add --server flag to api command (persistent so all subcommands inherit it)
	apiCmd.PersistentFlags().StringVar(
		&serverURL, "server", "http://localhost:8080", "Server URL",
	)

	for _, ep := range endpoints.All() {
		apiCmd.AddCommand(ep.Command(getServerURL))
	}

	rootCmd.AddCommand(apiCmd)
}
