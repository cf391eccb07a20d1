package main

import (
	"github.com/spf13/cobra"

	"github.com/Woody88/sitelink-sub006/internal/api"
	"github.com/Woody88/sitelink-sub006/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "sitelink",
	Short: "Construction plan tiling and callout detection service",
	Long: `Sitelink turns uploaded construction plan PDFs into deep-zoom tile
pyramids and finds cross-reference callouts on each sheet.

The pipeline includes:
  - PDF splitting and per-sheet tile pyramid generation
  - Per-upload progress coordination with tiling deadlines
  - Vision-model callout detection with review flagging
  - Tile archive and range-read delivery for viewers`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.sitelink/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "sitelink home directory (default: ~/.sitelink)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}
