package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Woody88/sitelink-sub006/internal/config"
	"github.com/Woody88/sitelink-sub006/internal/home"
	"github.com/Woody88/sitelink-sub006/internal/server"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sitelink server",
	Long: `Start the sitelink HTTP server.

This starts the HTTP API server, the tile job workers, and the upload
coordinator janitor. Tiling resumes from the job queue; finished uploads
are evicted after an idle period.

The server provides:
  - /health - Basic server health check
  - /ready  - Readiness check (includes object store)
  - /status - Queue depth and event stream counters

Examples:
  sitelink serve                    # Start on default port 8080
  sitelink serve --port 3000        # Start on custom port
  sitelink serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		// Set up logger
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))

		// Get home directory
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		configMgr, err := config.NewManager(cfgFile)
		if err != nil {
			return err
		}
		configMgr.WatchConfig()

		host := serveHost
		if host == "" {
			host = configMgr.Get().Server.Host
		}
		port := servePort
		if port == "" {
			port = configMgr.Get().Server.Port
		}

		srv, err := server.New(server.Config{
			Host:          host,
			Port:          port,
			Home:          h,
			ConfigManager: configMgr,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (default from config)")
	serveCmd.Flags().StringVar(&servePort, "port", "", "Port to listen on (default from config)")

	rootCmd.AddCommand(serveCmd)
}
