package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "downtube",
		Short:   "Download videos in the background and keep track of what you watched",
		Version: version,
		Long: `DownTube resolves video page URLs to media streams, downloads them with
pause and resume support, and serves a small web UI for playback.

Running without a command starts the server.

Environment Variables:
  RESOLVER_URL              Base URL of the video info service (required for serve)
  RESOLVER_API_KEY          API key for the video info service
  SERVER_PORT               HTTP port (default 8080)
  DATABASE_PATH             sqlite database file (default downtube.db)
  MEDIA_PATH                Directory for finished videos (default /videos)
  TEMP_PATH                 Directory for partial downloads
  PROXY_URL                 http, https or socks5 proxy
  LOG_LEVEL                 debug, info, warn or error`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	root.AddCommand(newServeCmd(), newEnqueueCmd(), newFetchCmd())
	return root
}

// setupLogging configures structured logging based on the log level
func setupLogging(level string) {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)
}
