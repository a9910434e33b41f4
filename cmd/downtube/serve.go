package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"downtube/internal/config"
	"downtube/internal/database"
	"downtube/internal/downloader"
	"downtube/internal/engine"
	"downtube/internal/inbox"
	"downtube/internal/library"
	"downtube/internal/media"
	"downtube/internal/registry"
	"downtube/internal/resolver"
	"downtube/internal/transport"
	"downtube/internal/watch"
	"downtube/internal/web"
	"downtube/internal/web/handlers"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	resolverTimeout = 30 * time.Second
	shutdownTimeout = 10 * time.Second
	changeBuffer    = 256
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the web UI and download manager (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogging(cfg.LogLevel)

	slog.Info("Starting DownTube", "version", version)

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Failed to close database", "error", err)
		}
	}()

	store, err := media.NewStore(cfg.MediaPath)
	if err != nil {
		return fmt.Errorf("failed to initialize media store: %w", err)
	}

	// Partial files cannot be resumed across restarts since resume tokens live in memory
	if _, err := store.SweepTemp(cfg.TempPath, engine.TempSuffix); err != nil {
		slog.Warn("Failed to sweep temp directory", "path", cfg.TempPath, "error", err)
	}

	resolverClient, err := transport.NewHTTPClient(transport.Options{Timeout: resolverTimeout, ProxyURL: cfg.ProxyURL})
	if err != nil {
		return fmt.Errorf("failed to create resolver client: %w", err)
	}
	downloadClient, err := transport.NewHTTPClient(transport.Options{Timeout: cfg.DownloadTimeout, ProxyURL: cfg.ProxyURL})
	if err != nil {
		return fmt.Errorf("failed to create download client: %w", err)
	}

	eng, err := engine.New(downloadClient, cfg.TempPath)
	if err != nil {
		return fmt.Errorf("failed to initialize download engine: %w", err)
	}
	defer eng.Close()

	res := resolver.New(cfg.ResolverURL, cfg.ResolverAPIKey, resolverClient)

	// Warn but don't exit; the service may come up later
	healthCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := res.CheckHealth(healthCtx); err != nil {
		slog.Warn("Video info service check failed - continuing anyway", "url", cfg.ResolverURL, "error", err)
	} else {
		slog.Info("Video info service reachable", "url", cfg.ResolverURL)
	}
	cancel()

	manager := downloader.NewManager(eng, registry.New(), db, store)
	feed := handlers.NewFeed(db)
	manager.SetNotifier(feed)

	lib := library.NewService(db, res, manager, store)
	if _, err := lib.PruneUnresolved(); err != nil {
		slog.Error("Failed to prune unresolved videos", "error", err)
	}

	in := inbox.NewService(db, lib)
	h := handlers.NewHandlers(lib, watch.NewTracker(db), in, feed, cfg.PlaybackSampleInterval)
	server := web.NewServer(cfg.Address(), h)

	return runServer(ctx, server, manager, feed, in, db)
}

func runServer(ctx context.Context, server *web.Server, manager *downloader.Manager, feed *handlers.Feed, in *inbox.Service, db *database.DB) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	changes, unsubscribe := db.Subscribe(changeBuffer)
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return manager.Run(gctx)
	})

	g.Go(func() error {
		feed.Watch(gctx, changes)
		return nil
	})

	// Needs the manager running so transfer events are consumed
	g.Go(func() error {
		if _, err := in.DrainOnStartup(gctx); err != nil {
			slog.Error("Failed to drain inbox", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server gracefully: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("Server shutdown complete")
	return nil
}
