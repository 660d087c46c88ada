package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/pvfhost/internal/api"
	"github.com/mattjoyce/pvfhost/internal/events"
	"github.com/mattjoyce/pvfhost/internal/host"
	"github.com/mattjoyce/pvfhost/internal/log"
)

// eventBuffer bounds the replay window of the event hub.
const eventBuffer = 256

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the validation host and, when enabled, its HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	closer := setupLogging(cfg)
	defer closer.Close()

	logger := log.WithComponent("main")
	logger.Info("pvfhost starting", "version", version, "config", cfg.SourcePath, "cache_dir", cfg.CacheDir)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	hub := events.NewHub(eventBuffer)
	h, err := host.Start(gctx, cfg, host.WithEvents(hub))
	if err != nil {
		logger.Error("failed to start validation host", "error", err)
		return err
	}
	g.Go(h.Wait)

	if cfg.API.Enabled {
		srv := api.New(api.ConfigFrom(cfg.API), h, hub, h.Metrics(), log.WithComponent("api"))
		g.Go(func() error {
			if err := srv.Start(gctx); err != nil {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("pvfhost running (press Ctrl+C to stop)")
	<-gctx.Done()
	if ctx.Err() != nil {
		logger.Info("received shutdown signal")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("component failed", "error", err)
		return err
	}
	logger.Info("pvfhost stopped")
	return nil
}
