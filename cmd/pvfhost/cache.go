package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/pvfhost/internal/artifacts"
	"github.com/mattjoyce/pvfhost/internal/host"
	"github.com/mattjoyce/pvfhost/internal/inspect"
	"github.com/mattjoyce/pvfhost/internal/lock"
	"github.com/mattjoyce/pvfhost/internal/log"
)

func buildCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the artifact cache of a stopped host",
	}
	cmd.AddCommand(buildCacheListCommand(), buildCachePruneCommand(), buildCacheInspectCommand())
	return cmd
}

// withStore opens the artifact cache while holding the host lock so a
// running host never sees its index change underneath it.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, s *artifacts.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.SetupWriter(cmd.ErrOrStderr(), "warn", "text")

	if _, err := os.Stat(cfg.CacheDir); err != nil {
		return fmt.Errorf("cache dir %s: %w", cfg.CacheDir, err)
	}
	l, err := lock.AcquirePIDLock(filepath.Join(cfg.CacheDir, host.LockFile))
	if errors.Is(err, lock.ErrLocked) {
		return fmt.Errorf("%w; stop the host or use the API", err)
	}
	if err != nil {
		return err
	}
	defer l.Release()

	ctx := cmd.Context()
	s, _, err := artifacts.Open(ctx, artifacts.Options{Dir: cfg.CacheDir})
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func buildCacheListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List cached artifacts and remembered failures",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(_ context.Context, s *artifacts.Store) error {
				fmt.Fprint(cmd.OutOrStdout(), inspect.BuildListing(s, time.Now()))
				return nil
			})
		},
	}
}

func buildCachePruneCommand() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove artifacts and failure records unused for --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			age := olderThan
			if age <= 0 {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				age = cfg.Artifacts.TTL
			}
			if age <= 0 {
				return fmt.Errorf("no --older-than given and artifacts.ttl is disabled")
			}
			return withStore(cmd, func(ctx context.Context, s *artifacts.Store) error {
				n, err := s.Prune(ctx, age)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d entries older than %s.\n", n, age)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Age threshold (default: artifacts.ttl)")
	return cmd
}

func buildCacheInspectCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "inspect FINGERPRINT",
		Short: "Show one cache entry; a unique fingerprint prefix is enough",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(_ context.Context, s *artifacts.Store) error {
				var (
					out string
					err error
				)
				if jsonOut {
					out, err = inspect.BuildJSONReport(s, args[0])
					out += "\n"
				} else {
					out, err = inspect.BuildReport(s, args[0], time.Now())
				}
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output the report as JSON")
	return cmd
}
