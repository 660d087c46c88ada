package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/pvfhost/internal/artifacts"
	"github.com/mattjoyce/pvfhost/internal/backoff"
	"github.com/mattjoyce/pvfhost/internal/config"
	"github.com/mattjoyce/pvfhost/internal/events"
	"github.com/mattjoyce/pvfhost/internal/execute"
	"github.com/mattjoyce/pvfhost/internal/lock"
	"github.com/mattjoyce/pvfhost/internal/log"
	"github.com/mattjoyce/pvfhost/internal/metrics"
	"github.com/mattjoyce/pvfhost/internal/prepare"
	"github.com/mattjoyce/pvfhost/internal/storage"
	"github.com/mattjoyce/pvfhost/internal/workspace"
)

const (
	// LockFile is held by the host for as long as it uses the cache dir.
	LockFile = "pvfhost.lock"
	// WorkersDir holds one scratch directory per live worker.
	WorkersDir = "workers"
)

type command struct {
	program string
	args    []string
	env     []string
}

type startOptions struct {
	metrics *metrics.Metrics
	events  *events.Hub
	prepare *command
	execute *command
}

// Option customizes Start.
type Option func(*startOptions)

// WithMetrics records into m instead of a fresh collector set.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *startOptions) { o.metrics = m }
}

// WithEvents publishes lifecycle events to hub.
func WithEvents(hub *events.Hub) Option {
	return func(o *startOptions) { o.events = hub }
}

// WithPrepareCommand overrides the configured prepare worker binary.
func WithPrepareCommand(program string, args, env []string) Option {
	return func(o *startOptions) { o.prepare = &command{program, args, env} }
}

// WithExecuteCommand overrides the configured execute worker binary.
func WithExecuteCommand(program string, args, env []string) Option {
	return func(o *startOptions) { o.execute = &command{program, args, env} }
}

// OptionsFromConfig derives the request-handling options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PrecheckTimeout:    cfg.Timeouts.Precheck,
		CompilationTimeout: cfg.Timeouts.Compilation,
		ExecutionTimeout:   cfg.Timeouts.Execution,
		FailureCooldown:    cfg.Retry.PrepareFailureCooldown,
		FailureRetries:     cfg.Retry.PrepareFailureRetries,
		ArtifactTTL:        cfg.Artifacts.TTL,
		PruneInterval:      cfg.Artifacts.PruneInterval,
	}
}

// Start opens the cache, starts both dispatchers and the host loop, and
// returns once the host accepts requests. Cancelling ctx shuts everything
// down; Wait reports when that has finished.
func Start(ctx context.Context, cfg *config.Config, opts ...Option) (*Host, error) {
	so := startOptions{}
	for _, opt := range opts {
		opt(&so)
	}
	if so.metrics == nil && cfg.MetricsEnabled() {
		so.metrics = metrics.New()
	}
	if so.prepare == nil {
		so.prepare = &command{program: cfg.Workers.PrepareWorkerPath}
	}
	if so.execute == nil {
		so.execute = &command{program: cfg.Workers.ExecuteWorkerPath}
	}
	logger := log.WithComponent("host")

	cacheDir, err := filepath.Abs(cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if err := storage.CheckLocalFilesystem(cacheDir); err != nil {
		return nil, err
	}
	if fs, err := storage.ProbeFilesystem(cacheDir); err == nil && fs.Known() {
		logger.Debug("cache filesystem", "type", fs.Type)
	}

	pidLock, err := lock.AcquirePIDLock(filepath.Join(cacheDir, LockFile))
	if err != nil {
		return nil, err
	}
	release := func() { _ = pidLock.Release() }

	store, report, err := artifacts.Open(ctx, artifacts.Options{Dir: cacheDir, VerifyOnStart: cfg.VerifyArtifactsOnStart()})
	if err != nil {
		release()
		return nil, err
	}
	logger.Info("artifact index loaded",
		"cache_dir", cacheDir, "loaded", report.Loaded, "dropped", report.DroppedRows,
		"adopted", report.Adopted, "corrupt", report.Corrupt, "temps_removed", report.TempsRemoved)

	ws, err := workspace.NewFSManager(filepath.Join(cacheDir, WorkersDir))
	if err == nil {
		// Scratch dirs of a previous run are never reused.
		var cleaned workspace.CleanupReport
		if cleaned, err = ws.Cleanup(ctx, 0); err == nil && cleaned.DeletedDirs > 0 {
			logger.Info("removed stale worker scratch dirs", "count", cleaned.DeletedDirs,
				"orphaned_tmps", cleaned.OrphanedTmps, "freed", humanize.IBytes(cleaned.FreedBytes))
		}
	}
	if err != nil {
		_ = store.Close()
		release()
		return nil, fmt.Errorf("prepare worker scratch space: %w", err)
	}

	spawnBackoff := backoff.Config{Initial: 100 * time.Millisecond, Max: cfg.Workers.SpawnTimeout}
	prep := prepare.New(prepare.Config{
		Program:       so.prepare.program,
		Args:          so.prepare.args,
		Env:           so.prepare.env,
		SoftMax:       cfg.Workers.PrepareSoftMax,
		HardMax:       cfg.Workers.PrepareHardMax,
		Factor:        cfg.Timeouts.WallClockFactor,
		SpawnTimeout:  cfg.Workers.SpawnTimeout,
		SpawnAttempts: cfg.Workers.SpawnAttempts,
		SpawnBackoff:  spawnBackoff,
		JobAttempts:   cfg.Retry.JobAttempts,
		ShutdownGrace: cfg.Workers.ShutdownGrace,
	}, prepare.Deps{Publisher: store, Workspace: ws, Metrics: so.metrics, Events: so.events})
	exec := execute.New(execute.Config{
		Program:       so.execute.program,
		Args:          so.execute.args,
		Env:           so.execute.env,
		Max:           cfg.Workers.ExecuteMax,
		Factor:        cfg.Timeouts.WallClockFactor,
		SpawnTimeout:  cfg.Workers.SpawnTimeout,
		SpawnAttempts: cfg.Workers.SpawnAttempts,
		SpawnBackoff:  spawnBackoff,
		JobAttempts:   cfg.Retry.JobAttempts,
		ShutdownGrace: cfg.Workers.ShutdownGrace,
	}, execute.Deps{Workspace: ws, Metrics: so.metrics, Events: so.events})

	h := newHost(OptionsFromConfig(cfg), store, prep, exec, so.metrics, so.events)
	h.stopped = make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return prep.Run(gctx) })
	g.Go(func() error { return exec.Run(gctx) })
	g.Go(func() error { return h.run(gctx) })

	go func() {
		err := g.Wait()
		if cerr := store.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close artifact index: %w", cerr))
		}
		release()
		h.waitErr = err
		logger.Info("validation host stopped")
		close(h.stopped)
	}()
	return h, nil
}
