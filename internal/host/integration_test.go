package host

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pvfhost/internal/config"
	"github.com/mattjoyce/pvfhost/internal/events"
	"github.com/mattjoyce/pvfhost/internal/lock"
	"github.com/mattjoyce/pvfhost/internal/metrics"
	"github.com/mattjoyce/pvfhost/internal/protocol"
	"github.com/mattjoyce/pvfhost/internal/pvf"
	"github.com/mattjoyce/pvfhost/internal/testutil"
)

func TestMain(m *testing.M) {
	testutil.MaybeRunWorker()
	os.Exit(m.Run())
}

const factor = 4

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.CacheDir = t.TempDir()
	cfg.Workers.PrepareSoftMax = 2
	cfg.Workers.PrepareHardMax = 2
	cfg.Workers.ExecuteMax = 2
	cfg.Workers.SpawnTimeout = 10 * time.Second
	cfg.Workers.ShutdownGrace = time.Second
	cfg.Timeouts.Precheck = 5 * time.Second
	cfg.Timeouts.Compilation = 5 * time.Second
	cfg.Timeouts.Execution = 2 * time.Second
	cfg.Timeouts.WallClockFactor = factor
	return cfg
}

type running struct {
	*Host
	hub    *events.Hub
	cancel context.CancelFunc
}

func startHost(t *testing.T, cfg *config.Config) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := events.NewHub(4096)
	pp, pa, pe := testutil.WorkerCommand(protocol.KindPrepare)
	ep, ea, ee := testutil.WorkerCommand(protocol.KindExecute)
	h, err := Start(ctx, cfg,
		WithEvents(hub),
		WithMetrics(metrics.New()),
		WithPrepareCommand(pp, pa, pe),
		WithExecuteCommand(ep, ea, ee),
	)
	if err != nil {
		cancel()
		t.Fatalf("start host: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		if err := h.Wait(); err != nil {
			t.Errorf("host shutdown: %v", err)
		}
	})
	return &running{Host: h, hub: hub, cancel: cancel}
}

func TestPrecheckTimeoutWithinWindow(t *testing.T) {
	h := startHost(t, testConfig(t))
	timeout := 500 * time.Millisecond
	params := pvf.ExecutorParams{PrecheckingPrepTimeout: timeout}

	began := time.Now()
	err := h.Precheck(context.Background(), []byte("compile:\n  hang: true\n"), params)
	d := time.Since(began)

	assert.ErrorIs(t, err, pvf.ErrTimedOut)
	assert.GreaterOrEqual(t, d, timeout)
	assert.Less(t, d, timeout*factor)
}

func TestExecuteHardTimeoutWithinWindow(t *testing.T) {
	h := startHost(t, testConfig(t))
	ctx := context.Background()
	halt := []byte("run:\n  op: halt\n")

	// Compile ahead and warm an execute worker so only the run is timed.
	require.NoError(t, h.Precheck(ctx, halt, pvf.ExecutorParams{}))
	_, err := h.Execute(ctx, []byte("run:\n  op: echo\n"), time.Second, nil, pvf.PriorityNormal, pvf.ExecutorParams{})
	require.NoError(t, err)

	timeout := 500 * time.Millisecond
	began := time.Now()
	_, err = h.Execute(ctx, halt, timeout, nil, pvf.PriorityNormal, pvf.ExecutorParams{})
	d := time.Since(began)

	assert.ErrorIs(t, err, pvf.ErrHardTimeout)
	reason, verdict := pvf.IsInvalidCandidate(err)
	assert.True(t, verdict)
	assert.Equal(t, pvf.HardTimeout, reason)
	assert.GreaterOrEqual(t, d, timeout)
	assert.Less(t, d, timeout*factor)
}

func TestDeletedArtifactIsRecompiled(t *testing.T) {
	h := startHost(t, testConfig(t))
	ctx := context.Background()
	code := []byte("run:\n  op: echo\n")

	out, err := h.Execute(ctx, code, time.Second, []byte("first"), pvf.PriorityNormal, pvf.ExecutorParams{})
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), out)

	fp := pvf.NewPrepJobSpec(code, pvf.ExecutorParams{}, 0, pvf.Compilation).Fingerprint()
	require.NoError(t, os.Remove(h.Store().PathFor(fp)))

	out, err = h.Execute(ctx, code, time.Second, []byte("second"), pvf.PriorityNormal, pvf.ExecutorParams{})
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), out)
	assert.FileExists(t, h.Store().PathFor(fp))
	assert.Equal(t, 1, countEvents(h.hub, events.ArtifactHealed))

	// A trap behaves the same on a recompiled artifact as on the first one.
	trap := []byte("run:\n  op: trap\n  message: bad\n")
	_, first := h.Execute(ctx, trap, time.Second, nil, pvf.PriorityNormal, pvf.ExecutorParams{})
	require.NoError(t, os.Remove(h.Store().PathFor(pvf.NewPrepJobSpec(trap, pvf.ExecutorParams{}, 0, pvf.Compilation).Fingerprint())))
	_, second := h.Execute(ctx, trap, time.Second, nil, pvf.PriorityNormal, pvf.ExecutorParams{})
	assert.ErrorIs(t, first, pvf.ErrWorkerReportedInvalid)
	assert.ErrorIs(t, second, pvf.ErrWorkerReportedInvalid)
}

func TestPrecheckMemoryLimit(t *testing.T) {
	h := startHost(t, testConfig(t))
	code := []byte("compile:\n  memory: 2MiB\n")

	assert.NoError(t, h.Precheck(context.Background(), code, pvf.ExecutorParams{PrecheckingMaxMemory: 10 << 20}))
	assert.ErrorIs(t, h.Precheck(context.Background(), code, pvf.ExecutorParams{PrecheckingMaxMemory: 512 << 10}), pvf.ErrOutOfMemory)
}

func TestSerialPreparesAreIndependent(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers.PrepareSoftMax, cfg.Workers.PrepareHardMax = 1, 1
	h := startHost(t, cfg)
	ctx := context.Background()

	assert.ErrorIs(t, h.Precheck(ctx, []byte("compile:\n  fail: preparation\n"), pvf.ExecutorParams{}), pvf.ErrPreparation)
	assert.NoError(t, h.Precheck(ctx, []byte("run:\n  op: echo\n"), pvf.ExecutorParams{}))
	assert.NoError(t, h.Precheck(ctx, []byte("compile:\n  memory: 1MiB\nrun:\n  op: trap\n"), pvf.ExecutorParams{}))

	assert.Equal(t, 1, countEvents(h.hub, events.WorkerSpawned), "one worker served every compile")
}

func TestConcurrentExecutesShareOneCompile(t *testing.T) {
	h := startHost(t, testConfig(t))
	code := []byte("compile:\n  sleep: 200ms\nrun:\n  op: echo\n")

	const callers = 5
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Execute(context.Background(), code, time.Second, []byte("x"), pvf.PriorityNormal, pvf.ExecutorParams{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, countEvents(h.hub, events.PrepareQueued))
}

func TestMismatchedProfilesEvictRatherThanWait(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers.ExecuteMax = 1
	h := startHost(t, cfg)
	ctx := context.Background()
	const work, perJobs = 50 * time.Millisecond, 2
	code := []byte("run:\n  op: sleep\n  sleep: 50ms\n")
	profiles := []pvf.ExecutorParams{{}, {StackLogicalMax: 64}, {StackLogicalMax: 128}}

	// Compile for every profile up front so only execution is timed.
	for _, p := range profiles {
		require.NoError(t, h.Precheck(ctx, code, p))
	}

	began := time.Now()
	var wg sync.WaitGroup
	for _, p := range profiles {
		for range perJobs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.Execute(ctx, code, 5*time.Second, nil, pvf.PriorityNormal, p)
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	// Worst case every job pays for a spawn after an eviction. Waiting on a
	// busy worker's timeout instead would blow well past this.
	jobs := len(profiles) * perJobs
	assert.Less(t, time.Since(began), time.Duration(jobs)*(work+300*time.Millisecond))
	assert.GreaterOrEqual(t, countEvents(h.hub, events.WorkerEvicted), len(profiles)-1)
}

func TestSecondHostIsLockedOut(t *testing.T) {
	cfg := testConfig(t)
	startHost(t, cfg)

	_, err := Start(context.Background(), cfg)
	assert.ErrorIs(t, err, lock.ErrLocked)
}

func TestRestartKeepsArtifacts(t *testing.T) {
	cfg := testConfig(t)
	code := []byte("run:\n  op: echo\n")

	first := startHost(t, cfg)
	require.NoError(t, first.Precheck(context.Background(), code, pvf.ExecutorParams{}))
	first.cancel()
	require.NoError(t, first.Wait())

	second := startHost(t, cfg)
	require.NoError(t, second.Precheck(context.Background(), code, pvf.ExecutorParams{}))
	assert.Zero(t, countEvents(second.hub, events.PrepareQueued), "artifact from the first run is reused")
	assert.Equal(t, 1, second.Stats().Artifacts["ready"])
}
