package prepare

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pvfhost/internal/artifacts"
	"github.com/mattjoyce/pvfhost/internal/backoff"
	"github.com/mattjoyce/pvfhost/internal/engine/directive"
	"github.com/mattjoyce/pvfhost/internal/events"
	"github.com/mattjoyce/pvfhost/internal/metrics"
	"github.com/mattjoyce/pvfhost/internal/protocol"
	"github.com/mattjoyce/pvfhost/internal/pvf"
	"github.com/mattjoyce/pvfhost/internal/testutil"
	"github.com/mattjoyce/pvfhost/internal/workspace"
)

func TestMain(m *testing.M) {
	testutil.MaybeRunWorker()
	os.Exit(m.Run())
}

type harness struct {
	d      *Dispatcher
	store  *artifacts.Store
	hub    *events.Hub
	cancel context.CancelFunc
}

func start(t *testing.T, cfg Config) *harness {
	t.Helper()
	dir := t.TempDir()
	store, _, err := artifacts.Open(context.Background(), artifacts.Options{Dir: dir})
	require.NoError(t, err)
	ws, err := workspace.NewFSManager(filepath.Join(dir, "workers"))
	require.NoError(t, err)

	if cfg.Program == "" {
		cfg.Program, cfg.Args, cfg.Env = testutil.WorkerCommand(protocol.KindPrepare)
	}
	if cfg.HardMax == 0 {
		cfg.SoftMax, cfg.HardMax = 2, 2
	}
	if cfg.Factor == 0 {
		cfg.Factor = 3
	}
	if cfg.SpawnTimeout == 0 {
		cfg.SpawnTimeout = 10 * time.Second
	}
	if cfg.JobAttempts == 0 {
		cfg.JobAttempts = 2
	}
	cfg.SpawnAttempts = max(cfg.SpawnAttempts, 2)
	cfg.SpawnBackoff = backoff.Config{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	cfg.ShutdownGrace = time.Second

	hub := events.NewHub(0)
	d := New(cfg, Deps{Publisher: store, Workspace: ws, Metrics: metrics.New(), Events: hub})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Run(ctx) }()

	h := &harness{d: d, store: store, hub: hub, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		<-d.Done()
		_ = store.Close()
	})
	return h
}

// submit queues a job and returns the channel its result arrives on.
func (h *harness) submit(id string, code string, timeout time.Duration, kind pvf.PrepareJobKind, prio pvf.Priority, params pvf.ExecutorParams) <-chan Result {
	ch := make(chan Result, 1)
	h.d.Submit(Job{
		ID:       id,
		Spec:     pvf.NewPrepJobSpec([]byte(code), params, timeout, kind),
		Priority: prio,
		Reply:    func(r Result) { ch <- r },
	})
	return ch
}

func await(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(20 * time.Second):
		t.Fatal("timed out waiting for prepare result")
		return Result{}
	}
}

func TestPrepareSucceedsAndPublishes(t *testing.T) {
	h := start(t, Config{})
	r := await(t, h.submit("job-1", "run:\n  op: echo\n", 5*time.Second, pvf.Compilation, pvf.PriorityNormal, pvf.ExecutorParams{}))

	require.Nil(t, r.Err)
	assert.Equal(t, 1, r.Attempts)
	assert.Equal(t, h.store.PathFor(r.Fingerprint), r.Handle.Path)
	assert.True(t, h.store.ExistsOnDisk(r.Handle))

	a, ok := h.store.Get(r.Fingerprint)
	require.True(t, ok)
	assert.Equal(t, artifacts.Ready, a.State)
	assert.Equal(t, r.Handle.Checksum, a.Checksum)

	// The worker stays in the pool.
	assert.True(t, testutil.WaitFor(t, 2*time.Second, 10*time.Millisecond, func() bool {
		return h.d.Stats().Idle == 1
	}))
}

func TestPrepareReusesWorkerSerially(t *testing.T) {
	h := start(t, Config{SoftMax: 1, HardMax: 1})
	var chans []<-chan Result
	for i, code := range []string{"run:\n  op: echo\n", "run:\n  op: trap\n", "run:\n  op: halt\n"} {
		chans = append(chans, h.submit("job-"+string(rune('a'+i)), code, 5*time.Second, pvf.Compilation, pvf.PriorityNormal, pvf.ExecutorParams{}))
	}
	for _, ch := range chans {
		require.Nil(t, await(t, ch).Err)
	}
	st := h.d.Stats()
	assert.Equal(t, 1, st.Idle+st.Busy, "one worker served every job")
}

func TestPrepareTimeoutWithinWindow(t *testing.T) {
	h := start(t, Config{Factor: 4})
	// Warm the pool so spawn latency does not count.
	require.Nil(t, await(t, h.submit("warm", "run:\n  op: echo\n", 5*time.Second, pvf.Compilation, pvf.PriorityNormal, pvf.ExecutorParams{})).Err)

	timeout := 300 * time.Millisecond
	began := time.Now()
	r := await(t, h.submit("slow", "compile:\n  sleep: 10s\n", timeout, pvf.Compilation, pvf.PriorityNormal, pvf.ExecutorParams{}))
	elapsed := time.Since(began)

	require.NotNil(t, r.Err)
	assert.ErrorIs(t, r.Err, pvf.ErrTimedOut)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, 4*timeout)
	_, ok := h.store.Get(r.Fingerprint)
	assert.False(t, ok, "dispatcher does not record failures in the store")
}

func TestPrecheckingMemoryLimit(t *testing.T) {
	h := start(t, Config{})
	params := pvf.ExecutorParams{PrecheckingMaxMemory: 1 << 20}

	r := await(t, h.submit("big", "compile:\n  memory: 8MiB\n", 5*time.Second, pvf.Prechecking, pvf.PriorityNormal, params))
	require.NotNil(t, r.Err)
	assert.ErrorIs(t, r.Err, pvf.ErrOutOfMemory)

	// The same code compiles when the limit does not apply.
	r = await(t, h.submit("lenient", "compile:\n  memory: 8MiB\n", 5*time.Second, pvf.Compilation, pvf.PriorityNormal, params))
	assert.Nil(t, r.Err)
}

func TestPrepareDeterministicFailure(t *testing.T) {
	h := start(t, Config{})
	r := await(t, h.submit("bad", "compile:\n  fail: prevalidation\n  message: not wasm\n", 5*time.Second, pvf.Compilation, pvf.PriorityNormal, pvf.ExecutorParams{}))
	require.NotNil(t, r.Err)
	assert.ErrorIs(t, r.Err, pvf.ErrPrevalidation)
	assert.Equal(t, "not wasm", r.Err.Message)
	assert.Equal(t, 1, r.Attempts)
}

func TestPrepareRequeuesAfterWorkerDeath(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "crashed")
	program, args, env := testutil.CrashOnceCommand(protocol.KindPrepare, marker)
	h := start(t, Config{Program: program, Args: args, Env: env, SoftMax: 1, HardMax: 1, JobAttempts: 2})

	r := await(t, h.submit("retry", "run:\n  op: echo\n", 5*time.Second, pvf.Compilation, pvf.PriorityNormal, pvf.ExecutorParams{}))
	require.Nil(t, r.Err)
	assert.Equal(t, 2, r.Attempts)
	assert.FileExists(t, marker)
}

func TestPrepareGivesUpAfterJobAttempts(t *testing.T) {
	program, args, env := testutil.WorkerCommand(testutil.ModeCrash)
	h := start(t, Config{Program: program, Args: args, Env: env, JobAttempts: 2})

	r := await(t, h.submit("doomed", "run:\n  op: echo\n", 5*time.Second, pvf.Compilation, pvf.PriorityNormal, pvf.ExecutorParams{}))
	require.NotNil(t, r.Err)
	assert.ErrorIs(t, r.Err, pvf.ErrJobDied)
	assert.Equal(t, 2, r.Attempts)
}

func TestPrepareFailsQueueWhenSpawnKeepsFailing(t *testing.T) {
	h := start(t, Config{Program: filepath.Join(t.TempDir(), "missing-binary"), SpawnAttempts: 2})

	a := h.submit("a", "run:\n  op: echo\n", time.Second, pvf.Compilation, pvf.PriorityNormal, pvf.ExecutorParams{})
	b := h.submit("b", "run:\n  op: trap\n", time.Second, pvf.Compilation, pvf.PriorityCritical, pvf.ExecutorParams{})
	for _, ch := range []<-chan Result{a, b} {
		r := await(t, ch)
		require.NotNil(t, r.Err)
		assert.ErrorIs(t, r.Err, pvf.ErrSpawn)
	}
}

func TestPrepareAmendRaisesPriority(t *testing.T) {
	h := start(t, Config{SoftMax: 1, HardMax: 1})

	order := make(chan string, 3)
	submit := func(id, code string, prio pvf.Priority) {
		h.d.Submit(Job{
			ID:       id,
			Spec:     pvf.NewPrepJobSpec([]byte(code), pvf.ExecutorParams{}, 5*time.Second, pvf.Compilation),
			Priority: prio,
			Reply:    func(r Result) { order <- r.JobID },
		})
	}
	submit("blocker", "compile:\n  sleep: 300ms\n", pvf.PriorityNormal)
	submit("late-a", "run:\n  op: echo\n", pvf.PriorityBackground)
	submit("late-b", "run:\n  op: trap\n", pvf.PriorityBackground)
	h.d.Amend("late-b", pvf.PriorityCritical)

	var got []string
	for range 3 {
		select {
		case id := <-order:
			got = append(got, id)
		case <-time.After(20 * time.Second):
			t.Fatalf("only got %v", got)
		}
	}
	assert.Less(t, indexOf(got, "late-b"), indexOf(got, "late-a"), "amended job runs first: %v", got)
}

func TestPrepareShutdownAnswersEveryJob(t *testing.T) {
	h := start(t, Config{SoftMax: 1, HardMax: 1})

	running := h.submit("running", "compile:\n  sleep: 10s\n", 20*time.Second, pvf.Compilation, pvf.PriorityNormal, pvf.ExecutorParams{})
	queued := h.submit("queued", "run:\n  op: echo\n", 5*time.Second, pvf.Compilation, pvf.PriorityNormal, pvf.ExecutorParams{})
	require.True(t, testutil.WaitFor(t, 10*time.Second, 10*time.Millisecond, func() bool {
		return h.d.Stats().Busy == 1
	}))

	h.cancel()
	for _, ch := range []<-chan Result{running, queued} {
		r := await(t, ch)
		require.NotNil(t, r.Err)
		assert.ErrorIs(t, r.Err, pvf.ErrShutdown)
	}
	<-h.d.Done()

	late := h.submit("late", "run:\n  op: echo\n", time.Second, pvf.Compilation, pvf.PriorityNormal, pvf.ExecutorParams{})
	assert.ErrorIs(t, await(t, late).Err, pvf.ErrShutdown)
}

func TestPrepareEventsAreEmitted(t *testing.T) {
	h := start(t, Config{})
	code := string(directive.Encode(directive.Program{Run: directive.RunDirective{Op: directive.OpEcho}}))
	require.Nil(t, await(t, h.submit("ev", code, 5*time.Second, pvf.Compilation, pvf.PriorityNormal, pvf.ExecutorParams{})).Err)

	seen := map[string]bool{}
	for _, ev := range h.hub.SnapshotSince(0, nil) {
		seen[ev.Type] = true
	}
	for _, typ := range []string{events.PrepareQueued, events.PrepareStarted, events.PrepareFinished, events.WorkerSpawned} {
		assert.True(t, seen[typ], "missing %s event", typ)
	}
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
