// Package execute is the execute dispatcher. Workers are bound to one
// executor parameter set, so the loop matches queued jobs to idle workers of
// the same profile, spawns workers while under capacity, and evicts the
// oldest idle worker of another profile when the pool is full.
package execute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/pvfhost/internal/backoff"
	"github.com/mattjoyce/pvfhost/internal/events"
	"github.com/mattjoyce/pvfhost/internal/log"
	"github.com/mattjoyce/pvfhost/internal/mailbox"
	"github.com/mattjoyce/pvfhost/internal/metrics"
	"github.com/mattjoyce/pvfhost/internal/pool"
	"github.com/mattjoyce/pvfhost/internal/protocol"
	"github.com/mattjoyce/pvfhost/internal/pvf"
	"github.com/mattjoyce/pvfhost/internal/queue"
	"github.com/mattjoyce/pvfhost/internal/worker"
	"github.com/mattjoyce/pvfhost/internal/workspace"
)

type Config struct {
	Program string
	Args    []string
	Env     []string

	// Max caps live workers across all profiles.
	Max    int
	Factor int

	SpawnTimeout  time.Duration
	SpawnAttempts int
	SpawnBackoff  backoff.Config
	JobAttempts   int
	ShutdownGrace time.Duration
}

func (c *Config) normalize() {
	if c.Max < 1 {
		c.Max = 1
	}
	if c.Factor < 1 {
		c.Factor = 1
	}
	if c.SpawnAttempts < 1 {
		c.SpawnAttempts = 1
	}
	if c.JobAttempts < 1 {
		c.JobAttempts = 1
	}
}

// Job is one execution request against a ready artifact. Reply is called
// exactly once from the dispatcher goroutine and must not block.
type Job struct {
	ID           string
	ArtifactPath string
	Params       pvf.ExecutorParams
	Input        []byte
	Timeout      time.Duration
	Priority     pvf.Priority
	Reply        func(Result)
}

type Result struct {
	JobID    string
	Output   []byte
	Elapsed  time.Duration
	Attempts int
	Err      *pvf.ValidationError
	// ArtifactMissing: the worker could not find the artifact. Err is an
	// Internal error the caller may replace by recompiling.
	ArtifactMissing bool
}

type Stats struct {
	Queued   int `json:"queued"`
	Idle     int `json:"idle"`
	Busy     int `json:"busy"`
	Spawning int `json:"spawning"`
	// Profiles counts distinct parameter sets among live workers.
	Profiles int `json:"profiles"`
}

type pending struct {
	job      Job
	profile  pvf.Hash
	attempts int
}

type (
	submitMsg struct{ job Job }
	amendMsg  struct {
		id   string
		prio pvf.Priority
	}
	doneMsg struct {
		workerID string
		p        *pending
		out      worker.ExecuteOutcome
	}
	wakeMsg struct{}
)

type Dispatcher struct {
	cfg     Config
	metrics *metrics.Metrics
	events  *events.Hub
	logger  *slog.Logger

	inbox   *mailbox.Mailbox[any]
	queue   *queue.Queue[*pending]
	pool    *pool.Pool
	running map[string]*pending
	timer   *time.Timer
	jobs    sync.WaitGroup

	stats atomic.Pointer[Stats]
	done  chan struct{}
}

// Deps are the collaborators of a Dispatcher. Metrics and Events may be nil.
type Deps struct {
	Workspace workspace.Manager
	Metrics   *metrics.Metrics
	Events    *events.Hub
}

func New(cfg Config, deps Deps) *Dispatcher {
	cfg.normalize()
	d := &Dispatcher{
		cfg:     cfg,
		metrics: deps.Metrics,
		events:  deps.Events,
		logger:  log.WithComponent("execute-dispatcher"),
		inbox:   mailbox.New[any](),
		queue:   queue.New[*pending](),
		running: make(map[string]*pending),
		done:    make(chan struct{}),
	}
	d.pool = pool.New(pool.Config{
		Kind:          protocol.KindExecute,
		Program:       cfg.Program,
		Args:          cfg.Args,
		Env:           cfg.Env,
		SpawnTimeout:  cfg.SpawnTimeout,
		ShutdownGrace: cfg.ShutdownGrace,
		SpawnBackoff:  cfg.SpawnBackoff,
		Workspace:     deps.Workspace,
		Metrics:       deps.Metrics,
		Events:        deps.Events,
	}, func(ev pool.Event) bool { return d.inbox.Send(ev) })
	d.stats.Store(&Stats{})
	return d
}

// Submit enqueues a job, answering it at once after shutdown.
func (d *Dispatcher) Submit(job Job) {
	if !d.inbox.Send(submitMsg{job: job}) {
		job.Reply(shutdownResult(job, 0))
	}
}

// Amend raises the priority of a queued job.
func (d *Dispatcher) Amend(jobID string, prio pvf.Priority) {
	d.inbox.Send(amendMsg{id: jobID, prio: prio})
}

func (d *Dispatcher) Stats() Stats { return *d.stats.Load() }

func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Run is the dispatcher loop; see prepare.Dispatcher.Run.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)
	d.logger.Info("execute dispatcher started", "max_workers", d.cfg.Max)
	defer d.logger.Info("execute dispatcher stopped")

	d.timer = time.NewTimer(time.Hour)
	d.timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil
		case <-d.timer.C:
			d.inbox.Send(wakeMsg{})
		case <-d.inbox.Notify():
			for _, msg := range d.inbox.Drain() {
				d.handle(msg)
			}
			d.schedule(ctx)
			d.publishStats()
		}
	}
}

func (d *Dispatcher) handle(msg any) {
	switch m := msg.(type) {
	case submitMsg:
		profile := m.job.Params.Hash()
		p := &pending{job: m.job, profile: profile}
		if err := d.queue.Push(m.job.ID, m.job.Priority, p); err != nil {
			d.logger.Error("rejecting execute job", "job_id", m.job.ID, "error", err)
			m.job.Reply(Result{JobID: m.job.ID, Err: pvf.Internal("enqueue", err)})
			return
		}
		d.events.Publish(events.ExecuteQueued, map[string]any{
			"job_id": m.job.ID, "profile": profile.Short(), "priority": m.job.Priority.String(),
		})

	case amendMsg:
		if ok, err := d.queue.Amend(m.id, m.prio); ok {
			d.logger.Debug("execute job priority raised", "job_id", m.id, "priority", m.prio.String())
		} else if err != nil && !errors.Is(err, queue.ErrJobNotFound) {
			d.logger.Warn("amend failed", "job_id", m.id, "error", err)
		}

	case pool.Event:
		_, err := d.pool.Handle(m)
		if err != nil && m.Kind == pool.SpawnFailed {
			d.onSpawnFailed(err)
		}

	case doneMsg:
		d.onDone(m)

	case wakeMsg:
	}
}

func (d *Dispatcher) schedule(ctx context.Context) {
	var entries []queue.Entry[*pending]
	d.queue.Each(func(e queue.Entry[*pending]) bool {
		entries = append(entries, e)
		return true
	})
	if len(entries) == 0 {
		return
	}
	wait := d.pool.SpawnWait()

	// Jobs are served strictly in dispatch order. A job takes an idle worker
	// of its profile, else waits on an in-flight spawn of its profile, else
	// gets a new worker, evicting the oldest idle one of another profile
	// when the pool is full. Later jobs never claim an idle worker that an
	// earlier job could have evicted, so a steady stream of one profile
	// cannot starve another.
	covered := make(map[pvf.Hash]int)
	for _, e := range entries {
		p := e.Value
		if slot := d.pool.FindIdle(func(s *pool.Slot) bool { return s.Profile == p.profile }); slot != nil {
			d.queue.Remove(e.ID)
			d.dispatch(ctx, slot, p)
			continue
		}
		if covered[p.profile] < d.pool.Spawning(p.profile) {
			covered[p.profile]++
			continue
		}
		if wait > 0 {
			continue
		}
		if d.pool.Live() >= d.cfg.Max {
			victim := d.pool.FindIdle(nil)
			if victim == nil {
				continue
			}
			d.evict(victim, p.profile)
		}
		d.pool.Spawn(ctx, p.job.Params)
		covered[p.profile]++
	}

	if wait > 0 && d.queue.Len() > 0 {
		d.timer.Reset(wait)
	}
}

func (d *Dispatcher) evict(s *pool.Slot, wanted pvf.Hash) {
	d.logger.Info("evicting idle worker for another profile",
		"worker_id", s.Worker.ID(), "profile", s.Profile.Short(), "wanted", wanted.Short())
	d.events.Publish(events.WorkerEvicted, map[string]any{
		"worker_id": s.Worker.ID(), "profile": s.Profile.Short(), "wanted": wanted.Short(),
	})
	d.pool.Retire(s, "evicted")
}

func (d *Dispatcher) dispatch(ctx context.Context, s *pool.Slot, p *pending) {
	p.attempts++
	job := p.job
	d.pool.Assign(s, job.ID)
	d.running[job.ID] = p

	d.logger.Debug("dispatching execute job",
		"job_id", job.ID, "worker_id", s.Worker.ID(), "profile", p.profile.Short(), "attempt", p.attempts)
	d.events.Publish(events.ExecuteStarted, map[string]any{
		"job_id": job.ID, "worker_id": s.Worker.ID(), "attempt": p.attempts,
	})

	w := s.Worker
	d.jobs.Add(1)
	go func() {
		defer d.jobs.Done()
		out := w.Execute(ctx, worker.ExecuteJob{
			ID:           job.ID,
			ArtifactPath: job.ArtifactPath,
			Input:        job.Input,
			Timeout:      job.Timeout,
		}, d.cfg.Factor)
		d.inbox.Send(doneMsg{workerID: w.ID(), p: p, out: out})
	}()
}

func (d *Dispatcher) onDone(m doneMsg) {
	job := m.p.job
	delete(d.running, job.ID)

	if s := d.pool.Get(m.workerID); s != nil {
		if m.out.Retire {
			d.pool.Retire(s, retireReason(m.out))
		} else {
			d.pool.Release(s)
		}
	}

	logger := log.WithJob(job.ID).With("component", "execute-dispatcher", "worker_id", m.workerID)
	if m.out.WorkerDied && m.p.attempts < d.cfg.JobAttempts {
		logger.Warn("worker died during execution, requeueing", "attempt", m.p.attempts, "error", m.out.Err)
		if err := d.queue.Requeue(job.ID, job.Priority, m.p); err == nil {
			return
		}
	}

	res := Result{
		JobID:           job.ID,
		Output:          m.out.Output,
		Elapsed:         m.out.Elapsed,
		Attempts:        m.p.attempts,
		Err:             m.out.Err,
		ArtifactMissing: m.out.ArtifactMissing,
	}
	outcome := Outcome(res)
	if res.Err != nil {
		logger.Info("execution failed", "outcome", outcome, "error", res.Err, "attempts", res.Attempts)
	} else {
		logger.Debug("execution succeeded", "elapsed", res.Elapsed, "output_bytes", len(res.Output))
	}
	d.metrics.ExecuteFinished(outcome, res.Elapsed)
	d.events.Publish(events.ExecuteFinished, map[string]any{
		"job_id": job.ID, "outcome": outcome, "elapsed_ms": res.Elapsed.Milliseconds(), "attempts": res.Attempts,
	})
	job.Reply(res)
}

func retireReason(out worker.ExecuteOutcome) string {
	switch {
	case out.WorkerDied:
		return "job_died"
	case out.Err != nil && out.Err.Kind == pvf.ValidationInvalidCandidate:
		return out.Err.Reason.String()
	default:
		return "error"
	}
}

// Outcome labels a result for metrics and events.
func Outcome(r Result) string {
	switch {
	case r.Err == nil:
		return "ok"
	case r.ArtifactMissing:
		return "artifact_missing"
	case r.Err.Kind == pvf.ValidationInvalidCandidate:
		return r.Err.Reason.String()
	default:
		return r.Err.Kind.String()
	}
}

// onSpawnFailed fails the queue once spawning has failed SpawnAttempts times
// in a row and no worker is left to serve it.
func (d *Dispatcher) onSpawnFailed(err error) {
	if d.pool.SpawnFailures() < d.cfg.SpawnAttempts || d.pool.Live() > 0 || len(d.running) > 0 {
		return
	}
	entries := d.queue.Drain()
	if len(entries) == 0 {
		return
	}
	d.logger.Error("giving up on spawning execute workers", "failed_jobs", len(entries), "error", err)
	for _, e := range entries {
		d.metrics.ExecuteFinished("internal", 0)
		e.Value.job.Reply(Result{
			JobID:    e.Value.job.ID,
			Attempts: e.Value.attempts,
			Err:      pvf.Internal("spawn execute worker", err),
		})
	}
	d.pool.ResetSpawnFailures()
}

func (d *Dispatcher) publishStats() {
	idle, busy := d.pool.Counts()
	profiles := make(map[pvf.Hash]struct{})
	for _, s := range d.pool.Slots() {
		profiles[s.Profile] = struct{}{}
	}
	st := &Stats{
		Queued:   d.queue.Len(),
		Idle:     idle,
		Busy:     busy,
		Spawning: d.pool.SpawningTotal(),
		Profiles: len(profiles),
	}
	d.stats.Store(st)
	d.metrics.SetQueueDepth(protocol.KindExecute, st.Queued)
	d.metrics.SetWorkers(protocol.KindExecute, idle, busy)
}

func (d *Dispatcher) shutdown() {
	d.logger.Info("execute dispatcher shutting down", "queued", d.queue.Len(), "running", len(d.running))
	leftover := d.inbox.Close()

	for _, e := range d.queue.Drain() {
		e.Value.job.Reply(shutdownResult(e.Value.job, e.Value.attempts))
	}
	for _, p := range d.running {
		p.job.Reply(shutdownResult(p.job, p.attempts))
	}
	clear(d.running)
	for _, msg := range leftover {
		switch m := msg.(type) {
		case submitMsg:
			m.job.Reply(shutdownResult(m.job, 0))
		case pool.Event:
			_, _ = d.pool.Handle(m)
		}
	}

	d.timer.Stop()
	d.pool.Shutdown()
	d.jobs.Wait()
	d.stats.Store(&Stats{})
}

func shutdownResult(job Job, attempts int) Result {
	return Result{
		JobID:    job.ID,
		Attempts: attempts,
		Err:      pvf.Internal("execute", fmt.Errorf("job %s abandoned: %w", job.ID, pvf.ErrShutdown)),
	}
}
