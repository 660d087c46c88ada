// Package prepare is the prepare dispatcher: a single-goroutine loop that
// owns the prepare queue and the prepare worker pool, matches queued compile
// jobs to workers, publishes finished artifacts and applies the retry
// policy for workers that die mid-job.
package prepare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/pvfhost/internal/artifacts"
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

// Publisher moves a finished temp artifact into the cache.
type Publisher interface {
	Publish(ctx context.Context, fp pvf.Fingerprint, tmpPath string, checksum pvf.Hash) (artifacts.Handle, error)
}

// Config bounds the pool and the retry policy.
type Config struct {
	Program string
	Args    []string
	Env     []string

	// SoftMax caps workers spawned on behalf of non-critical jobs; HardMax
	// caps all workers.
	SoftMax int
	HardMax int
	// Factor multiplies the job timeout into the host-side kill deadline.
	Factor int

	SpawnTimeout  time.Duration
	SpawnAttempts int
	SpawnBackoff  backoff.Config
	// JobAttempts bounds how often a job is dispatched when its worker dies.
	JobAttempts   int
	ShutdownGrace time.Duration
}

func (c *Config) normalize() {
	if c.HardMax < 1 {
		c.HardMax = 1
	}
	if c.SoftMax < 1 || c.SoftMax > c.HardMax {
		c.SoftMax = min(max(c.SoftMax, 1), c.HardMax)
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

// Job is one compile request. Reply is called exactly once from the
// dispatcher goroutine and must not block.
type Job struct {
	ID       string
	Spec     *pvf.PrepJobSpec
	Priority pvf.Priority
	Reply    func(Result)
}

// Result is the terminal outcome of a Job.
type Result struct {
	JobID       string
	Fingerprint pvf.Fingerprint
	// Handle is the published artifact on success.
	Handle     artifacts.Handle
	MemoryUsed uint64
	Elapsed    time.Duration
	Attempts   int
	Err        *pvf.PrepareError
}

// Stats is a point-in-time snapshot of the dispatcher.
type Stats struct {
	Queued   int `json:"queued"`
	Critical int `json:"critical"`
	Idle     int `json:"idle"`
	Busy     int `json:"busy"`
	Spawning int `json:"spawning"`
}

type pending struct {
	job      Job
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
		out      worker.PrepareOutcome
		handle   artifacts.Handle
	}
	wakeMsg struct{}
)

type Dispatcher struct {
	cfg       Config
	publisher Publisher
	metrics   *metrics.Metrics
	events    *events.Hub
	logger    *slog.Logger

	inbox   *mailbox.Mailbox[any]
	queue   *queue.Queue[*pending]
	pool    *pool.Pool
	running map[string]*pending // job id -> job on a worker
	timer   *time.Timer
	jobs    sync.WaitGroup

	stats atomic.Pointer[Stats]
	done  chan struct{}
}

// Deps are the collaborators of a Dispatcher. Metrics and Events may be nil.
type Deps struct {
	Publisher Publisher
	Workspace workspace.Manager
	Metrics   *metrics.Metrics
	Events    *events.Hub
}

func New(cfg Config, deps Deps) *Dispatcher {
	cfg.normalize()
	d := &Dispatcher{
		cfg:       cfg,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		events:    deps.Events,
		logger:    log.WithComponent("prepare-dispatcher"),
		inbox:     mailbox.New[any](),
		queue:     queue.New[*pending](),
		running:   make(map[string]*pending),
		done:      make(chan struct{}),
	}
	d.pool = pool.New(pool.Config{
		Kind:          protocol.KindPrepare,
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

// Submit enqueues a job. After shutdown the job is answered immediately
// with a shutdown error.
func (d *Dispatcher) Submit(job Job) {
	if !d.inbox.Send(submitMsg{job: job}) {
		job.Reply(shutdownResult(job, 0))
	}
}

// Amend raises the priority of a queued job. Jobs already on a worker are
// unaffected.
func (d *Dispatcher) Amend(jobID string, prio pvf.Priority) {
	d.inbox.Send(amendMsg{id: jobID, prio: prio})
}

// Stats returns the latest snapshot.
func (d *Dispatcher) Stats() Stats { return *d.stats.Load() }

// Done is closed when Run has returned.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Run is the dispatcher loop. It returns after ctx is cancelled and every
// worker has been torn down; outstanding jobs are failed with a shutdown
// error.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)
	d.logger.Info("prepare dispatcher started", "soft_max", d.cfg.SoftMax, "hard_max", d.cfg.HardMax)
	defer d.logger.Info("prepare dispatcher stopped")

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
				d.handle(ctx, msg)
			}
			d.schedule(ctx)
			d.publishStats()
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case submitMsg:
		p := &pending{job: m.job}
		if err := d.queue.Push(m.job.ID, m.job.Priority, p); err != nil {
			d.logger.Error("rejecting prepare job", "job_id", m.job.ID, "error", err)
			m.job.Reply(Result{
				JobID:       m.job.ID,
				Fingerprint: m.job.Spec.Fingerprint(),
				Err:         pvf.NewPrepareError(pvf.PrepareIO, "enqueue: %v", err),
			})
			return
		}
		d.events.Publish(events.PrepareQueued, map[string]any{
			"job_id": m.job.ID, "fingerprint": m.job.Spec.Fingerprint().Short(), "priority": m.job.Priority.String(),
		})

	case amendMsg:
		if ok, err := d.queue.Amend(m.id, m.prio); ok {
			d.logger.Debug("prepare job priority raised", "job_id", m.id, "priority", m.prio.String())
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

// schedule assigns queued jobs to idle workers and spawns workers for the
// rest, as far as capacity and spawn backoff allow.
func (d *Dispatcher) schedule(ctx context.Context) {
	for d.queue.Len() > 0 {
		s := d.pool.FindIdle(nil)
		if s == nil {
			break
		}
		e, _ := d.queue.Pop()
		d.dispatch(ctx, s, e.Value)
	}

	if d.queue.Len() == 0 {
		return
	}
	if wait := d.pool.SpawnWait(); wait > 0 {
		d.timer.Reset(wait)
		return
	}

	// One spawn per job still waiting, bounded by the soft limit for
	// ordinary jobs and by the hard limit for critical ones.
	needNormal := d.queue.Len() - d.queue.LenAt(pvf.PriorityCritical)
	needCritical := d.queue.LenAt(pvf.PriorityCritical)
	spawning := d.pool.SpawningTotal()
	for needCritical+needNormal > spawning {
		limit := d.cfg.SoftMax
		if needCritical > spawning {
			limit = d.cfg.HardMax
		}
		if d.pool.Live() >= limit {
			break
		}
		d.pool.Spawn(ctx, pvf.ExecutorParams{})
		spawning++
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, s *pool.Slot, p *pending) {
	p.attempts++
	job := p.job
	d.pool.Assign(s, job.ID)
	d.running[job.ID] = p

	fp := job.Spec.Fingerprint()
	d.logger.Debug("dispatching prepare job",
		"job_id", job.ID, "worker_id", s.Worker.ID(), "fingerprint", fp.Short(),
		"kind", job.Spec.Kind().String(), "attempt", p.attempts)
	d.events.Publish(events.PrepareStarted, map[string]any{
		"job_id": job.ID, "worker_id": s.Worker.ID(), "fingerprint": fp.Short(), "attempt": p.attempts,
	})

	w, tmp := s.Worker, s.Scratch.TmpPath(job.ID)
	d.jobs.Add(1)
	go func() {
		defer d.jobs.Done()
		out := w.Prepare(ctx, worker.PrepareJob{ID: job.ID, Spec: job.Spec, OutputPath: tmp}, d.cfg.Factor)
		msg := doneMsg{workerID: w.ID(), p: p, out: out}
		if out.Err == nil {
			h, err := d.publisher.Publish(ctx, fp, out.TmpPath, out.Checksum)
			if err != nil {
				msg.out.Err = pvf.NewPrepareError(pvf.PrepareIO, "publish artifact: %v", err)
			}
			msg.handle = h
		}
		d.inbox.Send(msg)
	}()
}

func (d *Dispatcher) onDone(m doneMsg) {
	job := m.p.job
	delete(d.running, job.ID)

	if s := d.pool.Get(m.workerID); s != nil {
		if m.out.Retire {
			reason := "job_died"
			if m.out.Err != nil {
				reason = m.out.Err.Kind.String()
			}
			d.pool.Retire(s, reason)
		} else {
			d.pool.Release(s)
		}
	}

	logger := log.WithJob(job.ID).With("component", "prepare-dispatcher", "worker_id", m.workerID)
	if m.out.WorkerDied && m.p.attempts < d.cfg.JobAttempts {
		logger.Warn("worker died during prepare, requeueing", "attempt", m.p.attempts, "error", m.out.Err)
		if err := d.queue.Requeue(job.ID, job.Priority, m.p); err == nil {
			return
		}
	}

	res := Result{
		JobID:       job.ID,
		Fingerprint: job.Spec.Fingerprint(),
		Handle:      m.handle,
		MemoryUsed:  m.out.MemoryUsed,
		Elapsed:     m.out.Elapsed,
		Attempts:    m.p.attempts,
		Err:         m.out.Err,
	}
	outcome := "ok"
	if res.Err != nil {
		outcome = res.Err.Kind.String()
		logger.Info("prepare failed", "kind", outcome, "error", res.Err.Message, "attempts", res.Attempts)
	} else {
		logger.Info("prepare succeeded", "fingerprint", res.Fingerprint.Short(), "size", res.Handle.Size, "elapsed", res.Elapsed)
	}
	d.metrics.PrepareFinished(outcome, res.Elapsed)
	d.events.Publish(events.PrepareFinished, map[string]any{
		"job_id": job.ID, "fingerprint": res.Fingerprint.Short(), "outcome": outcome, "elapsed_ms": res.Elapsed.Milliseconds(),
	})
	job.Reply(res)
}

// onSpawnFailed fails every queued job once spawning has failed
// SpawnAttempts times in a row and no worker is left to serve them.
func (d *Dispatcher) onSpawnFailed(err error) {
	if d.pool.SpawnFailures() < d.cfg.SpawnAttempts || d.pool.Live() > 0 || len(d.running) > 0 {
		return
	}
	entries := d.queue.Drain()
	if len(entries) == 0 {
		return
	}
	d.logger.Error("giving up on spawning prepare workers", "failed_jobs", len(entries), "error", err)
	for _, e := range entries {
		job := e.Value.job
		d.metrics.PrepareFinished(pvf.PrepareSpawn.String(), 0)
		job.Reply(Result{
			JobID:       job.ID,
			Fingerprint: job.Spec.Fingerprint(),
			Attempts:    e.Value.attempts,
			Err:         pvf.NewPrepareError(pvf.PrepareSpawn, "%v", err),
		})
	}
	d.pool.ResetSpawnFailures()
}

func (d *Dispatcher) publishStats() {
	idle, busy := d.pool.Counts()
	st := &Stats{
		Queued:   d.queue.Len(),
		Critical: d.queue.LenAt(pvf.PriorityCritical),
		Idle:     idle,
		Busy:     busy,
		Spawning: d.pool.SpawningTotal(),
	}
	d.stats.Store(st)
	d.metrics.SetQueueDepth(protocol.KindPrepare, st.Queued)
	d.metrics.SetWorkers(protocol.KindPrepare, idle, busy)
}

func (d *Dispatcher) shutdown() {
	d.logger.Info("prepare dispatcher shutting down", "queued", d.queue.Len(), "running", len(d.running))
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
			// A worker that came up too late still has to be torn down.
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
		JobID:       job.ID,
		Fingerprint: job.Spec.Fingerprint(),
		Attempts:    attempts,
		Err:         &pvf.PrepareError{Kind: pvf.PrepareShutdown, Message: fmt.Sprintf("job %s abandoned", job.ID)},
	}
}
