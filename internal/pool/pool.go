// Package pool is the worker bookkeeping shared by the prepare and execute
// dispatchers: spawning with backoff, idle/busy state, retirement and
// scratch directory cleanup.
//
// A Pool is owned by one dispatcher loop and is not safe for concurrent use.
// Work that blocks (spawning, shutting a worker down) runs in background
// goroutines that report back through the Notify func, which the owner wires
// to its mailbox.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/pvfhost/internal/backoff"
	"github.com/mattjoyce/pvfhost/internal/events"
	"github.com/mattjoyce/pvfhost/internal/log"
	"github.com/mattjoyce/pvfhost/internal/metrics"
	"github.com/mattjoyce/pvfhost/internal/pvf"
	"github.com/mattjoyce/pvfhost/internal/worker"
	"github.com/mattjoyce/pvfhost/internal/workspace"
)

// Config describes the workers of one pool.
type Config struct {
	Kind    string // protocol.KindPrepare or protocol.KindExecute
	Program string
	Args    []string
	Env     []string

	SpawnTimeout  time.Duration
	ShutdownGrace time.Duration
	SpawnBackoff  backoff.Config

	Workspace workspace.Manager
	Metrics   *metrics.Metrics
	Events    *events.Hub
}

// EventKind says what a background goroutine observed.
type EventKind int

const (
	Spawned EventKind = iota
	SpawnFailed
	Exited
)

// Event is posted to the owner loop; pass it back to Handle.
type Event struct {
	Kind     EventKind
	WorkerID string
	Profile  pvf.Hash

	worker  *worker.Worker
	scratch workspace.Scratch
	Err     error
}

// Notify delivers an event to the owner loop. It returns false when the
// owner is gone, in which case the sender cleans up after itself.
type Notify func(Event) bool

// Slot is one live worker.
type Slot struct {
	Worker    *worker.Worker
	Scratch   workspace.Scratch
	Profile   pvf.Hash
	JobID     string // empty while idle
	IdleSince time.Time
	Jobs      int
}

func (s *Slot) Idle() bool { return s.JobID == "" }

type Pool struct {
	cfg    Config
	notify Notify
	logger *slog.Logger
	now    func() time.Time

	slots    map[string]*Slot
	spawning map[pvf.Hash]int
	spawns   *backoff.Tracker

	bg sync.WaitGroup
}

func New(cfg Config, notify Notify) *Pool {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 2 * time.Second
	}
	return &Pool{
		cfg:      cfg,
		notify:   notify,
		logger:   log.WithComponent(cfg.Kind + "-pool"),
		now:      time.Now,
		slots:    make(map[string]*Slot),
		spawning: make(map[pvf.Hash]int),
		spawns:   backoff.NewTracker(cfg.SpawnBackoff),
	}
}

// Spawn starts a worker for params in the background. The outcome arrives
// as a Spawned or SpawnFailed event.
func (p *Pool) Spawn(ctx context.Context, params pvf.ExecutorParams) string {
	id := uuid.NewString()
	profile := params.Hash()
	p.spawning[profile]++

	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		ev := Event{WorkerID: id, Profile: profile}

		scratch, err := p.cfg.Workspace.Create(ctx, id)
		if err != nil {
			ev.Kind, ev.Err = SpawnFailed, fmt.Errorf("%w: %v", worker.ErrSpawn, err)
			p.notify(ev)
			return
		}
		w, err := worker.Spawn(ctx, worker.SpawnConfig{
			ID:           id,
			Program:      p.cfg.Program,
			Args:         p.cfg.Args,
			Env:          p.cfg.Env,
			Kind:         p.cfg.Kind,
			Params:       params,
			ScratchDir:   scratch.Dir,
			SpawnTimeout: p.cfg.SpawnTimeout,
		})
		if err != nil {
			_ = p.cfg.Workspace.Remove(id)
			ev.Kind, ev.Err = SpawnFailed, err
			p.notify(ev)
			return
		}

		ev.Kind, ev.worker, ev.scratch = Spawned, w, scratch
		if !p.notify(ev) {
			w.Kill()
			<-w.Done()
			_ = p.cfg.Workspace.Remove(id)
			return
		}
		<-w.Done()
		p.notify(Event{Kind: Exited, WorkerID: id, Profile: profile})
	}()
	return id
}

// Handle applies a background event. For Spawned it returns the new idle
// slot; for Exited it returns the slot that was dropped, if it was idle.
// Busy workers that exit are left to the job's outcome.
func (p *Pool) Handle(ev Event) (*Slot, error) {
	switch ev.Kind {
	case Spawned:
		p.doneSpawning(ev.Profile)
		p.spawns.Success()
		s := &Slot{
			Worker:    ev.worker,
			Scratch:   ev.scratch,
			Profile:   ev.Profile,
			IdleSince: p.now(),
		}
		p.slots[ev.WorkerID] = s
		p.cfg.Metrics.WorkerSpawned(p.cfg.Kind)
		p.cfg.Events.Publish(events.WorkerSpawned, map[string]any{
			"kind": p.cfg.Kind, "worker_id": ev.WorkerID, "pid": ev.worker.PID(), "profile": ev.Profile.Short(),
		})
		p.logger.Info("worker spawned", "worker_id", ev.WorkerID, "pid", ev.worker.PID(), "profile", ev.Profile.Short())
		return s, nil

	case SpawnFailed:
		p.doneSpawning(ev.Profile)
		n := p.spawns.Failure(p.now())
		p.cfg.Metrics.SpawnFailed(p.cfg.Kind)
		p.logger.Error("worker spawn failed", "worker_id", ev.WorkerID, "consecutive_failures", n, "error", ev.Err)
		return nil, ev.Err

	case Exited:
		s, ok := p.slots[ev.WorkerID]
		if !ok || !s.Idle() {
			return nil, nil
		}
		p.logger.Warn("idle worker exited", "worker_id", ev.WorkerID, "stderr", s.Worker.Stderr())
		p.Retire(s, "exited")
		return s, nil
	}
	return nil, fmt.Errorf("unknown pool event %d", ev.Kind)
}

func (p *Pool) doneSpawning(profile pvf.Hash) {
	if p.spawning[profile] <= 1 {
		delete(p.spawning, profile)
		return
	}
	p.spawning[profile]--
}

// FindIdle returns an idle slot accepted by match, preferring the one idle
// the longest.
func (p *Pool) FindIdle(match func(*Slot) bool) *Slot {
	var best *Slot
	for _, s := range p.slots {
		if !s.Idle() || (match != nil && !match(s)) {
			continue
		}
		if best == nil || s.IdleSince.Before(best.IdleSince) {
			best = s
		}
	}
	return best
}

// Get returns the live slot of workerID.
func (p *Pool) Get(workerID string) *Slot {
	return p.slots[workerID]
}

// Assign marks s busy with jobID.
func (p *Pool) Assign(s *Slot, jobID string) {
	s.JobID = jobID
	s.Jobs++
}

// Release marks s idle again.
func (p *Pool) Release(s *Slot) {
	s.JobID = ""
	s.IdleSince = p.now()
}

// Retire removes s from the pool and tears the process down in the
// background: gracefully for an idle worker, SIGKILL otherwise.
func (p *Pool) Retire(s *Slot, reason string) {
	id := s.Worker.ID()
	if _, ok := p.slots[id]; !ok {
		return
	}
	delete(p.slots, id)
	graceful := s.Idle()
	s.JobID = ""

	p.cfg.Metrics.WorkerRetired(p.cfg.Kind, reason)
	p.cfg.Events.Publish(events.WorkerRetired, map[string]any{
		"kind": p.cfg.Kind, "worker_id": id, "reason": reason,
	})
	p.logger.Info("retiring worker", "worker_id", id, "reason", reason, "jobs_served", s.Jobs)

	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		if graceful {
			s.Worker.Shutdown(p.cfg.ShutdownGrace)
		} else {
			s.Worker.Kill()
			<-s.Worker.Done()
		}
		if err := p.cfg.Workspace.Remove(id); err != nil {
			p.logger.Warn("failed to remove scratch dir", "worker_id", id, "error", err)
		}
	}()
}

// SpawnWait is how long to hold off before the next spawn attempt.
func (p *Pool) SpawnWait() time.Duration {
	return p.spawns.Wait(p.now())
}

// SpawnFailures is the number of consecutive failed spawns.
func (p *Pool) SpawnFailures() int { return p.spawns.Failures() }

// ResetSpawnFailures forgets the failure streak, e.g. once the jobs that
// were waiting on it have been failed.
func (p *Pool) ResetSpawnFailures() { p.spawns.Success() }

// Live counts workers, spawned or in the middle of spawning.
func (p *Pool) Live() int {
	n := len(p.slots)
	for _, c := range p.spawning {
		n += c
	}
	return n
}

// Spawning counts in-flight spawns for profile.
func (p *Pool) Spawning(profile pvf.Hash) int { return p.spawning[profile] }

// SpawningTotal counts all in-flight spawns.
func (p *Pool) SpawningTotal() int {
	n := 0
	for _, c := range p.spawning {
		n += c
	}
	return n
}

// Counts returns idle and busy worker numbers.
func (p *Pool) Counts() (idle, busy int) {
	for _, s := range p.slots {
		if s.Idle() {
			idle++
		} else {
			busy++
		}
	}
	return idle, busy
}

// Slots returns the live slots ordered by worker id.
func (p *Pool) Slots() []*Slot {
	out := make([]*Slot, 0, len(p.slots))
	for _, s := range p.slots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Worker.ID() < out[j].Worker.ID() })
	return out
}

// Shutdown retires every worker and waits for all background work,
// including in-flight spawns, to finish. The owner must stop accepting
// notifications first so late spawns clean up after themselves.
func (p *Pool) Shutdown() {
	for _, s := range p.Slots() {
		p.Retire(s, "shutdown")
	}
	p.bg.Wait()
}
