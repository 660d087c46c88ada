// Package host is the validation host: the entry point for precheck and
// execute requests. It owns the artifact index, coalesces compiles of the
// same fingerprint, heals artifacts that vanished from disk and hands work
// to the prepare and execute dispatchers.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/pvfhost/internal/artifacts"
	"github.com/mattjoyce/pvfhost/internal/events"
	"github.com/mattjoyce/pvfhost/internal/execute"
	"github.com/mattjoyce/pvfhost/internal/log"
	"github.com/mattjoyce/pvfhost/internal/mailbox"
	"github.com/mattjoyce/pvfhost/internal/metrics"
	"github.com/mattjoyce/pvfhost/internal/prepare"
	"github.com/mattjoyce/pvfhost/internal/pvf"
)

// DefaultMaxHeals bounds how often one execute request recompiles a
// vanished artifact before giving up with an internal error.
const DefaultMaxHeals = 3

// Options tune request handling.
type Options struct {
	PrecheckTimeout    time.Duration
	CompilationTimeout time.Duration
	ExecutionTimeout   time.Duration

	// A non-deterministic prepare failure is retried by the next execute
	// once FailureCooldown has passed, at most FailureRetries times.
	FailureCooldown time.Duration
	FailureRetries  int
	MaxHeals        int

	// Ready artifacts unused for ArtifactTTL are pruned every PruneInterval.
	ArtifactTTL   time.Duration
	PruneInterval time.Duration
}

// Stats is a snapshot for status endpoints and the monitor.
type Stats struct {
	Artifacts map[string]int `json:"artifacts"`
	// InFlight counts fingerprints with a compile in progress.
	InFlight int           `json:"in_flight"`
	Prepare  prepare.Stats `json:"prepare"`
	Execute  execute.Stats `json:"execute"`
}

type execReply struct {
	output []byte
	err    error
}

// execRequest follows one execute call through compile, heal and run.
type execRequest struct {
	id      string
	spec    *pvf.PrepJobSpec
	timeout time.Duration
	input   []byte
	prio    pvf.Priority
	heals   int
	reply   chan execReply
}

// inflight is the single compile of a fingerprint and everyone waiting on it.
type inflight struct {
	jobID     string
	prio      pvf.Priority
	prechecks []chan error
	execs     []*execRequest
}

type (
	precheckMsg struct {
		spec  *pvf.PrepJobSpec
		reply chan error
	}
	executeMsg  struct{ req *execRequest }
	preparedMsg struct{ res prepare.Result }
	executedMsg struct {
		req *execRequest
		res execute.Result
	}
)

type Host struct {
	opts    Options
	store   *artifacts.Store
	prep    PrepareQueue
	exec    ExecuteQueue
	metrics *metrics.Metrics
	events  *events.Hub
	logger  *slog.Logger
	now     func() time.Time

	inbox     *mailbox.Mailbox[any]
	inflight  map[pvf.Fingerprint]*inflight
	executing map[string]*execRequest
	nInFlight atomic.Int64

	done    chan struct{}
	stopped chan struct{}
	waitErr error
}

func newHost(opts Options, store *artifacts.Store, prep PrepareQueue, exec ExecuteQueue, m *metrics.Metrics, hub *events.Hub) *Host {
	if opts.MaxHeals <= 0 {
		opts.MaxHeals = DefaultMaxHeals
	}
	h := &Host{
		opts:      opts,
		store:     store,
		prep:      prep,
		exec:      exec,
		metrics:   m,
		events:    hub,
		logger:    log.WithComponent("host"),
		now:       time.Now,
		inbox:     mailbox.New[any](),
		inflight:  make(map[pvf.Fingerprint]*inflight),
		executing: make(map[string]*execRequest),
		done:      make(chan struct{}),
	}
	h.stopped = h.done
	return h
}

// Precheck compiles code under the strict prechecking limits and reports
// whether it is acceptable.
func (h *Host) Precheck(ctx context.Context, code []byte, params pvf.ExecutorParams) error {
	timeout := params.PrepTimeout(pvf.Prechecking, h.opts.PrecheckTimeout)
	return h.PrecheckSpec(ctx, pvf.NewPrepJobSpec(code, params, timeout, pvf.Prechecking))
}

// PrecheckSpec is Precheck for a prepared spec. The error, if any, is a
// *pvf.PrepareError unless ctx ended first.
func (h *Host) PrecheckSpec(ctx context.Context, spec *pvf.PrepJobSpec) error {
	reply := make(chan error, 1)
	if !h.inbox.Send(precheckMsg{spec: spec, reply: reply}) {
		return shutdownPrepareError()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs code on input, compiling it first when no artifact is ready.
// A zero timeout uses the parameter override or the host default. Verdicts
// come back as *pvf.ValidationError.
func (h *Host) Execute(ctx context.Context, code []byte, timeout time.Duration, input []byte, prio pvf.Priority, params pvf.ExecutorParams) ([]byte, error) {
	spec := pvf.NewPrepJobSpec(code, params, params.PrepTimeout(pvf.Compilation, h.opts.CompilationTimeout), pvf.Compilation)
	return h.ExecuteSpec(ctx, spec, timeout, input, prio)
}

// ExecuteSpec is Execute for a prepared spec. The implicit compile always
// runs as a compilation job.
func (h *Host) ExecuteSpec(ctx context.Context, spec *pvf.PrepJobSpec, timeout time.Duration, input []byte, prio pvf.Priority) ([]byte, error) {
	params := spec.ExecutorParams()
	if spec.Kind() != pvf.Compilation {
		spec = spec.WithKind(pvf.Compilation, params.PrepTimeout(pvf.Compilation, h.opts.CompilationTimeout))
	}
	if timeout <= 0 {
		timeout = params.ExecutionTimeout(h.opts.ExecutionTimeout)
	}
	req := &execRequest{
		id:      uuid.NewString(),
		spec:    spec,
		timeout: timeout,
		input:   input,
		prio:    prio,
		reply:   make(chan execReply, 1),
	}
	if !h.inbox.Send(executeMsg{req: req}) {
		return nil, shutdownValidationError()
	}
	select {
	case r := <-req.reply:
		return r.output, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats reads the current counters without going through the loop.
func (h *Host) Stats() Stats {
	counts := h.store.Counts()
	arts := make(map[string]int, 3)
	for _, st := range []artifacts.State{artifacts.Preparing, artifacts.Ready, artifacts.FailedPrepare} {
		arts[st.String()] = counts[st]
	}
	return Stats{
		Artifacts: arts,
		InFlight:  int(h.nInFlight.Load()),
		Prepare:   h.prep.Stats(),
		Execute:   h.exec.Stats(),
	}
}

// Events is the host's event hub; nil when events are disabled.
func (h *Host) Events() *events.Hub { return h.events }

// Metrics is the host's collector set; nil when metrics are disabled.
func (h *Host) Metrics() *metrics.Metrics { return h.metrics }

// Store exposes the artifact index for read-only tooling.
func (h *Host) Store() *artifacts.Store { return h.store }

// Wait blocks until the host has shut down and released the cache.
func (h *Host) Wait() error {
	<-h.stopped
	return h.waitErr
}

func (h *Host) run(ctx context.Context) error {
	defer close(h.done)
	// Index writes must finish even while shutting down.
	bg := context.WithoutCancel(ctx)

	var pruneC <-chan time.Time
	if h.opts.PruneInterval > 0 && h.opts.ArtifactTTL > 0 {
		t := time.NewTicker(h.opts.PruneInterval)
		defer t.Stop()
		pruneC = t.C
	}

	h.logger.Info("validation host started")
	h.publishStats()
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case <-pruneC:
			h.prune(bg)
			h.publishStats()
		case <-h.inbox.Notify():
			for _, msg := range h.inbox.Drain() {
				h.handle(bg, msg)
			}
			h.publishStats()
		}
	}
}

func (h *Host) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case precheckMsg:
		h.precheck(m)
	case executeMsg:
		h.execute(ctx, m.req)
	case preparedMsg:
		h.onPrepared(ctx, m.res)
	case executedMsg:
		h.onExecuted(ctx, m.req, m.res)
	}
}

func (h *Host) precheck(m precheckMsg) {
	fp := m.spec.Fingerprint()
	if in, ok := h.inflight[fp]; ok {
		in.prechecks = append(in.prechecks, m.reply)
		return
	}

	if a, ok := h.store.Get(fp); ok {
		switch a.State {
		case artifacts.Ready:
			if h.store.ExistsOnDisk(a.Handle()) {
				m.reply <- nil
				return
			}
			h.selfHealed(fp)
		case artifacts.FailedPrepare:
			m.reply <- prepareErr(a.Err)
			return
		}
	}
	in := h.startPrepare(m.spec, pvf.PriorityNormal)
	in.prechecks = append(in.prechecks, m.reply)
}

func (h *Host) execute(ctx context.Context, req *execRequest) {
	fp := req.spec.Fingerprint()
	if in, ok := h.inflight[fp]; ok {
		in.execs = append(in.execs, req)
		h.raise(in, req.prio)
		return
	}

	if a, ok := h.store.Get(fp); ok {
		switch a.State {
		case artifacts.Ready:
			if h.store.ExistsOnDisk(a.Handle()) {
				h.submitExecute(ctx, req, a.Handle())
				return
			}
			if !h.heal(req) {
				return
			}
		case artifacts.FailedPrepare:
			if !h.retryFailed(a) {
				req.reply <- execReply{err: pvf.PreparationFailed(a.Err)}
				return
			}
			h.logger.Info("retrying failed prepare",
				"fingerprint", fp.Short(), "previous_error", a.Err, "failures", a.NumFailures)
		}
	}
	in := h.startPrepare(req.spec, req.prio)
	in.execs = append(in.execs, req)
}

// heal counts a recompile against req's budget. It answers req and returns
// false once the budget is spent.
func (h *Host) heal(req *execRequest) bool {
	req.heals++
	if req.heals > h.opts.MaxHeals {
		err := fmt.Errorf("artifact %s vanished %d times", req.spec.Fingerprint().Short(), req.heals)
		req.reply <- execReply{err: pvf.Internal("execute", err)}
		return false
	}
	h.selfHealed(req.spec.Fingerprint())
	return true
}

func (h *Host) selfHealed(fp pvf.Fingerprint) {
	h.logger.Warn("artifact missing on disk, recompiling", "fingerprint", fp.Short())
	h.metrics.SelfHealed()
	h.events.Publish(events.ArtifactHealed, map[string]any{"fingerprint": fp.Short()})
}

func (h *Host) retryFailed(a artifacts.Artifact) bool {
	return a.Retriable() &&
		a.NumFailures < h.opts.FailureRetries &&
		h.now().Sub(a.LastFailed) >= h.opts.FailureCooldown
}

func (h *Host) startPrepare(spec *pvf.PrepJobSpec, prio pvf.Priority) *inflight {
	fp := spec.Fingerprint()
	in := &inflight{jobID: uuid.NewString(), prio: prio}
	h.inflight[fp] = in
	h.store.MarkPreparing(fp)

	h.logger.Debug("preparing artifact",
		"job_id", in.jobID, "fingerprint", fp.Short(), "kind", spec.Kind().String(), "priority", prio.String())
	h.prep.Submit(prepare.Job{
		ID:       in.jobID,
		Spec:     spec,
		Priority: prio,
		Reply:    func(r prepare.Result) { h.inbox.Send(preparedMsg{res: r}) },
	})
	return in
}

// raise lifts a queued compile to the priority of a more urgent waiter.
func (h *Host) raise(in *inflight, prio pvf.Priority) {
	if prio <= in.prio {
		return
	}
	in.prio = prio
	h.prep.Amend(in.jobID, prio)
}

func (h *Host) onPrepared(ctx context.Context, res prepare.Result) {
	fp := res.Fingerprint
	in, ok := h.inflight[fp]
	if !ok || in.jobID != res.JobID {
		h.logger.Debug("ignoring stale prepare result", "job_id", res.JobID)
		return
	}
	delete(h.inflight, fp)

	if res.Err == nil {
		h.events.Publish(events.ArtifactReady, map[string]any{
			"fingerprint": fp.Short(), "size": res.Handle.Size, "elapsed_ms": res.Elapsed.Milliseconds(),
		})
		for _, ch := range in.prechecks {
			ch <- nil
		}
		for _, req := range in.execs {
			h.submitExecute(ctx, req, res.Handle)
		}
		return
	}

	switch res.Err.Kind {
	case pvf.PrepareShutdown, pvf.PrepareSpawn, pvf.PrepareIO:
		// Infrastructure trouble says nothing about the code.
		h.store.Forget(fp)
	default:
		if _, err := h.store.MarkFailed(ctx, fp, res.Err); err != nil {
			h.logger.Error("failed to record prepare failure", "fingerprint", fp.Short(), "error", err)
		}
		h.events.Publish(events.ArtifactFailed, map[string]any{
			"fingerprint": fp.Short(), "kind": res.Err.Kind.String(), "error": res.Err.Message,
		})
	}
	for _, ch := range in.prechecks {
		ch <- res.Err
	}
	for _, req := range in.execs {
		req.reply <- execReply{err: pvf.PreparationFailed(res.Err)}
	}
}

func (h *Host) submitExecute(ctx context.Context, req *execRequest, art artifacts.Handle) {
	if err := h.store.Touch(ctx, art.Fingerprint); err != nil {
		h.logger.Debug("touch artifact", "fingerprint", art.Fingerprint.Short(), "error", err)
	}
	h.executing[req.id] = req
	h.exec.Submit(execute.Job{
		ID:           req.id,
		ArtifactPath: art.Path,
		Params:       req.spec.ExecutorParams(),
		Input:        req.input,
		Timeout:      req.timeout,
		Priority:     req.prio,
		Reply:        func(r execute.Result) { h.inbox.Send(executedMsg{req: req, res: r}) },
	})
}

func (h *Host) onExecuted(ctx context.Context, req *execRequest, res execute.Result) {
	if _, ok := h.executing[req.id]; !ok {
		return
	}
	delete(h.executing, req.id)

	if res.ArtifactMissing {
		// The file went away between lookup and the worker opening it.
		if !h.heal(req) {
			return
		}
		fp := req.spec.Fingerprint()
		if in, ok := h.inflight[fp]; ok {
			in.execs = append(in.execs, req)
			h.raise(in, req.prio)
			return
		}
		in := h.startPrepare(req.spec, req.prio)
		in.execs = append(in.execs, req)
		return
	}

	out := execReply{output: res.Output}
	if res.Err != nil {
		out.err = res.Err
	}
	req.reply <- out
}

func (h *Host) prune(ctx context.Context) {
	n, err := h.store.Prune(ctx, h.opts.ArtifactTTL)
	if err != nil {
		h.logger.Error("artifact prune failed", "error", err)
		return
	}
	if n > 0 {
		h.logger.Info("pruned unused artifacts", "count", n, "ttl", h.opts.ArtifactTTL)
		h.events.Publish(events.ArtifactsPruned, map[string]any{"count": n})
	}
}

func (h *Host) publishStats() {
	h.nInFlight.Store(int64(len(h.inflight)))
	if h.metrics == nil {
		return
	}
	counts := h.store.Counts()
	for _, st := range []artifacts.State{artifacts.Preparing, artifacts.Ready, artifacts.FailedPrepare} {
		h.metrics.SetArtifacts(st.String(), counts[st])
	}
}

func (h *Host) shutdown() {
	h.logger.Info("validation host shutting down", "in_flight", len(h.inflight), "executing", len(h.executing))
	h.events.Publish(events.HostShuttingDown, nil)
	leftover := h.inbox.Close()

	for fp, in := range h.inflight {
		for _, ch := range in.prechecks {
			ch <- shutdownPrepareError()
		}
		for _, req := range in.execs {
			req.reply <- execReply{err: shutdownValidationError()}
		}
		h.store.Forget(fp)
	}
	clear(h.inflight)
	for _, req := range h.executing {
		req.reply <- execReply{err: shutdownValidationError()}
	}
	clear(h.executing)

	for _, msg := range leftover {
		switch m := msg.(type) {
		case precheckMsg:
			m.reply <- shutdownPrepareError()
		case executeMsg:
			m.req.reply <- execReply{err: shutdownValidationError()}
		}
	}
	h.nInFlight.Store(0)
}

// prepareErr keeps a nil *PrepareError from turning into a non-nil error.
func prepareErr(e *pvf.PrepareError) error {
	if e == nil {
		return errors.New("prepare failed with no recorded error")
	}
	return e
}

func shutdownPrepareError() error {
	return &pvf.PrepareError{Kind: pvf.PrepareShutdown, Message: pvf.ErrShutdown.Error()}
}

func shutdownValidationError() error {
	return pvf.Internal("execute", pvf.ErrShutdown)
}
