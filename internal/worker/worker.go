// Package worker manages one isolated worker process from the host side:
// spawn and handshake, one request at a time, hard deadline enforcement and
// termination. Raw process outcomes are classified here into the domain
// results the dispatchers act on, so the dispatchers never see signals or
// exit codes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/pvfhost/internal/log"
	"github.com/mattjoyce/pvfhost/internal/protocol"
	"github.com/mattjoyce/pvfhost/internal/pvf"
)

// stderrTail bounds how much worker stderr is kept for diagnostics.
const stderrTail = 64 * 1024

var (
	// ErrHardDeadline means the host killed the worker at T x factor.
	ErrHardDeadline = errors.New("worker exceeded hard deadline")
	// ErrSpawn wraps every failure to bring up a worker.
	ErrSpawn = errors.New("spawn worker")
)

// DiedError reports that the worker process went away mid-job without
// giving an answer.
type DiedError struct {
	ExitCode int
	Signal   string
	Stderr   string
}

func (e *DiedError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("worker died: signal %s", e.Signal)
	}
	return fmt.Sprintf("worker died: exit code %d", e.ExitCode)
}

// SpawnConfig describes how to start a worker.
type SpawnConfig struct {
	// ID names the worker in logs; a random one is generated when empty.
	ID      string
	Program string
	Args    []string
	// Env is appended to the host environment.
	Env          []string
	Kind         string // protocol.KindPrepare or protocol.KindExecute
	Params       pvf.ExecutorParams
	ScratchDir   string
	SpawnTimeout time.Duration
}

// Worker is a live worker process. Its methods are not safe for concurrent
// use except Kill, Shutdown, Done and the getters.
type Worker struct {
	id      string
	kind    string
	params  pvf.ExecutorParams
	profile pvf.Hash
	scratch string
	started time.Time

	cmd       *exec.Cmd
	stdin     io.WriteCloser
	responses chan *protocol.Response
	stderr    *tailBuffer
	exited    chan struct{}
	waitErr   error
	killOnce  sync.Once

	logger *slog.Logger
}

// Spawn starts the worker binary, performs the handshake and waits for the
// worker to report ready within cfg.SpawnTimeout.
func Spawn(ctx context.Context, cfg SpawnConfig) (*Worker, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	w := &Worker{
		id:        cfg.ID,
		kind:      cfg.Kind,
		params:    cfg.Params,
		profile:   cfg.Params.Hash(),
		scratch:   cfg.ScratchDir,
		responses: make(chan *protocol.Response, 1),
		stderr:    newTailBuffer(stderrTail),
		exited:    make(chan struct{}),
	}

	// Don't use CommandContext - termination is managed here.
	cmd := exec.Command(cfg.Program, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Stderr = w.stderr
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: create stdin pipe: %v", ErrSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: create stdout pipe: %v", ErrSpawn, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrSpawn, cfg.Program, err)
	}
	w.cmd = cmd
	w.stdin = stdin
	w.started = time.Now()
	w.logger = log.WithWorker(w.id).With("kind", w.kind, "pid", cmd.Process.Pid)

	readerDone := make(chan struct{})
	go w.readLoop(stdout, readerDone)
	go func() {
		// Wait closes the pipes, so the reader must drain first.
		<-readerDone
		w.waitErr = cmd.Wait()
		close(w.exited)
	}()

	req := &protocol.Request{
		Protocol: protocol.Version,
		Type:     protocol.TypeHandshake,
		Handshake: &protocol.Handshake{
			Kind:       cfg.Kind,
			Params:     cfg.Params,
			ScratchDir: cfg.ScratchDir,
		},
		SentAt: time.Now(),
	}
	if err := protocol.EncodeRequest(stdin, req); err != nil {
		w.Kill()
		return nil, fmt.Errorf("%w: send handshake: %v", ErrSpawn, err)
	}

	timer := time.NewTimer(cfg.SpawnTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-w.responses:
		if !ok {
			w.Kill()
			<-w.exited
			return nil, fmt.Errorf("%w: worker exited during handshake: %v: %s", ErrSpawn, w.waitErr, w.stderr.String())
		}
		if resp.Type != protocol.TypeReady || !resp.OK() {
			w.Kill()
			return nil, fmt.Errorf("%w: unexpected handshake reply %q: %s", ErrSpawn, resp.Type, resp.Error)
		}
	case <-timer.C:
		w.Kill()
		return nil, fmt.Errorf("%w: no ready message within %s", ErrSpawn, cfg.SpawnTimeout)
	case <-ctx.Done():
		w.Kill()
		return nil, fmt.Errorf("%w: %v", ErrSpawn, ctx.Err())
	}

	w.logger.Debug("worker ready", "profile", w.profile.Short(), "startup", time.Since(w.started))
	return w, nil
}

func (w *Worker) readLoop(stdout io.Reader, done chan<- struct{}) {
	defer close(done)
	defer close(w.responses)
	dec := protocol.NewDecoder(stdout)
	for {
		resp, err := dec.Response()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				w.logger.Warn("bad message from worker", "error", err)
				w.Kill()
				// Drain so the process can exit.
				_, _ = io.Copy(io.Discard, stdout)
			}
			return
		}
		w.responses <- resp
	}
}

// ID is unique per spawned process.
func (w *Worker) ID() string                 { return w.id }
func (w *Worker) Kind() string               { return w.kind }
func (w *Worker) Params() pvf.ExecutorParams { return w.params }

// Profile is the hash of the executor params the worker was spawned with.
func (w *Worker) Profile() pvf.Hash { return w.profile }
func (w *Worker) PID() int          { return w.cmd.Process.Pid }
func (w *Worker) ScratchDir() string {
	return w.scratch
}

// Done is closed once the process has exited and been reaped.
func (w *Worker) Done() <-chan struct{} { return w.exited }

// Stderr returns the captured tail of the worker's stderr.
func (w *Worker) Stderr() string { return w.stderr.String() }

// roundTrip sends one job and waits for its answer, killing the worker at
// hardDeadline.
func (w *Worker) roundTrip(ctx context.Context, req *protocol.Request, hardDeadline time.Duration) (*protocol.Response, error) {
	req.Protocol = protocol.Version
	req.SentAt = time.Now()
	if err := protocol.EncodeRequest(w.stdin, req); err != nil {
		return nil, w.died(err)
	}

	timer := time.NewTimer(hardDeadline)
	defer timer.Stop()

	select {
	case resp, ok := <-w.responses:
		if !ok {
			return nil, w.died(nil)
		}
		if resp.JobID != req.JobID {
			w.Kill()
			return nil, fmt.Errorf("worker answered job %q while running %q", resp.JobID, req.JobID)
		}
		return resp, nil
	case <-timer.C:
		w.logger.Warn("hard deadline exceeded, killing worker", "job_id", req.JobID, "deadline", hardDeadline)
		w.Kill()
		return nil, ErrHardDeadline
	case <-ctx.Done():
		w.Kill()
		return nil, ctx.Err()
	}
}

// died waits for the process to be reaped and describes how it ended.
func (w *Worker) died(cause error) error {
	w.Kill()
	<-w.exited
	de := &DiedError{ExitCode: -1, Stderr: w.stderr.String()}
	var exitErr *exec.ExitError
	if errors.As(w.waitErr, &exitErr) {
		de.ExitCode = exitErr.ExitCode()
		de.Signal = signalName(exitErr)
	} else if w.waitErr == nil {
		de.ExitCode = 0
	}
	w.logger.Warn("worker died", "exit_code", de.ExitCode, "signal", de.Signal, "cause", cause, "stderr", de.Stderr)
	return de
}

// Kill sends SIGKILL to the worker's process group. It is idempotent.
func (w *Worker) Kill() {
	w.killOnce.Do(func() {
		_ = w.stdin.Close()
		if err := killGroup(w.cmd); err != nil {
			select {
			case <-w.exited:
			default:
				w.logger.Debug("kill failed", "error", err)
			}
		}
	})
}

// Shutdown asks the worker to exit: close stdin, wait grace, SIGTERM, wait
// grace, SIGKILL.
func (w *Worker) Shutdown(grace time.Duration) {
	_ = w.stdin.Close()

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-w.exited:
		return
	case <-t.C:
	}

	w.logger.Warn("worker did not exit after stdin closed, sending SIGTERM")
	if err := termGroup(w.cmd); err != nil {
		w.logger.Debug("failed to send SIGTERM", "error", err)
	}
	t.Reset(grace)
	select {
	case <-w.exited:
	case <-t.C:
		w.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
		w.Kill()
		<-w.exited
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
