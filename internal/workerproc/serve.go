// Package workerproc is the loop that runs inside a worker child process.
// It reads requests from stdin, drives the engine under the job deadline and
// writes one response per request to stdout.
//
// The worker enforces the job's own deadline T. A job that overruns is
// reported as timed out and the process exits, since the engine may still be
// spinning. The host enforces the looser T x factor deadline on top.
package workerproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/pvfhost/internal/engine"
	"github.com/mattjoyce/pvfhost/internal/log"
	"github.com/mattjoyce/pvfhost/internal/protocol"
	"github.com/mattjoyce/pvfhost/internal/pvf"
)

// Exit codes used when the worker retires itself.
const (
	ExitTimedOut = 3
	ExitPanic    = 4
	ExitProtocol = 5
)

// errExited is returned by Serve when Options.Exit returned instead of
// terminating the process (tests only).
var errExited = errors.New("worker exited")

// Options configures Serve.
type Options struct {
	// Kind is protocol.KindPrepare or protocol.KindExecute.
	Kind   string
	Engine engine.Engine
	In     io.Reader
	Out    io.Writer
	// Exit terminates the process. Defaults to os.Exit.
	Exit func(code int)
}

type server struct {
	opts    Options
	dec     *protocol.Decoder
	params  pvf.ExecutorParams
	scratch string
	logger  *slog.Logger
}

// Serve runs until the host closes stdin. It returns nil on a clean EOF.
func Serve(ctx context.Context, opts Options) error {
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.Engine == nil {
		return fmt.Errorf("workerproc: engine is required")
	}
	s := &server{
		opts:   opts,
		dec:    protocol.NewDecoder(opts.In),
		logger: log.WithComponent(opts.Kind+"-worker").With("pid", os.Getpid()),
	}

	if err := s.handshake(); err != nil {
		return err
	}

	for {
		req, err := s.dec.Request()
		if errors.Is(err, io.EOF) {
			s.logger.Debug("stdin closed, exiting")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read request: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var resp *protocol.Response
		var exitCode int
		switch {
		case req.Type == protocol.TypePrepare && opts.Kind == protocol.KindPrepare:
			resp, exitCode = s.prepare(ctx, req)
		case req.Type == protocol.TypeExecute && opts.Kind == protocol.KindExecute:
			resp, exitCode = s.execute(ctx, req)
		default:
			return fmt.Errorf("%s worker cannot handle %q request", opts.Kind, req.Type)
		}

		resp.Protocol = protocol.Version
		resp.JobID = req.JobID
		if err := protocol.EncodeResponse(opts.Out, resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if exitCode != 0 {
			s.logger.Warn("retiring worker", "job_id", req.JobID, "exit_code", exitCode, "error_kind", resp.ErrorKind)
			opts.Exit(exitCode)
			return errExited
		}
	}
}

func (s *server) handshake() error {
	req, err := s.dec.Request()
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	if req.Type != protocol.TypeHandshake || req.Handshake == nil {
		return fmt.Errorf("expected handshake, got %q", req.Type)
	}
	if req.Handshake.Kind != s.opts.Kind {
		return fmt.Errorf("handshake for %q worker sent to %q worker", req.Handshake.Kind, s.opts.Kind)
	}
	s.params = req.Handshake.Params
	s.scratch = req.Handshake.ScratchDir
	if s.scratch != "" {
		if err := os.MkdirAll(s.scratch, 0o700); err != nil {
			return fmt.Errorf("create scratch dir: %w", err)
		}
	}

	s.logger.Debug("handshake complete", "scratch_dir", s.scratch, "params", s.params.Hash().Short())
	return protocol.EncodeResponse(s.opts.Out, &protocol.Response{
		Protocol: protocol.Version,
		Type:     protocol.TypeReady,
		Status:   "ok",
		PID:      os.Getpid(),
	})
}

type outcome struct {
	value []byte
	err   error
	panic string
}

// runWithDeadline runs fn in its own goroutine. timedOut is true when the
// deadline fired first; fn may then still be running.
func runWithDeadline(ctx context.Context, timeout time.Duration, fn func(context.Context) ([]byte, error)) (o outcome, timedOut bool) {
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{panic: fmt.Sprint(r)}
			}
		}()
		v, err := fn(jobCtx)
		done <- outcome{value: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o := <-done:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) {
			return o, true
		}
		return o, false
	case <-timer.C:
		return outcome{}, true
	}
}

func (s *server) prepare(ctx context.Context, req *protocol.Request) (*protocol.Response, int) {
	job := req.Prepare
	resp := &protocol.Response{Type: protocol.TypePrepared}
	fail := func(kind pvf.PrepareErrorKind, msg string) *protocol.Response {
		resp.Status = "error"
		resp.ErrorKind = kind.String()
		resp.Error = msg
		return resp
	}

	if err := s.checkOutputPath(job.OutputPath); err != nil {
		return fail(pvf.PrepareIO, err.Error()), 0
	}

	var limit uint64
	if job.Kind == pvf.Prechecking.String() {
		limit = job.Params.PrecheckingMaxMemory
	}
	budget := engine.NewMemoryBudget(limit)

	start := time.Now()
	o, timedOut := runWithDeadline(ctx, job.Timeout, func(jobCtx context.Context) ([]byte, error) {
		return s.opts.Engine.Compile(jobCtx, job.Code, job.Params, budget)
	})
	resp.Elapsed = time.Since(start)
	resp.MemoryUsed = budget.Peak()

	switch {
	case timedOut:
		return fail(pvf.PrepareTimedOut, fmt.Sprintf("compilation exceeded %s", job.Timeout)), ExitTimedOut
	case o.panic != "":
		return fail(pvf.PreparePanic, o.panic), ExitPanic
	case o.err != nil:
		var ce *engine.CompileError
		switch {
		case errors.Is(o.err, engine.ErrOutOfMemory):
			return fail(pvf.PrepareOutOfMemory, o.err.Error()), 0
		case errors.As(o.err, &ce):
			return fail(ce.Kind, ce.Message), 0
		default:
			return fail(pvf.PreparePreparation, o.err.Error()), 0
		}
	}

	if err := writeArtifact(job.OutputPath, o.value); err != nil {
		return fail(pvf.PrepareIO, err.Error()), 0
	}
	resp.Status = "ok"
	resp.Checksum = pvf.HashBytes(o.value).String()
	resp.Size = int64(len(o.value))
	s.logger.Debug("prepared", "job_id", req.JobID, "size", resp.Size, "elapsed", resp.Elapsed, "memory_peak", resp.MemoryUsed)
	return resp, 0
}

func (s *server) execute(ctx context.Context, req *protocol.Request) (*protocol.Response, int) {
	job := req.Execute
	resp := &protocol.Response{Type: protocol.TypeExecuted}
	fail := func(kind, msg string) *protocol.Response {
		resp.Status = "error"
		resp.ErrorKind = kind
		resp.Error = msg
		return resp
	}

	artifact, err := os.ReadFile(job.ArtifactPath)
	if errors.Is(err, os.ErrNotExist) {
		return fail(protocol.ExecArtifactMissing, job.ArtifactPath), 0
	}
	if err != nil {
		return fail(protocol.ExecIO, err.Error()), 0
	}

	start := time.Now()
	o, timedOut := runWithDeadline(ctx, job.Timeout, func(jobCtx context.Context) ([]byte, error) {
		return s.opts.Engine.Run(jobCtx, artifact, job.Input, s.params)
	})
	resp.Elapsed = time.Since(start)

	switch {
	case timedOut:
		return fail(protocol.ExecTimedOut, fmt.Sprintf("execution exceeded %s", job.Timeout)), ExitTimedOut
	case o.panic != "":
		return fail(protocol.ExecPanic, o.panic), ExitPanic
	case o.err != nil:
		var trap *engine.TrapError
		if errors.As(o.err, &trap) {
			return fail(protocol.ExecInvalid, trap.Error()), 0
		}
		return fail(protocol.ExecIO, o.err.Error()), 0
	}

	resp.Status = "ok"
	resp.Output = o.value
	return resp, 0
}

func (s *server) checkOutputPath(p string) error {
	if p == "" {
		return errors.New("output path is required")
	}
	if s.scratch == "" {
		return nil
	}
	rel, err := filepath.Rel(s.scratch, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("output path %q is outside scratch dir", p)
	}
	return nil
}

func writeArtifact(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync artifact: %w", err)
	}
	return f.Close()
}
