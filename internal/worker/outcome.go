package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/pvfhost/internal/protocol"
	"github.com/mattjoyce/pvfhost/internal/pvf"
)

// PrepareJob is one compile request as the pool sees it.
type PrepareJob struct {
	ID         string
	Spec       *pvf.PrepJobSpec
	OutputPath string
}

// PrepareOutcome is a classified prepare result.
type PrepareOutcome struct {
	// Success fields.
	TmpPath    string
	Checksum   pvf.Hash
	Size       int64
	MemoryUsed uint64
	Elapsed    time.Duration

	// Err is set on failure. When WorkerDied is set it holds the error to
	// report if no retry is left.
	Err *pvf.PrepareError
	// WorkerDied means the failure is not attributable to the job.
	WorkerDied bool
	// Retire means the worker must not be reused.
	Retire bool
}

// Prepare runs one compile job. The host-side deadline is the job timeout
// times factor.
func (w *Worker) Prepare(ctx context.Context, job PrepareJob, factor int) PrepareOutcome {
	spec := job.Spec
	req := &protocol.Request{
		Type:  protocol.TypePrepare,
		JobID: job.ID,
		Prepare: &protocol.PrepareJob{
			Code:       spec.Code(),
			Kind:       spec.Kind().String(),
			Params:     spec.ExecutorParams(),
			Timeout:    spec.Timeout(),
			OutputPath: job.OutputPath,
		},
	}
	start := time.Now()
	resp, err := w.roundTrip(ctx, req, spec.Timeout()*time.Duration(factor))
	return classifyPrepare(resp, err, job.OutputPath, time.Since(start))
}

func classifyPrepare(resp *protocol.Response, err error, tmpPath string, elapsed time.Duration) PrepareOutcome {
	var died *DiedError
	switch {
	case errors.Is(err, ErrHardDeadline):
		return PrepareOutcome{Err: pvf.NewPrepareError(pvf.PrepareTimedOut, "killed after %s", elapsed.Round(time.Millisecond)), Retire: true}
	case errors.As(err, &died):
		return PrepareOutcome{
			Err:        pvf.NewPrepareError(pvf.PrepareJobDied, "%s", died.Error()),
			WorkerDied: true,
			Retire:     true,
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return PrepareOutcome{Err: &pvf.PrepareError{Kind: pvf.PrepareShutdown}, Retire: true}
	case err != nil:
		return PrepareOutcome{Err: pvf.NewPrepareError(pvf.PrepareIO, "%v", err), Retire: true}
	}

	if resp.Type != protocol.TypePrepared {
		return PrepareOutcome{Err: pvf.NewPrepareError(pvf.PrepareIO, "unexpected %q reply", resp.Type), Retire: true}
	}
	if !resp.OK() {
		kind := pvf.ParsePrepareErrorKind(resp.ErrorKind)
		if kind == pvf.PrepareUnknown {
			kind = pvf.PrepareIO
		}
		return PrepareOutcome{
			Err:     &pvf.PrepareError{Kind: kind, Message: resp.Error},
			Retire:  kind == pvf.PrepareTimedOut || kind == pvf.PreparePanic,
			Elapsed: resp.Elapsed,
		}
	}

	sum, perr := pvf.ParseHash(resp.Checksum)
	if perr != nil {
		return PrepareOutcome{Err: pvf.NewPrepareError(pvf.PrepareIO, "bad checksum from worker: %v", perr)}
	}
	return PrepareOutcome{
		TmpPath:    tmpPath,
		Checksum:   sum,
		Size:       resp.Size,
		MemoryUsed: resp.MemoryUsed,
		Elapsed:    resp.Elapsed,
	}
}

// ExecuteJob is one run request as the pool sees it.
type ExecuteJob struct {
	ID           string
	ArtifactPath string
	Input        []byte
	Timeout      time.Duration
}

// ExecuteOutcome is a classified execute result.
type ExecuteOutcome struct {
	Output  []byte
	Elapsed time.Duration

	Err *pvf.ValidationError
	// WorkerDied: Err holds AmbiguousWorkerDeath for when retries run out.
	WorkerDied bool
	// ArtifactMissing: the file vanished between lookup and execution.
	ArtifactMissing bool
	Retire          bool
}

// Execute runs one job. The host-side deadline is the job timeout times factor.
func (w *Worker) Execute(ctx context.Context, job ExecuteJob, factor int) ExecuteOutcome {
	req := &protocol.Request{
		Type:  protocol.TypeExecute,
		JobID: job.ID,
		Execute: &protocol.ExecuteJob{
			ArtifactPath: job.ArtifactPath,
			Input:        job.Input,
			Timeout:      job.Timeout,
		},
	}
	start := time.Now()
	resp, err := w.roundTrip(ctx, req, job.Timeout*time.Duration(factor))
	return classifyExecute(resp, err, time.Since(start))
}

func classifyExecute(resp *protocol.Response, err error, elapsed time.Duration) ExecuteOutcome {
	var died *DiedError
	switch {
	case errors.Is(err, ErrHardDeadline):
		return ExecuteOutcome{
			Err:     pvf.InvalidCandidate(pvf.HardTimeout, fmt.Sprintf("killed after %s", elapsed.Round(time.Millisecond))),
			Retire:  true,
			Elapsed: elapsed,
		}
	case errors.As(err, &died):
		return ExecuteOutcome{
			Err:        pvf.InvalidCandidate(pvf.AmbiguousWorkerDeath, died.Error()),
			WorkerDied: true,
			Retire:     true,
			Elapsed:    elapsed,
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ExecuteOutcome{Err: pvf.Internal("execute", pvf.ErrShutdown), Retire: true}
	case err != nil:
		return ExecuteOutcome{Err: pvf.Internal("execute", err), Retire: true}
	}

	if resp.Type != protocol.TypeExecuted {
		return ExecuteOutcome{Err: pvf.Internal("execute", fmt.Errorf("unexpected %q reply", resp.Type)), Retire: true}
	}
	out := ExecuteOutcome{Elapsed: resp.Elapsed}
	if resp.OK() {
		out.Output = resp.Output
		return out
	}

	switch resp.ErrorKind {
	case protocol.ExecInvalid:
		out.Err = pvf.InvalidCandidate(pvf.WorkerReportedInvalid, resp.Error)
	case protocol.ExecPanic:
		out.Err = pvf.InvalidCandidate(pvf.WorkerPanic, resp.Error)
		out.Retire = true
	case protocol.ExecTimedOut:
		out.Err = pvf.InvalidCandidate(pvf.HardTimeout, resp.Error)
		out.Retire = true
	case protocol.ExecArtifactMissing:
		out.ArtifactMissing = true
		out.Err = pvf.Internal("execute", fmt.Errorf("artifact missing: %s", resp.Error))
	default:
		out.Err = pvf.Internal("execute", errors.New(resp.Error))
	}
	return out
}
