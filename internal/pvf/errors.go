package pvf

import (
	"errors"
	"fmt"
)

// ErrShutdown is wrapped by every error returned to a caller whose request
// was still outstanding when the host shut down.
var ErrShutdown = errors.New("validation host shut down")

// PrepareErrorKind classifies a preparation failure.
type PrepareErrorKind int

const (
	// PrepareUnknown is only seen when decoding a kind this build does not know.
	PrepareUnknown PrepareErrorKind = iota
	PrepareOutOfMemory
	PrepareTimedOut
	// PreparePrevalidation: the blob is malformed.
	PreparePrevalidation
	// PreparePreparation: the compiler rejected a well-formed blob.
	PreparePreparation
	PreparePanic
	PrepareIO
	// PrepareJobDied: the worker died for a reason not attributable to the job.
	PrepareJobDied
	// PrepareSpawn: no worker process could be started.
	PrepareSpawn
	PrepareShutdown
)

var prepareKindNames = map[PrepareErrorKind]string{
	PrepareUnknown:       "unknown",
	PrepareOutOfMemory:   "out_of_memory",
	PrepareTimedOut:      "timed_out",
	PreparePrevalidation: "prevalidation",
	PreparePreparation:   "preparation",
	PreparePanic:         "panic",
	PrepareIO:            "io",
	PrepareJobDied:       "job_died",
	PrepareSpawn:         "spawn",
	PrepareShutdown:      "shutdown",
}

func (k PrepareErrorKind) String() string {
	if s, ok := prepareKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParsePrepareErrorKind is the inverse of String. Unknown names map to PrepareUnknown.
func ParsePrepareErrorKind(s string) PrepareErrorKind {
	for k, name := range prepareKindNames {
		if name == s {
			return k
		}
	}
	return PrepareUnknown
}

// PrepareError is the result of a failed precheck or compilation.
type PrepareError struct {
	Kind    PrepareErrorKind
	Message string
}

// Sentinels for errors.Is. They match any PrepareError of the same kind.
var (
	ErrOutOfMemory   = &PrepareError{Kind: PrepareOutOfMemory}
	ErrTimedOut      = &PrepareError{Kind: PrepareTimedOut}
	ErrPrevalidation = &PrepareError{Kind: PreparePrevalidation}
	ErrPreparation   = &PrepareError{Kind: PreparePreparation}
	ErrPreparePanic  = &PrepareError{Kind: PreparePanic}
	ErrJobDied       = &PrepareError{Kind: PrepareJobDied}
	ErrSpawn         = &PrepareError{Kind: PrepareSpawn}
)

// NewPrepareError builds a PrepareError with a formatted message.
func NewPrepareError(kind PrepareErrorKind, format string, args ...any) *PrepareError {
	return &PrepareError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *PrepareError) Error() string {
	if e.Message == "" {
		return "prepare: " + e.Kind.String()
	}
	return fmt.Sprintf("prepare: %s: %s", e.Kind, e.Message)
}

// Is matches sentinels by kind.
func (e *PrepareError) Is(target error) bool {
	t, ok := target.(*PrepareError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Unwrap exposes ErrShutdown for shutdown failures.
func (e *PrepareError) Unwrap() error {
	if e.Kind == PrepareShutdown {
		return ErrShutdown
	}
	return nil
}

// IsDeterministic reports whether another attempt on the same input would
// fail the same way. Non-deterministic failures may be retried later.
func (e *PrepareError) IsDeterministic() bool {
	switch e.Kind {
	case PrepareOutOfMemory, PreparePrevalidation, PreparePreparation, PreparePanic:
		return true
	default:
		return false
	}
}

// ValidationErrorKind classifies an execution failure.
type ValidationErrorKind int

const (
	// ValidationInvalidCandidate is a deterministic verdict on the candidate.
	ValidationInvalidCandidate ValidationErrorKind = iota
	// ValidationPreparation wraps a failure of the implicit compile.
	ValidationPreparation
	// ValidationInternal is an infrastructure fault, never a verdict.
	ValidationInternal
)

func (k ValidationErrorKind) String() string {
	switch k {
	case ValidationInvalidCandidate:
		return "invalid_candidate"
	case ValidationPreparation:
		return "preparation"
	default:
		return "internal"
	}
}

// InvalidReason says why a candidate was judged invalid.
type InvalidReason int

const (
	HardTimeout InvalidReason = iota
	WorkerReportedInvalid
	AmbiguousWorkerDeath
	WorkerPanic
)

func (r InvalidReason) String() string {
	switch r {
	case HardTimeout:
		return "hard_timeout"
	case WorkerReportedInvalid:
		return "worker_reported_invalid"
	case AmbiguousWorkerDeath:
		return "ambiguous_worker_death"
	case WorkerPanic:
		return "panic"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// ValidationError is the error returned by Execute.
type ValidationError struct {
	Kind   ValidationErrorKind
	Reason InvalidReason // ValidationInvalidCandidate only
	Detail string

	Prepare *PrepareError // ValidationPreparation only
	Err     error         // ValidationInternal cause
}

var (
	ErrHardTimeout           = &ValidationError{Kind: ValidationInvalidCandidate, Reason: HardTimeout}
	ErrWorkerReportedInvalid = &ValidationError{Kind: ValidationInvalidCandidate, Reason: WorkerReportedInvalid}
	ErrAmbiguousWorkerDeath  = &ValidationError{Kind: ValidationInvalidCandidate, Reason: AmbiguousWorkerDeath}
	ErrWorkerPanic           = &ValidationError{Kind: ValidationInvalidCandidate, Reason: WorkerPanic}
)

// InvalidCandidate builds a verdict error.
func InvalidCandidate(reason InvalidReason, detail string) *ValidationError {
	return &ValidationError{Kind: ValidationInvalidCandidate, Reason: reason, Detail: detail}
}

// PreparationFailed wraps a prepare failure as an execution-layer error.
func PreparationFailed(err *PrepareError) *ValidationError {
	return &ValidationError{Kind: ValidationPreparation, Prepare: err}
}

// Internal wraps an infrastructure failure during op.
func Internal(op string, err error) *ValidationError {
	return &ValidationError{Kind: ValidationInternal, Detail: op, Err: err}
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case ValidationInvalidCandidate:
		if e.Detail == "" {
			return "invalid candidate: " + e.Reason.String()
		}
		return fmt.Sprintf("invalid candidate: %s: %s", e.Reason, e.Detail)
	case ValidationPreparation:
		if e.Prepare == nil {
			return "preparation failed"
		}
		return "preparation failed: " + e.Prepare.Error()
	default:
		if e.Err == nil {
			return "internal: " + e.Detail
		}
		return fmt.Sprintf("internal: %s: %v", e.Detail, e.Err)
	}
}

// Unwrap exposes the prepare error or the internal cause.
func (e *ValidationError) Unwrap() error {
	if e.Prepare != nil {
		return e.Prepare
	}
	return e.Err
}

// Is matches the verdict sentinels by kind and reason.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	if !ok || t.Detail != "" || t.Prepare != nil || t.Err != nil {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return e.Kind != ValidationInvalidCandidate || t.Reason == e.Reason
}

// IsInvalidCandidate reports whether err carries a candidate verdict.
func IsInvalidCandidate(err error) (InvalidReason, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) && ve.Kind == ValidationInvalidCandidate {
		return ve.Reason, true
	}
	return 0, false
}
