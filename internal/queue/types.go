package queue

import (
	"errors"
	"time"

	"github.com/mattjoyce/pvfhost/internal/pvf"
)

// Status is a job's position in the supervisor state machine:
// Queued -> Dispatched -> Succeeded | TimedOut | Faulted | WorkerDied.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusDispatched Status = "dispatched"
	StatusSucceeded  Status = "succeeded"
	StatusTimedOut   Status = "timed_out"
	StatusFaulted    Status = "faulted"
	// StatusWorkerDied is the only non-terminal outcome: the job goes back
	// to Queued while attempts remain.
	StatusWorkerDied Status = "worker_died"
)

// Terminal reports whether no further transition follows.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusTimedOut, StatusFaulted:
		return true
	default:
		return false
	}
}

// Entry is a queued value with its ordering keys.
type Entry[T any] struct {
	ID         string
	Priority   pvf.Priority
	EnqueuedAt time.Time
	Value      T

	// seq orders entries across classes for Amend. Pushes count up from 1,
	// requeues count down from -1, so a requeued job sorts ahead of every
	// fresh arrival and later requeues ahead of earlier ones.
	seq int64
}

var ErrJobNotFound = errors.New("job not found")
