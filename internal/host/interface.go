package host

import (
	"github.com/mattjoyce/pvfhost/internal/execute"
	"github.com/mattjoyce/pvfhost/internal/prepare"
	"github.com/mattjoyce/pvfhost/internal/pvf"
)

//go:generate mockgen -destination=mocks/mock_queues.go -package=mocks github.com/mattjoyce/pvfhost/internal/host PrepareQueue,ExecuteQueue

// PrepareQueue is the prepare dispatcher as the host uses it.
type PrepareQueue interface {
	Submit(job prepare.Job)
	Amend(jobID string, prio pvf.Priority)
	Stats() prepare.Stats
}

// ExecuteQueue is the execute dispatcher as the host uses it.
type ExecuteQueue interface {
	Submit(job execute.Job)
	Stats() execute.Stats
}
