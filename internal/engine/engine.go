// Package engine defines the compiler and runner that worker processes drive.
// The host never links an engine; only worker binaries do.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mattjoyce/pvfhost/internal/pvf"
)

// ErrOutOfMemory is returned when a compile exceeds its MemoryBudget.
var ErrOutOfMemory = errors.New("memory limit exceeded")

// Compiler turns code into an artifact.
type Compiler interface {
	Compile(ctx context.Context, code []byte, params pvf.ExecutorParams, budget *MemoryBudget) ([]byte, error)
}

// Runner executes a compiled artifact against an input.
type Runner interface {
	Run(ctx context.Context, artifact, input []byte, params pvf.ExecutorParams) ([]byte, error)
}

// Engine is both halves.
type Engine interface {
	Compiler
	Runner
}

// CompileError is a deterministic rejection of the code.
type CompileError struct {
	Kind    pvf.PrepareErrorKind // PreparePrevalidation or PreparePreparation
	Message string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// TrapError is a deterministic runtime fault of the executed code.
type TrapError struct {
	Message string
}

func (e *TrapError) Error() string {
	return "trap: " + e.Message
}

// MemoryBudget tracks allocations made on behalf of one compile.
// A zero limit means unlimited.
type MemoryBudget struct {
	mu    sync.Mutex
	limit uint64
	used  uint64
	peak  uint64
}

// NewMemoryBudget returns a budget capped at limit bytes.
func NewMemoryBudget(limit uint64) *MemoryBudget {
	return &MemoryBudget{limit: limit}
}

// Alloc charges n bytes, failing with ErrOutOfMemory past the limit.
func (b *MemoryBudget) Alloc(n uint64) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 && b.used+n > b.limit {
		return fmt.Errorf("%w: %d + %d > %d bytes", ErrOutOfMemory, b.used, n, b.limit)
	}
	b.used += n
	if b.used > b.peak {
		b.peak = b.used
	}
	return nil
}

// Free returns n bytes to the budget.
func (b *MemoryBudget) Free(n uint64) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.used {
		n = b.used
	}
	b.used -= n
}

// Peak is the high-water mark.
func (b *MemoryBudget) Peak() uint64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}

// Limit is the configured cap.
func (b *MemoryBudget) Limit() uint64 {
	if b == nil {
		return 0
	}
	return b.limit
}
