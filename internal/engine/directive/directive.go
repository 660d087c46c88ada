// Package directive is a reference engine whose "code" is a small YAML
// program describing how compilation and execution should behave. Worker
// binaries ship it so that every host behaviour (timeouts, memory limits,
// crashes, traps) can be triggered deterministically.
//
//	compile:
//	  memory: 2MiB      # charged against the prechecking memory budget
//	  sleep: 50ms
//	  hang: false       # never return, ignoring cancellation
//	  fail: ""          # prevalidation | preparation | panic
//	run:
//	  op: echo          # echo | halt | trap | panic | exit | sleep
//	  sleep: 10ms
//	  output: ""        # fixed output instead of echoing the input
//	  depth: 0          # simulated stack depth, checked against stack_logical_max
package directive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/pvfhost/internal/engine"
	"github.com/mattjoyce/pvfhost/internal/pvf"
)

const artifactMagic = "PVFDIR1\n"

// Run operations.
const (
	OpEcho  = "echo"
	OpHalt  = "halt"
	OpTrap  = "trap"
	OpPanic = "panic"
	OpExit  = "exit"
	OpSleep = "sleep"
)

// Program is the decoded code blob.
type Program struct {
	Compile CompileDirective `yaml:"compile,omitempty"`
	Run     RunDirective     `yaml:"run,omitempty"`
}

// CompileDirective controls Compile.
type CompileDirective struct {
	Memory  string        `yaml:"memory,omitempty"`
	Sleep   time.Duration `yaml:"sleep,omitempty"`
	Hang    bool          `yaml:"hang,omitempty"`
	Fail    string        `yaml:"fail,omitempty"`
	Message string        `yaml:"message,omitempty"`
}

// RunDirective controls Run. It is what the artifact carries.
type RunDirective struct {
	Op       string        `yaml:"op,omitempty"`
	Sleep    time.Duration `yaml:"sleep,omitempty"`
	Output   string        `yaml:"output,omitempty"`
	Message  string        `yaml:"message,omitempty"`
	Depth    uint32        `yaml:"depth,omitempty"`
	ExitCode int           `yaml:"exit_code,omitempty"`
}

// Engine implements engine.Engine.
type Engine struct{}

// New returns the directive engine.
func New() *Engine {
	return &Engine{}
}

// Encode renders a program as a code blob.
func Encode(p Program) []byte {
	b, err := yaml.Marshal(p)
	if err != nil {
		panic(fmt.Sprintf("encode directive program: %v", err))
	}
	return b
}

// Parse decodes a code blob. Unknown fields are rejected.
func Parse(code []byte) (Program, error) {
	var p Program
	if len(bytes.TrimSpace(code)) == 0 {
		return p, errors.New("empty program")
	}
	dec := yaml.NewDecoder(bytes.NewReader(code))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return p, err
	}
	return p, nil
}

// Compile interprets the compile directive and emits an artifact holding the
// run directive.
func (e *Engine) Compile(ctx context.Context, code []byte, params pvf.ExecutorParams, budget *engine.MemoryBudget) ([]byte, error) {
	p, err := Parse(code)
	if err != nil {
		return nil, &engine.CompileError{Kind: pvf.PreparePrevalidation, Message: err.Error()}
	}
	c := p.Compile

	if c.Memory != "" {
		n, err := units.RAMInBytes(c.Memory)
		if err != nil || n < 0 {
			return nil, &engine.CompileError{Kind: pvf.PreparePrevalidation, Message: fmt.Sprintf("bad memory %q", c.Memory)}
		}
		if err := budget.Alloc(uint64(n)); err != nil {
			return nil, err
		}
		scratch := make([]byte, n)
		for i := 0; i < len(scratch); i += 4096 {
			scratch[i] = 1
		}
		defer budget.Free(uint64(n))
	}

	if c.Sleep > 0 {
		select {
		case <-time.After(c.Sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if c.Hang {
		for {
			time.Sleep(time.Hour)
		}
	}

	switch c.Fail {
	case "":
	case "prevalidation":
		return nil, &engine.CompileError{Kind: pvf.PreparePrevalidation, Message: c.Message}
	case "preparation":
		return nil, &engine.CompileError{Kind: pvf.PreparePreparation, Message: c.Message}
	case "panic":
		panic(c.Message)
	default:
		return nil, &engine.CompileError{Kind: pvf.PreparePrevalidation, Message: fmt.Sprintf("unknown fail mode %q", c.Fail)}
	}

	if p.Run.Op == "" {
		p.Run.Op = OpEcho
	}
	switch p.Run.Op {
	case OpEcho, OpHalt, OpTrap, OpPanic, OpExit, OpSleep:
	default:
		return nil, &engine.CompileError{Kind: pvf.PreparePreparation, Message: fmt.Sprintf("unsupported op %q", p.Run.Op)}
	}

	body, err := yaml.Marshal(p.Run)
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return append([]byte(artifactMagic), body...), nil
}

// Run executes an artifact produced by Compile.
func (e *Engine) Run(ctx context.Context, artifact, input []byte, params pvf.ExecutorParams) ([]byte, error) {
	body, ok := bytes.CutPrefix(artifact, []byte(artifactMagic))
	if !ok {
		return nil, errors.New("corrupt artifact: bad magic")
	}
	var r RunDirective
	if err := yaml.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("corrupt artifact: %w", err)
	}

	if params.StackLogicalMax > 0 && r.Depth > params.StackLogicalMax {
		return nil, &engine.TrapError{Message: fmt.Sprintf("stack overflow: depth %d > %d", r.Depth, params.StackLogicalMax)}
	}

	switch r.Op {
	case OpHalt:
		for {
			time.Sleep(time.Hour)
		}
	case OpTrap:
		return nil, &engine.TrapError{Message: r.Message}
	case OpPanic:
		panic(r.Message)
	case OpExit:
		code := r.ExitCode
		if code == 0 {
			code = 1
		}
		os.Exit(code)
	case OpSleep:
		select {
		case <-time.After(r.Sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if r.Output != "" {
		return []byte(r.Output), nil
	}
	out := make([]byte, len(input))
	copy(out, input)
	return out, nil
}
