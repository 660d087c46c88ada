package directive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pvfhost/internal/engine"
	"github.com/mattjoyce/pvfhost/internal/pvf"
)

func compile(t *testing.T, code string, limit uint64) ([]byte, error) {
	t.Helper()
	return New().Compile(context.Background(), []byte(code), pvf.ExecutorParams{}, engine.NewMemoryBudget(limit))
}

func TestCompileAndEcho(t *testing.T) {
	art, err := compile(t, "run:\n  op: echo\n", 0)
	require.NoError(t, err)

	out, err := New().Run(context.Background(), art, []byte("hello"), pvf.ExecutorParams{})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
}

func TestCompileMemoryBudget(t *testing.T) {
	code := "compile:\n  memory: 2MiB\n"

	_, err := compile(t, code, 10<<20)
	assert.NoError(t, err)

	_, err = compile(t, code, 512<<10)
	assert.True(t, errors.Is(err, engine.ErrOutOfMemory), "got %v", err)
}

func TestCompileFailures(t *testing.T) {
	tests := []struct {
		name string
		code string
		kind pvf.PrepareErrorKind
	}{
		{"empty", "", pvf.PreparePrevalidation},
		{"not yaml", "::::", pvf.PreparePrevalidation},
		{"unknown field", "compile:\n  turbo: true\n", pvf.PreparePrevalidation},
		{"explicit prevalidation", "compile:\n  fail: prevalidation\n", pvf.PreparePrevalidation},
		{"explicit preparation", "compile:\n  fail: preparation\n  message: unsupported\n", pvf.PreparePreparation},
		{"unknown op", "run:\n  op: fly\n", pvf.PreparePreparation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compile(t, tt.code, 0)
			var ce *engine.CompileError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tt.kind, ce.Kind)
		})
	}
}

func TestCompilePanics(t *testing.T) {
	assert.Panics(t, func() {
		_, _ = compile(t, "compile:\n  fail: panic\n  message: boom\n", 0)
	})
}

func TestCompileSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := New().Compile(ctx, []byte("compile:\n  sleep: 10s\n"), pvf.ExecutorParams{}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunTrapAndStack(t *testing.T) {
	art, err := compile(t, "run:\n  op: trap\n  message: unreachable\n", 0)
	require.NoError(t, err)
	_, err = New().Run(context.Background(), art, nil, pvf.ExecutorParams{})
	var trap *engine.TrapError
	require.True(t, errors.As(err, &trap))
	assert.Equal(t, "unreachable", trap.Message)

	art, err = compile(t, "run:\n  depth: 100\n", 0)
	require.NoError(t, err)
	_, err = New().Run(context.Background(), art, nil, pvf.ExecutorParams{StackLogicalMax: 50})
	require.True(t, errors.As(err, &trap))

	out, err := New().Run(context.Background(), art, []byte("ok"), pvf.ExecutorParams{StackLogicalMax: 200})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(out))
}

func TestRunRejectsCorruptArtifact(t *testing.T) {
	_, err := New().Run(context.Background(), []byte("garbage"), nil, pvf.ExecutorParams{})
	assert.Error(t, err)
	var trap *engine.TrapError
	assert.False(t, errors.As(err, &trap))
}

func TestEncodeParseRoundTrip(t *testing.T) {
	p := Program{Run: RunDirective{Op: OpSleep, Sleep: 5 * time.Millisecond, Output: "done"}}
	got, err := Parse(Encode(p))
	require.NoError(t, err)
	assert.Equal(t, p, got)

	art, err := compile(t, string(Encode(p)), 0)
	require.NoError(t, err)
	out, err := New().Run(context.Background(), art, []byte("in"), pvf.ExecutorParams{})
	require.NoError(t, err)
	assert.Equal(t, "done", string(out))
}

func TestMemoryBudgetPeak(t *testing.T) {
	b := engine.NewMemoryBudget(100)
	require.NoError(t, b.Alloc(60))
	b.Free(60)
	require.NoError(t, b.Alloc(90))
	assert.Equal(t, uint64(90), b.Peak())
	assert.Error(t, b.Alloc(20))
}
