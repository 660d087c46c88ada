package pvf

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorParamsHashDistinguishesFields(t *testing.T) {
	base := ExecutorParams{}
	withStack := ExecutorParams{StackLogicalMax: 65536}
	withMem := ExecutorParams{PrecheckingMaxMemory: 10 << 20}

	assert.Equal(t, base.Hash(), ExecutorParams{}.Hash())
	assert.NotEqual(t, base.Hash(), withStack.Hash())
	assert.NotEqual(t, withStack.Hash(), withMem.Hash())
	assert.Equal(t, withStack.Hash(), ExecutorParams{StackLogicalMax: 65536}.Hash())
}

func TestFingerprintRoundTrip(t *testing.T) {
	spec := NewPrepJobSpec([]byte("code"), ExecutorParams{MaxMemoryPages: 32}, time.Second, Compilation)
	fp := spec.Fingerprint()

	parsed, err := ParseFingerprint(fp.String())
	require.NoError(t, err)
	assert.Equal(t, fp, parsed)
	assert.Len(t, fp.String(), 64+1+64)

	_, err = ParseFingerprint("nounderscore")
	assert.Error(t, err)
	_, err = ParseFingerprint("zz_" + fp.Params.String())
	assert.Error(t, err)
}

func TestFingerprintSameCodeDifferentParams(t *testing.T) {
	a := NewPrepJobSpec([]byte("code"), ExecutorParams{}, time.Second, Compilation)
	b := NewPrepJobSpec([]byte("code"), ExecutorParams{StackNativeMax: 1}, time.Second, Compilation)

	assert.Equal(t, a.CodeHash(), b.CodeHash())
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestPrepJobSpecCopiesCode(t *testing.T) {
	code := []byte("abc")
	spec := NewPrepJobSpec(code, ExecutorParams{}, time.Second, Prechecking)
	code[0] = 'x'

	assert.Equal(t, []byte("abc"), spec.Code())
	assert.Equal(t, HashBytes([]byte("abc")), spec.CodeHash())

	other := spec.WithKind(Compilation, time.Minute)
	assert.Equal(t, Prechecking, spec.Kind())
	assert.Equal(t, Compilation, other.Kind())
	assert.Equal(t, time.Minute, other.Timeout())
	assert.Equal(t, spec.Fingerprint(), other.Fingerprint())
}

func TestTimeoutOverrides(t *testing.T) {
	p := ExecutorParams{}
	assert.Equal(t, 5*time.Second, p.PrepTimeout(Prechecking, 5*time.Second))
	assert.Equal(t, 7*time.Second, p.ExecutionTimeout(7*time.Second))

	p = ExecutorParams{PrecheckingPrepTimeout: time.Second, LenientPrepTimeout: 2 * time.Second, ExecTimeout: 3 * time.Second}
	assert.Equal(t, time.Second, p.PrepTimeout(Prechecking, time.Hour))
	assert.Equal(t, 2*time.Second, p.PrepTimeout(Compilation, time.Hour))
	assert.Equal(t, 3*time.Second, p.ExecutionTimeout(time.Hour))
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"", PriorityNormal, false},
		{"Critical", PriorityCritical, false},
		{"background", PriorityBackground, false},
		{"urgent", PriorityNormal, true},
	}
	for _, tt := range tests {
		got, err := ParsePriority(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
	assert.Less(t, PriorityBackground, PriorityNormal)
	assert.Less(t, PriorityNormal, PriorityCritical)
}

func TestPrepareErrorSentinels(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewPrepareError(PrepareOutOfMemory, "used %d bytes", 1024))

	assert.True(t, errors.Is(err, ErrOutOfMemory))
	assert.False(t, errors.Is(err, ErrTimedOut))
	assert.Contains(t, err.Error(), "out_of_memory")

	var pe *PrepareError
	require.True(t, errors.As(err, &pe))
	assert.True(t, pe.IsDeterministic())

	assert.False(t, (&PrepareError{Kind: PrepareTimedOut}).IsDeterministic())
	assert.False(t, (&PrepareError{Kind: PrepareJobDied}).IsDeterministic())

	shutdown := &PrepareError{Kind: PrepareShutdown}
	assert.True(t, errors.Is(shutdown, ErrShutdown))
}

func TestPrepareErrorKindNames(t *testing.T) {
	for k, name := range prepareKindNames {
		assert.Equal(t, k, ParsePrepareErrorKind(name))
	}
	assert.Equal(t, PrepareUnknown, ParsePrepareErrorKind("nope"))
}

func TestValidationErrorMatching(t *testing.T) {
	timeout := InvalidCandidate(HardTimeout, "killed after 8s")
	assert.True(t, errors.Is(timeout, ErrHardTimeout))
	assert.False(t, errors.Is(timeout, ErrWorkerReportedInvalid))

	reason, ok := IsInvalidCandidate(timeout)
	assert.True(t, ok)
	assert.Equal(t, HardTimeout, reason)

	prep := PreparationFailed(&PrepareError{Kind: PreparePrevalidation, Message: "bad magic"})
	assert.True(t, errors.Is(prep, ErrPrevalidation))
	_, ok = IsInvalidCandidate(prep)
	assert.False(t, ok)

	internal := Internal("spawn execute worker", ErrShutdown)
	assert.True(t, errors.Is(internal, ErrShutdown))
	assert.Contains(t, internal.Error(), "spawn execute worker")
}
