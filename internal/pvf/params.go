package pvf

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// Hash is a 256-bit BLAKE3 digest.
type Hash [32]byte

// HashBytes returns the BLAKE3 digest of b.
func HashBytes(b []byte) Hash {
	return Hash(blake3.Sum256(b))
}

// String returns the lowercase hex encoding.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 12 hex characters, for logs.
func (h Hash) Short() string {
	return h.String()[:12]
}

// IsZero reports whether h is the zero digest.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash decodes a 64-character hex digest.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("hash has %d bytes, want %d", len(b), len(h))
	}
	copy(h[:], b)
	return h, nil
}

// ExecutorParams is the parameter set a PVF is compiled and executed under.
// Workers and artifacts are specific to one set; the zero value is the
// default profile.
type ExecutorParams struct {
	MaxMemoryPages  uint32 `json:"max_memory_pages,omitempty" yaml:"max_memory_pages,omitempty"`
	StackLogicalMax uint32 `json:"stack_logical_max,omitempty" yaml:"stack_logical_max,omitempty"`
	StackNativeMax  uint32 `json:"stack_native_max,omitempty" yaml:"stack_native_max,omitempty"`

	// PrecheckingMaxMemory bounds memory used while compiling a prechecking job, in bytes.
	PrecheckingMaxMemory uint64 `json:"prechecking_max_memory,omitempty" yaml:"prechecking_max_memory,omitempty"`

	// Overrides of the host defaults. Zero means "use the host default".
	PrecheckingPrepTimeout time.Duration `json:"prechecking_prep_timeout,omitempty" yaml:"prechecking_prep_timeout,omitempty"`
	LenientPrepTimeout     time.Duration `json:"lenient_prep_timeout,omitempty" yaml:"lenient_prep_timeout,omitempty"`
	ExecTimeout            time.Duration `json:"exec_timeout,omitempty" yaml:"exec_timeout,omitempty"`
}

// Hash returns the identity of the parameter set. Two sets hash equal iff
// every field is equal.
func (p ExecutorParams) Hash() Hash {
	// Field order is fixed by the struct, so the encoding is canonical.
	b, err := json.Marshal(p)
	if err != nil {
		panic(fmt.Sprintf("marshal executor params: %v", err))
	}
	return HashBytes(b)
}

// PrepTimeout picks the preparation timeout for kind, preferring the
// parameter override over the supplied host default.
func (p ExecutorParams) PrepTimeout(kind PrepareJobKind, hostDefault time.Duration) time.Duration {
	switch kind {
	case Prechecking:
		if p.PrecheckingPrepTimeout > 0 {
			return p.PrecheckingPrepTimeout
		}
	default:
		if p.LenientPrepTimeout > 0 {
			return p.LenientPrepTimeout
		}
	}
	return hostDefault
}

// ExecutionTimeout returns the parameter override or hostDefault.
func (p ExecutorParams) ExecutionTimeout(hostDefault time.Duration) time.Duration {
	if p.ExecTimeout > 0 {
		return p.ExecTimeout
	}
	return hostDefault
}
