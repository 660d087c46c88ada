package pvf

import (
	"fmt"
	"strings"
	"time"
)

// Fingerprint identifies one compile output: the code plus the executor
// parameters it was compiled under.
type Fingerprint struct {
	Code   Hash
	Params Hash
}

// String renders the fingerprint as "<code>_<params>". It is also the
// artifact file stem.
func (f Fingerprint) String() string {
	return f.Code.String() + "_" + f.Params.String()
}

// Short is a log-friendly abbreviation.
func (f Fingerprint) Short() string {
	return f.Code.Short() + "_" + f.Params.Short()
}

// ParseFingerprint is the inverse of Fingerprint.String.
func ParseFingerprint(s string) (Fingerprint, error) {
	code, params, ok := strings.Cut(s, "_")
	if !ok {
		return Fingerprint{}, fmt.Errorf("fingerprint %q: missing separator", s)
	}
	c, err := ParseHash(code)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("fingerprint %q: code: %w", s, err)
	}
	p, err := ParseHash(params)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("fingerprint %q: params: %w", s, err)
	}
	return Fingerprint{Code: c, Params: p}, nil
}

// PrepareJobKind tells a prepare worker why it is compiling.
type PrepareJobKind int

const (
	// Compilation prepares an artifact ahead of execution; lenient timeout.
	Compilation PrepareJobKind = iota
	// Prechecking judges acceptability; memory limit enforced, strict timeout.
	Prechecking
)

func (k PrepareJobKind) String() string {
	switch k {
	case Prechecking:
		return "prechecking"
	default:
		return "compilation"
	}
}

// Priority orders jobs inside a queue. Higher values dispatch first.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityNormal
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityBackground:
		return "background"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ParsePriority accepts the String forms; empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "background":
		return PriorityBackground, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// PrepJobSpec describes one preparation request. It is immutable once built.
type PrepJobSpec struct {
	code     []byte
	codeHash Hash
	params   ExecutorParams
	timeout  time.Duration
	kind     PrepareJobKind
}

// NewPrepJobSpec copies code and computes its hash.
func NewPrepJobSpec(code []byte, params ExecutorParams, timeout time.Duration, kind PrepareJobKind) *PrepJobSpec {
	c := make([]byte, len(code))
	copy(c, code)
	return &PrepJobSpec{
		code:     c,
		codeHash: HashBytes(c),
		params:   params,
		timeout:  timeout,
		kind:     kind,
	}
}

// Code returns the code blob. Callers must not modify it.
func (s *PrepJobSpec) Code() []byte                   { return s.code }
func (s *PrepJobSpec) CodeHash() Hash                 { return s.codeHash }
func (s *PrepJobSpec) ExecutorParams() ExecutorParams { return s.params }
func (s *PrepJobSpec) Timeout() time.Duration         { return s.timeout }
func (s *PrepJobSpec) Kind() PrepareJobKind           { return s.kind }

// Fingerprint derives the artifact identity.
func (s *PrepJobSpec) Fingerprint() Fingerprint {
	return Fingerprint{Code: s.codeHash, Params: s.params.Hash()}
}

// WithKind returns a copy sharing the code buffer but with another kind and timeout.
func (s *PrepJobSpec) WithKind(kind PrepareJobKind, timeout time.Duration) *PrepJobSpec {
	out := *s
	out.kind = kind
	out.timeout = timeout
	return &out
}
