package protocol

import (
	"time"

	"github.com/mattjoyce/pvfhost/internal/pvf"
)

// Version is the protocol version spoken by this build.
const Version = 1

// Request types sent by the host on the worker's stdin.
const (
	TypeHandshake = "handshake"
	TypePrepare   = "prepare"
	TypeExecute   = "execute"
)

// Response types sent by the worker on its stdout.
const (
	TypeReady    = "ready"
	TypePrepared = "prepared"
	TypeExecuted = "executed"
)

// Worker kinds named in the handshake.
const (
	KindPrepare = "prepare"
	KindExecute = "execute"
)

// Execute failure kinds reported in Response.ErrorKind.
// Prepare failures use pvf.PrepareErrorKind names instead.
const (
	ExecInvalid         = "invalid"
	ExecPanic           = "panic"
	ExecTimedOut        = "timed_out"
	ExecArtifactMissing = "artifact_missing"
	ExecIO              = "io"
)

// Request represents one message sent to a worker via stdin.
type Request struct {
	Protocol  int         `json:"protocol"`
	Type      string      `json:"type"`
	JobID     string      `json:"job_id,omitempty"`
	Handshake *Handshake  `json:"handshake,omitempty"`
	Prepare   *PrepareJob `json:"prepare,omitempty"`
	Execute   *ExecuteJob `json:"execute,omitempty"`
	SentAt    time.Time   `json:"sent_at"`
}

// Handshake configures a freshly spawned worker.
type Handshake struct {
	Kind       string             `json:"kind"`
	Params     pvf.ExecutorParams `json:"params"`
	ScratchDir string             `json:"scratch_dir"`
}

// PrepareJob asks a prepare worker to compile Code into OutputPath.
type PrepareJob struct {
	Code       []byte             `json:"code"`
	Kind       string             `json:"kind"` // prechecking | compilation
	Params     pvf.ExecutorParams `json:"params"`
	Timeout    time.Duration      `json:"timeout"`
	OutputPath string             `json:"output_path"`
}

// ExecuteJob asks an execute worker to run an artifact.
type ExecuteJob struct {
	ArtifactPath string        `json:"artifact_path"`
	Input        []byte        `json:"input"`
	Timeout      time.Duration `json:"timeout"`
}

// Response represents one message received from a worker via stdout.
type Response struct {
	Protocol  int    `json:"protocol"`
	Type      string `json:"type"`
	JobID     string `json:"job_id,omitempty"`
	Status    string `json:"status"` // ok | error
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`

	// ready
	PID int `json:"pid,omitempty"`

	// prepared
	Checksum   string `json:"checksum,omitempty"`
	Size       int64  `json:"size,omitempty"`
	MemoryUsed uint64 `json:"memory_used,omitempty"`

	// executed
	Output []byte `json:"output,omitempty"`

	Elapsed time.Duration `json:"elapsed,omitempty"`
}

// OK reports whether the response carries a success.
func (r *Response) OK() bool {
	return r.Status == "ok"
}
