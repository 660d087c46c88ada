package api

import (
	"github.com/mattjoyce/pvfhost/internal/host"
	"github.com/mattjoyce/pvfhost/internal/pvf"
)

// PrecheckRequest is the JSON body for POST /v1/precheck. Code is base64.
type PrecheckRequest struct {
	Code   []byte             `json:"code"`
	Params pvf.ExecutorParams `json:"params"`
}

// ExecuteRequest is the JSON body for POST /v1/execute.
type ExecuteRequest struct {
	Code   []byte             `json:"code"`
	Input  []byte             `json:"input,omitempty"`
	Params pvf.ExecutorParams `json:"params"`
	// Timeout is a Go duration string; empty uses the params or host default.
	Timeout  string `json:"timeout,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// Result values shared by precheck and execute responses.
const (
	ResultValid             = "valid"
	ResultInvalid           = "invalid"
	ResultPreparationFailed = "preparation_failed"
	ResultInternal          = "internal"
)

// PrecheckResponse reports the verdict of a precheck.
type PrecheckResponse struct {
	Fingerprint string `json:"fingerprint"`
	Result      string `json:"result"`
	// Kind is the prepare error kind when Result is preparation_failed.
	Kind       string `json:"kind,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// ExecuteResponse reports the outcome of an execution.
type ExecuteResponse struct {
	Fingerprint string `json:"fingerprint"`
	Result      string `json:"result"`
	Output      []byte `json:"output,omitempty"`
	// Reason is set for invalid, Kind for preparation_failed.
	Reason     string `json:"reason,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	UptimeSeconds int64 `json:"uptime_seconds"`
	host.Stats
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	InFlight      int    `json:"in_flight"`
}
