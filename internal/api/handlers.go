package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mattjoyce/pvfhost/internal/pvf"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		InFlight:      s.host.Stats().InFlight,
	})
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StatusResponse{
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Stats:         s.host.Stats(),
	})
}

// handleMetrics serves the prometheus registry.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.writeError(w, http.StatusNotFound, "metrics are disabled")
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

// handlePrecheck handles POST /v1/precheck.
func (s *Server) handlePrecheck(w http.ResponseWriter, r *http.Request) {
	var req PrecheckRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Code) == 0 {
		s.writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	start := time.Now()
	err := s.host.Precheck(r.Context(), req.Code, req.Params)
	resp := PrecheckResponse{
		Fingerprint: fingerprint(req.Code, req.Params),
		Result:      ResultValid,
		DurationMS:  time.Since(start).Milliseconds(),
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		resp.Result, resp.Kind = ClassifyPrecheck(err)
		if resp.Result == ResultInternal {
			status = internalStatus(err)
		}
	}
	respondJSON(w, status, resp)
}

// handleExecute handles POST /v1/execute.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Code) == 0 {
		s.writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	prio, err := pvf.ParsePriority(req.Priority)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var timeout time.Duration
	if req.Timeout != "" {
		if timeout, err = time.ParseDuration(req.Timeout); err != nil || timeout <= 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid timeout %q", req.Timeout))
			return
		}
	}

	start := time.Now()
	out, err := s.host.Execute(r.Context(), req.Code, timeout, req.Input, prio, req.Params)
	resp := ExecuteResponse{
		Fingerprint: fingerprint(req.Code, req.Params),
		Result:      ResultValid,
		Output:      out,
		DurationMS:  time.Since(start).Milliseconds(),
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		resp.Result, resp.Reason, resp.Kind = ClassifyExecute(err)
		if resp.Result == ResultInternal {
			status = internalStatus(err)
		}
	}
	respondJSON(w, status, resp)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit))
			return false
		}
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// ClassifyPrecheck maps a Precheck error to a result and, for
// preparation_failed, the prepare error kind.
func ClassifyPrecheck(err error) (result, kind string) {
	if err == nil {
		return ResultValid, ""
	}
	var pe *pvf.PrepareError
	if errors.As(err, &pe) && !infraKind(pe.Kind) {
		return ResultPreparationFailed, pe.Kind.String()
	}
	return ResultInternal, ""
}

// ClassifyExecute maps an Execute error to a result, the invalid reason and
// the prepare error kind.
func ClassifyExecute(err error) (result, reason, kind string) {
	if err == nil {
		return ResultValid, "", ""
	}
	var ve *pvf.ValidationError
	if !errors.As(err, &ve) {
		return ResultInternal, "", ""
	}
	switch ve.Kind {
	case pvf.ValidationInvalidCandidate:
		return ResultInvalid, ve.Reason.String(), ""
	case pvf.ValidationPreparation:
		if ve.Prepare == nil {
			return ResultPreparationFailed, "", ""
		}
		if infraKind(ve.Prepare.Kind) {
			return ResultInternal, "", ""
		}
		return ResultPreparationFailed, "", ve.Prepare.Kind.String()
	default:
		return ResultInternal, "", ""
	}
}

func fingerprint(code []byte, params pvf.ExecutorParams) string {
	return pvf.NewPrepJobSpec(code, params, 0, pvf.Compilation).Fingerprint().String()
}

// infraKind reports prepare failures that say nothing about the code.
func infraKind(k pvf.PrepareErrorKind) bool {
	switch k {
	case pvf.PrepareIO, pvf.PrepareJobDied, pvf.PrepareSpawn, pvf.PrepareShutdown:
		return true
	default:
		return false
	}
}

func internalStatus(err error) int {
	if errors.Is(err, pvf.ErrShutdown) || errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
