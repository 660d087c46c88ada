package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pvfhost/internal/auth"
	"github.com/mattjoyce/pvfhost/internal/events"
	"github.com/mattjoyce/pvfhost/internal/host"
	"github.com/mattjoyce/pvfhost/internal/metrics"
	"github.com/mattjoyce/pvfhost/internal/pvf"
)

// mockValidator implements Validator for testing
type mockValidator struct {
	precheckFunc func(ctx context.Context, code []byte, params pvf.ExecutorParams) error
	executeFunc  func(ctx context.Context, code []byte, timeout time.Duration, input []byte, prio pvf.Priority, params pvf.ExecutorParams) ([]byte, error)
	stats        host.Stats
}

func (m *mockValidator) Precheck(ctx context.Context, code []byte, params pvf.ExecutorParams) error {
	if m.precheckFunc == nil {
		return nil
	}
	return m.precheckFunc(ctx, code, params)
}

func (m *mockValidator) Execute(ctx context.Context, code []byte, timeout time.Duration, input []byte, prio pvf.Priority, params pvf.ExecutorParams) ([]byte, error) {
	if m.executeFunc == nil {
		return input, nil
	}
	return m.executeFunc(ctx, code, timeout, input, prio, params)
}

func (m *mockValidator) Stats() host.Stats { return m.stats }

func newTestServer(cfg Config, v Validator, hub *events.Hub, m *metrics.Metrics) *Server {
	return New(cfg, v, hub, m, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func do(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthzNeedsNoToken(t *testing.T) {
	s := newTestServer(Config{Token: "secret"}, &mockValidator{stats: host.Stats{InFlight: 2}}, nil, nil)

	rec := do(t, s, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[HealthzResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.InFlight)
}

func TestScopes(t *testing.T) {
	cfg := Config{
		Token:  "admin",
		Tokens: []auth.TokenConfig{{Token: "reader", Scopes: []string{auth.ScopeStatus}}},
	}
	s := newTestServer(cfg, &mockValidator{}, events.NewHub(8), metrics.New())
	body := PrecheckRequest{Code: []byte("x")}

	tests := []struct {
		name, method, path, token string
		want                      int
	}{
		{"no token", http.MethodGet, "/status", "", http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/status", "guess", http.StatusUnauthorized},
		{"reader status", http.MethodGet, "/status", "reader", http.StatusOK},
		{"reader metrics", http.MethodGet, "/metrics", "reader", http.StatusForbidden},
		{"reader precheck", http.MethodPost, "/v1/precheck", "reader", http.StatusForbidden},
		{"admin precheck", http.MethodPost, "/v1/precheck", "admin", http.StatusOK},
		{"admin metrics", http.MethodGet, "/metrics", "admin", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b any
			if tt.method == http.MethodPost {
				b = body
			}
			rec := do(t, s, tt.method, tt.path, tt.token, b)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestPrecheckResults(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantResult string
		wantKind   string
	}{
		{"valid", nil, http.StatusOK, ResultValid, ""},
		{"timed out", pvf.NewPrepareError(pvf.PrepareTimedOut, "killed"), http.StatusOK, ResultPreparationFailed, "timed_out"},
		{"out of memory", pvf.ErrOutOfMemory, http.StatusOK, ResultPreparationFailed, "out_of_memory"},
		{"spawn is infra", pvf.NewPrepareError(pvf.PrepareSpawn, "no binary"), http.StatusInternalServerError, ResultInternal, ""},
		{"shutdown", &pvf.PrepareError{Kind: pvf.PrepareShutdown}, http.StatusServiceUnavailable, ResultInternal, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotCode []byte
			v := &mockValidator{precheckFunc: func(_ context.Context, code []byte, _ pvf.ExecutorParams) error {
				gotCode = code
				return tt.err
			}}
			s := newTestServer(Config{}, v, nil, nil)

			rec := do(t, s, http.MethodPost, "/v1/precheck", "", PrecheckRequest{Code: []byte("run:\n  op: echo\n")})
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			resp := decodeBody[PrecheckResponse](t, rec)
			assert.Equal(t, tt.wantResult, resp.Result)
			assert.Equal(t, tt.wantKind, resp.Kind)
			assert.Equal(t, "run:\n  op: echo\n", string(gotCode))
			assert.Equal(t, fingerprint(gotCode, pvf.ExecutorParams{}), resp.Fingerprint)
		})
	}
}

func TestExecuteResults(t *testing.T) {
	tests := []struct {
		name       string
		out        []byte
		err        error
		wantStatus int
		wantResult string
		wantReason string
		wantKind   string
	}{
		{"valid", []byte("out"), nil, http.StatusOK, ResultValid, "", ""},
		{"hard timeout", nil, pvf.InvalidCandidate(pvf.HardTimeout, "2s"), http.StatusOK, ResultInvalid, "hard_timeout", ""},
		{"trap", nil, pvf.ErrWorkerReportedInvalid, http.StatusOK, ResultInvalid, "worker_reported_invalid", ""},
		{"prepare failed", nil, pvf.PreparationFailed(pvf.ErrPrevalidation), http.StatusOK, ResultPreparationFailed, "", "prevalidation"},
		{"prepare timed out", nil, pvf.PreparationFailed(pvf.NewPrepareError(pvf.PrepareTimedOut, "killed")), http.StatusOK, ResultPreparationFailed, "", "timed_out"},
		{"prepare spawn is infra", nil, pvf.PreparationFailed(pvf.NewPrepareError(pvf.PrepareSpawn, "no binary")), http.StatusInternalServerError, ResultInternal, "", ""},
		{"prepare job died is infra", nil, pvf.PreparationFailed(pvf.NewPrepareError(pvf.PrepareJobDied, "signal 9")), http.StatusInternalServerError, ResultInternal, "", ""},
		{"prepare io is infra", nil, pvf.PreparationFailed(pvf.NewPrepareError(pvf.PrepareIO, "disk full")), http.StatusInternalServerError, ResultInternal, "", ""},
		{"prepare shutdown", nil, pvf.PreparationFailed(&pvf.PrepareError{Kind: pvf.PrepareShutdown}), http.StatusServiceUnavailable, ResultInternal, "", ""},
		{"internal", nil, pvf.Internal("execute", io.ErrUnexpectedEOF), http.StatusInternalServerError, ResultInternal, "", ""},
		{"shutdown", nil, pvf.Internal("execute", pvf.ErrShutdown), http.StatusServiceUnavailable, ResultInternal, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &mockValidator{executeFunc: func(context.Context, []byte, time.Duration, []byte, pvf.Priority, pvf.ExecutorParams) ([]byte, error) {
				return tt.out, tt.err
			}}
			s := newTestServer(Config{}, v, nil, nil)

			rec := do(t, s, http.MethodPost, "/v1/execute", "", ExecuteRequest{Code: []byte("c")})
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			resp := decodeBody[ExecuteResponse](t, rec)
			assert.Equal(t, tt.wantResult, resp.Result)
			assert.Equal(t, tt.wantReason, resp.Reason)
			assert.Equal(t, tt.wantKind, resp.Kind)
			assert.Equal(t, tt.out, resp.Output)
		})
	}
}

func TestExecutePassesRequestFields(t *testing.T) {
	var (
		gotTimeout time.Duration
		gotPrio    pvf.Priority
		gotParams  pvf.ExecutorParams
	)
	v := &mockValidator{executeFunc: func(_ context.Context, _ []byte, timeout time.Duration, input []byte, prio pvf.Priority, params pvf.ExecutorParams) ([]byte, error) {
		gotTimeout, gotPrio, gotParams = timeout, prio, params
		return input, nil
	}}
	s := newTestServer(Config{}, v, nil, nil)

	rec := do(t, s, http.MethodPost, "/v1/execute", "", ExecuteRequest{
		Code:     []byte("c"),
		Input:    []byte("payload"),
		Timeout:  "750ms",
		Priority: "critical",
		Params:   pvf.ExecutorParams{StackLogicalMax: 64},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []byte("payload"), decodeBody[ExecuteResponse](t, rec).Output)
	assert.Equal(t, 750*time.Millisecond, gotTimeout)
	assert.Equal(t, pvf.PriorityCritical, gotPrio)
	assert.Equal(t, uint32(64), gotParams.StackLogicalMax)
}

func TestBadRequests(t *testing.T) {
	s := newTestServer(Config{MaxBodyBytes: 64}, &mockValidator{}, nil, nil)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"not json", "/v1/precheck", "{", http.StatusBadRequest},
		{"unknown field", "/v1/precheck", `{"code":"eA==","extra":1}`, http.StatusBadRequest},
		{"missing code", "/v1/execute", `{}`, http.StatusBadRequest},
		{"bad priority", "/v1/execute", `{"code":"eA==","priority":"urgent"}`, http.StatusBadRequest},
		{"bad timeout", "/v1/execute", `{"code":"eA==","timeout":"soon"}`, http.StatusBadRequest},
		{"too large", "/v1/precheck", `{"code":"` + strings.Repeat("A", 128) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(Config{RateLimit: 0.001, Burst: 2}, &mockValidator{}, nil, nil)
	h := s.Handler()

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodPost, "/v1/precheck", strings.NewReader(`{"code":"eA=="}`))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// Read endpoints are not throttled.
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/status", "", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(Config{CORSOrigins: []string{"http://localhost:3000"}}, &mockValidator{}, nil, nil)

	req := httptest.NewRequest(http.MethodOptions, "/v1/execute", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/v1/execute", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusAndMetrics(t *testing.T) {
	m := metrics.New()
	stats := host.Stats{Artifacts: map[string]int{"ready": 3}, InFlight: 1}
	s := newTestServer(Config{}, &mockValidator{stats: stats}, nil, m)

	rec := do(t, s, http.MethodGet, "/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Contains(t, raw, "uptime_seconds")
	assert.Equal(t, float64(3), raw["artifacts"].(map[string]any)["ready"])

	rec = do(t, s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `route="/status"`, "earlier request is recorded")

	disabled := newTestServer(Config{}, &mockValidator{}, nil, nil)
	assert.Equal(t, http.StatusNotFound, do(t, disabled, http.MethodGet, "/metrics", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, disabled, http.MethodGet, "/events", "", nil).Code)
}

func TestEventsStream(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.PrepareQueued, map[string]string{"job_id": "old"})
	hub.Publish(events.WorkerSpawned, map[string]string{"kind": "prepare"})
	s := newTestServer(Config{}, &mockValidator{}, hub, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?type=worker", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	hub.Publish(events.ArtifactReady, nil)
	hub.Publish(events.WorkerRetired, map[string]string{"reason": "evicted"})

	var got []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() && len(got) < 2 {
		if typ, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			got = append(got, typ)
		}
	}
	assert.Equal(t, []string{events.WorkerSpawned, events.WorkerRetired}, got)
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("-3"))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}
