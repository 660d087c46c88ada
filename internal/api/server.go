package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/mattjoyce/pvfhost/internal/auth"
	"github.com/mattjoyce/pvfhost/internal/config"
	"github.com/mattjoyce/pvfhost/internal/events"
	"github.com/mattjoyce/pvfhost/internal/host"
	"github.com/mattjoyce/pvfhost/internal/metrics"
	"github.com/mattjoyce/pvfhost/internal/pvf"
)

// Validator is the part of the validation host the API drives.
type Validator interface {
	Precheck(ctx context.Context, code []byte, params pvf.ExecutorParams) error
	Execute(ctx context.Context, code []byte, timeout time.Duration, input []byte, prio pvf.Priority, params pvf.ExecutorParams) ([]byte, error)
	Stats() host.Stats
}

// Config holds API server configuration
type Config struct {
	Listen string
	// Token is the admin bearer token. With no Token and no Tokens every
	// request is allowed.
	Token  string
	Tokens []auth.TokenConfig

	CORSOrigins []string
	// RateLimit throttles /v1 requests; zero disables it.
	RateLimit rate.Limit
	Burst     int

	MaxBodyBytes int64
}

// ConfigFrom maps the api section of the host config.
func ConfigFrom(c config.APIConfig) Config {
	tokens := make([]auth.TokenConfig, 0, len(c.Tokens))
	for _, t := range c.Tokens {
		tokens = append(tokens, auth.TokenConfig{Name: t.Name, Token: t.Token, Scopes: t.Scopes})
	}
	return Config{
		Listen:       c.Listen,
		Token:        c.Token,
		Tokens:       tokens,
		CORSOrigins:  c.CORSOrigins,
		RateLimit:    rate.Limit(c.RateLimit.RPS),
		Burst:        c.RateLimit.Burst,
		MaxBodyBytes: c.MaxBodyBytes(),
	}
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	host      Validator
	events    *events.Hub
	metrics   *metrics.Metrics
	keys      *auth.Keyring
	limiter   *rate.Limiter
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. hub and m may be nil.
func New(config Config, v Validator, hub *events.Hub, m *metrics.Metrics, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 16 << 20
	}
	s := &Server{
		config:    config,
		host:      v,
		events:    hub,
		metrics:   m,
		keys:      auth.NewKeyring(config.Token, config.Tokens),
		logger:    logger,
		startedAt: time.Now(),
	}
	if config.RateLimit > 0 {
		s.limiter = rate.NewLimiter(config.RateLimit, max(1, config.Burst))
	}
	return s
}

// Handler returns the routed handler, wrapped for CORS when origins are set.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.setupRoutes()
	if len(s.config.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
			MaxAge:         600,
		}).Handler(h)
	}
	return h
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// Execute requests wait for compilation, so writes get a long budget.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeStatus)).Get("/status", s.handleStatus)
		r.With(s.requireScopes(auth.ScopeEvents)).Get("/events", s.handleEvents)
		r.With(s.requireScopes(auth.ScopeMetrics)).Get("/metrics", s.handleMetrics)

		r.Route("/v1", func(r chi.Router) {
			r.Use(s.requireScopes(auth.ScopeValidate))
			r.Use(s.rateLimit)
			r.Post("/precheck", s.handlePrecheck)
			r.Post("/execute", s.handleExecute)
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests and records them in the metrics.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		d := time.Since(start)
		s.metrics.ObserveHTTP(r.Method, route, ww.Status(), d)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", d.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
