package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/pkg/config"
	"github.com/helpdeskops/triage/pkg/engine"
	"github.com/helpdeskops/triage/pkg/middleware"
	"github.com/helpdeskops/triage/pkg/observability"
	"github.com/helpdeskops/triage/pkg/openapi"
)

// Service is the HTTP API serving the resolution flows.
type Service interface {
	// Start starts the API server.
	Start(ctx context.Context) error

	// Stop stops the API server.
	Stop(ctx context.Context) error

	// URL returns the base URL of the running server.
	URL() string
}

// apiService implements the Service interface.
type apiService struct {
	log    logrus.FieldLogger
	cfg    config.ServerConfig
	engine *engine.Engine
	router chi.Router
	server *http.Server

	authenticator Authenticator
	rateLimiter   *middleware.RateLimiter

	mu      sync.RWMutex
	started bool
	addr    string
}

// Compile-time interface check.
var _ Service = (*apiService)(nil)

// New creates the HTTP API service.
func New(log *logrus.Logger, cfg *config.Config, eng *engine.Engine) (Service, error) {
	s := &apiService{
		log:    log.WithField("component", "service"),
		cfg:    cfg.Server,
		engine: eng,
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.JWKSURL == "" {
			return nil, fmt.Errorf("auth.jwks_url is required when auth is enabled")
		}

		validator := NewJWTValidator(log, cfg.Auth)
		s.authenticator = NewJWTAuthenticator(log, validator)
	}

	if cfg.RateLimit.Enabled {
		s.rateLimiter = middleware.NewRateLimiter(log, cfg.RateLimit)
	}

	s.router = s.buildRouter(log)

	return s, nil
}

// buildRouter assembles the route table and middleware chain.
func (s *apiService) buildRouter(log *logrus.Logger) chi.Router {
	r := chi.NewRouter()

	logging := observability.NewLoggingMiddleware(log)
	r.Use(logging.Middleware())
	r.Use(metricsMiddleware)
	r.Use(s.recoverMiddleware)

	// Operational endpoints, no auth or rate limiting.
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Resolution flow endpoints.
	s.route(r, http.MethodPost, "/diagnostic/chat", s.handleDiagnose)
	s.route(r, http.MethodPost, "/troubleshooting/analyze", s.handleAnalyze)
	s.route(r, http.MethodPost, "/troubleshooting/confirm", s.handleConfirm)
	s.route(r, http.MethodPost, "/runbook/fetch-output", s.handleFetchOutput)

	// API documentation (OpenAPI spec + Swagger UI) as the fallback routes.
	r.Mount("/", openapi.Handler())

	return r
}

// route registers a flow handler behind the optional rate-limit and auth
// middlewares.
func (s *apiService) route(r chi.Router, method, pattern string, h http.HandlerFunc) {
	handler := http.Handler(h)

	// Authentication (innermost).
	if s.authenticator != nil {
		handler = s.authenticator.Middleware()(handler)
	}

	// Rate limiting.
	if s.rateLimiter != nil {
		handler = s.rateLimiter.Middleware(pattern)(handler)
	}

	r.Method(method, pattern, handler)
}

// recoverMiddleware converts handler panics into generic 500 responses.
func (s *apiService) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				observability.RequestScopedLogger(s.log, r.Context()).WithFields(logrus.Fields{
					"panic": rec,
					"stack": string(debug.Stack()),
				}).Error("Panic recovered in HTTP handler")

				writeError(w, http.StatusInternalServerError, "Internal server error", "internal error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request counts and latencies per route.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}

		observability.RequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		observability.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// statusRecorder captures the response status code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Start starts the API server.
func (s *apiService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("service already started")
	}

	// Start authenticator (JWKS fetch + refresh loop).
	if s.authenticator != nil {
		if err := s.authenticator.Start(ctx); err != nil {
			return fmt.Errorf("starting authenticator: %w", err)
		}
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	// Create listener first to detect port conflicts immediately.
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding to %s: %w", addr, err)
	}

	s.addr = listener.Addr().String()

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.log.WithField("addr", s.addr).Info("Starting HTTP API server")

	// Serve in background with the already-bound listener.
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP API server error")
		}
	}()

	s.started = true

	return nil
}

// Stop gracefully stops the API server.
func (s *apiService) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	if s.authenticator != nil {
		if err := s.authenticator.Stop(); err != nil {
			s.log.WithError(err).Warn("Error stopping authenticator")
		}
	}

	if s.rateLimiter != nil {
		if err := s.rateLimiter.Close(); err != nil {
			s.log.WithError(err).Warn("Error stopping rate limiter")
		}
	}

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
	}

	s.started = false
	s.log.Info("HTTP API server stopped")

	return nil
}

// URL returns the base URL of the running server.
func (s *apiService) URL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	port := strconv.Itoa(s.cfg.Port)
	if _, p, err := net.SplitHostPort(s.addr); err == nil && p != "" {
		port = p
	}

	return fmt.Sprintf("http://localhost:%s", port)
}
