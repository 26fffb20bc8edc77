package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/DonTee-Why/logstack/internal/auth"
	"github.com/DonTee-Why/logstack/internal/forward"
	"github.com/DonTee-Why/logstack/internal/health"
	"github.com/DonTee-Why/logstack/internal/masking"
	"github.com/DonTee-Why/logstack/internal/model"
	"github.com/DonTee-Why/logstack/internal/ratelimit"
	"github.com/DonTee-Why/logstack/internal/wal"
)

// Server is the logstack HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and settings for creating a Server.
type ServerConfig struct {
	Registry  *auth.Registry
	Limiter   ratelimit.Limiter
	Masker    *masking.Engine
	Validator *model.Validator
	WAL       *wal.Manager
	Forwarder *forward.Forwarder
	Scheduler *forward.Scheduler
	Checker   *health.Checker
	Logger    *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates an HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Registry:            cfg.Registry,
		Limiter:             cfg.Limiter,
		Masker:              cfg.Masker,
		Validator:           cfg.Validator,
		WAL:                 cfg.WAL,
		Forwarder:           cfg.Forwarder,
		Scheduler:           cfg.Scheduler,
		Checker:             cfg.Checker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Ingestion.
	mux.HandleFunc("POST /v1/logs:ingest", h.HandleIngest)

	// Administration (admin token required, enforced per handler).
	mux.HandleFunc("POST /v1/admin/flush", h.HandleAdminFlush)
	mux.HandleFunc("GET /v1/admin/status", h.HandleAdminStatus)

	// Probes (no auth).
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
