package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sahab-io/rasid/internal/auth"
	"github.com/sahab-io/rasid/internal/workflow"
)

// Server is the rasid HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and settings for creating a Server.
type Config struct {
	Engine   WorkflowEngine
	Cases    CaseStore
	JWTMgr   *auth.JWTManager
	Timeouts workflow.Timeouts
	Logger   *slog.Logger

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Engine:   cfg.Engine,
		Cases:    cfg.Cases,
		Timeouts: cfg.Timeouts,
		Logger:   cfg.Logger,
		Version:  cfg.Version,
	})

	mux := http.NewServeMux()

	// Workflow lifecycle.
	mux.HandleFunc("POST /workflow/start", h.HandleStartWorkflow)
	mux.HandleFunc("POST /workflow/{id}/signal/{name}", h.HandleSignal)
	mux.HandleFunc("GET /workflow/{id}/status", h.HandleStatus)
	mux.HandleFunc("GET /workflow/{id}/query/{name}", h.HandleQuery)
	mux.HandleFunc("POST /workflow/{id}/cancel", h.HandleCancel)

	// Hard termination skips compensation; operators only.
	operatorOnly := requireRole(auth.RoleOperator)
	mux.Handle("POST /workflow/{id}/terminate", operatorOnly(http.HandlerFunc(h.HandleTerminate)))

	// Bot collaborator surface.
	mux.HandleFunc("POST /messages", h.HandleMessages)
	mux.HandleFunc("GET /cases", h.HandleListCases)
	mux.HandleFunc("GET /cases/{id}", h.HandleGetCase)

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
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
