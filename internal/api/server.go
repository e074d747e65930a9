package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/taskdock/internal/auth"
	"github.com/mattjoyce/taskdock/internal/events"
	"github.com/mattjoyce/taskdock/internal/protocol"
	"github.com/mattjoyce/taskdock/internal/task"
)

// Dispatcher defines the dispatch operations the API exposes.
type Dispatcher interface {
	Sync(ctx context.Context, payload protocol.Payload, timeout time.Duration, opts ...task.DispatchOption) (any, task.Code)
	Async(ctx context.Context, payload protocol.Payload, opts ...task.DispatchOption) task.Code
}

// ResultStore looks up recorded async outcomes.
type ResultStore interface {
	Get(ctx context.Context, taskID string) (*protocol.Notice, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey grants every scope. With no key and no tokens the API is open.
	APIKey         string
	Tokens         []auth.TokenConfig
	MaxSyncTimeout time.Duration
	WorkerNum      int
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	dispatcher Dispatcher
	results    ResultStore
	events     *events.Hub
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates a new API server instance. results and hub may be nil; the
// routes depending on them then answer 503.
func New(config Config, dispatcher Dispatcher, results ResultStore, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxSyncTimeout <= 0 {
		config.MaxSyncTimeout = time.Minute
	}
	return &Server{
		config:     config,
		dispatcher: dispatcher,
		results:    results,
		events:     hub,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// Sync tasks and event streams hold the response open.
		WriteTimeout: s.config.MaxSyncTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
		return ctx.Err()
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

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeTasksRW)).Post("/tasks/sync", s.handleSync)
		r.With(s.requireScopes(auth.ScopeTasksRW)).Post("/tasks/async", s.handleAsync)
		r.With(s.requireScopes(auth.ScopeTasksRO)).Get("/tasks/{taskID}", s.handleGetTask)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
