package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/tinyc/internal/auth"
	"github.com/mattjoyce/tinyc/internal/events"
	"github.com/mattjoyce/tinyc/internal/history"
	"github.com/mattjoyce/tinyc/internal/pipeline"
)

// Compiler runs one compile to completion.
type Compiler interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Outcome
}

// RunStore is the read side of the run history.
type RunStore interface {
	List(ctx context.Context, limit int) ([]history.RunSummary, error)
	Get(ctx context.Context, id string) (pipeline.Outcome, error)
}

// EventSource feeds GET /events.
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
	Stats() events.Stats
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the admin bearer token. With no APIKey and no Tokens the
	// API is open.
	APIKey string
	Tokens []auth.Token
	// MaxConcurrent bounds the compiles running at once; further requests
	// wait for a slot.
	MaxConcurrent int
	// SourceDir is the tool source bundle every compile uses.
	SourceDir       string
	MaxProgramBytes int64
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	compiler  Compiler
	runs      RunStore
	events    EventSource
	logger    *slog.Logger
	keys      *auth.Keyring
	server    *http.Server
	startedAt time.Time
	slots     chan struct{}
	active    atomic.Int32
}

// New creates a new API server instance. runs may be nil when history is
// disabled.
func New(config Config, compiler Compiler, runs RunStore, evs EventSource, logger *slog.Logger) *Server {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 2
	}
	if config.MaxProgramBytes <= 0 {
		config.MaxProgramBytes = 1 << 20
	}
	return &Server{
		config:    config,
		compiler:  compiler,
		runs:      runs,
		events:    evs,
		logger:    logger,
		keys:      auth.NewKeyring(config.APIKey, config.Tokens),
		startedAt: time.Now(),
		slots:     make(chan struct{}, config.MaxConcurrent),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// Compiles are synchronous; SSE streams are long-lived.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
		// Shutdown ends event streams and in-flight compiles.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "max_concurrent", s.config.MaxConcurrent)

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

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeCompile)).Post("/compile", s.handleCompile)
		r.With(s.requireScopes(auth.ScopeRunsRO)).Get("/runs", s.handleListRuns)
		r.With(s.requireScopes(auth.ScopeRunsRO)).Get("/runs/{runID}", s.handleGetRun)
		r.With(s.requireScopes(auth.ScopeEvents)).Get("/events", s.handleEvents)
	})

	return r
}

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
