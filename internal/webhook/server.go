package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// deliveryHeaders are checked in order for an upstream delivery ID to log.
var deliveryHeaders = []string{"X-GitHub-Delivery", "X-Gitea-Delivery", "X-Request-ID"}

// Server accepts signed compile deliveries and hands them to a Submitter.
type Server struct {
	config    Config
	submitter Submitter
	logger    *slog.Logger

	mu     sync.Mutex
	addr   net.Addr
	runCtx context.Context
}

// New returns a server for config. Endpoints without a signature header or
// body limit get the package defaults.
func New(config Config, submitter Submitter, logger *slog.Logger) *Server {
	endpoints := make([]EndpointConfig, len(config.Endpoints))
	for i, ep := range config.Endpoints {
		if ep.MaxBodySize <= 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		if ep.SignatureHeader == "" {
			ep.SignatureHeader = DefaultSignatureHeader
		}
		endpoints[i] = ep
	}
	config.Endpoints = endpoints

	return &Server{
		config:    config,
		submitter: submitter,
		logger:    logger,
		runCtx:    context.Background(),
	}
}

// Addr is the bound listen address once Start is running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start serves until ctx ends. Compiles submitted through the server are
// bounded by ctx as well.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("webhook listen %s: %w", s.config.Listen, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.runCtx = ctx
	s.mu.Unlock()

	srv := &http.Server{
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("webhook server starting", "listen", ln.Addr().String(), "endpoints", len(s.config.Endpoints))

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown: %w", err)
		}
		s.logger.Info("webhook server stopped")
		return ctx.Err()
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("webhook server: %w", err)
	}
}

func (s *Server) setupRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	for _, ep := range s.config.Endpoints {
		r.Post(ep.Path, s.deliveryHandler(ep))
	}
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "use POST")
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		}
		if id := deliveryID(r); id != "" {
			attrs = append(attrs, "delivery_id", id)
		}
		s.logger.Debug("webhook request", attrs...)
	})
}

// deliveryHandler verifies one endpoint's deliveries and queues the body
// as a program.
func (s *Server) deliveryHandler(ep EndpointConfig) http.HandlerFunc {
	logger := s.logger.With("endpoint", ep.Path)
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readLimited(r.Body, ep.MaxBodySize)
		switch {
		case errors.Is(err, errTooLarge):
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		case err != nil:
			logger.Warn("failed to read delivery", "error", err)
			respondError(w, http.StatusBadRequest, "failed to read request body")
			return
		}

		if err := verifySignature(body, r.Header.Get(ep.SignatureHeader), ep.Secret); err != nil {
			logger.Warn("rejected delivery", "header", ep.SignatureHeader, "delivery_id", deliveryID(r))
			respondError(w, http.StatusForbidden, "forbidden")
			return
		}

		program := string(body)
		if strings.TrimSpace(program) == "" {
			respondError(w, http.StatusBadRequest, "empty program")
			return
		}

		s.mu.Lock()
		runCtx := s.runCtx
		s.mu.Unlock()

		runID := s.submitter.Submit(runCtx, program)
		logger.Info("compile queued", "run_id", runID, "bytes", len(body), "delivery_id", deliveryID(r))
		respondJSON(w, http.StatusAccepted, QueuedResponse{RunID: runID, Status: "queued"})
	}
}

var errTooLarge = errors.New("body exceeds limit")

// readLimited reads at most limit bytes and reports errTooLarge past that.
func readLimited(rd io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(rd, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errTooLarge
	}
	return body, nil
}

func deliveryID(r *http.Request) string {
	for _, h := range deliveryHeaders {
		if v := r.Header.Get(h); v != "" {
			return v
		}
	}
	return ""
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
