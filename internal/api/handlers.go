package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mattjoyce/tinyc/internal/history"
	"github.com/mattjoyce/tinyc/internal/pipeline"
)

const maxListLimit = 500

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		ActiveRuns:    int(s.active.Load()),
		MaxConcurrent: s.config.MaxConcurrent,
		Events:        s.events.Stats(),
	})
}

// handleCompile handles POST /compile. The request waits for a free slot,
// then runs synchronously; a client disconnect cancels the run.
func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxProgramBytes)

	var req CompileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "program too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-r.Context().Done():
		s.logger.Info("compile request abandoned while queued")
		return
	}

	s.active.Add(1)
	defer s.active.Add(-1)

	out := s.compiler.Run(r.Context(), pipeline.Request{
		Program:   req.Program,
		SourceDir: s.config.SourceDir,
		Retain:    req.Retain,
	})

	s.logger.Info("compile finished via API", "run_id", out.RunID, "status", out.Status)
	respondJSON(w, http.StatusOK, CompileResponse{Outcome: out, ExitCode: out.ExitCode()})
}

// Submit queues a compile of program and returns its run ID at once. The
// run waits for a slot like any POST /compile and stops when ctx ends.
func (s *Server) Submit(ctx context.Context, program string) string {
	id := uuid.NewString()
	go func() {
		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
		case <-ctx.Done():
			s.logger.Warn("queued compile dropped at shutdown", "run_id", id)
			return
		}

		s.active.Add(1)
		defer s.active.Add(-1)

		out := s.compiler.Run(ctx, pipeline.Request{
			RunID:     id,
			Program:   program,
			SourceDir: s.config.SourceDir,
		})
		s.logger.Info("queued compile finished", "run_id", id, "status", out.Status)
	}()
	return id
}

// handleListRuns handles GET /runs?limit=N.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	runs, err := s.runs.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []history.RunSummary{}
	}
	respondJSON(w, http.StatusOK, RunsResponse{Runs: runs})
}

// handleGetRun handles GET /runs/{runID}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}

	id := chi.URLParam(r, "runID")
	out, err := s.runs.Get(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load run", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	respondJSON(w, http.StatusOK, CompileResponse{Outcome: out, ExitCode: out.ExitCode()})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
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
