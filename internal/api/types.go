package api

import (
	"github.com/mattjoyce/tinyc/internal/events"
	"github.com/mattjoyce/tinyc/internal/history"
	"github.com/mattjoyce/tinyc/internal/pipeline"
)

// CompileRequest is the JSON body for POST /compile.
type CompileRequest struct {
	Program string `json:"program"`
	Retain  bool   `json:"retain,omitempty"`
}

// CompileResponse is the outcome of a compile plus the exit code the CLI
// would have returned.
type CompileResponse struct {
	pipeline.Outcome
	ExitCode int `json:"exit_code"`
}

// RunsResponse is returned by GET /runs.
type RunsResponse struct {
	Runs []history.RunSummary `json:"runs"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ActiveRuns    int    `json:"active_runs"`
	MaxConcurrent int    `json:"max_concurrent"`

	Events events.Stats `json:"events"`
}
