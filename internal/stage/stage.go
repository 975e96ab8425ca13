// Package stage implements the discrete steps of a compile: build the tools,
// run the scanner, run the parser, render the parse tree.
//
// Each stage owns its success predicate and artifact contract and reports a
// Result; stages never decide whether the pipeline continues.
package stage

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/mattjoyce/tinyc/internal/invoke"
	"github.com/mattjoyce/tinyc/internal/workspace"
)

// Stage names, in pipeline order.
const (
	NameBuild   = "build"
	NameScanner = "scanner"
	NameParser  = "parser"
	NameRender  = "render"
)

// Fixed artifact names the tools must honour.
const (
	ScannerBinary    = "scanner"
	ParserBinary     = "parser"
	TokenListing     = "tokens.txt"
	GraphDescription = "tree.dot"
	ImageBase        = "tree"
)

// ImageName returns the rendered image file name for format (png, svg, ...).
func ImageName(format string) string {
	if format == "" {
		format = "png"
	}
	return ImageBase + "." + format
}

// Stage is one step of the pipeline.
type Stage interface {
	Name() string
	Run(ctx context.Context, ws workspace.Workspace) Result
}

// ArtifactCheck records whether a contract file was found after a stage ran.
type ArtifactCheck struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Found    bool   `json:"found"`
	Required bool   `json:"required"`
}

// Result is the record of one stage execution. Err is nil on success.
type Result struct {
	Stage     string          `json:"stage"`
	Processes []invoke.Result `json:"processes,omitempty"`
	Artifacts []ArtifactCheck `json:"artifacts,omitempty"`
	Skipped   bool            `json:"skipped,omitempty"`
	Notes     []string        `json:"notes,omitempty"`
	Err       error           `json:"-"`
	Error     string          `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration_ns"`
}

// Succeeded reports whether the stage met its success predicate. A skipped
// stage counts as succeeded.
func (r Result) Succeeded() bool { return r.Err == nil }

// Artifact returns the check for name.
func (r Result) Artifact(name string) (ArtifactCheck, bool) {
	for _, a := range r.Artifacts {
		if a.Name == name {
			return a, true
		}
	}
	return ArtifactCheck{}, false
}

// Canceled reports whether the stage was interrupted by the caller.
func (r Result) Canceled() bool {
	var canceled *invoke.CanceledError
	return errors.As(r.Err, &canceled) || errors.Is(r.Err, context.Canceled)
}

type recorder struct {
	res   Result
	start time.Time
}

func begin(name string) *recorder {
	now := time.Now()
	return &recorder{res: Result{Stage: name, StartedAt: now.UTC()}, start: now}
}

func (r *recorder) process(p invoke.Result) {
	r.res.Processes = append(r.res.Processes, p)
}

// processFromErr keeps the partial capture carried by timeout/cancel errors.
func (r *recorder) processFromErr(err error) {
	var timeoutErr *invoke.TimeoutError
	if errors.As(err, &timeoutErr) {
		r.process(timeoutErr.Result)
		return
	}
	var canceledErr *invoke.CanceledError
	if errors.As(err, &canceledErr) {
		r.process(canceledErr.Result)
	}
}

func (r *recorder) note(msg string) {
	r.res.Notes = append(r.res.Notes, msg)
}

func (r *recorder) check(ws workspace.Workspace, name string, required bool) bool {
	path := ws.Path(name)
	found := fileExists(path)
	r.res.Artifacts = append(r.res.Artifacts, ArtifactCheck{
		Name:     name,
		Path:     path,
		Found:    found,
		Required: required,
	})
	return found
}

func (r *recorder) skip(reason string) Result {
	r.res.Skipped = true
	r.note(reason)
	return r.done()
}

func (r *recorder) fail(err error) Result {
	r.res.Err = err
	if err != nil {
		r.res.Error = err.Error()
	}
	return r.done()
}

func (r *recorder) done() Result {
	r.res.Duration = time.Since(r.start)
	return r.res
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
