// Package pipeline sequences the compile stages over one disposable workspace
// and folds their results into a single Outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/tinyc/internal/bundle"
	"github.com/mattjoyce/tinyc/internal/events"
	"github.com/mattjoyce/tinyc/internal/invoke"
	"github.com/mattjoyce/tinyc/internal/log"
	"github.com/mattjoyce/tinyc/internal/stage"
	"github.com/mattjoyce/tinyc/internal/workspace"
)

// Toolchain configures the default stages.
type Toolchain struct {
	Build          stage.BuildOptions
	ScannerTimeout time.Duration
	ParserTimeout  time.Duration
	Render         stage.RenderOptions
}

// ArtifactSpec names an output collected after a run.
type ArtifactSpec struct {
	Name  string
	Stage string
	// Text artifacts have their content copied into the outcome.
	Text bool
}

// Plan is the ordered stage list and the artifacts it produces.
type Plan struct {
	Stages    []stage.Stage
	Artifacts []ArtifactSpec
}

// DefaultPlan returns build, scanner, parser, render in that order.
func DefaultPlan(runner invoke.Runner, tc Toolchain) Plan {
	render := stage.NewRender(runner, tc.Render)
	return Plan{
		Stages: []stage.Stage{
			stage.NewBuild(runner, tc.Build),
			stage.NewScanner(runner, tc.ScannerTimeout),
			stage.NewParser(runner, tc.ParserTimeout),
			render,
		},
		Artifacts: []ArtifactSpec{
			{Name: stage.TokenListing, Stage: stage.NameScanner, Text: true},
			{Name: stage.GraphDescription, Stage: stage.NameParser, Text: true},
			{Name: render.Image(), Stage: stage.NameRender},
		},
	}
}

// Recorder persists finished outcomes.
type Recorder interface {
	Record(ctx context.Context, o Outcome) error
}

// Request is one compile of a program against a source directory.
type Request struct {
	Program   string
	SourceDir string
	// Retain keeps the workspace after a finished run. Cancelled runs are
	// always torn down.
	Retain bool
	// OutDir, when set, receives copies of every present artifact.
	OutDir string
	// RunID preassigns the run ID; one is generated when empty.
	RunID string
}

// Controller runs compile requests. It is safe for concurrent use; every run
// gets its own workspace.
type Controller struct {
	bundle     bundle.Bundle
	workspaces workspace.Manager
	plan       Plan
	publisher  events.Publisher
	recorder   Recorder
	newRunID   func() string
}

// Option customises a Controller.
type Option func(*Controller)

func WithBundle(b bundle.Bundle) Option {
	return func(c *Controller) { c.bundle = b }
}

func WithPublisher(p events.Publisher) Option {
	return func(c *Controller) {
		if p != nil {
			c.publisher = p
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithRunIDs overrides run ID generation.
func WithRunIDs(fn func() string) Option {
	return func(c *Controller) { c.newRunID = fn }
}

func New(workspaces workspace.Manager, plan Plan, opts ...Option) *Controller {
	c := &Controller{
		bundle:     bundle.Default(),
		workspaces: workspaces,
		plan:       plan,
		publisher:  events.Discard,
		newRunID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Plan returns the controller's stage plan.
func (c *Controller) Plan() Plan { return c.plan }

var stageMessages = map[string]string{
	stage.NameBuild:   "compiling scanner and parser",
	stage.NameScanner: "running scanner",
	stage.NameParser:  "running parser",
	stage.NameRender:  "rendering parse tree",
}

// run is the mutable state of one Controller.Run call.
type run struct {
	c      *Controller
	out    Outcome
	state  State
	logger *slog.Logger
}

// Run executes the full pipeline and returns its outcome. It never returns
// early without an outcome; failures are described by Outcome.Reason.
func (c *Controller) Run(ctx context.Context, req Request) Outcome {
	id := req.RunID
	if id == "" {
		id = c.newRunID()
	}
	r := &run{
		c:      c,
		state:  StateInit,
		logger: log.WithRun(id).With("component", "pipeline"),
		out: Outcome{
			RunID:      id,
			SourceDir:  req.SourceDir,
			Status:     StatusSucceeded,
			FinalState: StateInit,
			StartedAt:  time.Now().UTC(),
		},
	}

	r.logger.Info("run started", "source_dir", req.SourceDir)
	c.publisher.Publish(id, events.RunStarted, map[string]string{"source_dir": req.SourceDir})

	r.execute(ctx, req)

	r.out.FinalState = r.state
	r.out.FinishedAt = time.Now().UTC()
	if r.out.Reason != nil {
		r.out.Error = r.out.Reason.Error()
	}
	r.enter(StateDone)

	if c.recorder != nil {
		if err := c.recorder.Record(context.WithoutCancel(ctx), r.out); err != nil {
			r.logger.Error("failed to record run", "error", err)
		}
	}

	r.logger.Info("run finished",
		"status", r.out.Status,
		"state", r.out.FinalState,
		"failed_stage", r.out.FailedStage,
		"kind", r.out.Kind,
		"duration", r.out.FinishedAt.Sub(r.out.StartedAt),
	)
	c.publisher.Publish(id, events.RunFinished, summaryOf(r.out))
	return r.out
}

func (r *run) execute(ctx context.Context, req Request) {
	c := r.c

	report := c.bundle.Check(req.SourceDir)
	r.out.BundleFingerprint = report.Fingerprint
	if missing := report.MissingRequired(c.bundle); len(missing) > 0 {
		r.fail(StagePreflight, &bundle.MissingFilesError{SourceDir: req.SourceDir, Names: missing})
		return
	}

	ws, err := c.workspaces.Create(ctx, r.out.RunID)
	if err != nil {
		if ctx.Err() == nil {
			err = &workspace.StagingError{File: r.out.RunID, Err: err}
		}
		r.fail(StageStaging, err)
		return
	}
	r.out.Workspace = ws.Dir

	canceled := false
	defer func() {
		retain := req.Retain && !canceled
		if err := c.workspaces.Release(ws, retain); err != nil {
			r.logger.Warn("failed to release workspace", "dir", ws.Dir, "error", err)
			return
		}
		r.out.Retained = retain
		if !retain {
			r.out.Workspace = ""
		}
	}()

	if err := c.workspaces.Stage(ctx, ws, report.Present, req.Program); err != nil {
		canceled = ctx.Err() != nil
		r.fail(StageStaging, err)
		return
	}
	r.enter(StateStaged)

	for _, s := range c.plan.Stages {
		if ctx.Err() != nil {
			canceled = true
			r.fail(s.Name(), fmt.Errorf("run cancelled before %s: %w", s.Name(), ctx.Err()))
			return
		}

		res := r.runStage(ctx, s, ws)
		r.out.Trail = append(r.out.Trail, res)

		if res.Err == nil {
			next, err := afterStage(s.Name(), res)
			if err != nil {
				r.logger.Debug("stage does not move the state machine", "stage", s.Name())
				continue
			}
			r.enter(next)
			continue
		}

		if res.Canceled() || ctx.Err() != nil {
			canceled = true
			r.fail(s.Name(), res.Err)
			return
		}

		var renderErr *stage.RenderFailure
		if errors.As(res.Err, &renderErr) {
			r.enter(StatePartiallyRendered)
			r.out.Status = StatusPartial
			r.out.FailedStage = s.Name()
			r.out.Reason = res.Err
			r.out.Kind = Classify(res.Err)
			break
		}

		r.fail(s.Name(), res.Err)
		break
	}

	// A plan without a render stage ends after parsing.
	if r.state == StateParsed {
		r.enter(StatePartiallyRendered)
	}

	r.out.Artifacts = collectArtifacts(ws, c.plan.Artifacts, r.out)
	if req.OutDir != "" {
		if err := exportArtifacts(req.OutDir, r.out.Artifacts); err != nil {
			r.logger.Error("failed to export artifacts", "out_dir", req.OutDir, "error", err)
		}
	}
}

func (r *run) runStage(ctx context.Context, s stage.Stage, ws workspace.Workspace) stage.Result {
	id := r.out.RunID
	name := s.Name()

	msg := stageMessages[name]
	if msg == "" {
		msg = "running " + name
	}
	logger := log.WithStage(id, name).With("component", "pipeline")
	logger.Info(msg)
	r.c.publisher.Publish(id, events.StageStarted, events.StagePayload{Stage: name})

	res := s.Run(ctx, ws)

	for _, p := range res.Processes {
		logger.Debug("process finished",
			"command", p.CommandLine(),
			"exit_code", p.ExitCode,
			"duration", p.Duration,
			"stdout", p.Stdout,
			"stderr", p.Stderr,
		)
	}

	payload := events.StagePayload{
		Stage:    name,
		OK:       res.Err == nil,
		Skipped:  res.Skipped,
		Duration: res.Duration,
	}
	if res.Err != nil {
		payload.Error = res.Err.Error()
		logger.Warn("stage failed", "error", res.Err, "kind", Classify(res.Err))
	} else if res.Skipped {
		logger.Info("stage skipped", "notes", res.Notes)
	}
	r.c.publisher.Publish(id, events.StageFinished, payload)
	return res
}

func (r *run) fail(stageName string, err error) {
	r.enter(StateFailed)
	r.out.Status = StatusFailed
	r.out.FailedStage = stageName
	r.out.Reason = err
	r.out.Kind = Classify(err)
}

func (r *run) enter(next State) {
	if !CanTransition(r.state, next) {
		r.logger.Error("illegal state transition", "from", r.state, "to", next)
	}
	prev := r.state
	r.state = next
	r.c.publisher.Publish(r.out.RunID, events.StateChanged, events.StatePayload{From: string(prev), To: string(next)})
}

// Summary is the run.finished event payload.
type Summary struct {
	RunID       string `json:"run_id"`
	Status      Status `json:"status"`
	FinalState  State  `json:"final_state"`
	FailedStage string `json:"failed_stage,omitempty"`
	Kind        Kind   `json:"kind,omitempty"`
	Error       string `json:"error,omitempty"`
	ExitCode    int    `json:"exit_code"`
}

func summaryOf(o Outcome) Summary {
	return Summary{
		RunID:       o.RunID,
		Status:      o.Status,
		FinalState:  o.FinalState,
		FailedStage: o.FailedStage,
		Kind:        o.Kind,
		Error:       o.ReasonText(),
		ExitCode:    o.ExitCode(),
	}
}
