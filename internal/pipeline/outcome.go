package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/mattjoyce/tinyc/internal/bundle"
	"github.com/mattjoyce/tinyc/internal/invoke"
	"github.com/mattjoyce/tinyc/internal/stage"
	"github.com/mattjoyce/tinyc/internal/workspace"
)

// StagePreflight and StageStaging name the controller's own steps when they
// are the point of failure.
const (
	StagePreflight = "preflight"
	StageStaging   = "staging"
)

// Status is the overall verdict of a run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	// StatusPartial means rendering failed after scan and parse succeeded.
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Kind is a stable classification of a failure reason.
type Kind string

const (
	KindNone            Kind = ""
	KindMissingFiles    Kind = "missing_files"
	KindStaging         Kind = "staging"
	KindSpawn           Kind = "spawn"
	KindTimeout         Kind = "timeout"
	KindCanceled        Kind = "canceled"
	KindBuildFailure    Kind = "build_failure"
	KindArtifactMissing Kind = "artifact_missing"
	KindToolFailure     Kind = "tool_failure"
	KindRenderFailure   Kind = "render_failure"
	KindInternal        Kind = "internal"
)

// Classify maps err onto the failure taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	var (
		canceled     *invoke.CanceledError
		render       *stage.RenderFailure
		build        *stage.BuildFailure
		missingFiles *bundle.MissingFilesError
		staging      *workspace.StagingError
		timeout      *invoke.TimeoutError
		spawn        *invoke.SpawnError
		artifact     *stage.ArtifactMissing
		tool         *stage.ToolFailure
	)
	switch {
	case errors.As(err, &canceled), errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &spawn):
		return KindSpawn
	case errors.As(err, &render):
		return KindRenderFailure
	case errors.As(err, &build):
		return KindBuildFailure
	case errors.As(err, &missingFiles):
		return KindMissingFiles
	case errors.As(err, &staging):
		return KindStaging
	case errors.As(err, &artifact):
		return KindArtifactMissing
	case errors.As(err, &tool):
		return KindToolFailure
	default:
		return KindInternal
	}
}

// Artifact is one output file of a run as seen when the run finished.
type Artifact struct {
	Name  string `json:"name"`
	Stage string `json:"stage"`
	// Path is the location inside the workspace; it stays valid only when the
	// workspace was retained.
	Path    string `json:"path"`
	Present bool   `json:"present"`
	Size    int64  `json:"size,omitempty"`
	Digest  string `json:"digest,omitempty"`
	// Content is kept for text artifacts so it survives workspace teardown.
	Content string `json:"content,omitempty"`
	// Truncated is set when Content holds only the start of the file.
	Truncated    bool   `json:"truncated,omitempty"`
	ExportedPath string `json:"exported_path,omitempty"`
	// Failed marks an artifact whose producing stage failed.
	Failed bool `json:"failed,omitempty"`
}

// Outcome is the terminal, immutable record of one run.
type Outcome struct {
	RunID             string         `json:"run_id"`
	Trail             []stage.Result `json:"trail"`
	Status            Status         `json:"status"`
	FailedStage       string         `json:"failed_stage,omitempty"`
	Reason            error          `json:"-"`
	Error             string         `json:"error,omitempty"`
	Kind              Kind           `json:"kind,omitempty"`
	FinalState        State          `json:"final_state"`
	Artifacts         []Artifact     `json:"artifacts,omitempty"`
	SourceDir         string         `json:"source_dir,omitempty"`
	Workspace         string         `json:"workspace,omitempty"`
	Retained          bool           `json:"retained"`
	BundleFingerprint string         `json:"bundle_fingerprint,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
	FinishedAt        time.Time      `json:"finished_at"`
}

// Succeeded reports whether the run produced a usable result, with or without
// an image.
func (o Outcome) Succeeded() bool { return o.Status == StatusSucceeded }

// ReasonText returns the failure reason as a string.
func (o Outcome) ReasonText() string {
	if o.Reason == nil {
		return o.Error
	}
	return o.Reason.Error()
}

// Artifact returns the named artifact.
func (o Outcome) Artifact(name string) (Artifact, bool) {
	for _, a := range o.Artifacts {
		if a.Name == name {
			return a, true
		}
	}
	return Artifact{}, false
}

// StageResult returns the trail entry for name.
func (o Outcome) StageResult(name string) (stage.Result, bool) {
	for _, r := range o.Trail {
		if r.Stage == name {
			return r, true
		}
	}
	return stage.Result{}, false
}

// Exit codes of the compile command.
const (
	ExitOK       = 0
	ExitSetup    = 1
	ExitTool     = 2
	ExitRender   = 3
	ExitCanceled = 1
)

// ExitCode maps the outcome onto the compile command's exit status.
func (o Outcome) ExitCode() int {
	switch {
	case o.Status == StatusSucceeded:
		return ExitOK
	case o.Kind == KindCanceled:
		return ExitCanceled
	case o.Status == StatusPartial:
		return ExitRender
	}
	switch o.FailedStage {
	case stage.NameScanner, stage.NameParser:
		return ExitTool
	case stage.NameRender:
		return ExitRender
	default:
		return ExitSetup
	}
}
