package stage

import "fmt"

// BuildFailure means the tools could not be built. The pipeline halts before
// running anything.
type BuildFailure struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Reason is set when the build failed before or after the build tool ran
	// (invalid recipe, missing binary).
	Reason string
	Err    error
}

func (e *BuildFailure) Error() string {
	if e.Reason != "" {
		return "build failed: " + e.Reason
	}
	return fmt.Sprintf("build failed with exit code %d", e.ExitCode)
}

func (e *BuildFailure) Unwrap() error { return e.Err }

// ArtifactMissing means a tool exited cleanly without producing the file its
// contract promises.
type ArtifactMissing struct {
	Stage    string
	Expected string
}

func (e *ArtifactMissing) Error() string {
	return fmt.Sprintf("%s exited successfully but did not produce %s", e.Stage, e.Expected)
}

// ToolFailure means a pipeline tool ran and exited non-zero.
type ToolFailure struct {
	Stage    string
	ExitCode int
	Stderr   string
}

func (e *ToolFailure) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Stage, e.ExitCode)
}

// RenderFailure means the graph renderer failed. Results of earlier stages
// stay valid.
type RenderFailure struct {
	ExitCode int
	Stderr   string
	Reason   string
	Err      error
}

func (e *RenderFailure) Error() string {
	if e.Reason != "" {
		return "render failed: " + e.Reason
	}
	if e.Err != nil {
		return "render failed: " + e.Err.Error()
	}
	return fmt.Sprintf("render failed with exit code %d", e.ExitCode)
}

func (e *RenderFailure) Unwrap() error { return e.Err }
