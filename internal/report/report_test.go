package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tinyc/internal/history"
	"github.com/mattjoyce/tinyc/internal/invoke"
	"github.com/mattjoyce/tinyc/internal/pipeline"
	"github.com/mattjoyce/tinyc/internal/stage"
)

func renderFailureOutcome() pipeline.Outcome {
	start := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	reason := &stage.RenderFailure{ExitCode: 1, Reason: "dot exited with code 1"}
	return pipeline.Outcome{
		RunID:       "run-42",
		Status:      pipeline.StatusPartial,
		FailedStage: stage.NameRender,
		Reason:      reason,
		Kind:        pipeline.KindRenderFailure,
		FinalState:  pipeline.StatePartiallyRendered,
		StartedAt:   start,
		FinishedAt:  start.Add(1500 * time.Millisecond),
		Trail: []stage.Result{
			{Stage: stage.NameBuild, Notes: []string{"synthesized default Makefile"}, Duration: time.Second},
			{Stage: stage.NameScanner},
			{Stage: stage.NameParser},
			{
				Stage:     stage.NameRender,
				Err:       reason,
				Error:     reason.Error(),
				Processes: []invoke.Result{{Command: "dot", ExitCode: 1, Stderr: strings.Repeat("syntax error\n", 30)}},
			},
		},
		Artifacts: []pipeline.Artifact{
			{Name: stage.TokenListing, Present: true, Size: 9, Content: "read\nx\n;\n"},
			{Name: stage.GraphDescription, Present: true, Size: 12, Content: "digraph {}\n", ExportedPath: "/out/tree.dot"},
			{Name: "tree.png", Failed: true},
		},
	}
}

func TestTextShowsTrailFailureAndArtifacts(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Text(&buf, renderFailureOutcome(), Options{Outputs: true}))
	out := buf.String()

	for _, want := range []string{
		"Compile run-42",
		"partial",
		"partially_rendered",
		"render failed: dot exited with code 1 (render_failure)",
		"synthesized default Makefile",
		"digraph {}",
		"-> /out/tree.dot",
		"failed",
		"lines omitted",
	} {
		assert.Contains(t, out, want)
	}

	tokensAt := strings.Index(out, "read\nx\n")
	graphAt := strings.Index(out, "digraph {}")
	assert.Less(t, tokensAt, graphAt, "token listing comes before the graph description")
}

func TestTextFlagsTruncatedListing(t *testing.T) {
	o := renderFailureOutcome()
	o.Artifacts[0].Truncated = true
	o.Artifacts[0].Size = 2 << 20

	var buf bytes.Buffer
	require.NoError(t, Text(&buf, o, Options{Outputs: true}))
	assert.Contains(t, buf.String(), "truncated, 2097152 bytes in total")

	buf.Reset()
	require.NoError(t, Text(&buf, renderFailureOutcome(), Options{Outputs: true}))
	assert.NotContains(t, buf.String(), "truncated")
}

func TestTextWithoutOutputsOmitsContent(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Text(&buf, renderFailureOutcome(), Options{}))
	assert.NotContains(t, buf.String(), "digraph {}")
}

func TestTextVerboseShowsCommands(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Text(&buf, renderFailureOutcome(), Options{Verbose: true}))
	assert.Contains(t, buf.String(), "$ dot (exit 1)")
}

func TestJSONIncludesErrorText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JSON(&buf, renderFailureOutcome()))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "render", decoded["failed_stage"])
	assert.Equal(t, "render_failure", decoded["kind"])
	assert.Equal(t, "partially_rendered", decoded["final_state"])
}

func TestJSONReportsEncodeErrors(t *testing.T) {
	assert.Error(t, JSON(&bytes.Buffer{}, func() {}))
}

func TestHistory(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, History(&buf, nil))
	assert.Contains(t, buf.String(), "no runs recorded")

	buf.Reset()
	start := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, History(&buf, []history.RunSummary{
		{ID: "a", Status: pipeline.StatusSucceeded, FinalState: pipeline.StateRendered, StartedAt: start, FinishedAt: start.Add(time.Second)},
		{ID: "b", Status: pipeline.StatusFailed, FinalState: pipeline.StateFailed, FailedStage: "build", Kind: pipeline.KindBuildFailure, StartedAt: start, FinishedAt: start},
	}))
	out := buf.String()
	assert.Contains(t, out, "rendered")
	assert.Contains(t, out, "build: build_failure")
}
