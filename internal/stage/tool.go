package stage

import (
	"context"
	"time"

	"github.com/mattjoyce/tinyc/internal/invoke"
	"github.com/mattjoyce/tinyc/internal/workspace"
)

// Tool runs one of the built binaries with no arguments inside the workspace
// and checks for the artifact it is contracted to write.
type Tool struct {
	name     string
	binary   string
	artifact string
	required bool
	timeout  time.Duration
	runner   invoke.Runner
}

var _ Stage = (*Tool)(nil)

// NewScanner returns the scanner stage. It reads input.tiny and must write
// tokens.txt.
func NewScanner(runner invoke.Runner, timeout time.Duration) *Tool {
	return &Tool{
		name:     NameScanner,
		binary:   ScannerBinary,
		artifact: TokenListing,
		required: true,
		timeout:  timeout,
		runner:   runner,
	}
}

// NewParser returns the parser stage. It writes tree.dot; when the file is
// absent after a clean exit the pipeline carries on without an image.
func NewParser(runner invoke.Runner, timeout time.Duration) *Tool {
	return &Tool{
		name:     NameParser,
		binary:   ParserBinary,
		artifact: GraphDescription,
		required: false,
		timeout:  timeout,
		runner:   runner,
	}
}

func (t *Tool) Name() string { return t.name }

// Artifact returns the file this tool is expected to write.
func (t *Tool) Artifact() string { return t.artifact }

func (t *Tool) Run(ctx context.Context, ws workspace.Workspace) Result {
	rec := begin(t.name)

	proc, err := t.runner.Run(ctx, invoke.Command{
		Name:    ws.Path(t.binary),
		Dir:     ws.Dir,
		Timeout: t.timeout,
	})
	if err != nil {
		rec.processFromErr(err)
		return rec.fail(err)
	}
	rec.process(proc)

	if !proc.Success() {
		rec.check(ws, t.artifact, t.required)
		return rec.fail(&ToolFailure{Stage: t.name, ExitCode: proc.ExitCode, Stderr: proc.Stderr})
	}

	if !rec.check(ws, t.artifact, t.required) {
		if t.required {
			return rec.fail(&ArtifactMissing{Stage: t.name, Expected: t.artifact})
		}
		rec.note(t.artifact + " was not produced")
	}
	return rec.done()
}
