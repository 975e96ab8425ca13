package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/tinyc/internal/invoke"
	"github.com/mattjoyce/tinyc/internal/workspace"
)

// RenderOptions configures the visualization stage.
type RenderOptions struct {
	// Tool is the graph renderer, "dot" when empty.
	Tool string
	// Format is the output format passed as -T<format>, "png" when empty.
	Format  string
	Timeout time.Duration
}

// Render converts the parser's graph description into an image.
type Render struct {
	runner invoke.Runner
	opts   RenderOptions
}

var _ Stage = (*Render)(nil)

// NewRender creates the visualization stage.
func NewRender(runner invoke.Runner, opts RenderOptions) *Render {
	if opts.Tool == "" {
		opts.Tool = "dot"
	}
	if opts.Format == "" {
		opts.Format = "png"
	}
	return &Render{runner: runner, opts: opts}
}

func (r *Render) Name() string { return NameRender }

// Image returns the output file name.
func (r *Render) Image() string { return ImageName(r.opts.Format) }

// Run is skipped when tree.dot is absent. A non-zero exit or a missing image
// is a RenderFailure. Cancellation, timeouts and spawn errors are returned
// as they are and fail the run.
func (r *Render) Run(ctx context.Context, ws workspace.Workspace) Result {
	rec := begin(NameRender)

	if !fileExists(ws.Path(GraphDescription)) {
		return rec.skip(GraphDescription + " absent; nothing to render")
	}

	image := r.Image()
	proc, err := r.runner.Run(ctx, invoke.Command{
		Name:    r.opts.Tool,
		Args:    []string{"-T" + r.opts.Format, GraphDescription, "-o", image},
		Dir:     ws.Dir,
		Timeout: r.opts.Timeout,
	})
	if err != nil {
		rec.processFromErr(err)
		rec.check(ws, image, true)
		var (
			canceled *invoke.CanceledError
			timeout  *invoke.TimeoutError
			spawn    *invoke.SpawnError
		)
		if errors.As(err, &canceled) || errors.As(err, &timeout) || errors.As(err, &spawn) {
			return rec.fail(err)
		}
		return rec.fail(&RenderFailure{ExitCode: -1, Err: err})
	}
	rec.process(proc)

	if !proc.Success() {
		rec.check(ws, image, true)
		return rec.fail(&RenderFailure{
			ExitCode: proc.ExitCode,
			Stderr:   proc.Stderr,
			Reason:   fmt.Sprintf("%s exited with code %d", r.opts.Tool, proc.ExitCode),
		})
	}
	if !rec.check(ws, image, true) {
		return rec.fail(&RenderFailure{
			ExitCode: proc.ExitCode,
			Stderr:   proc.Stderr,
			Reason:   image + " was not produced",
			Err:      &ArtifactMissing{Stage: NameRender, Expected: image},
		})
	}
	return rec.done()
}
