package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mattjoyce/tinyc/internal/bundle"
	"github.com/mattjoyce/tinyc/internal/invoke"
	"github.com/mattjoyce/tinyc/internal/recipe"
	"github.com/mattjoyce/tinyc/internal/workspace"
)

// BuildOptions configures the build stage.
type BuildOptions struct {
	// Tool is the build tool, "make" when empty.
	Tool string
	// CC is the C compiler used by the synthesized recipe.
	CC      string
	Timeout time.Duration
	// Recipe replaces the default recipe when the workspace has no Makefile.
	Recipe *recipe.Recipe
}

// Build compiles the scanner and parser inside the workspace.
type Build struct {
	runner invoke.Runner
	opts   BuildOptions
}

var _ Stage = (*Build)(nil)

// NewBuild creates the build stage.
func NewBuild(runner invoke.Runner, opts BuildOptions) *Build {
	if opts.Tool == "" {
		opts.Tool = "make"
	}
	return &Build{runner: runner, opts: opts}
}

func (b *Build) Name() string { return NameBuild }

// Run makes sure a valid recipe exists, then runs "clean, then build all".
func (b *Build) Run(ctx context.Context, ws workspace.Workspace) Result {
	rec := begin(NameBuild)

	if err := b.prepareRecipe(ws, rec); err != nil {
		return rec.fail(err)
	}

	proc, err := b.runner.Run(ctx, invoke.Command{
		Name:    b.opts.Tool,
		Args:    []string{"-f", bundle.RecipeFile, recipe.TargetClean, recipe.TargetAll},
		Dir:     ws.Dir,
		Timeout: b.opts.Timeout,
	})
	if err != nil {
		rec.processFromErr(err)
		return rec.fail(err)
	}
	rec.process(proc)

	if !proc.Success() {
		return rec.fail(&BuildFailure{
			Stdout:   proc.Stdout,
			Stderr:   proc.Stderr,
			ExitCode: proc.ExitCode,
		})
	}

	for _, bin := range []string{ScannerBinary, ParserBinary} {
		if !rec.check(ws, bin, true) {
			return rec.fail(&BuildFailure{
				Stdout:   proc.Stdout,
				Stderr:   proc.Stderr,
				ExitCode: proc.ExitCode,
				Reason:   fmt.Sprintf("build succeeded but %s was not produced", bin),
				Err:      &ArtifactMissing{Stage: NameBuild, Expected: bin},
			})
		}
	}
	return rec.done()
}

func (b *Build) prepareRecipe(ws workspace.Workspace, rec *recorder) error {
	path := ws.Path(bundle.RecipeFile)

	_, err := os.Stat(path)
	switch {
	case err == nil:
		if verr := recipe.ValidateFile(path); verr != nil {
			return &BuildFailure{ExitCode: -1, Reason: verr.Error(), Err: verr}
		}
		rec.note("using supplied " + bundle.RecipeFile)
		return nil
	case errors.Is(err, os.ErrNotExist):
	default:
		return &BuildFailure{ExitCode: -1, Reason: "stat recipe: " + err.Error(), Err: err}
	}

	r := recipe.Default(b.opts.CC)
	if b.opts.Recipe != nil {
		r = *b.opts.Recipe
	}
	if verr := r.Validate(); verr != nil {
		return &BuildFailure{ExitCode: -1, Reason: verr.Error(), Err: verr}
	}
	if werr := r.WriteFile(path); werr != nil {
		return &BuildFailure{ExitCode: -1, Reason: werr.Error(), Err: werr}
	}
	rec.note("synthesized default " + bundle.RecipeFile)
	return nil
}
