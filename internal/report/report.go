// Package report renders compile outcomes and the run history for humans
// (lipgloss-styled text) and machines (indented JSON).
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/tinyc/internal/history"
	"github.com/mattjoyce/tinyc/internal/pipeline"
	"github.com/mattjoyce/tinyc/internal/stage"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00AF00"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#D7AF00"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	sectionStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// stderrTailLines bounds how much tool stderr appears in a failure section.
const stderrTailLines = 20

// Options tunes the text report.
type Options struct {
	// Verbose adds stdout and stderr of every process.
	Verbose bool
	// Outputs prints the token listing and graph description.
	Outputs bool
}

// Text writes a terminal report of o.
func Text(w io.Writer, o pipeline.Outcome, opts Options) error {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n", titleStyle.Render("Compile "+o.RunID))
	field(&b, "Status", statusText(o))
	field(&b, "State", string(o.FinalState))
	if o.FailedStage != "" {
		field(&b, "Failed at", o.FailedStage)
		field(&b, "Reason", fmt.Sprintf("%s (%s)", o.ReasonText(), o.Kind))
	}
	if !o.FinishedAt.IsZero() {
		field(&b, "Duration", o.FinishedAt.Sub(o.StartedAt).Round(time.Millisecond).String())
	}
	if o.Retained && o.Workspace != "" {
		field(&b, "Workspace", o.Workspace)
	}
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render("Stages") + "\n")
	for _, res := range o.Trail {
		writeStage(&b, res, opts.Verbose)
	}
	if len(o.Trail) == 0 {
		b.WriteString("  <none>\n")
	}

	if opts.Outputs {
		for _, name := range []string{stage.TokenListing, stage.GraphDescription} {
			a, ok := o.Artifact(name)
			if !ok || !a.Present {
				continue
			}
			b.WriteString("\n" + sectionStyle.Render(name) + "\n")
			b.WriteString(strings.TrimRight(a.Content, "\n") + "\n")
			if a.Truncated {
				fmt.Fprintf(&b, "%s\n", warnStyle.Render(fmt.Sprintf("... truncated, %d bytes in total", a.Size)))
			}
		}
	}

	if len(o.Artifacts) > 0 {
		b.WriteString("\n" + sectionStyle.Render("Artifacts") + "\n")
		for _, a := range o.Artifacts {
			writeArtifact(&b, a)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func field(b *strings.Builder, label, value string) {
	fmt.Fprintf(b, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-10s:", label)), value)
}

func statusText(o pipeline.Outcome) string {
	switch o.Status {
	case pipeline.StatusSucceeded:
		if o.FinalState == pipeline.StatePartiallyRendered {
			return warnStyle.Render("succeeded (no image)")
		}
		return okStyle.Render("succeeded")
	case pipeline.StatusPartial:
		return warnStyle.Render("partial")
	default:
		return failStyle.Render(string(o.Status))
	}
}

func stageMark(res stage.Result) string {
	switch {
	case res.Skipped:
		return warnStyle.Render("-")
	case res.Succeeded():
		return okStyle.Render("✓")
	default:
		return failStyle.Render("✗")
	}
}

func writeStage(b *strings.Builder, res stage.Result, verbose bool) {
	fmt.Fprintf(b, "  %s %-8s %8s", stageMark(res), res.Stage, res.Duration.Round(time.Millisecond))
	if len(res.Notes) > 0 {
		fmt.Fprintf(b, "  %s", labelStyle.Render(strings.Join(res.Notes, "; ")))
	}
	b.WriteString("\n")

	if res.Error != "" {
		fmt.Fprintf(b, "      %s\n", failStyle.Render(res.Error))
	}
	for _, p := range res.Processes {
		if verbose {
			fmt.Fprintf(b, "      $ %s (exit %d)\n", p.CommandLine(), p.ExitCode)
			indent(b, "stdout", p.Stdout, 0)
			indent(b, "stderr", p.Stderr, 0)
			continue
		}
		if !res.Succeeded() {
			indent(b, "stderr", p.Stderr, stderrTailLines)
		}
	}
}

func indent(b *strings.Builder, label, text string, tail int) {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return
	}
	lines := strings.Split(text, "\n")
	if tail > 0 && len(lines) > tail {
		lines = append([]string{fmt.Sprintf("... %d lines omitted", len(lines)-tail)}, lines[len(lines)-tail:]...)
	}
	fmt.Fprintf(b, "      %s\n", labelStyle.Render(label+":"))
	for _, l := range lines {
		fmt.Fprintf(b, "        %s\n", l)
	}
}

func writeArtifact(b *strings.Builder, a pipeline.Artifact) {
	var state string
	switch {
	case a.Failed && !a.Present:
		state = failStyle.Render("failed")
	case a.Present:
		state = okStyle.Render(fmt.Sprintf("%d bytes", a.Size))
	default:
		state = labelStyle.Render("absent")
	}
	fmt.Fprintf(b, "  %-12s %s", a.Name, state)
	if a.ExportedPath != "" {
		fmt.Fprintf(b, "  -> %s", a.ExportedPath)
	}
	b.WriteString("\n")
}

// JSON writes o as indented JSON.
func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("marshal json report: %w", err)
	}
	return nil
}

// History writes a table of recent runs.
func History(w io.Writer, runs []history.RunSummary) error {
	var b strings.Builder
	if len(runs) == 0 {
		b.WriteString("no runs recorded\n")
	}
	for _, r := range runs {
		status := string(r.Status)
		switch r.Status {
		case pipeline.StatusSucceeded:
			status = okStyle.Render(status)
		case pipeline.StatusPartial:
			status = warnStyle.Render(status)
		default:
			status = failStyle.Render(status)
		}
		fmt.Fprintf(&b, "%s  %s  %-9s  %-18s  %8s",
			r.ID,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			status,
			r.FinalState,
			r.Duration().Round(time.Millisecond),
		)
		if r.FailedStage != "" {
			fmt.Fprintf(&b, "  %s: %s", r.FailedStage, r.Kind)
		}
		b.WriteString("\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}
