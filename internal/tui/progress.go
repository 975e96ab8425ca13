// Package tui holds the terminal views: a live progress view for a single
// local compile and a monitor that follows a running server over SSE.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/tinyc/internal/events"
	"github.com/mattjoyce/tinyc/internal/pipeline"
)

type rowStatus int

const (
	rowPending rowStatus = iota
	rowRunning
	rowOK
	rowSkipped
	rowFailed
)

type stageRow struct {
	name     string
	status   rowStatus
	started  time.Time
	duration time.Duration
	err      string
}

type eventMsg events.Event

type doneMsg pipeline.Outcome

type streamClosedMsg struct{}

// Progress shows one compile as it moves through its stages. It quits once
// the outcome arrives on done.
type Progress struct {
	theme   Theme
	spinner spinner.Model

	runID string
	state string
	rows  []*stageRow

	events <-chan events.Event
	done   <-chan pipeline.Outcome
	cancel func()

	outcome     *pipeline.Outcome
	interrupted bool
}

// NewProgress builds a progress view for the named stages. cancel is called
// when the user interrupts; the view keeps running until the outcome lands.
func NewProgress(stages []string, evs <-chan events.Event, done <-chan pipeline.Outcome, cancel func()) *Progress {
	s := spinner.New()
	s.Spinner = spinner.Dot

	theme := NewDefaultTheme()
	s.Style = theme.StatusRunning

	rows := make([]*stageRow, 0, len(stages))
	for _, name := range stages {
		rows = append(rows, &stageRow{name: name})
	}
	return &Progress{
		theme:   theme,
		spinner: s,
		state:   string(pipeline.StateInit),
		rows:    rows,
		events:  evs,
		done:    done,
		cancel:  cancel,
	}
}

// Outcome returns the run outcome once the view has finished.
func (m *Progress) Outcome() (pipeline.Outcome, bool) {
	if m.outcome == nil {
		return pipeline.Outcome{}, false
	}
	return *m.outcome, true
}

func (m *Progress) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitEvent(), m.waitDone())
}

func (m *Progress) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if !m.interrupted && m.cancel != nil {
				m.interrupted = true
				m.cancel()
			}
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		m.apply(events.Event(msg))
		return m, m.waitEvent()

	case streamClosedMsg:
		return m, nil

	case doneMsg:
		o := pipeline.Outcome(msg)
		m.outcome = &o
		m.state = string(o.FinalState)
		return m, tea.Quit
	}
	return m, nil
}

func (m *Progress) apply(ev events.Event) {
	if m.runID == "" && ev.Type == events.RunStarted {
		m.runID = ev.RunID
	}
	if ev.RunID != m.runID {
		return
	}

	switch ev.Type {
	case events.StateChanged:
		var p events.StatePayload
		if ev.Decode(&p) == nil {
			m.state = p.To
		}
	case events.StageStarted:
		var p events.StagePayload
		if ev.Decode(&p) != nil {
			return
		}
		if row := m.row(p.Stage); row != nil {
			row.status = rowRunning
			row.started = ev.At
		}
	case events.StageFinished:
		var p events.StagePayload
		if ev.Decode(&p) != nil {
			return
		}
		row := m.row(p.Stage)
		if row == nil {
			return
		}
		row.duration = p.Duration
		row.err = p.Error
		switch {
		case p.Skipped:
			row.status = rowSkipped
		case p.OK:
			row.status = rowOK
		default:
			row.status = rowFailed
		}
	}
}

func (m *Progress) row(name string) *stageRow {
	for _, r := range m.rows {
		if r.name == name {
			return r
		}
	}
	return nil
}

func (m *Progress) waitEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *Progress) waitDone() tea.Cmd {
	return func() tea.Msg {
		return doneMsg(<-m.done)
	}
}

func (m *Progress) View() string {
	var lines []string
	for _, r := range m.rows {
		lines = append(lines, m.renderRow(r))
	}

	title := "Compiling"
	if m.runID != "" {
		title += " " + m.runID
	}
	body := lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render(title),
		strings.Join(lines, "\n"),
		"",
		m.theme.Dim.Render("state: "+m.state),
	)

	footer := m.theme.Dim.Render(" [q] cancel")
	if m.interrupted {
		footer = m.theme.StatusFailed.Render(" cancelling...")
	}
	if m.outcome != nil {
		footer = m.renderOutcome(*m.outcome)
	}
	return m.theme.Doc.Render(lipgloss.JoinVertical(lipgloss.Left, m.theme.Border.Render(body), footer)) + "\n"
}

func (m *Progress) renderRow(r *stageRow) string {
	var mark, detail string
	switch r.status {
	case rowPending:
		mark = m.theme.StatusPending.Render("○")
	case rowRunning:
		mark = m.spinner.View()
		if !r.started.IsZero() {
			detail = time.Since(r.started).Round(100 * time.Millisecond).String()
		}
	case rowOK:
		mark = m.theme.StatusOK.Render("●")
		detail = r.duration.Round(time.Millisecond).String()
	case rowSkipped:
		mark = m.theme.StatusPartial.Render("-")
		detail = "skipped"
	case rowFailed:
		mark = m.theme.StatusFailed.Render("∅")
		detail = m.theme.StatusFailed.Render(r.err)
	}
	return fmt.Sprintf(" %s %-8s %s", mark, r.name, detail)
}

func (m *Progress) renderOutcome(o pipeline.Outcome) string {
	switch o.Status {
	case pipeline.StatusSucceeded:
		return m.theme.StatusOK.Render(" done")
	case pipeline.StatusPartial:
		return m.theme.StatusPartial.Render(" partial: " + o.ReasonText())
	default:
		return m.theme.StatusFailed.Render(fmt.Sprintf(" failed at %s: %s", o.FailedStage, o.ReasonText()))
	}
}
