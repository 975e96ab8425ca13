package tui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/tinyc/internal/events"
	"github.com/mattjoyce/tinyc/internal/pipeline"
)

const (
	maxEventLog = 50
	maxRuns     = 100
)

type runNode struct {
	ID     string
	State  string
	Stage  string
	Status string
	Start  time.Time
	End    time.Time
}

// Health mirrors the server's /healthz body.
type Health struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ActiveRuns    int    `json:"active_runs"`
	MaxConcurrent int    `json:"max_concurrent"`
}

type healthMsg Health

type errMsg struct{ err error }

// Monitor follows a tinyc server: its health and the runs it executes.
type Monitor struct {
	apiURL string
	apiKey string
	client *http.Client
	theme  Theme

	width  int
	height int

	runs     map[string]*runNode
	order    []string
	eventLog []events.Event
	stream   chan events.Event
	health   Health
	lastErr  error

	runTable table.Model
}

func NewMonitor(apiURL, apiKey string) *Monitor {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Run", Width: 10},
			{Title: "Stage", Width: 9},
			{Title: "State", Width: 20},
			{Title: "Duration", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Monitor{
		apiURL:   strings.TrimRight(apiURL, "/"),
		apiKey:   apiKey,
		client:   &http.Client{},
		theme:    NewDefaultTheme(),
		runs:     make(map[string]*runNode),
		stream:   make(chan events.Event, 100),
		runTable: t,
	}
}

func (m *Monitor) Init() tea.Cmd {
	return tea.Batch(
		m.subscribe(),
		m.receiveNextEvent(),
		m.fetchHealth,
		tea.EnterAltScreen,
	)
}

func (m *Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.runTable.SetWidth(m.width - 6)

	case eventMsg:
		m.apply(events.Event(msg))
		m.refreshTable()
		return m, m.receiveNextEvent()

	case healthMsg:
		m.health = Health(msg)
		m.lastErr = nil
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return m.fetchHealth() })

	case errMsg:
		m.lastErr = msg.err
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return m.fetchHealth() })
	}

	m.runTable, cmd = m.runTable.Update(msg)
	return m, cmd
}

func (m *Monitor) apply(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}
	if e.RunID == "" {
		return
	}

	node, ok := m.runs[e.RunID]
	if !ok {
		node = &runNode{ID: e.RunID, State: string(pipeline.StateInit), Status: "running", Start: e.At}
		m.runs[e.RunID] = node
		m.order = append([]string{e.RunID}, m.order...)
		if len(m.order) > maxRuns {
			delete(m.runs, m.order[maxRuns])
			m.order = m.order[:maxRuns]
		}
	}

	switch e.Type {
	case events.StateChanged:
		var p events.StatePayload
		if e.Decode(&p) == nil {
			node.State = p.To
		}
	case events.StageStarted:
		var p events.StagePayload
		if e.Decode(&p) == nil {
			node.Stage = p.Stage
		}
	case events.RunFinished:
		var s pipeline.Summary
		if e.Decode(&s) == nil {
			node.Status = string(s.Status)
			node.State = string(s.FinalState)
		}
		node.End = e.At
	}
}

func (m *Monitor) refreshTable() {
	rows := make([]table.Row, 0, len(m.order))
	for _, id := range m.order {
		rows = append(rows, m.nodeToRow(m.runs[id]))
	}
	m.runTable.SetRows(rows)
}

func (m *Monitor) nodeToRow(node *runNode) table.Row {
	var sym string
	switch node.Status {
	case "running":
		sym = m.theme.StatusRunning.Render("◉")
	case string(pipeline.StatusSucceeded):
		sym = m.theme.StatusOK.Render("●")
	case string(pipeline.StatusPartial):
		sym = m.theme.StatusPartial.Render("◑")
	default:
		sym = m.theme.StatusFailed.Render("∅")
	}

	end := node.End
	if end.IsZero() {
		end = time.Now()
	}
	id := node.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return table.Row{sym, id, node.Stage, node.State, end.Sub(node.Start).Round(time.Millisecond).String()}
}

func (m *Monitor) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	runs := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Runs"),
			m.runTable.View(),
		),
	)
	eventsView := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Event Stream"),
			m.renderEvents(),
		),
	)
	help := m.theme.Dim.Render(" [q] Quit • [↑/↓] Scroll Runs")

	return m.theme.Doc.Render(lipgloss.JoinVertical(lipgloss.Left, m.renderHeader(), runs, eventsView, help))
}

func (m *Monitor) renderHeader() string {
	status := m.theme.StatusOK.Render("UP")
	switch {
	case m.lastErr != nil:
		status = m.theme.StatusFailed.Render("UNREACHABLE")
	case m.health.Status != "ok" && m.health.Status != "":
		status = m.theme.StatusFailed.Render("DEGRADED")
	}

	cell := lipgloss.NewStyle().Width((m.width - 4) / 3)
	return m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinHorizontal(lipgloss.Top,
			cell.Render("Server: "+status),
			cell.Render("Uptime: "+(time.Duration(m.health.UptimeSeconds)*time.Second).String()),
			cell.Render(fmt.Sprintf("Active: %d/%d", m.health.ActiveRuns, m.health.MaxConcurrent)),
		),
	)
}

func (m *Monitor) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, fmt.Sprintf("%s | %-14s | %s", e.At.Local().Format("15:04:05"), e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

func (m *Monitor) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.apiURL+path, nil)
	if err != nil {
		return nil, err
	}
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}
	return req, nil
}

// subscribe reads the SSE stream and forwards decoded events to m.stream.
func (m *Monitor) subscribe() tea.Cmd {
	return func() tea.Msg {
		req, err := m.newRequest(context.Background(), "/events")
		if err != nil {
			return errMsg{err}
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return errMsg{err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg{fmt.Errorf("events stream: %s", resp.Status)}
		}
		return readStream(bufio.NewScanner(resp.Body), m.stream)
	}
}

func readStream(sc *bufio.Scanner, out chan<- events.Event) tea.Msg {
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(line[len("data: "):]), &ev); err == nil {
			out <- ev
		}
	}
	if err := sc.Err(); err != nil {
		return errMsg{err}
	}
	return nil
}

func (m *Monitor) receiveNextEvent() tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-m.stream)
	}
}

func (m *Monitor) fetchHealth() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := m.newRequest(ctx, "/healthz")
	if err != nil {
		return errMsg{err}
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return errMsg{err}
	}
	defer resp.Body.Close()

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg{err}
	}
	return healthMsg(h)
}
