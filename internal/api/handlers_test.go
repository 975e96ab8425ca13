package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tinyc/internal/events"
	"github.com/mattjoyce/tinyc/internal/history"
	"github.com/mattjoyce/tinyc/internal/pipeline"
	"github.com/mattjoyce/tinyc/internal/stage"
)

type compilerFunc func(ctx context.Context, req pipeline.Request) pipeline.Outcome

func (f compilerFunc) Run(ctx context.Context, req pipeline.Request) pipeline.Outcome {
	return f(ctx, req)
}

type memRuns struct {
	mu   sync.Mutex
	runs map[string]pipeline.Outcome
}

func (m *memRuns) List(_ context.Context, limit int) ([]history.RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []history.RunSummary
	for id, o := range m.runs {
		if len(out) == limit {
			break
		}
		out = append(out, history.RunSummary{ID: id, Status: o.Status, FinalState: o.FinalState})
	}
	return out, nil
}

func (m *memRuns) Get(_ context.Context, id string) (pipeline.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.runs[id]
	if !ok {
		return pipeline.Outcome{}, history.ErrNotFound
	}
	return o, nil
}

func succeeded(req pipeline.Request) pipeline.Outcome {
	return pipeline.Outcome{
		RunID:      "run-1",
		Status:     pipeline.StatusSucceeded,
		FinalState: pipeline.StateRendered,
		SourceDir:  req.SourceDir,
		Retained:   req.Retain,
	}
}

func newTestServer(t *testing.T, cfg Config, compiler Compiler) *Server {
	t.Helper()
	if compiler == nil {
		compiler = compilerFunc(func(_ context.Context, req pipeline.Request) pipeline.Outcome { return succeeded(req) })
	}
	runs := &memRuns{runs: map[string]pipeline.Outcome{
		"run-1": {RunID: "run-1", Status: pipeline.StatusFailed, FailedStage: stage.NameScanner, Kind: pipeline.KindToolFailure, FinalState: pipeline.StateBuilt},
	}}
	return New(cfg, compiler, runs, events.NewHub(16), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, rd))
	return rec
}

func TestCompileReturnsOutcome(t *testing.T) {
	var got pipeline.Request
	s := newTestServer(t, Config{SourceDir: "/src/tiny"}, compilerFunc(func(_ context.Context, req pipeline.Request) pipeline.Outcome {
		got = req
		return succeeded(req)
	}))

	rec := do(t, s.Handler(), http.MethodPost, "/compile", CompileRequest{Program: "read x;", Retain: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "read x;", got.Program)
	assert.Equal(t, "/src/tiny", got.SourceDir)
	assert.True(t, got.Retain)
	assert.Empty(t, got.OutDir)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run-1", resp["run_id"])
	assert.Equal(t, "rendered", resp["final_state"])
	assert.Equal(t, float64(0), resp["exit_code"])
}

func TestCompileRejectsBadBodies(t *testing.T) {
	s := newTestServer(t, Config{MaxProgramBytes: 32}, nil)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/compile", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/compile", CompileRequest{Program: strings.Repeat("x", 64)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCompileWaitsForSlot(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	s := newTestServer(t, Config{MaxConcurrent: 1}, compilerFunc(func(_ context.Context, req pipeline.Request) pipeline.Outcome {
		started <- struct{}{}
		<-release
		return succeeded(req)
	}))
	h := s.Handler()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		do(t, h, http.MethodPost, "/compile", CompileRequest{Program: "a"})
	}()
	<-started

	// A queued request whose client goes away never runs.
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/compile", strings.NewReader(`{"program":"b"}`)).WithContext(ctx)
	done := make(chan struct{})
	go func() {
		h.ServeHTTP(httptest.NewRecorder(), req)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queued request did not return after cancellation")
	}

	health := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Contains(t, health.Body.String(), `"active_runs":1`)

	close(release)
	wg.Wait()
	assert.Len(t, started, 0, "cancelled request must not start a compile")
}

func TestSubmitRunsInBackground(t *testing.T) {
	got := make(chan pipeline.Request, 1)
	s := newTestServer(t, Config{SourceDir: "/src/tiny"}, compilerFunc(func(_ context.Context, req pipeline.Request) pipeline.Outcome {
		got <- req
		return succeeded(req)
	}))

	id := s.Submit(context.Background(), "write 1")
	require.NotEmpty(t, id)

	select {
	case req := <-got:
		assert.Equal(t, id, req.RunID)
		assert.Equal(t, "write 1", req.Program)
		assert.Equal(t, "/src/tiny", req.SourceDir)
	case <-time.After(5 * time.Second):
		t.Fatal("submitted compile never ran")
	}
}

func TestSubmitDropsWhenContextEnds(t *testing.T) {
	ran := make(chan struct{}, 1)
	s := newTestServer(t, Config{MaxConcurrent: 1}, compilerFunc(func(_ context.Context, req pipeline.Request) pipeline.Outcome {
		ran <- struct{}{}
		return succeeded(req)
	}))
	s.slots <- struct{}{} // occupy the only slot

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Submit(ctx, "write 1")

	select {
	case <-ran:
		t.Fatal("compile ran after its context ended")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRuns(t *testing.T) {
	h := newTestServer(t, Config{}, nil).Handler()

	rec := do(t, h, http.MethodGet, "/runs?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list RunsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Runs, 1)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/runs?limit=x", nil).Code)

	rec = do(t, h, http.MethodGet, "/runs/run-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "scanner", run["failed_stage"])
	assert.Equal(t, float64(pipeline.ExitTool), run["exit_code"])

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/runs/missing", nil).Code)
}

func TestRunsWithHistoryDisabled(t *testing.T) {
	s := New(Config{}, compilerFunc(func(context.Context, pipeline.Request) pipeline.Outcome { return pipeline.Outcome{} }),
		nil, events.NewHub(4), slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/runs", nil).Code)
}

func TestEventsReplayAndStream(t *testing.T) {
	hub := events.NewHub(16)
	s := New(Config{}, nil, nil, hub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	hub.Publish("r1", events.RunStarted, map[string]string{})
	hub.Publish("r1", events.StageStarted, events.StagePayload{Stage: stage.NameBuild})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	next := func() events.Event {
		for sc.Scan() {
			line := sc.Text()
			if strings.HasPrefix(line, "data: ") {
				var ev events.Event
				require.NoError(t, json.Unmarshal([]byte(line[len("data: "):]), &ev))
				return ev
			}
		}
		t.Fatalf("stream ended: %v", sc.Err())
		return events.Event{}
	}

	replayed := next()
	assert.Equal(t, events.StageStarted, replayed.Type, "events up to Last-Event-ID are not replayed")

	hub.Publish("r1", events.RunFinished, pipeline.Summary{RunID: "r1"})
	live := next()
	assert.Equal(t, events.RunFinished, live.Type)
	assert.Equal(t, "r1", live.RunID)
}

func TestEventFilter(t *testing.T) {
	f := eventFilter{runID: "r1", typePrefix: "stage."}
	assert.True(t, f.match(events.Event{RunID: "r1", Type: events.StageFinished}))
	assert.False(t, f.match(events.Event{RunID: "r2", Type: events.StageFinished}))
	assert.False(t, f.match(events.Event{RunID: "r1", Type: events.RunFinished}))
	assert.True(t, eventFilter{}.match(events.Event{RunID: "r9", Type: events.RunStarted}))
}

func TestEventsStreamFiltersByRun(t *testing.T) {
	hub := events.NewHub(16)
	s := New(Config{}, nil, nil, hub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	hub.Publish("other", events.RunStarted, map[string]string{})
	hub.Publish("mine", events.RunStarted, map[string]string{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?run=mine", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev events.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		assert.Equal(t, "mine", ev.RunID)
		return
	}
	t.Fatalf("stream ended: %v", sc.Err())
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("-3"))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}
