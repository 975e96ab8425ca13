package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/tinyc/internal/events"
)

var keepAliveInterval = 15 * time.Second

// reconnectDelay is sent as the SSE retry hint, in milliseconds.
const reconnectDelay = 3000

// eventFilter narrows a stream to one run and/or to event types with a
// given prefix, e.g. ?run=<id>&type=stage.
type eventFilter struct {
	runID      string
	typePrefix string
}

func filterFromQuery(r *http.Request) eventFilter {
	q := r.URL.Query()
	return eventFilter{runID: q.Get("run"), typePrefix: q.Get("type")}
}

func (f eventFilter) match(ev events.Event) bool {
	if f.runID != "" && ev.RunID != f.runID {
		return false
	}
	return strings.HasPrefix(ev.Type, f.typePrefix)
}

// sseStream writes framed events and flushes after each one.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s sseStream) send(ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s sseStream) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleEvents handles GET /events. Events after Last-Event-ID still held by
// the hub are replayed first; after that the stream is live.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	filter := filterFromQuery(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	stream := sseStream{w: w, flusher: flusher}

	// Subscribe first: an event published during the replay then arrives on
	// the channel and is deduplicated by ID.
	live, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", reconnectDelay); err != nil {
		return
	}

	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	for _, ev := range s.events.SnapshotSince(lastID) {
		lastID = ev.ID
		if !filter.match(ev) {
			continue
		}
		if err := stream.send(ev); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.ID <= lastID || !filter.match(ev) {
				continue
			}
			lastID = ev.ID
			if err := stream.send(ev); err != nil {
				return
			}
		case <-keepAlive.C:
			if err := stream.comment("keep-alive"); err != nil {
				return
			}
		}
	}
}

// parseLastEventID returns 0 for anything that is not a non-negative
// integer, which replays the whole buffer.
func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
