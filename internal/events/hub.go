// Package events fans pipeline progress out to live observers (the TUI and
// SSE clients) and keeps a short replay buffer for late subscribers.
package events

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Event types emitted by the pipeline controller.
const (
	RunStarted    = "run.started"
	StateChanged  = "run.state"
	StageStarted  = "stage.started"
	StageFinished = "stage.finished"
	RunFinished   = "run.finished"
)

type Event struct {
	ID    int64           `json:"id"`
	Type  string          `json:"type"`
	RunID string          `json:"run_id,omitempty"`
	At    time.Time       `json:"at"`
	Data  json.RawMessage `json:"data"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher is the producer side of the hub.
type Publisher interface {
	Publish(runID, eventType string, data any)
}

// StagePayload accompanies stage.started and stage.finished.
type StagePayload struct {
	Stage    string        `json:"stage"`
	OK       bool          `json:"ok"`
	Skipped  bool          `json:"skipped,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// StatePayload accompanies run.state.
type StatePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Stats counts hub traffic since start.
type Stats struct {
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
	Buffered    int   `json:"buffered"`
}

const subscriberBuffer = 128

// Hub fans events out to subscribers and retains the most recent ones for
// replay. A subscriber whose channel is full misses events instead of
// blocking the publishing compile; each miss is counted in Stats.Dropped.
type Hub struct {
	lastID  atomic.Int64
	dropped atomic.Int64

	mu      sync.Mutex
	retain  int
	recent  []Event
	subs    map[uint64]chan Event
	nextSub uint64
}

var _ Publisher = (*Hub)(nil)

// NewHub retains up to retain events for replay; non-positive means 256.
func NewHub(retain int) *Hub {
	if retain <= 0 {
		retain = 256
	}
	return &Hub{
		retain: retain,
		recent: make([]Event, 0, retain),
		subs:   make(map[uint64]chan Event),
	}
}

func (h *Hub) Publish(runID, eventType string, data any) {
	payload := encodePayload(data)

	h.mu.Lock()
	defer h.mu.Unlock()

	// IDs are assigned under the lock so retained order matches ID order.
	ev := Event{
		ID:    h.lastID.Add(1),
		Type:  eventType,
		RunID: runID,
		At:    time.Now().UTC(),
		Data:  payload,
	}
	if len(h.recent) == h.retain {
		copy(h.recent, h.recent[1:])
		h.recent = h.recent[:h.retain-1]
	}
	h.recent = append(h.recent, ev)

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

func encodePayload(data any) json.RawMessage {
	if data == nil {
		return json.RawMessage("{}")
	}
	b, err := json.Marshal(data)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// Subscribe returns a channel of events published from now on. The cancel
// func closes it and may be called any number of times.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// SnapshotSince returns retained events with ID greater than lastID, oldest
// first. Zero returns everything retained.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	i := sort.Search(len(h.recent), func(i int) bool { return h.recent[i].ID > lastID })
	return append([]Event(nil), h.recent[i:]...)
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Published:   h.lastID.Load(),
		Dropped:     h.dropped.Load(),
		Subscribers: len(h.subs),
		Buffered:    len(h.recent),
	}
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(string, string, any) {}
