// Package assistant – events.go defines the outbound event stream a run
// produces and the in-process bus that fans it out to connected surfaces.
package assistant

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Outbound event types.
const (
	// EventProcessing signals run lifecycle: thinking, running a tool, done.
	EventProcessing = "processing"
	// EventSubtitle carries text meant to be spoken or shown as it arrives.
	EventSubtitle = "subtitle"
	// EventCanvasCommand instructs the client canvas (show a card, render
	// a chart, clear). The runtime never interprets these.
	EventCanvasCommand = "canvas_command"
)

// Event is one outbound item of a run.
type Event struct {
	RunID     string          `json:"run_id"`
	UserID    string          `json:"user_id"`
	AgentID   string          `json:"agent_id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Delivery pushes events to a connected user. Implementations live at the
// transport edge (WebSocket server, test fake); the runtime only needs these
// two questions answered.
type Delivery interface {
	IsConnected(userID string) bool
	Deliver(userID string, events []Event) error
}

// EventListener receives every published event. Must not block.
type EventListener func(Event)

// EventBus fans events out to subscribers and stamps per-run sequence
// numbers.
type EventBus struct {
	listeners sync.Map // id -> EventListener
	nextID    atomic.Int64
	seqs      sync.Map // runID -> *atomic.Int64
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers a listener and returns its unsubscribe func.
func (b *EventBus) Subscribe(fn EventListener) func() {
	id := b.nextID.Add(1)
	b.listeners.Store(id, fn)
	return func() { b.listeners.Delete(id) }
}

// Publish stamps the event with the run's next sequence number and the
// current time, then fans it out.
func (b *EventBus) Publish(ev Event) Event {
	seqAny, _ := b.seqs.LoadOrStore(ev.RunID, &atomic.Int64{})
	ev.Seq = seqAny.(*atomic.Int64).Add(1)
	ev.Timestamp = time.Now().UTC()

	b.listeners.Range(func(_, v any) bool {
		v.(EventListener)(ev)
		return true
	})
	return ev
}

// EndRun drops the sequence counter of a finished run.
func (b *EventBus) EndRun(runID string) {
	b.seqs.Delete(runID)
}
