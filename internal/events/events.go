// Package events carries observability records from the engine to
// presentation layers. Delivery is fire-and-forget and in emission order.
package events

import (
	"sync"
	"time"
)

// Type categorizes an event.
type Type string

const (
	TypeRunStarted  Type = "run_started"
	TypeModeChange  Type = "mode_change"
	TypeState       Type = "state_change"
	TypeResult      Type = "result"
	TypeTool        Type = "tool"
	TypeError       Type = "error"
	TypeRunFinished Type = "run_finished"
)

// Event is a single structured message pushed per significant occurrence.
type Event struct {
	Seq  int64                  `json:"seq"`
	Text string                 `json:"text"`
	Type Type                   `json:"type"`
	Meta map[string]interface{} `json:"meta,omitempty"`
	Time time.Time              `json:"time"`
}

// Sink receives events. Implementations must not block the caller for long.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Multi delivers each event to every sink in registration order.
type Multi struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewMulti creates a fan-out over sinks; nil sinks are skipped.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		m.Add(s)
	}
	return m
}

// Add registers another sink.
func (m *Multi) Add(s Sink) {
	if s == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

func (m *Multi) Emit(e Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sinks {
		s.Emit(e)
	}
}

// Emitter stamps sequence numbers and timestamps before forwarding, so the
// order of Emit calls is the order observers see.
type Emitter struct {
	mu   sync.Mutex
	seq  int64
	sink Sink
	base map[string]interface{}
}

// NewEmitter wraps sink. base is merged into every event's Meta.
func NewEmitter(sink Sink, base map[string]interface{}) *Emitter {
	if sink == nil {
		sink = Discard
	}
	return &Emitter{sink: sink, base: base}
}

// Emit sends one event.
func (em *Emitter) Emit(typ Type, text string, meta map[string]interface{}) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.seq++
	merged := make(map[string]interface{}, len(em.base)+len(meta))
	for k, v := range em.base {
		merged[k] = v
	}
	for k, v := range meta {
		merged[k] = v
	}
	em.sink.Emit(Event{
		Seq:  em.seq,
		Text: text,
		Type: typ,
		Meta: merged,
		Time: time.Now(),
	})
}
