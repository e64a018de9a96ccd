// Package events provides the observer registration used by the engine
// to surface lifecycle notifications to logging and metrics sinks.
package events

import (
	"sync"
	"time"
)

// Kind identifies a lifecycle event.
type Kind string

// Event kinds emitted by the engine.
const (
	KindInitialized          Kind = "initialized"
	KindRequestCompleted     Kind = "requestCompleted"
	KindRateLimitUpdated     Kind = "rateLimitUpdated"
	KindToolScheduled        Kind = "tool.scheduled"
	KindToolCompleted        Kind = "tool.completed"
	KindToolAwaitingApproval Kind = "tool.awaiting_approval"
	KindLoopDetected         Kind = "loop.detected"
)

// Event is a single lifecycle notification.
type Event struct {
	Kind      Kind           `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Handler consumes events. Handlers must not block; sinks that perform
// I/O buffer internally.
type Handler func(Event)

// Dispatcher routes events to registered handlers. The engine depends
// only on this type, never on a concrete sink.
type Dispatcher struct {
	mu   sync.RWMutex
	subs map[Kind][]Handler
	all  []Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subs: make(map[Kind][]Handler),
	}
}

// Subscribe registers a handler for one event kind.
func (d *Dispatcher) Subscribe(kind Kind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs[kind] = append(d.subs[kind], h)
}

// SubscribeAll registers a handler for every event kind.
func (d *Dispatcher) SubscribeAll(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.all = append(d.all, h)
}

// Emit delivers an event to all matching handlers. A nil dispatcher is
// a no-op so components can treat the sink as optional.
func (d *Dispatcher) Emit(kind Kind, fields map[string]any) {
	if d == nil {
		return
	}
	ev := Event{Kind: kind, Timestamp: time.Now(), Fields: fields}

	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.subs[kind])+len(d.all))
	handlers = append(handlers, d.subs[kind]...)
	handlers = append(handlers, d.all...)
	d.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
