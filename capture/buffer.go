package capture

import (
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// Buffer is an append-only, ordered log of captured events.
// It is read when a trace closes and cleared when the root span resets.
type Buffer struct {
	mu     sync.Mutex
	events []Event
}

func NewBuffer() *Buffer { return &Buffer{} }

func (b *Buffer) Append(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

// Events returns a copy of the captured events in capture order.
func (b *Buffer) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.events...)
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// HasAlert reports whether any captured event is an error or a warning.
func (b *Buffer) HasAlert() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range b.events {
		if ev.IsAlert() {
			return true
		}
	}
	return false
}

// Filter returns the events matching pred, in capture order.
func (b *Buffer) Filter(pred Predicate) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, 0, len(b.events))
	for _, ev := range b.events {
		if pred == nil || pred(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = b.events[:0]
}

// Predicate selects the events that get serialized.
type Predicate func(Event) bool

// BelongsTo keeps events captured against traceID, or against no span at all.
func BelongsTo(traceID trace.TraceID) Predicate {
	return func(ev Event) bool {
		return !ev.TraceID.IsValid() || ev.TraceID == traceID
	}
}
