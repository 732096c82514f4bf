package span

import (
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

var ErrSpanClosed = errors.New("span already closed")

// Span is a single timed unit of work belonging to a trace.
type Span struct {
	mu        sync.Mutex
	name      string
	traceID   trace.TraceID
	id        trace.SpanID
	parent    *Span
	startTime time.Time
	endTime   time.Time
	children  []*Span

	Tags *Tags
}

func newSpan(name string, traceID trace.TraceID, id trace.SpanID, parent *Span, start time.Time) *Span {
	return &Span{
		name:      name,
		traceID:   traceID,
		id:        id,
		parent:    parent,
		startTime: start,
		Tags:      NewTags(),
	}
}

func (s *Span) Name() string { return s.name }

func (s *Span) TraceID() trace.TraceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.traceID
}

func (s *Span) ID() trace.SpanID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Span) Parent() *Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parent
}

// ParentID returns the parent's span ID or an invalid ID for the root.
func (s *Span) ParentID() trace.SpanID {
	p := s.Parent()
	if p == nil {
		return trace.SpanID{}
	}
	return p.ID()
}

func (s *Span) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime
}

func (s *Span) EndTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endTime
}

func (s *Span) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.endTime.IsZero()
}

// SpanContext returns the span's identity as an OpenTelemetry span context, suitable for propagators.
func (s *Span) SpanContext() trace.SpanContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    s.traceID,
		SpanID:     s.id,
		TraceFlags: trace.FlagsSampled,
	})
}

func (s *Span) Children() []*Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Span(nil), s.children...)
}

// Close ends the span at end.
//
// Descendants still open are closed with the same end time; their names are returned so the caller can report them.
func (s *Span) Close(end time.Time) ([]string, error) {
	s.mu.Lock()
	if !s.endTime.IsZero() {
		s.mu.Unlock()
		return nil, ErrSpanClosed
	}
	if end.Before(s.startTime) {
		end = s.startTime
	}
	s.endTime = end
	children := append([]*Span(nil), s.children...)
	s.mu.Unlock()

	var leftovers []string
	for _, child := range children {
		if child.Closed() {
			continue
		}
		names, _ := child.Close(end)
		leftovers = append(leftovers, child.name)
		leftovers = append(leftovers, names...)
	}
	return leftovers, nil
}

func (s *Span) attach(child *Span) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children = append(s.children, child)
}

// walk visits s and its descendants depth-first, parents before children.
func (s *Span) walk(fn func(*Span)) {
	fn(s)
	for _, child := range s.Children() {
		child.walk(fn)
	}
}

// Snapshot is an immutable copy of a span taken for serialization.
type Snapshot struct {
	Name      string
	TraceID   trace.TraceID
	ID        trace.SpanID
	ParentID  trace.SpanID
	StartTime time.Time
	EndTime   time.Time
	Tags      []Tag
}

func (s *Span) Snapshot() Snapshot {
	parentID := s.ParentID()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Name:      s.name,
		TraceID:   s.traceID,
		ID:        s.id,
		ParentID:  parentID,
		StartTime: s.startTime,
		EndTime:   s.endTime,
		Tags:      s.Tags.List(),
	}
}
