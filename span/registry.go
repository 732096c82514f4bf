package span

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	RootName           = "aws.lambda"
	InitializationName = "aws.lambda.initialization"
	InvocationName     = "aws.lambda.invocation"
)

var (
	ErrReservedName = errors.New("span name is reserved")
	ErrEmptyName    = errors.New("span name is empty")

	coreSpanNames = map[string]struct{}{
		RootName:           {},
		InitializationName: {},
		InvocationName:     {},
	}
)

// IsCore reports whether name is one of the fixed lifecycle span names that survive sampling.
func IsCore(name string) bool {
	_, ok := coreSpanNames[name]
	return ok
}

// Registry holds the root span of the in-flight trace together with its fixed children.
//
// The root, initialization and invocation spans are allocated once per process and reused;
// their identifiers, timestamps and tags are regenerated on every invocation.
type Registry struct {
	mu             sync.Mutex
	idGen          sdktrace.IDGenerator
	immutable      []Tag
	root           *Span
	initialization *Span
	invocation     *Span
	current        *Span
	invocations    int
}

// NewRegistry creates the root and initialization spans, both starting at processStart.
func NewRegistry(processStart time.Time, idGen sdktrace.IDGenerator, immutable ...Tag) *Registry {
	traceID, rootID := idGen.NewIDs(context.Background())
	root := newSpan(RootName, traceID, rootID, nil, processStart)
	root.Tags.Reset(immutable...)
	initialization := newSpan(InitializationName, traceID, idGen.NewSpanID(context.Background(), traceID), root, processStart)
	root.attach(initialization)
	return &Registry{
		idGen:          idGen,
		immutable:      immutable,
		root:           root,
		initialization: initialization,
		current:        initialization,
	}
}

func (r *Registry) Root() *Span { return r.root }

func (r *Registry) Initialization() *Span { return r.initialization }

// Invocation returns the invocation span or nil when no invocation has begun yet.
func (r *Registry) Invocation() *Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invocation
}

// BeginInvocation opens the invocation span under the root.
//
// On the first invocation the root keeps the process start time so that it covers initialization;
// later invocations move the root start to start.
func (r *Registry) BeginInvocation(start time.Time) *Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx := context.Background()

	traceID, rootID := r.root.TraceID(), r.root.ID()
	if !traceID.IsValid() {
		traceID, rootID = r.idGen.NewIDs(ctx)
	}
	invocationID := r.idGen.NewSpanID(ctx, traceID)
	r.invocations++

	r.root.mu.Lock()
	r.root.traceID, r.root.id = traceID, rootID
	if r.invocations > 1 {
		r.root.startTime = start
	}
	r.root.mu.Unlock()

	if r.invocation == nil {
		r.invocation = newSpan(InvocationName, traceID, invocationID, r.root, start)
	} else {
		inv := r.invocation
		inv.mu.Lock()
		inv.traceID = traceID
		inv.id = invocationID
		inv.parent = r.root
		inv.startTime = start
		inv.endTime = time.Time{}
		inv.children = nil
		inv.mu.Unlock()
		inv.Tags.Reset()
	}
	r.root.attach(r.invocation)
	r.current = r.invocation
	return r.invocation
}

// Invocations returns the number of invocations begun so far.
func (r *Registry) Invocations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invocations
}

// CreateSpan opens a new span as a child of parent, or of the current span when parent is nil
// or belongs to another trace.
// The new span becomes the current one.
func (r *Registry) CreateSpan(name string, parent *Span, start time.Time) (*Span, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if IsCore(name) {
		return nil, fmt.Errorf("%w: %s", ErrReservedName, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if parent != nil && parent.TraceID() != r.root.TraceID() {
		parent = nil
	}
	if parent == nil || parent.Closed() {
		parent = r.nearestOpen(parent)
	}
	traceID := parent.TraceID()
	child := newSpan(name, traceID, r.idGen.NewSpanID(context.Background(), traceID), parent, start)
	parent.attach(child)
	r.current = child
	return child, nil
}

// CloseSpan closes s and moves the current pointer back to its nearest open ancestor.
func (r *Registry) CloseSpan(s *Span, end time.Time) ([]string, error) {
	leftovers, err := s.Close(end)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.current.Closed() {
		r.current = r.nearestOpen(r.current)
	}
	return leftovers, nil
}

// Current returns the innermost open span.
func (r *Registry) Current() *Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nearestOpen(r.current)
}

func (r *Registry) nearestOpen(s *Span) *Span {
	if s == nil {
		s = r.current
	}
	for p := s; p != nil; p = p.Parent() {
		if !p.Closed() {
			return p
		}
	}
	return r.root
}

// Spans flattens the tree rooted at the root span, parents before children.
func (r *Registry) Spans() []*Span {
	var spans []*Span
	r.root.walk(func(s *Span) { spans = append(spans, s) })
	return spans
}

// Reset clears the root for the next invocation.
//
// It is destructive and must only run once the previous trace has been serialized.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root.mu.Lock()
	r.root.traceID = trace.TraceID{}
	r.root.id = trace.SpanID{}
	r.root.endTime = time.Time{}
	r.root.children = nil
	r.root.mu.Unlock()
	r.root.Tags.Reset(r.immutable...)
	r.current = r.root
}
