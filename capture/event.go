// Package capture holds the ordered log of out-of-band occurrences (errors, warnings, notices) captured during an invocation.
package capture

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/aereal/lambda-instrumentation/span"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const (
	NameError   = "telemetry.error.generated.v1"
	NameWarning = "telemetry.warning.generated.v1"
	NameNotice  = "telemetry.notice.generated.v1"
)

// ErrorType tells who produced a captured error.
type ErrorType int

const (
	ErrorTypeUnhandled   ErrorType = 1
	ErrorTypeHandledUser ErrorType = 2
)

// WarningType tells who produced a captured warning.
type WarningType int

const (
	WarningTypeUser WarningType = 1
	WarningTypeSDK  WarningType = 2
)

// Event is a captured occurrence linked to the span that was active when it happened.
type Event struct {
	ID         uuid.UUID
	Name       string
	Timestamp  time.Time
	TraceID    trace.TraceID
	SpanID     trace.SpanID
	Tags       []span.Tag
	CustomTags map[string]any
}

// IsAlert reports whether the event is an error or a warning; alerts prevent a trace from being sampled out.
func (e Event) IsAlert() bool {
	return e.Name == NameError || e.Name == NameWarning
}

func newEvent(name string, s *span.Span, ts time.Time, tags []span.Tag) Event {
	ev := Event{
		ID:        uuid.New(),
		Name:      name,
		Timestamp: ts,
		Tags:      tags,
	}
	if s != nil {
		ev.TraceID = s.TraceID()
		ev.SpanID = s.ID()
	}
	return ev
}

// NewError builds an error event for err captured against s.
func NewError(err error, typ ErrorType, s *span.Span, ts time.Time) Event {
	if err == nil {
		err = errors.New("<nil>")
	}
	tags := []span.Tag{
		{Key: "error.name", Value: errorName(err)},
		{Key: "error.message", Value: err.Error()},
		{Key: "error.type", Value: int(typ)},
	}
	if st := stackOf(err); st != "" {
		tags = append(tags, span.Tag{Key: "error.stacktrace", Value: st})
	}
	return newEvent(NameError, s, ts, tags)
}

// NewWarning builds a warning event.
func NewWarning(msg string, typ WarningType, s *span.Span, ts time.Time) Event {
	return newEvent(NameWarning, s, ts, []span.Tag{
		{Key: "warning.message", Value: msg},
		{Key: "warning.type", Value: int(typ)},
	})
}

// NewNotice builds a notice event; code identifies the condition (e.g. INPUT_BODY_TOO_LARGE).
func NewNotice(msg, code string, s *span.Span, ts time.Time) Event {
	return newEvent(NameNotice, s, ts, []span.Tag{
		{Key: "notice.message", Value: msg},
		{Key: "notice.type", Value: 1},
		{Key: "notice.code", Value: code},
	})
}

// StackTracer is implemented by errors carrying the stack where they were raised.
type StackTracer interface {
	StackTrace() string
}

func stackOf(err error) string {
	var st StackTracer
	if errors.As(err, &st) {
		return st.StackTrace()
	}
	return string(debug.Stack())
}

func errorName(err error) string {
	if u := errors.Unwrap(err); u != nil {
		return fmt.Sprintf("%T", u)
	}
	return fmt.Sprintf("%T", err)
}
