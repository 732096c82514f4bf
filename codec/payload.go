// Package codec encodes trace and request/response payloads to their binary wire form.
//
// Traces are written as OTLP TracesData and request/response bodies as OTLP LogsData, both protobuf encoded.
package codec

import (
	"time"

	"github.com/aereal/lambda-instrumentation/span"
	"go.opentelemetry.io/otel/trace"
)

// SDK identifies the instrumentation that produced a payload.
type SDK struct {
	Name    string
	Version string
	Runtime string
}

// SlsTags are the tenant and service level tags attached to every payload.
type SlsTags struct {
	OrgID       string
	Service     string
	Environment string
	SDK         SDK
}

type SpanPayload struct {
	TraceID   trace.TraceID
	ID        trace.SpanID
	ParentID  trace.SpanID
	Name      string
	StartTime time.Time
	EndTime   time.Time
	Tags      []span.Tag
}

type EventPayload struct {
	ID         string
	TraceID    trace.TraceID
	SpanID     trace.SpanID
	Name       string
	Timestamp  time.Time
	Tags       []span.Tag
	CustomTags string
}

// TracePayload is everything reported for one invocation.
type TracePayload struct {
	SlsTags SlsTags
	Spans   []SpanPayload
	Events  []EventPayload
	// CustomTags is the JSON encoded custom tag map; empty means omitted.
	CustomTags   string
	IsSampledOut bool
}

// Origin tells whether a request/response payload carries the invocation input or output.
type Origin int

const (
	OriginRequest  Origin = 1
	OriginResponse Origin = 2
)

// RequestResponsePayload carries the raw body of an invocation's input or output.
type RequestResponsePayload struct {
	SlsTags   SlsTags
	TraceID   trace.TraceID
	SpanID    trace.SpanID
	RequestID string
	Timestamp time.Time
	// Body is nil when it was excluded.
	Body   *string
	Origin Origin
}
