// Package otelexport forwards finished invocation spans to an OpenTelemetry span exporter.
package otelexport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aereal/lambda-instrumentation/codec"
	"github.com/aereal/lambda-instrumentation/span"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
	"go.opentelemetry.io/otel/trace"
)

// Exporter buffers spans until Flush hands them to the wrapped exporter.
type Exporter struct {
	mu       sync.Mutex
	exporter sdktrace.SpanExporter
	resource *resource.Resource
	pending  []sdktrace.ReadOnlySpan
}

// New wraps exporter. Resource attributes are derived from tags.
func New(exporter sdktrace.SpanExporter, tags codec.SlsTags) *Exporter {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(tags.Service),
		semconv.TelemetrySDKNameKey.String(tags.SDK.Name),
		semconv.TelemetrySDKVersionKey.String(tags.SDK.Version),
		semconv.TelemetrySDKLanguageGo,
		semconv.CloudProviderAWS,
		semconv.FaaSNameKey.String(tags.Service),
		attribute.String("sls.org_id", tags.OrgID),
	}
	if tags.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(tags.Environment))
	}
	return &Exporter{
		exporter: exporter,
		resource: resource.NewWithAttributes(semconv.SchemaURL, attrs...),
	}
}

// Enqueue converts spans and keeps them until the next Flush.
func (e *Exporter) Enqueue(spans []codec.SpanPayload) {
	snapshots := make([]sdktrace.ReadOnlySpan, 0, len(spans))
	for _, s := range spans {
		stub := tracetest.SpanStub{
			Name:        s.Name,
			SpanContext: spanContext(s.TraceID, s.ID),
			SpanKind:    trace.SpanKindInternal,
			StartTime:   s.StartTime,
			EndTime:     s.EndTime,
			Attributes:  Attributes(s.Tags),
			Resource:    e.resource,
		}
		if s.ParentID.IsValid() {
			stub.Parent = spanContext(s.TraceID, s.ParentID)
		}
		if s.Name == span.RootName {
			stub.SpanKind = trace.SpanKindServer
		}
		for _, c := range spans {
			if c.ParentID == s.ID {
				stub.ChildSpanCount++
			}
		}
		snapshots = append(snapshots, stub.Snapshot())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, snapshots...)
}

// Pending returns the number of spans waiting for Flush.
func (e *Exporter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Flush exports pending spans. They are dropped even when the export fails.
func (e *Exporter) Flush(ctx context.Context) error {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	if err := e.exporter.ExportSpans(ctx, pending); err != nil {
		return fmt.Errorf("export %d spans: %w", len(pending), err)
	}
	return nil
}

// Shutdown flushes and shuts the wrapped exporter down.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if err := e.Flush(ctx); err != nil {
		return err
	}
	return e.exporter.Shutdown(ctx)
}

// Attributes converts span tags to OpenTelemetry attributes.
//
// Values without a native attribute type are stored as JSON strings.
func Attributes(tags []span.Tag) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for _, t := range tags {
		attrs = append(attrs, attributeOf(t.Key, t.Value))
	}
	return attrs
}

func attributeOf(key string, v any) attribute.KeyValue {
	switch v := v.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int32:
		return attribute.Int64(key, int64(v))
	case int64:
		return attribute.Int64(key, v)
	case uint32:
		return attribute.Int64(key, int64(v))
	case float32:
		return attribute.Float64(key, float64(v))
	case float64:
		return attribute.Float64(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case []bool:
		return attribute.BoolSlice(key, v)
	case []int64:
		return attribute.Int64Slice(key, v)
	case []float64:
		return attribute.Float64Slice(key, v)
	case time.Time:
		return attribute.String(key, v.UTC().Format(time.RFC3339Nano))
	case fmt.Stringer:
		return attribute.Stringer(key, v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return attribute.String(key, fmt.Sprint(v))
	}
	return attribute.String(key, string(b))
}

func spanContext(traceID trace.TraceID, id trace.SpanID) trace.SpanContext {
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     id,
		TraceFlags: trace.FlagsSampled,
	})
}
