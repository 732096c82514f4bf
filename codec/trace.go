package codec

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"
)

const (
	attrOrgID        = "sls.org_id"
	attrService      = "service.name"
	attrEnvironment  = "sls.environment"
	attrSDKName      = "telemetry.sdk.name"
	attrSDKVersion   = "telemetry.sdk.version"
	attrSDKRuntime   = "sls.sdk.runtime"
	attrCustomTags   = "sls.custom_tags"
	attrSampledOut   = "sls.sampled_out"
	attrEventPrefix  = "sls.event."
	attrEventID      = attrEventPrefix + "id"
	attrEventSeq     = attrEventPrefix + "seq"
	attrEventTraceID = attrEventPrefix + "trace_id"
	attrEventSpanID  = attrEventPrefix + "span_id"
)

var (
	ErrNoSpans        = errors.New("trace payload has no spans")
	ErrMalformedTrace = errors.New("malformed trace payload")
)

// EncodeTrace serializes p as OTLP TracesData.
//
// Captured events become span events of the span they were captured against; events whose span is not part of the payload are attached to the first span.
func EncodeTrace(p *TracePayload) ([]byte, error) {
	if len(p.Spans) == 0 {
		return nil, ErrNoSpans
	}
	spans := make([]*tracepb.Span, 0, len(p.Spans))
	byID := make(map[trace.SpanID]*tracepb.Span, len(p.Spans))
	for _, s := range p.Spans {
		ps := &tracepb.Span{
			TraceId:           traceIDBytes(s.TraceID),
			SpanId:            spanIDBytes(s.ID),
			ParentSpanId:      spanIDBytes(s.ParentID),
			Name:              s.Name,
			Kind:              tracepb.Span_SPAN_KIND_INTERNAL,
			StartTimeUnixNano: unixNano(s.StartTime),
			EndTimeUnixNano:   unixNano(s.EndTime),
			Attributes:        toKeyValues(s.Tags),
		}
		spans = append(spans, ps)
		byID[s.ID] = ps
	}
	for i, ev := range p.Events {
		owner, ok := byID[ev.SpanID]
		if !ok {
			owner = spans[0]
		}
		attrs := toKeyValues(ev.Tags)
		attrs = append(attrs,
			stringAttr(attrEventID, ev.ID),
			&commonpb.KeyValue{Key: attrEventSeq, Value: intValue(int64(i))},
			&commonpb.KeyValue{Key: attrEventTraceID, Value: toAnyValue(ev.TraceID)},
			&commonpb.KeyValue{Key: attrEventSpanID, Value: toAnyValue(ev.SpanID)},
		)
		if ev.CustomTags != "" {
			attrs = append(attrs, stringAttr(attrCustomTags, ev.CustomTags))
		}
		owner.Events = append(owner.Events, &tracepb.Span_Event{
			TimeUnixNano: unixNano(ev.Timestamp),
			Name:         ev.Name,
			Attributes:   attrs,
		})
	}

	res := &resourcepb.Resource{Attributes: slsTagsAttrs(p.SlsTags)}
	if p.CustomTags != "" {
		res.Attributes = append(res.Attributes, stringAttr(attrCustomTags, p.CustomTags))
	}
	res.Attributes = append(res.Attributes, &commonpb.KeyValue{Key: attrSampledOut, Value: toAnyValue(p.IsSampledOut)})

	data := &tracepb.TracesData{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: res,
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: &commonpb.InstrumentationScope{Name: p.SlsTags.SDK.Name, Version: p.SlsTags.SDK.Version},
				Spans: spans,
			}},
		}},
	}
	b, err := proto.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal trace: %w", err)
	}
	return b, nil
}

// DecodeTrace is the inverse of EncodeTrace.
func DecodeTrace(b []byte) (*TracePayload, error) {
	var data tracepb.TracesData
	if err := proto.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("unmarshal trace: %w", err)
	}
	if len(data.GetResourceSpans()) != 1 || len(data.GetResourceSpans()[0].GetScopeSpans()) != 1 {
		return nil, ErrMalformedTrace
	}
	rs := data.GetResourceSpans()[0]
	p := &TracePayload{SlsTags: slsTagsFrom(rs.GetResource().GetAttributes())}
	if v, ok := lookup(rs.GetResource().GetAttributes(), attrCustomTags); ok {
		p.CustomTags = v.GetStringValue()
	}
	if v, ok := lookup(rs.GetResource().GetAttributes(), attrSampledOut); ok {
		p.IsSampledOut = v.GetBoolValue()
	}

	type seqEvent struct {
		seq int64
		ev  EventPayload
	}
	var events []seqEvent
	for _, s := range rs.GetScopeSpans()[0].GetSpans() {
		p.Spans = append(p.Spans, SpanPayload{
			TraceID:   traceIDFrom(s.GetTraceId()),
			ID:        spanIDFrom(s.GetSpanId()),
			ParentID:  spanIDFrom(s.GetParentSpanId()),
			Name:      s.GetName(),
			StartTime: fromUnixNano(s.GetStartTimeUnixNano()),
			EndTime:   fromUnixNano(s.GetEndTimeUnixNano()),
			Tags:      fromKeyValues(s.GetAttributes(), nil),
		})
		for _, e := range s.GetEvents() {
			attrs := e.GetAttributes()
			ev := EventPayload{
				Name:      e.GetName(),
				Timestamp: fromUnixNano(e.GetTimeUnixNano()),
				Tags: fromKeyValues(attrs, func(key string) bool {
					return strings.HasPrefix(key, attrEventPrefix) || key == attrCustomTags
				}),
			}
			if v, ok := lookup(attrs, attrEventID); ok {
				ev.ID = v.GetStringValue()
			}
			if v, ok := lookup(attrs, attrEventTraceID); ok {
				ev.TraceID = traceIDFrom(v.GetBytesValue())
			}
			if v, ok := lookup(attrs, attrEventSpanID); ok {
				ev.SpanID = spanIDFrom(v.GetBytesValue())
			}
			if v, ok := lookup(attrs, attrCustomTags); ok {
				ev.CustomTags = v.GetStringValue()
			}
			var seq int64
			if v, ok := lookup(attrs, attrEventSeq); ok {
				seq = v.GetIntValue()
			}
			events = append(events, seqEvent{seq: seq, ev: ev})
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].seq < events[j].seq })
	for _, e := range events {
		p.Events = append(p.Events, e.ev)
	}
	return p, nil
}

func slsTagsAttrs(t SlsTags) []*commonpb.KeyValue {
	attrs := []*commonpb.KeyValue{
		stringAttr(attrOrgID, t.OrgID),
		stringAttr(attrService, t.Service),
		stringAttr(attrSDKName, t.SDK.Name),
		stringAttr(attrSDKVersion, t.SDK.Version),
	}
	if t.SDK.Runtime != "" {
		attrs = append(attrs, stringAttr(attrSDKRuntime, t.SDK.Runtime))
	}
	if t.Environment != "" {
		attrs = append(attrs, stringAttr(attrEnvironment, t.Environment))
	}
	return attrs
}

func slsTagsFrom(attrs []*commonpb.KeyValue) SlsTags {
	get := func(key string) string {
		v, _ := lookup(attrs, key)
		return v.GetStringValue()
	}
	return SlsTags{
		OrgID:       get(attrOrgID),
		Service:     get(attrService),
		Environment: get(attrEnvironment),
		SDK: SDK{
			Name:    get(attrSDKName),
			Version: get(attrSDKVersion),
			Runtime: get(attrSDKRuntime),
		},
	}
}

func traceIDBytes(id trace.TraceID) []byte {
	if !id.IsValid() {
		return nil
	}
	return append([]byte(nil), id[:]...)
}

func spanIDBytes(id trace.SpanID) []byte {
	if !id.IsValid() {
		return nil
	}
	return append([]byte(nil), id[:]...)
}

func traceIDFrom(b []byte) trace.TraceID {
	var id trace.TraceID
	copy(id[:], b)
	return id
}

func spanIDFrom(b []byte) trace.SpanID {
	var id trace.SpanID
	copy(id[:], b)
	return id
}

func unixNano(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

func fromUnixNano(n uint64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(n)).UTC()
}
