package codec

import (
	"fmt"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/proto"
)

const (
	attrRequestID = "aws.lambda.request_id"
	attrOrigin    = "sls.origin"
)

// EncodeRequestResponse serializes p as OTLP LogsData holding a single log record.
func EncodeRequestResponse(p *RequestResponsePayload) ([]byte, error) {
	rec := &logspb.LogRecord{
		TimeUnixNano: unixNano(p.Timestamp),
		TraceId:      traceIDBytes(p.TraceID),
		SpanId:       spanIDBytes(p.SpanID),
		Attributes: []*commonpb.KeyValue{
			stringAttr(attrRequestID, p.RequestID),
			{Key: attrOrigin, Value: intValue(int64(p.Origin))},
		},
	}
	if p.Body != nil {
		rec.Body = toAnyValue(*p.Body)
	}
	data := &logspb.LogsData{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: &resourcepb.Resource{Attributes: slsTagsAttrs(p.SlsTags)},
			ScopeLogs: []*logspb.ScopeLogs{{
				Scope:      &commonpb.InstrumentationScope{Name: p.SlsTags.SDK.Name, Version: p.SlsTags.SDK.Version},
				LogRecords: []*logspb.LogRecord{rec},
			}},
		}},
	}
	b, err := proto.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal request/response: %w", err)
	}
	return b, nil
}

// DecodeRequestResponse is the inverse of EncodeRequestResponse.
func DecodeRequestResponse(b []byte) (*RequestResponsePayload, error) {
	var data logspb.LogsData
	if err := proto.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("unmarshal request/response: %w", err)
	}
	rls := data.GetResourceLogs()
	if len(rls) != 1 || len(rls[0].GetScopeLogs()) != 1 || len(rls[0].GetScopeLogs()[0].GetLogRecords()) != 1 {
		return nil, ErrMalformedTrace
	}
	rec := rls[0].GetScopeLogs()[0].GetLogRecords()[0]
	p := &RequestResponsePayload{
		SlsTags:   slsTagsFrom(rls[0].GetResource().GetAttributes()),
		TraceID:   traceIDFrom(rec.GetTraceId()),
		SpanID:    spanIDFrom(rec.GetSpanId()),
		Timestamp: fromUnixNano(rec.GetTimeUnixNano()),
	}
	if v, ok := lookup(rec.GetAttributes(), attrRequestID); ok {
		p.RequestID = v.GetStringValue()
	}
	if v, ok := lookup(rec.GetAttributes(), attrOrigin); ok {
		p.Origin = Origin(v.GetIntValue())
	}
	if rec.GetBody() != nil {
		body := rec.GetBody().GetStringValue()
		p.Body = &body
	}
	return p, nil
}
