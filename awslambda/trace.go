package awslambda

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	attrAWSTraceHeader = "AWSTraceHeader"
	headerXrayID       = "X-Amzn-Trace-Id"
	// contextKeyTraceID is the context key the Lambda runtime stores the X-Ray header under.
	contextKeyTraceID = "x-amzn-trace-id"
)

// LinkFromSQSMessage returns the span context propagated with msg by an instrumented producer.
func LinkFromSQSMessage(ctx context.Context, msg events.SQSMessage) (trace.SpanContext, bool) {
	header, ok := msg.Attributes[attrAWSTraceHeader]
	if !ok {
		return trace.SpanContext{}, false
	}
	return extractXray(ctx, header)
}

// TraceContext returns the X-Ray span context the Lambda runtime assigned to the invocation.
func TraceContext(ctx context.Context) (trace.SpanContext, bool) {
	header, _ := ctx.Value(contextKeyTraceID).(string)
	if header == "" {
		return trace.SpanContext{}, false
	}
	return extractXray(ctx, header)
}

func extractXray(ctx context.Context, header string) (trace.SpanContext, bool) {
	carrier := propagation.MapCarrier{}
	carrier.Set(headerXrayID, header)
	sc := trace.SpanContextFromContext(xray.Propagator{}.Extract(ctx, carrier))
	return sc, sc.IsValid()
}

func sqsTags(ev events.SQSEvent) []tag {
	ids := make([]string, 0, len(ev.Records))
	var (
		queue string
		links []string
	)
	for _, msg := range ev.Records {
		ids = append(ids, msg.MessageId)
		queue = resourceName(msg.EventSourceARN)
		if sc, ok := LinkFromSQSMessage(context.Background(), msg); ok {
			links = append(links, sc.TraceID().String()+"-"+sc.SpanID().String())
		}
	}
	tags := []tag{
		{"aws.lambda.sqs.queue_name", queue},
		{"aws.lambda.sqs.batch_size", len(ev.Records)},
		{"aws.lambda.sqs.message_ids", ids},
	}
	if len(links) > 0 {
		tags = append(tags, tag{"aws.lambda.sqs.links", links})
	}
	return tags
}
