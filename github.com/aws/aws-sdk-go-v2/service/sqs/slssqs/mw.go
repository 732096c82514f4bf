// Package slssqs reports Amazon SQS client calls made during an instrumented invocation as spans.
//
// Sent messages carry the span's X-Ray trace header so that consuming functions link back to it.
package slssqs

import (
	"context"
	"errors"
	"fmt"
	neturl "net/url"
	"path"
	"strings"

	"github.com/aereal/lambda-instrumentation/instrument"
	"github.com/aereal/lambda-instrumentation/span"
	sdkmw "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	mw "github.com/aws/smithy-go/middleware"
	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const middlewareID = "github.com/aereal/lambda-instrumentation/slssqs.Initialize"

const (
	TagService          = "aws.sdk.service"
	TagOperation        = "aws.sdk.operation"
	TagRegion           = "aws.sdk.region"
	TagSignatureVersion = "aws.sdk.signature_version"
	TagRequestID        = "aws.sdk.request_id"
	TagErrorCode        = "aws.sdk.error_code"
	TagQueueName        = "aws.sdk.sqs.queue_name"
	TagMessageIDs       = "aws.sdk.sqs.message_ids"
	TagFailedIDs        = "aws.sdk.sqs.failed_batch_ids"
)

type config struct {
	propagator propagation.TextMapPropagator
}

type Option func(*config)

// WithPropagator replaces the X-Ray propagator used to stamp outgoing messages.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(c *config) { c.propagator = p }
}

// AppendMiddlewares registers the span middleware on the client's API options.
//
// Calls made with a context that is not a running invocation are passed through untouched.
func AppendMiddlewares(apiOptions *[]func(*mw.Stack) error, opts ...Option) {
	cfg := config{propagator: xray.Propagator{}}
	for _, o := range opts {
		o(&cfg)
	}
	m := &middleware{propagator: cfg.propagator}
	*apiOptions = append(*apiOptions, m.register)
}

type middleware struct {
	propagator propagation.TextMapPropagator
}

func (m *middleware) register(stack *mw.Stack) error {
	fn := mw.InitializeMiddlewareFunc(middlewareID, m.handleInitialize)
	if swapped := swap(stack.Initialize, middlewareID, fn); swapped {
		return nil
	}
	return stack.Initialize.Add(fn, mw.After)
}

func (m *middleware) handleInitialize(ctx context.Context, input mw.InitializeInput, next mw.InitializeHandler) (mw.InitializeOutput, mw.Metadata, error) {
	serviceID := sdkmw.GetServiceID(ctx)
	operation := sdkmw.GetOperationName(ctx)
	s, err := instrument.CreateSpan(ctx, SpanName(serviceID, operation))
	if err != nil {
		return next.HandleInitialize(ctx, input)
	}
	defer func() { _ = instrument.CloseSpan(ctx, s) }()

	set(s, TagService, strings.ToLower(serviceID))
	set(s, TagOperation, operation)
	set(s, TagSignatureVersion, "v4")
	if region := sdkmw.GetRegion(ctx); region != "" {
		set(s, TagRegion, region)
	}

	carrierCtx := trace.ContextWithSpanContext(ctx, s.SpanContext())
	switch params := input.Parameters.(type) {
	case *sqs.SendMessageInput:
		tagQueue(s, params.QueueUrl)
		carrier := &SystemAttributesCarrier{Attributes: params.MessageSystemAttributes}
		m.propagator.Inject(carrierCtx, carrier)
		params.MessageSystemAttributes = carrier.Attributes
	case *sqs.SendMessageBatchInput:
		tagQueue(s, params.QueueUrl)
		for i := range params.Entries {
			carrier := &SystemAttributesCarrier{Attributes: params.Entries[i].MessageSystemAttributes}
			m.propagator.Inject(carrierCtx, carrier)
			params.Entries[i].MessageSystemAttributes = carrier.Attributes
		}
	case *sqs.ReceiveMessageInput:
		tagQueue(s, params.QueueUrl)
	case *sqs.DeleteMessageInput:
		tagQueue(s, params.QueueUrl)
	}

	out, metadata, err := next.HandleInitialize(ctx, input)
	if requestID, ok := sdkmw.GetRequestIDMetadata(metadata); ok {
		set(s, TagRequestID, requestID)
	}
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			set(s, TagErrorCode, apiErr.ErrorCode())
		}
		return out, metadata, err
	}

	switch res := out.Result.(type) {
	case *sqs.SendMessageOutput:
		if res.MessageId != nil {
			set(s, TagMessageIDs, []string{*res.MessageId})
		}
	case *sqs.SendMessageBatchOutput:
		ids := make([]string, 0, len(res.Successful))
		for _, entry := range res.Successful {
			if entry.MessageId != nil {
				ids = append(ids, *entry.MessageId)
			}
		}
		set(s, TagMessageIDs, ids)
		if len(res.Failed) > 0 {
			failed := make([]string, 0, len(res.Failed))
			for _, entry := range res.Failed {
				batchErr := &SendMessageBatchError{Entry: entry}
				failed = append(failed, batchErr.BatchRequestID())
				_ = instrument.CaptureWarning(ctx, batchErr.Error())
			}
			set(s, TagFailedIDs, failed)
		}
	case *sqs.ReceiveMessageOutput:
		ids := make([]string, 0, len(res.Messages))
		for _, msg := range res.Messages {
			if msg.MessageId != nil {
				ids = append(ids, *msg.MessageId)
			}
		}
		set(s, TagMessageIDs, ids)
	}
	return out, metadata, nil
}

// set records a tag; a rejected tag never fails the SDK call.
func set(s *span.Span, key string, value any) {
	_ = s.Tags.Set(key, value)
}

func tagQueue(s *span.Span, queueURL *string) {
	if queueURL == nil {
		return
	}
	set(s, TagQueueName, QueueName(*queueURL))
}

type swappableStep[T any] interface {
	Swap(string, T) (T, error)
}

func swap[T any](step swappableStep[T], id string, mwFn T) bool {
	_, err := step.Swap(id, mwFn)
	return err == nil
}

// SpanName names the span of a call: aws.sdk.<service>.<operation>, lower-cased.
func SpanName(serviceID, operation string) string {
	b := new(strings.Builder)
	b.WriteString("aws.sdk.")
	b.WriteString(strings.ToLower(serviceID))
	if operation != "" {
		b.WriteRune('.')
		b.WriteString(strings.ToLower(operation))
	}
	return b.String()
}

// QueueName returns the last path element of queueURL.
func QueueName(queueURL string) string {
	url, err := neturl.Parse(queueURL)
	if err != nil {
		return queueURL
	}
	return path.Base(url.Path)
}

// SendMessageBatchError is a batch entry SQS refused to send.
type SendMessageBatchError struct {
	Entry types.BatchResultErrorEntry
}

func (e *SendMessageBatchError) Code() string {
	if e == nil || e.Entry.Code == nil {
		return ""
	}
	return *e.Entry.Code
}

func (e *SendMessageBatchError) Message() string {
	if e == nil || e.Entry.Message == nil {
		return ""
	}
	return *e.Entry.Message
}

func (e *SendMessageBatchError) BatchRequestID() string {
	if e == nil || e.Entry.Id == nil {
		return ""
	}
	return *e.Entry.Id
}

func (e *SendMessageBatchError) SenderFault() bool {
	return e != nil && e.Entry.SenderFault
}

func (e *SendMessageBatchError) Error() string {
	b := new(strings.Builder)
	fmt.Fprintf(b, "batch entry %s: %s", e.BatchRequestID(), e.Code())
	if msg := e.Message(); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	return b.String()
}
