package instrument

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aereal/lambda-instrumentation/awslambda"
	"github.com/aereal/lambda-instrumentation/capture"
	"github.com/aereal/lambda-instrumentation/codec"
	"github.com/aereal/lambda-instrumentation/outcome"
	"github.com/aereal/lambda-instrumentation/sampling"
	"github.com/aereal/lambda-instrumentation/span"
	"github.com/aereal/lambda-instrumentation/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// closeTrace finalizes the invocation that ended with c.
//
// It never fails: problems are reported and the root span is reset in any case.
func (w *Wrapper) closeTrace(ctx context.Context, c completion) {
	ctx = context.WithoutCancel(ctx)
	resetDone := false
	defer func() {
		if v := recover(); v != nil {
			w.reporter.Error(fmt.Errorf("close trace: %v", v))
		}
		if !resetDone {
			w.reset()
		}
		w.waitDeferred()
	}()

	func() {
		w.treeMu.Lock()
		defer w.treeMu.Unlock()

		end := w.cfg.now()
		o := c.outcome()
		root := w.registry.Root()
		w.mu.Lock()
		eventType, established := w.eventType, w.established
		w.mu.Unlock()

		resolver := outcome.Resolver{
			CaptureError: func(err error, ts time.Time) {
				w.events.Append(capture.NewError(err, capture.ErrorTypeUnhandled, root, ts))
			},
			TagResponse: func(output []byte) {
				if err := awslambda.ResolveResponseTags(root.Tags, eventType, output); err != nil {
					w.reporter.Error(fmt.Errorf("resolve response tags: %w", err))
				}
			},
		}
		if _, err := resolver.Resolve(root.Tags, o, c.output, c.error(), end); err != nil {
			w.reporter.Error(err)
		}
		if established && !o.IsError() && w.reportsBodies() {
			w.reportBody(ctx, eventType, codec.OriginResponse, c.output)
		}

		if initSpan := w.registry.Initialization(); !initSpan.Closed() {
			_, _ = initSpan.Close(end)
		}
		if inv := w.registry.Invocation(); inv != nil && !inv.Closed() {
			leftovers, _ := w.registry.CloseSpan(inv, end)
			if len(leftovers) > 0 {
				w.reporter.Warning(fmt.Sprintf("spans were not closed before the invocation ended: %v", leftovers), "UNCLOSED_SPANS")
			}
		}
		if !root.Closed() {
			_, _ = w.registry.CloseSpan(root, end)
		}

		if established {
			w.emit(ctx, o)
		}
		if w.exporter != nil {
			if err := w.exporter.Flush(ctx); err != nil {
				w.reporter.Error(err)
			}
		}

		w.reset()
		resetDone = true
		w.reporter.Debug(fmt.Sprintf("Overhead duration: Internal response: %dms", w.cfg.now().Sub(end).Milliseconds()))
	}()
}

// waitDeferred waits for the sends queued during the invocation and starts a new group for the next one.
func (w *Wrapper) waitDeferred() {
	w.mu.Lock()
	deferred := w.deferred
	w.deferred = new(errgroup.Group)
	w.mu.Unlock()
	if err := deferred.Wait(); err != nil {
		w.reporter.Error(fmt.Errorf("deferred send: %w", err))
	}
}

// emit serializes the closed trace according to the sampling decision and sends it.
func (w *Wrapper) emit(ctx context.Context, o outcome.Outcome) {
	root := w.registry.Root()
	pred := capture.BelongsTo(root.TraceID())
	if filter := w.cfg.eventFilter; filter != nil {
		belongs := pred
		pred = func(ev capture.Event) bool { return belongs(ev) && filter(ev) }
	}
	events := w.events.Filter(pred)
	hasAlert := false
	for _, ev := range events {
		if ev.IsAlert() {
			hasAlert = true
			break
		}
	}
	w.mu.Lock()
	eventType := w.eventType
	w.mu.Unlock()
	decision := w.sampler.Decide(sampling.Input{
		IsErrorOutcome: o.IsError(),
		IsDebugMode:    w.cfg.debugMode,
		IsDevMode:      w.cfg.devMode,
		HasAlertEvent:  hasAlert,
		IsAPIEvent:     awslambda.IsAPIEvent(eventType),
	})
	w.reporter.Debug("trace sampled", zap.Stringer("decision", decision))

	p := &codec.TracePayload{
		SlsTags:      w.slsTags,
		IsSampledOut: decision == sampling.ReduceToSkeleton,
	}
	for _, s := range w.registry.Spans() {
		if p.IsSampledOut && !span.IsCore(s.Name()) {
			continue
		}
		snap := s.Snapshot()
		p.Spans = append(p.Spans, codec.SpanPayload{
			TraceID:   snap.TraceID,
			ID:        snap.ID,
			ParentID:  snap.ParentID,
			Name:      snap.Name,
			StartTime: snap.StartTime,
			EndTime:   snap.EndTime,
			Tags:      snap.Tags,
		})
	}
	if !p.IsSampledOut {
		for _, ev := range events {
			p.Events = append(p.Events, eventPayload(ev))
		}
		if custom := w.customTags.Map(); len(custom) > 0 {
			b, err := json.Marshal(custom)
			if err != nil {
				w.reporter.Error(fmt.Errorf("encode custom tags: %w", err))
			} else {
				p.CustomTags = string(b)
			}
		}
	}

	b, err := codec.EncodeTrace(p)
	if err != nil {
		w.reporter.Error(err)
		return
	}
	if err := w.sender.Send(ctx, transport.ChannelTrace, b); err != nil {
		w.reporter.Error(fmt.Errorf("send trace: %w", err))
	}
	if w.exporter != nil {
		w.exporter.Enqueue(p.Spans)
	}
}

func eventPayload(ev capture.Event) codec.EventPayload {
	p := codec.EventPayload{
		ID:        ev.ID.String(),
		TraceID:   ev.TraceID,
		SpanID:    ev.SpanID,
		Name:      ev.Name,
		Timestamp: ev.Timestamp,
		Tags:      ev.Tags,
	}
	if len(ev.CustomTags) > 0 {
		if b, err := json.Marshal(ev.CustomTags); err == nil {
			p.CustomTags = string(b)
		}
	}
	return p
}

// reportBody queues the request or response body for delivery on the request-response channel.
//
// Binary bodies of API Gateway events are left out of the payload, and so are bodies larger than the configured limit.
func (w *Wrapper) reportBody(ctx context.Context, eventType awslambda.EventType, origin codec.Origin, body []byte) {
	ctx = context.WithoutCancel(ctx)
	kind := "INPUT"
	if origin == codec.OriginResponse {
		kind = "OUTPUT"
	}
	root := w.registry.Root()
	p := &codec.RequestResponsePayload{
		SlsTags:   w.slsTags,
		TraceID:   root.TraceID(),
		SpanID:    root.ID(),
		RequestID: awslambda.RequestID(ctx),
		Timestamp: w.cfg.now(),
		Origin:    origin,
	}
	if stripped, ok := awslambda.StripBinaryBody(eventType, body); ok {
		w.reporter.Notice(fmt.Sprintf("%s body was not reported: it is binary", kind), kind+"_BODY_BINARY")
		body = stripped
	}
	if len(body) > w.cfg.maxBodyBytes {
		w.reporter.Notice(fmt.Sprintf("%s body was not reported: it exceeds %d bytes", kind, w.cfg.maxBodyBytes), kind+"_BODY_TOO_LARGE")
	} else {
		s := string(body)
		p.Body = &s
	}
	b, err := codec.EncodeRequestResponse(p)
	if err != nil {
		w.reporter.Error(err)
		return
	}
	w.mu.Lock()
	deferred := w.deferred
	w.mu.Unlock()
	deferred.Go(func() error {
		return w.sender.Send(ctx, transport.ChannelRequestResponse, b)
	})
}

// reset clears the root span, the captured events and the custom tags for the next invocation.
func (w *Wrapper) reset() {
	w.registry.Reset()
	w.events.Reset()
	w.customTags.Reset()
	w.mu.Lock()
	w.established = false
	w.eventType = awslambda.EventTypeUnknown
	w.mu.Unlock()
}
