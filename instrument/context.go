package instrument

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aereal/lambda-instrumentation/capture"
	"github.com/aereal/lambda-instrumentation/span"
)

var (
	// ErrNoInvocation is returned when ctx is not an instrumented invocation context.
	ErrNoInvocation = errors.New("context does not carry an instrumented invocation")
	// ErrStaleInvocation is returned when the invocation ctx belongs to has already completed.
	ErrStaleInvocation = errors.New("invocation has already completed")
	// ErrHandled is the error reported by Fail when called without one.
	ErrHandled = errors.New("invocation failed")
)

type ctxKey struct{}

func withInvocation(ctx context.Context, inv *invocation) context.Context {
	return context.WithValue(ctx, ctxKey{}, inv)
}

func invocationFrom(ctx context.Context) (*invocation, error) {
	inv, ok := ctx.Value(ctxKey{}).(*invocation)
	if !ok {
		return nil, ErrNoInvocation
	}
	return inv, nil
}

// withActive runs fn while the invocation of ctx is running; the trace is not closed until fn returns.
func withActive(ctx context.Context, fn func(w *Wrapper) error) error {
	inv, err := invocationFrom(ctx)
	if err != nil {
		return err
	}
	w := inv.w
	w.treeMu.RLock()
	defer w.treeMu.RUnlock()
	if !w.active(inv) {
		return ErrStaleInvocation
	}
	return fn(w)
}

// Done completes the invocation of ctx with result, or with err when it is not nil.
//
// result is encoded as JSON unless it is already a []byte or json.RawMessage. Calls after the
// invocation completed, through any channel, are ignored.
func Done(ctx context.Context, result any, err error) {
	inv, ctxErr := invocationFrom(ctx)
	if ctxErr != nil {
		return
	}
	c := completion{err: err}
	if err == nil {
		output, encErr := encodeResult(result)
		if encErr != nil {
			c.err = fmt.Errorf("encode result: %w", encErr)
		}
		c.output = output
	}
	inv.w.complete(inv, c)
}

// Succeed is Done(ctx, result, nil).
func Succeed(ctx context.Context, result any) { Done(ctx, result, nil) }

// Fail completes the invocation of ctx with a handled error.
func Fail(ctx context.Context, err error) {
	if err == nil {
		err = ErrHandled
	}
	Done(ctx, nil, err)
}

func encodeResult(result any) ([]byte, error) {
	switch v := result.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	}
	return json.Marshal(result)
}

type spanKey struct{}

// ContextWithSpan returns a copy of ctx in which spans created by CreateSpan are children of s.
func ContextWithSpan(ctx context.Context, s *span.Span) context.Context {
	return context.WithValue(ctx, spanKey{}, s)
}

// CreateSpan opens a span named name.
//
// Its parent is the span carried by ctx (see ContextWithSpan) while that span is open, otherwise the
// innermost open span of the invocation.
func CreateSpan(ctx context.Context, name string) (*span.Span, error) {
	parent, _ := ctx.Value(spanKey{}).(*span.Span)
	var s *span.Span
	err := withActive(ctx, func(w *Wrapper) error {
		var err error
		s, err = w.registry.CreateSpan(name, parent, w.cfg.now())
		return err
	})
	return s, err
}

// CloseSpan closes s. Spans opened under s and still open are closed with it.
func CloseSpan(ctx context.Context, s *span.Span) error {
	return withActive(ctx, func(w *Wrapper) error {
		leftovers, err := w.registry.CloseSpan(s, w.cfg.now())
		if err != nil {
			return err
		}
		if len(leftovers) > 0 {
			w.reporter.Warning(fmt.Sprintf("closing %s closed spans still open: %v", s.Name(), leftovers), "UNCLOSED_SPANS")
		}
		return nil
	})
}

// CurrentSpan returns the innermost open span of the invocation, or nil outside of a running invocation.
func CurrentSpan(ctx context.Context) *span.Span {
	var s *span.Span
	_ = withActive(ctx, func(w *Wrapper) error {
		s = w.registry.Current()
		return nil
	})
	return s
}

// CaptureError records err as a handled error on the current span.
func CaptureError(ctx context.Context, err error) error {
	return withActive(ctx, func(w *Wrapper) error {
		ev := capture.NewError(err, capture.ErrorTypeHandledUser, w.registry.Current(), w.cfg.now())
		ev.CustomTags = w.customTags.Map()
		w.events.Append(ev)
		return nil
	})
}

// CaptureWarning records a user warning on the current span.
func CaptureWarning(ctx context.Context, msg string) error {
	return withActive(ctx, func(w *Wrapper) error {
		ev := capture.NewWarning(msg, capture.WarningTypeUser, w.registry.Current(), w.cfg.now())
		ev.CustomTags = w.customTags.Map()
		w.events.Append(ev)
		return nil
	})
}

// SetTag sets a custom tag reported with the trace.
func SetTag(ctx context.Context, key string, value any) error {
	return withActive(ctx, func(w *Wrapper) error {
		return w.customTags.Set(key, value)
	})
}
