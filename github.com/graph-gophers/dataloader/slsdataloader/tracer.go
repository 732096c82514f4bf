// Package slsdataloader reports dataloader loads and batches as spans of the running invocation.
package slsdataloader

import (
	"context"
	"fmt"

	"github.com/aereal/lambda-instrumentation/instrument"
	"github.com/aereal/lambda-instrumentation/span"
	"github.com/graph-gophers/dataloader/v7"
)

const (
	SpanLoad     = "dataloader.load"
	SpanLoadMany = "dataloader.load_many"
	SpanBatch    = "dataloader.batch"

	TagName      = "dataloader.name"
	TagKey       = "dataloader.key"
	TagKeys      = "dataloader.keys"
	TagKeysCount = "dataloader.keys_count"
)

type config struct {
	name string
}

type Option func(*config)

// WithName creates an new Option that indicates data loader's name.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithTracer creates an new dataloader.Option that reports loads as spans.
//
// Loads issued with a context that is not a running invocation are not traced.
func WithTracer[K comparable, V any](opts ...Option) dataloader.Option[K, V] {
	var cfg config
	for _, o := range opts {
		o(&cfg)
	}
	return dataloader.WithTracer[K, V](&tracer[K, V]{name: cfg.name})
}

type tracer[K comparable, V any] struct {
	name string
}

var _ dataloader.Tracer[string, any] = (*tracer[string, any])(nil)

func (t *tracer[K, V]) TraceLoad(ctx context.Context, key K) (context.Context, dataloader.TraceLoadFinishFunc[V]) {
	ctx, s := t.start(ctx, SpanLoad, TagKey, fmt.Sprintf("%#v", key))
	return ctx, func(_ dataloader.Thunk[V]) {
		finish(ctx, s)
	}
}

func (t *tracer[K, V]) TraceLoadMany(ctx context.Context, keys []K) (context.Context, dataloader.TraceLoadManyFinishFunc[V]) {
	spanCtx, s := t.start(ctx, SpanLoadMany, TagKeys, fmt.Sprintf("%#v", keys))
	setTag(s, TagKeysCount, len(keys))
	if s != nil {
		// LoadMany returns before its loads complete, so they are reported as its siblings.
		ctx = instrument.ContextWithSpan(ctx, s.Parent())
	}
	return ctx, func(_ dataloader.ThunkMany[V]) {
		finish(spanCtx, s)
	}
}

// TraceBatch closes the batch span once the batch function returns.
// The loader hands the finish func the results slice as it was before the batch ran, so results are not tagged.
func (t *tracer[K, V]) TraceBatch(ctx context.Context, keys []K) (context.Context, dataloader.TraceBatchFinishFunc[V]) {
	ctx, s := t.start(ctx, SpanBatch, TagKeys, fmt.Sprintf("%#v", keys))
	setTag(s, TagKeysCount, len(keys))
	return ctx, func(_ []*dataloader.Result[V]) {
		finish(ctx, s)
	}
}

// start opens a span under the one carried by ctx; s is nil outside of an invocation.
func (t *tracer[K, V]) start(ctx context.Context, name, keyTag, keys string) (context.Context, *span.Span) {
	s, err := instrument.CreateSpan(ctx, name)
	if err != nil {
		return ctx, nil
	}
	if t.name != "" {
		setTag(s, TagName, t.name)
	}
	setTag(s, keyTag, keys)
	return instrument.ContextWithSpan(ctx, s), s
}

func setTag(s *span.Span, key string, value any) {
	if s == nil {
		return
	}
	_ = s.Tags.Set(key, value)
}

func finish(ctx context.Context, s *span.Span) {
	if s == nil {
		return
	}
	_ = instrument.CloseSpan(ctx, s)
}
