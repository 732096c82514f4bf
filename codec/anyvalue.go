package codec

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/aereal/lambda-instrumentation/span"
	"go.opentelemetry.io/otel/trace"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
)

func toAnyValue(v any) *commonpb.AnyValue {
	switch v := v.(type) {
	case nil:
		return &commonpb.AnyValue{}
	case string:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}}
	case bool:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: v}}
	case int:
		return intValue(int64(v))
	case int8:
		return intValue(int64(v))
	case int16:
		return intValue(int64(v))
	case int32:
		return intValue(int64(v))
	case int64:
		return intValue(v)
	case uint8:
		return intValue(int64(v))
	case uint16:
		return intValue(int64(v))
	case uint32:
		return intValue(int64(v))
	case uint64:
		return intValue(int64(v))
	case float32:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: float64(v)}}
	case float64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: v}}
	case []byte:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BytesValue{BytesValue: v}}
	case time.Time:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v.UTC().Format(time.RFC3339Nano)}}
	case trace.TraceID:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BytesValue{BytesValue: v[:]}}
	case trace.SpanID:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BytesValue{BytesValue: v[:]}}
	case fmt.Stringer:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v.String()}}
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		values := make([]*commonpb.AnyValue, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			values = append(values, toAnyValue(rv.Index(i).Interface()))
		}
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{ArrayValue: &commonpb.ArrayValue{Values: values}}}
	case reflect.Map:
		keys := make([]string, 0, rv.Len())
		byKey := make(map[string]reflect.Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := fmt.Sprint(iter.Key().Interface())
			keys = append(keys, k)
			byKey[k] = iter.Value()
		}
		sort.Strings(keys)
		kvs := make([]*commonpb.KeyValue, 0, len(keys))
		for _, k := range keys {
			kvs = append(kvs, &commonpb.KeyValue{Key: k, Value: toAnyValue(byKey[k].Interface())})
		}
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_KvlistValue{KvlistValue: &commonpb.KeyValueList{Values: kvs}}}
	case reflect.Pointer:
		if rv.IsNil() {
			return &commonpb.AnyValue{}
		}
		return toAnyValue(rv.Elem().Interface())
	}
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: fmt.Sprint(v)}}
}

func intValue(v int64) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v}}
}

func fromAnyValue(av *commonpb.AnyValue) any {
	switch v := av.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return v.StringValue
	case *commonpb.AnyValue_BoolValue:
		return v.BoolValue
	case *commonpb.AnyValue_IntValue:
		return v.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return v.DoubleValue
	case *commonpb.AnyValue_BytesValue:
		return v.BytesValue
	case *commonpb.AnyValue_ArrayValue:
		values := make([]any, 0, len(v.ArrayValue.GetValues()))
		for _, e := range v.ArrayValue.GetValues() {
			values = append(values, fromAnyValue(e))
		}
		return values
	case *commonpb.AnyValue_KvlistValue:
		m := make(map[string]any, len(v.KvlistValue.GetValues()))
		for _, kv := range v.KvlistValue.GetValues() {
			m[kv.GetKey()] = fromAnyValue(kv.GetValue())
		}
		return m
	}
	return nil
}

func toKeyValues(tags []span.Tag) []*commonpb.KeyValue {
	kvs := make([]*commonpb.KeyValue, 0, len(tags))
	for _, t := range tags {
		kvs = append(kvs, &commonpb.KeyValue{Key: t.Key, Value: toAnyValue(t.Value)})
	}
	return kvs
}

func fromKeyValues(kvs []*commonpb.KeyValue, skip func(key string) bool) []span.Tag {
	tags := make([]span.Tag, 0, len(kvs))
	for _, kv := range kvs {
		if skip != nil && skip(kv.GetKey()) {
			continue
		}
		tags = append(tags, span.Tag{Key: kv.GetKey(), Value: fromAnyValue(kv.GetValue())})
	}
	return tags
}

func stringAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: toAnyValue(value)}
}

func lookup(kvs []*commonpb.KeyValue, key string) (*commonpb.AnyValue, bool) {
	for _, kv := range kvs {
		if kv.GetKey() == key {
			return kv.GetValue(), true
		}
	}
	return nil, false
}
