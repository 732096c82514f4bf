package instrument_test

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aereal/lambda-instrumentation/capture"
	"github.com/aereal/lambda-instrumentation/codec"
	"github.com/aereal/lambda-instrumentation/instrument"
	"github.com/aereal/lambda-instrumentation/sampling"
	"github.com/aereal/lambda-instrumentation/span"
	"github.com/aereal/lambda-instrumentation/transport"
	"github.com/aws/aws-lambda-go/events"
	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/contrib/propagators/aws/xray"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type sentPayload struct {
	Channel transport.Channel
	Payload []byte
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentPayload
}

func (r *recordingSender) Send(_ context.Context, ch transport.Channel, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentPayload{Channel: ch, Payload: payload})
	return nil
}

func (r *recordingSender) payloads(ch transport.Channel) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]byte
	for _, s := range r.sent {
		if s.Channel == ch {
			out = append(out, s.Payload)
		}
	}
	return out
}

func (r *recordingSender) traces(t *testing.T) []*codec.TracePayload {
	t.Helper()
	var out []*codec.TracePayload
	for _, b := range r.payloads(transport.ChannelTrace) {
		p, err := codec.DecodeTrace(b)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, p)
	}
	return out
}

func (r *recordingSender) requestResponses(t *testing.T) []*codec.RequestResponsePayload {
	t.Helper()
	var out []*codec.RequestResponsePayload
	for _, b := range r.payloads(transport.ChannelRequestResponse) {
		p, err := codec.DecodeRequestResponse(b)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out
}

type fixture struct {
	wrapper *instrument.Wrapper
	sender  *recordingSender
	logs    *observer.ObservedLogs
}

func newFixture(t *testing.T, handler any, opts ...instrument.Option) *fixture {
	t.Helper()
	clearEnv(t)
	core, logs := observer.New(zapcore.DebugLevel)
	sender := &recordingSender{}
	base := []instrument.Option{
		instrument.WithOrgID("org-1"),
		instrument.WithSender(sender),
		instrument.WithLogger(zap.New(core)),
	}
	w, err := instrument.New(handler, append(base, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{wrapper: w, sender: sender, logs: logs}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"SLS_ORG_ID", "SLS_DEV_MODE_ORG_ID", "SLS_SDK_DEBUG", "SLS_DISABLE_REQUEST_RESPONSE_MONITORING"} {
		t.Setenv(key, "")
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if deadline, ok := t.Deadline(); ok {
		ctx, cancel = context.WithDeadline(ctx, deadline)
	}
	t.Cleanup(cancel)
	return ctx
}

type invokeResult struct {
	Output []byte
	Err    error
	Crash  *instrument.Crash
}

func invoke(ctx context.Context, w *instrument.Wrapper, payload string) (res invokeResult) {
	defer func() {
		if v := recover(); v != nil {
			c, ok := v.(*instrument.Crash)
			if !ok {
				panic(v)
			}
			res.Crash = c
		}
	}()
	res.Output, res.Err = w.Invoke(ctx, []byte(payload))
	return res
}

func findSpan(p *codec.TracePayload, name string) *codec.SpanPayload {
	for i := range p.Spans {
		if p.Spans[i].Name == name {
			return &p.Spans[i]
		}
	}
	return nil
}

func rootTags(t *testing.T, p *codec.TracePayload) map[string]any {
	t.Helper()
	root := findSpan(p, span.RootName)
	if root == nil {
		t.Fatal("root span is missing")
	}
	m := map[string]any{}
	for _, tag := range root.Tags {
		m[tag.Key] = tag.Value
	}
	return m
}

func spanNames(p *codec.TracePayload) []string {
	names := make([]string, 0, len(p.Spans))
	for _, s := range p.Spans {
		names = append(names, s.Name)
	}
	return names
}

func eventNames(p *codec.TracePayload) []string {
	var names []string
	for _, ev := range p.Events {
		names = append(names, ev.Name)
	}
	return names
}

func TestWrapper_callbackSuccess(t *testing.T) {
	ctx := testContext(t)
	handler := func(ctx context.Context, _ json.RawMessage) (string, error) {
		instrument.Done(ctx, "ok", nil)
		return "returned after the callback", nil
	}
	f := newFixture(t, handler, instrument.WithDevMode(true), instrument.WithRequestResponseMonitoring(true))

	res := invoke(ctx, f.wrapper, `{}`)
	if res.Err != nil || res.Crash != nil {
		t.Fatalf("unexpected failure: %+v", res)
	}
	if diff := cmp.Diff(`"ok"`, string(res.Output)); diff != "" {
		t.Errorf("output (-want, +got):\n%s", diff)
	}
	traces := f.sender.traces(t)
	if len(traces) != 1 {
		t.Fatalf("want 1 trace, got %d", len(traces))
	}
	if got := rootTags(t, traces[0])["aws.lambda.outcome"]; got != int64(1) {
		t.Errorf("outcome: want 1, got %v", got)
	}
	rr := f.sender.requestResponses(t)
	if len(rr) != 2 {
		t.Fatalf("want request and response payloads, got %d", len(rr))
	}
	if rr[0].Origin != codec.OriginRequest || rr[0].Body == nil || *rr[0].Body != `{}` {
		t.Errorf("unexpected request payload: %+v", rr[0])
	}
	if rr[1].Origin != codec.OriginResponse || rr[1].Body == nil || *rr[1].Body != `"ok"` {
		t.Errorf("unexpected response payload: %+v", rr[1])
	}
	if rr[1].TraceID != traces[0].Spans[0].TraceID {
		t.Errorf("response payload belongs to trace %s, want %s", rr[1].TraceID, traces[0].Spans[0].TraceID)
	}
}

var errBoom = errors.New("boom")

func TestWrapper_completionChannels(t *testing.T) {
	testCases := []struct {
		name        string
		handler     func(ctx context.Context, finished chan<- struct{}) (string, error)
		wantOutput  string
		wantErr     error
		wantCrash   bool
		wantOutcome int64
		wantEvents  []string
		wantFatal   int32
	}{
		{
			name: "return",
			handler: func(ctx context.Context, finished chan<- struct{}) (string, error) {
				defer close(finished)
				return "ok", nil
			},
			wantOutput:  `"ok"`,
			wantOutcome: 1,
		},
		{
			name: "return with error",
			handler: func(ctx context.Context, finished chan<- struct{}) (string, error) {
				defer close(finished)
				return "", errBoom
			},
			wantErr:     errBoom,
			wantOutcome: 5,
			wantEvents:  []string{capture.NameError},
		},
		{
			name: "callback then return",
			handler: func(ctx context.Context, finished chan<- struct{}) (string, error) {
				defer close(finished)
				instrument.Succeed(ctx, map[string]string{"answer": "callback"})
				instrument.Fail(ctx, errBoom)
				return "return", nil
			},
			wantOutput:  `{"answer":"callback"}`,
			wantOutcome: 1,
		},
		{
			name: "callback error then return",
			handler: func(ctx context.Context, finished chan<- struct{}) (string, error) {
				defer close(finished)
				instrument.Fail(ctx, errBoom)
				return "return", nil
			},
			wantErr:     errBoom,
			wantOutcome: 5,
			wantEvents:  []string{capture.NameError},
		},
		{
			name: "crash",
			handler: func(ctx context.Context, finished chan<- struct{}) (string, error) {
				defer close(finished)
				panic(errBoom)
			},
			wantCrash:   true,
			wantOutcome: 3,
			wantEvents:  []string{capture.NameError},
			wantFatal:   1,
		},
		{
			name: "callback then crash",
			handler: func(ctx context.Context, finished chan<- struct{}) (string, error) {
				defer close(finished)
				instrument.Succeed(ctx, "ok")
				panic(errBoom)
			},
			wantOutput:  `"ok"`,
			wantOutcome: 1,
			wantFatal:   1,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := testContext(t)
			finished := make(chan struct{})
			handler := func(ctx context.Context, _ json.RawMessage) (string, error) {
				return tc.handler(ctx, finished)
			}
			f := newFixture(t, handler)
			var fatalCalls, tracesAtFatal atomic.Int32
			fatalDelivered := make(chan struct{}, 1)
			f.wrapper.OnFatal(func(c *instrument.Crash) {
				if !errors.Is(c, errBoom) {
					t.Errorf("crash: want %v, got %v", errBoom, c)
				}
				tracesAtFatal.Store(int32(len(f.sender.payloads(transport.ChannelTrace))))
				fatalCalls.Add(1)
				fatalDelivered <- struct{}{}
			})

			res := invoke(ctx, f.wrapper, `{}`)
			<-finished
			if tc.wantFatal > 0 {
				select {
				case <-fatalDelivered:
				case <-time.After(5 * time.Second):
					t.Fatal("fatal handlers were not called")
				}
			}

			if got := res.Crash != nil; got != tc.wantCrash {
				t.Fatalf("crash: want %v, got %+v", tc.wantCrash, res.Crash)
			}
			if !errors.Is(res.Err, tc.wantErr) {
				t.Errorf("error: want %v, got %v", tc.wantErr, res.Err)
			}
			if diff := cmp.Diff(tc.wantOutput, string(res.Output)); diff != "" {
				t.Errorf("output (-want, +got):\n%s", diff)
			}
			traces := f.sender.traces(t)
			if len(traces) != 1 {
				t.Fatalf("want exactly 1 trace, got %d", len(traces))
			}
			if got := rootTags(t, traces[0])["aws.lambda.outcome"]; got != tc.wantOutcome {
				t.Errorf("outcome: want %d, got %v", tc.wantOutcome, got)
			}
			if diff := cmp.Diff(tc.wantEvents, eventNames(traces[0])); diff != "" {
				t.Errorf("events (-want, +got):\n%s", diff)
			}
			if got := fatalCalls.Load(); got != tc.wantFatal {
				t.Errorf("fatal handler calls: want %d, got %d", tc.wantFatal, got)
			}
			if tc.wantFatal > 0 && tracesAtFatal.Load() != 1 {
				t.Errorf("fatal handlers ran before the trace was sent")
			}
		})
	}
}

func TestWrapper_Fatal_crashNeverDeliversSuccess(t *testing.T) {
	ctx := testContext(t)
	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	handler := func(ctx context.Context, _ json.RawMessage) (string, error) {
		defer close(finished)
		close(started)
		<-release
		return "ok", nil
	}
	f := newFixture(t, handler)
	var fatalCalls atomic.Int32
	f.wrapper.OnFatal(func(*instrument.Crash) { fatalCalls.Add(1) })

	results := make(chan invokeResult, 1)
	go func() { results <- invoke(ctx, f.wrapper, `{}`) }()
	<-started

	f.wrapper.Fatal("host reported crash")
	if n := len(f.sender.traces(t)); n != 1 {
		t.Fatalf("trace must be sent before Fatal returns; got %d traces", n)
	}

	close(release)
	<-finished
	res := <-results
	if res.Crash == nil {
		t.Fatalf("invocation completed without crashing: output=%q err=%v", res.Output, res.Err)
	}
	if res.Output != nil {
		t.Errorf("crashed invocation delivered output %q", res.Output)
	}
	traces := f.sender.traces(t)
	if len(traces) != 1 {
		t.Fatalf("want exactly 1 trace, got %d", len(traces))
	}
	if got := rootTags(t, traces[0])["aws.lambda.outcome"]; got != int64(3) {
		t.Errorf("outcome: want 3, got %v", got)
	}
	if got := fatalCalls.Load(); got != 1 {
		t.Errorf("fatal handler calls: want 1, got %d", got)
	}
}

func TestWrapper_Fatal_beforeFirstInvocation(t *testing.T) {
	f := newFixture(t, func(context.Context) error { return nil })
	var fatalCalls atomic.Int32
	f.wrapper.OnFatal(func(*instrument.Crash) { fatalCalls.Add(1) })
	f.wrapper.Fatal(errBoom)
	if n := len(f.sender.payloads(transport.ChannelTrace)); n != 0 {
		t.Errorf("want no trace without an invocation, got %d", n)
	}
	if got := fatalCalls.Load(); got != 1 {
		t.Errorf("fatal handler calls: want 1, got %d", got)
	}
}

func TestWrapper_staleCompletion(t *testing.T) {
	ctx := testContext(t)
	var (
		mu    sync.Mutex
		saved context.Context
		calls int
	)
	handler := func(ctx context.Context, _ json.RawMessage) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			saved = ctx
			return "first", nil
		}
		instrument.Done(saved, "stale", nil)
		if _, err := instrument.CreateSpan(saved, "stale-span"); !errors.Is(err, instrument.ErrStaleInvocation) {
			t.Errorf("CreateSpan on a stale context: want ErrStaleInvocation, got %v", err)
		}
		if err := instrument.SetTag(saved, "stale", true); !errors.Is(err, instrument.ErrStaleInvocation) {
			t.Errorf("SetTag on a stale context: want ErrStaleInvocation, got %v", err)
		}
		return "fresh", nil
	}
	f := newFixture(t, handler)
	for _, want := range []string{`"first"`, `"fresh"`} {
		res := invoke(ctx, f.wrapper, `{}`)
		if res.Err != nil || res.Crash != nil {
			t.Fatalf("unexpected failure: %+v", res)
		}
		if diff := cmp.Diff(want, string(res.Output)); diff != "" {
			t.Errorf("output (-want, +got):\n%s", diff)
		}
	}
	traces := f.sender.traces(t)
	if len(traces) != 2 {
		t.Fatalf("want 2 traces, got %d", len(traces))
	}
	if findSpan(traces[1], "stale-span") != nil {
		t.Error("stale span leaked into the next trace")
	}
}

func TestWrapper_supersededInvocation(t *testing.T) {
	ctx := testContext(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	handler := func(ctx context.Context, _ json.RawMessage) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			return "first", nil
		}
		return "second", nil
	}
	f := newFixture(t, handler)

	results := make(chan invokeResult, 1)
	go func() { results <- invoke(ctx, f.wrapper, `{}`) }()
	<-started

	second := invoke(ctx, f.wrapper, `{}`)
	if second.Err != nil || second.Crash != nil {
		t.Fatalf("unexpected failure: %+v", second)
	}
	if diff := cmp.Diff(`"second"`, string(second.Output)); diff != "" {
		t.Errorf("second output (-want, +got):\n%s", diff)
	}

	close(release)
	var first invokeResult
	select {
	case first = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("superseded invocation never returned")
	}
	if first.Err != nil || first.Crash != nil {
		t.Fatalf("unexpected failure: %+v", first)
	}
	if diff := cmp.Diff(`"first"`, string(first.Output)); diff != "" {
		t.Errorf("first output (-want, +got):\n%s", diff)
	}
	if n := len(f.sender.traces(t)); n != 1 {
		t.Errorf("want only the running invocation traced, got %d traces", n)
	}
}

func TestWrapper_handlerGoexit(t *testing.T) {
	ctx := testContext(t)
	handler := func(context.Context, json.RawMessage) (string, error) {
		runtime.Goexit()
		return "unreachable", nil
	}
	f := newFixture(t, handler)
	var fatalCalls atomic.Int32
	f.wrapper.OnFatal(func(*instrument.Crash) { fatalCalls.Add(1) })

	res := invoke(ctx, f.wrapper, `{}`)
	if res.Crash == nil {
		t.Fatalf("want a crash, got %+v", res)
	}
	if !errors.Is(res.Crash, instrument.ErrHandlerExited) {
		t.Errorf("crash: want %v, got %v", instrument.ErrHandlerExited, res.Crash)
	}
	traces := f.sender.traces(t)
	if len(traces) != 1 {
		t.Fatalf("want 1 trace, got %d", len(traces))
	}
	if got := rootTags(t, traces[0])["aws.lambda.outcome"]; got != int64(3) {
		t.Errorf("outcome: want 3, got %v", got)
	}
	if got := fatalCalls.Load(); got != 1 {
		t.Errorf("fatal handler calls: want 1, got %d", got)
	}
}

func TestWrapper_Fatal_waitsForRunningFinalization(t *testing.T) {
	ctx := testContext(t)
	handler := func(context.Context, json.RawMessage) (string, error) {
		return "ok", nil
	}
	recorder := &recordingSender{}
	sending := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	sender := transport.SenderFunc(func(ctx context.Context, ch transport.Channel, payload []byte) error {
		if ch == transport.ChannelTrace {
			once.Do(func() { close(sending) })
			<-release
		}
		return recorder.Send(ctx, ch, payload)
	})
	f := newFixture(t, handler, instrument.WithSender(sender))
	var tracesAtFatal atomic.Int32
	tracesAtFatal.Store(-1)
	f.wrapper.OnFatal(func(*instrument.Crash) {
		tracesAtFatal.Store(int32(len(recorder.payloads(transport.ChannelTrace))))
	})

	results := make(chan invokeResult, 1)
	go func() { results <- invoke(ctx, f.wrapper, `{}`) }()
	<-sending

	fatalReturned := make(chan struct{})
	go func() {
		defer close(fatalReturned)
		f.wrapper.Fatal("host reported crash")
	}()
	select {
	case <-fatalReturned:
		t.Fatal("Fatal returned before the trace was sent")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-fatalReturned
	res := <-results
	if res.Err != nil || res.Crash != nil {
		t.Fatalf("unexpected failure: %+v", res)
	}
	if got := tracesAtFatal.Load(); got != 1 {
		t.Errorf("traces sent when fatal handlers ran: want 1, got %d", got)
	}
}

func TestWrapper_finalizeFailureWaitsForBodies(t *testing.T) {
	ctx := testContext(t)
	handler := func(context.Context, json.RawMessage) (string, error) {
		return "ok", nil
	}
	recorder := &recordingSender{}
	var traceSends atomic.Int32
	sender := transport.SenderFunc(func(ctx context.Context, ch transport.Channel, payload []byte) error {
		switch ch {
		case transport.ChannelTrace:
			if traceSends.Add(1) == 1 {
				panic("transport exploded")
			}
		case transport.ChannelRequestResponse:
			time.Sleep(50 * time.Millisecond)
		}
		return recorder.Send(ctx, ch, payload)
	})
	f := newFixture(t, handler, instrument.WithSender(sender), instrument.WithDevMode(true))

	if res := invoke(ctx, f.wrapper, `{}`); res.Err != nil || res.Crash != nil {
		t.Fatalf("unexpected failure: %+v", res)
	}
	if n := len(recorder.payloads(transport.ChannelRequestResponse)); n != 2 {
		t.Errorf("request/response payloads sent before the invocation returned: want 2, got %d", n)
	}
}

const binaryRESTEvent = `{"resource":"/upload","path":"/upload","httpMethod":"POST","requestContext":{"stage":"prod","requestId":"r"},"isBase64Encoded":true,"body":"AAECAwQ="}`

func TestWrapper_binaryBodies(t *testing.T) {
	ctx := testContext(t)
	handler := func(context.Context, json.RawMessage) (events.APIGatewayProxyResponse, error) {
		return events.APIGatewayProxyResponse{StatusCode: 200, Body: "AAE=", IsBase64Encoded: true}, nil
	}
	f := newFixture(t, handler, instrument.WithDevMode(true))
	if res := invoke(ctx, f.wrapper, binaryRESTEvent); res.Err != nil || res.Crash != nil {
		t.Fatalf("unexpected failure: %+v", res)
	}
	rr := f.sender.requestResponses(t)
	if len(rr) != 2 {
		t.Fatalf("want 2 request/response payloads, got %d", len(rr))
	}
	for i, binary := range []string{"AAECAwQ=", "AAE="} {
		if rr[i].Body == nil {
			t.Errorf("body of origin %d was excluded", rr[i].Origin)
			continue
		}
		if strings.Contains(*rr[i].Body, binary) {
			t.Errorf("body of origin %d kept its binary content: %s", rr[i].Origin, *rr[i].Body)
		}
	}
	traces := f.sender.traces(t)
	if len(traces) != 1 {
		t.Fatalf("want 1 trace, got %d", len(traces))
	}
	var codes []any
	for _, ev := range traces[0].Events {
		for _, tag := range ev.Tags {
			if tag.Key == "notice.code" {
				codes = append(codes, tag.Value)
			}
		}
	}
	if diff := cmp.Diff([]any{"INPUT_BODY_BINARY", "OUTPUT_BODY_BINARY"}, codes); diff != "" {
		t.Errorf("notices (-want, +got):\n%s", diff)
	}
}

const httpAPIEvent = `{"version":"2.0","routeKey":"GET /items","rawPath":"/items","requestContext":{"requestId":"r","domainName":"a.execute-api.us-east-1.amazonaws.com","http":{"method":"GET","path":"/items"}}}`

func TestWrapper_samplingAPIEvents(t *testing.T) {
	ctx := testContext(t)
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	handler := func(ctx context.Context, _ json.RawMessage) (map[string]any, error) {
		s, err := instrument.CreateSpan(ctx, "work")
		if err != nil {
			return nil, err
		}
		if err := instrument.CloseSpan(ctx, s); err != nil {
			return nil, err
		}
		if err := instrument.SetTag(ctx, "tenant", "a"); err != nil {
			return nil, err
		}
		return map[string]any{"statusCode": 200}, nil
	}
	f := newFixture(t, handler,
		instrument.WithSampler(sampling.New(sampling.WithClock(func() time.Time { return now }))))

	for i := 0; i < 3; i++ {
		if res := invoke(ctx, f.wrapper, httpAPIEvent); res.Err != nil || res.Crash != nil {
			t.Fatalf("invocation #%d failed: %+v", i+1, res)
		}
	}
	traces := f.sender.traces(t)
	if len(traces) != 3 {
		t.Fatalf("want 3 traces, got %d", len(traces))
	}
	testCases := []struct {
		name           string
		trace          *codec.TracePayload
		wantSampledOut bool
		wantSpans      []string
		wantCustomTags string
	}{
		{
			name:           "1st",
			trace:          traces[0],
			wantSpans:      []string{span.RootName, span.InitializationName, span.InvocationName, "work"},
			wantCustomTags: `{"tenant":"a"}`,
		},
		{
			name:           "2nd",
			trace:          traces[1],
			wantSpans:      []string{span.RootName, span.InvocationName, "work"},
			wantCustomTags: `{"tenant":"a"}`,
		},
		{
			name:           "3rd",
			trace:          traces[2],
			wantSampledOut: true,
			wantSpans:      []string{span.RootName, span.InvocationName},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.trace.IsSampledOut != tc.wantSampledOut {
				t.Errorf("sampled out: want %v, got %v", tc.wantSampledOut, tc.trace.IsSampledOut)
			}
			if diff := cmp.Diff(tc.wantSpans, spanNames(tc.trace)); diff != "" {
				t.Errorf("spans (-want, +got):\n%s", diff)
			}
			if len(tc.trace.Events) != 0 {
				t.Errorf("want no events, got %v", eventNames(tc.trace))
			}
			if diff := cmp.Diff(tc.wantCustomTags, tc.trace.CustomTags); diff != "" {
				t.Errorf("custom tags (-want, +got):\n%s", diff)
			}
			tags := rootTags(t, tc.trace)
			if got := tags["aws.lambda.event_type"]; got != "aws.apigatewayv2.http.v2" {
				t.Errorf("event type: got %v", got)
			}
			if got := tags["aws.lambda.http.status_code"]; got != int64(200) {
				t.Errorf("status code: want 200, got %v", got)
			}
		})
	}
}

func TestWrapper_resetBetweenInvocations(t *testing.T) {
	ctx := testContext(t)
	var calls atomic.Int32
	handler := func(ctx context.Context, _ json.RawMessage) (string, error) {
		if calls.Add(1) == 1 {
			if err := instrument.CaptureError(ctx, errors.New("handled by the user")); err != nil {
				return "", err
			}
			if err := instrument.SetTag(ctx, "first", true); err != nil {
				return "", err
			}
		}
		return "ok", nil
	}
	f := newFixture(t, handler)
	for i := 0; i < 2; i++ {
		if res := invoke(ctx, f.wrapper, `{}`); res.Err != nil || res.Crash != nil {
			t.Fatalf("invocation #%d failed: %+v", i+1, res)
		}
	}
	traces := f.sender.traces(t)
	if len(traces) != 2 {
		t.Fatalf("want 2 traces, got %d", len(traces))
	}
	first, second := traces[0], traces[1]
	if first.Spans[0].TraceID == second.Spans[0].TraceID {
		t.Errorf("trace id was reused: %s", first.Spans[0].TraceID)
	}
	for _, s := range second.Spans {
		if s.TraceID != second.Spans[0].TraceID {
			t.Errorf("span %s belongs to trace %s", s.Name, s.TraceID)
		}
	}
	if diff := cmp.Diff([]string{capture.NameError}, eventNames(first)); diff != "" {
		t.Errorf("first trace events (-want, +got):\n%s", diff)
	}
	if len(second.Events) != 0 {
		t.Errorf("events leaked into the next trace: %v", eventNames(second))
	}
	if second.CustomTags != "" {
		t.Errorf("custom tags leaked into the next trace: %s", second.CustomTags)
	}
	if got := rootTags(t, second)["aws.lambda.is_coldstart"]; got != false {
		t.Errorf("is_coldstart: want false, got %v", got)
	}
	if got := rootTags(t, second)["aws.lambda.arch"]; got == nil {
		t.Error("environment tags were not restored")
	}
}

type flakyIDGenerator struct {
	sdktrace.IDGenerator
	fail atomic.Bool
}

func (g *flakyIDGenerator) NewIDs(ctx context.Context) (trace.TraceID, trace.SpanID) {
	if g.fail.Load() {
		panic("id generator is broken")
	}
	return g.IDGenerator.NewIDs(ctx)
}

func (g *flakyIDGenerator) NewSpanID(ctx context.Context, traceID trace.TraceID) trace.SpanID {
	if g.fail.Load() {
		panic("id generator is broken")
	}
	return g.IDGenerator.NewSpanID(ctx, traceID)
}

func TestWrapper_setupFailureFallback(t *testing.T) {
	testCases := []struct {
		name       string
		result     string
		err        error
		wantOutput string
	}{
		{name: "result", result: "direct", wantOutput: `"direct"`},
		{name: "error", err: errBoom},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := testContext(t)
			var instrumented atomic.Bool
			handler := func(ctx context.Context, _ json.RawMessage) (string, error) {
				instrumented.Store(instrument.CurrentSpan(ctx) != nil)
				return tc.result, tc.err
			}
			idGen := &flakyIDGenerator{IDGenerator: xray.NewIDGenerator()}
			f := newFixture(t, handler, instrument.WithIDGenerator(idGen))

			idGen.fail.Store(true)
			res := invoke(ctx, f.wrapper, `{}`)
			if res.Crash != nil {
				t.Fatalf("unexpected crash: %v", res.Crash)
			}
			if !errors.Is(res.Err, tc.err) {
				t.Errorf("error: want %v, got %v", tc.err, res.Err)
			}
			if diff := cmp.Diff(tc.wantOutput, string(res.Output)); diff != "" {
				t.Errorf("output (-want, +got):\n%s", diff)
			}
			if instrumented.Load() {
				t.Error("fallback invocation ran with an instrumented context")
			}
			if n := len(f.sender.payloads(transport.ChannelTrace)); n != 0 {
				t.Errorf("want no trace for a failed setup, got %d", n)
			}
			if n := f.logs.FilterMessage("internal error").Len(); n != 1 {
				t.Errorf("want the setup failure reported once, got %d", n)
			}

			idGen.fail.Store(false)
			res = invoke(ctx, f.wrapper, `{}`)
			if res.Crash != nil {
				t.Fatalf("unexpected crash: %v", res.Crash)
			}
			if !instrumented.Load() {
				t.Error("next invocation is not instrumented")
			}
			traces := f.sender.traces(t)
			if len(traces) != 1 {
				t.Fatalf("want 1 trace, got %d", len(traces))
			}
			if !traces[0].Spans[0].TraceID.IsValid() {
				t.Error("root span has no trace id")
			}
		})
	}
}

func TestWrapper_finalizeFailureIsSwallowed(t *testing.T) {
	ctx := testContext(t)
	var calls atomic.Int32
	handler := func(ctx context.Context, _ json.RawMessage) (string, error) {
		if calls.Add(1) == 1 {
			_ = instrument.CaptureWarning(ctx, "first invocation only")
		}
		return "ok", nil
	}
	recorder := &recordingSender{}
	var sends atomic.Int32
	sender := transport.SenderFunc(func(ctx context.Context, ch transport.Channel, payload []byte) error {
		if sends.Add(1) == 1 {
			panic("transport exploded")
		}
		return recorder.Send(ctx, ch, payload)
	})
	f := newFixture(t, handler, instrument.WithSender(sender))

	for i := 0; i < 2; i++ {
		res := invoke(ctx, f.wrapper, `{}`)
		if res.Err != nil || res.Crash != nil {
			t.Fatalf("invocation #%d failed: %+v", i+1, res)
		}
		if diff := cmp.Diff(`"ok"`, string(res.Output)); diff != "" {
			t.Errorf("output (-want, +got):\n%s", diff)
		}
	}
	traces := recorder.traces(t)
	if len(traces) != 1 {
		t.Fatalf("want 1 trace, got %d", len(traces))
	}
	if len(traces[0].Events) != 0 {
		t.Errorf("events of the failed finalize leaked: %v", eventNames(traces[0]))
	}
	if n := f.logs.FilterMessage("internal error").Len(); n != 1 {
		t.Errorf("want the finalize failure reported once, got %d", n)
	}
}

func TestWrapper_bodyExclusion(t *testing.T) {
	ctx := testContext(t)
	handler := func(context.Context, json.RawMessage) (string, error) {
		return "a response body too large to report", nil
	}
	f := newFixture(t, handler, instrument.WithDevMode(true), instrument.WithMaxBodyBytes(8))
	if res := invoke(ctx, f.wrapper, `{}`); res.Err != nil || res.Crash != nil {
		t.Fatalf("unexpected failure: %+v", res)
	}
	rr := f.sender.requestResponses(t)
	if len(rr) != 2 {
		t.Fatalf("want 2 request/response payloads, got %d", len(rr))
	}
	if rr[0].Body == nil {
		t.Error("request body was excluded")
	}
	if rr[1].Body != nil {
		t.Errorf("response body was reported: %s", *rr[1].Body)
	}
	traces := f.sender.traces(t)
	if len(traces) != 1 {
		t.Fatalf("want 1 trace, got %d", len(traces))
	}
	var codes []any
	for _, ev := range traces[0].Events {
		for _, tag := range ev.Tags {
			if tag.Key == "notice.code" {
				codes = append(codes, tag.Value)
			}
		}
	}
	if diff := cmp.Diff([]any{"OUTPUT_BODY_TOO_LARGE"}, codes); diff != "" {
		t.Errorf("notices (-want, +got):\n%s", diff)
	}
}

func TestWrapper_spanExporter(t *testing.T) {
	ctx := testContext(t)
	handler := func(ctx context.Context, _ json.RawMessage) (string, error) {
		s, err := instrument.CreateSpan(ctx, "query")
		if err != nil {
			return "", err
		}
		return "ok", instrument.CloseSpan(ctx, s)
	}
	exporter := tracetest.NewInMemoryExporter()
	f := newFixture(t, handler, instrument.WithSpanExporter(exporter))
	if res := invoke(ctx, f.wrapper, `{}`); res.Err != nil || res.Crash != nil {
		t.Fatalf("unexpected failure: %+v", res)
	}
	var names []string
	for _, s := range exporter.GetSpans() {
		names = append(names, s.Name)
	}
	if diff := cmp.Diff([]string{span.RootName, span.InitializationName, span.InvocationName, "query"}, names); diff != "" {
		t.Errorf("exported spans (-want, +got):\n%s", diff)
	}
	if err := f.wrapper.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestWrapper_unclosedSpans(t *testing.T) {
	ctx := testContext(t)
	handler := func(ctx context.Context, _ json.RawMessage) (string, error) {
		if _, err := instrument.CreateSpan(ctx, "forgotten"); err != nil {
			return "", err
		}
		return "ok", nil
	}
	f := newFixture(t, handler)
	if res := invoke(ctx, f.wrapper, `{}`); res.Err != nil || res.Crash != nil {
		t.Fatalf("unexpected failure: %+v", res)
	}
	traces := f.sender.traces(t)
	if len(traces) != 1 {
		t.Fatalf("want 1 trace, got %d", len(traces))
	}
	forgotten := findSpan(traces[0], "forgotten")
	invocation := findSpan(traces[0], span.InvocationName)
	if forgotten == nil || invocation == nil {
		t.Fatalf("missing spans: %v", spanNames(traces[0]))
	}
	if !forgotten.EndTime.Equal(invocation.EndTime) {
		t.Errorf("forgotten span end: want %s, got %s", invocation.EndTime, forgotten.EndTime)
	}
	if diff := cmp.Diff([]string{capture.NameWarning}, eventNames(traces[0])); diff != "" {
		t.Errorf("events (-want, +got):\n%s", diff)
	}
}

func TestNew(t *testing.T) {
	handler := func(context.Context) error { return nil }
	testCases := []struct {
		name    string
		env     map[string]string
		opts    []instrument.Option
		wantErr error
	}{
		{name: "missing org id", wantErr: instrument.ErrMissingOrgID},
		{name: "org id from env", env: map[string]string{"SLS_ORG_ID": "org-1"}},
		{name: "dev mode org id", env: map[string]string{"SLS_DEV_MODE_ORG_ID": "org-1"}},
		{name: "org id option", opts: []instrument.Option{instrument.WithOrgID("org-1")}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			opts := append([]instrument.Option{instrument.WithSender(&recordingSender{}), instrument.WithLogger(zap.NewNop())}, tc.opts...)
			_, err := instrument.New(handler, opts...)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("error: want %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestStart_missingOrgID(t *testing.T) {
	clearEnv(t)
	defer func() {
		if v := recover(); v == nil {
			t.Error("Start must panic without an organization id")
		}
	}()
	instrument.Start(func(context.Context) error { return nil }, instrument.WithLogger(zap.NewNop()))
}
