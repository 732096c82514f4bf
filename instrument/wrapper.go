// Package instrument wraps an AWS Lambda handler so that every invocation is reported as a trace.
//
// A Wrapper owns the span tree of the invocation in flight. Whichever completion arrives first
// (a Done call on the invocation context, the handler's return, or a crash) closes the trace;
// every later completion of the same invocation is ignored.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/aereal/lambda-instrumentation/awslambda"
	"github.com/aereal/lambda-instrumentation/capture"
	"github.com/aereal/lambda-instrumentation/codec"
	"github.com/aereal/lambda-instrumentation/internal/sdklog"
	"github.com/aereal/lambda-instrumentation/otelexport"
	"github.com/aereal/lambda-instrumentation/outcome"
	"github.com/aereal/lambda-instrumentation/sampling"
	"github.com/aereal/lambda-instrumentation/span"
	"github.com/aereal/lambda-instrumentation/transport"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"golang.org/x/sync/errgroup"
)

const (
	sdkName    = "github.com/aereal/lambda-instrumentation"
	sdkVersion = "0.1.0"
	sdkRuntime = "go"
)

var (
	ErrMissingOrgID = errors.New("organization id is not set: set SLS_ORG_ID or use WithOrgID")

	// ErrHandlerExited is the crash value of a handler whose goroutine exited without returning, e.g. through runtime.Goexit.
	ErrHandlerExited = errors.New("handler exited without returning")
)

// Crash is the completion of an invocation whose handler panicked, or that the host reported through Wrapper.Fatal.
type Crash struct {
	Value any
	Stack []byte
}

func (c *Crash) Error() string { return fmt.Sprintf("handler crashed: %v", c.Value) }

func (c *Crash) Unwrap() error {
	err, _ := c.Value.(error)
	return err
}

func (c *Crash) StackTrace() string { return string(c.Stack) }

type completion struct {
	output []byte
	err    error
	crash  *Crash
	// stale is set when a newer invocation started before this one completed.
	stale bool
}

func (c completion) outcome() outcome.Outcome {
	switch {
	case c.crash != nil:
		return outcome.UnhandledError
	case c.err != nil:
		return outcome.HandledError
	default:
		return outcome.Success
	}
}

func (c completion) error() error {
	if c.crash != nil {
		return c.crash
	}
	return c.err
}

// invocation is the generation token of a single invocation.
type invocation struct {
	w         *Wrapper
	seq       uint64
	answered  bool // guarded by w.mu
	done      chan completion
	finalized chan struct{}
}

// Wrapper instruments a Lambda handler. It implements [lambda.Handler].
type Wrapper struct {
	handler  lambda.Handler
	cfg      *config
	sender   transport.Sender
	slsTags  codec.SlsTags
	registry *span.Registry
	events   *capture.Buffer
	sampler  *sampling.Sampler
	exporter *otelexport.Exporter
	reporter *sdklog.Reporter

	// treeMu serializes user span operations against trace finalization.
	treeMu sync.RWMutex

	mu          sync.Mutex
	seq         uint64
	resolved    bool
	established bool
	inFlight    *invocation
	eventType   awslambda.EventType
	customTags  *span.Tags
	deferred    *errgroup.Group
	onFatal     []func(*Crash)
}

var _ lambda.Handler = (*Wrapper)(nil)

// New wraps handler, which is either a [lambda.Handler] or any function accepted by [lambda.NewHandler].
//
// The initialization span starts when the process starts and ends with the first invocation.
func New(handler any, opts ...Option) (*Wrapper, error) {
	cfg := defaultConfig(os.LookupEnv)
	for _, o := range opts {
		o(cfg)
	}
	if cfg.orgID == "" {
		return nil, ErrMissingOrgID
	}
	if cfg.logger == nil {
		logger, err := sdklog.New(cfg.debugMode)
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		cfg.logger = logger
	}
	if cfg.sender == nil {
		cfg.sender = cfg.defaultSender()
	}
	if cfg.sampler == nil {
		cfg.sampler = sampling.New(sampling.WithClock(cfg.now))
	}
	h, ok := handler.(lambda.Handler)
	if !ok {
		h = lambda.NewHandler(handler)
	}

	w := &Wrapper{
		handler: h,
		cfg:     cfg,
		sender:  cfg.sender,
		slsTags: codec.SlsTags{
			OrgID:       cfg.orgID,
			Service:     lambdacontext.FunctionName,
			Environment: cfg.environment,
			SDK:         codec.SDK{Name: sdkName, Version: sdkVersion, Runtime: sdkRuntime},
		},
		registry:   span.NewRegistry(cfg.processStart, cfg.idGen, awslambda.EnvironmentTags()...),
		events:     capture.NewBuffer(),
		sampler:    cfg.sampler,
		customTags: span.NewTags(),
		deferred:   new(errgroup.Group),
	}
	w.reporter = &sdklog.Reporter{
		Logger:  cfg.logger,
		Events:  w.events,
		Current: w.registry.Current,
		Now:     cfg.now,
	}
	if cfg.spanExporter != nil {
		w.exporter = otelexport.New(cfg.spanExporter, w.slsTags)
	}
	return w, nil
}

// Start wraps handler and hands it to the Lambda runtime. It panics when the wrapper cannot be configured.
func Start(handler any, opts ...Option) {
	w, err := New(handler, opts...)
	if err != nil {
		panic(fmt.Sprintf("instrument: %v", err))
	}
	lambda.StartWithOptions(w, lambda.WithEnableSIGTERM(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()
		if err := w.Shutdown(ctx); err != nil {
			w.reporter.Error(err)
		}
	}))
}

// OnFatal registers fn to be called with every crash, after the crashed invocation's trace is closed.
func (w *Wrapper) OnFatal(fn func(*Crash)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onFatal = append(w.onFatal, fn)
}

// Invoke runs one invocation of the wrapped handler.
//
// When the handler crashes, the trace is closed and Invoke panics with the *Crash so that the
// runtime reports the failure; the handler's own result is never returned in that case.
//
// An invocation superseded by a newer one returns its own result without closing a trace.
func (w *Wrapper) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	inv, err := w.begin(ctx, payload)
	if err != nil {
		w.reporter.Error(err)
		w.abandon(inv)
		return w.handler.Invoke(ctx, payload)
	}

	go w.run(withInvocation(ctx, inv), inv, payload)

	c := <-inv.done
	if c.stale {
		close(inv.finalized)
		w.reporter.Debug("Invocation: superseded")
		if c.crash != nil {
			w.reporter.Error(fmt.Errorf("crash after the invocation was superseded: %w", c.crash))
			w.notifyFatal(c.crash)
			return nil, c.crash
		}
		return c.output, c.err
	}
	w.closeTrace(ctx, c)
	close(inv.finalized)
	if c.crash != nil {
		w.notifyFatal(c.crash)
		panic(c.crash)
	}
	return c.output, c.err
}

func (w *Wrapper) run(ctx context.Context, inv *invocation, payload []byte) {
	returned := false
	defer func() {
		if v := recover(); v != nil {
			w.crash(inv, &Crash{Value: v, Stack: debug.Stack()})
			return
		}
		if !returned {
			w.complete(inv, completion{crash: &Crash{Value: ErrHandlerExited, Stack: debug.Stack()}})
		}
	}()
	output, err := w.handler.Invoke(ctx, payload)
	returned = true
	w.complete(inv, completion{output: output, err: err})
}

// begin moves the wrapper to the running state. Panics are turned into errors.
//
// On failure inv is the half-started invocation, if any, to be passed to abandon.
func (w *Wrapper) begin(ctx context.Context, payload []byte) (inv *invocation, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("set up invocation: %v", v)
		}
	}()
	start := w.cfg.now()
	w.reporter.Debug("Invocation: start")

	w.treeMu.Lock()
	defer w.treeMu.Unlock()
	w.mu.Lock()
	w.seq++
	w.resolved = false
	inv = &invocation{w: w, seq: w.seq, done: make(chan completion, 1), finalized: make(chan struct{})}
	w.inFlight = inv
	isColdStart := w.seq == 1
	w.mu.Unlock()

	if isColdStart {
		if _, err := w.registry.CloseSpan(w.registry.Initialization(), start); err != nil && !errors.Is(err, span.ErrSpanClosed) {
			return inv, fmt.Errorf("close initialization span: %w", err)
		}
	}
	w.registry.BeginInvocation(start)
	root := w.registry.Root()
	if err := root.Tags.SetAll(awslambda.InvocationTags(ctx)...); err != nil {
		w.reporter.Error(fmt.Errorf("set invocation tags: %w", err))
	}
	if err := root.Tags.Set("aws.lambda.is_coldstart", isColdStart); err != nil {
		w.reporter.Error(err)
	}
	eventType, err := awslambda.ResolveEventTags(root.Tags, payload)
	if err != nil {
		w.reporter.Error(fmt.Errorf("resolve event tags: %w", err))
	}

	w.mu.Lock()
	w.established = true
	w.eventType = eventType
	w.mu.Unlock()

	if w.reportsBodies() {
		w.reportBody(ctx, eventType, codec.OriginRequest, payload)
	}
	w.reporter.Debug(fmt.Sprintf("Overhead duration: Internal request: %dms", w.cfg.now().Sub(start).Milliseconds()))
	return inv, nil
}

// abandon drops a half-started invocation and resets the root span.
func (w *Wrapper) abandon(inv *invocation) {
	w.mu.Lock()
	w.resolved = true
	w.inFlight = nil
	if inv != nil {
		inv.answered = true
	}
	w.mu.Unlock()
	if inv != nil {
		close(inv.finalized)
	}
	w.reset()
}

// claim marks inv as answered unless one of its completions was already delivered.
// stale reports whether a newer invocation has started since inv began; the running one is left unresolved then.
func (w *Wrapper) claim(inv *invocation) (ok, stale bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if inv.answered {
		return false, false
	}
	inv.answered = true
	if inv.seq != w.seq {
		return true, true
	}
	w.resolved = true
	return true, false
}

func (w *Wrapper) active(inv *invocation) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return inv.seq == w.seq && !w.resolved
}

// complete delivers c to the invocation unless another completion already won.
func (w *Wrapper) complete(inv *invocation, c completion) bool {
	ok, stale := w.claim(inv)
	if !ok {
		return false
	}
	c.stale = stale
	inv.done <- c
	return true
}

func (w *Wrapper) crash(inv *invocation, c *Crash) {
	if w.complete(inv, completion{crash: c}) {
		return
	}
	// The invocation was already answered; the process keeps serving once its trace is closed.
	<-inv.finalized
	w.reporter.Error(fmt.Errorf("crash after the invocation completed: %w", c))
	w.notifyFatal(c)
}

// Fatal reports a crash detected by the host, outside of the handler's goroutine.
//
// The invocation in flight, if any, is completed as an unhandled error and Fatal returns once its trace is closed.
// The registered fatal handlers run on the invoking goroutine before it panics.
func (w *Wrapper) Fatal(v any) {
	c := &Crash{Value: v, Stack: debug.Stack()}
	w.mu.Lock()
	inv, seq := w.inFlight, w.seq
	w.mu.Unlock()
	if inv != nil {
		if w.complete(inv, completion{crash: c}) {
			<-inv.finalized
			return
		}
		<-inv.finalized
	}
	if seq == 0 {
		w.closeTrace(context.Background(), completion{crash: c})
	}
	w.reporter.Error(c)
	w.notifyFatal(c)
}

func (w *Wrapper) notifyFatal(c *Crash) {
	w.mu.Lock()
	handlers := slices.Clone(w.onFatal)
	w.mu.Unlock()
	for _, fn := range handlers {
		fn(c)
	}
}

// Shutdown flushes the span exporter, if any, and shuts it down.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	if w.exporter == nil {
		return nil
	}
	if err := w.exporter.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown span exporter: %w", err)
	}
	return nil
}

func (w *Wrapper) reportsBodies() bool {
	return w.cfg.devMode && w.cfg.requestResponse
}
