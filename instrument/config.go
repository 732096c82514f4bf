package instrument

import (
	"os"
	"time"

	"github.com/aereal/lambda-instrumentation/capture"
	"github.com/aereal/lambda-instrumentation/sampling"
	"github.com/aereal/lambda-instrumentation/transport"
	"go.opentelemetry.io/contrib/propagators/aws/xray"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

const (
	envOrgID                  = "SLS_ORG_ID"
	envDevModeOrgID           = "SLS_DEV_MODE_ORG_ID"
	envDebug                  = "SLS_SDK_DEBUG"
	envDisableRequestResponse = "SLS_DISABLE_REQUEST_RESPONSE_MONITORING"
	envExtensionURL           = "SLS_TELEMETRY_EXTENSION_URL"
	envEnvironment            = "SLS_ENVIRONMENT"
	defaultMaxBodyBytes       = 128 * 1024
)

// processStart approximates the start of the initialization phase.
var processStart = time.Now()

type config struct {
	orgID           string
	environment     string
	devMode         bool
	debugMode       bool
	requestResponse bool
	extensionURL    string
	sender          transport.Sender
	logger          *zap.Logger
	sampler         *sampling.Sampler
	spanExporter    sdktrace.SpanExporter
	idGen           sdktrace.IDGenerator
	now             func() time.Time
	processStart    time.Time
	maxBodyBytes    int
	eventFilter     capture.Predicate
}

// Option configures a Wrapper.
type Option func(*config)

func WithOrgID(orgID string) Option {
	return func(c *config) { c.orgID = orgID }
}

func WithEnvironment(env string) Option {
	return func(c *config) { c.environment = env }
}

// WithDevMode makes every trace kept in full and enables request/response reporting to the telemetry extension.
func WithDevMode(enabled bool) Option {
	return func(c *config) { c.devMode = enabled }
}

// WithDebugMode turns on debug logs and keeps every trace in full.
func WithDebugMode(enabled bool) Option {
	return func(c *config) { c.debugMode = enabled }
}

// WithRequestResponseMonitoring toggles reporting of invocation input and output bodies in dev mode.
func WithRequestResponseMonitoring(enabled bool) Option {
	return func(c *config) { c.requestResponse = enabled }
}

// WithSender replaces the transport payloads are delivered with.
func WithSender(s transport.Sender) Option {
	return func(c *config) { c.sender = s }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

func WithSampler(s *sampling.Sampler) Option {
	return func(c *config) { c.sampler = s }
}

// WithSpanExporter forwards the spans of every kept trace to exporter as well.
func WithSpanExporter(exporter sdktrace.SpanExporter) Option {
	return func(c *config) { c.spanExporter = exporter }
}

func WithIDGenerator(g sdktrace.IDGenerator) Option {
	return func(c *config) { c.idGen = g }
}

// WithClock overrides the time source; the initialization phase is considered to start when the option is applied.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
		c.processStart = now()
	}
}

// WithMaxBodyBytes sets the size above which request and response bodies are not reported.
func WithMaxBodyBytes(n int) Option {
	return func(c *config) { c.maxBodyBytes = n }
}

// WithEventFilter restricts the captured events that are serialized.
// It is applied in addition to dropping events that belong to another trace.
func WithEventFilter(pred capture.Predicate) Option {
	return func(c *config) { c.eventFilter = pred }
}

func defaultConfig(lookupEnv func(string) (string, bool)) *config {
	env := func(key string) string {
		v, _ := lookupEnv(key)
		return v
	}
	c := &config{
		orgID:           env(envOrgID),
		environment:     env(envEnvironment),
		debugMode:       env(envDebug) != "",
		requestResponse: env(envDisableRequestResponse) == "",
		extensionURL:    env(envExtensionURL),
		idGen:           xray.NewIDGenerator(),
		now:             time.Now,
		processStart:    processStart,
		maxBodyBytes:    defaultMaxBodyBytes,
	}
	if devOrgID := env(envDevModeOrgID); devOrgID != "" {
		c.devMode = true
		c.orgID = devOrgID
	}
	return c
}

func (c *config) defaultSender() transport.Sender {
	if c.devMode {
		return transport.Router{
			Trace:           transport.NewConsoleSender(os.Stdout),
			RequestResponse: transport.NewExtensionSender(c.extensionURL),
		}
	}
	return transport.NewConsoleSender(os.Stdout)
}
