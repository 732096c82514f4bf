// Package sdklog is the diagnostics channel of the instrumentation.
//
// Nothing reported here ever fails the instrumented function.
package sdklog

import (
	"time"

	"github.com/aereal/lambda-instrumentation/capture"
	"github.com/aereal/lambda-instrumentation/span"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const sourceField = "serverlessSdk"

// New builds a JSON logger writing to stderr; debug enables debug level, otherwise only warnings and errors are written.
func New(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	cfg.Sampling = nil
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.InitialFields = map[string]any{"source": sourceField}
	return cfg.Build()
}

// Reporter logs problems of the instrumentation itself and records warnings and notices as captured events.
type Reporter struct {
	Logger *zap.Logger
	// Events receives warnings and notices; nil disables capturing.
	Events *capture.Buffer
	// Current returns the span events are attached to.
	Current func() *span.Span
	Now     func() time.Time
}

// Error reports an internal failure.
func (r *Reporter) Error(err error) {
	if err == nil {
		return
	}
	r.logger().Error("internal error", zap.Error(err))
}

// Warning reports a recoverable misuse or degraded behavior.
func (r *Reporter) Warning(msg, code string) {
	r.logger().Warn(msg, zap.String("code", code))
	r.capture(capture.NewWarning(msg, capture.WarningTypeSDK, r.current(), r.now()))
}

// Notice records an informational event, such as an excluded payload body.
func (r *Reporter) Notice(msg, code string) {
	r.logger().Info(msg, zap.String("code", code))
	r.capture(capture.NewNotice(msg, code, r.current(), r.now()))
}

// Debug writes a debug line.
func (r *Reporter) Debug(msg string, fields ...zap.Field) {
	r.logger().Debug(msg, fields...)
}

func (r *Reporter) capture(ev capture.Event) {
	if r.Events == nil {
		return
	}
	r.Events.Append(ev)
}

func (r *Reporter) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Reporter) current() *span.Span {
	if r.Current == nil {
		return nil
	}
	return r.Current()
}

func (r *Reporter) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}
