// Package internal contains the helpers shared by all the components.
package internal

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/FerroO2000/uniring"

var (
	logLevel   = new(slog.LevelVar)
	rootLogger = newRootLogger(os.Stderr)
)

// SetLogLevel sets the minimum level of the console logs.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

func newRootLogger(out *os.File) *slog.Logger {
	noColor := !isatty.IsTerminal(out.Fd()) && !isatty.IsCygwinTerminal(out.Fd())

	console := tint.NewHandler(colorable.NewColorable(out), &tint.Options{
		Level:      logLevel,
		TimeFormat: time.TimeOnly,
		NoColor:    noColor,
	})

	return slog.New(slogmulti.Fanout(console, otelslog.NewHandler(scopeName)))
}

// Telemetry bundles the logger, the tracer and the meter of a component.
type Telemetry struct {
	kind string

	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter

	attrs metric.MeasurementOption
}

// NewTelemetry returns the telemetry of the component of the given kind and name.
func NewTelemetry(kind, name string) *Telemetry {
	return &Telemetry{
		kind: kind,

		logger: rootLogger.With("kind", kind, "name", name),
		tracer: otel.Tracer(scopeName + "/" + kind),
		meter:  otel.Meter(scopeName + "/" + kind),

		attrs: metric.WithAttributes(attribute.String("name", name)),
	}
}

// LogDebug logs a debug message.
func (t *Telemetry) LogDebug(msg string, args ...any) {
	t.logger.Debug(msg, args...)
}

// LogInfo logs an info message.
func (t *Telemetry) LogInfo(msg string, args ...any) {
	t.logger.Info(msg, args...)
}

// LogWarn logs a warning message.
func (t *Telemetry) LogWarn(msg string, args ...any) {
	t.logger.Warn(msg, args...)
}

// LogError logs an error message.
func (t *Telemetry) LogError(msg string, err error, args ...any) {
	t.logger.Error(msg, append([]any{"error", err}, args...)...)
}

func (t *Telemetry) metricName(name string) string {
	return t.kind + "_" + name
}

func (t *Telemetry) observe(fn func() int64) metric.Int64Callback {
	return func(_ context.Context, obs metric.Int64Observer) error {
		obs.Observe(fn(), t.attrs)
		return nil
	}
}

// NewCounter registers a monotonic counter whose value is read from fn.
func (t *Telemetry) NewCounter(name string, fn func() int64) {
	_, err := t.meter.Int64ObservableCounter(t.metricName(name), metric.WithInt64Callback(t.observe(fn)))
	if err != nil {
		t.LogError("failed to create counter", err, "counter", name)
	}
}

// NewUpDownCounter registers a counter that can decrease, whose value is read from fn.
func (t *Telemetry) NewUpDownCounter(name string, fn func() int64) {
	_, err := t.meter.Int64ObservableUpDownCounter(t.metricName(name), metric.WithInt64Callback(t.observe(fn)))
	if err != nil {
		t.LogError("failed to create up-down counter", err, "counter", name)
	}
}

// NewHistogram returns a histogram.
func (t *Telemetry) NewHistogram(name string, opts ...metric.Int64HistogramOption) metric.Int64Histogram {
	hist, err := t.meter.Int64Histogram(t.metricName(name), opts...)
	if err != nil {
		t.LogError("failed to create histogram", err, "histogram", name)
	}
	return hist
}

// RecordHistogram records a value in the given histogram,
// tagged with the component name.
func (t *Telemetry) RecordHistogram(ctx context.Context, hist metric.Int64Histogram, val int64) {
	if hist == nil {
		return
	}
	hist.Record(ctx, val, t.attrs)
}

// NewTrace starts a span.
func (t *Telemetry) NewTrace(ctx context.Context, spanName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName)
}

// InjectTrace writes the trace context of ctx into the carrier.
func (t *Telemetry) InjectTrace(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}


// ExtractTraceContext returns a copy of ctx carrying the trace context
// read from the carrier.
func (t *Telemetry) ExtractTraceContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
