// Package telemetry sets up the OpenTelemetry providers
// and the propagation carriers.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrCollectorUnreachable is returned when the collector does not accept connections.
var ErrCollectorUnreachable = errors.New("telemetry: collector not reachable")

// Config is the configuration of the OpenTelemetry exporters.
type Config struct {
	// ServiceName is reported in the resource of every signal.
	ServiceName string

	// GRPCEndpoint is the OTLP/gRPC endpoint receiving traces and metrics.
	//
	// Default: "localhost:4317"
	GRPCEndpoint string

	// HTTPEndpoint is the OTLP/HTTP endpoint receiving logs.
	//
	// Default: "localhost:4318"
	HTTPEndpoint string

	// TraceRatio is the fraction of the traces sampled.
	//
	// Default: 0.05
	TraceRatio float64

	// ExportInterval is the interval between two metric exports.
	//
	// Default: 1s
	ExportInterval time.Duration
}

// Default values of the configuration.
const (
	DefaultGRPCEndpoint   = "localhost:4317"
	DefaultHTTPEndpoint   = "localhost:4318"
	DefaultTraceRatio     = 0.05
	DefaultExportInterval = time.Second
)

// DefaultConfig returns the default configuration.
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:    serviceName,
		GRPCEndpoint:   DefaultGRPCEndpoint,
		HTTPEndpoint:   DefaultHTTPEndpoint,
		TraceRatio:     DefaultTraceRatio,
		ExportInterval: DefaultExportInterval,
	}
}

// Providers holds the installed providers.
type Providers struct {
	conn *grpc.ClientConn

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	loggerProvider *sdklog.LoggerProvider
}

func isCollectorReachable(endpoint string) bool {
	conn, err := net.DialTimeout("tcp", endpoint, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Init installs the global tracer, meter and logger providers
// exporting to the collector, and starts the runtime instrumentation.
func Init(ctx context.Context, cfg *Config) (*Providers, error) {
	if !isCollectorReachable(cfg.GRPCEndpoint) {
		return nil, fmt.Errorf("%w: %s", ErrCollectorUnreachable, cfg.GRPCEndpoint)
	}

	grpcConn, err := grpc.NewClient(cfg.GRPCEndpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client: %w", err)
	}

	p := &Providers{conn: grpcConn}

	res, err := newResource(cfg.ServiceName)
	if err != nil {
		p.Shutdown(ctx)
		return nil, err
	}

	// Trace
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(grpcConn))
	if err != nil {
		p.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	p.tracerProvider = newTracerProvider(res, traceExporter, cfg.TraceRatio)
	otel.SetTracerProvider(p.tracerProvider)

	// Trace propagator
	otel.SetTextMapPropagator(propagation.TraceContext{})

	// Meter
	meterExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(grpcConn))
	if err != nil {
		p.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(meterExporter, sdkmetric.WithInterval(cfg.ExportInterval)),
		),
	)
	otel.SetMeterProvider(p.meterProvider)

	// Logs
	logExporter, err := otlploghttp.New(ctx,
		otlploghttp.WithEndpoint(cfg.HTTPEndpoint),
		otlploghttp.WithInsecure(),
	)
	if err != nil {
		p.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create log exporter: %w", err)
	}
	p.loggerProvider = sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)
	global.SetLoggerProvider(p.loggerProvider)

	// Runtime
	if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(time.Second)); err != nil {
		p.Shutdown(ctx)
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	return p, nil
}

// Shutdown flushes and stops the providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error

	if p.tracerProvider != nil {
		errs = append(errs, p.tracerProvider.Shutdown(ctx))
	}

	if p.meterProvider != nil {
		errs = append(errs, p.meterProvider.Shutdown(ctx))
	}

	if p.loggerProvider != nil {
		errs = append(errs, p.loggerProvider.Shutdown(ctx))
	}

	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}

	return errors.Join(errs...)
}

func newResource(serviceName string) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("0.1.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return res, nil
}

func newTracerProvider(res *resource.Resource, exporter *otlptrace.Exporter, ratio float64) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
}
