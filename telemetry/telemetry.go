// Package telemetry bootstraps OpenTelemetry tracing and metrics with
// stdout exporters writing to rotated files, and defines the relay's metric
// instruments. An OTEL collector can still pick both up via the SDK.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const serviceName = "convrelay"

// Init wires tracer and meter providers with file-backed stdout exporters.
// The returned cleanup shuts both providers down and closes the files.
func Init(ctx context.Context, logDir string) (trace.Tracer, metric.Meter, func(), error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create resource: %w", err)
	}

	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("create log directory: %w", err)
	}

	traceFile := rotatedFile(filepath.Join(logDir, "convrelay_traces.log"))
	traceExporter, err := stdouttrace.New(
		stdouttrace.WithWriter(traceFile),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricsFile := rotatedFile(filepath.Join(logDir, "convrelay_metrics.log"))
	metricExporter, err := stdoutmetric.New(
		stdoutmetric.WithWriter(metricsFile),
		stdoutmetric.WithPrettyPrint(),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(10*time.Second)),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = traceFile.Close()
		_ = metricsFile.Close()
	}

	return tp.Tracer(serviceName), mp.Meter(serviceName), cleanup, nil
}

func rotatedFile(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

// Metrics carries the relay's engine instruments. It implements the engine
// Metrics contract.
type Metrics struct {
	turns           metric.Int64Counter
	turnDuration    metric.Float64Histogram
	toolCalls       metric.Int64Counter
	interruptions   metric.Int64Counter
	backendFailures metric.Int64Counter
}

// NewMetrics registers the relay instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	turns, err := meter.Int64Counter("convrelay.turns",
		metric.WithDescription("Completed conversation turns"))
	if err != nil {
		return nil, err
	}
	turnDuration, err := meter.Float64Histogram("convrelay.turn.duration",
		metric.WithDescription("Turn duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	toolCalls, err := meter.Int64Counter("convrelay.tool.calls",
		metric.WithDescription("Tool executions"))
	if err != nil {
		return nil, err
	}
	interruptions, err := meter.Int64Counter("convrelay.interruptions",
		metric.WithDescription("User interruptions observed mid-stream"))
	if err != nil {
		return nil, err
	}
	backendFailures, err := meter.Int64Counter("convrelay.backend.failures",
		metric.WithDescription("Backend request failures"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		turns:           turns,
		turnDuration:    turnDuration,
		toolCalls:       toolCalls,
		interruptions:   interruptions,
		backendFailures: backendFailures,
	}, nil
}

// TurnCompleted records one finished turn and its duration.
func (m *Metrics) TurnCompleted(ctx context.Context, provider string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	m.turns.Add(ctx, 1, attrs)
	m.turnDuration.Record(ctx, d.Seconds(), attrs)
}

// ToolExecuted records one tool dispatch.
func (m *Metrics) ToolExecuted(ctx context.Context, tool string, success bool) {
	m.toolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Bool("success", success),
	))
}

// Interrupted records one mid-stream user interruption.
func (m *Metrics) Interrupted(ctx context.Context) {
	m.interruptions.Add(ctx, 1)
}

// BackendFailure records one failed backend round trip.
func (m *Metrics) BackendFailure(ctx context.Context, provider string) {
	m.backendFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}
