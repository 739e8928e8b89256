package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/semconv/v1.13.0/httpconv"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Telemetry reports Sync activity and status-endpoint traffic through
// OpenTelemetry. An Engine with no Telemetry attached runs exactly as
// before; Telemetry is opt-in via WithTelemetry.
type Telemetry struct {
	tp *trace.TracerProvider
	mp *metric.MeterProvider

	tracer oteltrace.Tracer
	meter  otelmetric.Meter

	serviceName string

	syncDuration otelmetric.Float64Histogram
	rowsPushed   otelmetric.Int64Counter
}

// NewTelemetry builds tracer and meter providers for serviceName.
// isDev routes both to stdout exporters instead of an OTLP collector.
func NewTelemetry(ctx context.Context, serviceName, serviceVersion string, isDev bool) (*Telemetry, error) {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)

	tp, err := newTracerProvider(ctx, res, isDev)
	if err != nil {
		return nil, err
	}
	mp, err := newMeterProvider(ctx, res, isDev)
	if err != nil {
		return nil, err
	}

	t := &Telemetry{
		tp:          tp,
		mp:          mp,
		tracer:      tp.Tracer(serviceName),
		meter:       mp.Meter(serviceName),
		serviceName: serviceName,
	}

	t.syncDuration, err = t.meter.Float64Histogram(
		"odkxsync_sync_duration_seconds",
		otelmetric.WithDescription("wall-clock duration of one Engine.Sync call"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: sync duration histogram: %w", err)
	}
	t.rowsPushed, err = t.meter.Int64Counter(
		"odkxsync_rows_pushed_total",
		otelmetric.WithDescription("rows sent to the server through an alter-rows call"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: rows pushed counter: %w", err)
	}
	return t, nil
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.tp.Shutdown(ctx); err != nil {
		return err
	}
	return t.mp.Shutdown(ctx)
}

// WithTelemetry attaches t to e. Sync calls after this point open a
// span and record the duration histogram; StatusHandler wraps its
// routes with the request-duration and in-flight middleware.
func (e *Engine) WithTelemetry(t *Telemetry) *Engine {
	e.telemetry = t
	return e
}

func (t *Telemetry) instrumentSync(ctx context.Context, tableID string, fn func(context.Context) error) error {
	if t == nil {
		return fn(ctx)
	}

	ctx, span := t.tracer.Start(ctx, "engine.Sync", oteltrace.WithAttributes(attribute.String("tableId", tableID)))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	t.syncDuration.Record(ctx, time.Since(start).Seconds(), otelmetric.WithAttributes(attribute.String("tableId", tableID)))
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (t *Telemetry) recordRowsPushed(ctx context.Context, tableID string, n int) {
	if t == nil || n == 0 {
		return
	}
	t.rowsPushed.Add(ctx, int64(n), otelmetric.WithAttributes(attribute.String("tableId", tableID)))
}

// requestMetrics wraps next with HTTP request duration and in-flight
// instrumentation, keyed by the teacher's httpconv server-request
// attribute set.
func (t *Telemetry) requestMetrics(next http.Handler) http.Handler {
	if t == nil {
		return next
	}

	histogram, err := t.meter.Int64Histogram(
		"odkxsync_http_request_duration_millis",
		otelmetric.WithDescription("latency of status endpoint HTTP requests"),
		otelmetric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("telemetry: request duration histogram: %v", err))
	}
	inFlight, err := t.meter.Int64UpDownCounter(
		"odkxsync_http_requests_in_flight",
		otelmetric.WithDescription("concurrent status endpoint HTTP requests"),
	)
	if err != nil {
		panic(fmt.Sprintf("telemetry: in-flight counter: %v", err))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attrs := otelmetric.WithAttributes(httpconv.ServerRequest(t.serviceName, r)...)
		inFlight.Add(r.Context(), 1, attrs)
		defer inFlight.Add(r.Context(), -1, attrs)

		start := time.Now()
		next.ServeHTTP(w, r)
		histogram.Record(r.Context(), time.Since(start).Milliseconds(), attrs)
	})
}

func newTracerProvider(ctx context.Context, res *resource.Resource, isDev bool) (*trace.TracerProvider, error) {
	var (
		exporter trace.SpanExporter
		err      error
	)
	if isDev {
		exporter, err = stdouttrace.New()
	} else {
		exporter, err = otlptracegrpc.New(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: trace exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter, trace.WithBatchTimeout(time.Second)),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, isDev bool) (*metric.MeterProvider, error) {
	var (
		exporter metric.Exporter
		err      error
	)
	if isDev {
		exporter, err = stdoutmetric.New()
	} else {
		exporter, err = otlpmetricgrpc.New(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: metric exporter: %w", err)
	}

	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(10*time.Second))),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}
