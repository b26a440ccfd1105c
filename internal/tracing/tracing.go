package tracing

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name for this application
const TracerName = "github.com/austindbirch/heimdall"

// Config describes the exporting service and where its spans go
type Config struct {
	ServiceName string
	Version     string
	InstanceID  string
	Endpoint    string  // OTLP/HTTP collector, with or without a URL scheme
	SampleRatio float64 // fraction of new traces sampled; out of range samples all
}

// Init installs a batching OTLP tracer provider and the W3C propagators used on
// the ingestion path and the telemetry stream. The returned function flushes
// pending spans and stops the provider.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Version),
			attribute.String("service.instance.id", cfg.InstanceID),
		),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(hostPort(cfg.Endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(Sampler(cfg.SampleRatio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// Sampler follows the caller's sampling decision and samples ratio of new
// traces. A ratio outside [0, 1] samples everything.
func Sampler(ratio float64) trace.Sampler {
	if ratio < 0 || ratio > 1 {
		ratio = 1
	}
	return trace.ParentBased(trace.TraceIDRatioBased(ratio))
}

// hostPort strips a URL scheme and path; otlptracehttp.WithEndpoint wants host:port
func hostPort(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	if i := strings.IndexByte(endpoint, '/'); i >= 0 {
		endpoint = endpoint[:i]
	}
	return endpoint
}

// StartSpan starts a new span with the given name and attributes
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return otel.Tracer(TracerName).Start(ctx, spanName, oteltrace.WithAttributes(attrs...))
}

// StartConsumerSpan continues the trace carried in stream headers with a
// consumer span, so a rollup shows up under the ingest request that published it
func StartConsumerSpan(ctx context.Context, headers map[string]string, spanName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	ctx = ExtractHeaders(ctx, headers)
	return otel.Tracer(TracerName).Start(ctx, spanName,
		oteltrace.WithSpanKind(oteltrace.SpanKindConsumer),
		oteltrace.WithAttributes(attrs...),
	)
}

// AddSpanEvent adds an event to the current span
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	oteltrace.SpanFromContext(ctx).AddEvent(name, oteltrace.WithAttributes(attrs...))
}

// SetSpanError records err on the current span; nil is ignored
func SetSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := oteltrace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetTraceID returns the OpenTelemetry trace id of ctx, or "" without a valid span.
// It is unrelated to the telemetry events' own traceId.
func GetTraceID(ctx context.Context) string {
	if sc := oteltrace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// InjectHeaders returns the trace context of ctx as a string map, for carrying across
// the fan-out stream
func InjectHeaders(ctx context.Context) map[string]string {
	headers := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

// ExtractHeaders restores a trace context previously captured by InjectHeaders
func ExtractHeaders(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
