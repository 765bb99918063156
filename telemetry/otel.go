// Package telemetry wires OpenTelemetry tracing and metrics around the
// ingestion, SLA evaluation, and AI call paths described in spec.md §9,
// adapted from the teacher's OTelProvider: the same batching/shutdown
// shape, generalized off core.BaseAgent/core.Telemetry (which this
// module's core package doesn't define) onto a standalone Provider any
// package can hold a reference to.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Span-name constants for the trace points spec.md §9 calls for. Callers
// pass these to Provider.StartSpan rather than inventing ad hoc names so
// a trace viewer groups the same operation consistently across tenants.
const (
	SpanIngestEvent             = "ingestion.ingest_event"
	SpanSLAEvaluate             = "sla.evaluate"
	SpanOrderAnalyze            = "analyzer.analyze"
	SpanAIClassifyException     = "ai.classify_exception"
	SpanAIAnalyzeOrderProblems  = "ai.analyze_order_problems"
	SpanAIAnalyzeResolution     = "ai.analyze_automated_resolution"
	SpanResolutionAttempt       = "resolution.attempt_resolution"
	SpanDLQReplay               = "dlq.replay_one"
)

// Span is the narrow tracing surface callers depend on, generalized from
// the teacher's core.Span so this package has no dependency on any
// particular agent framework type.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// Provider implements span creation and metric recording on top of the
// OpenTelemetry SDK. It manages both tracing and metrics, exporting
// traces via OTLP/gRPC in production or stdout in development.
type Provider struct {
	tracer        trace.Tracer
	meter         metric.Meter
	traceProvider *sdktrace.TracerProvider
	meterProvider *sdkmetric.MeterProvider
	metrics       *MetricInstruments
	shutdownOnce  sync.Once
	shutdown      bool
	mu            sync.RWMutex
}

// Options configures NewProvider.
type Options struct {
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint is an OTLP/gRPC collector address (host:port). Ignored
	// when UseStdout is true.
	OTLPEndpoint string
	// UseStdout routes spans to a pretty-printed stdout exporter instead
	// of OTLP/gRPC — the local-development path spec.md's ambient stack
	// calls for alongside the production exporter.
	UseStdout bool
}

// NewProvider builds the tracing and metrics pipeline described by opts.
func NewProvider(opts Options) (*Provider, error) {
	if opts.ServiceName == "" {
		return nil, fmt.Errorf("telemetry: service name cannot be empty")
	}
	if opts.ServiceVersion == "" {
		opts.ServiceVersion = "1.0.0"
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(opts.ServiceName),
		semconv.ServiceVersionKey.String(opts.ServiceVersion),
	)

	ctx := context.Background()

	var traceExporter sdktrace.SpanExporter
	var err error
	if opts.UseStdout {
		traceExporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		endpoint := opts.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		traceExporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	// No metric exporter is wired — the SDK's manual reader lets
	// RecordMetric/the instrument cache work end to end (and be
	// observed in tests) without requiring a collector to be running.
	// Swap in a periodic OTLP reader here once a metrics backend is
	// chosen for production.
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewManualReader()),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	meterName := opts.ServiceName
	return &Provider{
		tracer:        tp.Tracer(meterName),
		meter:         mp.Meter(meterName),
		traceProvider: tp,
		meterProvider: mp,
		metrics:       NewMetricInstruments(meterName),
	}, nil
}

// StartSpan starts a span named name, returning a no-op span if the
// provider has already been shut down.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	p.mu.RLock()
	down := p.shutdown
	p.mu.RUnlock()
	if down || p.tracer == nil {
		return ctx, noOpSpan{}
	}
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric records value under name, routing to a histogram, counter,
// or gauge instrument based on naming convention, same heuristic as the
// teacher's OTelProvider.RecordMetric.
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	p.mu.RLock()
	down := p.shutdown
	p.mu.RUnlock()
	if down || p.metrics == nil {
		return
	}

	ctx := context.Background()
	var attrs []attribute.KeyValue
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}

	switch {
	case hasSuffixOrPrefix(name, "duration", "latency", "time"):
		_ = p.metrics.RecordHistogram(ctx, name, value, metric.WithAttributes(attrs...))
	case hasSuffixOrPrefix(name, "count", "total", "errors", "success", "hits", "misses"):
		_ = p.metrics.RecordCounter(ctx, name, int64(value), metric.WithAttributes(attrs...))
	default:
		_ = p.metrics.RecordHistogram(ctx, name, value, metric.WithAttributes(attrs...))
	}
}

// hasSuffixOrPrefix reports whether name starts or ends with any of
// substrings, used for the metric-type naming heuristic above.
func hasSuffixOrPrefix(name string, substrings ...string) bool {
	for _, substr := range substrings {
		if len(name) >= len(substr) &&
			(name[len(name)-len(substr):] == substr || name[:len(substr)] == substr) {
			return true
		}
	}
	return false
}

// Shutdown flushes and tears down the trace and metric providers. Safe
// to call more than once.
func (p *Provider) Shutdown(ctx context.Context) (shutdownErr error) {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.shutdown = true
		p.mu.Unlock()
		shutdownErr = p.doShutdown(ctx)
	})
	return shutdownErr
}

func (p *Provider) doShutdown(ctx context.Context) error {
	var errs []error

	if err := p.metrics.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown metric instruments: %w", err))
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	if p.traceProvider != nil {
		if err := p.traceProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown trace provider: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry: shutdown errors: %v", errs)
	}
	return nil
}

// noOpSpan is returned once the provider has shut down.
type noOpSpan struct{}

func (noOpSpan) End()                                 {}
func (noOpSpan) SetAttribute(key string, value interface{}) {}
func (noOpSpan) RecordError(err error)                {}

// otelSpan wraps a real OpenTelemetry span.
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) { s.span.RecordError(err) }
