package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "facet"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // gRPC endpoint, e.g. "localhost:4317"
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // span batch flush interval
	Enabled        bool
	Insecure       bool // plaintext gRPC, dev collectors only
}

// DefaultConfig returns the defaults for a run with no collector
// configured. Telemetry stays off until an endpoint is set.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "facet",
		ServiceVersion: "1.2.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
	}
}

// Provider manages the trace and metric providers plus the connector RED
// instruments. A disabled Provider is safe to call everywhere: spans come
// from the global no-op tracer and instrument calls are skipped.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	callCounter  metric.Int64Counter
	errorCounter metric.Int64Counter
	durationHist metric.Float64Histogram
	costCounter  metric.Float64Counter
	activeCalls  metric.Int64UpDownCounter
}

// Nop returns a disabled provider for tests and for callers that never
// configured a collector.
func Nop() *Provider {
	return &Provider{
		config: &Config{Enabled: false},
		logger: slog.Default(),
	}
}

// New creates a provider. With Enabled false it returns immediately and
// every method degrades to a no-op.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.DebugContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability: init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)

	return p, nil
}

// Enabled reports whether telemetry is exporting.
func (p *Provider) Enabled() bool {
	return p.config != nil && p.config.Enabled
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)

	otel.SetMeterProvider(p.meterProvider)

	return nil
}

// initInstruments creates the RED instruments for connector calls.
func (p *Provider) initInstruments() error {
	var err error

	p.callCounter, err = p.meter.Int64Counter("facet.connector.calls",
		metric.WithDescription("Connector calls attempted"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	p.errorCounter, err = p.meter.Int64Counter("facet.connector.errors",
		metric.WithDescription("Connector calls that failed"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	p.durationHist, err = p.meter.Float64Histogram("facet.connector.duration_ms",
		metric.WithDescription("Connector call duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000),
	)
	if err != nil {
		return err
	}

	p.costCounter, err = p.meter.Float64Counter("facet.connector.cost_usd",
		metric.WithDescription("Charged connector spend"),
		metric.WithUnit("{usd}"),
	)
	if err != nil {
		return err
	}

	p.activeCalls, err = p.meter.Int64UpDownCounter("facet.connector.active",
		metric.WithDescription("Connector calls in flight"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer, or the global one when disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter, or the global one when disabled.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// StartSpan starts a span. Used for run and phase scopes that carry no RED
// instruments of their own.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// TrackRun opens the root span for one run. finish stamps the outcome,
// entity count, and spend, records err when non-nil, and ends the span.
func (p *Provider) TrackRun(ctx context.Context, runID, lensID, mode string) (context.Context, func(outcome string, entities int, spentUSD float64, err error)) {
	ctx, span := p.StartSpan(ctx, "facet.run",
		trace.WithAttributes(RunAttrs(runID, lensID, mode)...),
	)
	return ctx, func(outcome string, entities int, spentUSD float64, err error) {
		span.SetAttributes(
			attribute.String("facet.run.outcome", outcome),
			AttrEntities.Int(entities),
			AttrBudgetSpent.Float64(spentUSD),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// TrackPhase opens a span around one plan phase. The returned func ends
// the span.
func (p *Provider) TrackPhase(ctx context.Context, phase string, invocations int) (context.Context, func()) {
	ctx, span := p.StartSpan(ctx, "facet.phase",
		trace.WithAttributes(
			AttrPhase.String(phase),
			attribute.Int("facet.phase.invocations", invocations),
		),
	)
	return ctx, func() { span.End() }
}

// TrackCall opens a span plus the RED instruments around one connector
// call. The returned finish function takes the call error and the amount
// actually charged; zero cost records nothing on the spend counter.
func (p *Provider) TrackCall(ctx context.Context, source, phase string, page int) (context.Context, func(err error, costUSD float64)) {
	attrs := ConnectorCall(source, phase, page)
	start := time.Now()

	ctx, span := p.StartSpan(ctx, "facet.connector.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)

	if p.callCounter != nil {
		p.callCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if p.activeCalls != nil {
		p.activeCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error, costUSD float64) {
		elapsed := time.Since(start)

		if p.activeCalls != nil {
			p.activeCalls.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if p.durationHist != nil {
			p.durationHist.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(attrs...))
		}
		if costUSD > 0 && p.costCounter != nil {
			p.costCounter.Add(ctx, costUSD, metric.WithAttributes(attrs...))
		}
		if err != nil {
			if p.errorCounter != nil {
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
