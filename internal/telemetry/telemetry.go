// Package telemetry provides OpenTelemetry initialization for gswitchd.
// It is off by default; the daemon runs fully unattended without a
// collector configured.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds OpenTelemetry configuration.
type Config struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	Insecure    bool
	Version     string
}

// Provider holds initialized OTel providers plus the session gauges that
// RegisterSessionGauges creates: refcount, display readiness, and power state.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter

	refcount  metric.Int64ObservableGauge
	display   metric.Int64ObservableGauge
	power     metric.Int64ObservableGauge
	sessions  metric.Int64Counter
	startTime time.Time

	refcountFn func() int64
	displayFn  func() int64
	powerFn    func() int64
}

// Init initializes OpenTelemetry with the given configuration. When disabled,
// it returns a no-op provider backed by the global otel no-op implementations.
func Init(ctx context.Context, cfg Config) (*Provider, func(context.Context) error, error) {
	if !cfg.Enabled {
		p := &Provider{
			Tracer:    otel.Tracer(cfg.ServiceName),
			Meter:     otel.Meter(cfg.ServiceName),
			startTime: time.Now(),
		}
		return p, func(context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx)
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	provider := &Provider{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Tracer:         tracerProvider.Tracer(cfg.ServiceName),
		Meter:          meterProvider.Meter(cfg.ServiceName),
		startTime:      time.Now(),
	}

	shutdown := func(ctx context.Context) error {
		var errs []error
		if err := tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
		if err := meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter: %w", err))
		}
		if len(errs) > 0 {
			return fmt.Errorf("shutdown errors: %v", errs)
		}
		return nil
	}

	return provider, shutdown, nil
}

// RegisterSessionGauges wires observable callbacks for the session arbiter's
// state: refcountFn returns the live refcount, displayFn returns 1 if the
// secondary display server is ready, powerFn returns 1 if the discrete GPU
// is powered on.
func (p *Provider) RegisterSessionGauges(refcountFn, displayFn, powerFn func() int64) error {
	p.refcountFn, p.displayFn, p.powerFn = refcountFn, displayFn, powerFn

	refcount, err := p.Meter.Int64ObservableGauge(
		"gswitchd_session_refcount",
		metric.WithDescription("number of sessions currently counting against keep-alive"),
	)
	if err != nil {
		return fmt.Errorf("create refcount gauge: %w", err)
	}
	display, err := p.Meter.Int64ObservableGauge(
		"gswitchd_display_ready",
		metric.WithDescription("1 if the secondary display server is ready"),
	)
	if err != nil {
		return fmt.Errorf("create display gauge: %w", err)
	}
	power, err := p.Meter.Int64ObservableGauge(
		"gswitchd_power_state",
		metric.WithDescription("1 if the discrete GPU is powered on"),
	)
	if err != nil {
		return fmt.Errorf("create power gauge: %w", err)
	}
	sessions, err := p.Meter.Int64Counter(
		"gswitchd_sessions_total",
		metric.WithDescription("total sessions accepted since startup"),
	)
	if err != nil {
		return fmt.Errorf("create sessions counter: %w", err)
	}

	p.refcount, p.display, p.power, p.sessions = refcount, display, power, sessions

	_, err = p.Meter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(p.refcount, p.refcountFn())
			o.ObserveInt64(p.display, p.displayFn())
			o.ObserveInt64(p.power, p.powerFn())
			return nil
		},
		refcount, display, power,
	)
	if err != nil {
		return fmt.Errorf("register callback: %w", err)
	}
	return nil
}

// RecordSession increments the sessions-accepted counter. No-op if telemetry
// is disabled (sessions is nil).
func (p *Provider) RecordSession(ctx context.Context) {
	if p.sessions != nil {
		p.sessions.Add(ctx, 1)
	}
}
