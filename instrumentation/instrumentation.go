// Package instrumentation provides OpenTelemetry metrics and tracing for
// the identity provider. When disabled it hands out no-op providers, so
// instrumented code paths carry no overhead.
package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Config holds instrumentation configuration.
type Config struct {
	// ServiceName identifies this deployment in telemetry. Default:
	// "gatekeeper".
	ServiceName string

	// ServiceVersion is the running version. Default: "unknown".
	ServiceVersion string

	// Enabled controls whether real providers are created. When false,
	// no-op providers are used.
	Enabled bool

	// MetricReader lets callers plug in an exporter (e.g. the Prometheus
	// bridge). Nil means a manual reader suitable for tests.
	MetricReader sdkmetric.Reader

	// SpanProcessor lets callers plug in a span exporter. Nil disables
	// span export while keeping spans recorded.
	SpanProcessor sdktrace.SpanProcessor
}

// Instrumentation owns the meter and tracer providers plus the
// pre-registered metric instruments.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates an instrumentation instance.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "gatekeeper"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = "unknown"
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("instrumentation: create resource: %w", err)
	}

	inst := &Instrumentation{config: config, resource: res}

	if config.Enabled {
		inst.initProviders()
	} else {
		inst.meterProvider = metricnoop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	inst.metrics, err = newMetrics(inst.Meter("server"))
	if err != nil {
		return nil, fmt.Errorf("instrumentation: create metrics: %w", err)
	}
	return inst, nil
}

func (i *Instrumentation) initProviders() {
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(i.resource)}
	if i.config.MetricReader != nil {
		meterOpts = append(meterOpts, sdkmetric.WithReader(i.config.MetricReader))
	}
	mp := sdkmetric.NewMeterProvider(meterOpts...)
	i.meterProvider = mp
	i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(i.resource)}
	if i.config.SpanProcessor != nil {
		traceOpts = append(traceOpts, sdktrace.WithSpanProcessor(i.config.SpanProcessor))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)
	i.tracerProvider = tp
	i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)
}

// Meter returns a named meter.
func (i *Instrumentation) Meter(name string) metric.Meter {
	return i.meterProvider.Meter("gatekeeper/" + name)
}

// Tracer returns a named tracer.
func (i *Instrumentation) Tracer(name string) trace.Tracer {
	return i.tracerProvider.Tracer("gatekeeper/" + name)
}

// Metrics returns the pre-registered instruments.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// Shutdown flushes and stops the providers.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var err error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if e := fn(ctx); e != nil && err == nil {
				err = e
			}
		}
	})
	return err
}
