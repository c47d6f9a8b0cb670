// Package telemetry sets up OpenTelemetry metrics and tracing for an
// embedded gojolite engine. Metrics are exported through a private
// Prometheus registry; the embedding application decides where to serve
// MetricsHandler.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
)

const (
	defaultServiceName = "gojolite"
	shutdownTimeout    = 5 * time.Second
)

// Config controls engine telemetry. The zero value disables it.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// ServiceName labels the resource. Defaults to "gojolite".
	ServiceName string `yaml:"service_name"`
	// TraceSampleRatio is the fraction of engine operations traced, in
	// (0, 1]. Anything else samples every operation.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
	// Namespace prefixes every exported Prometheus metric name.
	Namespace string `yaml:"namespace"`
}

// Telemetry is what an engine records into. The providers and the
// registry are nil when telemetry is disabled.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	Registry       *promclient.Registry
}

// ShutdownFunc flushes and stops the providers.
type ShutdownFunc func(ctx context.Context) error

// New builds the telemetry of one engine. Every engine gets its own
// registry, so several engines in one process never collide.
func New(config Config) (*Telemetry, ShutdownFunc, error) {
	if !config.Enabled {
		return &Telemetry{
			Tracer: nooptrace.NewTracerProvider().Tracer(""),
			Meter:  noop.NewMeterProvider().Meter(""),
		}, func(context.Context) error { return nil }, nil
	}
	if config.ServiceName == "" {
		config.ServiceName = defaultServiceName
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}
	registry := promclient.NewRegistry()
	meterProvider, err := newMeterProvider(res, registry, config.Namespace)
	if err != nil {
		return nil, nil, err
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio(config.TraceSampleRatio)))),
	)

	tel := &Telemetry{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Tracer:         tracerProvider.Tracer(config.ServiceName),
		Meter:          meterProvider.Meter(config.ServiceName),
		Registry:       registry,
	}
	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		return multierr.Combine(
			tracerProvider.Shutdown(ctx),
			meterProvider.Shutdown(ctx),
		)
	}
	return tel, shutdown, nil
}

func newMeterProvider(res *resource.Resource, registry *promclient.Registry, namespace string) (*sdkmetric.MeterProvider, error) {
	opts := []prometheus.Option{prometheus.WithRegisterer(registry)}
	if namespace != "" {
		opts = append(opts, prometheus.WithNamespace(namespace))
	}
	exporter, err := prometheus.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	), nil
}

func sampleRatio(r float64) float64 {
	if r <= 0 || r > 1 {
		return 1
	}
	return r
}

// MetricsHandler serves the engine metrics in the Prometheus text format.
// With telemetry disabled it answers 404.
func (t *Telemetry) MetricsHandler() http.Handler {
	if t.Registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.Registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}
