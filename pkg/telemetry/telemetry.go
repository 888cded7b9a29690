// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry builds the OpenTelemetry providers used by the expert
// hub. Metrics are served from a dedicated Prometheus registry on the admin
// API's /metrics endpoint, pushed to an OTLP collector, or both. Traces are
// exported over OTLP when a collector endpoint is configured.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/stacklok/experthub/pkg/telemetry/otlp"
)

// Config configures the telemetry providers.
type Config struct {
	// ServiceName is reported as the service.name resource attribute.
	ServiceName string

	// ServiceVersion is reported as the service.version resource attribute.
	ServiceVersion string

	// EnableMetricsPath serves metrics from a Prometheus handler.
	EnableMetricsPath bool

	// IncludeRuntimeMetrics adds Go runtime and process collectors.
	IncludeRuntimeMetrics bool

	// Endpoint is the OTLP collector host:port. Empty disables OTLP export.
	Endpoint string

	// Headers are sent with every OTLP export request.
	Headers map[string]string

	// Insecure uses plain HTTP towards the collector.
	Insecure bool

	// TracingEnabled exports traces to the collector.
	TracingEnabled bool

	// MetricsEnabled pushes metrics to the collector.
	MetricsEnabled bool

	// SamplingRate is the trace sampling ratio in [0, 1].
	SamplingRate float64
}

// Validate reports inconsistent settings.
func (c Config) Validate() error {
	if c.Endpoint != "" && !c.TracingEnabled && !c.MetricsEnabled {
		return errors.New("OTLP endpoint is configured but both tracing and metrics are disabled")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be between 0 and 1, got %v", c.SamplingRate)
	}
	return nil
}

func (c Config) otlpConfig() otlp.Config {
	return otlp.Config{
		Endpoint:     c.Endpoint,
		Headers:      c.Headers,
		Insecure:     c.Insecure,
		SamplingRate: c.SamplingRate,
	}
}

// NewReader creates a Prometheus-backed metric reader and the HTTP handler
// that serves it from its own registry.
func NewReader(cfg Config) (sdkmetric.Reader, http.Handler, error) {
	if !cfg.EnableMetricsPath {
		return nil, nil, errors.New("prometheus reader requires EnableMetricsPath")
	}

	registry := prometheus.NewRegistry()
	if cfg.IncludeRuntimeMetrics {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	return exporter, handler, nil
}

// Provider bundles the meter and tracer providers and the metrics handler.
type Provider struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider trace.TracerProvider
	handler        http.Handler
	shutdown       []func(context.Context) error
}

// NewProvider creates the telemetry providers and installs the W3C trace
// context propagator used on outgoing expert calls.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p := &Provider{tracerProvider: tracenoop.NewTracerProvider()}
	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if cfg.EnableMetricsPath {
		reader, handler, err := NewReader(cfg)
		if err != nil {
			return nil, err
		}
		metricOpts = append(metricOpts, sdkmetric.WithReader(reader))
		p.handler = handler
	}

	if cfg.Endpoint != "" && cfg.MetricsEnabled {
		reader, err := otlp.NewMetricReader(ctx, cfg.otlpConfig())
		if err != nil {
			return nil, err
		}
		metricOpts = append(metricOpts, sdkmetric.WithReader(reader))
	}

	if cfg.Endpoint != "" && cfg.TracingEnabled {
		tp, err := otlp.NewTracerProvider(ctx, cfg.otlpConfig(), res)
		if err != nil {
			return nil, err
		}
		p.tracerProvider = tp
		p.shutdown = append(p.shutdown, tp.Shutdown)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(metricOpts...)
	p.shutdown = append(p.shutdown, p.meterProvider.Shutdown)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return p, nil
}

// MeterProvider returns the meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// TracerProvider returns the tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// Handler returns the Prometheus metrics handler, or nil when the metrics
// path is disabled.
func (p *Provider) Handler() http.Handler {
	return p.handler
}

// Shutdown flushes and stops every provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
