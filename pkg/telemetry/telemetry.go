// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry builds the OpenTelemetry providers the gateway records
// metrics and traces with.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/agentgate/pkg/logger"
	"github.com/stacklok/agentgate/pkg/telemetry/providers/otlp"
	"github.com/stacklok/agentgate/pkg/telemetry/providers/prometheus"
)

const shutdownTimeout = 5 * time.Second

// Config selects the exporters.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Endpoint is the OTLP/HTTP collector as host:port. Empty disables OTLP.
	Endpoint     string
	Headers      map[string]string
	Insecure     bool
	SamplingRate float64
	// OTLPMetrics pushes metrics to Endpoint in addition to traces.
	OTLPMetrics bool

	// PrometheusMetrics enables the handler returned by MetricsHandler.
	PrometheusMetrics     bool
	IncludeRuntimeMetrics bool

	// Attributes are added to the telemetry resource.
	Attributes map[string]string
}

// Provider owns the meter and tracer providers and their shutdown.
type Provider struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	metricsHandler http.Handler
	shutdownFuncs  []func(context.Context) error
}

// NewProvider creates providers for config and installs them as the global
// OpenTelemetry providers with W3C trace context propagation.
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	if config.OTLPMetrics && config.Endpoint == "" {
		return nil, errors.New("OTLP metrics require a collector endpoint")
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		append([]attribute.KeyValue{
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		}, resourceAttributes(config.Attributes)...)...,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry resource: %w", err)
	}

	p := &Provider{}
	if err := p.buildMeterProvider(ctx, config, res); err != nil {
		return nil, err
	}

	otlpConfig := otlp.Config{
		Endpoint:     config.Endpoint,
		Headers:      config.Headers,
		Insecure:     config.Insecure,
		SamplingRate: config.SamplingRate,
	}
	tracerProvider, shutdown, err := otlp.NewTracerProvider(ctx, otlpConfig, res)
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create tracer provider (endpoint %s): %w", config.Endpoint, err)
	}
	p.tracerProvider = tracerProvider
	if shutdown != nil {
		p.shutdownFuncs = append(p.shutdownFuncs, shutdown)
	}

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Infow("telemetry configured",
		"prometheus", config.PrometheusMetrics,
		"otlp_endpoint", config.Endpoint,
		"otlp_metrics", config.OTLPMetrics)
	return p, nil
}

func (p *Provider) buildMeterProvider(ctx context.Context, config Config, res *resource.Resource) error {
	var readers []sdkmetric.Option
	if config.PrometheusMetrics {
		reader, handler, err := prometheus.NewReader(prometheus.Config{
			IncludeRuntimeMetrics: config.IncludeRuntimeMetrics,
		})
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.WithReader(reader))
		p.metricsHandler = handler
	}
	if config.OTLPMetrics {
		reader, err := otlp.NewMetricReader(ctx, otlp.Config{
			Endpoint: config.Endpoint,
			Headers:  config.Headers,
			Insecure: config.Insecure,
		})
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.WithReader(reader))
	}

	if len(readers) == 0 {
		p.meterProvider = noop.NewMeterProvider()
		return nil
	}

	provider := sdkmetric.NewMeterProvider(append(readers, sdkmetric.WithResource(res))...)
	p.meterProvider = provider
	p.shutdownFuncs = append(p.shutdownFuncs, provider.Shutdown)
	return nil
}

// TracerProvider returns the tracer provider. It is a no-op without an endpoint.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// MeterProvider returns the meter provider. It is a no-op when no exporter is enabled.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// MetricsHandler serves Prometheus metrics, or is nil when disabled.
func (p *Provider) MetricsHandler() http.Handler {
	return p.metricsHandler
}

// Shutdown flushes and stops every exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error
	for _, shutdown := range p.shutdownFuncs {
		if err := shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
