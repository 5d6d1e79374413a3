// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/stacklok/agentgate/pkg/upstream/pool"

var (
	attrTarget = attribute.Key("target.name")
	attrKind   = attribute.Key("target.kind")
	attrReason = attribute.Key("failure.reason")
)

type poolMetrics struct {
	opened      metric.Int64Counter
	failures    metric.Int64Counter
	quarantined metric.Int64Counter
	active      metric.Int64UpDownCounter
	establish   metric.Float64Histogram
}

func newPoolMetrics(provider metric.MeterProvider) (*poolMetrics, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter(instrumentationName)

	opened, err := meter.Int64Counter(
		"agentgate_pool_connections_opened",
		metric.WithDescription("Total number of target connections that reached ready"))
	if err != nil {
		return nil, fmt.Errorf("failed to create connections opened counter: %w", err)
	}
	failures, err := meter.Int64Counter(
		"agentgate_pool_connection_failures",
		metric.WithDescription("Total number of failed connection establishments per target"))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection failures counter: %w", err)
	}
	quarantined, err := meter.Int64Counter(
		"agentgate_pool_quarantine_rejections",
		metric.WithDescription("Total number of acquisitions rejected because the target is quarantined"))
	if err != nil {
		return nil, fmt.Errorf("failed to create quarantine rejections counter: %w", err)
	}
	active, err := meter.Int64UpDownCounter(
		"agentgate_pool_connections_active",
		metric.WithDescription("Number of live pooled connections"))
	if err != nil {
		return nil, fmt.Errorf("failed to create active connections counter: %w", err)
	}
	establish, err := meter.Float64Histogram(
		"agentgate_pool_establish_duration",
		metric.WithDescription("Duration of transport open plus handshake in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create establish duration histogram: %w", err)
	}

	return &poolMetrics{
		opened:      opened,
		failures:    failures,
		quarantined: quarantined,
		active:      active,
		establish:   establish,
	}, nil
}

func (m *poolMetrics) recordEstablished(ctx context.Context, target, kind string, d time.Duration) {
	attrs := metric.WithAttributes(attrTarget.String(target), attrKind.String(kind))
	m.opened.Add(ctx, 1, attrs)
	m.active.Add(ctx, 1, attrs)
	m.establish.Record(ctx, d.Seconds(), attrs)
}

func (m *poolMetrics) recordFailure(ctx context.Context, target, kind, reason string, d time.Duration) {
	m.failures.Add(ctx, 1, metric.WithAttributes(attrTarget.String(target), attrKind.String(kind), attrReason.String(reason)))
	m.establish.Record(ctx, d.Seconds(), metric.WithAttributes(attrTarget.String(target), attrKind.String(kind)))
}

func (m *poolMetrics) recordClosed(ctx context.Context, target, kind string) {
	m.active.Add(ctx, -1, metric.WithAttributes(attrTarget.String(target), attrKind.String(kind)))
}

func (m *poolMetrics) recordQuarantined(ctx context.Context, target string) {
	m.quarantined.Add(ctx, 1, metric.WithAttributes(attrTarget.String(target)))
}
