// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/stacklok/agentgate/pkg/telemetry"

// HTTPMiddleware records a server span and a duration histogram per request.
type HTTPMiddleware struct {
	listener   string
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	duration   metric.Float64Histogram
	inFlight   metric.Int64UpDownCounter
}

// NewHTTPMiddleware instruments requests to the named listener.
func NewHTTPMiddleware(
	listener string,
	tracerProvider trace.TracerProvider,
	meterProvider metric.MeterProvider,
) (*HTTPMiddleware, error) {
	meter := meterProvider.Meter(instrumentationName)

	duration, err := meter.Float64Histogram(
		"agentgate_http_request_duration",
		metric.WithDescription("Duration of HTTP requests served by the gateway"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	inFlight, err := meter.Int64UpDownCounter(
		"agentgate_http_requests_in_flight",
		metric.WithDescription("HTTP requests currently being served, including open streams"),
	)
	if err != nil {
		return nil, err
	}

	return &HTTPMiddleware{
		listener:   listener,
		tracer:     tracerProvider.Tracer(instrumentationName),
		propagator: otel.GetTextMapPropagator(),
		duration:   duration,
		inFlight:   inFlight,
	}, nil
}

// Handler wraps next.
func (m *HTTPMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := m.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := m.tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("agentgate.listener", m.listener),
			),
		)
		defer span.End()

		base := metric.WithAttributes(attribute.String("agentgate.listener", m.listener))
		m.inFlight.Add(ctx, 1, base)
		defer m.inFlight.Add(ctx, -1, base)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.response.status_code", rw.statusCode))
		if rw.statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
		}
		m.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("agentgate.listener", m.listener),
			attribute.String("http.request.method", r.Method),
			attribute.Int("http.response.status_code", rw.statusCode),
		))
	})
}

// responseWriter captures the status code and keeps streaming responses flushable.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	if !rw.wroteHeader {
		rw.statusCode = statusCode
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(data)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
