// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package otlp builds OpenTelemetry Protocol exporters over HTTP.
package otlp

// Config is the collector connection shared by traces and metrics.
type Config struct {
	// Endpoint is host:port of the collector, without a scheme.
	Endpoint string
	Headers  map[string]string
	Insecure bool
	// SamplingRate is the fraction of root spans recorded, 0 to 1.
	SamplingRate float64
}
