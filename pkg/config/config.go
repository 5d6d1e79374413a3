// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config defines the agentgate configuration file and the logic to
// load, validate and apply it to a running gateway.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stacklok/agentgate/pkg/auth"
	"github.com/stacklok/agentgate/pkg/rbac"
	"github.com/stacklok/agentgate/pkg/targets"
	"github.com/stacklok/agentgate/pkg/telemetry"
	"github.com/stacklok/agentgate/pkg/upstream/handshake"
	"github.com/stacklok/agentgate/pkg/upstream/pool"
	"github.com/stacklok/agentgate/pkg/upstream/transport"
)

// Duration is a time.Duration that reads and writes as a Go duration string.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// Config is the whole gateway configuration.
type Config struct {
	Listener  ListenerConfig       `yaml:"listener" json:"listener"`
	Admin     AdminConfig          `yaml:"admin" json:"admin"`
	Pool      PoolConfig           `yaml:"pool" json:"pool"`
	Telemetry TelemetryConfig      `yaml:"telemetry" json:"telemetry"`
	Targets   []targets.Descriptor `yaml:"targets" json:"targets"`
	RBAC      []rbac.Config        `yaml:"rbac" json:"rbac"`
}

// ListenerConfig is the front door callers connect to.
type ListenerConfig struct {
	// Address is host:port for the MCP and A2A endpoints.
	Address string `yaml:"address" json:"address"`
	// PublicURL is the externally visible base URL, used to rewrite agent
	// cards and in the protected resource metadata.
	PublicURL string `yaml:"public_url,omitempty" json:"public_url,omitempty"`
	// Auth enables JWT authentication. Nil serves anonymous callers.
	Auth *AuthConfig `yaml:"auth,omitempty" json:"auth,omitempty"`
}

// AuthConfig configures bearer token validation on the listener.
type AuthConfig struct {
	Issuer   string   `yaml:"issuer,omitempty" json:"issuer,omitempty"`
	Audience string   `yaml:"audience,omitempty" json:"audience,omitempty"`
	JWKSURL  string   `yaml:"jwks_url,omitempty" json:"jwks_url,omitempty"`
	JWKSFile string   `yaml:"jwks_file,omitempty" json:"jwks_file,omitempty"`
	Leeway   Duration `yaml:"leeway,omitempty" json:"leeway,omitempty"`
	Scopes   []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
}

// ValidatorConfig converts to the auth package's configuration.
func (a *AuthConfig) ValidatorConfig() auth.Config {
	return auth.Config{
		Issuer:   a.Issuer,
		Audience: a.Audience,
		JWKSURL:  a.JWKSURL,
		JWKSFile: a.JWKSFile,
		Leeway:   time.Duration(a.Leeway),
	}
}

// AdminConfig configures the local administration API.
type AdminConfig struct {
	// Enabled defaults to true.
	Enabled *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Address string `yaml:"address" json:"address"`
	// WriteRate limits mutating requests per second.
	WriteRate float64 `yaml:"write_rate,omitempty" json:"write_rate,omitempty"`
	// WriteBurst is the token bucket size for WriteRate.
	WriteBurst int `yaml:"write_burst,omitempty" json:"write_burst,omitempty"`
}

// IsEnabled reports whether the admin API should be served.
func (a AdminConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// PoolConfig tunes upstream connections.
type PoolConfig struct {
	IdleTimeout      Duration         `yaml:"idle_timeout,omitempty" json:"idle_timeout,omitempty"`
	HandshakeTimeout Duration         `yaml:"handshake_timeout,omitempty" json:"handshake_timeout,omitempty"`
	RequestTimeout   Duration         `yaml:"request_timeout,omitempty" json:"request_timeout,omitempty"`
	StdioGracePeriod Duration         `yaml:"stdio_grace_period,omitempty" json:"stdio_grace_period,omitempty"`
	FanOut           int              `yaml:"fan_out,omitempty" json:"fan_out,omitempty"`
	Quarantine       QuarantineConfig `yaml:"quarantine" json:"quarantine"`
}

// QuarantineConfig is the crash-loop policy for targets that keep failing to connect.
type QuarantineConfig struct {
	Policy           string   `yaml:"policy,omitempty" json:"policy,omitempty"`
	FailureThreshold int      `yaml:"failure_threshold,omitempty" json:"failure_threshold,omitempty"`
	Cooldown         Duration `yaml:"cooldown,omitempty" json:"cooldown,omitempty"`
	MaxCooldown      Duration `yaml:"max_cooldown,omitempty" json:"max_cooldown,omitempty"`
}

// PoolOptions converts to the pool's configuration. Telemetry providers are
// filled in by the caller.
func (p PoolConfig) PoolOptions() pool.Config {
	return pool.Config{
		IdleTimeout:    time.Duration(p.IdleTimeout),
		RequestTimeout: time.Duration(p.RequestTimeout),
		Handshake:      handshake.Options{Timeout: time.Duration(p.HandshakeTimeout)},
		Quarantine: pool.QuarantineConfig{
			Policy:           pool.QuarantinePolicy(p.Quarantine.Policy),
			FailureThreshold: p.Quarantine.FailureThreshold,
			Cooldown:         time.Duration(p.Quarantine.Cooldown),
			MaxCooldown:      time.Duration(p.Quarantine.MaxCooldown),
		},
	}
}

// TransportOptions converts to the transport factory's options.
func (p PoolConfig) TransportOptions() transport.Options {
	return transport.Options{StdioGracePeriod: time.Duration(p.StdioGracePeriod)}
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name,omitempty" json:"service_name,omitempty"`
	// Metrics exposes Prometheus metrics on the admin listener at /metrics.
	Metrics bool `yaml:"metrics" json:"metrics"`
	// Endpoint is an OTLP/HTTP collector for traces. Empty disables tracing.
	Endpoint     string            `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Insecure     bool              `yaml:"insecure,omitempty" json:"insecure,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	SamplingRate float64           `yaml:"sampling_rate,omitempty" json:"sampling_rate,omitempty"`
	// OTLPMetrics also pushes metrics to Endpoint.
	OTLPMetrics    bool              `yaml:"otlp_metrics,omitempty" json:"otlp_metrics,omitempty"`
	RuntimeMetrics bool              `yaml:"runtime_metrics,omitempty" json:"runtime_metrics,omitempty"`
	Attributes     map[string]string `yaml:"attributes,omitempty" json:"attributes,omitempty"`
}

// ProviderConfig converts to the telemetry package's configuration.
func (t TelemetryConfig) ProviderConfig(version string) telemetry.Config {
	return telemetry.Config{
		ServiceName:           t.ServiceName,
		ServiceVersion:        version,
		Endpoint:              t.Endpoint,
		Headers:               t.Headers,
		Insecure:              t.Insecure,
		SamplingRate:          t.SamplingRate,
		OTLPMetrics:           t.OTLPMetrics,
		PrometheusMetrics:     t.Metrics,
		IncludeRuntimeMetrics: t.RuntimeMetrics,
		Attributes:            t.Attributes,
	}
}
