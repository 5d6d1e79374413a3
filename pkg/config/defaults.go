// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"time"

	"github.com/stacklok/agentgate/pkg/relay"
	"github.com/stacklok/agentgate/pkg/upstream/handshake"
	"github.com/stacklok/agentgate/pkg/upstream/pool"
	"github.com/stacklok/agentgate/pkg/versions"
)

// Default values applied to fields left empty in the configuration file.
const (
	DefaultListenerAddress  = "0.0.0.0:3000"
	DefaultAdminAddress     = "127.0.0.1:19000"
	DefaultAdminWriteRate   = 5.0
	DefaultAdminWriteBurst  = 10
	DefaultIdleTimeout      = 10 * time.Minute
	DefaultRequestTimeout   = 5 * time.Minute
	DefaultStdioGracePeriod = 5 * time.Second
	DefaultSamplingRate     = 0.05
)

// Default returns a configuration with every default applied and no targets.
func Default() *Config {
	cfg := &Config{Telemetry: TelemetryConfig{Metrics: true}}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills empty fields. It is called before validation.
func (c *Config) ApplyDefaults() {
	if c.Listener.Address == "" {
		c.Listener.Address = DefaultListenerAddress
	}

	if c.Admin.Address == "" {
		c.Admin.Address = DefaultAdminAddress
	}
	if c.Admin.WriteRate == 0 {
		c.Admin.WriteRate = DefaultAdminWriteRate
	}
	if c.Admin.WriteBurst == 0 {
		c.Admin.WriteBurst = DefaultAdminWriteBurst
	}

	if c.Pool.IdleTimeout == 0 {
		c.Pool.IdleTimeout = Duration(DefaultIdleTimeout)
	}
	if c.Pool.HandshakeTimeout == 0 {
		c.Pool.HandshakeTimeout = Duration(handshake.DefaultTimeout)
	}
	if c.Pool.RequestTimeout == 0 {
		c.Pool.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if c.Pool.StdioGracePeriod == 0 {
		c.Pool.StdioGracePeriod = Duration(DefaultStdioGracePeriod)
	}
	if c.Pool.FanOut == 0 {
		c.Pool.FanOut = relay.DefaultFanOut
	}
	if c.Pool.Quarantine.Policy == "" {
		c.Pool.Quarantine.Policy = string(pool.QuarantineCircuitBreaker)
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = versions.Name
	}
	if c.Telemetry.SamplingRate == 0 {
		c.Telemetry.SamplingRate = DefaultSamplingRate
	}
}
