// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/stacklok/agentgate/pkg/gateway"
	"github.com/stacklok/agentgate/pkg/logger"
	"github.com/stacklok/agentgate/pkg/rbac"
)

// Validator checks a configuration and reports every problem at once.
type Validator struct{}

// NewValidator creates a Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns an error wrapping gateway.ErrInvalidConfig when the
// configuration cannot be applied. A target that fails its own validation is
// not fatal: it is logged here and served as misconfigured.
func (v *Validator) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is nil", gateway.ErrInvalidConfig)
	}

	var problems []string
	add := func(err error) {
		if err != nil {
			problems = append(problems, err.Error())
		}
	}

	add(validateAddress("listener.address", cfg.Listener.Address))
	add(validatePublicURL(cfg.Listener.PublicURL))
	add(v.validateAuth(cfg.Listener.Auth))
	if cfg.Admin.IsEnabled() {
		add(validateAddress("admin.address", cfg.Admin.Address))
	}
	if cfg.Admin.WriteRate < 0 || cfg.Admin.WriteBurst < 0 {
		problems = append(problems, "admin.write_rate and admin.write_burst must not be negative")
	}
	add(v.validatePool(cfg.Pool))
	add(v.validateTelemetry(cfg.Telemetry))
	problems = append(problems, v.validateTargets(cfg)...)
	add(ValidateRBAC(cfg.RBAC))

	if len(problems) > 0 {
		return fmt.Errorf("%w:\n  - %s", gateway.ErrInvalidConfig, strings.Join(problems, "\n  - "))
	}
	return nil
}

func validateAddress(field, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s %q: %w", field, addr, err)
	}
	return nil
}

func validatePublicURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("listener.public_url %q must be an absolute URL", raw)
	}
	return nil
}

func (*Validator) validateAuth(a *AuthConfig) error {
	if a == nil {
		return nil
	}
	if a.JWKSURL == "" && a.JWKSFile == "" {
		return fmt.Errorf("listener.auth requires jwks_url or jwks_file")
	}
	if a.JWKSURL != "" {
		if u, err := url.Parse(a.JWKSURL); err != nil || u.Host == "" {
			return fmt.Errorf("listener.auth.jwks_url %q is not a valid URL", a.JWKSURL)
		}
	}
	if a.Leeway < 0 {
		return fmt.Errorf("listener.auth.leeway must not be negative")
	}
	return nil
}

func (*Validator) validatePool(p PoolConfig) error {
	if p.IdleTimeout < 0 || p.HandshakeTimeout < 0 || p.RequestTimeout < 0 || p.StdioGracePeriod < 0 {
		return fmt.Errorf("pool timeouts must not be negative")
	}
	if p.FanOut < 0 {
		return fmt.Errorf("pool.fan_out must not be negative")
	}
	if err := p.PoolOptions().Quarantine.Validate(); err != nil {
		return fmt.Errorf("pool.quarantine: %w", err)
	}
	return nil
}

func (*Validator) validateTelemetry(t TelemetryConfig) error {
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		return fmt.Errorf("telemetry.sampling_rate %v must be between 0 and 1", t.SamplingRate)
	}
	if strings.Contains(t.Endpoint, "://") {
		return fmt.Errorf("telemetry.endpoint %q must be host:port without a scheme", t.Endpoint)
	}
	if t.OTLPMetrics && t.Endpoint == "" {
		return fmt.Errorf("telemetry.otlp_metrics requires telemetry.endpoint")
	}
	return nil
}

// validateTargets only rejects duplicates; per-target problems are isolated.
func (*Validator) validateTargets(cfg *Config) []string {
	var problems []string
	seen := make(map[string]bool, len(cfg.Targets))
	for i := range cfg.Targets {
		d := &cfg.Targets[i]
		if seen[d.Name] {
			problems = append(problems, fmt.Sprintf("duplicate target name %q", d.Name))
			continue
		}
		seen[d.Name] = true
		if err := d.Validate(); err != nil {
			logger.Warnw("target will be marked misconfigured", "target", d.Name, "error", err)
		}
	}
	return problems
}

// ValidateRBAC checks a full set of RBAC configs without touching a live engine.
func ValidateRBAC(configs []rbac.Config) error {
	if _, err := rbac.NewEngine(configs); err != nil {
		return fmt.Errorf("rbac: %w", err)
	}
	return nil
}
