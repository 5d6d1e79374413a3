// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/agentgate/pkg/gateway"
	"github.com/stacklok/agentgate/pkg/logger"
)

// QuarantinePolicy decides what happens to a target whose connections keep
// failing to establish.
type QuarantinePolicy string

const (
	// QuarantineNone retries establishment on every request.
	QuarantineNone QuarantinePolicy = "none"
	// QuarantineCircuitBreaker rejects attempts for a growing cool-down after
	// FailureThreshold consecutive failures, then lets one recovery attempt through.
	QuarantineCircuitBreaker QuarantinePolicy = "circuit-breaker"
)

// Quarantine defaults.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 5 * time.Second
	DefaultMaxCooldown      = 5 * time.Minute
)

// QuarantineConfig configures the crash-loop policy.
type QuarantineConfig struct {
	Policy           QuarantinePolicy
	FailureThreshold int
	Cooldown         time.Duration
	MaxCooldown      time.Duration
}

// Validate checks the policy name and limits.
func (c QuarantineConfig) Validate() error {
	switch c.Policy {
	case "", QuarantineNone:
		return nil
	case QuarantineCircuitBreaker:
	default:
		return fmt.Errorf("unknown quarantine policy %q", c.Policy)
	}
	if c.FailureThreshold < 0 {
		return fmt.Errorf("failure_threshold must not be negative")
	}
	if c.Cooldown < 0 || c.MaxCooldown < 0 {
		return fmt.Errorf("cooldowns must not be negative")
	}
	if c.MaxCooldown > 0 && c.Cooldown > c.MaxCooldown {
		return fmt.Errorf("cooldown %s exceeds max_cooldown %s", c.Cooldown, c.MaxCooldown)
	}
	return nil
}

func (c QuarantineConfig) enabled() bool {
	return c.Policy == QuarantineCircuitBreaker
}

func (c QuarantineConfig) withDefaults() QuarantineConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = DefaultMaxCooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = c.Cooldown
	}
	return c
}

// BreakerState is the quarantine state of one target.
type BreakerState string

const (
	// BreakerClosed lets every attempt through.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen rejects attempts until the cool-down elapses.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen lets a single recovery attempt through.
	BreakerHalfOpen BreakerState = "half_open"
)

// breaker tracks consecutive establishment failures of one target.
// Closed -> Open -> HalfOpen -> Closed, with the open period growing
// exponentially on repeated failed recovery attempts.
type breaker struct {
	mu sync.Mutex

	target    string
	threshold int
	cooldowns *backoff.ExponentialBackOff

	state         BreakerState
	failures      int
	cooldown      time.Duration
	openedAt      time.Time
	trialInFlight bool
}

func newBreaker(target string, cfg QuarantineConfig) *breaker {
	cooldowns := backoff.NewExponentialBackOff()
	cooldowns.InitialInterval = cfg.Cooldown
	cooldowns.MaxInterval = cfg.MaxCooldown
	cooldowns.RandomizationFactor = 0
	cooldowns.Reset()

	return &breaker{
		target:    target,
		threshold: cfg.FailureThreshold,
		cooldowns: cooldowns,
		state:     BreakerClosed,
	}
}

// allow returns nil if an establishment attempt may run. Otherwise the error
// wraps gateway.ErrQuarantined and says when the next attempt can happen.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if remaining := b.cooldown - time.Since(b.openedAt); remaining > 0 {
			return fmt.Errorf("%w: next attempt in %s", gateway.ErrQuarantined, remaining.Round(time.Millisecond))
		}
		b.state = BreakerHalfOpen
		b.trialInFlight = true
		logger.Infow("target quarantine half-open, attempting recovery", "target", b.target)
		return nil
	default:
		if b.trialInFlight {
			return fmt.Errorf("%w: recovery attempt in progress", gateway.ErrQuarantined)
		}
		b.trialInFlight = true
		return nil
	}
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerClosed {
		logger.Infow("target quarantine lifted", "target", b.target)
	}
	b.state = BreakerClosed
	b.failures = 0
	b.trialInFlight = false
	b.cooldowns.Reset()
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.trialInFlight = false

	if (b.state == BreakerClosed && b.failures >= b.threshold) || b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.cooldown = b.cooldowns.NextBackOff()
		logger.Warnw("target quarantined", "target", b.target, "failures", b.failures, "cooldown", b.cooldown)
	}
}

func (b *breaker) snapshot() (BreakerState, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.failures
}
