// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package rbac

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/stacklok/agentgate/pkg/gateway"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	// Allowed is true when access is granted.
	Allowed bool
	// Disabled is true when no policy is configured, so access was granted implicitly.
	Disabled bool
	// Policy, Namespace and RuleIndex identify the first matching rule.
	Policy    string
	Namespace string
	RuleIndex int
}

// String renders the decision for audit logs.
func (d Decision) String() string {
	switch {
	case d.Disabled:
		return "allow (rbac disabled)"
	case d.Allowed:
		return fmt.Sprintf("allow (policy %s/%s rule %d)", d.Namespace, d.Policy, d.RuleIndex)
	default:
		return "deny"
	}
}

// policySet is an immutable, normalized set of configs.
type policySet struct {
	configs []Config
}

// Engine evaluates claims against the current policy set. Updates swap the
// set atomically: an evaluation sees either the whole old set or the whole new one.
type Engine struct {
	writeMu sync.Mutex
	current atomic.Pointer[policySet]
}

// NewEngine returns an engine loaded with configs.
func NewEngine(configs []Config) (*Engine, error) {
	e := &Engine{}
	if err := e.Update(configs); err != nil {
		return nil, err
	}
	return e, nil
}

// Update replaces every config. Invalid input leaves the current set in place.
func (e *Engine) Update(configs []Config) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.updateLocked(configs)
}

// Upsert adds or replaces the config with the same name.
func (e *Engine) Upsert(cfg Config) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	next := e.Configs()
	idx := slices.IndexFunc(next, func(c Config) bool { return c.Name == cfg.Name })
	if idx >= 0 {
		next[idx] = cfg
	} else {
		next = append(next, cfg)
	}
	return e.updateLocked(next)
}

// Remove deletes the named config. It reports false when it did not exist.
func (e *Engine) Remove(name string) bool {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	prev := e.Configs()
	next := slices.DeleteFunc(slices.Clone(prev), func(c Config) bool { return c.Name == name })
	if len(next) == len(prev) {
		return false
	}
	// a subset of a normalized set is always valid
	_ = e.updateLocked(next)
	return true
}

func (e *Engine) updateLocked(configs []Config) error {
	set := &policySet{configs: make([]Config, 0, len(configs))}
	seen := make(map[string]bool, len(configs))
	var problems []string
	for _, c := range configs {
		if seen[c.Name] {
			problems = append(problems, fmt.Sprintf("duplicate rbac config name %q", c.Name))
			continue
		}
		seen[c.Name] = true
		n, err := c.normalize()
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		set.configs = append(set.configs, n)
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w:\n  - %s", gateway.ErrInvalidConfig, strings.Join(problems, "\n  - "))
	}
	e.current.Store(set)
	return nil
}

// Configs returns a copy of the current configs.
func (e *Engine) Configs() []Config {
	set := e.current.Load()
	if set == nil {
		return nil
	}
	return slices.Clone(set.configs)
}

// Get returns the named config.
func (e *Engine) Get(name string) (Config, bool) {
	for _, c := range e.Configs() {
		if c.Name == name {
			return c, true
		}
	}
	return Config{}, false
}

// Enabled reports whether at least one config is present.
func (e *Engine) Enabled() bool {
	set := e.current.Load()
	return set != nil && len(set.configs) > 0
}

// Evaluate decides whether claims may access resource. It has no side effects.
func (e *Engine) Evaluate(claims Claims, resource Resource) Decision {
	set := e.current.Load()
	if set == nil || len(set.configs) == 0 {
		return Decision{Allowed: true, Disabled: true}
	}
	for _, cfg := range set.configs {
		for i := range cfg.Rules {
			if cfg.Rules[i].Matches(claims, resource) {
				return Decision{Allowed: true, Policy: cfg.Name, Namespace: cfg.Namespace, RuleIndex: i}
			}
		}
	}
	return Decision{}
}

// Allowed is shorthand for Evaluate(claims, resource).Allowed.
func (e *Engine) Allowed(claims Claims, resource Resource) bool {
	return e.Evaluate(claims, resource).Allowed
}
