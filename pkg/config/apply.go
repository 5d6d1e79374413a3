// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"sync"

	"github.com/stacklok/agentgate/pkg/logger"
	"github.com/stacklok/agentgate/pkg/rbac"
	"github.com/stacklok/agentgate/pkg/targets"
)

// Syncer drops pooled connections for targets that changed.
type Syncer interface {
	Sync(change targets.Change)
}

// Runtime holds the live state a configuration is applied to.
type Runtime struct {
	Targets  *targets.Store
	Policies *rbac.Engine
	Pool     Syncer

	mu sync.Mutex
}

// Apply replaces targets and RBAC configs as one step. Everything is checked
// before anything is swapped, so a rejected configuration leaves the running
// state untouched.
func (r *Runtime) Apply(cfg *Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := NewValidator().Validate(cfg); err != nil {
		return err
	}

	change, err := r.Targets.Replace(cfg.Targets)
	if err != nil {
		return fmt.Errorf("failed to apply targets: %w", err)
	}
	if err := r.Policies.Update(cfg.RBAC); err != nil {
		// unreachable after Validate; the target swap already happened
		logger.Errorw("failed to apply rbac after targets were replaced", "error", err)
		return fmt.Errorf("failed to apply rbac: %w", err)
	}
	r.Pool.Sync(change)

	logger.Infow("configuration applied",
		"version", r.Targets.Version(),
		"targets", len(cfg.Targets),
		"misconfigured", len(r.Targets.Invalid()),
		"rbac_configs", len(cfg.RBAC),
		"added", len(change.Added),
		"updated", len(change.Updated),
		"removed", len(change.Removed))
	return nil
}

// Snapshot returns the running targets and RBAC configs in configuration form.
func (r *Runtime) Snapshot() ([]targets.Descriptor, []rbac.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Targets.List(), r.Policies.Configs()
}

// UpsertTarget adds or replaces one target. Unlike a file load, an invalid
// descriptor is rejected instead of being kept as misconfigured.
func (r *Runtime) UpsertTarget(d targets.Descriptor) (targets.Change, error) {
	if err := d.Validate(); err != nil {
		return targets.Change{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	change, err := r.Targets.Upsert(d)
	if err != nil {
		return targets.Change{}, err
	}
	r.Pool.Sync(change)
	logger.Infow("target upserted", "target", d.Name, "kind", d.Kind(), "updated", len(change.Updated) > 0)
	return change, nil
}

// RemoveTarget deletes a target and closes its pooled connection.
func (r *Runtime) RemoveTarget(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	change, ok := r.Targets.Remove(name)
	if !ok {
		return false
	}
	r.Pool.Sync(change)
	logger.Infow("target removed", "target", name)
	return true
}

// UpsertRBAC adds or replaces one RBAC config.
func (r *Runtime) UpsertRBAC(cfg rbac.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.Policies.Upsert(cfg); err != nil {
		return err
	}
	logger.Infow("rbac config upserted", "rbac", cfg.Name, "rules", len(cfg.Rules))
	return nil
}

// RemoveRBAC deletes one RBAC config.
func (r *Runtime) RemoveRBAC(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.Policies.Remove(name) {
		return false
	}
	logger.Infow("rbac config removed", "rbac", name)
	return true
}

// Misconfigured returns the targets that failed validation and why.
func (r *Runtime) Misconfigured() map[string]error {
	return r.Targets.Invalid()
}
