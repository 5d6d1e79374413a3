// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package targets

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/go-cmp/cmp"

	"github.com/stacklok/agentgate/pkg/gateway"
	"github.com/stacklok/agentgate/pkg/logger"
)

// snapshot is an immutable view of the configured targets.
type snapshot struct {
	version uint64
	all     []Descriptor
	valid   map[string]*Descriptor
	invalid map[string]error
}

// Change lists the target names affected by a replace.
type Change struct {
	Added   []string
	Updated []string
	Removed []string
}

// Stale returns the names whose live connections must be dropped.
func (c Change) Stale() []string {
	return append(slices.Clone(c.Updated), c.Removed...)
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Store holds the current target set. Readers never block; writers replace the
// whole set atomically so a lookup sees either the old or the new set.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[snapshot]
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(&snapshot{valid: map[string]*Descriptor{}, invalid: map[string]error{}})
	return s
}

// Get returns the descriptor for name. Unknown names wrap gateway.ErrTargetNotFound;
// names whose descriptor failed validation wrap gateway.ErrTargetMisconfigured.
func (s *Store) Get(name string) (*Descriptor, error) {
	snap := s.current.Load()
	if d, ok := snap.valid[name]; ok {
		return d, nil
	}
	if err, ok := snap.invalid[name]; ok {
		return nil, fmt.Errorf("%w: %w", gateway.ErrTargetMisconfigured, err)
	}
	return nil, fmt.Errorf("%w: %s", gateway.ErrTargetNotFound, name)
}

// Names returns the names of all usable targets, sorted.
func (s *Store) Names() []string {
	snap := s.current.Load()
	names := make([]string, 0, len(snap.valid))
	for name := range snap.valid {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// List returns every configured descriptor, including misconfigured ones, in
// configuration order.
func (s *Store) List() []Descriptor {
	return slices.Clone(s.current.Load().all)
}

// Invalid returns the validation error of each misconfigured target.
func (s *Store) Invalid() map[string]error {
	snap := s.current.Load()
	out := make(map[string]error, len(snap.invalid))
	for k, v := range snap.invalid {
		out[k] = v
	}
	return out
}

// Version increases by one on every successful replace.
func (s *Store) Version() uint64 {
	return s.current.Load().version
}

// Replace swaps in a new target set. Duplicate names reject the whole set.
// A descriptor that fails validation is kept as misconfigured without
// affecting the others.
func (s *Store) Replace(descs []Descriptor) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceLocked(descs)
}

// Upsert adds or replaces a single target.
func (s *Store) Upsert(d Descriptor) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := slices.Clone(s.current.Load().all)
	idx := slices.IndexFunc(next, func(e Descriptor) bool { return e.Name == d.Name })
	if idx >= 0 {
		next[idx] = d
	} else {
		next = append(next, d)
	}
	return s.replaceLocked(next)
}

// Remove deletes a target. It reports false when the target did not exist.
func (s *Store) Remove(name string) (Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load().all
	next := slices.DeleteFunc(slices.Clone(prev), func(e Descriptor) bool { return e.Name == name })
	if len(next) == len(prev) {
		return Change{}, false
	}
	change, err := s.replaceLocked(next)
	if err != nil {
		// removing an entry cannot introduce a duplicate
		logger.Errorw("unexpected error removing target", "target", name, "error", err)
		return Change{}, false
	}
	return change, true
}

func (s *Store) replaceLocked(descs []Descriptor) (Change, error) {
	prev := s.current.Load()
	next := &snapshot{
		version: prev.version + 1,
		all:     slices.Clone(descs),
		valid:   make(map[string]*Descriptor, len(descs)),
		invalid: make(map[string]error),
	}

	seen := make(map[string]bool, len(descs))
	for i := range next.all {
		d := &next.all[i]
		if seen[d.Name] {
			return Change{}, fmt.Errorf("%w: duplicate target name %q", gateway.ErrInvalidConfig, d.Name)
		}
		seen[d.Name] = true

		if err := d.Validate(); err != nil {
			logger.Warnw("target is misconfigured and will be unavailable", "target", d.Name, "error", err)
			next.invalid[d.Name] = err
			continue
		}
		next.valid[d.Name] = d
	}

	change := diff(prev, next)
	s.current.Store(next)
	return change, nil
}

func diff(prev, next *snapshot) Change {
	var change Change
	for name, d := range next.valid {
		old, ok := prev.valid[name]
		switch {
		case !ok:
			change.Added = append(change.Added, name)
		case !cmp.Equal(old, d):
			change.Updated = append(change.Updated, name)
		}
	}
	for name := range prev.valid {
		if _, ok := next.valid[name]; !ok {
			change.Removed = append(change.Removed, name)
		}
	}
	slices.Sort(change.Added)
	slices.Sort(change.Updated)
	slices.Sort(change.Removed)
	return change
}
