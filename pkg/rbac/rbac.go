// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package rbac evaluates caller claims against configured access rules.
//
// Policy sets are additive: a request is allowed when any rule in any
// configured policy matches. When policies are configured but nothing
// matches, the request is denied. When no policy is configured at all,
// RBAC is disabled and every request is allowed.
package rbac

import (
	"fmt"
	"slices"
	"strings"
)

// ResourceType is the kind of MCP capability a rule protects.
type ResourceType string

const (
	// ResourceTool protects a tool (and, for A2A targets, an agent skill).
	ResourceTool ResourceType = "tool"
	// ResourcePrompt protects a prompt.
	ResourcePrompt ResourceType = "prompt"
	// ResourceResource protects a resource URI.
	ResourceResource ResourceType = "resource"
)

// Resource identifies the capability a request touches. IDs use the relay's
// prefixed form, e.g. "echo:ping".
type Resource struct {
	Type ResourceType `yaml:"type" json:"type"`
	ID   string       `yaml:"id" json:"id"`
}

func (r Resource) String() string {
	return string(r.Type) + "/" + r.ID
}

// Matcher selects how a claim value is compared with a rule value.
type Matcher string

const (
	// MatchEquals requires exact equality.
	MatchEquals Matcher = "equals"
	// MatchContains requires the rule value to be a substring of the claim.
	MatchContains Matcher = "contains"
	// MatchStartsWith requires the claim to start with the rule value.
	MatchStartsWith Matcher = "starts_with"
	// MatchEndsWith requires the claim to end with the rule value.
	MatchEndsWith Matcher = "ends_with"
)

// Match applies the matcher. Unknown matchers never match.
func (m Matcher) Match(claim, value string) bool {
	switch m {
	case MatchEquals:
		return claim == value
	case MatchContains:
		return strings.Contains(claim, value)
	case MatchStartsWith:
		return strings.HasPrefix(claim, value)
	case MatchEndsWith:
		return strings.HasSuffix(claim, value)
	default:
		return false
	}
}

// ParseMatcher accepts the snake case names as well as their CamelCase
// spellings. An empty string means equals.
func ParseMatcher(s string) (Matcher, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "_", "")) {
	case "", "equals":
		return MatchEquals, nil
	case "contains":
		return MatchContains, nil
	case "startswith", "prefix":
		return MatchStartsWith, nil
	case "endswith", "suffix":
		return MatchEndsWith, nil
	default:
		return "", fmt.Errorf("unknown matcher %q", s)
	}
}

// ParseResourceType accepts tool, prompt and resource in any case.
func ParseResourceType(s string) (ResourceType, error) {
	switch t := ResourceType(strings.ToLower(s)); t {
	case ResourceTool, ResourcePrompt, ResourceResource:
		return t, nil
	default:
		return "", fmt.Errorf("unknown resource type %q", s)
	}
}

// Rule grants access to Resource when the claim named Key matches Value.
type Rule struct {
	Key      string   `yaml:"key" json:"key"`
	Value    string   `yaml:"value" json:"value"`
	Resource Resource `yaml:"resource" json:"resource"`
	Matcher  Matcher  `yaml:"matcher,omitempty" json:"matcher,omitempty"`
}

// Matches reports whether the rule grants claims access to resource.
// A missing claim never matches.
func (r *Rule) Matches(claims Claims, resource Resource) bool {
	if r.Resource.Type != resource.Type || r.Resource.ID != resource.ID {
		return false
	}
	values, ok := claims[r.Key]
	if !ok {
		return false
	}
	return slices.ContainsFunc(values, func(v string) bool {
		return r.Matcher.Match(v, r.Value)
	})
}

// Config is one named policy bundle, replaced as a unit.
type Config struct {
	Name      string `yaml:"name" json:"name"`
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	Rules     []Rule `yaml:"rules" json:"rules"`
}

// normalize validates the config and returns a copy with canonical matcher
// and resource type spellings.
func (c Config) normalize() (Config, error) {
	if c.Name == "" {
		return Config{}, fmt.Errorf("rbac config name is required")
	}
	out := Config{Name: c.Name, Namespace: c.Namespace, Rules: make([]Rule, len(c.Rules))}
	for i, r := range c.Rules {
		if r.Key == "" {
			return Config{}, fmt.Errorf("rbac config %q rule %d: key is required", c.Name, i)
		}
		m, err := ParseMatcher(string(r.Matcher))
		if err != nil {
			return Config{}, fmt.Errorf("rbac config %q rule %d: %w", c.Name, i, err)
		}
		rt, err := ParseResourceType(string(r.Resource.Type))
		if err != nil {
			return Config{}, fmt.Errorf("rbac config %q rule %d: %w", c.Name, i, err)
		}
		r.Matcher = m
		r.Resource.Type = rt
		out.Rules[i] = r
	}
	return out, nil
}
