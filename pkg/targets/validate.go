// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package targets

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/stacklok/agentgate/pkg/gateway"
)

// NameSeparator joins a target name and an upstream name in the relay's
// exposed names ("target:tool").
const NameSeparator = ":"

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
	http.MethodHead:   true,
}

// Validate checks the descriptor and returns an error wrapping
// gateway.ErrInvalidConfig that lists every problem found.
func (d *Descriptor) Validate() error {
	var problems []string

	if d.Name == "" {
		problems = append(problems, "name is required")
	} else if !namePattern.MatchString(d.Name) {
		problems = append(problems, fmt.Sprintf("name %q must match %s", d.Name, namePattern))
	}

	switch d.Kind() {
	case KindStdio:
		if strings.TrimSpace(d.Stdio.Command) == "" {
			problems = append(problems, "stdio.cmd is required")
		}
	case KindSSE:
		problems = append(problems, validateEndpoint("sse", d.SSE.Host, d.SSE.Port)...)
		// The stream is opened once and shared by every caller.
		if d.SSE.Auth != nil && d.SSE.Auth.Passthrough {
			problems = append(problems, "sse.auth.passthrough is not supported: the connection is shared between callers")
		}
	case KindOpenAPI:
		problems = append(problems, validateEndpoint("openapi", d.OpenAPI.Host, d.OpenAPI.Port)...)
		problems = append(problems, validateOperations(d.OpenAPI.Operations)...)
	case KindA2A:
		problems = append(problems, validateEndpoint("a2a", d.A2A.Host, d.A2A.Port)...)
	default:
		problems = append(problems, "exactly one of stdio, sse, openapi or a2a must be set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: target %q:\n  - %s", gateway.ErrInvalidConfig, d.Name, strings.Join(problems, "\n  - "))
	}
	return nil
}

func validateEndpoint(kind, host string, port int) []string {
	var problems []string
	if host == "" {
		problems = append(problems, kind+".host is required")
	}
	if port <= 0 || port > 65535 {
		problems = append(problems, fmt.Sprintf("%s.port %d is out of range", kind, port))
	}
	return problems
}

func validateOperations(ops []Operation) []string {
	var problems []string
	seen := make(map[string]bool, len(ops))
	for i, op := range ops {
		switch {
		case op.Name == "":
			problems = append(problems, fmt.Sprintf("openapi.operations[%d].name is required", i))
		case seen[op.Name]:
			problems = append(problems, fmt.Sprintf("openapi.operations[%d].name %q is duplicated", i, op.Name))
		}
		seen[op.Name] = true
		if !allowedMethods[strings.ToUpper(op.Method)] {
			problems = append(problems, fmt.Sprintf("openapi.operations[%d].method %q is not supported", i, op.Method))
		}
		if !strings.HasPrefix(op.Path, "/") {
			problems = append(problems, fmt.Sprintf("openapi.operations[%d].path must start with /", i))
		}
	}
	return problems
}

// SplitName splits "target:name" on the first separator.
func SplitName(prefixed string) (target, name string, err error) {
	target, name, ok := strings.Cut(prefixed, NameSeparator)
	if !ok || target == "" || name == "" {
		return "", "", fmt.Errorf("%w: %q is not of the form target%sname", gateway.ErrInvalidName, prefixed, NameSeparator)
	}
	return target, name, nil
}

// JoinName is the inverse of SplitName.
func JoinName(target, name string) string {
	return target + NameSeparator + name
}
