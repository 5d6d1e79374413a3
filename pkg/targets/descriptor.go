// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package targets describes the backends agentgate can forward requests to.
//
// A Descriptor is immutable once stored: updates replace the whole set
// through [Store.Replace].
package targets

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// Kind identifies the transport a target is reached through.
type Kind string

const (
	// KindStdio is a long-lived subprocess speaking newline-delimited JSON-RPC.
	KindStdio Kind = "stdio"
	// KindSSE is a legacy MCP HTTP+SSE endpoint.
	KindSSE Kind = "sse"
	// KindOpenAPI is a REST API exposed as tools from a pre-compiled operation list.
	KindOpenAPI Kind = "openapi"
	// KindA2A is an agent-to-agent JSON-RPC endpoint.
	KindA2A Kind = "a2a"
)

// Descriptor is the configuration of one backend. Exactly one of the kind
// fields is populated.
type Descriptor struct {
	Name    string       `yaml:"name" json:"name"`
	Stdio   *StdioSpec   `yaml:"stdio,omitempty" json:"stdio,omitempty"`
	SSE     *SSESpec     `yaml:"sse,omitempty" json:"sse,omitempty"`
	OpenAPI *OpenAPISpec `yaml:"openapi,omitempty" json:"openapi,omitempty"`
	A2A     *A2ASpec     `yaml:"a2a,omitempty" json:"a2a,omitempty"`
}

// StdioSpec spawns Command with Args. Env is merged over the gateway's environment.
type StdioSpec struct {
	Command string            `yaml:"cmd" json:"cmd"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// SSESpec points at an MCP server using the HTTP+SSE transport.
type SSESpec struct {
	Host    string            `yaml:"host" json:"host"`
	Port    int               `yaml:"port" json:"port"`
	Path    string            `yaml:"path,omitempty" json:"path,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Auth    *BackendAuth      `yaml:"auth,omitempty" json:"auth,omitempty"`
	TLS     *TLSConfig        `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// URL returns the event stream URL.
func (s *SSESpec) URL() string {
	return baseURL(s.Host, s.Port, s.Path)
}

// OpenAPISpec is a REST API whose operations were compiled ahead of time.
type OpenAPISpec struct {
	Host       string            `yaml:"host" json:"host"`
	Port       int               `yaml:"port" json:"port"`
	Prefix     string            `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Auth       *BackendAuth      `yaml:"auth,omitempty" json:"auth,omitempty"`
	TLS        *TLSConfig        `yaml:"tls,omitempty" json:"tls,omitempty"`
	Operations []Operation       `yaml:"operations" json:"operations"`
}

// BaseURL returns scheme://host:port followed by the prefix.
func (s *OpenAPISpec) BaseURL() string {
	return baseURL(s.Host, s.Port, s.Prefix)
}

// Operation is one callable REST operation. InputSchema groups arguments under
// "path", "query", "header" and "body".
type Operation struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Method      string         `yaml:"method" json:"method"`
	Path        string         `yaml:"path" json:"path"`
	InputSchema map[string]any `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
}

// A2ASpec points at an agent-to-agent endpoint.
type A2ASpec struct {
	Host    string            `yaml:"host" json:"host"`
	Port    int               `yaml:"port" json:"port"`
	Path    string            `yaml:"path,omitempty" json:"path,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Auth    *BackendAuth      `yaml:"auth,omitempty" json:"auth,omitempty"`
	TLS     *TLSConfig        `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// URL returns the JSON-RPC endpoint URL.
func (s *A2ASpec) URL() string {
	return baseURL(s.Host, s.Port, s.Path)
}

// BackendAuth is the credential presented to the backend.
type BackendAuth struct {
	// BearerToken is sent as "Authorization: Bearer <token>".
	BearerToken string `yaml:"bearer_token,omitempty" json:"bearer_token,omitempty"`
	// Passthrough forwards the caller's Authorization header instead. SSE
	// targets reject it.
	Passthrough bool `yaml:"passthrough,omitempty" json:"passthrough,omitempty"`
}

// TLSConfig tunes the client TLS settings for HTTP-based targets.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file,omitempty" json:"ca_file,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty" json:"insecure_skip_verify,omitempty"`
}

// Kind reports which variant is populated, or "" when none or several are.
func (d *Descriptor) Kind() Kind {
	var kind Kind
	count := 0
	if d.Stdio != nil {
		kind, count = KindStdio, count+1
	}
	if d.SSE != nil {
		kind, count = KindSSE, count+1
	}
	if d.OpenAPI != nil {
		kind, count = KindOpenAPI, count+1
	}
	if d.A2A != nil {
		kind, count = KindA2A, count+1
	}
	if count != 1 {
		return ""
	}
	return kind
}

// Address returns host and port for HTTP-based kinds; empty for stdio.
func (d *Descriptor) Address() (string, int) {
	switch d.Kind() {
	case KindSSE:
		return d.SSE.Host, d.SSE.Port
	case KindOpenAPI:
		return d.OpenAPI.Host, d.OpenAPI.Port
	case KindA2A:
		return d.A2A.Host, d.A2A.Port
	default:
		return "", 0
	}
}

// Scheme returns https for port 443 and http otherwise.
func Scheme(port int) string {
	if port == 443 {
		return "https"
	}
	return "http"
}

func baseURL(host string, port int, path string) string {
	u := url.URL{
		Scheme: Scheme(port),
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   path,
	}
	return u.String()
}

// String implements fmt.Stringer for log output.
func (d *Descriptor) String() string {
	return fmt.Sprintf("%s(%s)", d.Name, d.Kind())
}
