// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package transport implements the message channels agentgate uses to reach
// its targets: subprocess pipes, MCP HTTP+SSE streams, synthetic HTTP calls
// for OpenAPI targets and A2A JSON-RPC endpoints.
//
// A Transport moves JSON-RPC messages. A [Client] layered on top assigns
// request ids and correlates responses.
package transport

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/agentgate/pkg/gateway"
	"github.com/stacklok/agentgate/pkg/targets"
)

//go:generate mockgen -destination=mocks/mock_transport.go -package=mocks github.com/stacklok/agentgate/pkg/upstream/transport Transport

// Transport is a live message channel to one target. Once closed it cannot
// be reopened.
type Transport interface {
	// Kind reports the target kind this transport serves.
	Kind() targets.Kind
	// NextID returns a request id that is unique for this transport.
	NextID() jsonrpc2.ID
	// Send writes one message.
	Send(ctx context.Context, msg jsonrpc2.Message) error
	// Receive blocks until a message arrives, the transport closes or ctx ends.
	// A closed transport returns an error wrapping gateway.ErrTransportClosed.
	Receive(ctx context.Context) (jsonrpc2.Message, error)
	// Close releases the transport. It is safe to call more than once.
	Close() error
}

// Factory opens a transport for a target.
type Factory func(ctx context.Context, desc *targets.Descriptor) (Transport, error)

// multiplexer is implemented by transports that can carry concurrent requests.
type multiplexer interface {
	Multiplexed() bool
}

// IsMultiplexed reports whether t can carry concurrent requests. Transports
// that do not say otherwise are treated as serial.
func IsMultiplexed(t Transport) bool {
	if m, ok := t.(multiplexer); ok {
		return m.Multiplexed()
	}
	return false
}

// RequiresHandshake reports whether connections of this kind must complete
// the initialize exchange before carrying traffic. OpenAPI and A2A targets
// are stateless and start ready.
func RequiresHandshake(kind targets.Kind) bool {
	switch kind {
	case targets.KindOpenAPI, targets.KindA2A:
		return false
	default:
		return true
	}
}

// Options tunes transports created by [Open].
type Options struct {
	// StdioGracePeriod is how long Close waits for a subprocess after SIGTERM
	// before killing it.
	StdioGracePeriod time.Duration
}

// NewFactory returns a Factory that opens transports with opts.
func NewFactory(opts Options) Factory {
	return func(ctx context.Context, desc *targets.Descriptor) (Transport, error) {
		return open(ctx, desc, opts)
	}
}

// Open opens a transport with default options.
func Open(ctx context.Context, desc *targets.Descriptor) (Transport, error) {
	return open(ctx, desc, Options{})
}

func open(ctx context.Context, desc *targets.Descriptor, opts Options) (Transport, error) {
	switch desc.Kind() {
	case targets.KindStdio:
		return openStdio(ctx, desc.Name, desc.Stdio, opts)
	case targets.KindSSE:
		return openSSE(ctx, desc.Name, desc.SSE)
	case targets.KindOpenAPI:
		return openOpenAPI(desc.Name, desc.OpenAPI)
	case targets.KindA2A:
		return openA2A(desc.Name, desc.A2A)
	default:
		return nil, fmt.Errorf("%w: target %q has no transport kind", gateway.ErrTargetMisconfigured, desc.Name)
	}
}

// idCounter hands out monotonically increasing integer ids.
type idCounter struct {
	last atomic.Int64
}

// NextID implements Transport.
func (c *idCounter) NextID() jsonrpc2.ID {
	return jsonrpc2.Int64ID(c.last.Add(1))
}
