// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/agentgate/pkg/gateway"
	"github.com/stacklok/agentgate/pkg/targets"
	"github.com/stacklok/agentgate/pkg/upstream/handshake"
	"github.com/stacklok/agentgate/pkg/upstream/transport"
)

// Connection is a live, handshaken session with one target. It is shared by
// every caller that acquires the same target.
type Connection struct {
	target      string
	desc        *targets.Descriptor
	client      *transport.Client
	handshake   *handshake.Result
	established time.Time

	mu       sync.Mutex
	lastUsed time.Time
	inflight int
}

func newConnection(desc *targets.Descriptor, client *transport.Client, hs *handshake.Result) *Connection {
	now := time.Now()
	return &Connection{
		target:      desc.Name,
		desc:        desc,
		client:      client,
		handshake:   hs,
		established: now,
		lastUsed:    now,
	}
}

// Target returns the target name.
func (c *Connection) Target() string {
	return c.target
}

// Descriptor returns the descriptor the connection was opened with.
func (c *Connection) Descriptor() *targets.Descriptor {
	return c.desc
}

// Kind returns the target kind.
func (c *Connection) Kind() targets.Kind {
	return c.desc.Kind()
}

// State returns the handshake state.
func (c *Connection) State() handshake.State {
	return c.handshake.State
}

// Ready reports whether the connection can carry application traffic.
func (c *Connection) Ready() bool {
	return c.handshake.State.Phase == handshake.Ready && c.client.Alive()
}

// Handshake returns the handshake outcome, including warnings.
func (c *Connection) Handshake() *handshake.Result {
	return c.handshake
}

// Start sends a request on the connection. Connections that are not Ready
// refuse traffic with gateway.ErrNotReady.
func (c *Connection) Start(ctx context.Context, method string, params any, notify transport.NotificationHandler) (*transport.Call, error) {
	if c.handshake.State.Phase != handshake.Ready {
		return nil, fmt.Errorf("%w: target %s is %s", gateway.ErrNotReady, c.target, c.handshake.State)
	}
	return c.client.Start(ctx, method, params, notify)
}

// Call sends a request and waits for the response.
func (c *Connection) Call(ctx context.Context, method string, params any) (*jsonrpc2.Response, error) {
	call, err := c.Start(ctx, method, params, nil)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// AgentCard fetches the A2A agent card of the target.
func (c *Connection) AgentCard(ctx context.Context) (map[string]any, error) {
	fetcher, ok := c.client.Transport().(transport.CardFetcher)
	if !ok {
		return nil, fmt.Errorf("%w: target %s (%s) has no agent card", gateway.ErrUnsupported, c.target, c.Kind())
	}
	return fetcher.AgentCard(ctx)
}

// Info is a point-in-time view of a pooled connection.
type Info struct {
	Target      string       `json:"target"`
	Kind        targets.Kind `json:"kind"`
	State       string       `json:"state"`
	Established time.Time    `json:"established"`
	LastUsed    time.Time    `json:"last_used"`
	InFlight    int          `json:"in_flight"`
	Warnings    []string     `json:"warnings,omitempty"`
}

func (c *Connection) info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := Info{
		Target:      c.target,
		Kind:        c.Kind(),
		State:       c.handshake.State.String(),
		Established: c.established,
		LastUsed:    c.lastUsed,
		InFlight:    c.inflight,
	}
	for _, w := range c.handshake.Warnings {
		info.Warnings = append(info.Warnings, w.Error())
	}
	return info
}

func (c *Connection) acquire() {
	c.mu.Lock()
	c.inflight++
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

func (c *Connection) release() {
	c.mu.Lock()
	if c.inflight > 0 {
		c.inflight--
	}
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

func (c *Connection) idleFor(now time.Time) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight > 0 {
		return 0, false
	}
	return now.Sub(c.lastUsed), true
}

func (c *Connection) close() error {
	return c.client.Close()
}
