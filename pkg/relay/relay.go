// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package relay forwards MCP and A2A requests from authenticated callers to
// configured targets.
//
// Every capability a target exposes is renamed to "target:name". Calls are
// checked against the RBAC engine using that prefixed name before a pooled
// connection is touched. List operations fan out over every target and only
// return what the caller may invoke.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/agentgate/pkg/gateway"
	"github.com/stacklok/agentgate/pkg/logger"
	"github.com/stacklok/agentgate/pkg/rbac"
	"github.com/stacklok/agentgate/pkg/targets"
	"github.com/stacklok/agentgate/pkg/upstream/pool"
	"github.com/stacklok/agentgate/pkg/upstream/transport"
)

// DefaultFanOut bounds concurrent upstream queries during list operations.
const DefaultFanOut = 10

// Notifier receives notifications the target sends while a request is in
// flight, such as progress or A2A stream events.
type Notifier func(method string, params json.RawMessage)

// Service is the set of operations the front door calls.
//
//go:generate mockgen -destination=mocks/mock_service.go -package=mocks -source=relay.go Service
type Service interface {
	ListTools(ctx context.Context, claims rbac.Claims) ([]mcp.Tool, error)
	ListPrompts(ctx context.Context, claims rbac.Claims) ([]mcp.Prompt, error)
	ListResources(ctx context.Context, claims rbac.Claims) ([]mcp.Resource, error)
	ListResourceTemplates(ctx context.Context, claims rbac.Claims) ([]mcp.ResourceTemplate, error)
	CallTool(ctx context.Context, claims rbac.Claims, name string, args any, notify Notifier) (*mcp.CallToolResult, error)
	GetPrompt(ctx context.Context, claims rbac.Claims, name string, args map[string]string) (*mcp.GetPromptResult, error)
	ReadResource(ctx context.Context, claims rbac.Claims, uri string) (*mcp.ReadResourceResult, error)
	AgentCard(ctx context.Context, claims rbac.Claims, target, publicURL string) (map[string]any, error)
	ForwardA2A(ctx context.Context, claims rbac.Claims, target, method string, params json.RawMessage, notify Notifier) (*jsonrpc2.Response, error)
}

// Pool is the part of the connection pool the relay uses.
type Pool interface {
	Acquire(ctx context.Context, name string) (*pool.Connection, error)
	Release(conn *pool.Connection)
	Discard(conn *pool.Connection)
}

// Policy decides access for a caller.
type Policy interface {
	Evaluate(claims rbac.Claims, resource rbac.Resource) rbac.Decision
}

// Targets resolves configured targets.
type Targets interface {
	Names() []string
	Get(name string) (*targets.Descriptor, error)
}

// Relay implements Service on top of the pool.
type Relay struct {
	targets Targets
	policy  Policy
	pool    Pool
	fanOut  int
}

var _ Service = (*Relay)(nil)

// Option configures a Relay.
type Option func(*Relay)

// WithFanOut sets how many targets are queried at once by list operations.
func WithFanOut(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.fanOut = n
		}
	}
}

// New returns a relay.
func New(targets Targets, policy Policy, p Pool, opts ...Option) *Relay {
	r := &Relay{
		targets: targets,
		policy:  policy,
		pool:    p,
		fanOut:  DefaultFanOut,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type requestIDKey struct{}

// WithRequestID attaches a correlation id to ctx. The relay generates one
// when the caller did not.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the correlation id attached to ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func ensureRequestID(ctx context.Context) (context.Context, string) {
	if id := RequestID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithRequestID(ctx, id), id
}

// authorize returns gateway.ErrAccessDenied when the policy denies resource.
func (r *Relay) authorize(ctx context.Context, claims rbac.Claims, resource rbac.Resource) error {
	decision := r.policy.Evaluate(claims, resource)
	if decision.Allowed {
		return nil
	}
	logger.Infow("request denied",
		"request_id", RequestID(ctx),
		"resource", resource.String(),
		"decision", decision.String())
	return fmt.Errorf("%w: %s", gateway.ErrAccessDenied, resource)
}

func (r *Relay) allowed(claims rbac.Claims, resource rbac.Resource) bool {
	return r.policy.Evaluate(claims, resource).Allowed
}

// acquire maps pool failures to the errors callers see. Internal pool state
// is logged, not returned.
func (r *Relay) acquire(ctx context.Context, target string) (*pool.Connection, error) {
	conn, err := r.pool.Acquire(ctx, target)
	if err == nil {
		return conn, nil
	}
	switch {
	case errors.Is(err, gateway.ErrTargetNotFound), errors.Is(err, gateway.ErrTargetMisconfigured):
		return nil, err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err
	case errors.Is(err, gateway.ErrQuarantined):
		logger.Warnw("target is quarantined", "request_id", RequestID(ctx), "target", target, "error", err)
		return nil, fmt.Errorf("%w: %s: %w", gateway.ErrUpstreamUnavailable, target, gateway.ErrQuarantined)
	default:
		logger.Warnw("failed to acquire connection", "request_id", RequestID(ctx), "target", target, "error", err)
		return nil, fmt.Errorf("%w: %s", gateway.ErrUpstreamUnavailable, target)
	}
}

// exchange sends one request to target and waits for the response. If ctx
// ends first the exchange keeps running and the connection is released when
// it completes.
func (r *Relay) exchange(
	ctx context.Context, target, method string, params any, notify Notifier,
) (*jsonrpc2.Response, error) {
	conn, err := r.acquire(ctx, target)
	if err != nil {
		return nil, err
	}

	call, err := conn.Start(ctx, method, params, adaptNotifier(notify))
	if err != nil {
		r.finish(conn, err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, upstreamError(ctx, target, err)
	}

	select {
	case <-call.Done():
		resp, err := call.Result()
		r.finish(conn, err)
		if err != nil {
			return nil, upstreamError(ctx, target, err)
		}
		return resp, nil
	case <-ctx.Done():
		logger.Debugw("caller went away, letting the exchange complete",
			"request_id", RequestID(ctx), "target", target, "method", method)
		go func() {
			_, err := call.Result()
			r.finish(conn, err)
		}()
		return nil, ctx.Err()
	}
}

// finish returns conn to the pool, dropping it if the transport failed.
func (r *Relay) finish(conn *pool.Connection, err error) {
	r.pool.Release(conn)
	if err != nil && errors.Is(err, gateway.ErrTransport) {
		logger.Debugw("dropping connection after transport error", "target", conn.Target(), "error", err)
		r.pool.Discard(conn)
	}
}

// upstreamError hides transport failures behind ErrUpstreamUnavailable. The
// cause is logged, not returned.
func upstreamError(ctx context.Context, target string, err error) error {
	if errors.Is(err, gateway.ErrTransport) || errors.Is(err, gateway.ErrNotReady) {
		logger.Warnw("upstream exchange failed", "request_id", RequestID(ctx), "target", target, "error", err)
		return fmt.Errorf("%w: %s", gateway.ErrUpstreamUnavailable, target)
	}
	return fmt.Errorf("target %s: %w", target, err)
}

// request forwards a request and decodes its result into out.
func (r *Relay) request(ctx context.Context, target, method string, params, out any, notify Notifier) error {
	resp, err := r.exchange(ctx, target, method, params, notify)
	if err != nil {
		return err
	}
	if err := transport.DecodeResult(method, resp, out); err != nil {
		return fmt.Errorf("target %s: %w", target, err)
	}
	return nil
}

// checkKind fails unless target is configured and, when kinds are given, of
// one of those kinds.
func (r *Relay) checkKind(target string, kinds ...targets.Kind) (*targets.Descriptor, error) {
	desc, err := r.targets.Get(target)
	if err != nil {
		return nil, err
	}
	if len(kinds) > 0 && !slices.Contains(kinds, desc.Kind()) {
		return nil, fmt.Errorf("%w: target %s is %s", gateway.ErrUnsupported, target, desc.Kind())
	}
	return desc, nil
}

func adaptNotifier(notify Notifier) transport.NotificationHandler {
	if notify == nil {
		return nil
	}
	return func(n *jsonrpc2.Request) {
		notify(n.Method, n.Params)
	}
}
