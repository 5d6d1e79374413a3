// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/agentgate/pkg/gateway"
	"github.com/stacklok/agentgate/pkg/logger"
	"github.com/stacklok/agentgate/pkg/rbac"
	"github.com/stacklok/agentgate/pkg/targets"
)

// AgentCard returns the card of an A2A target as the caller should see it:
// skills the caller may not use are removed and the url points at the
// gateway's endpoint for the target. A skill is checked as the tool
// "target:skill-name".
func (r *Relay) AgentCard(ctx context.Context, claims rbac.Claims, target, publicURL string) (map[string]any, error) {
	ctx, id := ensureRequestID(ctx)
	if _, err := r.checkKind(target, targets.KindA2A); err != nil {
		return nil, err
	}

	conn, err := r.acquire(ctx, target)
	if err != nil {
		return nil, err
	}
	card, err := conn.AgentCard(ctx)
	r.finish(conn, err)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, upstreamError(ctx, target, err)
	}

	card["url"] = strings.TrimSuffix(publicURL, "/") + "/" + target
	if skills, ok := card["skills"].([]any); ok {
		kept := make([]any, 0, len(skills))
		for _, s := range skills {
			skill, ok := s.(map[string]any)
			if !ok {
				continue
			}
			name, _ := skill["name"].(string)
			if r.allowed(claims, rbac.Resource{Type: rbac.ResourceTool, ID: targets.JoinName(target, name)}) {
				kept = append(kept, skill)
			}
		}
		card["skills"] = kept
	}
	logger.Debugw("served agent card", "request_id", id, "target", target)
	return card, nil
}

// ForwardA2A relays one A2A JSON-RPC request. Access is checked as the tool
// named after the target. Errors the agent returns are part of the returned
// response. Streamed events arrive through notify before the final response.
func (r *Relay) ForwardA2A(
	ctx context.Context, claims rbac.Claims, target, method string, params json.RawMessage, notify Notifier,
) (*jsonrpc2.Response, error) {
	ctx, id := ensureRequestID(ctx)
	if target == "" || method == "" {
		return nil, fmt.Errorf("%w: target and method are required", gateway.ErrInvalidName)
	}
	if err := r.authorize(ctx, claims, rbac.Resource{Type: rbac.ResourceTool, ID: target}); err != nil {
		return nil, err
	}
	if _, err := r.checkKind(target, targets.KindA2A); err != nil {
		return nil, err
	}

	var p any
	if len(params) > 0 {
		p = params
	}
	logger.Debugw("forwarding A2A request", "request_id", id, "target", target, "method", method)
	return r.exchange(ctx, target, method, p, notify)
}
