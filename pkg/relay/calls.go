// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/agentgate/pkg/logger"
	"github.com/stacklok/agentgate/pkg/rbac"
	"github.com/stacklok/agentgate/pkg/targets"
	"github.com/stacklok/agentgate/pkg/upstream/transport"
)

var mcpKinds = []targets.Kind{targets.KindStdio, targets.KindSSE, targets.KindOpenAPI}

// CallTool invokes "target:tool". When notify is set, progress the target
// reports for this call is passed on; the progressToken in those
// notifications is the request id.
func (r *Relay) CallTool(
	ctx context.Context, claims rbac.Claims, name string, args any, notify Notifier,
) (*mcp.CallToolResult, error) {
	ctx, id := ensureRequestID(ctx)
	target, tool, err := targets.SplitName(name)
	if err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, claims, rbac.Resource{Type: rbac.ResourceTool, ID: name}); err != nil {
		return nil, err
	}
	if _, err := r.checkKind(target, mcpKinds...); err != nil {
		return nil, err
	}

	params := mcp.CallToolParams{Name: tool, Arguments: args}
	if notify != nil {
		params.Meta = &mcp.Meta{ProgressToken: id}
		notify = progressFilter(id, notify)
	}

	logger.Debugw("calling tool", "request_id", id, "target", target, "tool", tool)
	resp, err := r.exchange(ctx, target, string(mcp.MethodToolsCall), params, notify)
	if err != nil {
		return nil, err
	}
	raw, err := resultOf(target, string(mcp.MethodToolsCall), resp)
	if err != nil {
		return nil, err
	}
	result, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return nil, fmt.Errorf("target %s: invalid tools/call result: %w", target, err)
	}
	return result, nil
}

// GetPrompt renders "target:prompt".
func (r *Relay) GetPrompt(
	ctx context.Context, claims rbac.Claims, name string, args map[string]string,
) (*mcp.GetPromptResult, error) {
	ctx, id := ensureRequestID(ctx)
	target, prompt, err := targets.SplitName(name)
	if err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, claims, rbac.Resource{Type: rbac.ResourcePrompt, ID: name}); err != nil {
		return nil, err
	}
	if _, err := r.checkKind(target, mcpKinds...); err != nil {
		return nil, err
	}

	logger.Debugw("getting prompt", "request_id", id, "target", target, "prompt", prompt)
	resp, err := r.exchange(ctx, target, string(mcp.MethodPromptsGet), mcp.GetPromptParams{Name: prompt, Arguments: args}, nil)
	if err != nil {
		return nil, err
	}
	raw, err := resultOf(target, string(mcp.MethodPromptsGet), resp)
	if err != nil {
		return nil, err
	}
	result, err := mcp.ParseGetPromptResult(&raw)
	if err != nil {
		return nil, fmt.Errorf("target %s: invalid prompts/get result: %w", target, err)
	}
	return result, nil
}

// ReadResource reads "target:uri". Content URIs in the result carry the
// target prefix, like the listed resources.
func (r *Relay) ReadResource(ctx context.Context, claims rbac.Claims, uri string) (*mcp.ReadResourceResult, error) {
	ctx, id := ensureRequestID(ctx)
	target, upstreamURI, err := targets.SplitName(uri)
	if err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, claims, rbac.Resource{Type: rbac.ResourceResource, ID: uri}); err != nil {
		return nil, err
	}
	if _, err := r.checkKind(target, mcpKinds...); err != nil {
		return nil, err
	}

	logger.Debugw("reading resource", "request_id", id, "target", target, "uri", upstreamURI)
	resp, err := r.exchange(ctx, target, string(mcp.MethodResourcesRead), mcp.ReadResourceParams{URI: upstreamURI}, nil)
	if err != nil {
		return nil, err
	}
	raw, err := resultOf(target, string(mcp.MethodResourcesRead), resp)
	if err != nil {
		return nil, err
	}
	result, err := mcp.ParseReadResourceResult(&raw)
	if err != nil {
		return nil, fmt.Errorf("target %s: invalid resources/read result: %w", target, err)
	}
	for i, c := range result.Contents {
		switch c := c.(type) {
		case mcp.TextResourceContents:
			c.URI = targets.JoinName(target, c.URI)
			result.Contents[i] = c
		case *mcp.TextResourceContents:
			c.URI = targets.JoinName(target, c.URI)
		case mcp.BlobResourceContents:
			c.URI = targets.JoinName(target, c.URI)
			result.Contents[i] = c
		case *mcp.BlobResourceContents:
			c.URI = targets.JoinName(target, c.URI)
		}
	}
	return result, nil
}

// resultOf returns the result of a successful response. A JSON-RPC error
// from the target becomes a *transport.ResponseError.
func resultOf(target, method string, resp *jsonrpc2.Response) (json.RawMessage, error) {
	if resp.Error != nil {
		return nil, fmt.Errorf("target %s: %w", target, &transport.ResponseError{Method: method, Err: resp.Error})
	}
	return resp.Result, nil
}

// progressFilter drops progress notifications that belong to another
// caller sharing the connection.
func progressFilter(token string, notify Notifier) Notifier {
	return func(method string, params json.RawMessage) {
		if t := gjson.GetBytes(params, "progressToken"); t.Exists() && t.String() != token {
			return
		}
		notify(method, params)
	}
}
