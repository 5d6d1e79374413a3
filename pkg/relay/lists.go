// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/agentgate/pkg/logger"
	"github.com/stacklok/agentgate/pkg/rbac"
	"github.com/stacklok/agentgate/pkg/targets"
	"github.com/stacklok/agentgate/pkg/upstream/transport"
)

const (
	// maxPages caps cursor pagination against a misbehaving target.
	maxPages = 100

	codeMethodNotFound = -32601

	methodResourceTemplatesList = "resources/templates/list"
)

// ListTools returns the tools of every reachable target the caller may call.
func (r *Relay) ListTools(ctx context.Context, claims rbac.Claims) ([]mcp.Tool, error) {
	ctx, _ = ensureRequestID(ctx)
	return fanOut(ctx, r, string(mcp.MethodToolsList), func(ctx context.Context, target string) ([]mcp.Tool, error) {
		items, err := r.listTarget(ctx, target, string(mcp.MethodToolsList), "tools")
		if err != nil {
			return nil, err
		}
		tools := make([]mcp.Tool, 0, len(items))
		for _, raw := range items {
			tool, err := decodeTool(raw)
			if err != nil {
				logger.Warnw("skipping malformed tool", "target", target, "error", err)
				continue
			}
			tool.Name = targets.JoinName(target, tool.Name)
			if r.allowed(claims, rbac.Resource{Type: rbac.ResourceTool, ID: tool.Name}) {
				tools = append(tools, tool)
			}
		}
		return tools, nil
	})
}

// ListPrompts returns the prompts of every reachable target the caller may get.
func (r *Relay) ListPrompts(ctx context.Context, claims rbac.Claims) ([]mcp.Prompt, error) {
	ctx, _ = ensureRequestID(ctx)
	return fanOut(ctx, r, string(mcp.MethodPromptsList), func(ctx context.Context, target string) ([]mcp.Prompt, error) {
		items, err := r.listTarget(ctx, target, string(mcp.MethodPromptsList), "prompts")
		if err != nil {
			return nil, err
		}
		prompts := make([]mcp.Prompt, 0, len(items))
		for _, raw := range items {
			var prompt mcp.Prompt
			if err := json.Unmarshal(raw, &prompt); err != nil {
				logger.Warnw("skipping malformed prompt", "target", target, "error", err)
				continue
			}
			prompt.Name = targets.JoinName(target, prompt.Name)
			if r.allowed(claims, rbac.Resource{Type: rbac.ResourcePrompt, ID: prompt.Name}) {
				prompts = append(prompts, prompt)
			}
		}
		return prompts, nil
	})
}

// ListResources returns the resources of every reachable target the caller
// may read. URIs are prefixed with the target name.
func (r *Relay) ListResources(ctx context.Context, claims rbac.Claims) ([]mcp.Resource, error) {
	ctx, _ = ensureRequestID(ctx)
	return fanOut(ctx, r, string(mcp.MethodResourcesList), func(ctx context.Context, target string) ([]mcp.Resource, error) {
		items, err := r.listTarget(ctx, target, string(mcp.MethodResourcesList), "resources")
		if err != nil {
			return nil, err
		}
		resources := make([]mcp.Resource, 0, len(items))
		for _, raw := range items {
			var res mcp.Resource
			if err := json.Unmarshal(raw, &res); err != nil {
				logger.Warnw("skipping malformed resource", "target", target, "error", err)
				continue
			}
			res.URI = targets.JoinName(target, res.URI)
			if r.allowed(claims, rbac.Resource{Type: rbac.ResourceResource, ID: res.URI}) {
				resources = append(resources, res)
			}
		}
		return resources, nil
	})
}

// ListResourceTemplates returns the resource templates of every reachable
// target. Templates are not filtered: access is checked when a concrete URI
// is read.
func (r *Relay) ListResourceTemplates(ctx context.Context, _ rbac.Claims) ([]mcp.ResourceTemplate, error) {
	ctx, _ = ensureRequestID(ctx)
	return fanOut(ctx, r, methodResourceTemplatesList, func(ctx context.Context, target string) ([]mcp.ResourceTemplate, error) {
		items, err := r.listTarget(ctx, target, methodResourceTemplatesList, "resourceTemplates")
		if err != nil {
			return nil, err
		}
		templates := make([]mcp.ResourceTemplate, 0, len(items))
		for _, raw := range items {
			var tmpl mcp.ResourceTemplate
			if err := json.Unmarshal(raw, &tmpl); err != nil {
				logger.Warnw("skipping malformed resource template", "target", target, "error", err)
				continue
			}
			uriTemplate := gjson.GetBytes(raw, "uriTemplate").String()
			tmpl.URITemplate = mcp.NewResourceTemplate(targets.JoinName(target, uriTemplate), tmpl.Name).URITemplate
			templates = append(templates, tmpl)
		}
		return templates, nil
	})
}

// fanOut runs list against every MCP target with bounded parallelism. A
// target that fails is logged and left out of the result. Results keep the
// sorted target order.
func fanOut[T any](
	ctx context.Context, r *Relay, method string, list func(ctx context.Context, target string) ([]T, error),
) ([]T, error) {
	names := r.mcpTargets()
	results := make([][]T, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.fanOut)
	for i, target := range names {
		g.Go(func() error {
			items, err := list(gctx, target)
			if err != nil {
				logger.Warnw("failed to list target, skipping",
					"request_id", RequestID(ctx), "target", target, "method", method, "error", err)
				return nil
			}
			results[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%s failed: %w", method, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []T
	for _, items := range results {
		out = append(out, items...)
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

// mcpTargets returns the targets that speak MCP. A2A agents are reached
// through ForwardA2A only.
func (r *Relay) mcpTargets() []string {
	names := r.targets.Names()
	out := names[:0:0]
	for _, name := range names {
		desc, err := r.targets.Get(name)
		if err != nil || desc.Kind() == targets.KindA2A {
			continue
		}
		out = append(out, name)
	}
	return out
}

// listTarget collects every page of a list method. A target that does not
// implement the method contributes nothing.
func (r *Relay) listTarget(ctx context.Context, target, method, field string) ([]json.RawMessage, error) {
	var (
		items  []json.RawMessage
		cursor string
	)
	for range maxPages {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		resp, err := r.exchange(ctx, target, method, params, nil)
		if err != nil {
			return nil, err
		}
		if resp.Error != nil {
			if methodNotFound(resp.Error) {
				logger.Debugw("target does not implement method", "target", target, "method", method)
				return nil, nil
			}
			return nil, &transport.ResponseError{Method: method, Err: resp.Error}
		}

		result := gjson.ParseBytes(resp.Result)
		for _, item := range result.Get(field).Array() {
			items = append(items, json.RawMessage(item.Raw))
		}
		cursor = result.Get("nextCursor").String()
		if cursor == "" {
			return items, nil
		}
	}
	logger.Warnw("target kept paginating, truncating list", "target", target, "method", method, "pages", maxPages)
	return items, nil
}

func methodNotFound(err error) bool {
	code, _, ok := transport.WireCode(err)
	return ok && code == codeMethodNotFound
}

// decodeTool keeps the target's input schema verbatim.
func decodeTool(raw json.RawMessage) (mcp.Tool, error) {
	var tool mcp.Tool
	if err := json.Unmarshal(raw, &tool); err != nil {
		return mcp.Tool{}, err
	}
	if schema := gjson.GetBytes(raw, "inputSchema"); schema.Exists() && schema.IsObject() {
		tool.InputSchema = mcp.ToolInputSchema{}
		tool.RawInputSchema = json.RawMessage(schema.Raw)
	}
	return tool, nil
}
