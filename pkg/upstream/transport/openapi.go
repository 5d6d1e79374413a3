// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/agentgate/pkg/gateway"
	"github.com/stacklok/agentgate/pkg/logger"
	"github.com/stacklok/agentgate/pkg/targets"
)

// Argument groups of an OpenAPI tool call.
const (
	ArgPath   = "path"
	ArgQuery  = "query"
	ArgHeader = "header"
	ArgBody   = "body"
)

const methodResourceTemplatesList = "resources/templates/list"

const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// openAPITransport answers MCP requests locally and turns tools/call into
// REST calls. It holds no session, so it starts ready and never needs the
// initialize exchange.
type openAPITransport struct {
	idCounter

	name   string
	spec   *targets.OpenAPISpec
	client *http.Client
	ops    map[string]*targets.Operation
	tools  []mcp.Tool

	inbox     *inbox
	closeOnce sync.Once
}

func openOpenAPI(name string, spec *targets.OpenAPISpec) (*openAPITransport, error) {
	client, err := newHTTPClient(spec.TLS)
	if err != nil {
		return nil, err
	}

	t := &openAPITransport{
		name:   name,
		spec:   spec,
		client: client,
		ops:    make(map[string]*targets.Operation, len(spec.Operations)),
		inbox:  newInbox(),
	}
	for i := range spec.Operations {
		op := &spec.Operations[i]
		tool, err := operationTool(op)
		if err != nil {
			return nil, fmt.Errorf("%w: target %s: operation %s: %w", gateway.ErrTargetMisconfigured, name, op.Name, err)
		}
		t.ops[op.Name] = op
		t.tools = append(t.tools, tool)
	}
	return t, nil
}

func operationTool(op *targets.Operation) (mcp.Tool, error) {
	schema := op.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return mcp.Tool{}, fmt.Errorf("invalid input schema: %w", err)
	}
	return mcp.Tool{
		Name:           op.Name,
		Description:    op.Description,
		RawInputSchema: raw,
	}, nil
}

// Kind implements Transport.
func (*openAPITransport) Kind() targets.Kind {
	return targets.KindOpenAPI
}

// Multiplexed reports true: every call is an independent HTTP request.
func (*openAPITransport) Multiplexed() bool {
	return true
}

// Send handles one request and queues its response for Receive.
// Notifications are accepted and dropped.
func (t *openAPITransport) Send(ctx context.Context, msg jsonrpc2.Message) error {
	select {
	case <-t.inbox.done():
		return fmt.Errorf("target %s: %w", t.name, gateway.ErrTransportClosed)
	default:
	}

	req, ok := msg.(*jsonrpc2.Request)
	if !ok || !req.ID.IsValid() {
		return nil
	}

	result, rpcErr, err := t.handle(ctx, req)
	if err != nil {
		return err
	}
	resp, err := jsonrpc2.NewResponse(req.ID, result, rpcErr)
	if err != nil {
		return fmt.Errorf("failed to encode %s response: %w", req.Method, err)
	}
	if !t.inbox.push(resp) {
		return fmt.Errorf("target %s: %w", t.name, gateway.ErrTransportClosed)
	}
	return nil
}

func (t *openAPITransport) handle(ctx context.Context, req *jsonrpc2.Request) (any, error, error) {
	switch mcp.MCPMethod(req.Method) {
	case mcp.MethodInitialize:
		return mcp.InitializeResult{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ServerInfo:      mcp.Implementation{Name: t.name, Version: "openapi"},
		}, nil, nil
	case mcp.MethodPing:
		return struct{}{}, nil, nil
	case mcp.MethodToolsList:
		return mcp.ListToolsResult{Tools: t.tools}, nil, nil
	case mcp.MethodResourcesList:
		return mcp.ListResourcesResult{Resources: []mcp.Resource{}}, nil, nil
	case methodResourceTemplatesList:
		return mcp.ListResourceTemplatesResult{ResourceTemplates: []mcp.ResourceTemplate{}}, nil, nil
	case mcp.MethodPromptsList:
		return mcp.ListPromptsResult{Prompts: []mcp.Prompt{}}, nil, nil
	case mcp.MethodToolsCall:
		var params mcp.CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, jsonrpc2.NewError(codeInvalidParams, "invalid tools/call params: "+err.Error()), nil
		}
		op, ok := t.ops[params.Name]
		if !ok {
			return nil, jsonrpc2.NewError(codeInvalidParams, "unknown tool: "+params.Name), nil
		}
		args, _ := params.Arguments.(map[string]any)
		result, err := t.invoke(ctx, op, args)
		if err != nil {
			return nil, nil, err
		}
		return result, nil, nil
	default:
		return nil, jsonrpc2.NewError(codeMethodNotFound, "method not supported by OpenAPI target: "+req.Method), nil
	}
}

// invoke performs the REST call for op. Connection failures are returned as
// errors; HTTP error statuses become error tool results.
func (t *openAPITransport) invoke(ctx context.Context, op *targets.Operation, args map[string]any) (*mcp.CallToolResult, error) {
	req, err := t.buildRequest(ctx, op, args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, wrapNetError(t.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, wrapNetError(t.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Debugw("OpenAPI operation failed", "target", t.name, "operation", op.Name, "status", resp.StatusCode)
		return mcp.NewToolResultError(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, body)), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

func (t *openAPITransport) buildRequest(ctx context.Context, op *targets.Operation, args map[string]any) (*http.Request, error) {
	path := op.Path
	for key, value := range group(args, ArgPath) {
		s, ok := scalarString(value)
		if !ok {
			logger.Warnw("skipping non-scalar path parameter", "target", t.name, "operation", op.Name, "parameter", key)
			continue
		}
		path = strings.ReplaceAll(path, "{"+key+"}", url.PathEscape(s))
	}

	u := t.spec.BaseURL() + path
	if q := group(args, ArgQuery); len(q) > 0 {
		values := url.Values{}
		for key, value := range q {
			s, ok := value.(string)
			if !ok {
				logger.Warnw("skipping non-string query parameter", "target", t.name, "operation", op.Name, "parameter", key)
				continue
			}
			values.Set(key, s)
		}
		if len(values) > 0 {
			u += "?" + values.Encode()
		}
	}

	var body io.Reader
	raw, hasBody := args[ArgBody]
	if hasBody {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	applyHeaders(ctx, req, t.spec.Headers, t.spec.Auth)
	for key, value := range group(args, ArgHeader) {
		s, ok := value.(string)
		if !ok {
			logger.Warnw("skipping non-string header parameter", "target", t.name, "operation", op.Name, "parameter", key)
			continue
		}
		req.Header.Set(key, s)
	}
	return req, nil
}

func group(args map[string]any, name string) map[string]any {
	g, _ := args[name].(map[string]any)
	return g
}

func scalarString(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case json.Number:
		return v.String(), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	default:
		return "", false
	}
}

// Receive implements Transport.
func (t *openAPITransport) Receive(ctx context.Context) (jsonrpc2.Message, error) {
	return t.inbox.receive(ctx)
}

// Close implements Transport.
func (t *openAPITransport) Close() error {
	t.closeOnce.Do(func() {
		t.inbox.fail(fmt.Errorf("target %s: %w", t.name, gateway.ErrTransportClosed))
		t.client.CloseIdleConnections()
	})
	return nil
}
