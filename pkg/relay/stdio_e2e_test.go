// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/agentgate/pkg/gateway"
	"github.com/stacklok/agentgate/pkg/rbac"
	"github.com/stacklok/agentgate/pkg/relay"
	"github.com/stacklok/agentgate/pkg/targets"
	"github.com/stacklok/agentgate/pkg/upstream/pool"
	"github.com/stacklok/agentgate/pkg/upstream/transport"
)

const echoServerEnv = "AGENTGATE_TEST_ECHO_SERVER"

// TestEchoServer is not a real test. It is re-executed as a stdio MCP target
// that refuses traffic before initialization and echoes tool arguments.
func TestEchoServer(t *testing.T) {
	if os.Getenv(echoServerEnv) == "" {
		t.Skip("echo server process only")
	}

	initialized := false
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		msg, err := jsonrpc2.DecodeMessage(scanner.Bytes())
		if err != nil {
			continue
		}
		req, ok := msg.(*jsonrpc2.Request)
		if !ok {
			continue
		}
		if req.Method == "notifications/initialized" {
			initialized = true
			continue
		}
		if !req.ID.IsValid() {
			continue
		}

		var (
			result any
			rpcErr error
		)
		switch {
		case req.Method == string(mcp.MethodInitialize):
			result = mcp.InitializeResult{
				ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
				ServerInfo:      mcp.Implementation{Name: "echo", Version: "1.0.0"},
			}
		case !initialized:
			rpcErr = jsonrpc2.NewError(-32002, "server not initialized")
		case req.Method == string(mcp.MethodToolsList):
			result = mcp.ListToolsResult{Tools: []mcp.Tool{mcp.NewTool("echo")}}
		case req.Method == string(mcp.MethodToolsCall):
			var params mcp.CallToolParams
			_ = json.Unmarshal(req.Params, &params)
			args, _ := json.Marshal(params.Arguments)
			result = mcp.NewToolResultText(string(args))
		default:
			rpcErr = jsonrpc2.NewError(-32601, "method not found")
		}
		resp, _ := jsonrpc2.NewResponse(req.ID, result, rpcErr)
		data, _ := jsonrpc2.EncodeMessage(resp)
		fmt.Printf("%s\n", data)
	}
	os.Exit(0)
}

func echoTarget(name string) targets.Descriptor {
	return targets.Descriptor{
		Name: name,
		Stdio: &targets.StdioSpec{
			Command: os.Args[0],
			Args:    []string{"-test.run=^TestEchoServer$"},
			Env:     map[string]string{echoServerEnv: "1"},
		},
	}
}

func TestStdioEndToEnd(t *testing.T) {
	t.Parallel()

	store := targets.NewStore()
	_, err := store.Replace([]targets.Descriptor{echoTarget("echo")})
	require.NoError(t, err)

	engine, err := rbac.NewEngine([]rbac.Config{{
		Name: "e2e",
		Rules: []rbac.Rule{{
			Key:      "sub",
			Value:    "alice",
			Resource: rbac.Resource{Type: rbac.ResourceTool, ID: "echo:echo"},
		}},
	}})
	require.NoError(t, err)

	p, err := pool.New(store, transport.NewFactory(transport.Options{StdioGracePeriod: time.Second}), pool.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	r := relay.New(store, engine, p)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tools, err := r.ListTools(ctx, alice())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo:echo", tools[0].Name)

	result, err := r.CallTool(ctx, alice(), "echo:echo", map[string]any{"text": "hello"}, nil)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.JSONEq(t, `{"text":"hello"}`, textOf(t, result))

	_, err = r.CallTool(ctx, rbac.Claims{"sub": {"mallory"}}, "echo:echo", map[string]any{}, nil)
	require.ErrorIs(t, err, gateway.ErrAccessDenied)

	stats := p.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "ready", stats[0].State)
}
