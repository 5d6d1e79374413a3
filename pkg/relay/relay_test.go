// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/agentgate/pkg/gateway"
	"github.com/stacklok/agentgate/pkg/rbac"
	"github.com/stacklok/agentgate/pkg/relay"
	"github.com/stacklok/agentgate/pkg/targets"
	"github.com/stacklok/agentgate/pkg/upstream/pool"
	"github.com/stacklok/agentgate/pkg/upstream/transport/transporttest"
)

var errDown = errors.New("connection refused")

type fixture struct {
	store  *targets.Store
	engine *rbac.Engine
	dialer *transporttest.Dialer
	pool   *pool.Pool
	relay  *relay.Relay
}

func stdioTarget(name string) targets.Descriptor {
	return targets.Descriptor{Name: name, Stdio: &targets.StdioSpec{Command: name + "-server"}}
}

func newFixture(t *testing.T, dialer *transporttest.Dialer, policies []rbac.Config, descs ...targets.Descriptor) *fixture {
	t.Helper()
	return newFixtureWithPool(t, dialer, pool.Config{}, policies, descs...)
}

func newFixtureWithPool(
	t *testing.T, dialer *transporttest.Dialer, cfg pool.Config, policies []rbac.Config, descs ...targets.Descriptor,
) *fixture {
	t.Helper()

	store := targets.NewStore()
	_, err := store.Replace(descs)
	require.NoError(t, err)

	engine, err := rbac.NewEngine(policies)
	require.NoError(t, err)

	p, err := pool.New(store, dialer.Factory(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	return &fixture{
		store:  store,
		engine: engine,
		dialer: dialer,
		pool:   p,
		relay:  relay.New(store, engine, p),
	}
}

func allow(sub string, resources ...rbac.Resource) rbac.Config {
	cfg := rbac.Config{Name: "test-" + sub}
	for _, res := range resources {
		cfg.Rules = append(cfg.Rules, rbac.Rule{Key: "sub", Value: sub, Resource: res})
	}
	return cfg
}

func tool(id string) rbac.Resource {
	return rbac.Resource{Type: rbac.ResourceTool, ID: id}
}

func alice() rbac.Claims {
	return rbac.Claims{"sub": {"alice"}}
}

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	data, err := json.Marshal(result)
	require.NoError(t, err)
	return gjson.GetBytes(data, "content.0.text").String()
}

func TestCallTool_Forwards(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &transporttest.Dialer{}, nil, stdioTarget("echo"))

	result, err := f.relay.CallTool(context.Background(), nil, "echo:echo", map[string]any{"msg": "hi"}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"hi"}`, textOf(t, result))
	assert.Equal(t, 1, f.dialer.Last("echo").Count(string(mcp.MethodToolsCall)))
}

func TestCallTool_DenyDoesNotTouchPool(t *testing.T) {
	t.Parallel()

	policies := []rbac.Config{allow("alice", tool("echo:ping"))}
	f := newFixture(t, &transporttest.Dialer{}, policies, stdioTarget("echo"))

	_, err := f.relay.CallTool(context.Background(), rbac.Claims{"sub": {"bob"}}, "echo:ping", nil, nil)
	require.ErrorIs(t, err, gateway.ErrAccessDenied)
	assert.Equal(t, gateway.CategoryDenied, gateway.Category(err))
	assert.Zero(t, f.dialer.Opens("echo"))
	assert.Empty(t, f.pool.Stats())

	_, err = f.relay.CallTool(context.Background(), alice(), "echo:ping", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, f.dialer.Opens("echo"))
}

func TestCallTool_Errors(t *testing.T) {
	t.Parallel()

	dialer := &transporttest.Dialer{
		New: func(desc *targets.Descriptor) (*transporttest.Fake, error) {
			if desc.Name == "down" {
				return nil, errDown
			}
			return transporttest.New(desc.Kind()), nil
		},
	}
	f := newFixture(t, dialer, nil,
		stdioTarget("echo"),
		stdioTarget("down"),
		targets.Descriptor{Name: "broken"},
	)

	tests := []struct {
		name     string
		tool     string
		want     error
		category gateway.ErrorCategory
	}{
		{"missing separator", "echo", gateway.ErrInvalidName, gateway.CategoryInvalidRequest},
		{"unknown target", "ghost:echo", gateway.ErrTargetNotFound, gateway.CategoryMisconfigured},
		{"misconfigured target", "broken:echo", gateway.ErrTargetMisconfigured, gateway.CategoryMisconfigured},
		{"unreachable target", "down:echo", gateway.ErrUpstreamUnavailable, gateway.CategoryUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := f.relay.CallTool(context.Background(), nil, tt.tool, nil, nil)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.category, gateway.Category(err))
		})
	}

	_, err := f.relay.CallTool(context.Background(), nil, "down:echo", nil, nil)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), errDown.Error())
}

func TestCallTool_UpstreamJSONRPCError(t *testing.T) {
	t.Parallel()

	dialer := &transporttest.Dialer{
		New: func(desc *targets.Descriptor) (*transporttest.Fake, error) {
			fake := transporttest.New(desc.Kind())
			fake.Handler = func(context.Context, *jsonrpc2.Request) (any, error) {
				return nil, jsonrpc2.NewError(-32602, "bad arguments")
			}
			return fake, nil
		},
	}
	f := newFixture(t, dialer, nil, stdioTarget("echo"))

	_, err := f.relay.CallTool(context.Background(), nil, "echo:echo", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad arguments")
	assert.Equal(t, gateway.CategoryInternal, gateway.Category(err))
	// the connection is healthy and stays pooled
	assert.Len(t, f.pool.Stats(), 1)
}

func TestCallTool_CancelledCallerReleasesOnCompletion(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	dialer := &transporttest.Dialer{
		New: func(desc *targets.Descriptor) (*transporttest.Fake, error) {
			fake := transporttest.New(desc.Kind())
			fake.Handler = func(ctx context.Context, req *jsonrpc2.Request) (any, error) {
				if mcp.MCPMethod(req.Method) == mcp.MethodToolsCall {
					close(started)
					<-release
				}
				return transporttest.Echo(ctx, req)
			}
			return fake, nil
		},
	}
	f := newFixture(t, dialer, nil, stdioTarget("slow"))

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := f.relay.CallTool(ctx, nil, "slow:echo", map[string]any{}, nil)
		errs <- err
	}()

	<-started
	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)

	stats := f.pool.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].InFlight)

	close(release)
	assert.Eventually(t, func() bool {
		stats := f.pool.Stats()
		return len(stats) == 1 && stats[0].InFlight == 0
	}, time.Second, 10*time.Millisecond)
}

func TestCallTool_TransportFailureEvicts(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls int
	)
	dialer := &transporttest.Dialer{}
	dialer.New = func(desc *targets.Descriptor) (*transporttest.Fake, error) {
		fake := transporttest.New(desc.Kind())
		fake.Handler = func(ctx context.Context, req *jsonrpc2.Request) (any, error) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				_ = fake.Close()
				return nil, nil
			}
			return transporttest.Echo(ctx, req)
		}
		return fake, nil
	}
	f := newFixture(t, dialer, nil, stdioTarget("flaky"))

	_, err := f.relay.CallTool(context.Background(), nil, "flaky:echo", map[string]any{}, nil)
	require.ErrorIs(t, err, gateway.ErrUpstreamUnavailable)
	assert.EqualError(t, err, "upstream unavailable: flaky")
	assert.NotErrorIs(t, err, gateway.ErrTransport)

	result, err := f.relay.CallTool(context.Background(), nil, "flaky:echo", map[string]any{"n": 2}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, textOf(t, result))
	assert.Equal(t, 2, dialer.Opens("flaky"))
}

func TestCallTool_StalledSerialTargetIsReplaced(t *testing.T) {
	t.Parallel()

	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	dialer := &transporttest.Dialer{}
	dialer.New = func(desc *targets.Descriptor) (*transporttest.Fake, error) {
		fake := transporttest.New(desc.Kind())
		fake.Serial = true
		fake.Handler = func(ctx context.Context, req *jsonrpc2.Request) (any, error) {
			if gjson.GetBytes(req.Params, "name").String() == "hang" {
				<-stuck
				return nil, errors.New("released")
			}
			return transporttest.Echo(ctx, req)
		}
		return fake, nil
	}
	f := newFixtureWithPool(t, dialer, pool.Config{RequestTimeout: 50 * time.Millisecond}, nil, stdioTarget("fs"))

	_, err := f.relay.CallTool(context.Background(), nil, "fs:hang", map[string]any{}, nil)
	require.ErrorIs(t, err, gateway.ErrUpstreamUnavailable)
	stalled := dialer.Last("fs")
	assert.Eventually(t, stalled.Closed, time.Second, 5*time.Millisecond)

	for i := range 3 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		result, err := f.relay.CallTool(ctx, nil, "fs:echo", map[string]any{"n": i}, nil)
		cancel()
		require.NoError(t, err)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), textOf(t, result))
	}
	assert.Equal(t, 2, dialer.Opens("fs"))

	stats := f.pool.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].InFlight)
}

func TestCallTool_RelaysProgress(t *testing.T) {
	t.Parallel()

	dialer := &transporttest.Dialer{}
	dialer.New = func(desc *targets.Descriptor) (*transporttest.Fake, error) {
		fake := transporttest.New(desc.Kind())
		fake.Handler = func(ctx context.Context, req *jsonrpc2.Request) (any, error) {
			if mcp.MCPMethod(req.Method) == mcp.MethodToolsCall {
				token := gjson.GetBytes(req.Params, "_meta.progressToken").String()
				_ = fake.Notify("notifications/progress", map[string]any{"progressToken": "someone-else", "progress": 9})
				_ = fake.Notify("notifications/progress", map[string]any{"progressToken": token, "progress": 1})
			}
			return transporttest.Echo(ctx, req)
		}
		return fake, nil
	}
	f := newFixture(t, dialer, nil, stdioTarget("echo"))

	var (
		mu       sync.Mutex
		progress []int64
	)
	notify := func(method string, params json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "notifications/progress", method)
		progress = append(progress, gjson.GetBytes(params, "progress").Int())
	}

	ctx := relay.WithRequestID(context.Background(), "req-1")
	_, err := f.relay.CallTool(ctx, nil, "echo:echo", map[string]any{}, notify)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1}, progress)
}

func TestListTools_PrefixesFiltersAndSkipsFailures(t *testing.T) {
	t.Parallel()

	dialer := &transporttest.Dialer{
		New: func(desc *targets.Descriptor) (*transporttest.Fake, error) {
			if desc.Name == "down" {
				return nil, errDown
			}
			fake := transporttest.New(desc.Kind())
			fake.Handler = func(ctx context.Context, req *jsonrpc2.Request) (any, error) {
				if mcp.MCPMethod(req.Method) != mcp.MethodToolsList {
					return transporttest.Echo(ctx, req)
				}
				return mcp.ListToolsResult{Tools: []mcp.Tool{
					mcp.NewTool("read", mcp.WithString("path", mcp.Required())),
					mcp.NewTool("write"),
				}}, nil
			}
			return fake, nil
		},
	}
	descs := []targets.Descriptor{stdioTarget("b"), stdioTarget("a"), stdioTarget("down")}

	t.Run("rbac disabled", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, dialer, nil, descs...)

		tools, err := f.relay.ListTools(context.Background(), nil)
		require.NoError(t, err)
		var names []string
		for _, tl := range tools {
			names = append(names, tl.Name)
		}
		assert.Equal(t, []string{"a:read", "a:write", "b:read", "b:write"}, names)

		data, err := json.Marshal(tools[0])
		require.NoError(t, err)
		assert.Equal(t, "path", gjson.GetBytes(data, "inputSchema.required.0").String())
	})

	t.Run("filtered by policy", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, &transporttest.Dialer{New: dialer.New}, []rbac.Config{allow("alice", tool("b:write"))}, descs...)

		tools, err := f.relay.ListTools(context.Background(), alice())
		require.NoError(t, err)
		require.Len(t, tools, 1)
		assert.Equal(t, "b:write", tools[0].Name)

		tools, err = f.relay.ListTools(context.Background(), nil)
		require.NoError(t, err)
		assert.Empty(t, tools)
	})
}

func TestListTools_FollowsCursor(t *testing.T) {
	t.Parallel()

	dialer := &transporttest.Dialer{
		New: func(desc *targets.Descriptor) (*transporttest.Fake, error) {
			fake := transporttest.New(desc.Kind())
			fake.Handler = func(_ context.Context, req *jsonrpc2.Request) (any, error) {
				if gjson.GetBytes(req.Params, "cursor").String() == "page-2" {
					return mcp.ListToolsResult{Tools: []mcp.Tool{mcp.NewTool("second")}}, nil
				}
				res := mcp.ListToolsResult{Tools: []mcp.Tool{mcp.NewTool("first")}}
				res.NextCursor = "page-2"
				return res, nil
			}
			return fake, nil
		},
	}
	f := newFixture(t, dialer, nil, stdioTarget("paged"))

	tools, err := f.relay.ListTools(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "paged:first", tools[0].Name)
	assert.Equal(t, "paged:second", tools[1].Name)
}

func TestListResourcesAndRead(t *testing.T) {
	t.Parallel()

	dialer := &transporttest.Dialer{
		New: func(desc *targets.Descriptor) (*transporttest.Fake, error) {
			fake := transporttest.New(desc.Kind())
			fake.Handler = func(ctx context.Context, req *jsonrpc2.Request) (any, error) {
				switch mcp.MCPMethod(req.Method) {
				case mcp.MethodResourcesList:
					return mcp.ListResourcesResult{Resources: []mcp.Resource{
						mcp.NewResource("file:///etc/motd", "motd"),
					}}, nil
				case mcp.MethodResourcesRead:
					uri := gjson.GetBytes(req.Params, "uri").String()
					return mcp.ReadResourceResult{Contents: []mcp.ResourceContents{
						mcp.TextResourceContents{URI: uri, MIMEType: "text/plain", Text: "hello"},
					}}, nil
				default:
					return transporttest.Echo(ctx, req)
				}
			}
			return fake, nil
		},
	}
	f := newFixture(t, dialer, nil, stdioTarget("fs"))

	resources, err := f.relay.ListResources(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, "fs:file:///etc/motd", resources[0].URI)

	templates, err := f.relay.ListResourceTemplates(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, templates)

	result, err := f.relay.ReadResource(context.Background(), nil, resources[0].URI)
	require.NoError(t, err)
	require.Len(t, result.Contents, 1)
	data, err := json.Marshal(result)
	require.NoError(t, err)
	assert.Equal(t, "fs:file:///etc/motd", gjson.GetBytes(data, "contents.0.uri").String())
	assert.Equal(t, "hello", gjson.GetBytes(data, "contents.0.text").String())
}

func TestGetPrompt(t *testing.T) {
	t.Parallel()

	dialer := &transporttest.Dialer{
		New: func(desc *targets.Descriptor) (*transporttest.Fake, error) {
			fake := transporttest.New(desc.Kind())
			fake.Handler = func(ctx context.Context, req *jsonrpc2.Request) (any, error) {
				switch mcp.MCPMethod(req.Method) {
				case mcp.MethodPromptsList:
					return mcp.ListPromptsResult{Prompts: []mcp.Prompt{mcp.NewPrompt("greet")}}, nil
				case mcp.MethodPromptsGet:
					name := gjson.GetBytes(req.Params, "arguments.name").String()
					return mcp.NewGetPromptResult("greeting", []mcp.PromptMessage{
						mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent("hello "+name)),
					}), nil
				default:
					return transporttest.Echo(ctx, req)
				}
			}
			return fake, nil
		},
	}
	policies := []rbac.Config{allow("alice", rbac.Resource{Type: rbac.ResourcePrompt, ID: "p:greet"})}
	f := newFixture(t, dialer, policies, stdioTarget("p"))

	prompts, err := f.relay.ListPrompts(context.Background(), alice())
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, "p:greet", prompts[0].Name)

	result, err := f.relay.GetPrompt(context.Background(), alice(), "p:greet", map[string]string{"name": "alice"})
	require.NoError(t, err)
	assert.Equal(t, "greeting", result.Description)
	require.Len(t, result.Messages, 1)

	_, err = f.relay.GetPrompt(context.Background(), rbac.Claims{"sub": {"bob"}}, "p:greet", nil)
	assert.ErrorIs(t, err, gateway.ErrAccessDenied)
}

func TestListPrompts_SkipsTargetWithoutPrompts(t *testing.T) {
	t.Parallel()

	dialer := &transporttest.Dialer{
		New: func(desc *targets.Descriptor) (*transporttest.Fake, error) {
			fake := transporttest.New(desc.Kind())
			fake.Handler = func(ctx context.Context, req *jsonrpc2.Request) (any, error) {
				if mcp.MCPMethod(req.Method) != mcp.MethodPromptsList {
					return transporttest.Echo(ctx, req)
				}
				if desc.Name == "tools-only" {
					return nil, jsonrpc2.NewError(-32601, "method not found")
				}
				return mcp.ListPromptsResult{Prompts: []mcp.Prompt{mcp.NewPrompt("greet")}}, nil
			}
			return fake, nil
		},
	}
	f := newFixture(t, dialer, nil, stdioTarget("tools-only"), stdioTarget("p"))

	prompts, err := f.relay.ListPrompts(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, "p:greet", prompts[0].Name)

	// both connections are healthy and stay pooled
	assert.Len(t, f.pool.Stats(), 2)
	assert.Equal(t, 1, dialer.Last("tools-only").Count(string(mcp.MethodPromptsList)))
}
