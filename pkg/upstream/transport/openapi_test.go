// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/agentgate/pkg/gateway"
	"github.com/stacklok/agentgate/pkg/targets"
	"github.com/stacklok/agentgate/pkg/upstream/transport"
)

func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func petstore(t *testing.T, srv *httptest.Server) *targets.Descriptor {
	t.Helper()
	host, port := hostPort(t, srv.URL)
	return &targets.Descriptor{
		Name: "petstore",
		OpenAPI: &targets.OpenAPISpec{
			Host:    host,
			Port:    port,
			Prefix:  "/api/v3",
			Headers: map[string]string{"X-Static": "yes"},
			Auth:    &targets.BackendAuth{Passthrough: true},
			Operations: []targets.Operation{
				{
					Name:        "getPet",
					Description: "Find pet by ID",
					Method:      http.MethodGet,
					Path:        "/pet/{petId}",
					InputSchema: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"path": map[string]any{"type": "object"},
						},
					},
				},
				{Name: "addPet", Method: http.MethodPost, Path: "/pet"},
				{Name: "broken", Method: http.MethodGet, Path: "/broken"},
			},
		},
	}
}

type recordedRequest struct {
	Method  string
	Path    string
	Query   url.Values
	Headers http.Header
	Body    string
}

func TestOpenAPI_ToolsAndCalls(t *testing.T) {
	t.Parallel()

	requests := make(chan recordedRequest, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query(), Headers: r.Header.Clone(), Body: string(body)}
		if r.URL.Path == "/api/v3/broken" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":7,"name":"rex"}`))
	}))
	defer srv.Close()

	ctx := transport.WithForwardedAuthorization(context.Background(), "Bearer caller-token")
	tr, err := transport.Open(ctx, petstore(t, srv))
	require.NoError(t, err)
	assert.False(t, transport.RequiresHandshake(tr.Kind()))
	assert.True(t, transport.IsMultiplexed(tr))

	c := transport.NewClient("petstore", tr)
	defer c.Close()

	t.Run("tools/list", func(t *testing.T) {
		resp, err := c.Call(ctx, string(mcp.MethodToolsList), nil)
		require.NoError(t, err)
		var list mcp.ListToolsResult
		require.NoError(t, transport.DecodeResult("tools/list", resp, &list))
		require.Len(t, list.Tools, 3)
		assert.Equal(t, "getPet", list.Tools[0].Name)
		assert.Equal(t, "Find pet by ID", list.Tools[0].Description)
	})

	t.Run("path, query and header groups", func(t *testing.T) {
		resp, err := c.Call(ctx, string(mcp.MethodToolsCall), callTool("getPet", map[string]any{
			"path":   map[string]any{"petId": 7},
			"query":  map[string]any{"verbose": "true", "skipped": 3},
			"header": map[string]any{"X-Trace": "abc"},
		}))
		require.NoError(t, err)
		var result toolResult
		require.NoError(t, transport.DecodeResult("tools/call", resp, &result))
		assert.False(t, result.IsError)
		assert.JSONEq(t, `{"id":7,"name":"rex"}`, result.Content[0].Text)

		got := <-requests
		assert.Equal(t, http.MethodGet, got.Method)
		assert.Equal(t, "/api/v3/pet/7", got.Path)
		assert.Equal(t, "true", got.Query.Get("verbose"))
		assert.False(t, got.Query.Has("skipped"))
		assert.Equal(t, "abc", got.Headers.Get("X-Trace"))
		assert.Equal(t, "yes", got.Headers.Get("X-Static"))
		assert.Equal(t, "application/json", got.Headers.Get("Accept"))
		assert.Equal(t, "Bearer caller-token", got.Headers.Get("Authorization"))
		assert.Empty(t, got.Headers.Get("Content-Type"))
	})

	t.Run("body", func(t *testing.T) {
		resp, err := c.Call(ctx, string(mcp.MethodToolsCall), callTool("addPet", map[string]any{
			"body": map[string]any{"name": "rex"},
		}))
		require.NoError(t, err)
		require.NoError(t, transport.DecodeResult("tools/call", resp, nil))

		got := <-requests
		assert.Equal(t, http.MethodPost, got.Method)
		assert.Equal(t, "application/json", got.Headers.Get("Content-Type"))
		assert.JSONEq(t, `{"name":"rex"}`, got.Body)
	})

	t.Run("error status becomes error result", func(t *testing.T) {
		resp, err := c.Call(ctx, string(mcp.MethodToolsCall), callTool("broken", nil))
		require.NoError(t, err)
		var result toolResult
		require.NoError(t, transport.DecodeResult("tools/call", resp, &result))
		assert.True(t, result.IsError)
		assert.Contains(t, result.Content[0].Text, "HTTP 500")
		<-requests
	})

	t.Run("unknown tool", func(t *testing.T) {
		resp, err := c.Call(ctx, string(mcp.MethodToolsCall), callTool("nope", nil))
		require.NoError(t, err)
		var respErr *transport.ResponseError
		require.ErrorAs(t, transport.DecodeResult("tools/call", resp, nil), &respErr)
	})

	t.Run("empty lists", func(t *testing.T) {
		resp, err := c.Call(ctx, string(mcp.MethodPromptsList), nil)
		require.NoError(t, err)
		var prompts mcp.ListPromptsResult
		require.NoError(t, transport.DecodeResult("prompts/list", resp, &prompts))
		assert.Empty(t, prompts.Prompts)
	})
}

func TestOpenAPI_ConcurrentCallsDoNotBlockEachOther(t *testing.T) {
	t.Parallel()

	const callers = 8
	var (
		arrived  atomic.Int32
		allThere = make(chan struct{})
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if arrived.Add(1) == callers {
			close(allThere)
		}
		select {
		case <-allThere:
		case <-time.After(5 * time.Second):
			http.Error(w, "callers were serialized", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":7}`))
	}))
	defer srv.Close()

	tr, err := transport.Open(context.Background(), petstore(t, srv))
	require.NoError(t, err)
	c := transport.NewClient("petstore", tr)
	defer c.Close()

	var wg sync.WaitGroup
	results := make([]toolResult, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Call(context.Background(), string(mcp.MethodToolsCall), callTool("getPet", map[string]any{
				"path": map[string]any{"petId": i},
			}))
			if err == nil {
				err = transport.DecodeResult("tools/call", resp, &results[i])
			}
			errs[i] = err
		}()
	}
	wg.Wait()

	assert.EqualValues(t, callers, arrived.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.False(t, results[i].IsError, "call %d", i)
	}
}

func TestOpenAPI_ConnectionRefusedIsTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	desc := petstore(t, srv)
	srv.Close()

	ctx := context.Background()
	tr, err := transport.Open(ctx, desc)
	require.NoError(t, err)
	c := transport.NewClient("petstore", tr)
	defer c.Close()

	_, err = c.Call(ctx, string(mcp.MethodToolsCall), callTool("getPet", nil))
	require.ErrorIs(t, err, gateway.ErrTransport)
	assert.True(t, c.Alive())
}

func TestOpenAPI_InputSchemaRoundTrips(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ctx := context.Background()
	tr, err := transport.Open(ctx, petstore(t, srv))
	require.NoError(t, err)
	c := transport.NewClient("petstore", tr)
	defer c.Close()

	resp, err := c.Call(ctx, string(mcp.MethodToolsList), nil)
	require.NoError(t, err)

	var raw struct {
		Tools []struct {
			Name        string          `json:"name"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &raw))
	assert.JSONEq(t, `{"type":"object","properties":{"path":{"type":"object"}}}`, string(raw.Tools[0].InputSchema))
	assert.JSONEq(t, `{"type":"object","properties":{}}`, string(raw.Tools[1].InputSchema))
}
