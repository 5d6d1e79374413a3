// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package admin_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/stacklok/agentgate/pkg/admin"
	"github.com/stacklok/agentgate/pkg/config"
	"github.com/stacklok/agentgate/pkg/rbac"
	"github.com/stacklok/agentgate/pkg/targets"
	"github.com/stacklok/agentgate/pkg/upstream/pool"
)

type fakePool struct {
	synced []targets.Change
}

func (f *fakePool) Sync(change targets.Change) { f.synced = append(f.synced, change) }

func (*fakePool) Stats() []pool.Info {
	return []pool.Info{{Target: "fs", Kind: targets.KindStdio, State: "ready", Established: time.Unix(0, 0)}}
}

func (*fakePool) Quarantine() map[string]pool.BreakerState {
	return map[string]pool.BreakerState{"broken": pool.BreakerOpen}
}

func newAPI(t *testing.T, opts admin.Options) (http.Handler, *config.Runtime, *fakePool) {
	t.Helper()
	engine, err := rbac.NewEngine(nil)
	require.NoError(t, err)
	fp := &fakePool{}
	rt := &config.Runtime{Targets: targets.NewStore(), Policies: engine, Pool: fp}

	cfg := config.Default()
	cfg.Targets = []targets.Descriptor{
		{Name: "fs", Stdio: &targets.StdioSpec{Command: "mcp-fs"}},
		{Name: "broken", SSE: &targets.SSESpec{Host: "", Port: 0}},
	}
	require.NoError(t, rt.Apply(cfg))
	return admin.NewHandler(rt, fp, opts), rt, fp
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTargets(t *testing.T) {
	t.Parallel()

	h, rt, fp := newAPI(t, admin.Options{})

	rec := do(t, h, http.MethodGet, "/targets", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, int64(2), gjson.Get(body, "#").Int())
	assert.Equal(t, "ok", gjson.Get(body, `#(name=="fs").status`).String())
	assert.Equal(t, "stdio", gjson.Get(body, `#(name=="fs").kind`).String())
	assert.Equal(t, "misconfigured", gjson.Get(body, `#(name=="broken").status`).String())
	assert.NotEmpty(t, gjson.Get(body, `#(name=="broken").error`).String())

	rec = do(t, h, http.MethodPost, "/targets", "name: weather\nsse:\n  host: weather.internal\n  port: 443\n")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rt.Targets.Names(), "weather")

	rec = do(t, h, http.MethodPost, "/targets", `{"name":"weather","sse":{"host":"weather2.internal","port":443}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	desc, err := rt.Targets.Get("weather")
	require.NoError(t, err)
	assert.Equal(t, "weather2.internal", desc.SSE.Host)
	assert.Equal(t, []string{"weather"}, fp.synced[len(fp.synced)-1].Updated)

	rec = do(t, h, http.MethodGet, "/targets/weather", "", "Accept", "application/yaml")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "host: weather2.internal")

	rec = do(t, h, http.MethodDelete, "/targets/weather", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotContains(t, rt.Targets.Names(), "weather")
	assert.Equal(t, []string{"weather"}, fp.synced[len(fp.synced)-1].Removed)

	rec = do(t, h, http.MethodDelete, "/targets/weather", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, gjson.Get(rec.Body.String(), "message").String(), "weather")

	rec = do(t, h, http.MethodGet, "/targets/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTargets_RejectsInvalidBodies(t *testing.T) {
	t.Parallel()

	h, rt, _ := newAPI(t, admin.Options{})
	version := rt.Targets.Version()

	testCases := []struct {
		name string
		body string
	}{
		{name: "not_yaml", body: "{{{"},
		{name: "unknown_field", body: `{"name":"x","stdio":{"cmd":"y"},"colour":"red"}`},
		{name: "no_kind", body: `{"name":"x"}`},
		{name: "two_kinds", body: `{"name":"x","stdio":{"cmd":"y"},"sse":{"host":"h","port":1}}`},
		{name: "bad_name", body: `{"name":"a:b","stdio":{"cmd":"y"}}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/targets", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, version, rt.Targets.Version())
}

func TestRBAC(t *testing.T) {
	t.Parallel()

	h, rt, _ := newAPI(t, admin.Options{})

	rec := do(t, h, http.MethodGet, "/rbac", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	policy := `
name: devs
rules:
  - key: groups
    value: dev
    resource: {type: tool, id: "fs:read"}
`
	rec = do(t, h, http.MethodPost, "/rbac", policy)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, rt.Policies.Allowed(rbac.Claims{"groups": {"dev"}}, rbac.Resource{Type: rbac.ResourceTool, ID: "fs:read"}))

	rec = do(t, h, http.MethodGet, "/rbac/devs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "equals", gjson.Get(rec.Body.String(), "rules.0.matcher").String())

	rec = do(t, h, http.MethodPost, "/rbac", `{"name":"bad","rules":[{"key":"sub","value":"x","matcher":"regex","resource":{"type":"tool","id":"a:b"}}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodDelete, "/rbac/devs", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodGet, "/rbac/devs", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListenersAndConnections(t *testing.T) {
	t.Parallel()

	h, _, _ := newAPI(t, admin.Options{
		Listeners: []admin.Listener{{Name: "mcp", Protocol: "mcp", Address: "0.0.0.0:3000", Auth: true}},
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("agentgate_up 1\n"))
		}),
	})

	rec := do(t, h, http.MethodGet, "/listeners", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0.0.0.0:3000", gjson.Get(rec.Body.String(), "0.address").String())
	assert.True(t, gjson.Get(rec.Body.String(), "0.auth").Bool())

	rec = do(t, h, http.MethodGet, "/connections", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", gjson.Get(rec.Body.String(), "connections.0.state").String())
	assert.Equal(t, "open", gjson.Get(rec.Body.String(), "quarantine.broken").String())

	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Contains(t, rec.Body.String(), "agentgate_up")

	rec = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestWriteRateLimit(t *testing.T) {
	t.Parallel()

	h, _, _ := newAPI(t, admin.Options{WriteRate: 0.001, WriteBurst: 1})

	rec := do(t, h, http.MethodDelete, "/rbac/none", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodDelete, "/rbac/none", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// reads are never limited
	rec = do(t, h, http.MethodGet, "/rbac", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
