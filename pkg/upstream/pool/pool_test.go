// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pool_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/stacklok/agentgate/pkg/gateway"
	"github.com/stacklok/agentgate/pkg/targets"
	"github.com/stacklok/agentgate/pkg/upstream/handshake"
	"github.com/stacklok/agentgate/pkg/upstream/pool"
	"github.com/stacklok/agentgate/pkg/upstream/transport/transporttest"
)

func newStore(t *testing.T, descs ...targets.Descriptor) *targets.Store {
	t.Helper()
	s := targets.NewStore()
	_, err := s.Replace(descs)
	require.NoError(t, err)
	return s
}

func stdioTarget(name string) targets.Descriptor {
	return targets.Descriptor{Name: name, Stdio: &targets.StdioSpec{Command: name + "-server"}}
}

func openAPITarget(name string) targets.Descriptor {
	return targets.Descriptor{Name: name, OpenAPI: &targets.OpenAPISpec{Host: "localhost", Port: 8080}}
}

func newPool(t *testing.T, store *targets.Store, dialer *transporttest.Dialer, cfg pool.Config) *pool.Pool {
	t.Helper()
	p, err := pool.New(store, dialer.Factory(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestAcquire_ConcurrentCallersShareOneHandshake(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	dialer := &transporttest.Dialer{Gate: gate}
	p := newPool(t, newStore(t, stdioTarget("fs")), dialer, pool.Config{})

	const callers = 20
	conns := make([]*pool.Connection, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := p.Acquire(context.Background(), "fs")
			assert.NoError(t, err)
			conns[i] = conn
		}()
	}

	// Let every caller pile up on the establishment before it proceeds.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, dialer.Opens("fs"))
	fake := dialer.Last("fs")
	assert.Equal(t, 1, fake.Count(string(mcp.MethodInitialize)))
	assert.Equal(t, 1, fake.Count("notifications/initialized"))
	for _, conn := range conns {
		require.NotNil(t, conn)
		assert.Same(t, conns[0], conn)
		assert.True(t, conn.Ready())
		p.Release(conn)
	}

	// A later acquire reuses the connection without a new handshake.
	conn, err := p.Acquire(context.Background(), "fs")
	require.NoError(t, err)
	p.Release(conn)
	assert.Equal(t, 1, fake.Count(string(mcp.MethodInitialize)))
}

func TestAcquire_ConcurrentCallersShareOneFailure(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	dialer := &transporttest.Dialer{
		Gate: gate,
		New: func(desc *targets.Descriptor) (*transporttest.Fake, error) {
			f := transporttest.New(desc.Kind())
			f.Initialize = transporttest.InitializeReject
			return f, nil
		},
	}
	p := newPool(t, newStore(t, stdioTarget("fs")), dialer, pool.Config{})

	const callers = 10
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = p.Acquire(context.Background(), "fs")
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, dialer.Opens("fs"))
	for _, err := range errs {
		require.ErrorIs(t, err, gateway.ErrUpstreamUnavailable)
		var poolErr *pool.Error
		require.ErrorAs(t, err, &poolErr)
		assert.Equal(t, handshake.ReasonRejected, poolErr.Reason)
		assert.Equal(t, errs[0].Error(), err.Error())
	}
	assert.Empty(t, p.Stats())
}

func TestAcquire_FailedHandshakeStartsFreshNextTime(t *testing.T) {
	t.Parallel()

	attempts := 0
	dialer := &transporttest.Dialer{New: func(desc *targets.Descriptor) (*transporttest.Fake, error) {
		attempts++
		f := transporttest.New(desc.Kind())
		if attempts == 1 {
			f.Initialize = transporttest.InitializeReject
		}
		return f, nil
	}}
	p := newPool(t, newStore(t, stdioTarget("fs")), dialer, pool.Config{})

	_, err := p.Acquire(context.Background(), "fs")
	require.ErrorIs(t, err, gateway.ErrUpstreamUnavailable)
	require.ErrorIs(t, err, gateway.ErrHandshake)
	var poolErr *pool.Error
	require.ErrorAs(t, err, &poolErr)
	assert.Equal(t, handshake.ReasonRejected, poolErr.Reason)
	assert.True(t, dialer.Last("fs").Closed())

	conn, err := p.Acquire(context.Background(), "fs")
	require.NoError(t, err)
	defer p.Release(conn)
	assert.Equal(t, 2, dialer.Opens("fs"))
}

func TestAcquire_EvictsAfterTransportFailure(t *testing.T) {
	t.Parallel()

	dialer := &transporttest.Dialer{}
	p := newPool(t, newStore(t, stdioTarget("fs")), dialer, pool.Config{})

	conn, err := p.Acquire(context.Background(), "fs")
	require.NoError(t, err)
	p.Release(conn)

	// The process dies underneath the pool.
	require.NoError(t, dialer.Last("fs").Close())
	require.Eventually(t, func() bool { return len(p.Stats()) == 0 }, time.Second, 5*time.Millisecond)

	next, err := p.Acquire(context.Background(), "fs")
	require.NoError(t, err)
	defer p.Release(next)
	assert.NotSame(t, conn, next)
	assert.Equal(t, 2, dialer.Opens("fs"))
	assert.Equal(t, 1, dialer.Last("fs").Count(string(mcp.MethodInitialize)))
}

func TestAcquire_StatelessTargetIsReadyWithoutHandshake(t *testing.T) {
	t.Parallel()

	dialer := &transporttest.Dialer{}
	p := newPool(t, newStore(t, openAPITarget("pets")), dialer, pool.Config{})

	conn, err := p.Acquire(context.Background(), "pets")
	require.NoError(t, err)
	defer p.Release(conn)

	assert.True(t, conn.Ready())
	assert.Equal(t, handshake.Ready, conn.State().Phase)
	assert.Empty(t, dialer.Last("pets").Sent())
}

func TestAcquire_UnknownAndMisconfiguredTargets(t *testing.T) {
	t.Parallel()

	dialer := &transporttest.Dialer{}
	p := newPool(t, newStore(t, targets.Descriptor{Name: "broken"}), dialer, pool.Config{})

	_, err := p.Acquire(context.Background(), "missing")
	require.ErrorIs(t, err, gateway.ErrTargetNotFound)

	_, err = p.Acquire(context.Background(), "broken")
	require.ErrorIs(t, err, gateway.ErrTargetMisconfigured)

	assert.Zero(t, dialer.Opens("missing"))
	assert.Zero(t, dialer.Opens("broken"))
}

func TestAcquire_CallerContextEndsWhileEstablishing(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	dialer := &transporttest.Dialer{Gate: gate}
	p := newPool(t, newStore(t, stdioTarget("fs")), dialer, pool.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx, "fs")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The establishment carries on and a patient caller joins it.
	done := make(chan error, 1)
	go func() {
		conn, err := p.Acquire(context.Background(), "fs")
		if err == nil {
			p.Release(conn)
		}
		done <- err
	}()
	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, dialer.Opens("fs"))
}

func TestEvict_ConnectionEstablishedDuringEvictIsDropped(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	dialer := &transporttest.Dialer{Gate: gate}
	p := newPool(t, newStore(t, stdioTarget("fs")), dialer, pool.Config{})

	errs := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), "fs")
		errs <- err
	}()
	require.Eventually(t, func() bool { return dialer.Opens("fs") == 1 }, time.Second, time.Millisecond)

	assert.False(t, p.Evict("fs"))
	close(gate)

	err := <-errs
	require.ErrorIs(t, err, gateway.ErrUpstreamUnavailable)
	assert.Empty(t, p.Stats())
	assert.True(t, dialer.Last("fs").Closed())
}

func TestSync_EvictsChangedAndRemovedTargets(t *testing.T) {
	t.Parallel()

	store := newStore(t, stdioTarget("a"), stdioTarget("b"), stdioTarget("c"))
	dialer := &transporttest.Dialer{}
	p := newPool(t, store, dialer, pool.Config{})

	for _, name := range []string{"a", "b", "c"} {
		conn, err := p.Acquire(context.Background(), name)
		require.NoError(t, err)
		p.Release(conn)
	}

	changed := stdioTarget("a")
	changed.Stdio.Args = []string{"--verbose"}
	change, err := store.Replace([]targets.Descriptor{changed, stdioTarget("c")})
	require.NoError(t, err)
	p.Sync(change)

	assert.True(t, dialer.Last("a").Closed())
	assert.True(t, dialer.Last("b").Closed())
	assert.False(t, dialer.Last("c").Closed())

	infos := p.Stats()
	require.Len(t, infos, 1)
	assert.Equal(t, "c", infos[0].Target)

	conn, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer p.Release(conn)
	assert.Equal(t, []string{"--verbose"}, conn.Descriptor().Stdio.Args)
}

// reloadingResolver replaces the target set right after the first lookup.
type reloadingResolver struct {
	*targets.Store
	once   sync.Once
	reload func()
}

func (r *reloadingResolver) Get(name string) (*targets.Descriptor, error) {
	desc, err := r.Store.Get(name)
	r.once.Do(r.reload)
	return desc, err
}

func TestAcquire_ReloadDuringLookupDoesNotInstallStaleDescriptor(t *testing.T) {
	t.Parallel()

	store := newStore(t, stdioTarget("fs"))
	resolver := &reloadingResolver{Store: store}
	dialer := &transporttest.Dialer{}
	p, err := pool.New(resolver, dialer.Factory(), pool.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	resolver.reload = func() {
		changed := stdioTarget("fs")
		changed.Stdio.Command = "fs-server-v2"
		change, err := store.Replace([]targets.Descriptor{changed})
		require.NoError(t, err)
		p.Sync(change)
	}

	_, err = p.Acquire(context.Background(), "fs")
	require.ErrorIs(t, err, gateway.ErrUpstreamUnavailable)
	var poolErr *pool.Error
	require.ErrorAs(t, err, &poolErr)
	assert.Equal(t, "reconfigured", poolErr.Reason)
	assert.True(t, dialer.Last("fs").Closed())

	conn, err := p.Acquire(context.Background(), "fs")
	require.NoError(t, err)
	defer p.Release(conn)
	assert.Equal(t, "fs-server-v2", conn.Descriptor().Stdio.Command)
	assert.Equal(t, 2, dialer.Opens("fs"))
}

func TestSync_RemovedTargetIsNotRevivedByInFlightEstablishment(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	store := newStore(t, stdioTarget("fs"))
	dialer := &transporttest.Dialer{Gate: gate}
	p := newPool(t, store, dialer, pool.Config{})

	errs := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), "fs")
		errs <- err
	}()
	require.Eventually(t, func() bool { return dialer.Opens("fs") == 1 }, time.Second, time.Millisecond)

	change, err := store.Replace(nil)
	require.NoError(t, err)
	p.Sync(change)
	change, err = store.Replace([]targets.Descriptor{stdioTarget("fs")})
	require.NoError(t, err)
	p.Sync(change)
	close(gate)

	require.ErrorIs(t, <-errs, gateway.ErrUpstreamUnavailable)
	assert.Empty(t, p.Stats())
}

func TestIdleConnectionsAreReaped(t *testing.T) {
	t.Parallel()

	dialer := &transporttest.Dialer{}
	p := newPool(t, newStore(t, stdioTarget("busy"), stdioTarget("idle")), dialer, pool.Config{IdleTimeout: 30 * time.Millisecond})

	busy, err := p.Acquire(context.Background(), "busy")
	require.NoError(t, err)
	idle, err := p.Acquire(context.Background(), "idle")
	require.NoError(t, err)
	p.Release(idle)

	require.Eventually(t, func() bool { return dialer.Last("idle").Closed() }, time.Second, 5*time.Millisecond)
	assert.False(t, dialer.Last("busy").Closed())
	p.Release(busy)
}

func TestQuarantine_CircuitBreaker(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		healthy bool
	)
	dialer := &transporttest.Dialer{New: func(desc *targets.Descriptor) (*transporttest.Fake, error) {
		mu.Lock()
		defer mu.Unlock()
		if !healthy {
			return nil, errors.New("exec: crashed on start")
		}
		return transporttest.New(desc.Kind()), nil
	}}
	p := newPool(t, newStore(t, stdioTarget("flaky")), dialer, pool.Config{
		Quarantine: pool.QuarantineConfig{
			Policy:           pool.QuarantineCircuitBreaker,
			FailureThreshold: 2,
			Cooldown:         50 * time.Millisecond,
		},
	})
	ctx := context.Background()

	for range 2 {
		_, err := p.Acquire(ctx, "flaky")
		require.ErrorIs(t, err, gateway.ErrUpstreamUnavailable)
		require.NotErrorIs(t, err, gateway.ErrQuarantined)
	}
	assert.Equal(t, pool.BreakerOpen, p.Quarantine()["flaky"])

	_, err := p.Acquire(ctx, "flaky")
	require.ErrorIs(t, err, gateway.ErrQuarantined)
	assert.Equal(t, 2, dialer.Opens("flaky"))

	mu.Lock()
	healthy = true
	mu.Unlock()

	require.Eventually(t, func() bool {
		conn, err := p.Acquire(ctx, "flaky")
		if err != nil {
			return false
		}
		p.Release(conn)
		return true
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, pool.BreakerClosed, p.Quarantine()["flaky"])
}

func TestQuarantine_NoneRetriesEveryTime(t *testing.T) {
	t.Parallel()

	dialer := &transporttest.Dialer{New: func(*targets.Descriptor) (*transporttest.Fake, error) {
		return nil, errors.New("exec: crashed on start")
	}}
	p := newPool(t, newStore(t, stdioTarget("flaky")), dialer, pool.Config{})

	for range 5 {
		_, err := p.Acquire(context.Background(), "flaky")
		require.ErrorIs(t, err, gateway.ErrUpstreamUnavailable)
	}
	assert.Equal(t, 5, dialer.Opens("flaky"))
	assert.Empty(t, p.Quarantine())
}

func TestNew_RejectsUnknownQuarantinePolicy(t *testing.T) {
	t.Parallel()

	_, err := pool.New(targets.NewStore(), (&transporttest.Dialer{}).Factory(), pool.Config{
		Quarantine: pool.QuarantineConfig{Policy: "sometimes"},
	})
	require.ErrorIs(t, err, gateway.ErrInvalidConfig)
}

func TestClose_FailsLaterAcquires(t *testing.T) {
	t.Parallel()

	dialer := &transporttest.Dialer{}
	p, err := pool.New(newStore(t, stdioTarget("fs")), dialer.Factory(), pool.Config{})
	require.NoError(t, err)

	conn, err := p.Acquire(context.Background(), "fs")
	require.NoError(t, err)
	p.Release(conn)

	require.NoError(t, p.Close())
	assert.True(t, dialer.Last("fs").Closed())

	_, err = p.Acquire(context.Background(), "fs")
	require.ErrorIs(t, err, gateway.ErrUpstreamUnavailable)
	require.NoError(t, p.Close())
}

func TestMetrics_RecordEstablishmentsAndFailures(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	dialer := &transporttest.Dialer{New: func(desc *targets.Descriptor) (*transporttest.Fake, error) {
		f := transporttest.New(desc.Kind())
		if desc.Name == "bad" {
			f.Initialize = transporttest.InitializeMalformed
		}
		return f, nil
	}}
	p := newPool(t, newStore(t, stdioTarget("good"), stdioTarget("bad")), dialer, pool.Config{MeterProvider: provider})

	conn, err := p.Acquire(context.Background(), "good")
	require.NoError(t, err)
	p.Release(conn)
	_, err = p.Acquire(context.Background(), "bad")
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(1), sums["agentgate_pool_connections_opened"])
	assert.Equal(t, int64(1), sums["agentgate_pool_connection_failures"])
	assert.Equal(t, int64(1), sums["agentgate_pool_connections_active"])
}
