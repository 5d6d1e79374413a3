// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package pool keeps at most one live, handshaken connection per target and
// shares it between callers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/agentgate/pkg/gateway"
	"github.com/stacklok/agentgate/pkg/logger"
	"github.com/stacklok/agentgate/pkg/targets"
	"github.com/stacklok/agentgate/pkg/upstream/handshake"
	"github.com/stacklok/agentgate/pkg/upstream/transport"
)

// Resolver looks up target descriptors. *targets.Store implements it.
type Resolver interface {
	Get(name string) (*targets.Descriptor, error)
}

// Config tunes a Pool.
type Config struct {
	// IdleTimeout closes connections unused for this long. Zero disables reaping.
	IdleTimeout time.Duration
	// RequestTimeout fails requests the target has not answered in time. A
	// serial connection that times out is dropped. Zero disables it.
	RequestTimeout time.Duration
	// Handshake tunes the initialize exchange. Its timeout also bounds transport open.
	Handshake handshake.Options
	// Quarantine is the crash-loop policy.
	Quarantine QuarantineConfig

	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// Error reports that no connection to a target could be established. It
// matches gateway.ErrUpstreamUnavailable as well as the underlying cause.
type Error struct {
	Target string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("target %s unavailable (%s): %v", e.Target, e.Reason, e.Err)
}

// Unwrap exposes both the category and the cause.
func (e *Error) Unwrap() []error {
	return []error{gateway.ErrUpstreamUnavailable, e.Err}
}

// Pool owns the connections to every target.
type Pool struct {
	resolver Resolver
	open     transport.Factory
	cfg      Config
	metrics  *poolMetrics
	tracer   trace.Tracer

	mu          sync.Mutex
	conns       map[string]*Connection
	generations map[string]uint64
	epoch       uint64
	breakers    map[string]*breaker
	closed      bool

	flights singleflight.Group

	stop chan struct{}
	wg   sync.WaitGroup
}

// New returns a pool that resolves targets through resolver and opens
// transports with open.
func New(resolver Resolver, open transport.Factory, cfg Config) (*Pool, error) {
	if err := cfg.Quarantine.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", gateway.ErrInvalidConfig, err)
	}
	if cfg.Quarantine.enabled() {
		cfg.Quarantine = cfg.Quarantine.withDefaults()
	}
	if cfg.Handshake.Timeout <= 0 {
		cfg.Handshake.Timeout = handshake.DefaultTimeout
	}
	m, err := newPoolMetrics(cfg.MeterProvider)
	if err != nil {
		return nil, err
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}

	p := &Pool{
		resolver:    resolver,
		open:        open,
		cfg:         cfg,
		metrics:     m,
		tracer:      tp.Tracer(instrumentationName),
		conns:       make(map[string]*Connection),
		generations: make(map[string]uint64),
		breakers:    make(map[string]*breaker),
		stop:        make(chan struct{}),
	}

	if cfg.IdleTimeout > 0 {
		interval := min(max(cfg.IdleTimeout/2, 10*time.Millisecond), time.Minute)
		p.wg.Add(1)
		go p.reap(interval)
	}
	return p, nil
}

// Acquire returns the Ready connection to name, establishing it if needed.
// Concurrent callers for the same target share one establishment. A caller
// whose ctx ends stops waiting but does not abort the establishment.
// Every successful Acquire must be paired with Release.
func (p *Pool) Acquire(ctx context.Context, name string) (*Connection, error) {
	if conn, err := p.lookup(name); conn != nil || err != nil {
		return conn, err
	}

	// Generation first, then descriptor: a reload in between leaves this
	// establishment stale.
	p.mu.Lock()
	epoch, gen := p.epoch, p.generations[name]
	p.mu.Unlock()

	desc, err := p.resolver.Get(name)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s#%d#%d", name, epoch, gen)
	ch := p.flights.DoChan(key, func() (any, error) {
		return p.establish(desc, epoch, gen)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		conn := res.Val.(*Connection)
		conn.acquire()
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release marks the end of a caller's use of conn.
func (*Pool) Release(conn *Connection) {
	if conn != nil {
		conn.release()
	}
}

// Discard removes conn if it is still the pooled connection for its target
// and closes it. Callers use it after a transport error.
func (p *Pool) Discard(conn *Connection) {
	p.mu.Lock()
	current := p.conns[conn.target] == conn
	if current {
		delete(p.conns, conn.target)
	}
	p.mu.Unlock()

	if current {
		logger.Infow("discarding broken connection", "target", conn.target)
	}
	_ = conn.close()
}

// Evict closes and removes the connection to name. An establishment in
// progress for name is not stored when it completes.
func (p *Pool) Evict(name string) bool {
	p.mu.Lock()
	conn := p.conns[name]
	delete(p.conns, name)
	p.generations[name]++
	p.mu.Unlock()

	if conn == nil {
		return false
	}
	if err := conn.close(); err != nil {
		logger.Debugw("error closing evicted connection", "target", name, "error", err)
	}
	logger.Infow("evicted connection", "target", name)
	return true
}

// EvictAll closes every connection.
func (p *Pool) EvictAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*Connection)
	p.epoch++
	p.mu.Unlock()

	closeAll(conns)
}

// Sync drops connections whose target changed or disappeared, along with
// their quarantine state. Generations are kept so an establishment started
// before a removal never installs after the target is added back.
func (p *Pool) Sync(change targets.Change) {
	for _, name := range change.Stale() {
		p.Evict(name)
	}
	p.mu.Lock()
	for _, name := range change.Stale() {
		delete(p.breakers, name)
	}
	p.mu.Unlock()
}

// Close closes every connection and stops the idle reaper. Acquire fails
// afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	p.conns = make(map[string]*Connection)
	p.epoch++
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()
	return closeAll(conns)
}

// Stats returns the pooled connections, sorted by target.
func (p *Pool) Stats() []Info {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	infos := make([]Info, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.info())
	}
	slices.SortFunc(infos, func(a, b Info) int { return strings.Compare(a.Target, b.Target) })
	return infos
}

// Quarantine returns the breaker state of every target that has one.
func (p *Pool) Quarantine() map[string]BreakerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]BreakerState, len(p.breakers))
	for name, b := range p.breakers {
		state, _ := b.snapshot()
		out[name] = state
	}
	return out
}

func (p *Pool) lookup(name string) (*Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &Error{Target: name, Reason: "closed", Err: errors.New("pool is closed")}
	}
	conn := p.conns[name]
	if conn == nil {
		p.mu.Unlock()
		return nil, nil
	}
	if conn.client.Alive() {
		conn.acquire()
		p.mu.Unlock()
		return conn, nil
	}
	delete(p.conns, name)
	p.mu.Unlock()

	_ = conn.close()
	return nil, nil
}

func (p *Pool) breakerLocked(name string) *breaker {
	if !p.cfg.Quarantine.enabled() {
		return nil
	}
	b, ok := p.breakers[name]
	if !ok {
		b = newBreaker(name, p.cfg.Quarantine)
		p.breakers[name] = b
	}
	return b
}

func (p *Pool) current(name string, epoch, gen uint64) bool {
	return !p.closed && p.epoch == epoch && p.generations[name] == gen
}

// establish opens and handshakes a connection. It runs detached from any
// caller's context, bounded by the handshake timeout.
func (p *Pool) establish(desc *targets.Descriptor, epoch, gen uint64) (*Connection, error) {
	name, kind := desc.Name, string(desc.Kind())
	ctx, span := p.tracer.Start(context.Background(), "pool.establish",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrTarget.String(name), attrKind.String(kind)),
	)
	defer span.End()

	p.mu.Lock()
	if conn := p.conns[name]; conn != nil && conn.client.Alive() && p.current(name, epoch, gen) {
		p.mu.Unlock()
		return conn, nil
	}
	br := p.breakerLocked(name)
	p.mu.Unlock()

	if br != nil {
		if qerr := br.allow(); qerr != nil {
			p.metrics.recordQuarantined(ctx, name)
			err := &Error{Target: name, Reason: "quarantined", Err: qerr}
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	start := time.Now()
	fail := func(reason string, cause error) (*Connection, error) {
		if br != nil {
			br.failure()
		}
		p.metrics.recordFailure(ctx, name, kind, reason, time.Since(start))
		span.RecordError(cause)
		span.SetStatus(codes.Error, reason)
		logger.Warnw("failed to connect to target", "target", name, "kind", kind, "reason", reason, "error", cause)
		return nil, &Error{Target: name, Reason: reason, Err: cause}
	}

	openCtx, cancel := context.WithTimeout(ctx, p.cfg.Handshake.Timeout)
	t, err := p.open(openCtx, desc)
	cancel()
	if err != nil {
		return fail("open", err)
	}

	client := transport.NewClient(name, t, transport.WithRequestTimeout(p.cfg.RequestTimeout))
	hs, err := handshake.Run(ctx, client, p.cfg.Handshake)
	if err != nil {
		_ = client.Close()
		return fail(hs.State.Reason, err)
	}

	conn := newConnection(desc, client, hs)
	p.mu.Lock()
	if !p.current(name, epoch, gen) {
		p.mu.Unlock()
		_ = client.Close()
		return nil, &Error{Target: name, Reason: "reconfigured", Err: errors.New("target changed while connecting")}
	}
	p.conns[name] = conn
	p.mu.Unlock()

	if br != nil {
		br.success()
	}
	p.metrics.recordEstablished(ctx, name, kind, hs.Duration)
	logger.Infow("connected to target", "target", name, "kind", kind, "duration", time.Since(start))

	go p.watch(conn)
	return conn, nil
}

// watch drops conn from the pool once its transport ends.
func (p *Pool) watch(conn *Connection) {
	<-conn.client.Done()

	p.mu.Lock()
	current := p.conns[conn.target] == conn
	if current {
		delete(p.conns, conn.target)
	}
	p.mu.Unlock()

	if current {
		logger.Warnw("target connection lost", "target", conn.target, "error", conn.client.Err())
	}
	p.metrics.recordClosed(context.Background(), conn.target, string(conn.Kind()))
}

func (p *Pool) reap(interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case now := <-ticker.C:
			p.reapIdle(now)
		}
	}
}

func (p *Pool) reapIdle(now time.Time) {
	var idle []*Connection
	p.mu.Lock()
	for name, conn := range p.conns {
		if d, ok := conn.idleFor(now); ok && d >= p.cfg.IdleTimeout {
			delete(p.conns, name)
			idle = append(idle, conn)
		}
	}
	p.mu.Unlock()

	for _, conn := range idle {
		logger.Debugw("closing idle connection", "target", conn.target)
		_ = conn.close()
	}
}

func closeAll(conns map[string]*Connection) error {
	var errs []error
	for name, conn := range conns {
		if err := conn.close(); err != nil {
			errs = append(errs, fmt.Errorf("target %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
