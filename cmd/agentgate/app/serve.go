// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/agentgate/pkg/admin"
	"github.com/stacklok/agentgate/pkg/auth"
	"github.com/stacklok/agentgate/pkg/config"
	"github.com/stacklok/agentgate/pkg/logger"
	"github.com/stacklok/agentgate/pkg/rbac"
	"github.com/stacklok/agentgate/pkg/relay"
	"github.com/stacklok/agentgate/pkg/server"
	"github.com/stacklok/agentgate/pkg/targets"
	"github.com/stacklok/agentgate/pkg/telemetry"
	"github.com/stacklok/agentgate/pkg/upstream/pool"
	"github.com/stacklok/agentgate/pkg/upstream/transport"
	"github.com/stacklok/agentgate/pkg/versions"
)

const shutdownTimeout = 10 * time.Second

// gateway holds the long-lived components of a running gateway.
type gateway struct {
	cfg       *config.Config
	telemetry *telemetry.Provider
	pool      *pool.Pool
	runtime   *config.Runtime
	front     *server.Server
	adminAPI  http.Handler
}

func runServe(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	gw, err := newGateway(ctx, cfg)
	if err != nil {
		return err
	}
	defer gw.close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.front.Serve(ctx) })
	if cfg.Admin.IsEnabled() {
		g.Go(func() error { return admin.Serve(ctx, cfg.Admin.Address, gw.adminAPI) })
	}
	g.Go(func() error {
		gw.watchReload(ctx, path)
		return nil
	})
	return g.Wait()
}

func newGateway(ctx context.Context, cfg *config.Config) (_ *gateway, retErr error) {
	version := versions.GetVersionInfo().Version
	gw := &gateway{cfg: cfg}
	defer func() {
		if retErr != nil {
			gw.close()
		}
	}()

	provider, err := telemetry.NewProvider(ctx, cfg.Telemetry.ProviderConfig(version))
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	gw.telemetry = provider

	store := targets.NewStore()
	policies, err := rbac.NewEngine(nil)
	if err != nil {
		return nil, err
	}

	poolCfg := cfg.Pool.PoolOptions()
	poolCfg.Handshake.ClientInfo = mcp.Implementation{Name: versions.Name, Version: version}
	poolCfg.MeterProvider = provider.MeterProvider()
	poolCfg.TracerProvider = provider.TracerProvider()
	gw.pool, err = pool.New(store, transport.NewFactory(cfg.Pool.TransportOptions()), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	gw.runtime = &config.Runtime{Targets: store, Policies: policies, Pool: gw.pool}
	if err := gw.runtime.Apply(cfg); err != nil {
		return nil, err
	}

	svc, err := relay.Monitor(
		relay.New(store, policies, gw.pool, relay.WithFanOut(cfg.Pool.FanOut)),
		provider.MeterProvider(), provider.TracerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to instrument relay: %w", err)
	}

	var validator *auth.Validator
	if cfg.Listener.Auth != nil {
		validator, err = auth.NewValidator(ctx, cfg.Listener.Auth.ValidatorConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to set up authentication: %w", err)
		}
	}

	httpMetrics, err := telemetry.NewHTTPMiddleware("front_door", provider.TracerProvider(), provider.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to instrument front door: %w", err)
	}

	frontCfg := server.Config{
		Address:   cfg.Listener.Address,
		PublicURL: cfg.Listener.PublicURL,
		Version:   version,
		Validator: validator,
		Telemetry: httpMetrics,
	}
	if cfg.Listener.Auth != nil {
		frontCfg.Scopes = cfg.Listener.Auth.Scopes
	}
	gw.front = server.New(svc, frontCfg)

	gw.adminAPI = admin.NewHandler(gw.runtime, gw.pool, admin.Options{
		Listeners: []admin.Listener{{
			Name:      "front_door",
			Protocol:  "mcp+a2a",
			Address:   cfg.Listener.Address,
			PublicURL: cfg.Listener.PublicURL,
			Auth:      validator != nil,
		}},
		WriteRate:      cfg.Admin.WriteRate,
		WriteBurst:     cfg.Admin.WriteBurst,
		MetricsHandler: provider.MetricsHandler(),
	})

	logger.Infow("gateway ready",
		"version", version,
		"listener", cfg.Listener.Address,
		"admin", cfg.Admin.IsEnabled(),
		"targets", len(cfg.Targets),
		"rbac_configs", len(cfg.RBAC))
	return gw, nil
}

// watchReload re-applies targets and RBAC configs from path on SIGHUP until
// ctx ends. A configuration that fails to load leaves the running one in place.
func (gw *gateway) watchReload(ctx context.Context, path string) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			gw.reload(path)
		}
	}
}

func (gw *gateway) reload(path string) {
	logger.Infow("reloading configuration", "path", path)
	cfg, err := config.Load(path)
	if err != nil {
		logger.Errorw("configuration reload rejected", "path", path, "error", err)
		return
	}
	if !reflect.DeepEqual(cfg.Listener, gw.cfg.Listener) || cfg.Pool != gw.cfg.Pool {
		logger.Warn("listener and pool changes take effect on restart")
	}
	if err := gw.runtime.Apply(cfg); err != nil {
		logger.Errorw("configuration reload rejected", "path", path, "error", err)
		return
	}
	gw.cfg.Targets, gw.cfg.RBAC = cfg.Targets, cfg.RBAC
}

func (gw *gateway) close() {
	if gw.front != nil {
		gw.front.Close()
	}
	if gw.pool != nil {
		if err := gw.pool.Close(); err != nil {
			logger.Warnw("failed to close upstream connections", "error", err)
		}
	}
	if gw.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := gw.telemetry.Shutdown(ctx); err != nil {
			logger.Warnw("failed to flush telemetry", "error", err)
		}
	}
}
