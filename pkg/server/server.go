// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server is the gateway's front door: an MCP streamable HTTP endpoint
// and the A2A endpoints, both answered by the relay on behalf of the
// authenticated caller.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/agentgate/pkg/auth"
	"github.com/stacklok/agentgate/pkg/logger"
	"github.com/stacklok/agentgate/pkg/relay"
	"github.com/stacklok/agentgate/pkg/telemetry"
	"github.com/stacklok/agentgate/pkg/upstream/transport"
)

const (
	// DefaultEndpointPath is where the MCP endpoint is mounted.
	DefaultEndpointPath = "/mcp"

	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Config configures the front door.
type Config struct {
	// Address is the listen address, host:port.
	Address string
	// PublicURL is the externally visible base URL. It is used for agent card
	// URLs and OAuth protected resource metadata.
	PublicURL string
	// EndpointPath defaults to DefaultEndpointPath.
	EndpointPath string
	// SessionTTL defaults to DefaultSessionTTL.
	SessionTTL time.Duration
	// Version is reported in serverInfo.
	Version string

	// Validator authenticates callers. Nil serves every caller anonymously.
	Validator *auth.Validator
	// Scopes are advertised in the protected resource metadata.
	Scopes []string
	// Telemetry instruments requests when set.
	Telemetry *telemetry.HTTPMiddleware
}

// Server serves MCP and A2A clients.
type Server struct {
	cfg      Config
	svc      relay.Service
	sessions *sessionManager
}

// New creates a front door backed by svc.
func New(svc relay.Service, cfg Config) *Server {
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = DefaultEndpointPath
	}
	return &Server{
		cfg:      cfg,
		svc:      svc,
		sessions: newSessionManager(cfg.SessionTTL),
	}
}

// Handler returns the HTTP handler for all front door routes.
//
// Middleware runs in this order: request id, recoverer, telemetry,
// authentication, forwarded Authorization, then the handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if s.cfg.Validator != nil {
		r.Handle(auth.ProtectedResourcePath, auth.NewProtectedResourceHandler(
			s.cfg.Validator, s.resourceURL(), s.cfg.Scopes))
	}

	r.Group(func(r chi.Router) {
		if s.cfg.Telemetry != nil {
			r.Use(s.cfg.Telemetry.Handler)
		}
		if s.cfg.Validator != nil {
			r.Use(auth.Middleware(s.cfg.Validator, s.resourceMetadataURL()))
		} else {
			r.Use(auth.AnonymousMiddleware)
		}
		r.Use(requestContext)

		r.HandleFunc(s.cfg.EndpointPath, s.handleMCP)
		r.Mount(A2APathPrefix, s.a2aRouter())
	})
	return r
}

// requestContext carries the request id and the caller's Authorization
// header to the relay.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := middleware.GetReqID(ctx); id != "" {
			ctx = relay.WithRequestID(ctx, id)
		}
		ctx = transport.WithForwardedAuthorization(ctx, r.Header.Get("Authorization"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) resourceURL() string {
	if s.cfg.PublicURL == "" {
		return ""
	}
	return strings.TrimSuffix(s.cfg.PublicURL, "/") + s.cfg.EndpointPath
}

func (s *Server) resourceMetadataURL() string {
	if s.cfg.PublicURL == "" {
		return ""
	}
	return strings.TrimSuffix(s.cfg.PublicURL, "/") + auth.ProtectedResourcePath
}

// Serve listens on the configured address until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	return s.ServeListener(ctx, listener)
}

// ServeListener serves on an existing listener until ctx is cancelled, then
// drains in-flight requests.
func (s *Server) ServeListener(ctx context.Context, listener net.Listener) error {
	defer s.sessions.stop()

	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("front door listening",
			"address", listener.Addr().String(),
			"mcp_endpoint", s.cfg.EndpointPath,
			"a2a_prefix", A2APathPrefix,
			"auth", s.cfg.Validator != nil)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("front door stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("front door shutdown failed: %w", err)
	}
	logger.Info("front door stopped")
	return nil
}

// Close releases background resources of a server that was never served.
func (s *Server) Close() {
	s.sessions.stop()
}
