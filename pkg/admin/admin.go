// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package admin serves the local administration API used to inspect and
// change targets and RBAC configs at runtime.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
	"sigs.k8s.io/yaml"

	"github.com/stacklok/agentgate/pkg/logger"
	"github.com/stacklok/agentgate/pkg/rbac"
	"github.com/stacklok/agentgate/pkg/targets"
	"github.com/stacklok/agentgate/pkg/upstream/pool"
)

const (
	middlewareTimeout = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
	maxBodySize       = 1 << 20
)

// Runtime is the live configuration the API reads and mutates.
type Runtime interface {
	Snapshot() ([]targets.Descriptor, []rbac.Config)
	Misconfigured() map[string]error
	UpsertTarget(d targets.Descriptor) (targets.Change, error)
	RemoveTarget(name string) bool
	UpsertRBAC(cfg rbac.Config) error
	RemoveRBAC(name string) bool
}

// PoolStats reports upstream connection state.
type PoolStats interface {
	Stats() []pool.Info
	Quarantine() map[string]pool.BreakerState
}

// Listener describes a front-door listener for GET /listeners.
type Listener struct {
	Name      string `json:"name"`
	Protocol  string `json:"protocol"`
	Address   string `json:"address"`
	PublicURL string `json:"public_url,omitempty"`
	Auth      bool   `json:"auth"`
}

// Options configures the API.
type Options struct {
	Listeners []Listener
	// WriteRate and WriteBurst limit mutating requests. Zero rate disables the limit.
	WriteRate  float64
	WriteBurst int
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
}

// NewHandler returns the admin API router.
func NewHandler(rt Runtime, stats PoolStats, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(middlewareTimeout),
	)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", opts.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		if opts.WriteRate > 0 {
			r.Use(writeLimiter(rate.NewLimiter(rate.Limit(opts.WriteRate), max(opts.WriteBurst, 1))))
		}
		r.Mount("/targets", TargetsRouter(rt))
		r.Mount("/rbac", RBACRouter(rt))
	})

	listeners := opts.Listeners
	r.Get("/listeners", errorHandler(func(w http.ResponseWriter, r *http.Request) error {
		writeResponse(w, r, http.StatusOK, listeners)
		return nil
	}))
	r.Get("/connections", errorHandler(func(w http.ResponseWriter, r *http.Request) error {
		writeResponse(w, r, http.StatusOK, connectionsResponse{
			Connections: stats.Stats(),
			Quarantine:  stats.Quarantine(),
		})
		return nil
	}))

	return r
}

type connectionsResponse struct {
	Connections []pool.Info                  `json:"connections"`
	Quarantine  map[string]pool.BreakerState `json:"quarantine"`
}

// writeLimiter rejects mutating requests beyond the limiter's rate with 429.
func writeLimiter(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet && r.Method != http.MethodHead && !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeResponse(w, r, http.StatusTooManyRequests, errorResponse{Message: "too many write requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// decodeBody reads a JSON or YAML body into v, rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("%w: failed to read body: %v", errBadRequest, err)
	}
	if err := yaml.UnmarshalStrict(data, v); err != nil {
		return fmt.Errorf("%w: invalid body: %v", errBadRequest, err)
	}
	return nil
}

// writeResponse encodes v as YAML when the client asks for it and JSON otherwise.
func writeResponse(w http.ResponseWriter, r *http.Request, code int, v any) {
	var (
		data        []byte
		err         error
		contentType = "application/json"
	)
	if strings.Contains(r.Header.Get("Accept"), "yaml") {
		contentType = "application/yaml"
		data, err = yaml.Marshal(v)
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		logger.Errorw("failed to encode admin response", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

// Serve runs the admin API on address until ctx is cancelled.
func Serve(ctx context.Context, address string, handler http.Handler) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return ServeListener(ctx, listener, handler)
}

// ServeListener runs the admin API on an existing listener until ctx is cancelled.
func ServeListener(ctx context.Context, listener net.Listener, handler http.Handler) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("admin API listening", "address", listener.Addr().String())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("admin server stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	logger.Info("admin API stopped")
	return nil
}
