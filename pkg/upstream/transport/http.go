// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"

	"github.com/stacklok/agentgate/pkg/gateway"
	"github.com/stacklok/agentgate/pkg/targets"
	"github.com/stacklok/agentgate/pkg/versions"
)

// maxResponseSize bounds response bodies read from HTTP targets.
const maxResponseSize = 2 << 20

type forwardedAuthKey struct{}

// WithForwardedAuthorization records the caller's Authorization header so
// targets configured for passthrough can forward it.
func WithForwardedAuthorization(ctx context.Context, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, forwardedAuthKey{}, value)
}

func forwardedAuthorization(ctx context.Context) string {
	v, _ := ctx.Value(forwardedAuthKey{}).(string)
	return v
}

// newHTTPClient builds a client honoring the target's TLS settings. Timeout
// is left unset; streaming responses are bounded by request contexts instead.
func newHTTPClient(cfg *targets.TLSConfig) (*http.Client, error) {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, errors.New("default HTTP transport has unexpected type")
	}
	rt := base.Clone()

	if cfg != nil {
		tlsCfg := &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureSkipVerify, //#nosec G402 -- opt-in per target
		}
		if cfg.CAFile != "" {
			pem, err := os.ReadFile(cfg.CAFile)
			if err != nil {
				return nil, fmt.Errorf("%w: failed to read CA file: %w", gateway.ErrInvalidConfig, err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("%w: no certificates found in %s", gateway.ErrInvalidConfig, cfg.CAFile)
			}
			tlsCfg.RootCAs = pool
		}
		rt.TLSClientConfig = tlsCfg
	}
	return &http.Client{Transport: rt}, nil
}

// applyHeaders sets static headers and backend credentials on req.
func applyHeaders(ctx context.Context, req *http.Request, headers map[string]string, auth *targets.BackendAuth) {
	req.Header.Set("User-Agent", versions.UserAgent())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if auth == nil {
		return
	}
	switch {
	case auth.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+auth.BearerToken)
	case auth.Passthrough:
		if v := forwardedAuthorization(ctx); v != "" {
			req.Header.Set("Authorization", v)
		}
	}
}

// wrapNetError marks connection-level failures as transport errors.
func wrapNetError(target string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isConnectionError(err) {
		return fmt.Errorf("%w: target %s: connection failed: %w", gateway.ErrTransport, target, err)
	}
	return fmt.Errorf("%w: target %s: %w", gateway.ErrTransport, target, err)
}

func isConnectionError(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && !netErr.Timeout()
}
