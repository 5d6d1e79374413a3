// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"

	"github.com/stacklok/agentgate/pkg/rbac"
)

// IdentityContextKey is the key used to store Identity in the request context.
type IdentityContextKey struct{}

// WithIdentity stores an Identity in the context.
// If identity is nil, the original context is returned unchanged.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, IdentityContextKey{}, identity)
}

// IdentityFromContext retrieves an Identity from the context.
// Returns the identity and true if present, nil and false otherwise.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(IdentityContextKey{}).(*Identity)
	return identity, ok
}

// ClaimsFromContext returns the caller's claims. A request without an
// identity has no claims, which RBAC treats like any caller that matches no
// rule.
func ClaimsFromContext(ctx context.Context) rbac.Claims {
	identity, ok := IdentityFromContext(ctx)
	if !ok || identity == nil {
		return nil
	}
	return identity.Claims
}
