// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/agentgate/pkg/rbac"
)

func TestIdentityContext_StoreAndRetrieve(t *testing.T) {
	t.Parallel()

	identity := &Identity{
		Subject: "alice",
		Claims:  rbac.Claims{"sub": {"alice"}, "groups": {"admins", "dev"}},
		Token:   "secret-token",
	}
	ctx := WithIdentity(context.Background(), identity)

	retrieved, ok := IdentityFromContext(ctx)
	require.True(t, ok)
	assert.Same(t, identity, retrieved)
	assert.Equal(t, identity.Claims, ClaimsFromContext(ctx))
}

func TestIdentityContext_NilIdentity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	newCtx := WithIdentity(ctx, nil)
	assert.Equal(t, ctx, newCtx)

	_, ok := IdentityFromContext(newCtx)
	assert.False(t, ok)
	assert.Nil(t, ClaimsFromContext(newCtx))
}

func TestIdentity_RedactsToken(t *testing.T) {
	t.Parallel()

	identity := &Identity{Subject: "alice", Claims: rbac.Claims{"sub": {"alice"}}, Token: "secret-token"}

	assert.NotContains(t, identity.String(), "secret-token")

	data, err := json.Marshal(identity)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret-token")
	assert.JSONEq(t, `{"subject":"alice","claims":{"sub":["alice"]},"token":"REDACTED"}`, string(data))

	var nilIdentity *Identity
	assert.Equal(t, "<nil>", nilIdentity.String())
	assert.True(t, nilIdentity.Anonymous())
	assert.False(t, identity.Anonymous())
}
