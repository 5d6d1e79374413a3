// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionManager(t *testing.T) {
	t.Parallel()

	m := newSessionManager(time.Hour)
	defer m.stop()

	s := m.create("alice", "2025-03-26", mcp.Implementation{Name: "client"})
	got, ok := m.get(s.id)
	require.True(t, ok)
	assert.Equal(t, "alice", got.subject)
	assert.Equal(t, 1, m.count())

	assert.True(t, m.delete(s.id))
	assert.False(t, m.delete(s.id))
	_, ok = m.get(s.id)
	assert.False(t, ok)
}

func TestSessionManager_CleanupExpired(t *testing.T) {
	t.Parallel()

	m := newSessionManager(time.Hour)
	defer m.stop()

	stale := m.create("alice", "", mcp.Implementation{})
	fresh := m.create("bob", "", mcp.Implementation{})

	stale.mu.Lock()
	stale.updated = time.Now().Add(-2 * time.Hour)
	stale.mu.Unlock()

	m.cleanupExpired()
	_, ok := m.get(stale.id)
	assert.False(t, ok)
	_, ok = m.get(fresh.id)
	assert.True(t, ok)

	m.stop()
	m.stop()
}
