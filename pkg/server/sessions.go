// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// DefaultSessionTTL is how long an idle MCP session is kept.
const DefaultSessionTTL = 2 * time.Hour

// session is one initialized MCP client. It is bound to the subject that
// created it.
type session struct {
	id              string
	subject         string
	protocolVersion string
	client          mcp.Implementation
	created         time.Time

	mu          sync.Mutex
	updated     time.Time
	initialized bool
}

func (s *session) touch() {
	s.mu.Lock()
	s.updated = time.Now()
	s.mu.Unlock()
}

func (s *session) updatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updated
}

func (s *session) markInitialized() {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
}

// sessionManager holds sessions with TTL cleanup.
type sessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*session
	ttl      time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newSessionManager(ttl time.Duration) *sessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	m := &sessionManager{
		sessions: make(map[string]*session),
		ttl:      ttl,
		stopCh:   make(chan struct{}),
	}
	go m.cleanupRoutine()
	return m
}

func (m *sessionManager) cleanupRoutine() {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cleanupExpired()
		case <-m.stopCh:
			return
		}
	}
}

func (m *sessionManager) create(subject, protocolVersion string, client mcp.Implementation) *session {
	now := time.Now()
	s := &session{
		id:              uuid.NewString(),
		subject:         subject,
		protocolVersion: protocolVersion,
		client:          client,
		created:         now,
		updated:         now,
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	return s
}

// get returns the session and refreshes its TTL.
func (m *sessionManager) get(id string) (*session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s.touch()
	return s, true
}

func (m *sessionManager) delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	return true
}

func (m *sessionManager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// cleanupExpired removes sessions that have not been used within the TTL.
func (m *sessionManager) cleanupExpired() {
	cutoff := time.Now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.updatedAt().Before(cutoff) {
			delete(m.sessions, id)
		}
	}
}

func (m *sessionManager) stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
