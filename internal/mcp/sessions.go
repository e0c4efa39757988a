// Package mcp is the MCP session layer: JSON-RPC 2.0 over HTTP with
// server-assigned session ids and an idle TTL, tools backed by the agent
// action registry.
package mcp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tradebridge/internal/config"
)

// ErrInvalidSession is returned for unknown or evicted session ids
var ErrInvalidSession = errors.New("invalid session id")

const defaultIdleTTL = 30 * time.Minute

type session struct {
	id       string
	created  time.Time
	lastSeen time.Time
}

// SessionManager tracks downstream conversations. Sessions idle past the
// TTL are evicted; further requests on them fail with ErrInvalidSession.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*session
	ttl      time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewSessionManager creates the session table with the configured idle TTL
func NewSessionManager(cfg config.MCPConfig) *SessionManager {
	ttl := time.Duration(cfg.IdleTTLMin) * time.Minute
	if ttl <= 0 {
		ttl = defaultIdleTTL
	}
	return &SessionManager{
		sessions: make(map[string]*session),
		ttl:      ttl,
		now:      time.Now,
		logger:   log.With().Str("component", "mcp_sessions").Logger(),
	}
}

// SetClock overrides the manager clock (tests)
func (m *SessionManager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Create provisions a new session and returns its id
func (m *SessionManager) Create() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New().String()
	now := m.now()
	m.sessions[id] = &session{id: id, created: now, lastSeen: now}
	m.logger.Debug().Str("session_id", id).Msg("MCP session created")
	return id
}

// Touch validates a session id and refreshes its idle timer. An expired
// session is evicted on the spot.
func (m *SessionManager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrInvalidSession
	}
	now := m.now()
	if now.Sub(s.lastSeen) > m.ttl {
		delete(m.sessions, id)
		m.logger.Debug().Str("session_id", id).Msg("MCP session expired")
		return ErrInvalidSession
	}
	s.lastSeen = now
	return nil
}

// Close removes a session
func (m *SessionManager) Close(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrInvalidSession
	}
	delete(m.sessions, id)
	m.logger.Debug().Str("session_id", id).Msg("MCP session closed")
	return nil
}

// Count returns the number of live sessions
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// sweep evicts idle sessions
func (m *SessionManager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, s := range m.sessions {
		if now.Sub(s.lastSeen) > m.ttl {
			delete(m.sessions, id)
			m.logger.Debug().Str("session_id", id).Msg("MCP session expired")
		}
	}
}

// Run sweeps idle sessions periodically until the context is cancelled
func (m *SessionManager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}
