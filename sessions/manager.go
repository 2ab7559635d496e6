package sessions

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/esportsjesus1-create/gameverse-backend-sub008/bridgeerr"
)

const (
	DefaultMaxSessions     = 1000
	DefaultReconnectWindow = 5 * time.Minute
)

// Config controls a Manager.
type Config struct {
	// MaxSessions bounds concurrently tracked sessions and the reconnect token
	// cache.
	MaxSessions int
	// ReconnectWindow is the absolute lifetime of a reconnect token.
	ReconnectWindow time.Duration
	// PermissiveTransitions disables the state transition table.
	PermissiveTransitions bool
	// Now is the clock used for heartbeats and staleness. Defaults to time.Now.
	Now func() time.Time
	// Logger is optional; nil discards.
	Logger *slog.Logger
}

// Manager owns all session records.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	byClient map[string]string // clientID -> sessionID

	tokens *expirable.LRU[string, string] // reconnect token -> sessionID
}

// NewManager constructs a Manager, filling zero config values with defaults.
func NewManager(cfg Config) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.ReconnectWindow <= 0 {
		cfg.ReconnectWindow = DefaultReconnectWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*Session),
		byClient: make(map[string]string),
		tokens:   expirable.NewLRU[string, string](cfg.MaxSessions, nil, cfg.ReconnectWindow),
	}
}

// Create registers a new session in the connecting state.
func (m *Manager) Create(info ClientInfo) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.cfg.MaxSessions {
		return Session{}, bridgeerr.New(bridgeerr.CodeCapacityExceeded, "maximum sessions reached",
			map[string]any{"maxSessions": m.cfg.MaxSessions})
	}

	now := m.cfg.Now()
	s := &Session{
		ID:             uuid.NewString(),
		ClientID:       info.ClientID,
		ClientInfo:     info,
		State:          StateConnecting,
		ConnectedAt:    now,
		LastHeartbeat:  now,
		ReconnectToken: uuid.NewString(),
		Metadata:       make(map[string]any),
	}
	m.sessions[s.ID] = s
	if s.ClientID != "" {
		m.byClient[s.ClientID] = s.ID
	}
	m.tokens.Add(s.ReconnectToken, s.ID)

	m.log.Debug("session created", slog.String("session_id", s.ID), slog.String("client_id", s.ClientID))
	return s.clone(), nil
}

// Get returns a copy of the session with the given ID.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// GetByClientID returns the most recent session opened by clientID.
func (m *Manager) GetByClientID(clientID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byClient[clientID]
	if !ok {
		return Session{}, false
	}
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// GetByReconnectToken resolves a live reconnect token.
func (m *Manager) GetByReconnectToken(token string) (Session, bool) {
	id, ok := m.tokens.Get(token)
	if !ok {
		return Session{}, false
	}
	return m.Get(id)
}

// UpdateState moves a session to state.
func (m *Manager) UpdateState(id string, state ConnectionState) error {
	if !state.Valid() {
		return bridgeerr.Newf(bridgeerr.CodeInvalidPayload, "unknown connection state %q", state)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return notFound(id)
	}
	if !m.cfg.PermissiveTransitions && !CanTransition(s.State, state) {
		return bridgeerr.New(bridgeerr.CodeInvalidTransition, "connection state transition not allowed",
			map[string]any{"from": string(s.State), "to": string(state)})
	}
	s.State = state
	return nil
}

// Authenticate records the principal behind a session and marks it
// authenticated.
func (m *Manager) Authenticate(id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return notFound(id)
	}
	if !m.cfg.PermissiveTransitions && !CanTransition(s.State, StateAuthenticated) {
		return bridgeerr.New(bridgeerr.CodeInvalidTransition, "connection state transition not allowed",
			map[string]any{"from": string(s.State), "to": string(StateAuthenticated)})
	}
	s.UserID = userID
	s.State = StateAuthenticated
	return nil
}

// Heartbeat refreshes the session's liveness. A positive rtt replaces the
// recorded latency.
func (m *Manager) Heartbeat(id string, rtt time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return notFound(id)
	}
	s.LastHeartbeat = m.cfg.Now()
	if rtt > 0 {
		s.Latency = rtt
	}
	return nil
}

// SetMetadata attaches an opaque value to the session.
func (m *Manager) SetMetadata(id, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return notFound(id)
	}
	s.Metadata[key] = value
	return nil
}

// Remove deletes a session and its reconnect token. It reports whether the
// session existed.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	m.removeLocked(s)
	return true
}

func (m *Manager) removeLocked(s *Session) {
	delete(m.sessions, s.ID)
	if m.byClient[s.ClientID] == s.ID {
		delete(m.byClient, s.ClientID)
	}
	m.tokens.Remove(s.ReconnectToken)
}

// CleanupStale removes every session whose last heartbeat is older than
// timeout and returns the removed records.
func (m *Manager) CleanupStale(timeout time.Duration) []Session {
	now := m.cfg.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []Session
	for _, s := range m.sessions {
		if now.Sub(s.LastHeartbeat) > timeout {
			removed = append(removed, s.clone())
			m.removeLocked(s)
		}
	}
	if len(removed) > 0 {
		m.log.Info("stale sessions removed", slog.Int("count", len(removed)))
	}
	return removed
}

// Reconnect resumes the session bound to token. The presented client ID must
// match the one the session was created with. On success the token is
// rotated, the state reset to connecting and the session ID preserved.
func (m *Manager) Reconnect(token string, info ClientInfo) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.tokens.Get(token)
	if !ok {
		return Session{}, bridgeerr.New(bridgeerr.CodeNotFound, "reconnect token unknown or expired", nil)
	}
	s, ok := m.sessions[id]
	if !ok {
		m.tokens.Remove(token)
		return Session{}, bridgeerr.New(bridgeerr.CodeNotFound, "reconnect token unknown or expired", nil)
	}
	if info.ClientID != s.ClientID {
		return Session{}, bridgeerr.New(bridgeerr.CodeAuthMismatch, "client identity does not match session",
			map[string]any{"sessionId": s.ID})
	}

	m.tokens.Remove(token)
	s.ReconnectToken = uuid.NewString()
	m.tokens.Add(s.ReconnectToken, s.ID)

	s.ClientInfo = info
	s.State = StateConnecting
	s.LastHeartbeat = m.cfg.Now()
	m.byClient[s.ClientID] = s.ID

	m.log.Debug("session resumed", slog.String("session_id", s.ID))
	return s.clone(), nil
}

// Count returns the number of tracked sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns copies of all tracked sessions in no particular order.
func (m *Manager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.clone())
	}
	return out
}

func notFound(id string) error {
	return bridgeerr.New(bridgeerr.CodeNotFound, "session not found", map[string]any{"sessionId": id})
}
