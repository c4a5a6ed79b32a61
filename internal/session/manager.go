package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrSessionBusy is returned by Open when the session already has an
// active run.
var ErrSessionBusy = errors.New("session already has an active run")

// Manager owns session states for the lifetime of their workflows. Open
// leases a state to one run and Close releases it; nothing outlives its
// session.
type Manager struct {
	mu     sync.Mutex
	states map[string]*State
	logger *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		states: make(map[string]*State),
		logger: logger.With("component", "sessions"),
	}
}

// Open creates the state for sessionID and leases it to the caller until
// Close. It fails with ErrSessionBusy while another lease is held.
func (m *Manager) Open(sessionID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[sessionID]; ok {
		return nil, fmt.Errorf("open %s: %w", sessionID, ErrSessionBusy)
	}
	st := NewState(sessionID)
	m.states[sessionID] = st
	m.logger.Debug("session state opened", "session_id", sessionID)
	return st, nil
}

// Get returns the state for sessionID if it is open.
func (m *Manager) Get(sessionID string) (*State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sessionID]
	return st, ok
}

// Close tears down the state for sessionID.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[sessionID]; ok {
		delete(m.states, sessionID)
		m.logger.Debug("session state closed", "session_id", sessionID)
	}
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}
