// Package session holds per-session mutable state owned by the orchestrator.
package session

import (
	"slices"
	"sync"
	"time"
)

// State is the mutable state of one agent session: the dynamic prompt layer,
// the completion flag, and the dynamically attached tool names.
type State struct {
	mu sync.RWMutex

	sessionID     string
	dynamicPrompt string
	completed     bool
	completion    string
	attachedTools []string
	hints         []string
	updatedAt     time.Time
}

// NewState returns empty state for a session.
func NewState(sessionID string) *State {
	return &State{sessionID: sessionID, updatedAt: time.Now()}
}

// SessionID returns the owning session ID.
func (s *State) SessionID() string { return s.sessionID }

// DynamicPrompt returns the current dynamic prompt layer.
func (s *State) DynamicPrompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dynamicPrompt
}

// SetDynamicPrompt replaces the dynamic prompt layer. An empty prompt clears it.
func (s *State) SetDynamicPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dynamicPrompt = prompt
	s.updatedAt = time.Now()
}

// Complete marks the session finished with a summary.
func (s *State) Complete(summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = true
	s.completion = summary
	s.updatedAt = time.Now()
}

// Completed reports whether the session was marked finished.
func (s *State) Completed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completed
}

// CompletionSummary returns the summary recorded by Complete.
func (s *State) CompletionSummary() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completion
}

// AttachTools adds tool names to the dynamic list, ignoring duplicates, and
// returns the names that were newly attached.
func (s *State) AttachTools(names ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var added []string
	for _, name := range names {
		if name == "" || slices.Contains(s.attachedTools, name) {
			continue
		}
		s.attachedTools = append(s.attachedTools, name)
		added = append(added, name)
	}
	if len(added) > 0 {
		s.updatedAt = time.Now()
	}
	return added
}

// AttachedTools returns a copy of the attached tool names in attach order.
func (s *State) AttachedTools() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.attachedTools)
}

// AddHint queues a corrective instruction for the next step.
func (s *State) AddHint(hint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hints = append(s.hints, hint)
}

// DrainHints returns and clears queued hints.
func (s *State) DrainHints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	hints := s.hints
	s.hints = nil
	return hints
}

// UpdatedAt returns the last mutation time.
func (s *State) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}
