package session

import (
	"sync"
)

// Store holds the current monitoring session for readers outside the
// controller loop (HTTP handlers, websocket snapshots). There is at most
// one session at a time; terminated sessions remain visible until the
// next one replaces them. All reads return copies.
type Store struct {
	mu      sync.RWMutex
	current *MonitoringSession
}

func NewStore() *Store {
	return &Store{}
}

// Current returns a copy of the stored session, or false when no session
// has ever been started.
func (s *Store) Current() (*MonitoringSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, false
	}
	return s.current.Clone(), true
}

// Set replaces the stored session with a copy of state.
func (s *Store) Set(state *MonitoringSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = state.Clone()
}

// SetAndNotify replaces the stored session and runs fn under the same
// lock, so a broadcast queued by fn cannot be reordered against a
// concurrent reader of Current.
func (s *Store) SetAndNotify(state *MonitoringSession, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = state.Clone()
	if fn != nil {
		fn()
	}
}

// ActiveID returns the ID of the current session if it is active.
func (s *Store) ActiveID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil || !s.current.IsActive() {
		return "", false
	}
	return s.current.ID, true
}
