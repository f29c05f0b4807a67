package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mihome/internal/auth/models"
	"mihome/pkg/platform/sentinel"
)

// InMemorySessionStore is the default session store. Sessions are process
// memory only; a restart loses them and callers treat "not found" the same as
// "expired or never existed".
type InMemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.LoginSession
}

// New constructs an empty in-memory session store.
func New() *InMemorySessionStore {
	return &InMemorySessionStore{
		sessions: make(map[string]*models.LoginSession),
	}
}

func (s *InMemorySessionStore) Save(_ context.Context, session *models.LoginSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return nil
}

func (s *InMemorySessionStore) FindByID(_ context.Context, id string) (*models.LoginSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if session, ok := s.sessions[id]; ok {
		return session, nil
	}
	return nil, fmt.Errorf("login session not found: %w", sentinel.ErrNotFound)
}

func (s *InMemorySessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// DeleteExpired removes all sessions whose deadline has passed as of the given
// time. The time parameter is injected for testability (no hidden time.Now()
// calls).
func (s *InMemorySessionStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, session := range s.sessions {
		if session.ExpiresAt.Before(now) {
			delete(s.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

// Len reports the number of stored sessions. Used by the health endpoint and
// tests; not part of the store contract.
func (s *InMemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
