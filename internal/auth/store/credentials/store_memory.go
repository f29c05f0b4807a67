package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mihome/internal/auth/models"
	"mihome/pkg/platform/sentinel"
)

// InMemoryCredentialsStore holds cloud credentials for confirmed logins.
// Process memory only, like the session store: losing credentials on restart
// just means the user scans the QR again.
type InMemoryCredentialsStore struct {
	mu    sync.RWMutex
	creds map[string]*models.CloudCredentials
}

// New constructs an empty in-memory credentials store.
func New() *InMemoryCredentialsStore {
	return &InMemoryCredentialsStore{
		creds: make(map[string]*models.CloudCredentials),
	}
}

func (s *InMemoryCredentialsStore) Save(_ context.Context, creds *models.CloudCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[creds.UserID] = creds
	return nil
}

func (s *InMemoryCredentialsStore) FindByUserID(_ context.Context, userID string) (*models.CloudCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.creds[userID]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("credentials not found: %w", sentinel.ErrNotFound)
}

func (s *InMemoryCredentialsStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, userID)
	return nil
}

// DeleteExpired removes credentials past their vendor lifetime as of now.
func (s *InMemoryCredentialsStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, c := range s.creds {
		if c.ExpiresAt.Before(now) {
			delete(s.creds, id)
			deleted++
		}
	}
	return deleted, nil
}
