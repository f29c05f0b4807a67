package memory

import (
	"context"
	"sync"

	audit "mihome/pkg/platform/audit"
)

// InMemoryStore keeps the audit trail in process memory, capped so an
// abandoned dashboard cannot grow it without bound.
type InMemoryStore struct {
	mu     sync.RWMutex
	events []audit.Event
	cap    int
}

const defaultCap = 10000

// NewInMemoryStore constructs an empty capped store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{cap: defaultCap}
}

func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if len(s.events) > s.cap {
		s.events = s.events[len(s.events)-s.cap:]
	}
	return nil
}

// ListRecent returns the most recent events, newest last.
func (s *InMemoryStore) ListRecent(_ context.Context, limit int) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	out := make([]audit.Event, limit)
	copy(out, s.events[len(s.events)-limit:])
	return out, nil
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}
