package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps results in-process for local/dev use and tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	results map[string]Result
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{results: make(map[string]Result)}
}

func (s *InMemoryStore) SaveResult(_ context.Context, r Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.results[r.SessionID] = r
	return nil
}

// ResultBySession returns the stored result for a session, if any.
func (s *InMemoryStore) ResultBySession(sessionID string) (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[sessionID]
	return r, ok
}

func (s *InMemoryStore) Close() error { return nil }
