package store

import (
	"context"
	"sort"
	"sync"

	"agentbridge/internal/domain"
)

// MemoryStore keeps sessions in a map. State is lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]domain.Session)}
}

func (s *MemoryStore) Get(_ context.Context, userKey string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[userKey]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (s *MemoryStore) Put(_ context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.UserKey] = sess
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, userKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[userKey]; !ok {
		return false, nil
	}
	delete(s.sessions, userKey)
	return true, nil
}

func (s *MemoryStore) List(_ context.Context) ([]domain.Session, error) {
	s.mu.RLock()
	out := make([]domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserKey < out[j].UserKey })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
