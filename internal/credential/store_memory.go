package credential

import (
	"context"
	"sync"
	"time"

	"github.com/openhealth/exchange/internal/registry"
)

type memKey struct {
	userID   string
	provider registry.Provider
}

// InMemoryStore is a Store backed by a map, for tests and development.
type InMemoryStore struct {
	mu     sync.RWMutex
	tokens map[memKey]*Token
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tokens: map[memKey]*Token{}}
}

func (s *InMemoryStore) Get(ctx context.Context, userID string, provider registry.Provider) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[memKey{userID, provider}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *InMemoryStore) Save(ctx context.Context, t *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	cp.UpdatedAt = time.Now().UTC()
	s.tokens[memKey{t.UserID, t.Provider}] = &cp
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, userID string, provider registry.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey{userID, provider}
	if _, ok := s.tokens[k]; !ok {
		return ErrNotFound
	}
	delete(s.tokens, k)
	return nil
}
