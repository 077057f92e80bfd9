package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/openhealth/exchange/internal/registry"
)

// LastSyncStore records the most recent successful sync per user and
// provider, consulted by the incremental strategy.
type LastSyncStore interface {
	Get(ctx context.Context, userID string, provider registry.Provider) (time.Time, error)
	Set(ctx context.Context, userID string, provider registry.Provider, ts time.Time) error
}

type lastSyncKey struct {
	userID   string
	provider registry.Provider
}

// InMemoryLastSyncStore is a map-backed LastSyncStore.
type InMemoryLastSyncStore struct {
	mu    sync.RWMutex
	times map[lastSyncKey]time.Time
}

func NewInMemoryLastSyncStore() *InMemoryLastSyncStore {
	return &InMemoryLastSyncStore{times: map[lastSyncKey]time.Time{}}
}

func (s *InMemoryLastSyncStore) Get(ctx context.Context, userID string, provider registry.Provider) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.times[lastSyncKey{userID, provider}], nil
}

func (s *InMemoryLastSyncStore) Set(ctx context.Context, userID string, provider registry.Provider, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.times[lastSyncKey{userID, provider}] = ts
	return nil
}
