package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/imagine-orchestrator/internal/storage"
)

// StateStore is a map-backed storage.Provider.
type StateStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewStateStore constructs an empty StateStore.
func NewStateStore() *StateStore {
	return &StateStore{docs: make(map[string][]byte)}
}

// Load returns a copy of the document stored under key.
func (s *StateStore) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.docs[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Save stores a copy of data under key.
func (s *StateStore) Save(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[key] = append([]byte(nil), data...)
	return nil
}

// Delete removes key.
func (s *StateStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, key)
	return nil
}
