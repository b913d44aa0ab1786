package store

import (
	"fmt"
	"sync"
)

// MemoryStore implements Store in process memory. Used when no store path is
// configured and in tests of higher layers.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]string)}
}

func (s *MemoryStore) GetItem(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	if !ok {
		return "", fmt.Errorf("item %s: %w", key, ErrNotFound)
	}
	return v, nil
}

func (s *MemoryStore) SetItems(items map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range items {
		s.items[k] = v
	}
	return nil
}

func (s *MemoryStore) RemoveItems(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.items, k)
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
