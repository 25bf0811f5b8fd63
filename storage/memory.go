package storage

import (
	"sort"
	"sync"

	"github.com/ellomessenger/transfercore/interfaces"
)

// MemoryStore is an in-memory KeyValueStore. It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// Get implements interfaces.KeyValueStore.
func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return nil, interfaces.ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put implements interfaces.KeyValueStore.
func (s *MemoryStore) Put(key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)

	s.mu.Lock()
	s.values[key] = v
	s.mu.Unlock()
	return nil
}

// Remove implements interfaces.KeyValueStore.
func (s *MemoryStore) Remove(key string) error {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	return nil
}

// Keys returns the stored keys in sorted order.
func (s *MemoryStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close implements io.Closer.
func (s *MemoryStore) Close() error {
	return nil
}
