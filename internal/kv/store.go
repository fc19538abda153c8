package kv

import (
	"sync"

	"quorumkv/internal/metrics"
)

// Store is the in-memory dataset. Writes arrive through the replication
// engine's apply path; reads may come from any client goroutine.
type Store struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewStore() *Store {
	return &Store{data: make(map[string]string)}
}

func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *Store) Set(key, value string) {
	s.mu.Lock()
	s.data[key] = value
	n := len(s.data)
	s.mu.Unlock()
	metrics.StorageKeysTotal.Set(float64(n))
}

// Delete removes a key, reporting whether it existed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	_, ok := s.data[key]
	delete(s.data, key)
	n := len(s.data)
	s.mu.Unlock()
	metrics.StorageKeysTotal.Set(float64(n))
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Clone returns a point-in-time copy of the dataset.
func (s *Store) Clone() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// Replace swaps the whole dataset, used when loading a snapshot image.
func (s *Store) Replace(data map[string]string) {
	s.mu.Lock()
	s.data = data
	n := len(s.data)
	s.mu.Unlock()
	metrics.StorageKeysTotal.Set(float64(n))
}
