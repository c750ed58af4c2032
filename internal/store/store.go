// Package store provides the keyed persistence contract the platform
// services share, with an in-memory implementation and a SQL-backed one.
package store

import (
	"strings"
	"sync"
)

// Store is a keyed collection of values of one entity type. Implementations
// must be safe for concurrent use. List returns values whose key starts
// with prefix (all values when prefix is empty) in stable creation order.
type Store[T any] interface {
	Put(key string, value T) error
	Get(key string) (T, bool, error)
	List(prefix string) ([]T, error)
	Delete(key string) (bool, error)
	Exists(key string) (bool, error)
}

// MemoryStore is a mutex-guarded map that preserves insertion order for
// List. It is the authoritative backend when no DATABASE_URL is configured.
type MemoryStore[T any] struct {
	mu    sync.RWMutex
	data  map[string]T
	order []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore[T any]() *MemoryStore[T] {
	return &MemoryStore[T]{data: make(map[string]T)}
}

// Put inserts or replaces the value under key. A replaced key keeps its
// original position in iteration order.
func (s *MemoryStore[T]) Put(key string, value T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		s.order = append(s.order, key)
	}
	s.data[key] = value
	return nil
}

// Get returns the value under key and whether it exists.
func (s *MemoryStore[T]) Get(key string) (T, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok, nil
}

// List returns values whose key starts with prefix, in insertion order.
func (s *MemoryStore[T]) List(prefix string) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.order))
	for _, k := range s.order {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			out = append(out, s.data[k])
		}
	}
	return out, nil
}

// Delete removes key and reports whether it was present.
func (s *MemoryStore[T]) Delete(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return false, nil
	}
	delete(s.data, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

// Exists reports whether key is present.
func (s *MemoryStore[T]) Exists(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok, nil
}

// Count returns the number of stored values.
func (s *MemoryStore[T]) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
