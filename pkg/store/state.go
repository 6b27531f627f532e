// Package store provides the durable collaborators consumed by the
// execution plane: a key-value StateStore with compare-and-set, an
// append-only EventLog with cumulative hashing, and SQL/Redis-backed
// outbox and audit stores.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// StateStore is the durable key-value contract. CAS must be
// linearizable; the outbox and the policy gate rely on it for
// serialization.
type StateStore interface {
	// Get returns the value for key, or nil when absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key unconditionally.
	Put(ctx context.Context, key string, value []byte) error

	// CAS stores value under key iff the current value equals expected.
	// A nil expected means "key must be absent". Returns whether the
	// swap happened.
	CAS(ctx context.Context, key string, expected, value []byte) (bool, error)

	// List returns all keys with the given prefix, sorted ascending.
	List(ctx context.Context, prefix string) ([]string, error)
}

// MemoryStateStore is the in-process reference StateStore.
type MemoryStateStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStateStore creates an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{values: make(map[string][]byte)}
}

func (s *MemoryStateStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemoryStateStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStateStore) CAS(ctx context.Context, key string, expected, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.values[key]
	if expected == nil {
		if ok {
			return false, nil
		}
	} else {
		if !ok || string(current) != string(expected) {
			return false, nil
		}
	}
	s.values[key] = append([]byte(nil), value...)
	return true, nil
}

func (s *MemoryStateStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
