// Package outbox enforces exactly-once observable effect per idempotency
// key. Every side-effecting tool call is wrapped in a durable entry whose
// state transitions are linearized by compare-and-set against storage.
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
)

var (
	// ErrNotFound means no entry exists for the key.
	ErrNotFound = errors.New("outbox: entry not found")
	// ErrBusy means another worker holds IN_FLIGHT for the key.
	ErrBusy = errors.New("outbox: entry in flight")
	// ErrConflict means a state transition lost a compare-and-set race.
	ErrConflict = errors.New("outbox: transition conflict")
)

// Store persists outbox entries. Acquire must be a linearizable
// compare-and-set: of two concurrent callers with the same key, exactly
// one reaches IN_FLIGHT and the other observes ErrBusy.
type Store interface {
	// Get returns the entry for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*contracts.OutboxEntry, error)

	// Acquire atomically creates the entry (state PENDING) if absent and
	// transitions it to IN_FLIGHT with attempts incremented. Returns
	// ErrBusy when another worker already holds IN_FLIGHT.
	Acquire(ctx context.Context, key string, now time.Time) (*contracts.OutboxEntry, error)

	// Commit transitions IN_FLIGHT → COMMITTED storing the result.
	Commit(ctx context.Context, key string, result []byte, now time.Time) error

	// Fail transitions IN_FLIGHT → FAILED storing the last error.
	Fail(ctx context.Context, key string, lastError string, now time.Time) error

	// Release transitions IN_FLIGHT → PENDING so the reliability layer
	// can retry, storing the last error.
	Release(ctx context.Context, key string, lastError string, now time.Time) error
}

// MemoryStore is the in-process reference Store used by tests and
// single-node deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*contracts.OutboxEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*contracts.OutboxEntry)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*contracts.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *e
	return &clone, nil
}

func (s *MemoryStore) Acquire(ctx context.Context, key string, now time.Time) (*contracts.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &contracts.OutboxEntry{
			Key:       key,
			State:     contracts.OutboxPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.entries[key] = e
	}

	switch e.State {
	case contracts.OutboxInFlight:
		return nil, ErrBusy
	case contracts.OutboxCommitted:
		return nil, ErrConflict
	}

	e.State = contracts.OutboxInFlight
	e.Attempts++
	e.UpdatedAt = now
	clone := *e
	return &clone, nil
}

func (s *MemoryStore) Commit(ctx context.Context, key string, result []byte, now time.Time) error {
	return s.transition(key, contracts.OutboxCommitted, result, "", now)
}

func (s *MemoryStore) Fail(ctx context.Context, key string, lastError string, now time.Time) error {
	return s.transition(key, contracts.OutboxFailed, nil, lastError, now)
}

func (s *MemoryStore) Release(ctx context.Context, key string, lastError string, now time.Time) error {
	return s.transition(key, contracts.OutboxPending, nil, lastError, now)
}

func (s *MemoryStore) transition(key string, to contracts.OutboxState, result []byte, lastError string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return ErrNotFound
	}
	if e.State != contracts.OutboxInFlight {
		return ErrConflict
	}
	e.State = to
	if result != nil {
		e.Result = result
	}
	if lastError != "" {
		e.LastError = lastError
	}
	e.UpdatedAt = now
	return nil
}

// GC removes entries whose UpdatedAt is older than the retention window.
// COMMITTED entries inside the window are kept so replay stays possible.
func (s *MemoryStore) GC(retention time.Duration, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if e.State == contracts.OutboxInFlight {
			continue
		}
		if now.Sub(e.UpdatedAt) > retention {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}
