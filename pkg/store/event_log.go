package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Crosswind-Labs/keel/pkg/canonicalize"
)

// EventEnvelope is one append-only log record. The cumulative hash chains
// records so tampering is evident.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type EventEnvelope struct {
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	SequenceNumber uint64         `json:"sequence_number"`
	CommittedAt    time.Time      `json:"committed_at,omitempty"`
	PayloadHash    string         `json:"payload_hash"`
	Payload        map[string]any `json:"payload,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
}

// EventLog is the append-only, monotonic log contract.
type EventLog interface {
	// Append adds an event and returns its committed sequence number.
	Append(ctx context.Context, event *EventEnvelope) (uint64, error)

	// Read returns events with sequence ≥ fromSeq in order.
	Read(ctx context.Context, fromSeq uint64) ([]*EventEnvelope, error)

	// LastSequence returns the highest committed sequence number.
	LastSequence() uint64

	// Hash returns the cumulative hash over all committed events.
	Hash() string
}

// MemoryEventLog is the reference EventLog.
type MemoryEventLog struct {
	mu             sync.RWMutex
	events         []*EventEnvelope
	sequenceNumber uint64
	cumulativeHash string
}

// NewMemoryEventLog creates an empty log.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{events: make([]*EventEnvelope, 0)}
}

// Append adds an event with canonical payload hashing.
func (l *MemoryEventLog) Append(ctx context.Context, event *EventEnvelope) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sequenceNumber++
	event.SequenceNumber = l.sequenceNumber
	event.CommittedAt = time.Now().UTC()

	payloadHash, err := canonicalize.CanonicalHash(event.Payload)
	if err != nil {
		return 0, fmt.Errorf("failed to compute payload hash: %w", err)
	}
	event.PayloadHash = payloadHash

	eventHash, err := canonicalize.CanonicalHash(map[string]any{
		"event_id":        event.EventID,
		"sequence_number": event.SequenceNumber,
		"payload_hash":    event.PayloadHash,
		"previous_hash":   l.cumulativeHash,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to compute event hash: %w", err)
	}
	l.cumulativeHash = eventHash

	l.events = append(l.events, event)
	return event.SequenceNumber, nil
}

// Read returns events from fromSeq onward.
func (l *MemoryEventLog) Read(ctx context.Context, fromSeq uint64) ([]*EventEnvelope, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if fromSeq == 0 {
		fromSeq = 1
	}
	if fromSeq > uint64(len(l.events)) {
		return []*EventEnvelope{}, nil
	}
	out := make([]*EventEnvelope, len(l.events)-int(fromSeq-1))
	copy(out, l.events[fromSeq-1:])
	return out, nil
}

// LastSequence returns the highest committed sequence number.
func (l *MemoryEventLog) LastSequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sequenceNumber
}

// Hash returns the cumulative hash of all committed events.
func (l *MemoryEventLog) Hash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cumulativeHash
}
