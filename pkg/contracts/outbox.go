package contracts

import "time"

// OutboxState is the lifecycle state of an outbox entry. Transitions form
// a DAG: PENDING → IN_FLIGHT → {COMMITTED, FAILED}, with IN_FLIGHT →
// PENDING permitted for retry. COMMITTED is terminal.
type OutboxState string

const (
	OutboxPending   OutboxState = "PENDING"
	OutboxInFlight  OutboxState = "IN_FLIGHT"
	OutboxCommitted OutboxState = "COMMITTED"
	OutboxFailed    OutboxState = "FAILED"
)

// OutboxEntry is the durable record enforcing at-most-once observable
// effect per idempotency key. At most one entry exists per key; a
// COMMITTED entry's result is replayed verbatim on every later call with
// the same key.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type OutboxEntry struct {
	Key       string      `json:"key"`
	State     OutboxState `json:"state"`
	Attempts  int         `json:"attempts"`
	Result    []byte      `json:"result,omitempty"`
	LastError string      `json:"last_error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// CanTransition reports whether the entry state machine permits
// from → to.
func CanTransition(from, to OutboxState) bool {
	switch from {
	case OutboxPending:
		return to == OutboxInFlight
	case OutboxInFlight:
		return to == OutboxCommitted || to == OutboxFailed || to == OutboxPending
	case OutboxFailed:
		return to == OutboxInFlight
	case OutboxCommitted:
		return false
	}
	return false
}
