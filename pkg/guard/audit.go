package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Crosswind-Labs/keel/pkg/canonicalize"
	"github.com/Crosswind-Labs/keel/pkg/contracts"
)

// AuditSink receives audit entries for durable persistence beyond the
// in-memory chain.
type AuditSink interface {
	Append(ctx context.Context, fsmID string, entry contracts.AuditEntry) error
}

// AuditLog is the append-only, hash-chained log owned by one FSM
// instance. Entries are totally ordered by insertion and never deleted.
type AuditLog struct {
	mu      sync.Mutex
	fsmID   string
	entries []contracts.AuditEntry
	seq     uint64
	last    string
	sink    AuditSink
}

// NewAuditLog creates an empty log for the given FSM.
func NewAuditLog(fsmID string) *AuditLog {
	return &AuditLog{fsmID: fsmID}
}

// WithSink attaches a durable sink; append failures there are hard
// errors, matching the fail-closed posture of the gate.
func (l *AuditLog) WithSink(sink AuditSink) *AuditLog {
	l.sink = sink
	return l
}

// Append chains and stores an entry. The caller supplies everything but
// Seq, PrevHash and EntryHash.
func (l *AuditLog) Append(ctx context.Context, entry contracts.AuditEntry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	entry.Seq = l.seq
	entry.PrevHash = l.last

	hash, err := canonicalize.CanonicalHash(map[string]any{
		"seq":       entry.Seq,
		"timestamp": entry.Timestamp.UnixNano(),
		"principal": entry.PrincipalID,
		"action":    entry.ActionID,
		"decision":  entry.Decision,
		"from":      string(entry.FromState),
		"to":        string(entry.ToState),
		"prev":      entry.PrevHash,
	})
	if err != nil {
		return 0, fmt.Errorf("audit hash: %w", err)
	}
	entry.EntryHash = hash
	l.last = hash

	l.entries = append(l.entries, entry)

	if l.sink != nil {
		if err := l.sink.Append(ctx, l.fsmID, entry); err != nil {
			return 0, fmt.Errorf("audit persistence for %s/%d: %w", l.fsmID, entry.Seq, err)
		}
	}
	return entry.Seq, nil
}

// Entries returns a snapshot of the log in insertion order.
func (l *AuditLog) Entries() []contracts.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]contracts.AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Verify recomputes the hash chain and reports the first divergence.
func (l *AuditLog) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := ""
	var lastTS time.Time
	for i, e := range l.entries {
		if e.PrevHash != prev {
			return fmt.Errorf("audit chain broken at seq %d", e.Seq)
		}
		if i > 0 && e.Timestamp.Before(lastTS) {
			return fmt.Errorf("audit timestamps regress at seq %d", e.Seq)
		}
		prev = e.EntryHash
		lastTS = e.Timestamp
	}
	return nil
}
