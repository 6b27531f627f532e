package reliability

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// DeterministicJitter maps a seed onto [-1,1] via SHA-256, so replayed
// executions reproduce the same backoff schedule. The seed binds the
// correlation id, the idempotency key, and the attempt index.
func DeterministicJitter(correlationID, key string, attempt int) float64 {
	seed := fmt.Sprintf("%s:%s:%d", correlationID, key, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	// Scale the top 53 bits onto [0,1), then shift onto [-1,1].
	unit := float64(basis>>11) / float64(1<<53)
	return 2*unit - 1
}

// deterministicRand adapts DeterministicJitter to the Rand interface
// consumed by the retrier; each call advances the attempt counter.
type deterministicRand struct {
	correlationID string
	key           string
	attempt       int
}

// NewDeterministicRand creates a replayable jitter source for one
// (correlation id, idempotency key) pair.
func NewDeterministicRand(correlationID, key string) Rand {
	return &deterministicRand{correlationID: correlationID, key: key}
}

func (d *deterministicRand) Float64() float64 {
	d.attempt++
	return (DeterministicJitter(d.correlationID, d.key, d.attempt) + 1) / 2
}

// PlanStep is one scheduled attempt in a precomputed retry plan.
type PlanStep struct {
	Attempt     int           `json:"attempt"`
	Delay       time.Duration `json:"delay"`
	ScheduledAt time.Time     `json:"scheduled_at"`
}

// Plan is the materialized schedule for all attempts of one key.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Plan struct {
	CorrelationID string     `json:"correlation_id"`
	Key           string     `json:"key"`
	Steps         []PlanStep `json:"steps"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
}

// BuildPlan precomputes every attempt's delay with deterministic jitter.
// Identical inputs yield identical plans, so a restarted worker resumes
// the same schedule instead of inventing a new one.
func BuildPlan(policy Policy, correlationID, key string, now time.Time) *Plan {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	steps := make([]PlanStep, policy.MaxAttempts)
	scheduled := now
	for i := 0; i < policy.MaxAttempts; i++ {
		var delay time.Duration
		if i > 0 {
			u := DeterministicJitter(correlationID, key, i)
			delay = policy.Delay(i, u)
		}
		scheduled = scheduled.Add(delay)
		steps[i] = PlanStep{Attempt: i + 1, Delay: delay, ScheduledAt: scheduled}
	}
	return &Plan{
		CorrelationID: correlationID,
		Key:           key,
		Steps:         steps,
		CreatedAt:     now,
		ExpiresAt:     scheduled.Add(time.Hour),
	}
}
