// Package reliability provides the retry, error-classification, fault
// injection, and graceful-degradation machinery wrapped around tool
// execution. Nothing here is a process-wide singleton; each executor
// holds its own stack so tests and tenants stay isolated.
package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
)

// Policy parameterizes exponential backoff with jitter.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Policy struct {
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier   float64       `json:"multiplier" yaml:"multiplier"`
	JitterFactor float64       `json:"jitter_factor" yaml:"jitter_factor"`
	// Timeout bounds cumulative elapsed time across all attempts. Zero
	// means unbounded.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// StandardPolicy is the default retry posture.
func StandardPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		JitterFactor: 0.1,
	}
}

// BaseDelay computes the un-jittered delay for attempt n (1-indexed):
// min(initial * multiplier^(n-1), max_delay).
func (p Policy) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && base > max {
		base = max
	}
	return time.Duration(base)
}

// Delay applies jitter u ∈ [-1,1] to the base delay for attempt n:
// max(0, floor(base + u·jitter_factor·base)).
func (p Policy) Delay(attempt int, u float64) time.Duration {
	base := float64(p.BaseDelay(attempt))
	jitter := u * p.JitterFactor * base
	d := math.Floor(base + jitter)
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Rand supplies jitter; ordinary (non-cryptographic) randomness is fine.
type Rand interface {
	Float64() float64
}

// Sleeper abstracts backoff sleeps so tests observe delays without
// waiting them out.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retrier drives an operation through a retry policy, consulting the
// classifier to decide whether each failure is worth another attempt.
type Retrier struct {
	policy     Policy
	classifier *Classifier
	rng        Rand
	sleeper    Sleeper
	now        func() time.Time
	onRetry    func(attempt int, delay time.Duration, err error)
}

// RetryOption configures a Retrier.
type RetryOption func(*Retrier)

// WithRand overrides the jitter source.
func WithRand(r Rand) RetryOption {
	return func(rt *Retrier) { rt.rng = r }
}

// WithSleeper overrides the backoff sleeper.
func WithSleeper(s Sleeper) RetryOption {
	return func(rt *Retrier) { rt.sleeper = s }
}

// WithNow overrides the time source for the cumulative timeout.
func WithNow(now func() time.Time) RetryOption {
	return func(rt *Retrier) { rt.now = now }
}

// WithOnRetry observes each scheduled retry.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) RetryOption {
	return func(rt *Retrier) { rt.onRetry = fn }
}

// NewRetrier creates a retrier with the given policy and classifier. A
// nil classifier uses the default rules.
func NewRetrier(policy Policy, classifier *Classifier, opts ...RetryOption) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if classifier == nil {
		classifier = NewClassifier()
	}
	r := &Retrier{
		policy:     policy,
		classifier: classifier,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter needs no crypto strength
		sleeper:    realSleeper{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RetryOperation is one retryable unit of work.
type RetryOperation func(ctx context.Context) error

// Do runs op under the policy. It stops on success, on a non-retryable
// classification, when attempts are exhausted, or when cumulative
// elapsed time exceeds the policy timeout. Exhaustion wraps the last
// underlying error in RETRY_EXHAUSTED.
func (r *Retrier) Do(ctx context.Context, op RetryOperation) error {
	start := r.now()
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return contracts.Wrap(contracts.ErrCancelled, "retry cancelled", err)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		// The final attempt always reports exhaustion, even for a
		// permanent error; earlier attempts surface non-retryable
		// failures unchanged.
		if attempt == r.policy.MaxAttempts {
			break
		}
		class := r.classifier.Classify(lastErr, 0)
		if !class.Retryable() {
			return lastErr
		}
		if r.policy.Timeout > 0 && r.now().Sub(start) >= r.policy.Timeout {
			break
		}

		u := 2*r.rng.Float64() - 1
		delay := r.policy.Delay(attempt, u)
		if r.onRetry != nil {
			r.onRetry(attempt, delay, lastErr)
		}
		if err := r.sleeper.Sleep(ctx, delay); err != nil {
			return contracts.Wrap(contracts.ErrCancelled, "retry cancelled during backoff", err)
		}
	}

	return contracts.Wrap(contracts.ErrRetryExhausted, "retry budget exhausted", lastErr)
}
