package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
)

// fixedRand yields a scripted sequence of values in [0,1).
type fixedRand struct {
	values []float64
	i      int
}

func (f *fixedRand) Float64() float64 {
	v := f.values[f.i%len(f.values)]
	f.i++
	return v
}

// recordingSleeper captures delays instead of sleeping.
type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func TestDelayFormula(t *testing.T) {
	p := Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		JitterFactor: 0.1,
	}

	assert.Equal(t, 100*time.Millisecond, p.BaseDelay(1))
	assert.Equal(t, 200*time.Millisecond, p.BaseDelay(2))
	assert.Equal(t, 400*time.Millisecond, p.BaseDelay(3))

	// u = 0 leaves the base unchanged.
	assert.Equal(t, 100*time.Millisecond, p.Delay(1, 0))
	// u = 1 adds the full jitter band; u = -1 subtracts it.
	assert.Equal(t, 110*time.Millisecond, p.Delay(1, 1))
	assert.Equal(t, 90*time.Millisecond, p.Delay(1, -1))
}

func TestDelayBoundsHoldAcrossAttempts(t *testing.T) {
	p := Policy{
		MaxAttempts:  10,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		JitterFactor: 0.25,
	}
	for n := 1; n <= 10; n++ {
		base := p.BaseDelay(n)
		assert.LessOrEqual(t, base, p.MaxDelay)
		for _, u := range []float64{-1, -0.5, 0, 0.5, 1} {
			d := p.Delay(n, u)
			low := time.Duration(float64(base) * (1 - p.JitterFactor))
			high := time.Duration(float64(base) * (1 + p.JitterFactor))
			assert.GreaterOrEqual(t, d, low-time.Nanosecond)
			assert.LessOrEqual(t, d, high)
		}
	}
}

func TestDelayNeverNegative(t *testing.T) {
	p := Policy{InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 1, JitterFactor: 1}
	assert.Equal(t, time.Duration(0), p.Delay(1, -1))
}

func TestRetrySucceedsOnThirdAttempt(t *testing.T) {
	sleeper := &recordingSleeper{}
	// rng values 0.5 → u = 0 → exact base delays.
	r := NewRetrier(StandardPolicy(), nil,
		WithRand(&fixedRand{values: []float64{0.5}}),
		WithSleeper(sleeper),
	)

	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("ETIMEDOUT")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	require.Len(t, sleeper.delays, 2)
	assert.Equal(t, 100*time.Millisecond, sleeper.delays[0])
	assert.Equal(t, 200*time.Millisecond, sleeper.delays[1])
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	r := NewRetrier(StandardPolicy(), nil, WithSleeper(&recordingSleeper{}))

	attempts := 0
	permanent := contracts.NewError(contracts.ErrSchemaInvalid, "bad input")
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return permanent
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "validation errors are never retried")
	assert.True(t, contracts.IsCode(err, contracts.ErrSchemaInvalid))
}

func TestRetryExhaustionWrapsLastError(t *testing.T) {
	r := NewRetrier(StandardPolicy(), nil,
		WithRand(&fixedRand{values: []float64{0.5}}),
		WithSleeper(&recordingSleeper{}),
	)

	underlying := errors.New("connection reset by peer")
	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return underlying
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, contracts.IsCode(err, contracts.ErrRetryExhausted))
	assert.ErrorIs(t, err, underlying)
}

func TestSingleAttemptPermanentFailureReportsExhaustion(t *testing.T) {
	policy := StandardPolicy()
	policy.MaxAttempts = 1
	r := NewRetrier(policy, nil, WithSleeper(&recordingSleeper{}))

	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return contracts.NewError(contracts.ErrPolicyDenied, "no")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, contracts.IsCode(err, contracts.ErrRetryExhausted))
}

func TestRetryHonorsCumulativeTimeout(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	policy := StandardPolicy()
	policy.MaxAttempts = 10
	policy.Timeout = time.Second

	calls := 0
	r := NewRetrier(policy, nil,
		WithSleeper(&recordingSleeper{}),
		WithRand(&fixedRand{values: []float64{0.5}}),
		WithNow(func() time.Time {
			calls++
			// Each observation advances the clock well past the budget.
			return now.Add(time.Duration(calls) * time.Second)
		}),
	)

	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("timeout")
	})
	require.Error(t, err)
	assert.True(t, contracts.IsCode(err, contracts.ErrRetryExhausted))
	assert.Equal(t, 1, attempts, "budget exceeded before the second attempt")
}

func TestRetryCancellationWakesBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetrier(StandardPolicy(), nil, WithRand(&fixedRand{values: []float64{0.5}}))

	attempts := 0
	err := r.Do(ctx, func(ctx context.Context) error {
		attempts++
		cancel()
		return errors.New("timeout")
	})
	require.Error(t, err)
	assert.True(t, contracts.IsCode(err, contracts.ErrCancelled))
	assert.Equal(t, 1, attempts)
}

func TestDeterministicJitterIsStable(t *testing.T) {
	a := DeterministicJitter("wf/t/s", "key-1", 2)
	b := DeterministicJitter("wf/t/s", "key-1", 2)
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, -1.0)
	assert.LessOrEqual(t, a, 1.0)

	other := DeterministicJitter("wf/t/s", "key-2", 2)
	assert.NotEqual(t, a, other)
}

func TestBuildPlanIsDeterministic(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	policy := StandardPolicy()

	p1 := BuildPlan(policy, "wf/t/s", "key-1", now)
	p2 := BuildPlan(policy, "wf/t/s", "key-1", now)
	require.Equal(t, p1, p2)

	require.Len(t, p1.Steps, 3)
	assert.Equal(t, time.Duration(0), p1.Steps[0].Delay, "first attempt runs immediately")
	for i, step := range p1.Steps {
		assert.Equal(t, i+1, step.Attempt)
		if i > 0 {
			base := policy.BaseDelay(i)
			low := time.Duration(float64(base) * (1 - policy.JitterFactor))
			high := time.Duration(float64(base) * (1 + policy.JitterFactor))
			assert.GreaterOrEqual(t, step.Delay, low-time.Nanosecond)
			assert.LessOrEqual(t, step.Delay, high)
		}
	}
}
