package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
)

func TestInjectorDisabledByDefault(t *testing.T) {
	inj := NewInjector()
	inj.Register("db.write", Fault{Type: FaultError, Probability: 1})

	assert.NoError(t, inj.Inject(context.Background(), "db.write"))
}

func TestInjectorFiresWhenEnabled(t *testing.T) {
	inj := NewInjector()
	boom := errors.New("boom")
	inj.Register("db.write", Fault{Type: FaultError, Probability: 1, Err: boom})
	inj.Enable()

	assert.ErrorIs(t, inj.Inject(context.Background(), "db.write"), boom)

	inj.Disable()
	assert.NoError(t, inj.Inject(context.Background(), "db.write"))
}

func TestInjectorProbability(t *testing.T) {
	inj := NewInjector().WithRng(&fixedRand{values: []float64{0.9, 0.1}})
	inj.Register("p", Fault{Type: FaultError, Probability: 0.5})
	inj.Enable()

	assert.NoError(t, inj.Inject(context.Background(), "p"), "0.9 >= 0.5 misses")
	assert.Error(t, inj.Inject(context.Background(), "p"), "0.1 < 0.5 fires")
}

func TestInjectorUnknownPointIsNoop(t *testing.T) {
	inj := NewInjector()
	inj.Enable()
	assert.NoError(t, inj.Inject(context.Background(), "nowhere"))
}

func TestInjectorFaultKinds(t *testing.T) {
	inj := NewInjector()
	inj.Enable()

	inj.Register("t", Fault{Type: FaultTimeout, Probability: 1})
	err := inj.Inject(context.Background(), "t")
	assert.True(t, contracts.IsCode(err, contracts.ErrTimeout))

	inj.Register("c", Fault{Type: FaultCrash, Probability: 1})
	err = inj.Inject(context.Background(), "c")
	assert.True(t, contracts.IsCode(err, contracts.ErrFatal))

	inj.Register("u", Fault{Type: FaultUnavailable, Probability: 1})
	err = inj.Inject(context.Background(), "u")
	require.Error(t, err)
	got := NewClassifier().Classify(err, 0)
	assert.Equal(t, "service-unavailable", got.Rule, "injected faults classify like the real thing")
}

func TestInjectorLatency(t *testing.T) {
	inj := NewInjector()
	inj.Register("slow", Fault{Type: FaultLatency, Probability: 1, Latency: 10 * time.Millisecond})
	inj.Enable()

	start := time.Now()
	require.NoError(t, inj.Inject(context.Background(), "slow"))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestInjectorThrottle(t *testing.T) {
	inj := NewInjector()
	// One token, no refill within the test window.
	inj.Register("api", Fault{Type: FaultThrottle, Probability: 1, Throttle: rate.NewLimiter(rate.Every(time.Hour), 1)})
	inj.Enable()

	assert.NoError(t, inj.Inject(context.Background(), "api"), "first call passes the limiter")
	err := inj.Inject(context.Background(), "api")
	require.Error(t, err)
	got := NewClassifier().Classify(err, 0)
	assert.Equal(t, "rate-limit", got.Rule)
}

func TestInjectorClear(t *testing.T) {
	inj := NewInjector()
	inj.Register("x", Fault{Type: FaultError, Probability: 1})
	inj.Enable()
	inj.Clear()
	assert.NoError(t, inj.Inject(context.Background(), "x"))
}
