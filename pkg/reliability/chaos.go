package reliability

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
)

// FaultType enumerates injectable fault kinds.
type FaultType string

const (
	FaultLatency     FaultType = "LATENCY"
	FaultError       FaultType = "ERROR"
	FaultTimeout     FaultType = "TIMEOUT"
	FaultCrash       FaultType = "CRASH"
	FaultThrottle    FaultType = "THROTTLE"
	FaultPartial     FaultType = "PARTIAL"
	FaultUnavailable FaultType = "UNAVAILABLE"
)

// Fault configures one injection point.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Fault struct {
	Type        FaultType
	Probability float64
	// Latency applies to LATENCY faults.
	Latency time.Duration
	// Err overrides the injected error for ERROR faults.
	Err error
	// Throttle limits pass-through rate for THROTTLE faults.
	Throttle *rate.Limiter
}

// Injector registers named fault points for tests. Disabled by default;
// enabling is an explicit, injector-wide mutation.
type Injector struct {
	mu      sync.RWMutex
	enabled bool
	points  map[string]Fault
	rng     Rand
}

// NewInjector creates a disabled injector.
func NewInjector() *Injector {
	return &Injector{
		points: make(map[string]Fault),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // fault dice need no crypto strength
	}
}

// WithRng replaces the probability source, for deterministic tests.
func (i *Injector) WithRng(r Rand) *Injector {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.rng = r
	return i
}

// Enable turns fault injection on.
func (i *Injector) Enable() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.enabled = true
}

// Disable turns fault injection off.
func (i *Injector) Disable() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.enabled = false
}

// Register configures a fault at a named point, replacing any previous
// configuration for that point.
func (i *Injector) Register(point string, fault Fault) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.points[point] = fault
}

// Clear removes all registered points.
func (i *Injector) Clear() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.points = make(map[string]Fault)
}

// Inject fires the fault registered at point, subject to its
// probability. It returns nil when injection is disabled, the point is
// unknown, or the dice miss.
func (i *Injector) Inject(ctx context.Context, point string) error {
	i.mu.RLock()
	enabled := i.enabled
	fault, ok := i.points[point]
	rng := i.rng
	i.mu.RUnlock()

	if !enabled || !ok {
		return nil
	}
	if fault.Probability < 1 && rng.Float64() >= fault.Probability {
		return nil
	}

	switch fault.Type {
	case FaultLatency:
		t := time.NewTimer(fault.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return contracts.Wrap(contracts.ErrCancelled, "cancelled during injected latency", ctx.Err())
		case <-t.C:
			return nil
		}
	case FaultError:
		if fault.Err != nil {
			return fault.Err
		}
		return fmt.Errorf("injected error at %s", point)
	case FaultTimeout:
		return contracts.Errorf(contracts.ErrTimeout, "injected timeout at %s", point)
	case FaultCrash:
		return contracts.Errorf(contracts.ErrFatal, "injected crash at %s", point)
	case FaultThrottle:
		if fault.Throttle != nil && !fault.Throttle.Allow() {
			return fmt.Errorf("injected throttle at %s: too many requests", point)
		}
		return nil
	case FaultPartial:
		return fmt.Errorf("injected partial failure at %s", point)
	case FaultUnavailable:
		return fmt.Errorf("injected fault at %s: service unavailable", point)
	default:
		return fmt.Errorf("unknown fault type %s at %s", fault.Type, point)
	}
}
