package reliability

import (
	"context"
	"sync"
	"time"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
)

// Mode is a degradation level. Lower values are better.
type Mode int

const (
	ModeFull Mode = iota
	ModePartial
	ModeMinimal
	ModeEmergency
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "FULL"
	case ModePartial:
		return "PARTIAL"
	case ModeMinimal:
		return "MINIMAL"
	default:
		return "EMERGENCY"
	}
}

// Healthy-fraction thresholds driving the mode machine.
const (
	fullThreshold    = 0.9
	partialThreshold = 0.7
	minimalThreshold = 0.4
)

// FallbackStrategy is what an operation does when its required mode is
// not met.
type FallbackStrategy string

const (
	FallbackCache   FallbackStrategy = "CACHE"
	FallbackDefault FallbackStrategy = "DEFAULT"
	FallbackStub    FallbackStrategy = "STUB"
	FallbackSkip    FallbackStrategy = "SKIP"
	FallbackFail    FallbackStrategy = "FAIL"
)

// Operation declares how one named operation behaves under degradation.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Operation struct {
	Name         string
	RequiredMode Mode
	Fallback     FallbackStrategy
	// Default is returned for DEFAULT fallbacks; Stub for STUB.
	Default any
	Stub    any
	// CacheTTL bounds staleness for CACHE fallbacks; zero disables
	// expiry.
	CacheTTL time.Duration
}

// ModeObserver is notified on mode transitions. Observers are passed
// explicitly; there is no process-wide bus.
type ModeObserver func(from, to Mode)

type cacheEntry struct {
	value    any
	storedAt time.Time
}

// Degrader runs the FULL→PARTIAL→MINIMAL→EMERGENCY mode machine driven
// by service health reports and executes operations with per-operation
// fallbacks.
type Degrader struct {
	mu        sync.Mutex
	services  map[string]bool
	mode      Mode
	ops       map[string]Operation
	cache     map[string]cacheEntry
	observers []ModeObserver
	now       func() time.Time
}

// NewDegrader creates a degrader in FULL mode with no services
// registered.
func NewDegrader() *Degrader {
	return &Degrader{
		services: make(map[string]bool),
		ops:      make(map[string]Operation),
		cache:    make(map[string]cacheEntry),
		now:      time.Now,
	}
}

// WithNowFunc overrides the time source for cache TTLs.
func (d *Degrader) WithNowFunc(now func() time.Time) *Degrader {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
	return d
}

// Observe registers a mode-transition observer.
func (d *Degrader) Observe(obs ModeObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, obs)
}

// RegisterOperation declares an operation's degradation behavior.
func (d *Degrader) RegisterOperation(op Operation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops[op.Name] = op
}

// ReportHealth records one service's health and recomputes the mode.
func (d *Degrader) ReportHealth(service string, healthy bool) {
	d.mu.Lock()
	d.services[service] = healthy
	from := d.mode
	to := d.computeMode()
	d.mode = to
	observers := d.observers
	d.mu.Unlock()

	if from != to {
		for _, obs := range observers {
			obs(from, to)
		}
	}
}

// Mode returns the current degradation mode.
func (d *Degrader) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// computeMode maps the healthy fraction onto a mode. No registered
// services means FULL.
func (d *Degrader) computeMode() Mode {
	if len(d.services) == 0 {
		return ModeFull
	}
	healthy := 0
	for _, ok := range d.services {
		if ok {
			healthy++
		}
	}
	frac := float64(healthy) / float64(len(d.services))
	switch {
	case frac >= fullThreshold:
		return ModeFull
	case frac >= partialThreshold:
		return ModePartial
	case frac >= minimalThreshold:
		return ModeMinimal
	default:
		return ModeEmergency
	}
}

// Primary is the normal execution path of an operation.
type Primary func(ctx context.Context) (any, error)

// Execute runs the named operation. When the current mode is worse than
// the operation's required mode, the primary path is denied and the
// configured fallback applies. Degraded results never reach the outbox;
// only primary successes are cached.
func (d *Degrader) Execute(ctx context.Context, name string, primary Primary) (any, bool, error) {
	d.mu.Lock()
	op, registered := d.ops[name]
	mode := d.mode
	d.mu.Unlock()

	if !registered {
		op = Operation{Name: name, RequiredMode: ModeEmergency, Fallback: FallbackFail}
	}

	if mode <= op.RequiredMode {
		value, err := primary(ctx)
		if err != nil {
			return nil, false, err
		}
		if op.Fallback == FallbackCache {
			d.mu.Lock()
			d.cache[name] = cacheEntry{value: value, storedAt: d.now()}
			d.mu.Unlock()
		}
		return value, false, nil
	}

	return d.fallback(op, mode)
}

// fallback resolves a denied operation. The bool result marks the value
// as degraded.
func (d *Degrader) fallback(op Operation, mode Mode) (any, bool, error) {
	switch op.Fallback {
	case FallbackCache:
		d.mu.Lock()
		entry, ok := d.cache[op.Name]
		now := d.now()
		d.mu.Unlock()
		if ok && (op.CacheTTL <= 0 || now.Sub(entry.storedAt) <= op.CacheTTL) {
			return entry.value, true, nil
		}
		return nil, false, contracts.Errorf(contracts.ErrDegraded,
			"operation %s unavailable in mode %s and cache is cold", op.Name, mode)
	case FallbackDefault:
		return op.Default, true, nil
	case FallbackStub:
		return op.Stub, true, nil
	case FallbackSkip:
		return nil, true, nil
	default:
		return nil, false, contracts.Errorf(contracts.ErrDegraded,
			"operation %s requires mode %s, current mode is %s", op.Name, op.RequiredMode, mode)
	}
}
