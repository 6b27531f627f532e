package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
)

// ExecutorFunc performs the actual side effect. It runs at most once per
// committed key.
type ExecutorFunc func(ctx context.Context, params map[string]any) (any, error)

// Clock supplies timestamps; injectable for deterministic tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Engine drives the outbox entry lifecycle around an executor function.
// The store commits every state transition before Execute returns, so a
// crash mid-call cannot yield a second side effect on recovery.
type Engine struct {
	store Store
	clock Clock
	// waitPoll is the interval used when awaiting another worker's
	// IN_FLIGHT entry.
	waitPoll time.Duration
	// waitBudget bounds how long Execute waits on a concurrent holder
	// before surfacing OUTBOX_BUSY.
	waitBudget time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock for deterministic testing.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithWait tunes the wait-and-replay behavior on concurrent keys.
func WithWait(poll, budget time.Duration) Option {
	return func(e *Engine) {
		e.waitPoll = poll
		e.waitBudget = budget
	}
}

// NewEngine creates an outbox engine over the given store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		clock:      wallClock{},
		waitPoll:   25 * time.Millisecond,
		waitBudget: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execution is the outcome of one Execute call.
type Execution struct {
	Result   json.RawMessage
	Replayed bool
	Attempts int
}

// Execute runs fn under the entry for key with exactly-once observable
// effect: if any prior call with key reached COMMITTED, the stored result
// is returned verbatim and fn is not invoked.
func (e *Engine) Execute(ctx context.Context, key string, params map[string]any, fn ExecutorFunc, maxAttempts int) (*Execution, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	// Replay check before touching the entry.
	entry, err := e.store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("outbox lookup for %s: %w", key, err)
	}
	if entry != nil {
		switch entry.State {
		case contracts.OutboxCommitted:
			return &Execution{Result: entry.Result, Replayed: true, Attempts: entry.Attempts}, nil
		case contracts.OutboxFailed:
			if entry.Attempts >= maxAttempts {
				return nil, contracts.Errorf(contracts.ErrRetryExhausted,
					"outbox entry %s failed after %d attempts: %s", key, entry.Attempts, entry.LastError)
			}
		}
	}

	entry, err = e.acquire(ctx, key)
	if err != nil {
		var rs replaySignal
		if errors.As(err, &rs) {
			return &Execution{Result: rs.entry.Result, Replayed: true, Attempts: rs.entry.Attempts}, nil
		}
		return nil, err
	}

	result, execErr := fn(ctx, params)
	now := e.clock.Now()

	if execErr != nil {
		// The entry must be finalized before unwinding, including on
		// cancellation.
		switch {
		case ctx.Err() != nil:
			if ferr := e.store.Fail(ctx2(ctx), key, execErr.Error(), now); ferr != nil {
				return nil, fmt.Errorf("outbox finalize after cancel: %w", ferr)
			}
			return nil, contracts.Wrap(contracts.ErrCancelled, "execution cancelled", execErr)
		case entry.Attempts >= maxAttempts:
			if ferr := e.store.Fail(ctx, key, execErr.Error(), now); ferr != nil {
				return nil, fmt.Errorf("outbox finalize: %w", ferr)
			}
			return nil, execErr
		default:
			if rerr := e.store.Release(ctx, key, execErr.Error(), now); rerr != nil {
				return nil, fmt.Errorf("outbox release: %w", rerr)
			}
			return nil, execErr
		}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		merr := fmt.Errorf("result not serializable: %w", err)
		_ = e.store.Fail(ctx, key, merr.Error(), now)
		return nil, merr
	}
	if err := e.store.Commit(ctx, key, payload, now); err != nil {
		return nil, fmt.Errorf("outbox commit for %s: %w", key, err)
	}

	return &Execution{Result: payload, Replayed: false, Attempts: entry.Attempts}, nil
}

// acquire attempts the CAS to IN_FLIGHT, waiting out a concurrent holder
// within the wait budget; a committed concurrent result is replayed by
// the caller's next Get.
func (e *Engine) acquire(ctx context.Context, key string) (*contracts.OutboxEntry, error) {
	deadline := e.clock.Now().Add(e.waitBudget)
	for {
		entry, err := e.store.Acquire(ctx, key, e.clock.Now())
		if err == nil {
			return entry, nil
		}
		if errors.Is(err, ErrConflict) {
			// Key committed between lookup and acquire; replay.
			committed, gerr := e.store.Get(ctx, key)
			if gerr != nil {
				return nil, gerr
			}
			if committed.State == contracts.OutboxCommitted {
				return nil, replaySignal{entry: committed}
			}
			return nil, err
		}
		if !errors.Is(err, ErrBusy) {
			return nil, err
		}
		if e.clock.Now().After(deadline) {
			return nil, contracts.Errorf(contracts.ErrOutboxBusy,
				"concurrent execution in flight for key %s", key)
		}
		select {
		case <-ctx.Done():
			return nil, contracts.Wrap(contracts.ErrCancelled, "cancelled awaiting outbox entry", ctx.Err())
		case <-time.After(e.waitPoll):
		}
	}
}

// replaySignal is an internal error carrying a committed entry observed
// during acquire.
type replaySignal struct {
	entry *contracts.OutboxEntry
}

func (replaySignal) Error() string { return "outbox: committed during acquire" }

// ctx2 returns a context usable for finalization even when ctx is
// already cancelled.
func ctx2(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
