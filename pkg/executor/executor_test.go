package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
	"github.com/Crosswind-Labs/keel/pkg/crv"
	"github.com/Crosswind-Labs/keel/pkg/effort"
	"github.com/Crosswind-Labs/keel/pkg/guard"
	"github.com/Crosswind-Labs/keel/pkg/outbox"
	"github.com/Crosswind-Labs/keel/pkg/reliability"
	"github.com/Crosswind-Labs/keel/pkg/telemetry"
	"github.com/Crosswind-Labs/keel/pkg/tool"
)

type harness struct {
	gate     *guard.Guard
	registry *tool.MemoryRegistry
	mem      *telemetry.Memory
	exec     *Executor
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	gate, err := guard.New()
	require.NoError(t, err)

	registry := tool.NewRegistry()
	mem := telemetry.NewMemory()
	wrapper := tool.NewWrapper(registry,
		tool.WithOutbox(outbox.NewEngine(outbox.NewMemoryStore())),
		tool.WithCollector(mem),
	)

	opts = append([]Option{WithCollector(mem)}, opts...)
	return &harness{
		gate:     gate,
		registry: registry,
		mem:      mem,
		exec:     New(gate, wrapper, opts...),
	}
}

func readRequest(toolID string) *contracts.Request {
	return &contracts.Request{
		Principal: contracts.Principal{
			ID:   "alice",
			Kind: contracts.PrincipalHuman,
			Permissions: []contracts.Permission{
				{Verb: "read", Resource: "data", Intent: "read", DataZone: contracts.ZoneInternal},
				{Verb: "write", Resource: "data", DataZone: contracts.ZoneInternal},
			},
		},
		Action: contracts.Action{
			ID:       "read-report",
			Name:     "read-report",
			RiskTier: contracts.RiskLow,
			RequiredPermissions: []contracts.Permission{
				{Verb: "read", Resource: "data"},
			},
		},
		ToolID:     toolID,
		Params:     map[string]any{"report_id": "r42"},
		WorkflowID: "wf-1",
		TaskID:     "task-1",
		StepID:     "step-1",
	}
}

func TestLowRiskReadSucceedsEndToEnd(t *testing.T) {
	h := newHarness(t,
		WithPreGate(crv.NewGate(crv.Config{
			Validators:     []crv.Validator{crv.RequireFields("report_id")},
			BlockOnFailure: true,
		})),
		WithPostGate(crv.NewGate(crv.Config{
			Validators:     []crv.Validator{crv.RequireFields("title")},
			BlockOnFailure: true,
		})),
	)
	calls := 0
	require.NoError(t, h.registry.Register(contracts.ToolSpec{ID: "fetch-report", Name: "fetch-report"},
		func(ctx context.Context, params map[string]any) (any, error) {
			calls++
			return map[string]any{"title": "Q3"}, nil
		}))

	res := h.exec.Execute(context.Background(), readRequest("fetch-report"))

	require.True(t, res.Success, "error: %v", res.Error)
	assert.Equal(t, map[string]any{"title": "Q3"}, res.Data)
	assert.Equal(t, 1, calls)

	entries := h.gate.Audit().Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Allowed)

	assert.Len(t, h.mem.EventsOfType(telemetry.EventToolCall), 1)
	stepEnds := h.mem.EventsOfType(telemetry.EventStepEnd)
	require.Len(t, stepEnds, 1)
	assert.Equal(t, true, stepEnds[0].Attributes["success"])
	crvEvents := h.mem.EventsOfType(telemetry.EventCRVResult)
	assert.Len(t, crvEvents, 2, "pre and post gates both report")

	for _, e := range h.mem.Events() {
		assert.Equal(t, "wf-1/task-1/step-1", e.CorrelationID)
	}
}

func TestHighRiskWriteGatedThenApproved(t *testing.T) {
	h := newHarness(t)
	calls := 0
	require.NoError(t, h.registry.Register(contracts.ToolSpec{ID: "delete-record"},
		func(ctx context.Context, params map[string]any) (any, error) {
			calls++
			return "deleted", nil
		}))

	req := readRequest("delete-record")
	req.Action = contracts.Action{ID: "delete-record", Name: "delete-record", RiskTier: contracts.RiskHigh}

	res := h.exec.Execute(context.Background(), req)
	require.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, contracts.ErrApprovalRequired, res.Error.Code)
	token := res.Error.ApprovalToken
	require.NotEmpty(t, token)
	assert.Zero(t, calls, "tool not invoked on the gated call")

	assert.True(t, h.gate.Approve(context.Background(), "delete-record", token))
	assert.False(t, h.gate.Approve(context.Background(), "delete-record", token))

	entries := h.gate.Audit().Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "pending_human", entries[0].Decision)
	assert.Equal(t, "approved", entries[1].Decision)
}

func TestIdempotentRetryReplaysCommittedResult(t *testing.T) {
	h := newHarness(t)
	calls := 0
	require.NoError(t, h.registry.Register(
		contracts.ToolSpec{ID: "post-payment", HasSideEffects: true, Idempotency: contracts.IdemCacheReplay},
		func(ctx context.Context, params map[string]any) (any, error) {
			calls++
			return map[string]any{"id": "p1"}, nil
		}))

	req := readRequest("post-payment")
	req.Params = map[string]any{"amount": float64(100), "ref": "x"}

	first := h.exec.Execute(context.Background(), req)
	require.True(t, first.Success)
	assert.False(t, first.Replayed)

	// Same request after a simulated crash and restart: same task, step,
	// tool and params derive the same key.
	second := h.exec.Execute(context.Background(), req)
	require.True(t, second.Success)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, 1, calls, "executor closure not invoked on replay")
}

func TestCRVBlocksOnOutput(t *testing.T) {
	h := newHarness(t,
		WithPostGate(crv.NewGate(crv.Config{
			Validators:     []crv.Validator{crv.NumberMin("amount", 0)},
			BlockOnFailure: true,
			Recovery:       contracts.RecoverEscalate,
		})),
	)
	require.NoError(t, h.registry.Register(contracts.ToolSpec{ID: "quote"},
		func(ctx context.Context, params map[string]any) (any, error) {
			return map[string]any{"amount": float64(-5)}, nil
		}))

	res := h.exec.Execute(context.Background(), readRequest("quote"))

	require.False(t, res.Success)
	assert.Equal(t, contracts.ErrCRVBlocked, res.Error.Code)
	assert.NotEmpty(t, res.Error.Remediation)
	assert.Equal(t, map[string]any{"amount": float64(-5)}, res.Metadata["payload"],
		"offending payload preserved for diagnosis")

	crvRes, ok := res.Metadata["crv"].(*crv.Result)
	require.True(t, ok)
	assert.Equal(t, contracts.FailureConflict, crvRes.FailureCode)

	events := h.mem.EventsOfType(telemetry.EventCRVResult)
	require.Len(t, events, 1)
	assert.Equal(t, false, events[0].Attributes["passed"])
	assert.Equal(t, true, events[0].Attributes["blocked"])
}

// scriptedSleeper records backoff delays without sleeping.
type scriptedSleeper struct {
	delays []time.Duration
}

func (s *scriptedSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

type halfRand struct{}

func (halfRand) Float64() float64 { return 0.5 }

func TestTransientRetryWithBackoff(t *testing.T) {
	sleeper := &scriptedSleeper{}
	retrier := reliability.NewRetrier(reliability.StandardPolicy(), nil,
		reliability.WithSleeper(sleeper),
		reliability.WithRand(halfRand{}),
	)
	h := newHarness(t, WithRetrier(retrier))

	attempts := 0
	require.NoError(t, h.registry.Register(
		contracts.ToolSpec{ID: "flaky", HasSideEffects: true, Idempotency: contracts.IdemCacheReplay},
		func(ctx context.Context, params map[string]any) (any, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("ETIMEDOUT")
			}
			return "done", nil
		}))

	res := h.exec.Execute(context.Background(), readRequest("flaky"))

	require.True(t, res.Success, "error: %v", res.Error)
	assert.Equal(t, 3, attempts)
	require.Len(t, sleeper.delays, 2)
	assert.InDelta(t, float64(100*time.Millisecond), float64(sleeper.delays[0]), float64(10*time.Millisecond))
	assert.InDelta(t, float64(200*time.Millisecond), float64(sleeper.delays[1]), float64(20*time.Millisecond))
}

func TestEffortRejectShortCircuits(t *testing.T) {
	// A reject threshold above any achievable score forces reject.
	evaluator := effort.NewEvaluator(effort.WithThresholds(1.1, 1.05))
	h := newHarness(t, WithEffort(evaluator))

	calls := 0
	require.NoError(t, h.registry.Register(contracts.ToolSpec{ID: "anything"},
		func(ctx context.Context, params map[string]any) (any, error) {
			calls++
			return nil, nil
		}))

	res := h.exec.Execute(context.Background(), readRequest("anything"))

	require.False(t, res.Success)
	assert.Zero(t, calls)
	assert.Zero(t, len(h.gate.Audit().Entries()), "policy gate never consulted")
	_, ok := res.Metadata["effort"].(*effort.Report)
	assert.True(t, ok, "effort report attached")
}

func TestDegradedModeDeniesPrimaryPath(t *testing.T) {
	degrader := reliability.NewDegrader()
	degrader.RegisterOperation(reliability.Operation{
		Name:         "report-tool",
		RequiredMode: reliability.ModeFull,
		Fallback:     reliability.FallbackFail,
	})
	degrader.ReportHealth("db", false) // EMERGENCY

	h := newHarness(t, WithDegrader(degrader))
	calls := 0
	require.NoError(t, h.registry.Register(contracts.ToolSpec{ID: "report-tool"},
		func(ctx context.Context, params map[string]any) (any, error) {
			calls++
			return "live", nil
		}))

	res := h.exec.Execute(context.Background(), readRequest("report-tool"))

	require.False(t, res.Success)
	assert.Equal(t, contracts.ErrDegraded, res.Error.Code)
	assert.Zero(t, calls, "primary path denied below required mode")
}

func TestDegradedFallbackBypassesOutbox(t *testing.T) {
	degrader := reliability.NewDegrader()
	degrader.RegisterOperation(reliability.Operation{
		Name:         "lookup",
		RequiredMode: reliability.ModeFull,
		Fallback:     reliability.FallbackDefault,
		Default:      map[string]any{"stale": true},
	})
	degrader.ReportHealth("db", false)

	h := newHarness(t, WithDegrader(degrader))
	require.NoError(t, h.registry.Register(
		contracts.ToolSpec{ID: "lookup", HasSideEffects: true, Idempotency: contracts.IdemCacheReplay},
		func(ctx context.Context, params map[string]any) (any, error) {
			return "live", nil
		}))

	res := h.exec.Execute(context.Background(), readRequest("lookup"))

	require.True(t, res.Success)
	assert.Equal(t, map[string]any{"stale": true}, res.Data)
	assert.Equal(t, true, res.Metadata["degraded"])
	assert.False(t, res.Replayed, "fallback results never populate the outbox")
}

func TestPolicyDenialReturnsBeforeTool(t *testing.T) {
	h := newHarness(t)
	calls := 0
	require.NoError(t, h.registry.Register(contracts.ToolSpec{ID: "restricted"},
		func(ctx context.Context, params map[string]any) (any, error) {
			calls++
			return nil, nil
		}))

	req := readRequest("restricted")
	req.Action.AllowedTools = []string{"other-tool"}

	res := h.exec.Execute(context.Background(), req)

	require.False(t, res.Success)
	assert.Equal(t, contracts.ErrPolicyDenied, res.Error.Code)
	assert.Equal(t, guard.ReasonToolNotAllowed, res.Error.Message)
	assert.Zero(t, calls)
}
