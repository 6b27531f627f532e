package guard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
	"github.com/Crosswind-Labs/keel/pkg/telemetry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testPrincipal(perms ...contracts.Permission) *contracts.Principal {
	return &contracts.Principal{
		ID:          "agent-1",
		Kind:        contracts.PrincipalAgent,
		Permissions: perms,
	}
}

func testAction(tier contracts.RiskTier) *contracts.Action {
	return &contracts.Action{
		ID:       "act-1",
		Name:     "update-record",
		RiskTier: tier,
	}
}

func newGuard(t *testing.T, opts ...Option) *Guard {
	t.Helper()
	g, err := New(opts...)
	require.NoError(t, err)
	return g
}

func TestEvaluateLowRiskAllowed(t *testing.T) {
	g := newGuard(t)

	d, err := g.Evaluate(context.Background(), testPrincipal(), testAction(contracts.RiskLow), "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.False(t, d.Monitor)
	assert.Equal(t, contracts.GateApproved, d.ToState)
}

func TestEvaluateMediumRiskMonitored(t *testing.T) {
	g := newGuard(t)

	d, err := g.Evaluate(context.Background(), testPrincipal(), testAction(contracts.RiskMedium), "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Monitor)
}

func TestEvaluateHighRiskParksForApproval(t *testing.T) {
	g := newGuard(t)

	d, err := g.Evaluate(context.Background(), testPrincipal(), testAction(contracts.RiskHigh), "")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, d.RequiresHumanApproval)
	assert.NotEmpty(t, d.ApprovalToken)
	assert.Equal(t, contracts.GatePendingHuman, d.ToState)
}

func TestApprovalTokenSingleUse(t *testing.T) {
	g := newGuard(t)
	action := testAction(contracts.RiskHigh)

	d, err := g.Evaluate(context.Background(), testPrincipal(), action, "")
	require.NoError(t, err)
	require.True(t, d.RequiresHumanApproval)

	assert.True(t, g.Approve(context.Background(), action.ID, d.ApprovalToken))
	assert.False(t, g.Approve(context.Background(), action.ID, d.ApprovalToken),
		"second redemption of the same token must fail")
}

func TestApproveRejectsForgedToken(t *testing.T) {
	g := newGuard(t)
	action := testAction(contracts.RiskHigh)

	_, err := g.Evaluate(context.Background(), testPrincipal(), action, "")
	require.NoError(t, err)

	other := newGuard(t)
	foreign, err := other.Evaluate(context.Background(), testPrincipal(), testAction(contracts.RiskHigh), "")
	require.NoError(t, err)

	assert.False(t, g.Approve(context.Background(), action.ID, foreign.ApprovalToken))
	assert.False(t, g.Approve(context.Background(), action.ID, "not-a-token"))
}

func TestApprovalTokenExpires(t *testing.T) {
	clock := newFakeClock()
	g := newGuard(t, WithClock(clock), WithTokenTTL(10*time.Minute))
	action := testAction(contracts.RiskCritical)

	d, err := g.Evaluate(context.Background(), testPrincipal(), action, "")
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	assert.False(t, g.Approve(context.Background(), action.ID, d.ApprovalToken))
}

func TestSweepExpiredDropsStaleApprovals(t *testing.T) {
	clock := newFakeClock()
	g := newGuard(t, WithClock(clock), WithTokenTTL(10*time.Minute))
	action := testAction(contracts.RiskHigh)

	_, err := g.Evaluate(context.Background(), testPrincipal(), action, "")
	require.NoError(t, err)

	assert.Empty(t, g.SweepExpired(context.Background()))
	clock.Advance(time.Hour)
	assert.Equal(t, []string{action.ID}, g.SweepExpired(context.Background()))
}

func TestCancelledApprovalCannotBeRedeemed(t *testing.T) {
	g := newGuard(t)
	action := testAction(contracts.RiskHigh)

	d, err := g.Evaluate(context.Background(), testPrincipal(), action, "")
	require.NoError(t, err)

	g.Cancel(action.ID)
	assert.False(t, g.Approve(context.Background(), action.ID, d.ApprovalToken))
}

func TestRejectDecidesPendingApproval(t *testing.T) {
	g := newGuard(t)
	action := testAction(contracts.RiskHigh)

	d, err := g.Evaluate(context.Background(), testPrincipal(), action, "")
	require.NoError(t, err)

	assert.True(t, g.Reject(context.Background(), action.ID))
	assert.False(t, g.Approve(context.Background(), action.ID, d.ApprovalToken))
	assert.False(t, g.Reject(context.Background(), action.ID), "reject is final")
}

func TestEvaluateToolNotAllowed(t *testing.T) {
	g := newGuard(t)
	action := testAction(contracts.RiskLow)
	action.AllowedTools = []string{"search", "summarize"}

	d, err := g.Evaluate(context.Background(), testPrincipal(), action, "delete_all")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonToolNotAllowed, d.Reason)
}

func TestEvaluateInsufficientPermissions(t *testing.T) {
	g := newGuard(t)
	action := testAction(contracts.RiskLow)
	action.RequiredPermissions = []contracts.Permission{
		{Verb: "write", Resource: "orders", DataZone: contracts.ZoneConfidential},
	}

	principal := testPrincipal(contracts.Permission{
		Verb: "write", Resource: "orders", DataZone: contracts.ZoneInternal,
	})
	d, err := g.Evaluate(context.Background(), principal, action, "")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonInsufficientPerms, d.Reason)

	principal = testPrincipal(contracts.Permission{
		Verb: "write", Resource: "orders", DataZone: contracts.ZoneRestricted,
	})
	d, err = g.Evaluate(context.Background(), principal, action, "")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "higher zone grant covers lower zone requirement")
}

func TestEvaluateInvalidRequest(t *testing.T) {
	g := newGuard(t)

	d, err := g.Evaluate(context.Background(), nil, testAction(contracts.RiskLow), "")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonInvalidRequest, d.Reason)

	d, err = g.Evaluate(context.Background(), testPrincipal(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidRequest, d.Reason)
}

func TestEvaluateUnknownTierTakesSafePath(t *testing.T) {
	g := newGuard(t)
	action := testAction(contracts.RiskTier("EXTREME"))

	d, err := g.Evaluate(context.Background(), testPrincipal(), action, "")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, d.RequiresHumanApproval)
	assert.Equal(t, ReasonUnknownRiskTier, d.Reason)
}

func TestEvaluateGuardCondition(t *testing.T) {
	g := newGuard(t)
	action := testAction(contracts.RiskLow)
	action.Metadata = map[string]any{
		ConditionKey: `input.tool == "search"`,
	}

	d, err := g.Evaluate(context.Background(), testPrincipal(), action, "search")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = g.Evaluate(context.Background(), testPrincipal(), action, "delete")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonConditionFailed, d.Reason)
}

func TestEvaluateGuardConditionFailsClosed(t *testing.T) {
	g := newGuard(t)
	action := testAction(contracts.RiskLow)
	action.Metadata = map[string]any{ConditionKey: `"not a bool"`}

	d, err := g.Evaluate(context.Background(), testPrincipal(), action, "")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestMCPCriticalWithoutCRVIsViolation(t *testing.T) {
	g := newGuard(t)
	action := testAction(contracts.RiskCritical)
	action.MCP = true

	d, err := g.Evaluate(context.Background(), testPrincipal(), action, "")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.False(t, d.RequiresHumanApproval)
	assert.Equal(t, ReasonPolicyViolation, d.Reason)
}

func TestMCPCriticalWithCRVParksForApproval(t *testing.T) {
	g := newGuard(t)
	action := testAction(contracts.RiskCritical)
	action.MCP = true
	action.RequiresCRV = true

	d, err := g.Evaluate(context.Background(), testPrincipal(), action, "")
	require.NoError(t, err)
	assert.True(t, d.RequiresHumanApproval)
}

func TestMCPMediumAllowsWithCRVFlag(t *testing.T) {
	g := newGuard(t)
	action := testAction(contracts.RiskMedium)
	action.MCP = true
	action.RequiresCRV = true

	d, err := g.Evaluate(context.Background(), testPrincipal(), action, "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Monitor)
	assert.True(t, d.CRVRequired)
}

func TestAuditRecordedBeforeDecisionReturns(t *testing.T) {
	g := newGuard(t)

	d, err := g.Evaluate(context.Background(), testPrincipal(), testAction(contracts.RiskLow), "")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	entries := g.Audit().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "allowed", entries[0].Decision)
	assert.Equal(t, uint64(1), entries[0].Seq)
}

func TestAuditChainVerifies(t *testing.T) {
	clock := newFakeClock()
	g := newGuard(t, WithClock(clock))

	for _, tier := range []contracts.RiskTier{contracts.RiskLow, contracts.RiskMedium, contracts.RiskHigh} {
		action := testAction(tier)
		action.ID = "act-" + string(tier)
		_, err := g.Evaluate(context.Background(), testPrincipal(), action, "")
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	entries := g.Audit().Entries()
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.NotEmpty(t, e.EntryHash)
	}
	assert.NoError(t, g.Audit().Verify())
}

func TestApprovalRoundTripAudited(t *testing.T) {
	g := newGuard(t)
	action := testAction(contracts.RiskHigh)

	d, err := g.Evaluate(context.Background(), testPrincipal(), action, "")
	require.NoError(t, err)
	require.True(t, g.Approve(context.Background(), action.ID, d.ApprovalToken))

	entries := g.Audit().Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "pending_human", entries[0].Decision)
	assert.Equal(t, "approved", entries[1].Decision)
	assert.Equal(t, contracts.GatePendingHuman, entries[1].FromState)
	assert.Equal(t, contracts.GateApproved, entries[1].ToState)
	assert.NoError(t, g.Audit().Verify())
}

func TestPolicyCheckEventEmitted(t *testing.T) {
	mem := telemetry.NewMemory()
	g := newGuard(t, WithCollector(mem))

	_, err := g.Evaluate(context.Background(), testPrincipal(), testAction(contracts.RiskLow), "")
	require.NoError(t, err)

	events := mem.EventsOfType(telemetry.EventPolicyCheck)
	require.Len(t, events, 1)
	assert.Equal(t, "act-1", events[0].Attributes["action_id"])
	assert.Equal(t, true, events[0].Attributes["allowed"])
}

func TestConcurrentEvaluationsSerialized(t *testing.T) {
	g := newGuard(t)

	var eg errgroup.Group
	for i := 0; i < 16; i++ {
		eg.Go(func() error {
			_, err := g.Evaluate(context.Background(), testPrincipal(), testAction(contracts.RiskLow), "")
			return err
		})
	}
	require.NoError(t, eg.Wait())

	entries := g.Audit().Entries()
	require.Len(t, entries, 16)
	assert.NoError(t, g.Audit().Verify(), "serialized appends keep the chain intact")
}
