// Package guard implements the Goal-Guard policy FSM: the sole binding
// authority over proposed actions. It checks principal permissions,
// intent, data zones and tool allow-lists, gates by risk tier, issues
// single-use approval tokens for HIGH and CRITICAL actions, and keeps an
// append-only audit trail of every decision.
package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
	"github.com/Crosswind-Labs/keel/pkg/telemetry"
)

// Denial reason codes surfaced in decisions and audit entries.
const (
	ReasonInvalidRequest    = "INVALID_REQUEST"
	ReasonToolNotAllowed    = "TOOL_NOT_ALLOWED"
	ReasonInsufficientPerms = "INSUFFICIENT_PERMISSIONS"
	ReasonPolicyViolation   = "POLICY_VIOLATION"
	ReasonConditionFailed   = "CONDITION_FAILED"
	ReasonUnknownRiskTier   = "UNKNOWN_RISK_TIER"
	ReasonApprovalRequired  = "APPROVAL_REQUIRED"
	ReasonApprovalCancelled = "APPROVAL_CANCELLED"
)

// ConditionKey is the action metadata key holding an optional CEL guard
// condition.
const ConditionKey = "guard_condition"

// Decision is the outcome of one Evaluate call.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Decision struct {
	Allowed               bool                `json:"allowed"`
	RequiresHumanApproval bool                `json:"requires_human_approval"`
	ApprovalToken         string              `json:"approval_token,omitempty"`
	Reason                string              `json:"reason,omitempty"`
	Monitor               bool                `json:"monitor,omitempty"`
	CRVRequired           bool                `json:"crv_required,omitempty"`
	FromState             contracts.GateState `json:"from_state"`
	ToState               contracts.GateState `json:"to_state"`
}

// Clock provides authority time for the gate; injectable for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

type pendingApproval struct {
	token     *contracts.ApprovalToken
	principal contracts.Principal
	action    contracts.Action
	cancelled bool
}

// Guard is one Goal-Guard FSM instance. Evaluate and Approve are
// serialized: a caller holding EVALUATING completes before another may
// enter. The gate exclusively owns its audit log, pending-approval
// table, and used-token set.
type Guard struct {
	mu         sync.Mutex
	id         string
	state      contracts.GateState
	issuer     *TokenIssuer
	audit      *AuditLog
	conditions *ConditionEngine
	clock      Clock
	collector  telemetry.Collector
	pending    map[string]*pendingApproval
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the clock for deterministic testing.
func WithClock(c Clock) Option {
	return func(g *Guard) { g.clock = c }
}

// WithCollector attaches a telemetry sink.
func WithCollector(c telemetry.Collector) Option {
	return func(g *Guard) { g.collector = c }
}

// WithAuditSink attaches durable audit persistence.
func WithAuditSink(sink AuditSink) Option {
	return func(g *Guard) { g.audit.WithSink(sink) }
}

// WithTokenTTL overrides the approval-token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		issuer, err := NewTokenIssuer(ttl)
		if err == nil {
			g.issuer = issuer
		}
	}
}

// New creates a Goal-Guard FSM.
func New(opts ...Option) (*Guard, error) {
	issuer, err := NewTokenIssuer(DefaultTokenTTL)
	if err != nil {
		return nil, err
	}
	conditions, err := NewConditionEngine()
	if err != nil {
		return nil, err
	}
	id := "guard-" + uuid.New().String()
	g := &Guard{
		id:         id,
		state:      contracts.GateIdle,
		issuer:     issuer,
		audit:      NewAuditLog(id),
		conditions: conditions,
		clock:      wallClock{},
		collector:  telemetry.Nop{},
		pending:    make(map[string]*pendingApproval),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// ID returns the FSM instance id.
func (g *Guard) ID() string { return g.id }

// Audit returns the gate's audit log.
func (g *Guard) Audit() *AuditLog { return g.audit }

// Evaluate runs the full authorization sequence for one action. The FSM
// transitions IDLE → EVALUATING → {APPROVED, REJECTED, PENDING_HUMAN}
// and resets to IDLE for the next evaluation. Outstanding approval
// tokens survive the reset until they expire.
func (g *Guard) Evaluate(ctx context.Context, principal *contracts.Principal, action *contracts.Action, toolName string) (*Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if principal == nil || action == nil || action.ID == "" {
		d := &Decision{
			Reason:    ReasonInvalidRequest,
			FromState: contracts.GateIdle,
			ToState:   contracts.GateRejected,
		}
		if err := g.record(ctx, principal, action, d); err != nil {
			return nil, err
		}
		return d, nil
	}

	g.state = contracts.GateEvaluating
	decision := g.decide(principal, action, toolName)

	g.state = decision.ToState
	if err := g.record(ctx, principal, action, decision); err != nil {
		g.state = contracts.GateIdle
		return nil, err
	}

	// Terminal states reset for the next evaluation; PENDING_HUMAN is
	// resolved out-of-band via Approve/Reject.
	if g.state != contracts.GatePendingHuman {
		g.state = contracts.GateIdle
	}
	return decision, nil
}

// decide applies the rule sequence with the FSM lock held.
func (g *Guard) decide(principal *contracts.Principal, action *contracts.Action, toolName string) *Decision {
	from := contracts.GateEvaluating

	// Tool allow-list precedes everything: execution must never reach a
	// tool the action does not name.
	if len(action.AllowedTools) > 0 && toolName != "" && !action.ToolAllowed(toolName) {
		return &Decision{
			Reason:    ReasonToolNotAllowed,
			FromState: from,
			ToState:   contracts.GateRejected,
		}
	}

	for _, required := range action.RequiredPermissions {
		if !principal.HasPermission(required) {
			return &Decision{
				Reason:    ReasonInsufficientPerms,
				FromState: from,
				ToState:   contracts.GateRejected,
			}
		}
	}

	// Optional CEL guard condition; evaluation errors fail closed.
	if expr, ok := action.Metadata[ConditionKey].(string); ok && expr != "" {
		input := map[string]any{
			"principal": map[string]any{"id": principal.ID, "kind": string(principal.Kind)},
			"action":    map[string]any{"id": action.ID, "name": action.Name, "risk_tier": string(action.RiskTier)},
			"tool":      toolName,
		}
		ok, err := g.conditions.Evaluate(expr, input)
		if err != nil || !ok {
			return &Decision{
				Reason:    ReasonConditionFailed,
				FromState: from,
				ToState:   contracts.GateRejected,
			}
		}
	}

	if action.MCP {
		return g.decideMCP(principal, action, from)
	}

	switch action.RiskTier {
	case contracts.RiskLow:
		return &Decision{Allowed: true, FromState: from, ToState: contracts.GateApproved}
	case contracts.RiskMedium:
		return &Decision{Allowed: true, Monitor: true, FromState: from, ToState: contracts.GateApproved}
	case contracts.RiskHigh, contracts.RiskCritical:
		return g.park(principal, action, from, ReasonApprovalRequired)
	default:
		// Unknown tiers take the safe path: human approval required.
		return g.park(principal, action, from, ReasonUnknownRiskTier)
	}
}

// decideMCP applies the stricter rules for external MCP actions.
func (g *Guard) decideMCP(principal *contracts.Principal, action *contracts.Action, from contracts.GateState) *Decision {
	switch action.RiskTier {
	case contracts.RiskCritical:
		if !action.RequiresCRV {
			// A CRITICAL external action without CRV validation is a
			// policy violation, not a gating event.
			return &Decision{
				Reason:    ReasonPolicyViolation,
				FromState: from,
				ToState:   contracts.GateRejected,
			}
		}
		return g.park(principal, action, from, ReasonApprovalRequired)
	case contracts.RiskHigh:
		return g.park(principal, action, from, ReasonApprovalRequired)
	case contracts.RiskMedium:
		return &Decision{
			Allowed:     true,
			Monitor:     true,
			CRVRequired: action.RequiresCRV,
			FromState:   from,
			ToState:     contracts.GateApproved,
		}
	default:
		return &Decision{Allowed: true, FromState: from, ToState: contracts.GateApproved}
	}
}

// park issues an approval token and moves the FSM to PENDING_HUMAN.
func (g *Guard) park(principal *contracts.Principal, action *contracts.Action, from contracts.GateState, reason string) *Decision {
	token, err := g.issuer.Issue(action.ID, *principal, g.clock.Now())
	if err != nil {
		// Fail closed: no token, no pending approval.
		return &Decision{
			Reason:    fmt.Sprintf("token issuance failed: %v", err),
			FromState: from,
			ToState:   contracts.GateRejected,
		}
	}
	g.pending[action.ID] = &pendingApproval{
		token:     token,
		principal: *principal,
		action:    *action,
	}
	return &Decision{
		RequiresHumanApproval: true,
		ApprovalToken:         token.Token,
		Reason:                reason,
		FromState:             from,
		ToState:               contracts.GatePendingHuman,
	}
}

// Approve redeems a token for a pending action. It returns true exactly
// once per token: the first valid call consumes it.
func (g *Guard) Approve(ctx context.Context, actionID, token string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.pending[actionID]
	if !ok || p.cancelled || p.token.Used {
		return false
	}
	if p.token.Token != token || !g.issuer.Verify(token, actionID) {
		return false
	}
	if p.token.Expired(g.clock.Now()) {
		return false
	}

	p.token.Used = true
	g.state = contracts.GateIdle

	entry := contracts.AuditEntry{
		Timestamp:     g.clock.Now(),
		PrincipalID:   p.principal.ID,
		ActionID:      actionID,
		ActionName:    p.action.Name,
		Decision:      "approved",
		Allowed:       true,
		FromState:     contracts.GatePendingHuman,
		ToState:       contracts.GateApproved,
		ApprovalToken: token,
	}
	_, _ = g.audit.Append(ctx, entry)

	g.emitPolicyCheck(p.action, true, false, "approved")
	return true
}

// Reject declines a pending approval. The token becomes unredeemable.
func (g *Guard) Reject(ctx context.Context, actionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.pending[actionID]
	if !ok || p.token.Used || p.cancelled {
		return false
	}
	p.cancelled = true
	g.state = contracts.GateIdle

	entry := contracts.AuditEntry{
		Timestamp:   g.clock.Now(),
		PrincipalID: p.principal.ID,
		ActionID:    actionID,
		ActionName:  p.action.Name,
		Decision:    "rejected",
		FromState:   contracts.GatePendingHuman,
		ToState:     contracts.GateRejected,
	}
	_, _ = g.audit.Append(ctx, entry)
	g.emitPolicyCheck(p.action, false, false, "rejected")
	return true
}

// Cancel marks a pending approval as cancelled, e.g. when the owning
// invocation was cancelled. An approval arriving afterwards is rejected.
func (g *Guard) Cancel(actionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.pending[actionID]; ok {
		p.cancelled = true
	}
}

// SweepExpired drops pending approvals whose tokens are past expiry and
// returns the affected action ids.
func (g *Guard) SweepExpired(ctx context.Context) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	var expired []string
	for actionID, p := range g.pending {
		if p.token.Used || p.cancelled {
			delete(g.pending, actionID)
			continue
		}
		if p.token.Expired(now) {
			expired = append(expired, actionID)
			entry := contracts.AuditEntry{
				Timestamp:   now,
				PrincipalID: p.principal.ID,
				ActionID:    actionID,
				ActionName:  p.action.Name,
				Decision:    ReasonApprovalCancelled,
				FromState:   contracts.GatePendingHuman,
				ToState:     contracts.GateRejected,
			}
			_, _ = g.audit.Append(ctx, entry)
			delete(g.pending, actionID)
		}
	}
	return expired
}

// record appends the evaluate audit entry before the decision is
// returned to the caller, then emits the policy_check event.
func (g *Guard) record(ctx context.Context, principal *contracts.Principal, action *contracts.Action, d *Decision) error {
	entry := contracts.AuditEntry{
		Timestamp: g.clock.Now(),
		Decision:  decisionLabel(d),
		Allowed:   d.Allowed,
		Reason:    d.Reason,
		FromState: d.FromState,
		ToState:   d.ToState,
	}
	if principal != nil {
		entry.PrincipalID = principal.ID
	}
	if action != nil {
		entry.ActionID = action.ID
		entry.ActionName = action.Name
	}
	if d.RequiresHumanApproval {
		entry.ApprovalToken = d.ApprovalToken
	}
	if _, err := g.audit.Append(ctx, entry); err != nil {
		return fmt.Errorf("audit failure for action %s: %w", entry.ActionID, err)
	}
	if action != nil {
		g.emitPolicyCheck(*action, d.Allowed, d.RequiresHumanApproval, d.Reason)
	}
	return nil
}

func (g *Guard) emitPolicyCheck(action contracts.Action, allowed, requiresApproval bool, reason string) {
	g.collector.RecordEvent(telemetry.Event{
		Type:      telemetry.EventPolicyCheck,
		Timestamp: g.clock.Now(),
		Attributes: map[string]any{
			"action_id":               action.ID,
			"allowed":                 allowed,
			"requires_human_approval": requiresApproval,
			"reason":                  reason,
		},
	})
}

func decisionLabel(d *Decision) string {
	switch {
	case d.Allowed:
		return "allowed"
	case d.RequiresHumanApproval:
		return "pending_human"
	default:
		return "denied"
	}
}
