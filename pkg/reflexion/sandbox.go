package reflexion

import (
	"context"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
)

// Chaos scenario names run against every proposed fix.
const (
	ScenarioIdempotency = "idempotency"
	ScenarioRollback    = "rollback-safety"
	ScenarioBoundary    = "boundary-conditions"
)

// SandboxResult reports the sandbox verdict for one fix.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type SandboxResult struct {
	PolicyApproved bool            `json:"policy_approved"`
	CRVPassed      bool            `json:"crv_passed"`
	Scenarios      map[string]bool `json:"scenarios"`
	Passed         bool            `json:"passed"`
	Reason         string          `json:"reason,omitempty"`
}

// sandbox validates a fix through the same gates the primary path uses:
// a synthetic policy evaluation, a synthetic CRV commit, and the chaos
// scenarios. Promotion requires every check to pass.
func (e *Engine) sandbox(ctx context.Context, fix *contracts.Fix, fc *FailureContext) *SandboxResult {
	out := &SandboxResult{Scenarios: make(map[string]bool)}

	out.PolicyApproved = e.sandboxPolicy(ctx, fix, fc)
	if !out.PolicyApproved {
		out.Reason = "policy gate rejected the fix"
	}

	out.CRVPassed = e.sandboxCRV(fix, fc)
	if out.Reason == "" && !out.CRVPassed {
		out.Reason = "crv gate rejected the fix commit"
	}

	out.Scenarios[ScenarioIdempotency] = scenarioIdempotency(fix, fc)
	out.Scenarios[ScenarioRollback] = scenarioRollback(fix)
	out.Scenarios[ScenarioBoundary] = e.scenarioBoundary(fix, fc)

	out.Passed = out.PolicyApproved && out.CRVPassed
	for name, ok := range out.Scenarios {
		if !ok {
			out.Passed = false
			if out.Reason == "" {
				out.Reason = "chaos scenario failed: " + name
			}
		}
	}
	return out
}

// sandboxPolicy submits a synthetic action describing the fix to the
// policy gate under the failed invocation's principal.
func (e *Engine) sandboxPolicy(ctx context.Context, fix *contracts.Fix, fc *FailureContext) bool {
	if e.gate == nil || fc.Principal == nil {
		return false
	}
	synthetic := &contracts.Action{
		ID:       "fix-" + fix.ID,
		Name:     "apply-" + string(fix.Kind),
		RiskTier: fix.RiskTier,
	}
	if fc.Action != nil {
		synthetic.RequiredPermissions = fc.Action.RequiredPermissions
		synthetic.AllowedTools = fc.Action.AllowedTools
	}
	toolName := ""
	if fix.Tool != nil {
		toolName = fix.Tool.Alternative
	}
	decision, err := e.gate.Evaluate(ctx, fc.Principal, synthetic, toolName)
	if err != nil {
		return false
	}
	return decision.Allowed
}

// sandboxCRV runs the fix as a synthetic commit through the CRV gate,
// trialing threshold fixes against their proposed value.
func (e *Engine) sandboxCRV(fix *contracts.Fix, fc *FailureContext) bool {
	if e.crvGate == nil {
		return true
	}
	gate := e.crvGate
	if fix.Threshold != nil {
		gate = gate.WithThreshold(fix.Threshold.New)
	}
	commit := &contracts.Commit{
		ID:      "fix|" + fix.ID,
		Payload: map[string]any{"kind": string(fix.Kind), "postmortem": fix.PostmortemID},
	}
	res := gate.Validate(commit)
	return !res.BlockedCommit
}

// scenarioIdempotency applies the fix twice to a scratch context and
// requires identical effect.
func scenarioIdempotency(fix *contracts.Fix, fc *FailureContext) bool {
	scratch := newScratchContext(fc)
	if err := applyTo(scratch, fix); err != nil {
		return false
	}
	first := scratch.snapshot()
	if err := applyTo(scratch, fix); err != nil {
		return false
	}
	return first == scratch.snapshot()
}

// scenarioRollback requires the fix to carry enough state to reverse.
func scenarioRollback(fix *contracts.Fix) bool {
	switch fix.Kind {
	case contracts.FixAlternateTool:
		return fix.Tool != nil && fix.Tool.Original != ""
	case contracts.FixModifyThreshold:
		return fix.Threshold != nil && fix.Threshold.Old > 0
	case contracts.FixReorderWorkflow:
		return fix.Reorder != nil && len(fix.Reorder.OldOrder) > 0
	default:
		return false
	}
}

// scenarioBoundary checks the fix stays inside policy bounds.
func (e *Engine) scenarioBoundary(fix *contracts.Fix, fc *FailureContext) bool {
	switch fix.Kind {
	case contracts.FixModifyThreshold:
		return fix.Threshold != nil && fix.Threshold.WithinPolicyBounds
	case contracts.FixAlternateTool:
		if fix.Tool == nil || fc.Action == nil {
			return false
		}
		return fc.Action.ToolAllowed(fix.Tool.Alternative)
	case contracts.FixReorderWorkflow:
		if fix.Reorder == nil || !fix.Reorder.SafetyChecked || fc.Plan == nil {
			return false
		}
		return topologicallyValid(fix.Reorder.NewOrder, fc.Plan.Deps)
	default:
		return false
	}
}
