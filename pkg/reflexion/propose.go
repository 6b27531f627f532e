package reflexion

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
)

// WorkflowPlan is the caller's view of step ordering and declared
// dependencies, consumed by reorder proposals.
type WorkflowPlan struct {
	Order []string
	// Deps maps a step to the steps that must precede it.
	Deps map[string][]string
}

// propose maps a postmortem taxonomy onto a bounded fix. A nil return
// means escalation: no automated fix exists.
func (e *Engine) propose(pm *contracts.Postmortem, fc *FailureContext) *contracts.Fix {
	fix := &contracts.Fix{
		ID:           uuid.New().String(),
		PostmortemID: pm.ID,
		RiskTier:     contracts.RiskMedium,
	}

	switch pm.Taxonomy {
	case contracts.FailureToolError:
		alt := nextAllowedTool(fc)
		if alt == "" {
			return nil
		}
		fix.Kind = contracts.FixAlternateTool
		fix.Tool = &contracts.AlternateTool{
			Original:    fc.FailedTool,
			Alternative: alt,
			Reason:      "failed tool replaced by next distinct allowed tool",
		}
		fix.Impact = fmt.Sprintf("subsequent calls use %s instead of %s", alt, fc.FailedTool)
		return fix

	case contracts.FailureLowConfidence, contracts.FailureConflict:
		change := e.nudgeThreshold(pm.Taxonomy)
		if change == nil {
			return nil
		}
		fix.Kind = contracts.FixModifyThreshold
		fix.Threshold = change
		fix.Impact = fmt.Sprintf("required confidence moves %.2f -> %.2f", change.Old, change.New)
		return fix

	case contracts.FailureNonDeterminism:
		reorder := reorderPlan(fc.Plan)
		if reorder == nil {
			return nil
		}
		fix.Kind = contracts.FixReorderWorkflow
		fix.Reorder = reorder
		fix.Impact = "steps reordered while preserving declared dependencies"
		return fix

	default:
		// POLICY_VIOLATION, MISSING_DATA, OUT_OF_SCOPE: no automated
		// fix; a human decides.
		return nil
	}
}

// nextAllowedTool picks the first allowed tool distinct from the failed
// one, in declaration order.
func nextAllowedTool(fc *FailureContext) string {
	if fc.Action == nil {
		return ""
	}
	for _, t := range fc.Action.AllowedTools {
		if t != fc.FailedTool {
			return t
		}
	}
	return ""
}

// nudgeThreshold scales the gate's required confidence by a bounded
// multiplier: loosen for LOW_CONFIDENCE, tighten for CONFLICT. The
// result is rejected when it leaves policy bounds.
func (e *Engine) nudgeThreshold(taxonomy contracts.FailureCode) *contracts.ThresholdChange {
	if e.crvGate == nil {
		return nil
	}
	old := e.crvGate.Config().RequiredConfidence
	if old <= 0 {
		return nil
	}

	multiplier := e.minMultiplier
	operator := "loosen"
	if taxonomy == contracts.FailureConflict {
		multiplier = e.maxMultiplier
		operator = "tighten"
	}
	next := old * multiplier
	within := next >= e.boundsMin && next <= e.boundsMax
	return &contracts.ThresholdChange{
		Operator:           operator,
		Old:                old,
		New:                next,
		WithinPolicyBounds: within,
	}
}

// reorderPlan produces a new order by swapping the first adjacent pair
// of independent steps, then verifies the result topologically.
func reorderPlan(plan *WorkflowPlan) *contracts.WorkflowReorder {
	if plan == nil || len(plan.Order) < 2 {
		return nil
	}

	for i := 0; i < len(plan.Order)-1; i++ {
		a, b := plan.Order[i], plan.Order[i+1]
		if dependsOn(plan.Deps, b, a) || dependsOn(plan.Deps, a, b) {
			continue
		}
		next := make([]string, len(plan.Order))
		copy(next, plan.Order)
		next[i], next[i+1] = b, a
		if !topologicallyValid(next, plan.Deps) {
			continue
		}
		return &contracts.WorkflowReorder{
			OldOrder:      plan.Order,
			NewOrder:      next,
			SafetyChecked: true,
		}
	}
	return nil
}

func dependsOn(deps map[string][]string, step, candidate string) bool {
	for _, d := range deps[step] {
		if d == candidate {
			return true
		}
	}
	return false
}

// topologicallyValid checks every step appears after all of its declared
// dependencies.
func topologicallyValid(order []string, deps map[string][]string) bool {
	pos := make(map[string]int, len(order))
	for i, s := range order {
		pos[s] = i
	}
	for step, reqs := range deps {
		sp, ok := pos[step]
		if !ok {
			return false
		}
		for _, r := range reqs {
			rp, ok := pos[r]
			if !ok || rp >= sp {
				return false
			}
		}
	}
	return true
}
