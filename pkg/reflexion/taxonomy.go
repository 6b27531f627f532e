// Package reflexion analyzes failures, proposes bounded fixes, and
// validates them through the same policy and CRV gates the primary path
// uses before promoting them.
package reflexion

import (
	"strings"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
)

// FailureContext is everything the engine sees about one failure.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type FailureContext struct {
	WorkflowID string
	TaskID     string
	Err        error
	// ToolFailure marks the failure as originating inside a tool call.
	ToolFailure bool
	// FailedTool names the tool that failed, when known.
	FailedTool string
	// Confidence is the reported numeric confidence, when one exists.
	Confidence *float64
	// Principal and Action are the identities of the failed invocation;
	// the sandbox re-evaluates fixes under them.
	Principal *contracts.Principal
	Action    *contracts.Action
	// Plan describes the surrounding workflow for reorder proposals.
	Plan *WorkflowPlan
}

func (fc *FailureContext) message() string {
	if fc.Err == nil {
		return ""
	}
	return strings.ToLower(fc.Err.Error())
}

// classify maps a failure onto the shared taxonomy. The heuristics are
// deterministic and ordered; the first signal wins.
func classify(fc *FailureContext) (contracts.FailureCode, float64, string) {
	msg := fc.message()

	if fc.ToolFailure {
		return contracts.FailureToolError, 0.9, "tool execution reported a failure"
	}
	if containsAny(msg, "undefined", "null", "required") {
		return contracts.FailureMissingData, 0.8, "message indicates missing or undefined data"
	}
	if containsAny(msg, "permission", "authorization", "unauthorized", "forbidden") {
		return contracts.FailurePolicy, 0.85, "message indicates a permission or authorization failure"
	}
	if fc.Confidence != nil && *fc.Confidence < 0.5 {
		return contracts.FailureLowConfidence, 0.9, "reported confidence below 0.5"
	}
	if containsAny(msg, "race", "ordering", "concurrent", "out of order") {
		return contracts.FailureNonDeterminism, 0.7, "message carries race or ordering signals"
	}
	return contracts.FailureOutOfScope, 0.3, "no heuristic matched; failure is outside known taxonomy"
}

func containsAny(s string, fragments ...string) bool {
	for _, f := range fragments {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}
