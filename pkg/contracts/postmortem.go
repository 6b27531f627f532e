package contracts

import "time"

// Postmortem is a structured record explaining a failure. Postmortems
// are permanent; fixes reference them.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Postmortem struct {
	ID         string      `json:"id"`
	WorkflowID string      `json:"workflow_id"`
	TaskID     string      `json:"task_id"`
	Taxonomy   FailureCode `json:"taxonomy"`
	RootCause  string      `json:"root_cause"`
	Fix        *Fix        `json:"proposed_fix,omitempty"`
	Confidence float64     `json:"confidence"`
	Timestamp  time.Time   `json:"timestamp"`
	StackTrace string      `json:"stack_trace,omitempty"`
}

// FixKind tags the proposed-fix union.
type FixKind string

const (
	FixAlternateTool   FixKind = "ALTERNATE_TOOL"
	FixModifyThreshold FixKind = "MODIFY_CRV_THRESHOLD"
	FixReorderWorkflow FixKind = "REORDER_WORKFLOW"
	FixEscalate        FixKind = "ESCALATE"
)

// AlternateTool swaps a failed tool for another from the action's
// allow-list.
type AlternateTool struct {
	Original    string `json:"original"`
	Alternative string `json:"alternative"`
	Reason      string `json:"reason"`
}

// ThresholdChange nudges a CRV confidence threshold within policy
// bounds.
type ThresholdChange struct {
	Operator           string  `json:"operator"`
	Old                float64 `json:"old"`
	New                float64 `json:"new"`
	WithinPolicyBounds bool    `json:"within_policy_bounds"`
}

// WorkflowReorder proposes a new step order that preserves declared
// dependencies.
type WorkflowReorder struct {
	OldOrder      []string `json:"old_order"`
	NewOrder      []string `json:"new_order"`
	SafetyChecked bool     `json:"safety_checked"`
}

// Fix is the tagged union of bounded fixes the reflexion engine may
// propose. Exactly one of the payload fields matching Kind is set.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Fix struct {
	ID           string           `json:"id"`
	PostmortemID string           `json:"postmortem_id"`
	Kind         FixKind          `json:"kind"`
	Tool         *AlternateTool   `json:"tool,omitempty"`
	Threshold    *ThresholdChange `json:"threshold,omitempty"`
	Reorder      *WorkflowReorder `json:"reorder,omitempty"`
	RiskTier     RiskTier         `json:"risk_tier"`
	Impact       string           `json:"estimated_impact,omitempty"`
}
