package contracts

// Commit is a unit submitted to a CRV gate: a proposed state change or a
// tool input/output. Commits are logically ordered but not globally
// serialized.
type Commit struct {
	ID            string         `json:"id"`
	Payload       any            `json:"payload"`
	PreviousState any            `json:"previous_state,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// FailureCode is the closed failure taxonomy shared by the CRV gate and
// the reflexion engine. The gate reports a code; reflexion maps codes to
// fix strategies.
type FailureCode string

const (
	FailureToolError      FailureCode = "TOOL_ERROR"
	FailureLowConfidence  FailureCode = "LOW_CONFIDENCE"
	FailureConflict       FailureCode = "CONFLICT"
	FailureNonDeterminism FailureCode = "NON_DETERMINISM"
	FailurePolicy         FailureCode = "POLICY_VIOLATION"
	FailureMissingData    FailureCode = "MISSING_DATA"
	FailureOutOfScope     FailureCode = "OUT_OF_SCOPE"
)

// RecoveryStrategy is the remediation a CRV gate recommends when it
// blocks a commit.
type RecoveryStrategy string

const (
	RecoverRetry    RecoveryStrategy = "RETRY"
	RecoverAskUser  RecoveryStrategy = "ASK_USER"
	RecoverEscalate RecoveryStrategy = "ESCALATE"
	RecoverIgnore   RecoveryStrategy = "IGNORE"
)
