package contracts

import "time"

// GateState is a state of the Goal-Guard policy FSM.
type GateState string

const (
	GateIdle         GateState = "IDLE"
	GateEvaluating   GateState = "EVALUATING"
	GateApproved     GateState = "APPROVED"
	GateRejected     GateState = "REJECTED"
	GatePendingHuman GateState = "PENDING_HUMAN"
)

// AuditEntry records one policy-gate transition. Entries are append-only,
// never deleted, and totally ordered per FSM instance.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type AuditEntry struct {
	Seq           uint64    `json:"seq"`
	Timestamp     time.Time `json:"timestamp"`
	PrincipalID   string    `json:"principal_id"`
	ActionID      string    `json:"action_id"`
	ActionName    string    `json:"action_name"`
	Decision      string    `json:"decision"`
	Allowed       bool      `json:"allowed"`
	Reason        string    `json:"reason,omitempty"`
	FromState     GateState `json:"from_state"`
	ToState       GateState `json:"to_state"`
	ApprovalToken string    `json:"approval_token,omitempty"`
	// PrevHash chains entries for tamper evidence.
	PrevHash  string `json:"prev_hash,omitempty"`
	EntryHash string `json:"entry_hash,omitempty"`
}
