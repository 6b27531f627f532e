package contracts

import "time"

// ApprovalToken is a single-use credential issued when the policy gate
// parks a HIGH or CRITICAL action in PENDING_HUMAN. A token authorizes
// exactly its bound action id and is valid at most once.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ApprovalToken struct {
	Token     string    `json:"token"`
	ActionID  string    `json:"action_id"`
	Principal Principal `json:"principal"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
}

// Expired reports whether the token is past its expiry at now.
func (t *ApprovalToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
