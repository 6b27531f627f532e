package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// IdempotencyKey derives the deterministic fingerprint of a
// side-effecting invocation: SHA-256 over the canonical concatenation
// task_id | step_id | tool_id | canonical(params).
//
// Two requests that would have the same observable effect produce the
// same key; requests differing in any field produce different keys with
// overwhelming probability. Key stability under map-key commutation and
// equivalent numeric representations follows from Canonical.
func IdempotencyKey(taskID, stepID, toolID string, params map[string]any) (string, error) {
	canon, err := Canonical(params)
	if err != nil {
		return "", fmt.Errorf("idempotency key: %w", err)
	}

	h := sha256.New()
	// The separator cannot appear in the length prefix, so field
	// boundaries are unambiguous even when ids contain '|'.
	for _, field := range []string{taskID, stepID, toolID} {
		fmt.Fprintf(h, "%d|", len(field))
		h.Write([]byte(field))
	}
	fmt.Fprintf(h, "%d|", len(canon))
	h.Write(canon)

	return hex.EncodeToString(h.Sum(nil)), nil
}
