package crv

import (
	"fmt"
	"strconv"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
)

// RequireFields fails when any of the named top-level payload fields is
// absent or null.
func RequireFields(fields ...string) Validator {
	return NewValidator("require_fields", contracts.FailureMissingData,
		func(commit *contracts.Commit) ValidationResult {
			payload, ok := commit.Payload.(map[string]any)
			if !ok {
				return Invalid(1.0, "payload is not an object")
			}
			for _, f := range fields {
				v, present := payload[f]
				if !present || v == nil {
					return Invalid(1.0, "missing required field %q", f)
				}
			}
			return Valid(1.0)
		})
}

// NumberMin fails when payload[field] is a number below min.
func NumberMin(field string, min float64) Validator {
	return NewValidator("number_min_"+field, contracts.FailureConflict,
		func(commit *contracts.Commit) ValidationResult {
			payload, ok := commit.Payload.(map[string]any)
			if !ok {
				return Invalid(1.0, "payload is not an object")
			}
			n, ok := asFloat(payload[field])
			if !ok {
				return Invalid(1.0, "field %q is not numeric", field)
			}
			if n < min {
				return Invalid(1.0, "field %q = %v below minimum %v", field, n, min)
			}
			return Valid(1.0)
		})
}

// ConfidenceFloor reports the confidence found in commit metadata under
// "confidence" and fails when it is below floor.
func ConfidenceFloor(floor float64) Validator {
	return NewValidator("confidence_floor", contracts.FailureLowConfidence,
		func(commit *contracts.Commit) ValidationResult {
			c, ok := asFloat(commit.Metadata["confidence"])
			if !ok {
				// Absent confidence is treated as fully confident; the
				// gate-level threshold still applies to reported values.
				return Valid(1.0)
			}
			if c < floor {
				return Invalid(c, "confidence %v below floor %v", c, floor)
			}
			return Valid(c)
		})
}

// UnchangedField fails when payload[field] differs from the previous
// state's value, catching non-deterministic drift between runs.
func UnchangedField(field string) Validator {
	return NewValidator("unchanged_"+field, contracts.FailureNonDeterminism,
		func(commit *contracts.Commit) ValidationResult {
			prev, ok := commit.PreviousState.(map[string]any)
			if !ok {
				return Valid(1.0)
			}
			cur, ok := commit.Payload.(map[string]any)
			if !ok {
				return Invalid(1.0, "payload is not an object")
			}
			if pv, present := prev[field]; present {
				if cv, has := cur[field]; has && fmtAny(cv) != fmtAny(pv) {
					return Invalid(1.0, "field %q changed between runs", field)
				}
			}
			return Valid(1.0)
		})
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func fmtAny(v any) string {
	switch s := v.(type) {
	case string:
		return s
	default:
		if f, ok := asFloat(v); ok {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
		return fmt.Sprintf("%v", v)
	}
}
