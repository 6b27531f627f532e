//go:build property
// +build property

package canonicalize

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestCanonicalDeterminism: Canonical(v) == Canonical(v) for any v.
func TestCanonicalDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical form is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				obj[keys[i]] = values[i]
			}
			a, err1 := Canonical(obj)
			b, err2 := Canonical(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return string(a) == string(b)
		},
		gen.SliceOf(gen.AnyString()),
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}

// TestIdempotencyKeyCommutation: key derivation ignores map insertion
// order.
func TestIdempotencyKeyCommutation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("key is stable under key commutation", prop.ForAll(
		func(keys []string, values []int64) bool {
			forward := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				forward[keys[i]] = values[i]
			}
			reverse := make(map[string]any)
			for i := len(keys) - 1; i >= 0; i-- {
				if i < len(values) {
					reverse[keys[i]] = values[i]
				}
			}
			k1, err1 := IdempotencyKey("t", "s", "tool", forward)
			k2, err2 := IdempotencyKey("t", "s", "tool", reverse)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return k1 == k2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int64()),
	))

	properties.TestingRun(t)
}
