package canonicalize

import (
	"testing"
)

func TestCanonicalSortsKeys(t *testing.T) {
	out, err := Canonical(map[string]any{"b": 1, "a": 2, "c": 3})
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	want := `{"a":2,"b":1,"c":3}`
	if string(out) != want {
		t.Errorf("Canonical = %s, want %s", out, want)
	}
}

func TestCanonicalNestedSorting(t *testing.T) {
	out, err := Canonical(map[string]any{
		"z": map[string]any{"y": 1, "x": 2},
		"a": []any{map[string]any{"b": 1, "a": 2}},
	})
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	want := `{"a":[{"a":2,"b":1}],"z":{"x":2,"y":1}}`
	if string(out) != want {
		t.Errorf("Canonical = %s, want %s", out, want)
	}
}

func TestCanonicalNumberNormalization(t *testing.T) {
	a, err := Canonical(map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("Canonical(int) failed: %v", err)
	}
	b, err := Canonical(map[string]any{"n": 1.0})
	if err != nil {
		t.Fatalf("Canonical(float) failed: %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("1 and 1.0 canonicalize differently: %s vs %s", a, b)
	}
}

func TestCanonicalNullVsMissing(t *testing.T) {
	withNull, err := Canonical(map[string]any{"a": nil})
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	missing, err := Canonical(map[string]any{})
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	if string(withNull) == string(missing) {
		t.Errorf("null field and missing field canonicalize identically: %s", withNull)
	}
}

func TestCanonicalNoHTMLEscaping(t *testing.T) {
	out, err := Canonical(map[string]any{"s": "<&>"})
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	want := `{"s":"<&>"}`
	if string(out) != want {
		t.Errorf("Canonical = %s, want %s", out, want)
	}
}

func TestCanonicalNFCNormalization(t *testing.T) {
	// U+00E9 (é precomposed) vs U+0065 U+0301 (e + combining acute)
	a, err := Canonical(map[string]any{"s": "é"})
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	b, err := Canonical(map[string]any{"s": "é"})
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("NFC-equivalent strings canonicalize differently: %q vs %q", a, b)
	}
}

func TestIdempotencyKeyStability(t *testing.T) {
	k1, err := IdempotencyKey("t1", "s1", "tool", map[string]any{"amount": 100, "ref": "x"})
	if err != nil {
		t.Fatalf("IdempotencyKey failed: %v", err)
	}
	k2, err := IdempotencyKey("t1", "s1", "tool", map[string]any{"ref": "x", "amount": 100.0})
	if err != nil {
		t.Fatalf("IdempotencyKey failed: %v", err)
	}
	if k1 != k2 {
		t.Errorf("equivalent requests derived different keys: %s vs %s", k1, k2)
	}
}

func TestIdempotencyKeyDiscriminates(t *testing.T) {
	base, _ := IdempotencyKey("t1", "s1", "tool", map[string]any{"a": 1})
	cases := []struct {
		name             string
		task, step, tool string
		params           map[string]any
	}{
		{"task differs", "t2", "s1", "tool", map[string]any{"a": 1}},
		{"step differs", "t1", "s2", "tool", map[string]any{"a": 1}},
		{"tool differs", "t1", "s1", "tool2", map[string]any{"a": 1}},
		{"params differ", "t1", "s1", "tool", map[string]any{"a": 2}},
		{"null vs missing", "t1", "s1", "tool", map[string]any{"a": 1, "b": nil}},
	}
	for _, tc := range cases {
		k, err := IdempotencyKey(tc.task, tc.step, tc.tool, tc.params)
		if err != nil {
			t.Fatalf("%s: IdempotencyKey failed: %v", tc.name, err)
		}
		if k == base {
			t.Errorf("%s: key collision", tc.name)
		}
	}
}

func TestIdempotencyKeySeparatorAmbiguity(t *testing.T) {
	// "a|b" + "c" must not collide with "a" + "b|c".
	k1, _ := IdempotencyKey("a|b", "c", "tool", nil)
	k2, _ := IdempotencyKey("a", "b|c", "tool", nil)
	if k1 == k2 {
		t.Error("length-prefixed fields still collide on embedded separator")
	}
}
