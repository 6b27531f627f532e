package tool

import "strings"

// Redacted replaces sensitive parameter values in telemetry.
const Redacted = "[REDACTED]"

// sensitiveFragments are matched case-insensitively as substrings of
// parameter names, at any nesting depth.
var sensitiveFragments = []string{
	"password",
	"passwd",
	"pwd",
	"secret",
	"token",
	"api_key",
	"access_token",
	"private_key",
	"credentials",
	"auth",
	"authorization",
}

func sensitiveKey(name string) bool {
	lower := strings.ToLower(name)
	for _, frag := range sensitiveFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// Sanitize deep-copies params with every sensitive value replaced. The
// input is never mutated; the copy is safe to hand to telemetry.
func Sanitize(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if sensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Sanitize(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}
