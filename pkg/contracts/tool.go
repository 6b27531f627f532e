package contracts

// IdempotencyStrategy describes how a tool achieves at-most-once effect.
type IdempotencyStrategy string

const (
	// IdemCacheReplay caches the first committed result and replays it.
	IdemCacheReplay IdempotencyStrategy = "CACHE_REPLAY"
	// IdemNatural marks tools that are naturally idempotent.
	IdemNatural IdempotencyStrategy = "NATURAL"
	// IdemRequestID marks tools that deduplicate on a request id param.
	IdemRequestID IdempotencyStrategy = "REQUEST_ID"
	// IdemNone marks tools with no idempotency guarantee.
	IdemNone IdempotencyStrategy = "NONE"
)

// ToolParam declares a single tool parameter.
type ToolParam struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// CompensationAction is the inverse of a side-effecting tool call, used
// by the reliability layer for rollback.
type CompensationAction struct {
	ToolID string         `json:"tool_id"`
	Params map[string]any `json:"params,omitempty"`
}

// ToolSpec describes a registered tool: its schemas, side-effect
// behavior, and idempotency strategy.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ToolSpec struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Params         []ToolParam         `json:"params,omitempty"`
	InputSchema    map[string]any      `json:"input_schema,omitempty"`
	OutputSchema   map[string]any      `json:"output_schema,omitempty"`
	HasSideEffects bool                `json:"has_side_effects"`
	Idempotency    IdempotencyStrategy `json:"idempotency"`
	Compensation   *CompensationAction `json:"compensation,omitempty"`
}
