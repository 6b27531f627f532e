package contracts

import "time"

// Request is the unit of work submitted to the integrated executor:
// who wants what done, with which tool, inside which workflow step.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Request struct {
	Principal  Principal      `json:"principal"`
	Action     Action         `json:"action"`
	ToolID     string         `json:"tool_id"`
	Params     map[string]any `json:"params,omitempty"`
	WorkflowID string         `json:"workflow_id"`
	TaskID     string         `json:"task_id"`
	StepID     string         `json:"step_id"`
	// Timeout bounds the whole invocation. Zero means the executor
	// default applies. Nested tool timeouts never exceed this budget.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// CorrelationID returns the id shared by every telemetry event emitted
// for one invocation.
func (r *Request) CorrelationID() string {
	return r.WorkflowID + "/" + r.TaskID + "/" + r.StepID
}

// Result is what the integrated executor returns for one invocation.
// Every stage that touched the call leaves its diagnostics in Metadata.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Result struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Error    *Error         `json:"error,omitempty"`
	Replayed bool           `json:"replayed,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SetMeta attaches a metadata key, allocating the map on first use.
func (r *Result) SetMeta(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
}
