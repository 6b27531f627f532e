package contracts

// RiskTier controls gating severity for an action.
type RiskTier string

const (
	RiskLow      RiskTier = "LOW"
	RiskMedium   RiskTier = "MEDIUM"
	RiskHigh     RiskTier = "HIGH"
	RiskCritical RiskTier = "CRITICAL"
)

// Known reports whether t is one of the four defined tiers.
func (t RiskTier) Known() bool {
	switch t {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Action is a proposed operation submitted to the policy gate.
// Actions are built per invocation and discarded after audit.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Action struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	RiskTier            RiskTier       `json:"risk_tier"`
	RequiredPermissions []Permission   `json:"required_permissions,omitempty"`
	Intent              string         `json:"intent,omitempty"`
	DataZone            DataZone       `json:"data_zone,omitempty"`
	AllowedTools        []string       `json:"allowed_tools,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`

	// MCP marks the action as an external MCP call, which triggers the
	// stricter MCP gating rules in the policy gate.
	MCP bool `json:"mcp,omitempty"`
	// RequiresCRV marks MCP actions that must pass CRV validation.
	RequiresCRV bool `json:"requires_crv,omitempty"`
}

// ToolAllowed reports whether tool may serve this action. An empty
// allow-list permits every tool.
func (a *Action) ToolAllowed(tool string) bool {
	if len(a.AllowedTools) == 0 {
		return true
	}
	for _, t := range a.AllowedTools {
		if t == tool {
			return true
		}
	}
	return false
}
