// Package crv implements the Circuit Reasoning Validation gate: an
// ordered validator pipeline run against commits (tool inputs, outputs,
// or proposed state changes) with confidence gating and a closed failure
// taxonomy.
package crv

import (
	"fmt"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
)

// Status summarizes a gate run.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusBlocked Status = "blocked"
)

// ValidationResult is the outcome of one validator.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ValidationResult struct {
	Validator  string  `json:"validator"`
	Valid      bool    `json:"valid"`
	Reason     string  `json:"reason,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Validator is a pure, deterministic check over a commit. Validators
// requiring I/O must be wrapped in a deterministic façade or are
// disallowed at the gate.
type Validator interface {
	Name() string
	// Code is the taxonomy code reported when this validator fails.
	Code() contracts.FailureCode
	Validate(commit *contracts.Commit) ValidationResult
}

// Config builds a gate.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Config struct {
	Validators []Validator
	// BlockOnFailure turns a failed run into a blocked commit.
	BlockOnFailure bool
	// RequiredConfidence, when > 0, requires every validator's reported
	// confidence to meet the threshold.
	RequiredConfidence float64
	// ShortCircuit stops at the first failing validator instead of
	// collecting all results.
	ShortCircuit bool
	// Recovery is the remediation recommended when the gate blocks.
	Recovery contracts.RecoveryStrategy
}

// Result is the gate output for one commit.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Result struct {
	Passed        bool                  `json:"passed"`
	Results       []ValidationResult    `json:"validation_results"`
	BlockedCommit bool                  `json:"blocked_commit"`
	Status        Status                `json:"crv_status"`
	FailureCode   contracts.FailureCode `json:"failure_code,omitempty"`
	Remediation   string                `json:"remediation,omitempty"`
}

// Gate runs validators in declaration order. Given identical commit and
// configuration the output is identical across runs.
type Gate struct {
	cfg Config
}

// NewGate builds a gate from cfg.
func NewGate(cfg Config) *Gate {
	return &Gate{cfg: cfg}
}

// Config returns the gate's configuration.
func (g *Gate) Config() Config { return g.cfg }

// WithThreshold returns a copy of the gate with a different required
// confidence. Used by the reflexion sandbox to trial threshold nudges.
func (g *Gate) WithThreshold(threshold float64) *Gate {
	cfg := g.cfg
	cfg.RequiredConfidence = threshold
	return &Gate{cfg: cfg}
}

// Validate runs the pipeline against commit.
func (g *Gate) Validate(commit *contracts.Commit) *Result {
	out := &Result{Passed: true, Status: StatusPassed}

	var firstFailing Validator
	for _, v := range g.cfg.Validators {
		res := v.Validate(commit)
		res.Validator = v.Name()
		out.Results = append(out.Results, res)

		failed := !res.Valid ||
			(g.cfg.RequiredConfidence > 0 && res.Confidence < g.cfg.RequiredConfidence)
		if failed {
			out.Passed = false
			if firstFailing == nil {
				firstFailing = v
			}
			if g.cfg.ShortCircuit {
				break
			}
		}
	}

	if !out.Passed {
		out.Status = StatusFailed
		if g.cfg.BlockOnFailure {
			out.BlockedCommit = true
			out.Status = StatusBlocked
			out.FailureCode = failureCodeFor(firstFailing, out.Results)
			out.Remediation = remediationFor(g.cfg.Recovery)
		}
	}
	return out
}

// failureCodeFor picks the code of the first failing validator. A
// validator that passed its own check but missed the confidence floor
// reports LOW_CONFIDENCE.
func failureCodeFor(v Validator, results []ValidationResult) contracts.FailureCode {
	if v == nil {
		return contracts.FailureOutOfScope
	}
	for _, r := range results {
		if r.Validator == v.Name() && r.Valid {
			return contracts.FailureLowConfidence
		}
	}
	return v.Code()
}

func remediationFor(s contracts.RecoveryStrategy) string {
	switch s {
	case contracts.RecoverRetry:
		return "retry the operation after addressing the reported failure"
	case contracts.RecoverAskUser:
		return "surface the blocked commit for user confirmation"
	case contracts.RecoverEscalate:
		return "escalate to a human operator"
	case contracts.RecoverIgnore:
		return "proceed without this commit"
	default:
		return ""
	}
}

// FuncValidator adapts a plain function into a Validator.
type FuncValidator struct {
	name string
	code contracts.FailureCode
	fn   func(commit *contracts.Commit) ValidationResult
}

// NewValidator wraps fn as a named validator reporting code on failure.
func NewValidator(name string, code contracts.FailureCode, fn func(commit *contracts.Commit) ValidationResult) *FuncValidator {
	return &FuncValidator{name: name, code: code, fn: fn}
}

func (v *FuncValidator) Name() string                { return v.name }
func (v *FuncValidator) Code() contracts.FailureCode { return v.code }
func (v *FuncValidator) Validate(commit *contracts.Commit) ValidationResult {
	return v.fn(commit)
}

// Valid is a convenience passing result.
func Valid(confidence float64) ValidationResult {
	return ValidationResult{Valid: true, Confidence: confidence}
}

// Invalid is a convenience failing result.
func Invalid(confidence float64, format string, args ...any) ValidationResult {
	return ValidationResult{Valid: false, Confidence: confidence, Reason: fmt.Sprintf(format, args...)}
}
