// Package effort computes the advisory cost/risk/value/time score for a
// proposed action. The score never binds: the policy gate remains the
// sole authority, and the executor may at most short-circuit on reject.
package effort

import (
	"math"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
)

// Recommendation is the advisory verdict.
type Recommendation string

const (
	RecommendApprove Recommendation = "approve"
	RecommendReview  Recommendation = "review"
	RecommendReject  Recommendation = "reject"
)

// Default decision thresholds.
const (
	DefaultApproveThreshold = 0.6
	DefaultRejectThreshold  = 0.3
)

// Weights distributes the decision score across the four terms. Zero
// weights are normalized away; an all-zero set falls back to equal
// weighting.
type Weights struct {
	Cost  float64 `json:"cost" yaml:"cost"`
	Risk  float64 `json:"risk" yaml:"risk"`
	Value float64 `json:"value" yaml:"value"`
	Time  float64 `json:"time" yaml:"time"`
}

// DefaultWeights favors risk, matching a gate-adjacent advisory role.
func DefaultWeights() Weights {
	return Weights{Cost: 0.2, Risk: 0.4, Value: 0.25, Time: 0.15}
}

// Baselines normalize raw observability metrics into [0,1] terms. A
// metric at or above its baseline scores 0; absent metrics score the
// neutral 0.5.
type Baselines struct {
	CostPerSuccess      float64 `json:"cost_per_success" yaml:"cost_per_success"`
	MTTRSeconds         float64 `json:"mttr_seconds" yaml:"mttr_seconds"`
	HumanEscalationRate float64 `json:"human_escalation_rate" yaml:"human_escalation_rate"`
}

// Metrics is the raw observability input for one evaluation. Nil fields
// mean the metric was not observed.
type Metrics struct {
	CostPerSuccess      *float64
	MTTRSeconds         *float64
	HumanEscalationRate *float64
}

// Constraint is a world-model soft constraint: a named category score in
// [0,1] with a relative weight.
type Constraint struct {
	Category string
	Score    float64
	Weight   float64
}

// Input is everything one evaluation sees.
type Input struct {
	Action      *contracts.Action
	Constraints []Constraint
	Metrics     Metrics
	// Value is the caller-estimated value term in [0,1]; negative means
	// unknown and scores neutral.
	Value float64
	// TimeScore is the caller-estimated time term in [0,1]; negative
	// means unknown and scores neutral.
	TimeScore float64
}

// Report is the evaluation outcome, attached to executor results as
// advisory metadata.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Report struct {
	Decision       float64            `json:"decision"`
	Cost           float64            `json:"cost"`
	Risk           float64            `json:"risk"`
	Value          float64            `json:"value"`
	Time           float64            `json:"time"`
	Recommendation Recommendation     `json:"recommendation"`
	Terms          map[string]float64 `json:"terms,omitempty"`
}

// Evaluator scores proposed actions.
type Evaluator struct {
	weights Weights
	base    Baselines
	approve float64
	reject  float64
}

// EvalOption configures an Evaluator.
type EvalOption func(*Evaluator)

// WithWeights overrides the term weights.
func WithWeights(w Weights) EvalOption {
	return func(e *Evaluator) { e.weights = w }
}

// WithBaselines sets the metric normalization baselines.
func WithBaselines(b Baselines) EvalOption {
	return func(e *Evaluator) { e.base = b }
}

// WithThresholds overrides the approve/reject cut points.
func WithThresholds(approve, reject float64) EvalOption {
	return func(e *Evaluator) {
		e.approve = approve
		e.reject = reject
	}
}

// NewEvaluator creates an evaluator with defaults.
func NewEvaluator(opts ...EvalOption) *Evaluator {
	e := &Evaluator{
		weights: DefaultWeights(),
		approve: DefaultApproveThreshold,
		reject:  DefaultRejectThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// baseRisk maps an action risk tier to its base risk term. Higher means
// safer; unknown tiers score like CRITICAL.
func baseRisk(tier contracts.RiskTier) float64 {
	switch tier {
	case contracts.RiskLow:
		return 0.9
	case contracts.RiskMedium:
		return 0.6
	case contracts.RiskHigh:
		return 0.3
	default:
		return 0.1
	}
}

// Evaluate computes the weighted decision score and recommendation.
func (e *Evaluator) Evaluate(in Input) *Report {
	cost := e.costTerm(in)
	risk := e.riskTerm(in)
	value := clampOrNeutral(in.Value)
	timeScore := clampOrNeutral(in.TimeScore)

	w := e.weights
	total := w.Cost + w.Risk + w.Value + w.Time
	if total <= 0 {
		w = Weights{Cost: 1, Risk: 1, Value: 1, Time: 1}
		total = 4
	}
	decision := (w.Cost*cost + w.Risk*risk + w.Value*value + w.Time*timeScore) / total

	rec := RecommendReview
	switch {
	case decision >= e.approve:
		rec = RecommendApprove
	case decision < e.reject:
		rec = RecommendReject
	}

	return &Report{
		Decision:       decision,
		Cost:           cost,
		Risk:           risk,
		Value:          value,
		Time:           timeScore,
		Recommendation: rec,
		Terms: map[string]float64{
			"cost_per_success":      e.normalize(in.Metrics.CostPerSuccess, e.base.CostPerSuccess),
			"mttr":                  e.normalize(in.Metrics.MTTRSeconds, e.base.MTTRSeconds),
			"human_escalation_rate": e.normalize(in.Metrics.HumanEscalationRate, e.base.HumanEscalationRate),
		},
	}
}

// costTerm blends the normalized cost-side metrics.
func (e *Evaluator) costTerm(in Input) float64 {
	terms := []float64{
		e.normalize(in.Metrics.CostPerSuccess, e.base.CostPerSuccess),
		e.normalize(in.Metrics.MTTRSeconds, e.base.MTTRSeconds),
		e.normalize(in.Metrics.HumanEscalationRate, e.base.HumanEscalationRate),
	}
	sum := 0.0
	for _, t := range terms {
		sum += t
	}
	return sum / float64(len(terms))
}

// riskTerm blends the tier base risk with the weighted soft constraints.
func (e *Evaluator) riskTerm(in Input) float64 {
	base := 0.1
	if in.Action != nil {
		base = baseRisk(in.Action.RiskTier)
	}
	if len(in.Constraints) == 0 {
		return base
	}

	var weighted, total float64
	for _, c := range in.Constraints {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		weighted += clamp(c.Score) * w
		total += w
	}
	constraint := weighted / total

	// Base tier and world-model constraints contribute equally.
	return (base + constraint) / 2
}

// normalize maps a raw metric against its baseline: 0 at or above
// baseline, approaching 1 as the metric approaches zero. Missing metric
// or baseline scores neutral.
func (e *Evaluator) normalize(metric *float64, baseline float64) float64 {
	if metric == nil || baseline <= 0 {
		return 0.5
	}
	return clamp(1 - *metric/baseline)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func clampOrNeutral(v float64) float64 {
	if v < 0 {
		return 0.5
	}
	return clamp(v)
}
