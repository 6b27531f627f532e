package effort

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
)

func ptr(f float64) *float64 { return &f }

func TestBaseRiskPerTier(t *testing.T) {
	cases := []struct {
		tier contracts.RiskTier
		want float64
	}{
		{contracts.RiskLow, 0.9},
		{contracts.RiskMedium, 0.6},
		{contracts.RiskHigh, 0.3},
		{contracts.RiskCritical, 0.1},
		{contracts.RiskTier("bogus"), 0.1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, baseRisk(tc.tier), string(tc.tier))
	}
}

func TestEvaluateLowRiskApproves(t *testing.T) {
	e := NewEvaluator()
	report := e.Evaluate(Input{
		Action:    &contracts.Action{RiskTier: contracts.RiskLow},
		Value:     0.8,
		TimeScore: 0.8,
	})
	assert.Equal(t, RecommendApprove, report.Recommendation)
	assert.GreaterOrEqual(t, report.Decision, DefaultApproveThreshold)
}

func TestEvaluateCriticalRejects(t *testing.T) {
	e := NewEvaluator(WithBaselines(Baselines{CostPerSuccess: 1, MTTRSeconds: 60, HumanEscalationRate: 0.1}))
	report := e.Evaluate(Input{
		Action: &contracts.Action{RiskTier: contracts.RiskCritical},
		Metrics: Metrics{
			CostPerSuccess:      ptr(5),
			MTTRSeconds:         ptr(600),
			HumanEscalationRate: ptr(0.9),
		},
		Value:     0.1,
		TimeScore: 0.1,
	})
	assert.Equal(t, RecommendReject, report.Recommendation)
	assert.Less(t, report.Decision, DefaultRejectThreshold)
}

func TestEvaluateMidRangeReviews(t *testing.T) {
	e := NewEvaluator()
	report := e.Evaluate(Input{
		Action:    &contracts.Action{RiskTier: contracts.RiskMedium},
		Value:     0.4,
		TimeScore: 0.4,
	})
	assert.Equal(t, RecommendReview, report.Recommendation)
}

func TestConstraintsBlendIntoRisk(t *testing.T) {
	e := NewEvaluator()
	without := e.Evaluate(Input{Action: &contracts.Action{RiskTier: contracts.RiskLow}})
	with := e.Evaluate(Input{
		Action: &contracts.Action{RiskTier: contracts.RiskLow},
		Constraints: []Constraint{
			{Category: "budget", Score: 0.0, Weight: 1},
		},
	})
	assert.Less(t, with.Risk, without.Risk, "a failing soft constraint lowers the risk term")
}

func TestConstraintWeighting(t *testing.T) {
	e := NewEvaluator()
	report := e.Evaluate(Input{
		Action: &contracts.Action{RiskTier: contracts.RiskMedium},
		Constraints: []Constraint{
			{Category: "dominant", Score: 1.0, Weight: 9},
			{Category: "minor", Score: 0.0, Weight: 1},
		},
	})
	// Weighted constraint average is 0.9; blended with tier base 0.6.
	assert.InDelta(t, (0.6+0.9)/2, report.Risk, 1e-9)
}

func TestMissingMetricsScoreNeutral(t *testing.T) {
	e := NewEvaluator()
	report := e.Evaluate(Input{
		Action:    &contracts.Action{RiskTier: contracts.RiskMedium},
		Value:     -1,
		TimeScore: -1,
	})
	assert.Equal(t, 0.5, report.Cost)
	assert.Equal(t, 0.5, report.Value)
	assert.Equal(t, 0.5, report.Time)
}

func TestCustomThresholds(t *testing.T) {
	e := NewEvaluator(WithThresholds(0.9, 0.5))
	report := e.Evaluate(Input{
		Action:    &contracts.Action{RiskTier: contracts.RiskLow},
		Value:     0.7,
		TimeScore: 0.7,
	})
	assert.Equal(t, RecommendReview, report.Recommendation, "stricter approve threshold demotes to review")
}

func TestZeroWeightsFallBackToEqual(t *testing.T) {
	e := NewEvaluator(WithWeights(Weights{}))
	report := e.Evaluate(Input{
		Action:    &contracts.Action{RiskTier: contracts.RiskLow},
		Value:     1,
		TimeScore: 1,
	})
	assert.InDelta(t, (0.5+0.9+1+1)/4, report.Decision, 1e-9)
}
