package reflexion

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
	"github.com/Crosswind-Labs/keel/pkg/crv"
	"github.com/Crosswind-Labs/keel/pkg/guard"
	"github.com/Crosswind-Labs/keel/pkg/store"
	"github.com/Crosswind-Labs/keel/pkg/telemetry"
)

// Phase is a state of the per-failure machine.
type Phase string

const (
	PhaseObserve  Phase = "OBSERVE"
	PhaseAnalyze  Phase = "ANALYZE"
	PhasePropose  Phase = "PROPOSE"
	PhaseSandbox  Phase = "SANDBOX"
	PhasePromote  Phase = "PROMOTE"
	PhaseReject   Phase = "REJECT"
	PhaseEscalate Phase = "ESCALATE"
)

// Defaults for the attempt and confidence bounds.
const (
	DefaultMaxFixAttempts = 3
	DefaultMinConfidence  = 0.6
	DefaultMinMultiplier  = 0.8
	DefaultMaxMultiplier  = 1.2
)

// Outcome is what HandleFailure returns.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Outcome struct {
	Postmortem  *contracts.Postmortem `json:"postmortem"`
	Sandbox     *SandboxResult        `json:"sandbox_result,omitempty"`
	FixPromoted bool                  `json:"fix_promoted"`
	Phase       Phase                 `json:"phase"`
	Reason      string                `json:"reason,omitempty"`
}

// Engine owns the postmortem and fix tables. It references the policy
// gate and CRV gate; it never owns them.
type Engine struct {
	gate      *guard.Guard
	crvGate   *crv.Gate
	log       store.EventLog
	collector telemetry.Collector
	now       func() time.Time

	maxFixAttempts int
	minConfidence  float64
	minMultiplier  float64
	maxMultiplier  float64
	boundsMin      float64
	boundsMax      float64

	mu          sync.Mutex
	attempts    map[string]int
	postmortems []*contracts.Postmortem
	promoted    map[string]*contracts.Fix
	applied     map[string]string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEventLog records phase transitions durably.
func WithEventLog(log store.EventLog) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithCollector attaches a telemetry sink.
func WithCollector(c telemetry.Collector) EngineOption {
	return func(e *Engine) { e.collector = c }
}

// WithAttemptBound overrides max_fix_attempts.
func WithAttemptBound(n int) EngineOption {
	return func(e *Engine) { e.maxFixAttempts = n }
}

// WithConfidenceFloor overrides min_confidence.
func WithConfidenceFloor(f float64) EngineOption {
	return func(e *Engine) { e.minConfidence = f }
}

// WithMultiplierBounds overrides the threshold-nudge multiplier range.
func WithMultiplierBounds(min, max float64) EngineOption {
	return func(e *Engine) {
		e.minMultiplier = min
		e.maxMultiplier = max
	}
}

// WithThresholdBounds sets the policy bounds a nudged threshold must
// stay inside.
func WithThresholdBounds(min, max float64) EngineOption {
	return func(e *Engine) {
		e.boundsMin = min
		e.boundsMax = max
	}
}

// WithNowFunc overrides the time source.
func WithNowFunc(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// New creates a reflexion engine referencing the given gates.
func New(gate *guard.Guard, crvGate *crv.Gate, opts ...EngineOption) *Engine {
	e := &Engine{
		gate:           gate,
		crvGate:        crvGate,
		collector:      telemetry.Nop{},
		now:            time.Now,
		maxFixAttempts: DefaultMaxFixAttempts,
		minConfidence:  DefaultMinConfidence,
		minMultiplier:  DefaultMinMultiplier,
		maxMultiplier:  DefaultMaxMultiplier,
		boundsMin:      0.1,
		boundsMax:      0.95,
		attempts:       make(map[string]int),
		promoted:       make(map[string]*contracts.Fix),
		applied:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Postmortems returns all generated postmortems in order.
func (e *Engine) Postmortems() []*contracts.Postmortem {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*contracts.Postmortem, len(e.postmortems))
	copy(out, e.postmortems)
	return out
}

// PromotedFix returns the promoted fix for a task, if any.
func (e *Engine) PromotedFix(taskID string) (*contracts.Fix, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fix, ok := e.promoted[taskID]
	return fix, ok
}

// HandleFailure runs the full OBSERVE → ANALYZE → PROPOSE → SANDBOX →
// {PROMOTE, REJECT, ESCALATE} machine for one failure. Every transition
// lands in the reflexion log.
func (e *Engine) HandleFailure(ctx context.Context, fc *FailureContext) (*Outcome, error) {
	if fc == nil || fc.TaskID == "" {
		return nil, fmt.Errorf("reflexion: failure context requires a task id")
	}

	e.mu.Lock()
	e.attempts[fc.TaskID]++
	attempt := e.attempts[fc.TaskID]
	e.mu.Unlock()

	e.logPhase(ctx, fc, PhaseObserve, map[string]any{"attempt": attempt})

	if attempt > e.maxFixAttempts {
		outcome := &Outcome{
			Phase:  PhaseEscalate,
			Reason: fmt.Sprintf("fix attempts exhausted for task %s", fc.TaskID),
		}
		e.logPhase(ctx, fc, PhaseEscalate, map[string]any{"reason": outcome.Reason})
		return outcome, nil
	}

	// ANALYZE: produce the postmortem.
	taxonomy, confidence, rootCause := classify(fc)
	pm := &contracts.Postmortem{
		ID:         uuid.New().String(),
		WorkflowID: fc.WorkflowID,
		TaskID:     fc.TaskID,
		Taxonomy:   taxonomy,
		RootCause:  rootCause,
		Confidence: confidence,
		Timestamp:  e.now(),
	}
	e.mu.Lock()
	e.postmortems = append(e.postmortems, pm)
	e.mu.Unlock()
	e.logPhase(ctx, fc, PhaseAnalyze, map[string]any{
		"postmortem_id": pm.ID,
		"taxonomy":      string(taxonomy),
		"confidence":    confidence,
	})

	if confidence < e.minConfidence {
		outcome := &Outcome{
			Postmortem: pm,
			Phase:      PhaseReject,
			Reason:     fmt.Sprintf("heuristic confidence %.2f below floor %.2f", confidence, e.minConfidence),
		}
		e.logPhase(ctx, fc, PhaseReject, map[string]any{"reason": outcome.Reason})
		return outcome, nil
	}

	// PROPOSE: map the taxonomy to a bounded fix.
	fix := e.propose(pm, fc)
	if fix == nil {
		outcome := &Outcome{
			Postmortem: pm,
			Phase:      PhaseEscalate,
			Reason:     "no automated fix for taxonomy " + string(taxonomy),
		}
		e.logPhase(ctx, fc, PhaseEscalate, map[string]any{"reason": outcome.Reason})
		return outcome, nil
	}
	pm.Fix = fix
	e.logPhase(ctx, fc, PhasePropose, map[string]any{
		"fix_id": fix.ID,
		"kind":   string(fix.Kind),
	})

	// SANDBOX: the fix passes the same gates the primary path uses.
	sb := e.sandbox(ctx, fix, fc)
	e.logPhase(ctx, fc, PhaseSandbox, map[string]any{
		"fix_id":          fix.ID,
		"policy_approved": sb.PolicyApproved,
		"crv_passed":      sb.CRVPassed,
		"passed":          sb.Passed,
	})

	if !sb.Passed {
		outcome := &Outcome{Postmortem: pm, Sandbox: sb, Phase: PhaseReject, Reason: sb.Reason}
		e.logPhase(ctx, fc, PhaseReject, map[string]any{"fix_id": fix.ID, "reason": sb.Reason})
		return outcome, nil
	}

	e.mu.Lock()
	e.promoted[fc.TaskID] = fix
	e.mu.Unlock()
	e.logPhase(ctx, fc, PhasePromote, map[string]any{"fix_id": fix.ID})

	return &Outcome{Postmortem: pm, Sandbox: sb, FixPromoted: true, Phase: PhasePromote}, nil
}

// WorkflowContext is the mutable slice of workflow state a promoted fix
// adjusts.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type WorkflowContext struct {
	WorkflowID   string
	SelectedTool string
	Threshold    float64
	Order        []string
}

// ApplyFix applies a promoted fix to the workflow context. Application
// is idempotent per fix id.
func (e *Engine) ApplyFix(ctx context.Context, fix *contracts.Fix, wc *WorkflowContext) error {
	if fix == nil || wc == nil {
		return fmt.Errorf("reflexion: apply requires a fix and a workflow context")
	}

	e.mu.Lock()
	if prev, done := e.applied[fix.ID]; done && prev == wc.WorkflowID {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := applyTo(wc, fix); err != nil {
		return err
	}

	e.mu.Lock()
	e.applied[fix.ID] = wc.WorkflowID
	e.mu.Unlock()
	return nil
}

// applyTo mutates the context per the fix kind. Repeated application
// yields the same state.
func applyTo(wc *WorkflowContext, fix *contracts.Fix) error {
	switch fix.Kind {
	case contracts.FixAlternateTool:
		if fix.Tool == nil {
			return fmt.Errorf("reflexion: alternate-tool fix without tool payload")
		}
		wc.SelectedTool = fix.Tool.Alternative
		return nil
	case contracts.FixModifyThreshold:
		if fix.Threshold == nil {
			return fmt.Errorf("reflexion: threshold fix without threshold payload")
		}
		wc.Threshold = fix.Threshold.New
		return nil
	case contracts.FixReorderWorkflow:
		if fix.Reorder == nil {
			return fmt.Errorf("reflexion: reorder fix without reorder payload")
		}
		wc.Order = append([]string(nil), fix.Reorder.NewOrder...)
		return nil
	default:
		return fmt.Errorf("reflexion: fix kind %s is not applicable", fix.Kind)
	}
}

// newScratchContext builds a throwaway context for sandbox application.
func newScratchContext(fc *FailureContext) *WorkflowContext {
	wc := &WorkflowContext{WorkflowID: fc.WorkflowID, SelectedTool: fc.FailedTool}
	if fc.Plan != nil {
		wc.Order = append([]string(nil), fc.Plan.Order...)
	}
	return wc
}

// snapshot renders the context to a comparable string.
func (wc *WorkflowContext) snapshot() string {
	return fmt.Sprintf("%s|%.6f|%s", wc.SelectedTool, wc.Threshold, strings.Join(wc.Order, ","))
}

// logPhase appends a transition to the reflexion log and telemetry.
func (e *Engine) logPhase(ctx context.Context, fc *FailureContext, phase Phase, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["workflow_id"] = fc.WorkflowID
	payload["task_id"] = fc.TaskID
	payload["phase"] = string(phase)

	if e.log != nil {
		_, _ = e.log.Append(ctx, &store.EventEnvelope{
			EventID:       uuid.New().String(),
			EventType:     "reflexion_" + strings.ToLower(string(phase)),
			Payload:       payload,
			CorrelationID: fc.WorkflowID + "/" + fc.TaskID,
		})
	}
	e.collector.RecordEvent(telemetry.Event{
		Type:          telemetry.EventCustom,
		CorrelationID: fc.WorkflowID + "/" + fc.TaskID,
		WorkflowID:    fc.WorkflowID,
		TaskID:        fc.TaskID,
		Timestamp:     e.now(),
		Attributes:    payload,
	})
}
