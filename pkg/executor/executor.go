// Package executor is the interlock: one tool invocation flows through
// effort scoring, the policy gate, pre-CRV, tool execution with
// reliability, and post-CRV, all correlated in telemetry.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
	"github.com/Crosswind-Labs/keel/pkg/crv"
	"github.com/Crosswind-Labs/keel/pkg/effort"
	"github.com/Crosswind-Labs/keel/pkg/guard"
	"github.com/Crosswind-Labs/keel/pkg/reliability"
	"github.com/Crosswind-Labs/keel/pkg/telemetry"
	"github.com/Crosswind-Labs/keel/pkg/tool"
)

// DefaultTimeout bounds a whole invocation when the request carries
// none. Nested tool timeouts never exceed this budget.
const DefaultTimeout = time.Minute

// Executor wires the stages of one invocation. Different invocations
// run fully parallel; serialization exists only inside the outbox (per
// key) and the policy gate (per evaluation).
type Executor struct {
	gate      *guard.Guard
	wrapper   *tool.Wrapper
	evaluator *effort.Evaluator
	preGate   *crv.Gate
	postGate  *crv.Gate
	retrier   *reliability.Retrier
	degrader  *reliability.Degrader
	collector telemetry.Collector
	timeout   time.Duration
	now       func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithEffort attaches an advisory effort evaluator.
func WithEffort(e *effort.Evaluator) Option {
	return func(x *Executor) { x.evaluator = e }
}

// WithPreGate validates input commits before execution.
func WithPreGate(g *crv.Gate) Option {
	return func(x *Executor) { x.preGate = g }
}

// WithPostGate validates output commits after execution.
func WithPostGate(g *crv.Gate) Option {
	return func(x *Executor) { x.postGate = g }
}

// WithRetrier drives transient-failure retries around tool execution.
func WithRetrier(r *reliability.Retrier) Option {
	return func(x *Executor) { x.retrier = r }
}

// WithDegrader gates tool execution on the degradation mode machine.
func WithDegrader(d *reliability.Degrader) Option {
	return func(x *Executor) { x.degrader = d }
}

// WithCollector attaches a telemetry sink.
func WithCollector(c telemetry.Collector) Option {
	return func(x *Executor) { x.collector = c }
}

// WithTimeout sets the default invocation timeout.
func WithTimeout(d time.Duration) Option {
	return func(x *Executor) { x.timeout = d }
}

// WithNowFunc overrides the time source for deterministic tests.
func WithNowFunc(now func() time.Time) Option {
	return func(x *Executor) { x.now = now }
}

// New creates an executor around a policy gate and a tool wrapper.
func New(gate *guard.Guard, wrapper *tool.Wrapper, opts ...Option) *Executor {
	x := &Executor{
		gate:      gate,
		wrapper:   wrapper,
		collector: telemetry.Nop{},
		timeout:   DefaultTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Gate exposes the policy gate for out-of-band approve/reject calls.
func (x *Executor) Gate() *guard.Guard { return x.gate }

// Execute runs one request through the full interlock. Every stage sees
// the same workflow/task/step ids and emits telemetry under one
// correlation id.
func (x *Executor) Execute(ctx context.Context, req *contracts.Request) *contracts.Result {
	start := x.now()
	x.emit(telemetry.EventStepStart, req, nil)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = x.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := x.execute(ctx, req, timeout)

	attrs := map[string]any{
		"success":  res.Success,
		"duration": x.now().Sub(start).String(),
	}
	if res.Error != nil {
		attrs["error"] = res.Error.Message
	}
	x.emit(telemetry.EventStepEnd, req, attrs)

	res.SetMeta("correlation_id", req.CorrelationID())
	return res
}

func (x *Executor) execute(ctx context.Context, req *contracts.Request, timeout time.Duration) *contracts.Result {
	// Stage 1: advisory effort score. Only reject short-circuits; the
	// policy gate below stays the sole binding authority.
	var report *effort.Report
	if x.evaluator != nil {
		report = x.evaluator.Evaluate(effort.Input{
			Action:    &req.Action,
			Value:     -1,
			TimeScore: -1,
		})
		if report.Recommendation == effort.RecommendReject {
			res := &contracts.Result{
				Success: false,
				Error: contracts.Errorf(contracts.ErrPolicyDenied,
					"effort score %.2f below reject threshold", report.Decision),
			}
			res.SetMeta("effort", report)
			return res
		}
	}

	// Stage 2: binding policy decision.
	decision, err := x.gate.Evaluate(ctx, &req.Principal, &req.Action, req.ToolID)
	if err != nil {
		return x.finish(contracts.Wrap(contracts.ErrFatal, "policy evaluation failed", err), report, nil)
	}
	if decision.RequiresHumanApproval {
		e := contracts.NewError(contracts.ErrApprovalRequired, "human approval required: "+decision.Reason)
		e.ApprovalToken = decision.ApprovalToken
		return x.finish(e, report, nil)
	}
	if !decision.Allowed {
		return x.finish(contracts.NewError(contracts.ErrPolicyDenied, decision.Reason), report, nil)
	}

	// Stage 3: pre-CRV over the input commit.
	if x.preGate != nil {
		pre := x.preGate.Validate(&contracts.Commit{
			ID:      req.TaskID + "|" + req.StepID + "|input",
			Payload: req.Params,
		})
		x.emitCRV(req, pre)
		if pre.BlockedCommit {
			e := contracts.NewError(contracts.ErrCRVBlocked, "input commit blocked")
			e.Remediation = pre.Remediation
			return x.finish(e, report, pre)
		}
	}

	// Stage 4: tool execution with the reliability stack around it.
	toolRes := x.runTool(ctx, req, timeout)
	if !toolRes.Success {
		x.attachMeta(toolRes, report, nil)
		return toolRes
	}

	// Stage 5: post-CRV over the output commit. A blocked output fails
	// the call but keeps the offending payload in metadata for
	// diagnosis; CRV failures are terminal and never retried.
	if x.postGate != nil {
		post := x.postGate.Validate(&contracts.Commit{
			ID:            req.TaskID + "|" + req.StepID + "|output",
			Payload:       toolRes.Data,
			PreviousState: req.Params,
		})
		x.emitCRV(req, post)
		if post.BlockedCommit {
			e := contracts.NewError(contracts.ErrCRVBlocked, "output commit blocked")
			e.Remediation = post.Remediation
			res := &contracts.Result{Success: false, Error: e, Replayed: toolRes.Replayed}
			res.SetMeta("payload", toolRes.Data)
			x.attachMeta(res, report, post)
			return res
		}
		x.attachMeta(toolRes, report, post)
		return toolRes
	}

	x.attachMeta(toolRes, report, nil)
	return toolRes
}

// runTool executes the wrapped tool, driving transient retries and the
// degradation machine when configured. Degraded fallback results bypass
// the outbox entirely.
func (x *Executor) runTool(ctx context.Context, req *contracts.Request, timeout time.Duration) *contracts.Result {
	ec := tool.ExecContext{
		WorkflowID: req.WorkflowID,
		TaskID:     req.TaskID,
		StepID:     req.StepID,
		Timeout:    timeout,
	}

	call := func(ctx context.Context) *contracts.Result {
		return x.wrapper.Execute(ctx, ec, req.ToolID, req.Params)
	}
	if x.retrier != nil {
		base := call
		call = func(ctx context.Context) *contracts.Result {
			var last *contracts.Result
			err := x.retrier.Do(ctx, func(ctx context.Context) error {
				last = base(ctx)
				if !last.Success {
					return last.Error
				}
				return nil
			})
			if err == nil {
				return last
			}
			if last == nil || last.Success {
				return &contracts.Result{Success: false, Error: asTaxonomy(err)}
			}
			last.Error = asTaxonomy(err)
			last.Success = false
			return last
		}
	}

	if x.degrader == nil {
		return call(ctx)
	}

	value, degraded, err := x.degrader.Execute(ctx, req.ToolID, func(ctx context.Context) (any, error) {
		res := call(ctx)
		if !res.Success {
			return nil, res.Error
		}
		return res, nil
	})
	if err != nil {
		if res, ok := errAsResult(err); ok {
			return res
		}
		return &contracts.Result{Success: false, Error: asTaxonomy(err)}
	}
	if degraded {
		res := &contracts.Result{Success: true, Data: value}
		res.SetMeta("degraded", true)
		return res
	}
	return value.(*contracts.Result)
}

// finish builds a failure result with stage metadata attached.
func (x *Executor) finish(err *contracts.Error, report *effort.Report, crvRes *crv.Result) *contracts.Result {
	res := &contracts.Result{Success: false, Error: err}
	x.attachMeta(res, report, crvRes)
	return res
}

func (x *Executor) attachMeta(res *contracts.Result, report *effort.Report, crvRes *crv.Result) {
	if report != nil {
		res.SetMeta("effort", report)
	}
	if crvRes != nil {
		res.SetMeta("crv", crvRes)
	}
}

func (x *Executor) emit(t telemetry.EventType, req *contracts.Request, attrs map[string]any) {
	x.collector.RecordEvent(telemetry.Event{
		Type:          t,
		CorrelationID: req.CorrelationID(),
		WorkflowID:    req.WorkflowID,
		TaskID:        req.TaskID,
		StepID:        req.StepID,
		Timestamp:     x.now(),
		Attributes:    attrs,
	})
}

func (x *Executor) emitCRV(req *contracts.Request, res *crv.Result) {
	attrs := map[string]any{
		"passed":  res.Passed,
		"blocked": res.BlockedCommit,
	}
	if res.FailureCode != "" {
		attrs["failure_code"] = string(res.FailureCode)
	}
	x.collector.RecordEvent(telemetry.Event{
		Type:          telemetry.EventCRVResult,
		CorrelationID: req.CorrelationID(),
		WorkflowID:    req.WorkflowID,
		TaskID:        req.TaskID,
		StepID:        req.StepID,
		Timestamp:     x.now(),
		Attributes:    attrs,
	})
}

// asTaxonomy coerces an arbitrary error into the structured shape.
func asTaxonomy(err error) *contracts.Error {
	var ce *contracts.Error
	if errors.As(err, &ce) {
		return ce
	}
	return contracts.Wrap(contracts.CodeOf(err), "tool execution failed", err)
}

// errAsResult recovers a failed tool result threaded through the
// degrader as an error.
func errAsResult(err error) (*contracts.Result, bool) {
	var ce *contracts.Error
	if errors.As(err, &ce) {
		return &contracts.Result{Success: false, Error: ce}, true
	}
	return nil, false
}
