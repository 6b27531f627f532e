package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Crosswind-Labs/keel/pkg/canonicalize"
	"github.com/Crosswind-Labs/keel/pkg/contracts"
	"github.com/Crosswind-Labs/keel/pkg/outbox"
	"github.com/Crosswind-Labs/keel/pkg/telemetry"
)

// DefaultTimeout bounds a tool call when neither the call nor the
// wrapper configures one.
const DefaultTimeout = 30 * time.Second

// ExecContext identifies the workflow step a call belongs to and carries
// the per-call timeout budget.
type ExecContext struct {
	WorkflowID string
	TaskID     string
	StepID     string
	Timeout    time.Duration
}

func (ec ExecContext) correlationID() string {
	return ec.WorkflowID + "/" + ec.TaskID + "/" + ec.StepID
}

// Wrapper executes registered tools with validation, redacted telemetry,
// timeouts, and side-effect routing. The wrapper owns no durable state;
// it threads the outbox or cache through execution.
type Wrapper struct {
	registry    Registry
	schemas     *schemaCompiler
	engine      *outbox.Engine
	cache       ResultCache
	collector   telemetry.Collector
	timeout     time.Duration
	maxAttempts int
}

// WrapperOption configures a Wrapper.
type WrapperOption func(*Wrapper)

// WithOutbox routes side-effecting tools through the outbox engine.
func WithOutbox(engine *outbox.Engine) WrapperOption {
	return func(w *Wrapper) { w.engine = engine }
}

// WithCache routes side-effecting tools through a result cache when no
// outbox is configured.
func WithCache(cache ResultCache) WrapperOption {
	return func(w *Wrapper) { w.cache = cache }
}

// WithCollector attaches a telemetry sink.
func WithCollector(c telemetry.Collector) WrapperOption {
	return func(w *Wrapper) { w.collector = c }
}

// WithTimeout sets the default per-call timeout.
func WithTimeout(d time.Duration) WrapperOption {
	return func(w *Wrapper) { w.timeout = d }
}

// WithMaxAttempts bounds outbox retries per idempotency key.
func WithMaxAttempts(n int) WrapperOption {
	return func(w *Wrapper) { w.maxAttempts = n }
}

// NewWrapper creates a tool wrapper over the given registry.
func NewWrapper(registry Registry, opts ...WrapperOption) *Wrapper {
	w := &Wrapper{
		registry:    registry,
		schemas:     newSchemaCompiler(),
		collector:   telemetry.Nop{},
		timeout:     DefaultTimeout,
		maxAttempts: 3,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Execute runs one tool call end to end. It never panics across the
// boundary and never returns a raw error: failures come back as a Result
// with success=false and a taxonomy error.
func (w *Wrapper) Execute(ctx context.Context, ec ExecContext, toolID string, params map[string]any) *contracts.Result {
	spec, handler, ok := w.registry.Resolve(toolID)
	if !ok {
		return failure(contracts.Errorf(contracts.ErrFatal, "unknown tool %s", toolID))
	}

	w.collector.RecordEvent(telemetry.Event{
		Type:          telemetry.EventToolCall,
		CorrelationID: ec.correlationID(),
		WorkflowID:    ec.WorkflowID,
		TaskID:        ec.TaskID,
		StepID:        ec.StepID,
		Timestamp:     time.Now(),
		Attributes: map[string]any{
			"tool_id": toolID,
			"params":  Sanitize(params),
		},
	})

	if err := w.validateInput(spec, params); err != nil {
		return failure(err)
	}

	timeout := ec.Timeout
	if timeout <= 0 {
		timeout = w.timeout
	}

	switch {
	case spec.HasSideEffects && w.engine != nil:
		return w.executeViaOutbox(ctx, ec, spec, handler, params, timeout)
	case spec.HasSideEffects && w.cache != nil:
		return w.executeViaCache(ctx, ec, spec, handler, params, timeout)
	default:
		data, err := w.run(ctx, spec, handler, params, timeout)
		if err != nil {
			return failure(err)
		}
		return &contracts.Result{Success: true, Data: data}
	}
}

// validateInput checks required parameters, then the declared schema.
func (w *Wrapper) validateInput(spec contracts.ToolSpec, params map[string]any) error {
	for _, p := range spec.Params {
		if !p.Required {
			continue
		}
		if _, present := params[p.Name]; !present {
			return contracts.Errorf(contracts.ErrSchemaInvalid,
				"tool %s: missing required parameter %s", spec.ID, p.Name)
		}
	}

	schema, err := w.schemas.compile(spec.ID, "input", spec.InputSchema)
	if err != nil {
		return contracts.Wrap(contracts.ErrSchemaInvalid, "input schema unusable", err)
	}
	if schema == nil {
		return nil
	}

	normalized, err := normalizeForSchema(params)
	if err != nil {
		return contracts.Wrap(contracts.ErrSchemaInvalid, "params not serializable", err)
	}
	if err := schema.Validate(normalized); err != nil {
		return contracts.Wrap(contracts.ErrSchemaInvalid,
			fmt.Sprintf("tool %s: input rejected", spec.ID), err)
	}
	return nil
}

// validateOutput checks the handler result against the output schema.
func (w *Wrapper) validateOutput(spec contracts.ToolSpec, data any) error {
	schema, err := w.schemas.compile(spec.ID, "output", spec.OutputSchema)
	if err != nil {
		return contracts.Wrap(contracts.ErrSchemaInvalid, "output schema unusable", err)
	}
	if schema == nil {
		return nil
	}
	normalized, err := normalizeForSchema(data)
	if err != nil {
		return contracts.Wrap(contracts.ErrSchemaInvalid, "result not serializable", err)
	}
	if err := schema.Validate(normalized); err != nil {
		return contracts.Wrap(contracts.ErrSchemaInvalid,
			fmt.Sprintf("tool %s: output rejected", spec.ID), err)
	}
	return nil
}

// run executes the handler under a deadline race. When the deadline
// fires the underlying execution is cancelled via context but the
// wrapper's return is not delayed by it.
func (w *Wrapper) run(ctx context.Context, spec contracts.ToolSpec, handler Handler, params map[string]any, timeout time.Duration) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: contracts.Errorf(contracts.ErrFatal, "tool %s panicked: %v", spec.ID, r)}
			}
		}()
		data, err := handler(callCtx, params)
		done <- outcome{data: data, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		if err := w.validateOutput(spec, out.data); err != nil {
			return nil, err
		}
		return out.data, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, contracts.Wrap(contracts.ErrCancelled, "tool call cancelled", ctx.Err())
		}
		return nil, contracts.Errorf(contracts.ErrTimeout, "tool %s exceeded %s", spec.ID, timeout)
	}
}

// executeViaOutbox delegates to the outbox engine so the side effect
// lands at most once per idempotency key.
func (w *Wrapper) executeViaOutbox(ctx context.Context, ec ExecContext, spec contracts.ToolSpec, handler Handler, params map[string]any, timeout time.Duration) *contracts.Result {
	key, err := canonicalize.IdempotencyKey(ec.TaskID, ec.StepID, spec.ID, params)
	if err != nil {
		return failure(contracts.Wrap(contracts.ErrSchemaInvalid, "idempotency key derivation", err))
	}

	exec, err := w.engine.Execute(ctx, key, params, func(execCtx context.Context, p map[string]any) (any, error) {
		return w.run(execCtx, spec, handler, p, timeout)
	}, w.maxAttempts)
	if err != nil {
		return failure(err)
	}

	var data any
	if len(exec.Result) > 0 {
		if uerr := json.Unmarshal(exec.Result, &data); uerr != nil {
			return failure(contracts.Wrap(contracts.ErrFatal, "stored result unreadable", uerr))
		}
	}
	res := &contracts.Result{Success: true, Data: data, Replayed: exec.Replayed}
	res.SetMeta("idempotency_key", key)
	res.SetMeta("attempts", exec.Attempts)
	return res
}

// executeViaCache replays from the result cache, executing and caching
// on miss. Failures are never cached.
func (w *Wrapper) executeViaCache(ctx context.Context, ec ExecContext, spec contracts.ToolSpec, handler Handler, params map[string]any, timeout time.Duration) *contracts.Result {
	key, err := canonicalize.IdempotencyKey(ec.TaskID, ec.StepID, spec.ID, params)
	if err != nil {
		return failure(contracts.Wrap(contracts.ErrSchemaInvalid, "idempotency key derivation", err))
	}

	if cached, hit := w.cache.Get(key); hit {
		res := &contracts.Result{Success: true, Data: cached, Replayed: true}
		res.SetMeta("idempotency_key", key)
		return res
	}

	data, err := w.run(ctx, spec, handler, params, timeout)
	if err != nil {
		return failure(err)
	}
	w.cache.Put(key, data)
	res := &contracts.Result{Success: true, Data: data}
	res.SetMeta("idempotency_key", key)
	return res
}

// failure converts an error into the non-throwing result shape.
func failure(err error) *contracts.Result {
	var ce *contracts.Error
	if !errors.As(err, &ce) {
		ce = contracts.Wrap(contracts.ErrFatal, "tool execution failed", err)
	}
	return &contracts.Result{Success: false, Error: ce}
}
