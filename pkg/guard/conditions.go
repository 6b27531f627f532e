package guard

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ConditionEngine evaluates CEL guard conditions attached to actions.
// A condition sees a single "input" map carrying the principal, action,
// and tool under evaluation; it must return a boolean. Compiled programs
// are cached per expression.
type ConditionEngine struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewConditionEngine creates the engine with the standard environment.
func NewConditionEngine() (*ConditionEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &ConditionEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Evaluate compiles (with caching) and runs the expression against
// input. Non-boolean results are errors: the gate fails closed on them.
func (e *ConditionEngine) Evaluate(expression string, input map[string]any) (bool, error) {
	e.mu.RLock()
	prg, hit := e.cache[expression]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.cache[expression]; !hit {
			ast, issues := e.env.Compile(expression)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("condition compile error: %w", issues.Err())
			}
			p, err := e.env.Program(ast)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("condition program error: %w", err)
			}
			e.cache[expression] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{"input": input})
	if err != nil {
		return false, fmt.Errorf("condition eval error: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return bool")
	}
	return allowed, nil
}
