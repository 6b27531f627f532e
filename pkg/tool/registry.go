// Package tool wraps registered tools with schema validation, parameter
// redaction, timeout enforcement, and side-effect routing through the
// outbox or a result cache.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
)

// Handler executes one tool call.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Registry resolves tool ids to their specs and handlers.
type Registry interface {
	Register(spec contracts.ToolSpec, handler Handler) error
	Resolve(id string) (contracts.ToolSpec, Handler, bool)
	List() []contracts.ToolSpec
}

// MemoryRegistry is the in-process registry.
type MemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]registered
}

type registered struct {
	spec    contracts.ToolSpec
	handler Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *MemoryRegistry {
	return &MemoryRegistry{tools: make(map[string]registered)}
}

// Register adds a tool. Re-registering an id is an error: live specs are
// immutable so in-flight idempotency keys stay meaningful.
func (r *MemoryRegistry) Register(spec contracts.ToolSpec, handler Handler) error {
	if spec.ID == "" {
		return fmt.Errorf("tool spec missing id")
	}
	if handler == nil {
		return fmt.Errorf("tool %s registered without handler", spec.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.ID]; exists {
		return fmt.Errorf("tool %s already registered", spec.ID)
	}
	r.tools[spec.ID] = registered{spec: spec, handler: handler}
	return nil
}

// Resolve looks up a tool by id.
func (r *MemoryRegistry) Resolve(id string) (contracts.ToolSpec, Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[id]
	return reg.spec, reg.handler, ok
}

// List returns all registered specs sorted by id.
func (r *MemoryRegistry) List() []contracts.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]contracts.ToolSpec, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, reg.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
