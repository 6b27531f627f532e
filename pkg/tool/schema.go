package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaCompiler compiles and caches JSON Schemas declared on tool
// specs. Compilation happens once per tool and direction; validation is
// Draft 2020-12 with the library's own cycle handling, so recursive
// schemas terminate.
type schemaCompiler struct {
	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

func newSchemaCompiler() *schemaCompiler {
	return &schemaCompiler{cache: make(map[string]*jsonschema.Schema)}
}

// compile returns the compiled schema for the given tool and direction
// ("input" or "output"), or nil when the spec declares none.
func (c *schemaCompiler) compile(toolID, direction string, schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, nil
	}

	key := toolID + "/" + direction
	c.mu.Lock()
	defer c.mu.Unlock()
	if compiled, ok := c.cache[key]; ok {
		return compiled, nil
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("tool %s %s schema not serializable: %w", toolID, direction, err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://keel.schemas.local/tools/%s.%s.schema.json", toolID, direction)
	if err := compiler.AddResource(schemaURL, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("tool %s %s schema load failed: %w", toolID, direction, err)
	}
	compiled, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("tool %s %s schema compile failed: %w", toolID, direction, err)
	}
	c.cache[key] = compiled
	return compiled, nil
}

// normalizeForSchema round-trips a value through JSON so handler return
// types (structs, typed maps) validate like wire data.
func normalizeForSchema(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return jsonNumbersToFloat(out), nil
}

// jsonNumbersToFloat converts json.Number leaves to float64, the type
// the schema validator expects for numeric checks.
func jsonNumbersToFloat(v any) any {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		for k, val := range t {
			t[k] = jsonNumbersToFloat(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = jsonNumbersToFloat(val)
		}
		return t
	default:
		return v
	}
}
