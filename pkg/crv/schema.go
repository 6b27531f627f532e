package crv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
)

// SchemaValidator validates the commit payload against a JSON Schema
// (Draft 2020-12). Compilation happens once on first use; a schema that
// fails to compile rejects every commit.
func SchemaValidator(name string, schema map[string]any) Validator {
	var (
		once     sync.Once
		compiled *jsonschema.Schema
		compErr  error
	)
	compile := func() {
		raw, err := json.Marshal(schema)
		if err != nil {
			compErr = fmt.Errorf("marshal schema %s: %w", name, err)
			return
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://keel.schemas.local/crv/%s.schema.json", name)
		if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
			compErr = fmt.Errorf("add schema %s: %w", name, err)
			return
		}
		compiled, compErr = c.Compile(url)
	}

	return NewValidator("schema_"+name, contracts.FailureMissingData,
		func(commit *contracts.Commit) ValidationResult {
			once.Do(compile)
			if compErr != nil {
				return Invalid(1.0, "schema unavailable: %v", compErr)
			}
			doc, err := roundTrip(commit.Payload)
			if err != nil {
				return Invalid(1.0, "payload not representable as JSON: %v", err)
			}
			if err := compiled.Validate(doc); err != nil {
				return Invalid(1.0, "payload violates schema %s: %v", name, err)
			}
			return Valid(1.0)
		})
}

// roundTrip renders the payload to the generic JSON shape the schema
// library validates.
func roundTrip(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
