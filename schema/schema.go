// Package schema compiles and validates JSON Schema documents shared by
// the Module Registry (module input/output contracts) and the Parameter
// Resolver boundary.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema is a compiled JSON Schema ready for repeated validation.
type Schema struct {
	compiled *jsonschema.Schema
}

// Compile parses and compiles a JSON Schema document. An empty or nil
// document compiles to a Schema that accepts anything.
func Compile(name string, document json.RawMessage) (*Schema, error) {
	if len(document) == 0 {
		return &Schema{}, nil
	}

	var doc any
	if err := json.Unmarshal(document, &doc); err != nil {
		return nil, fmt.Errorf("schema: unmarshal %q: %w", name, err)
	}

	c := jsonschema.NewCompiler()
	resourceName := name + ".json"
	if err := c.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("schema: add resource %q: %w", name, err)
	}
	compiled, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("schema: compile %q: %w", name, err)
	}
	return &Schema{compiled: compiled}, nil
}

// Validate checks value against the compiled schema. A Schema with no
// underlying document (see Compile) always succeeds.
func (s *Schema) Validate(value any) error {
	if s == nil || s.compiled == nil {
		return nil
	}
	if err := s.compiled.Validate(value); err != nil {
		return fmt.Errorf("schema: validation failed: %w", err)
	}
	return nil
}

// ValidateJSON unmarshals raw and validates it against the compiled
// schema.
func (s *Schema) ValidateJSON(raw json.RawMessage) error {
	if len(raw) == 0 {
		return s.Validate(nil)
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("schema: unmarshal value: %w", err)
	}
	return s.Validate(value)
}
