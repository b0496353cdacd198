package schema_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workflowmanager/engine/schema"
)

func TestCompileEmptyDocumentAcceptsAnything(t *testing.T) {
	s, err := schema.Compile("empty", nil)
	require.NoError(t, err)
	assert.NoError(t, s.Validate(map[string]any{"anything": 1}))
	assert.NoError(t, s.Validate(nil))
}

func TestValidateRejectsMissingRequiredProperty(t *testing.T) {
	doc := json.RawMessage(`{
		"type": "object",
		"properties": {"prompt": {"type": "string"}},
		"required": ["prompt"]
	}`)
	s, err := schema.Compile("llm.call.inputs", doc)
	require.NoError(t, err)

	err = s.Validate(map[string]any{})
	assert.Error(t, err)

	err = s.Validate(map[string]any{"prompt": "hello"})
	assert.NoError(t, err)
}

func TestValidateJSONUnmarshalsBeforeValidating(t *testing.T) {
	doc := json.RawMessage(`{"type": "object", "properties": {"count": {"type": "integer"}}}`)
	s, err := schema.Compile("counter", doc)
	require.NoError(t, err)

	assert.NoError(t, s.ValidateJSON(json.RawMessage(`{"count": 3}`)))
	assert.Error(t, s.ValidateJSON(json.RawMessage(`{"count": "not a number"}`)))
}

func TestCompileInvalidSchemaReturnsError(t *testing.T) {
	_, err := schema.Compile("broken", json.RawMessage(`{"type": 123}`))
	assert.Error(t, err)
}
