package modules

import (
	"context"
	"fmt"
	"strings"

	"github.com/workflowmanager/engine/moduleregistry"
	"github.com/workflowmanager/engine/schema"
)

const transformMapInputsDoc = `{
	"type": "object",
	"properties": {
		"source": {"type": "object"},
		"mappings": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"from": {"type": "string"},
					"to": {"type": "string"}
				},
				"required": ["from", "to"]
			}
		}
	},
	"required": ["source", "mappings"]
}`

// TransformMap is a pure, no-I/O executable module: it reads dotted
// paths out of "source" and writes them to dotted paths in its output,
// per a declared list of {from, to} mappings.
type TransformMap struct {
	inputSchema *schema.Schema
}

var _ moduleregistry.ExecutableModule = (*TransformMap)(nil)

// NewTransformMap builds a TransformMap module.
func NewTransformMap() (*TransformMap, error) {
	inputSchema, err := schema.Compile("transform.map.inputs", []byte(transformMapInputsDoc))
	if err != nil {
		return nil, err
	}
	return &TransformMap{inputSchema: inputSchema}, nil
}

// ModuleID implements moduleregistry.Module.
func (m *TransformMap) ModuleID() string { return "transform.map" }

// InputSchema implements moduleregistry.Module.
func (m *TransformMap) InputSchema() *schema.Schema { return m.inputSchema }

// OutputSchema implements moduleregistry.Module. The output shape is
// entirely determined by the caller's mappings, so no fixed schema
// applies.
func (m *TransformMap) OutputSchema() *schema.Schema { return nil }

// Execute implements moduleregistry.ExecutableModule.
func (m *TransformMap) Execute(_ context.Context, inputs map[string]any, _ moduleregistry.ExecutionContext) (map[string]any, error) {
	source, _ := inputs["source"].(map[string]any)
	mappings, _ := inputs["mappings"].([]any)

	out := make(map[string]any)
	for _, raw := range mappings {
		mapping, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		from, _ := mapping["from"].(string)
		to, _ := mapping["to"].(string)
		if from == "" || to == "" {
			return nil, fmt.Errorf("transform.map: mapping missing from/to")
		}
		value, found := getPath(source, from)
		if !found {
			continue
		}
		setPath(out, to, value)
	}
	return out, nil
}

func getPath(m map[string]any, dotted string) (any, bool) {
	parts := strings.Split(dotted, ".")
	var cur any = m
	for _, p := range parts {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = asMap[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(m map[string]any, dotted string, value any) {
	parts := strings.Split(dotted, ".")
	cur := m
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
}
