package modules

import (
	"context"
	"fmt"

	"github.com/workflowmanager/engine/moduleregistry"
	"github.com/workflowmanager/engine/schema"
)

const interactiveSelectInputsDoc = `{
	"type": "object",
	"properties": {
		"prompt": {"type": "string"},
		"options": {
			"type": "array",
			"items": {"type": "string"},
			"minItems": 1
		},
		"allow_multiple": {"type": "boolean"}
	},
	"required": ["prompt", "options"]
}`

const interactiveSelectOutputsDoc = `{
	"type": "object",
	"properties": {
		"selected": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["selected"]
}`

// InteractiveSelect asks the responder to pick one or more of a fixed
// set of options; it answers via its "selected" response key, mirroring
// the clarification-answer signal shape used elsewhere for human-in-the-
// loop round trips.
type InteractiveSelect struct {
	inputSchema  *schema.Schema
	outputSchema *schema.Schema
}

var _ moduleregistry.InteractiveModule = (*InteractiveSelect)(nil)

// NewInteractiveSelect builds an InteractiveSelect module.
func NewInteractiveSelect() (*InteractiveSelect, error) {
	inputSchema, err := schema.Compile("interactive.select.inputs", []byte(interactiveSelectInputsDoc))
	if err != nil {
		return nil, err
	}
	outputSchema, err := schema.Compile("interactive.select.outputs", []byte(interactiveSelectOutputsDoc))
	if err != nil {
		return nil, err
	}
	return &InteractiveSelect{inputSchema: inputSchema, outputSchema: outputSchema}, nil
}

// ModuleID implements moduleregistry.Module.
func (m *InteractiveSelect) ModuleID() string { return "interactive.select" }

// InputSchema implements moduleregistry.Module.
func (m *InteractiveSelect) InputSchema() *schema.Schema { return m.inputSchema }

// OutputSchema implements moduleregistry.Module.
func (m *InteractiveSelect) OutputSchema() *schema.Schema { return m.outputSchema }

// GetInteractionRequest implements moduleregistry.InteractiveModule.
func (m *InteractiveSelect) GetInteractionRequest(_ context.Context, inputs map[string]any, ectx moduleregistry.ExecutionContext) (moduleregistry.InteractionRequest, error) {
	prompt, _ := inputs["prompt"].(string)
	options, _ := inputs["options"].([]any)
	if len(options) == 0 {
		return moduleregistry.InteractionRequest{}, fmt.Errorf("interactive.select: options is required")
	}
	allowMultiple, _ := inputs["allow_multiple"].(bool)

	return moduleregistry.InteractionRequest{
		InteractionType: "selection",
		DisplayPayload: map[string]any{
			"prompt":  prompt,
			"options": options,
		},
		SelectionConstraints: map[string]any{
			"allow_multiple": allowMultiple,
			"min_selections": 1,
		},
		ResolvedInputs: inputs,
	}, nil
}

// ExecuteWithResponse implements moduleregistry.InteractiveModule.
func (m *InteractiveSelect) ExecuteWithResponse(_ context.Context, inputs map[string]any, _ moduleregistry.ExecutionContext, response map[string]any) (map[string]any, error) {
	options, _ := inputs["options"].([]any)
	allowed := make(map[string]bool, len(options))
	for _, o := range options {
		if s, ok := o.(string); ok {
			allowed[s] = true
		}
	}

	raw, ok := response["selected"]
	if !ok {
		return nil, fmt.Errorf("interactive.select: response missing %q", "selected")
	}

	var selected []string
	switch v := raw.(type) {
	case string:
		selected = []string{v}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				selected = append(selected, s)
			}
		}
	default:
		return nil, fmt.Errorf("interactive.select: response %q has unexpected type %T", "selected", raw)
	}

	if len(selected) == 0 {
		return nil, fmt.Errorf("interactive.select: at least one selection is required")
	}
	allowMultiple, _ := inputs["allow_multiple"].(bool)
	if !allowMultiple && len(selected) > 1 {
		return nil, fmt.Errorf("interactive.select: multiple selections not allowed")
	}
	for _, s := range selected {
		if !allowed[s] {
			return nil, fmt.Errorf("interactive.select: %q is not one of the offered options", s)
		}
	}

	return map[string]any{"selected": selected}, nil
}
