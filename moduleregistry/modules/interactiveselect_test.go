package modules_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workflowmanager/engine/moduleregistry"
	"github.com/workflowmanager/engine/moduleregistry/modules"
)

func TestInteractiveSelectRequestCarriesOptions(t *testing.T) {
	m, err := modules.NewInteractiveSelect()
	require.NoError(t, err)

	inputs := map[string]any{"prompt": "pick one", "options": []any{"a", "b"}}
	req, err := m.GetInteractionRequest(context.Background(), inputs, moduleregistry.ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, "selection", req.InteractionType)
	assert.Equal(t, inputs, req.ResolvedInputs)
}

func TestInteractiveSelectExecuteWithResponseAcceptsValidSelection(t *testing.T) {
	m, err := modules.NewInteractiveSelect()
	require.NoError(t, err)

	inputs := map[string]any{"prompt": "pick one", "options": []any{"a", "b"}}
	out, err := m.ExecuteWithResponse(context.Background(), inputs, moduleregistry.ExecutionContext{}, map[string]any{"selected": "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, out["selected"])
}

func TestInteractiveSelectExecuteWithResponseRejectsUnknownOption(t *testing.T) {
	m, err := modules.NewInteractiveSelect()
	require.NoError(t, err)

	inputs := map[string]any{"prompt": "pick one", "options": []any{"a", "b"}}
	_, err = m.ExecuteWithResponse(context.Background(), inputs, moduleregistry.ExecutionContext{}, map[string]any{"selected": "c"})
	assert.Error(t, err)
}

func TestInteractiveSelectExecuteWithResponseRejectsMultipleWhenDisallowed(t *testing.T) {
	m, err := modules.NewInteractiveSelect()
	require.NoError(t, err)

	inputs := map[string]any{"prompt": "pick one", "options": []any{"a", "b"}}
	_, err = m.ExecuteWithResponse(context.Background(), inputs, moduleregistry.ExecutionContext{}, map[string]any{"selected": []any{"a", "b"}})
	assert.Error(t, err)
}

func TestInteractiveSelectExecuteWithResponseAllowsMultipleWhenConfigured(t *testing.T) {
	m, err := modules.NewInteractiveSelect()
	require.NoError(t, err)

	inputs := map[string]any{"prompt": "pick any", "options": []any{"a", "b"}, "allow_multiple": true}
	out, err := m.ExecuteWithResponse(context.Background(), inputs, moduleregistry.ExecutionContext{}, map[string]any{"selected": []any{"a", "b"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, out["selected"])
}
