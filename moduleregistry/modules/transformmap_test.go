package modules_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workflowmanager/engine/moduleregistry"
	"github.com/workflowmanager/engine/moduleregistry/modules"
)

func TestTransformMapCopiesDottedPaths(t *testing.T) {
	m, err := modules.NewTransformMap()
	require.NoError(t, err)

	inputs := map[string]any{
		"source": map[string]any{
			"user": map[string]any{"name": "ada"},
		},
		"mappings": []any{
			map[string]any{"from": "user.name", "to": "output.display_name"},
		},
	}

	out, err := m.Execute(context.Background(), inputs, moduleregistry.ExecutionContext{})
	require.NoError(t, err)

	outputMap, ok := out["output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ada", outputMap["display_name"])
}

func TestTransformMapSkipsMissingSourcePaths(t *testing.T) {
	m, err := modules.NewTransformMap()
	require.NoError(t, err)

	inputs := map[string]any{
		"source":   map[string]any{},
		"mappings": []any{map[string]any{"from": "absent.path", "to": "out"}},
	}

	out, err := m.Execute(context.Background(), inputs, moduleregistry.ExecutionContext{})
	require.NoError(t, err)
	assert.Empty(t, out)
}
