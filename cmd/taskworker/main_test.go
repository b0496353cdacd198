package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workflowmanager/engine/moduleregistry"
	"github.com/workflowmanager/engine/moduleregistry/modules"
	"github.com/workflowmanager/engine/taskqueue"
)

func TestModuleTaskHandlerDispatchesToRegisteredModule(t *testing.T) {
	registry := moduleregistry.New()
	transformMap, err := modules.NewTransformMap()
	require.NoError(t, err)
	require.NoError(t, registry.Register(transformMap))

	handler := moduleTaskHandler(registry)
	task := &taskqueue.Task{
		TaskID: "task_1",
		Payload: map[string]any{
			"module_id": "transform.map",
			"inputs": map[string]any{
				"source":   map[string]any{"x": "y"},
				"mappings": []any{map[string]any{"from": "x", "to": "out"}},
			},
		},
	}

	result, response, err := handler(context.Background(), task)
	require.NoError(t, err)
	assert.Nil(t, response)
	assert.Equal(t, "y", result["out"])
}

func TestModuleTaskHandlerErrorsOnUnknownModule(t *testing.T) {
	registry := moduleregistry.New()
	handler := moduleTaskHandler(registry)

	task := &taskqueue.Task{TaskID: "task_2", Payload: map[string]any{"module_id": "does.not.exist"}}
	_, _, err := handler(context.Background(), task)
	assert.Error(t, err)
}

func TestModuleTaskHandlerRequiresModuleID(t *testing.T) {
	registry := moduleregistry.New()
	handler := moduleTaskHandler(registry)

	task := &taskqueue.Task{TaskID: "task_3", Payload: map[string]any{}}
	_, _, err := handler(context.Background(), task)
	assert.Error(t, err)
}
