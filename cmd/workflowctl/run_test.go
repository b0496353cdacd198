package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefinitionAcceptsJSONAndYAML(t *testing.T) {
	jsonDef, err := loadDefinition("testdata/sample_workflow.json")
	require.NoError(t, err)
	require.Len(t, jsonDef.Steps, 3)
	assert.Equal(t, "step_1", jsonDef.Steps[0].ID)

	yamlDef, err := loadDefinition("testdata/sample_workflow.yaml")
	require.NoError(t, err)
	require.Len(t, yamlDef.Steps, 1)
	assert.Equal(t, "http.fetch", yamlDef.Steps[0].Modules[0].ModuleID)
}

func TestLoadTreeRejectsUnreadableFile(t *testing.T) {
	_, err := loadTree("testdata/does-not-exist.json")
	assert.Error(t, err)
}
