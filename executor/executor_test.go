package executor_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workflowmanager/engine/branchgraph"
	branchinmem "github.com/workflowmanager/engine/branchgraph/inmem"
	"github.com/workflowmanager/engine/deriver"
	"github.com/workflowmanager/engine/eventstore"
	eventinmem "github.com/workflowmanager/engine/eventstore/inmem"
	"github.com/workflowmanager/engine/executor"
	"github.com/workflowmanager/engine/moduleregistry"
	"github.com/workflowmanager/engine/schema"
	"github.com/workflowmanager/engine/usage"
	"github.com/workflowmanager/engine/workflowdef"
)

// passthroughResolver returns rawInputs unchanged; it exists so executor
// tests don't need a full expression engine to exercise the step/module
// loop.
type passthroughResolver struct{}

func (passthroughResolver) Resolve(_ context.Context, rawInputs map[string]any, _, _, _ map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(rawInputs))
	for k, v := range rawInputs {
		out[k] = v
	}
	return out, nil
}

type recordingRunStore struct {
	processing     []string
	stepNames      []string
	awaitingInput  []string
	completedCalls int
}

func (r *recordingRunStore) SetProcessing(_ context.Context, _, stepID, stepName string) error {
	r.processing = append(r.processing, stepID)
	r.stepNames = append(r.stepNames, stepName)
	return nil
}

func (r *recordingRunStore) SetAwaitingInput(_ context.Context, _, moduleName string) error {
	r.awaitingInput = append(r.awaitingInput, moduleName)
	return nil
}

func (r *recordingRunStore) SetCompleted(context.Context, string) error {
	r.completedCalls++
	return nil
}

func openSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Compile("test", nil)
	require.NoError(t, err)
	return s
}

type echoModule struct {
	id string
	in *schema.Schema
}

func (m echoModule) ModuleID() string            { return m.id }
func (m echoModule) InputSchema() *schema.Schema  { return m.in }
func (m echoModule) OutputSchema() *schema.Schema { return m.in }
func (m echoModule) Execute(_ context.Context, inputs map[string]any, _ moduleregistry.ExecutionContext) (map[string]any, error) {
	return map[string]any{"echoed": inputs["text"]}, nil
}

type failingModule struct {
	id string
	in *schema.Schema
}

func (m failingModule) ModuleID() string            { return m.id }
func (m failingModule) InputSchema() *schema.Schema  { return m.in }
func (m failingModule) OutputSchema() *schema.Schema { return m.in }
func (m failingModule) Execute(context.Context, map[string]any, moduleregistry.ExecutionContext) (map[string]any, error) {
	return nil, errors.New("boom")
}

type usageEmittingModule struct {
	id string
	in *schema.Schema
}

func (m usageEmittingModule) ModuleID() string            { return m.id }
func (m usageEmittingModule) InputSchema() *schema.Schema  { return m.in }
func (m usageEmittingModule) OutputSchema() *schema.Schema { return m.in }
func (m usageEmittingModule) Execute(_ context.Context, inputs map[string]any, _ moduleregistry.ExecutionContext) (map[string]any, error) {
	return map[string]any{
		"text": "hi",
		"usage": map[string]any{
			"input_tokens":  float64(10),
			"output_tokens": float64(4),
		},
	}, nil
}

type recordingUsageStore struct {
	records []usage.Record
}

func (r *recordingUsageStore) Record(_ context.Context, rec usage.Record) error {
	r.records = append(r.records, rec)
	return nil
}

type selectModule struct {
	id string
	in *schema.Schema
}

func (m selectModule) ModuleID() string            { return m.id }
func (m selectModule) InputSchema() *schema.Schema  { return m.in }
func (m selectModule) OutputSchema() *schema.Schema { return m.in }
func (m selectModule) GetInteractionRequest(context.Context, map[string]any, moduleregistry.ExecutionContext) (moduleregistry.InteractionRequest, error) {
	return moduleregistry.InteractionRequest{InteractionID: "int-1", InteractionType: "selection"}, nil
}
func (m selectModule) ExecuteWithResponse(context.Context, map[string]any, moduleregistry.ExecutionContext, map[string]any) (map[string]any, error) {
	return map[string]any{"selected": "a"}, nil
}

func setup(t *testing.T) (*executor.Executor, eventstore.Store, branchgraph.Store, *recordingRunStore, string, string) {
	t.Helper()
	events := eventinmem.New()
	branches := branchinmem.New()
	registry := moduleregistry.New()

	sch := openSchema(t)
	require.NoError(t, registry.Register(echoModule{id: "echo.text", in: sch}))
	require.NoError(t, registry.Register(failingModule{id: "always.fail", in: sch}))
	require.NoError(t, registry.Register(selectModule{id: "user.select", in: sch}))

	runs := &recordingRunStore{}
	x := executor.New(events, registry, passthroughResolver{}, runs, nil)

	branch, err := branches.CreateRoot(context.Background(), "run-1")
	require.NoError(t, err)

	return x, events, branches, runs, "run-1", branch.ID
}

func twoStepDefinition() workflowdef.Definition {
	return workflowdef.Definition{
		Steps: []workflowdef.Step{
			{
				ID:   "s1",
				Name: "Step {step_number}",
				Modules: []workflowdef.ModuleConfig{
					{ModuleID: "echo.text", Name: "echo", Inputs: map[string]any{"text": "hi"}, OutputsToState: map[string]string{"echoed": "greeting"}},
				},
			},
			{
				ID:   "s2",
				Name: "Step {step_number}",
				Modules: []workflowdef.ModuleConfig{
					{ModuleID: "echo.text", Name: "echo2", Inputs: map[string]any{"text": "bye"}, OutputsToState: map[string]string{"echoed": "farewell"}},
				},
			},
		},
	}
}

func TestExecuteFromPositionRunsToCompletion(t *testing.T) {
	x, events, _, runs, runID, branchID := setup(t)
	def := twoStepDefinition()

	outcome, err := x.ExecuteFromPosition(context.Background(), runID, branchID, def, deriver.Position{}, nil)
	require.NoError(t, err)
	assert.Equal(t, executor.Completed, outcome.Kind)
	assert.Equal(t, "hi", outcome.FinalState["greeting"])
	assert.Equal(t, "bye", outcome.FinalState["farewell"])
	assert.Equal(t, 1, runs.completedCalls)
	assert.Equal(t, []string{"s1", "s2"}, runs.processing)

	all, err := events.Query(context.Background(), runID, eventstore.Filter{}, 0)
	require.NoError(t, err)

	var types []eventstore.Type
	for _, e := range all {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, eventstore.StepStarted)
	assert.Contains(t, types, eventstore.ModuleCompleted)
	assert.Contains(t, types, eventstore.StepCompleted)
	assert.Contains(t, types, eventstore.WorkflowCompleted)
}

func TestExecuteFromPositionResumesFromCurrentModuleIndex(t *testing.T) {
	x, _, _, _, runID, branchID := setup(t)
	def := workflowdef.Definition{
		Steps: []workflowdef.Step{
			{ID: "s1", Modules: []workflowdef.ModuleConfig{
				{ModuleID: "echo.text", Name: "first", Inputs: map[string]any{"text": "should-not-run"}},
				{ModuleID: "echo.text", Name: "second", Inputs: map[string]any{"text": "world"}, OutputsToState: map[string]string{"echoed": "greeting"}},
			}},
		},
	}

	pos := deriver.Position{CurrentStep: "s1", CurrentModuleIndex: 1}
	outcome, err := x.ExecuteFromPosition(context.Background(), runID, branchID, def, pos, map[string]any{"existing": "state"})
	require.NoError(t, err)
	assert.Equal(t, executor.Completed, outcome.Kind)
	assert.Equal(t, "world", outcome.FinalState["greeting"])
	assert.Equal(t, "state", outcome.FinalState["existing"])
}

func TestExecuteFromPositionSkipsCompletedSteps(t *testing.T) {
	x, _, _, _, runID, branchID := setup(t)
	def := twoStepDefinition()

	pos := deriver.Position{CompletedSteps: []string{"s1"}}
	outcome, err := x.ExecuteFromPosition(context.Background(), runID, branchID, def, pos, nil)
	require.NoError(t, err)
	assert.Equal(t, executor.Completed, outcome.Kind)
	_, hasGreeting := outcome.FinalState["greeting"]
	assert.False(t, hasGreeting)
	assert.Equal(t, "bye", outcome.FinalState["farewell"])
}

func TestExecuteFromPositionSuspendsOnInteractiveModule(t *testing.T) {
	x, events, _, runs, runID, branchID := setup(t)
	def := workflowdef.Definition{
		Steps: []workflowdef.Step{
			{ID: "s1", Modules: []workflowdef.ModuleConfig{
				{ModuleID: "user.select", Name: "pick", Inputs: map[string]any{}},
			}},
		},
	}

	outcome, err := x.ExecuteFromPosition(context.Background(), runID, branchID, def, deriver.Position{}, nil)
	require.NoError(t, err)
	assert.Equal(t, executor.AwaitingInput, outcome.Kind)
	require.NotNil(t, outcome.InteractionRequest)
	assert.Equal(t, "int-1", outcome.InteractionRequest.InteractionID)
	assert.Equal(t, []string{"pick"}, runs.awaitingInput)

	all, err := events.Query(context.Background(), runID, eventstore.Filter{}, 0)
	require.NoError(t, err)
	var sawInteraction bool
	for _, e := range all {
		if e.Type == eventstore.InteractionRequest {
			sawInteraction = true
			assert.Equal(t, "user.select", e.Data["module_id"])
		}
	}
	assert.True(t, sawInteraction)

	// step_completed must never be appended while awaiting input.
	for _, e := range all {
		assert.NotEqual(t, eventstore.StepCompleted, e.Type)
	}
}

func TestExecuteFromPositionReturnsErrorOnModuleFailure(t *testing.T) {
	x, events, _, _, runID, branchID := setup(t)
	def := workflowdef.Definition{
		Steps: []workflowdef.Step{
			{ID: "s1", Modules: []workflowdef.ModuleConfig{
				{ModuleID: "always.fail", Name: "boom", Inputs: map[string]any{}},
			}},
		},
	}

	outcome, err := x.ExecuteFromPosition(context.Background(), runID, branchID, def, deriver.Position{}, nil)
	require.NoError(t, err)
	assert.Equal(t, executor.Errored, outcome.Kind)
	assert.Contains(t, outcome.Message, "boom")

	all, err := events.Query(context.Background(), runID, eventstore.Filter{}, 0)
	require.NoError(t, err)
	var sawModuleError bool
	for _, e := range all {
		if e.Type == eventstore.ModuleError {
			sawModuleError = true
		}
	}
	assert.True(t, sawModuleError)
}

func TestExecuteFromPositionErrorsOnUnknownModule(t *testing.T) {
	x, _, _, _, runID, branchID := setup(t)
	def := workflowdef.Definition{
		Steps: []workflowdef.Step{
			{ID: "s1", Modules: []workflowdef.ModuleConfig{
				{ModuleID: "does.not.exist", Name: "mystery", Inputs: map[string]any{}},
			}},
		},
	}

	outcome, err := x.ExecuteFromPosition(context.Background(), runID, branchID, def, deriver.Position{}, nil)
	require.NoError(t, err)
	assert.Equal(t, executor.Errored, outcome.Kind)
}

func TestExecuteFromModuleDoesNotReannounceResumedStep(t *testing.T) {
	x, events, _, runs, runID, branchID := setup(t)
	def := twoStepDefinition()

	require.NoError(t, events.Append(context.Background(), &eventstore.Event{
		RunID: runID, BranchID: branchID, Type: eventstore.StepStarted, StepID: "s1",
	}))

	outcome, err := x.ExecuteFromModule(context.Background(), runID, branchID, def, 0, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, executor.Completed, outcome.Kind)
	assert.Equal(t, "hi", outcome.FinalState["greeting"])
	assert.Equal(t, "bye", outcome.FinalState["farewell"])

	// Only step s2 should have been freshly announced; s1 must not get a
	// second step_started/processing entry from this re-entry.
	assert.Equal(t, []string{"s2"}, runs.processing)

	all, err := events.Query(context.Background(), runID, eventstore.Filter{Types: []eventstore.Type{eventstore.StepStarted}}, 0)
	require.NoError(t, err)
	var s1Starts int
	for _, e := range all {
		if e.StepID == "s1" {
			s1Starts++
		}
	}
	assert.Equal(t, 1, s1Starts)
}

func TestExecuteFromPositionSubstitutesStepNumberPlaceholder(t *testing.T) {
	x, _, _, runs, runID, branchID := setup(t)
	def := workflowdef.Definition{
		Steps: []workflowdef.Step{
			{ID: "s1", Name: "Step {step_number}: intro", Modules: []workflowdef.ModuleConfig{
				{ModuleID: "echo.text", Name: "echo", Inputs: map[string]any{"text": "x"}},
			}},
		},
	}

	_, err := x.ExecuteFromPosition(context.Background(), runID, branchID, def, deriver.Position{}, nil)
	require.NoError(t, err)
	require.Len(t, runs.stepNames, 1)
	assert.Equal(t, "Step 1: intro", runs.stepNames[0])
}

func TestExecuteFromPositionRecordsTokenUsageWhenPresent(t *testing.T) {
	x, _, _, _, runID, branchID := setup(t)
	require.NoError(t, x.Registry.Register(usageEmittingModule{id: "llm.call", in: openSchema(t)}))

	usageStore := &recordingUsageStore{}
	x.Usage = usageStore

	def := workflowdef.Definition{
		Steps: []workflowdef.Step{
			{ID: "s1", Modules: []workflowdef.ModuleConfig{
				{ModuleID: "llm.call", Name: "ask", Inputs: map[string]any{"model": "claude"}},
			}},
		},
	}

	outcome, err := x.ExecuteFromPosition(context.Background(), runID, branchID, def, deriver.Position{}, nil)
	require.NoError(t, err)
	assert.Equal(t, executor.Completed, outcome.Kind)

	require.Len(t, usageStore.records, 1)
	rec := usageStore.records[0]
	assert.Equal(t, runID, rec.RunID)
	assert.Equal(t, "s1", rec.StepID)
	assert.Equal(t, "ask", rec.ModuleName)
	assert.Equal(t, "claude", rec.Model)
	assert.EqualValues(t, 10, rec.PromptTokens)
	assert.EqualValues(t, 4, rec.CompletionTokens)
	assert.EqualValues(t, 14, rec.TotalTokens)
}

func TestExecuteFromPositionSkipsUsageForModulesWithoutIt(t *testing.T) {
	x, _, _, _, runID, branchID := setup(t)
	usageStore := &recordingUsageStore{}
	x.Usage = usageStore

	def := twoStepDefinition()
	outcome, err := x.ExecuteFromPosition(context.Background(), runID, branchID, def, deriver.Position{}, nil)
	require.NoError(t, err)
	assert.Equal(t, executor.Completed, outcome.Kind)
	assert.Empty(t, usageStore.records)
}
