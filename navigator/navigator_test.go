package navigator_test

import (
	"context"
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
	"github.com/workflowmanager/engine/navigator"
	"github.com/workflowmanager/engine/schema"
	"github.com/workflowmanager/engine/workflowdef"
)

type passthroughResolver struct{}

func (passthroughResolver) Resolve(_ context.Context, rawInputs map[string]any, _, _, _ map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(rawInputs))
	for k, v := range rawInputs {
		out[k] = v
	}
	return out, nil
}

type recordingBranchUpdater struct {
	runID, branchID string
}

func (r *recordingBranchUpdater) SetCurrentBranch(_ context.Context, runID, branchID string) error {
	r.runID, r.branchID = runID, branchID
	return nil
}

type greetModule struct {
	id string
	in *schema.Schema
}

func (m greetModule) ModuleID() string            { return m.id }
func (m greetModule) InputSchema() *schema.Schema  { return m.in }
func (m greetModule) OutputSchema() *schema.Schema { return m.in }
func (m greetModule) Execute(_ context.Context, inputs map[string]any, ectx moduleregistry.ExecutionContext) (map[string]any, error) {
	out := map[string]any{"reply": inputs["prompt"]}
	if history, ok := ectx.State[navigator.RetryConversationHistoryKey]; ok {
		out["saw_history"] = history
	}
	if feedback, ok := ectx.State[navigator.RetryFeedbackKey]; ok {
		out["saw_feedback"] = feedback
	}
	return out, nil
}

func openSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Compile("test", nil)
	require.NoError(t, err)
	return s
}

func setup(t *testing.T) (*navigator.Navigator, eventstore.Store, branchgraph.Store, *recordingBranchUpdater, string, string) {
	t.Helper()
	events := eventinmem.New()
	branches := branchinmem.New()
	registry := moduleregistry.New()

	sch := openSchema(t)
	require.NoError(t, registry.Register(greetModule{id: "llm.call", in: sch}))

	drv := deriver.New(events, branches)
	x := executor.New(events, registry, passthroughResolver{}, nil, nil)
	bu := &recordingBranchUpdater{}
	nav := navigator.New(events, drv, x, bu, nil)

	branch, err := branches.CreateRoot(context.Background(), "run-1")
	require.NoError(t, err)

	return nav, events, branches, bu, "run-1", branch.ID
}

func askDefinition() workflowdef.Definition {
	return workflowdef.Definition{
		Steps: []workflowdef.Step{
			{ID: "s1", Modules: []workflowdef.ModuleConfig{
				{ModuleID: "llm.call", Name: "ask", Inputs: map[string]any{"prompt": "hello"}, OutputsToState: map[string]string{"reply": "greeting"}},
			}},
			{ID: "s2", Modules: []workflowdef.ModuleConfig{
				{ModuleID: "llm.call", Name: "ask2", Inputs: map[string]any{"prompt": "bye"}},
			}},
		},
	}
}

func TestRetryReEntersTargetModuleAndAppendsEvent(t *testing.T) {
	nav, events, _, _, runID, branchID := setup(t)
	def := askDefinition()

	outcome, err := nav.Retry(context.Background(), runID, branchID, def, "ask", "try again", nil)
	require.NoError(t, err)
	assert.Equal(t, executor.Completed, outcome.Kind)
	assert.Equal(t, "hello", outcome.FinalState["greeting"])

	all, err := events.Query(context.Background(), runID, eventstore.Filter{}, 0)
	require.NoError(t, err)
	var sawRetry bool
	for _, e := range all {
		if e.Type == eventstore.RetryRequested {
			sawRetry = true
			assert.Equal(t, "ask", e.Data["target_module"])
			assert.Equal(t, "try again", e.Data["feedback"])
		}
	}
	assert.True(t, sawRetry)
}

func TestRetryInjectsPriorConversationAndFeedback(t *testing.T) {
	nav, events, _, _, runID, branchID := setup(t)
	def := askDefinition()

	require.NoError(t, events.Append(context.Background(), &eventstore.Event{
		RunID: runID, BranchID: branchID, Type: eventstore.ModuleCompleted,
		StepID: "s1", ModuleName: "ask", Data: map[string]any{"response": "first answer"},
	}))

	outcome, err := nav.Retry(context.Background(), runID, branchID, def, "ask", "try again", nil)
	require.NoError(t, err)
	require.Equal(t, executor.Completed, outcome.Kind)

	all, err := events.Query(context.Background(), runID, eventstore.Filter{}, 0)
	require.NoError(t, err)
	var sawFeedback bool
	for _, e := range all {
		if e.Type != eventstore.ModuleCompleted || e.ModuleName != "ask" {
			continue
		}
		if feedback, ok := e.Data["saw_feedback"]; ok {
			sawFeedback = true
			assert.Equal(t, "try again", feedback)
			assert.NotNil(t, e.Data["saw_history"])
		}
	}
	assert.True(t, sawFeedback)
}

func TestRetryErrorsWhenTargetModuleMissing(t *testing.T) {
	nav, _, _, _, runID, branchID := setup(t)
	def := askDefinition()

	outcome, err := nav.Retry(context.Background(), runID, branchID, def, "nope", "", nil)
	require.NoError(t, err)
	assert.Equal(t, executor.Errored, outcome.Kind)
}

func TestJumpForksBranchAndUpdatesCurrentBranch(t *testing.T) {
	nav, events, _, bu, runID, branchID := setup(t)
	def := askDefinition()

	require.NoError(t, events.Append(context.Background(), &eventstore.Event{
		RunID: runID, BranchID: branchID, Type: eventstore.ModuleCompleted,
		StepID: "s1", ModuleName: "ask", Data: map[string]any{},
	}))
	require.NoError(t, events.Append(context.Background(), &eventstore.Event{
		RunID: runID, BranchID: branchID, Type: eventstore.ModuleCompleted,
		StepID: "s2", ModuleName: "ask2", Data: map[string]any{},
	}))

	outcome, err := nav.Jump(context.Background(), runID, branchID, def, "s1", "ask", nil)
	require.NoError(t, err)
	assert.Equal(t, executor.Completed, outcome.Kind)
	assert.Equal(t, runID, bu.runID)
	assert.NotEqual(t, branchID, bu.branchID)

	all, err := events.Query(context.Background(), runID, eventstore.Filter{BranchID: bu.branchID}, 0)
	require.NoError(t, err)
	var sawJump bool
	for _, e := range all {
		if e.Type == eventstore.JumpRequested {
			sawJump = true
			assert.Equal(t, "s1", e.Data["target_step"])
			assert.Equal(t, "ask", e.Data["target_module"])
		}
	}
	assert.True(t, sawJump)
}

func TestJumpErrorsWhenTargetStepMissing(t *testing.T) {
	nav, events, _, _, runID, branchID := setup(t)
	def := askDefinition()

	require.NoError(t, events.Append(context.Background(), &eventstore.Event{
		RunID: runID, BranchID: branchID, Type: eventstore.ModuleCompleted,
		StepID: "s1", ModuleName: "ask", Data: map[string]any{},
	}))

	_, err := nav.Jump(context.Background(), runID, branchID, def, "missing-step", "ask", nil)
	assert.Error(t, err)
}

func TestIsRetryResponseDetectsMetadataFlagIDAndBareCustomValue(t *testing.T) {
	assert.True(t, navigator.IsRetryResponse(map[string]any{
		"selected_options": []any{map[string]any{"metadata": map[string]any{"is_retry": true}}},
	}))
	assert.True(t, navigator.IsRetryResponse(map[string]any{
		"selected_options": []any{map[string]any{"id": "retry"}},
	}))
	assert.True(t, navigator.IsRetryResponse(map[string]any{
		"selected_options": []any{},
		"custom_value":     "please redo this",
	}))
	assert.False(t, navigator.IsRetryResponse(map[string]any{
		"selected_options": []any{map[string]any{"id": "option_a"}},
	}))
	assert.False(t, navigator.IsRetryResponse(map[string]any{
		"selected_options": []any{},
	}))
}
