package inmem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	branchinmem "github.com/workflowmanager/engine/branchgraph/inmem"
	"github.com/workflowmanager/engine/runstore"
	"github.com/workflowmanager/engine/runstore/inmem"
)

func TestGetOrCreateRunCreatesThenReuses(t *testing.T) {
	store := inmem.New(branchinmem.New())
	ctx := context.Background()

	run, branchID, isNew, err := store.GetOrCreateRun(ctx, "u1", "proj", "tpl", "tpl_1", "ver_1")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEmpty(t, branchID)
	assert.Equal(t, runstore.Created, run.Status)

	again, branchID2, isNew2, err := store.GetOrCreateRun(ctx, "u1", "proj", "tpl", "tpl_1", "ver_1")
	require.NoError(t, err)
	assert.False(t, isNew2)
	assert.Equal(t, run.RunID, again.RunID)
	assert.Equal(t, branchID, branchID2)
}

func TestLifecycleTransitions(t *testing.T) {
	store := inmem.New(branchinmem.New())
	ctx := context.Background()

	run, _, _, err := store.GetOrCreateRun(ctx, "u1", "proj", "tpl", "tpl_1", "ver_1")
	require.NoError(t, err)

	require.NoError(t, store.SetProcessing(ctx, run.RunID, "s1", "Step 1"))
	got, err := store.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, runstore.Processing, got.Status)
	assert.Equal(t, "s1", got.CurrentStepID)

	require.NoError(t, store.SetAwaitingInput(ctx, run.RunID, "ask"))
	got, err = store.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, runstore.AwaitingInput, got.Status)
	assert.Equal(t, "ask", got.CurrentModule)

	require.NoError(t, store.SetCompleted(ctx, run.RunID))
	got, err = store.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, runstore.Completed, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestSetCurrentVersionRecordsHistory(t *testing.T) {
	store := inmem.New(branchinmem.New())
	ctx := context.Background()

	run, branchID, _, err := store.GetOrCreateRun(ctx, "u1", "proj", "tpl", "tpl_1", "ver_1")
	require.NoError(t, err)

	require.NoError(t, store.SetCurrentVersion(ctx, run.RunID, "ver_2", "branch_2"))

	got, err := store.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, "ver_2", got.CurrentWorkflowVersionID)
	assert.Equal(t, "branch_2", got.CurrentBranchID)

	history, err := store.VersionHistory(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "ver_1", history[0].WorkflowVersionID)
	assert.Equal(t, branchID, history[0].BranchID)
}

func TestExistsDistinguishesOwnerFromNotFound(t *testing.T) {
	store := inmem.New(branchinmem.New())
	ctx := context.Background()

	run, _, _, err := store.GetOrCreateRun(ctx, "u1", "proj", "tpl", "tpl_1", "ver_1")
	require.NoError(t, err)

	owns, exists, err := store.Exists(ctx, run.RunID, "u1")
	require.NoError(t, err)
	assert.True(t, owns)
	assert.True(t, exists)

	owns, exists, err = store.Exists(ctx, run.RunID, "someone-else")
	require.NoError(t, err)
	assert.False(t, owns)
	assert.True(t, exists)

	_, exists, err = store.Exists(ctx, "missing", "u1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestListActiveExcludesTerminalStatuses(t *testing.T) {
	store := inmem.New(branchinmem.New())
	ctx := context.Background()

	active, _, _, err := store.GetOrCreateRun(ctx, "u1", "proj-a", "tpl", "tpl_1", "ver_1")
	require.NoError(t, err)
	done, _, _, err := store.GetOrCreateRun(ctx, "u1", "proj-b", "tpl", "tpl_1", "ver_1")
	require.NoError(t, err)
	require.NoError(t, store.SetCompleted(ctx, done.RunID))

	list, err := store.ListActive(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, active.RunID, list[0].RunID)
}
