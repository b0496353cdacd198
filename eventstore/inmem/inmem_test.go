package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/workflowmanager/engine/eventstore"
)

func TestStoreAppendAssignsIncreasingIDs(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		e := &eventstore.Event{
			RunID:     "run-1",
			BranchID:  "branch-root",
			Type:      eventstore.StepStarted,
			Timestamp: time.Now(),
		}
		require.NoError(t, s.Append(ctx, e))
		require.NotEmpty(t, e.ID)
		ids = append(ids, e.ID)
	}

	for i := 1; i < len(ids); i++ {
		require.Less(t, ids[i-1], ids[i], "event ids must be strictly increasing")
	}
}

func TestStoreAppendValidation(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	require.Error(t, s.Append(ctx, nil))
	require.Error(t, s.Append(ctx, &eventstore.Event{BranchID: "b"}))
	require.Error(t, s.Append(ctx, &eventstore.Event{RunID: "r"}))
}

func TestStoreQueryFiltersAndOrders(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	events := []*eventstore.Event{
		{RunID: "run-1", BranchID: "root", Type: eventstore.StepStarted, StepID: "s1"},
		{RunID: "run-1", BranchID: "root", Type: eventstore.ModuleStarted, StepID: "s1"},
		{RunID: "run-1", BranchID: "child", Type: eventstore.ModuleCompleted, StepID: "s1"},
		{RunID: "run-1", BranchID: "root", Type: eventstore.StepCompleted, StepID: "s1"},
	}
	for _, e := range events {
		require.NoError(t, s.Append(ctx, e))
	}

	rootOnly, err := s.Query(ctx, "run-1", eventstore.Filter{BranchID: "root"}, 0)
	require.NoError(t, err)
	require.Len(t, rootOnly, 3)
	for i := 1; i < len(rootOnly); i++ {
		require.Less(t, rootOnly[i-1].ID, rootOnly[i].ID)
	}

	typed, err := s.Query(ctx, "run-1", eventstore.Filter{Types: []eventstore.Type{eventstore.ModuleCompleted}}, 0)
	require.NoError(t, err)
	require.Len(t, typed, 1)
	require.Equal(t, "child", typed[0].BranchID)
}

func TestStoreLatest(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	latest, err := s.Latest(ctx, "run-1", eventstore.StepCompleted)
	require.NoError(t, err)
	require.Nil(t, latest)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(ctx, &eventstore.Event{
			RunID: "run-1", BranchID: "root", Type: eventstore.StepStarted, StepID: "s1",
		}))
	}
	require.NoError(t, s.Append(ctx, &eventstore.Event{
		RunID: "run-1", BranchID: "root", Type: eventstore.StepCompleted, StepID: "s1",
	}))

	latest, err = s.Latest(ctx, "run-1", eventstore.StepStarted)
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, eventstore.StepStarted, latest.Type)
}

func TestStoreDeleteByRun(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, &eventstore.Event{RunID: "run-1", BranchID: "root", Type: eventstore.WorkflowCreated}))
	require.NoError(t, s.DeleteByRun(ctx, "run-1"))

	out, err := s.Query(ctx, "run-1", eventstore.Filter{}, 0)
	require.NoError(t, err)
	require.Empty(t, out)
}
