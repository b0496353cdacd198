package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/workflowmanager/engine/branchgraph"
)

func TestCreateRootLineage(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	root, err := s.CreateRoot(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, []branchgraph.LineageEntry{{BranchID: root.ID}}, root.Lineage)
}

func TestCreateChildForksLineageAtCutoff(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	root, err := s.CreateRoot(ctx, "run-1")
	require.NoError(t, err)

	child, err := s.CreateChild(ctx, "run-1", root.ID, "evt-005")
	require.NoError(t, err)

	require.Len(t, child.Lineage, 2)
	require.Equal(t, root.ID, child.Lineage[0].BranchID)
	require.Equal(t, "evt-005", child.Lineage[0].Cutoff)
	require.Equal(t, child.ID, child.Lineage[1].BranchID)
	require.Empty(t, child.Lineage[1].Cutoff)

	// root itself is never mutated by forking a child from it.
	reloadedRoot, err := s.Get(ctx, root.ID)
	require.NoError(t, err)
	require.Empty(t, reloadedRoot.Lineage[0].Cutoff)
}

func TestCreateChildOfChildCopiesAncestors(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	root, err := s.CreateRoot(ctx, "run-1")
	require.NoError(t, err)
	child1, err := s.CreateChild(ctx, "run-1", root.ID, "evt-010")
	require.NoError(t, err)
	child2, err := s.CreateChild(ctx, "run-1", child1.ID, "evt-020")
	require.NoError(t, err)

	require.Len(t, child2.Lineage, 3)
	require.Equal(t, root.ID, child2.Lineage[0].BranchID)
	require.Equal(t, "evt-010", child2.Lineage[0].Cutoff) // ancestor entry carried over unchanged
	require.Equal(t, child1.ID, child2.Lineage[1].BranchID)
	require.Equal(t, "evt-020", child2.Lineage[1].Cutoff)
	require.Equal(t, child2.ID, child2.Lineage[2].BranchID)
	require.Empty(t, child2.Lineage[2].Cutoff)
}

func TestCreateChildUnknownParent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	_, err := s.CreateChild(ctx, "run-1", "missing", "")
	require.ErrorIs(t, err, branchgraph.ErrNotFound)
}

func TestDeleteByRun(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	root, err := s.CreateRoot(ctx, "run-1")
	require.NoError(t, err)
	require.NoError(t, s.DeleteByRun(ctx, "run-1"))

	_, err = s.Get(ctx, root.ID)
	require.ErrorIs(t, err, branchgraph.ErrNotFound)
}
