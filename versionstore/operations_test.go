package versionstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workflowmanager/engine/versionstore"
	"github.com/workflowmanager/engine/versionstore/inmem"
)

type fakeExpander struct {
	paths []versionstore.ExpandedPath
	err   error
}

func (f *fakeExpander) Expand(context.Context, map[string]any) ([]versionstore.ExpandedPath, error) {
	return f.paths, f.err
}

func newService(expander versionstore.ExecutionGroupExpander) (*versionstore.Service, *inmem.Store) {
	store := inmem.New()
	return versionstore.NewService(store, expander), store
}

func TestProcessAndStoreWithoutExecutionGroupsStaysRaw(t *testing.T) {
	svc, _ := newService(&fakeExpander{})
	ctx := context.Background()

	tpl, _, err := svc.Store.GetOrCreateTemplate(ctx, "wf1", "user1")
	require.NoError(t, err)

	workflow := map[string]any{"steps": []any{"a"}}
	hash := versionstore.ContentHash(workflow)
	version, isNew, err := svc.ProcessAndStore(ctx, tpl.ID, hash, versionstore.SourceJSON, workflow)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, versionstore.VersionRaw, version.VersionType)
}

func TestProcessAndStorePromotesToUnresolvedWithExecutionGroups(t *testing.T) {
	expander := &fakeExpander{paths: []versionstore.ExpandedPath{
		{
			FlattenedWorkflow: map[string]any{"steps": []any{"a"}},
			Requires:          []versionstore.CapabilityRequirement{{Capability: "vision", Priority: 2}},
			SelectedPaths:     map[string]string{"group1": "pathA"},
		},
		{
			FlattenedWorkflow: map[string]any{"steps": []any{"b"}},
			Requires:          []versionstore.CapabilityRequirement{{Capability: "text", Priority: 1}},
			SelectedPaths:     map[string]string{"group1": "pathB"},
		},
	}}
	svc, store := newService(expander)
	ctx := context.Background()

	tpl, _, err := svc.Store.GetOrCreateTemplate(ctx, "wf1", "user1")
	require.NoError(t, err)

	workflow := map[string]any{"execution_groups": []any{"group1"}}
	hash := versionstore.ContentHash(workflow)
	version, isNew, err := svc.ProcessAndStore(ctx, tpl.ID, hash, versionstore.SourceJSON, workflow)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, versionstore.VersionUnresolved, version.VersionType)

	children, err := store.ResolvedChildren(ctx, version.ID)
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestProcessAndStoreDeduplicatesByContentHash(t *testing.T) {
	svc, _ := newService(&fakeExpander{})
	ctx := context.Background()

	tpl, _, err := svc.Store.GetOrCreateTemplate(ctx, "wf1", "user1")
	require.NoError(t, err)

	workflow := map[string]any{"steps": []any{"a"}}
	hash := versionstore.ContentHash(workflow)

	first, isNew, err := svc.ProcessAndStore(ctx, tpl.ID, hash, versionstore.SourceJSON, workflow)
	require.NoError(t, err)
	assert.True(t, isNew)

	second, isNew, err := svc.ProcessAndStore(ctx, tpl.ID, hash, versionstore.SourceJSON, workflow)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.ID, second.ID)
}

func TestBestForCapabilitiesPicksHighestPriorityMatchingSubset(t *testing.T) {
	expander := &fakeExpander{paths: []versionstore.ExpandedPath{
		{
			FlattenedWorkflow: map[string]any{"v": "vision-only"},
			Requires:          []versionstore.CapabilityRequirement{{Capability: "vision", Priority: 5}},
		},
		{
			FlattenedWorkflow: map[string]any{"v": "vision-and-text"},
			Requires: []versionstore.CapabilityRequirement{
				{Capability: "vision", Priority: 5},
				{Capability: "text", Priority: 3},
			},
		},
		{
			FlattenedWorkflow: map[string]any{"v": "audio-only"},
			Requires:          []versionstore.CapabilityRequirement{{Capability: "audio", Priority: 10}},
		},
	}}
	svc, _ := newService(expander)
	ctx := context.Background()

	tpl, _, err := svc.Store.GetOrCreateTemplate(ctx, "wf1", "user1")
	require.NoError(t, err)

	workflow := map[string]any{"execution_groups": []any{"group1"}}
	parent, _, err := svc.ProcessAndStore(ctx, tpl.ID, versionstore.ContentHash(workflow), versionstore.SourceJSON, workflow)
	require.NoError(t, err)

	best, err := svc.BestForCapabilities(ctx, parent.ID, []string{"vision", "text"})
	require.NoError(t, err)
	assert.Equal(t, "vision-and-text", best.ResolvedWorkflow["v"])
}

func TestBestForCapabilitiesNoMatchReturnsErrNoRunnableVersion(t *testing.T) {
	expander := &fakeExpander{paths: []versionstore.ExpandedPath{
		{
			FlattenedWorkflow: map[string]any{"v": "audio-only"},
			Requires:          []versionstore.CapabilityRequirement{{Capability: "audio", Priority: 10}},
		},
	}}
	svc, _ := newService(expander)
	ctx := context.Background()

	tpl, _, err := svc.Store.GetOrCreateTemplate(ctx, "wf1", "user1")
	require.NoError(t, err)

	workflow := map[string]any{"execution_groups": []any{"group1"}}
	parent, _, err := svc.ProcessAndStore(ctx, tpl.ID, versionstore.ContentHash(workflow), versionstore.SourceJSON, workflow)
	require.NoError(t, err)

	_, err = svc.BestForCapabilities(ctx, parent.ID, []string{"vision"})
	assert.ErrorIs(t, err, versionstore.ErrNoRunnableVersion)
}

func TestBestForCapabilitiesFallsBackToRawParentWithoutExecutionGroups(t *testing.T) {
	svc, _ := newService(&fakeExpander{})
	ctx := context.Background()

	tpl, _, err := svc.Store.GetOrCreateTemplate(ctx, "wf1", "user1")
	require.NoError(t, err)

	workflow := map[string]any{"steps": []any{"a"}}
	parent, _, err := svc.ProcessAndStore(ctx, tpl.ID, versionstore.ContentHash(workflow), versionstore.SourceJSON, workflow)
	require.NoError(t, err)

	best, err := svc.BestForCapabilities(ctx, parent.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, best.ID)
}

func TestCopyVersionTreeCopiesParentAndResolvedChildren(t *testing.T) {
	expander := &fakeExpander{paths: []versionstore.ExpandedPath{
		{
			FlattenedWorkflow: map[string]any{"v": "child"},
			Requires:          []versionstore.CapabilityRequirement{{Capability: "vision", Priority: 1}},
		},
	}}
	svc, store := newService(expander)
	ctx := context.Background()

	sourceTpl, _, err := svc.Store.GetOrCreateTemplate(ctx, "wf-source", "user1")
	require.NoError(t, err)
	targetTpl, _, err := svc.Store.GetOrCreateTemplate(ctx, "wf-target", "user1")
	require.NoError(t, err)

	workflow := map[string]any{"execution_groups": []any{"group1"}}
	parent, _, err := svc.ProcessAndStore(ctx, sourceTpl.ID, versionstore.ContentHash(workflow), versionstore.SourceJSON, workflow)
	require.NoError(t, err)

	inserted, existing, err := svc.CopyVersionTree(ctx, parent.ID, targetTpl.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)
	assert.Equal(t, 0, existing)

	targetVersions, err := store.AllVersionsForTemplate(ctx, targetTpl.ID)
	require.NoError(t, err)
	assert.Len(t, targetVersions, 2)

	insertedAgain, existingAgain, err := svc.CopyVersionTree(ctx, parent.ID, targetTpl.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, insertedAgain)
	assert.Equal(t, 2, existingAgain)
}

func TestSyncTemplateVersionsRemapsResolvedParent(t *testing.T) {
	expander := &fakeExpander{paths: []versionstore.ExpandedPath{
		{
			FlattenedWorkflow: map[string]any{"v": "child"},
			Requires:          []versionstore.CapabilityRequirement{{Capability: "vision", Priority: 1}},
		},
	}}
	svc, store := newService(expander)
	ctx := context.Background()

	sourceTpl, _, err := svc.Store.GetOrCreateTemplate(ctx, "wf-source", "user1")
	require.NoError(t, err)
	targetTpl, _, err := svc.Store.GetOrCreateTemplate(ctx, "wf-target", "user1")
	require.NoError(t, err)

	workflow := map[string]any{"execution_groups": []any{"group1"}}
	_, _, err = svc.ProcessAndStore(ctx, sourceTpl.ID, versionstore.ContentHash(workflow), versionstore.SourceJSON, workflow)
	require.NoError(t, err)

	inserted, _, err := svc.SyncTemplateVersions(ctx, sourceTpl.ID, targetTpl.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	targetVersions, err := store.AllVersionsForTemplate(ctx, targetTpl.ID)
	require.NoError(t, err)

	var resolvedChild versionstore.Version
	var parent versionstore.Version
	for _, v := range targetVersions {
		if v.VersionType == versionstore.VersionResolved {
			resolvedChild = v
		} else {
			parent = v
		}
	}
	require.NotEmpty(t, resolvedChild.ID)
	assert.Equal(t, parent.ID, resolvedChild.ParentWorkflowVersion)
}
