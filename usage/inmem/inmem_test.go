package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workflowmanager/engine/usage"
	"github.com/workflowmanager/engine/usage/inmem"
)

func TestRecordAndForRunOrdersByTimestamp(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()

	earlier := time.Now().UTC().Add(-time.Minute)
	later := time.Now().UTC()

	require.NoError(t, store.Record(ctx, usage.Record{RunID: "r1", Model: "second", Timestamp: later, TotalTokens: 5}))
	require.NoError(t, store.Record(ctx, usage.Record{RunID: "r1", Model: "first", Timestamp: earlier, TotalTokens: 3}))

	records, err := store.ForRun(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "first", records[0].Model)
	assert.Equal(t, "second", records[1].Model)
}

func TestSummaryAggregatesAcrossRecords(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, usage.Record{RunID: "r1", PromptTokens: 10, CompletionTokens: 5, CachedTokens: 2, TotalTokens: 15}))
	require.NoError(t, store.Record(ctx, usage.Record{RunID: "r1", PromptTokens: 20, CompletionTokens: 8, CachedTokens: 1, TotalTokens: 28}))
	require.NoError(t, store.Record(ctx, usage.Record{RunID: "other", PromptTokens: 999, TotalTokens: 999}))

	sum, err := store.Summary(ctx, "r1")
	require.NoError(t, err)
	assert.EqualValues(t, 30, sum.PromptTokens)
	assert.EqualValues(t, 13, sum.CompletionTokens)
	assert.EqualValues(t, 3, sum.CachedTokens)
	assert.EqualValues(t, 43, sum.TotalTokens)
}

func TestDeleteByRunRemovesOnlyThatRun(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, usage.Record{RunID: "r1", TotalTokens: 5}))
	require.NoError(t, store.Record(ctx, usage.Record{RunID: "r2", TotalTokens: 7}))

	require.NoError(t, store.DeleteByRun(ctx, "r1"))

	r1, err := store.ForRun(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, r1)

	r2, err := store.ForRun(ctx, "r2")
	require.NoError(t, err)
	assert.Len(t, r2, 1)
}
