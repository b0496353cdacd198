package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workflowmanager/engine/taskqueue"
	"github.com/workflowmanager/engine/taskqueue/inmem"
	"github.com/workflowmanager/engine/taskqueue/worker"
)

func TestWorkerProcessesQueuedTaskToCompletion(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()

	id, err := store.Enqueue(ctx, "render", map[string]any{"concurrency_identifier": "g", "concurrency_limit": 1}, 0, 1)
	require.NoError(t, err)

	var handled string
	w := worker.New(store, func(ctx context.Context, task *taskqueue.Task) (map[string]any, map[string]any, error) {
		handled = task.TaskID
		return map[string]any{"ok": true}, nil, nil
	}, nil)
	w.PollInterval = 2 * time.Millisecond

	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_ = w.Run(runCtx)

	assert.Equal(t, id, handled)
	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.Completed, task.Status)
}

func TestWorkerMarksTaskFailedOnHandlerError(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()

	id, err := store.Enqueue(ctx, "render", nil, 0, 1)
	require.NoError(t, err)

	w := worker.New(store, func(ctx context.Context, task *taskqueue.Task) (map[string]any, map[string]any, error) {
		return nil, nil, errors.New("exploded")
	}, nil)
	w.PollInterval = 2 * time.Millisecond

	runCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_ = w.Run(runCtx)

	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.Failed, task.Status)
	assert.Equal(t, "exploded", task.Error.Message)
}

func TestWorkerSkipsTaskAtConcurrencyLimit(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()

	processingID, err := store.Enqueue(ctx, "render", map[string]any{"concurrency_identifier": "g", "concurrency_limit": 1}, 0, 1)
	require.NoError(t, err)
	_, err = store.Claim(ctx, processingID, "other-worker", "g", 1)
	require.NoError(t, err)

	_, err = store.Enqueue(ctx, "render", map[string]any{"concurrency_identifier": "g", "concurrency_limit": 1}, 0, 1)
	require.NoError(t, err)

	var handled bool
	w := worker.New(store, func(ctx context.Context, task *taskqueue.Task) (map[string]any, map[string]any, error) {
		handled = true
		return nil, nil, nil
	}, nil)
	w.PollInterval = 2 * time.Millisecond

	runCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_ = w.Run(runCtx)

	assert.False(t, handled, "worker must not claim a second task once the concurrency group is at its limit")
}
