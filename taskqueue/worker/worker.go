// Package worker implements the poll/claim/process/heartbeat loop a task
// queue consumer runs: one goroutine repeatedly peeks the next queued task,
// claims it if its concurrency group has room, and hands it to a Handler
// while a heartbeat keeps the claim alive for the duration of the call.
//
// The polling shape (loop, try to do one unit of work, back off a fixed
// interval on error, keep going until ctx is cancelled) follows the HITL
// worker's request/response stream loops, adapted from a Redis consumer
// group read to a MongoDB claim since tasks here live in a document store
// rather than a stream.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/workflowmanager/engine/taskqueue"
	"github.com/workflowmanager/engine/taskqueue/redisconcurrency"
	"github.com/workflowmanager/engine/telemetry"
)

// Handler processes a single claimed task and returns its result (passed to
// Store.Complete) or an error (passed to Store.Fail).
type Handler func(ctx context.Context, task *taskqueue.Task) (result, response map[string]any, err error)

const (
	defaultPollInterval      = 200 * time.Millisecond
	defaultHeartbeatInterval = 10 * time.Second
	defaultBackoff           = 1 * time.Second
)

// Worker drives one concurrent task consumer against a Store.
type Worker struct {
	Store             taskqueue.Store
	Handle            Handler
	Cache             redisconcurrency.Cache // optional fast-path concurrency cache; nil skips it
	WorkerID          string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Backoff           time.Duration
	Logger            telemetry.Logger
}

// New returns a Worker with a generated WorkerID and default intervals.
func New(store taskqueue.Store, handle Handler, logger telemetry.Logger) *Worker {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Worker{
		Store:    store,
		Handle:   handle,
		WorkerID: fmt.Sprintf("worker_%s", uuid.Must(uuid.NewV7()).String()[:8]),
		Logger:   logger,
	}
}

func (w *Worker) pollInterval() time.Duration {
	if w.PollInterval <= 0 {
		return defaultPollInterval
	}
	return w.PollInterval
}

func (w *Worker) heartbeatInterval() time.Duration {
	if w.HeartbeatInterval <= 0 {
		return defaultHeartbeatInterval
	}
	return w.HeartbeatInterval
}

func (w *Worker) backoff() time.Duration {
	if w.Backoff <= 0 {
		return defaultBackoff
	}
	return w.Backoff
}

// Run blocks, claiming and processing tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.Logger.Info(ctx, "taskqueue worker starting", "worker_id", w.WorkerID)
	for {
		select {
		case <-ctx.Done():
			w.Logger.Info(ctx, "taskqueue worker stopping", "worker_id", w.WorkerID)
			return nil
		default:
		}

		claimed, err := w.processNext(ctx)
		if err != nil {
			w.Logger.Error(ctx, "taskqueue worker iteration failed", "worker_id", w.WorkerID, "error", err)
			sleep(ctx, w.backoff())
			continue
		}
		if !claimed {
			sleep(ctx, w.pollInterval())
		}
	}
}

// processNext peeks the next queued task, claims it if its concurrency
// group has capacity, and processes it to completion. It returns false (no
// error) when there was nothing to do or the candidate's group is at its
// limit, so the caller polls again rather than treating it as a failure.
func (w *Worker) processNext(ctx context.Context) (bool, error) {
	task, err := w.Store.PeekNext(ctx)
	if err != nil {
		return false, fmt.Errorf("peek next task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	identifier, _ := task.Payload["concurrency_identifier"].(string)
	limit := concurrencyLimit(task.Payload)

	if identifier != "" && limit > 0 {
		inFlight, err := w.Store.CountProcessing(ctx, identifier)
		if err != nil {
			return false, fmt.Errorf("count processing %q: %w", identifier, err)
		}
		if inFlight >= limit {
			return false, nil
		}
	}

	claimed, err := w.Store.Claim(ctx, task.TaskID, w.WorkerID, identifier, limit)
	if err != nil {
		return false, fmt.Errorf("claim task %q: %w", task.TaskID, err)
	}
	if claimed == nil {
		// Another worker won the race; not an error.
		return false, nil
	}

	if w.Cache != nil && identifier != "" {
		if _, err := w.Cache.Incr(ctx, identifier, w.heartbeatInterval()*3); err != nil {
			w.Logger.Warn(ctx, "taskqueue concurrency cache incr failed", "identifier", identifier, "error", err)
		}
		defer func() {
			if err := w.Cache.Decr(ctx, identifier); err != nil {
				w.Logger.Warn(ctx, "taskqueue concurrency cache decr failed", "identifier", identifier, "error", err)
			}
		}()
	}

	w.processClaimed(ctx, claimed)
	return true, nil
}

func (w *Worker) processClaimed(ctx context.Context, task *taskqueue.Task) {
	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.heartbeat(hbCtx, task.TaskID)

	result, response, err := w.Handle(ctx, task)
	if err != nil {
		if failErr := w.Store.Fail(ctx, task.TaskID, taskqueue.TaskError{
			Type:    "HandlerError",
			Message: err.Error(),
		}); failErr != nil {
			w.Logger.Error(ctx, "taskqueue mark failed failed", "task_id", task.TaskID, "error", failErr)
		}
		return
	}
	if completeErr := w.Store.Complete(ctx, task.TaskID, result, response); completeErr != nil {
		w.Logger.Error(ctx, "taskqueue mark complete failed", "task_id", task.TaskID, "error", completeErr)
	}
}

func (w *Worker) heartbeat(ctx context.Context, taskID string) {
	ticker := time.NewTicker(w.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Store.UpdateHeartbeat(ctx, taskID); err != nil {
				w.Logger.Warn(ctx, "taskqueue heartbeat failed", "task_id", taskID, "error", err)
			}
		}
	}
}

func concurrencyLimit(payload map[string]any) int {
	switch v := payload["concurrency_limit"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
