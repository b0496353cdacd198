// Package taskqueue provides a persisted work queue for deferred,
// potentially long-running or rate-limited operations (media generation,
// external API calls) that a workflow module schedules rather than
// executes inline. A worker process claims tasks, reports progress and
// heartbeats while working, and marks them completed or failed; the queue
// never re-delivers a task to two workers at once and never lets a
// concurrency group exceed its configured limit.
package taskqueue

import (
	"context"
	"time"
)

// Status is a task's lifecycle state. A task never transitions back from
// Completed or Failed.
type Status string

const (
	Queued     Status = "queued"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

type (
	// TaskError describes why a task failed.
	TaskError struct {
		Type       string
		Message    string
		Details    map[string]any
		StackTrace string
	}

	// Progress is a task's latest reported status line.
	Progress struct {
		ElapsedMS int64
		Message   string
		UpdatedAt time.Time
	}

	// Task is a single unit of deferred work.
	Task struct {
		TaskID  string
		Actor   string
		Payload map[string]any
		Status  Status
		// Priority orders queued tasks: higher first, ties broken by
		// CreatedAt ascending (oldest first).
		Priority int
		// ConcurrencyIdentifier and ConcurrencyLimit are populated at
		// Claim time from the claiming worker's call; they are empty/zero
		// while a task is still queued. To find queued tasks belonging to
		// a concurrency group before they're claimed, look at
		// Payload["concurrency_identifier"] instead (see
		// Store.QueuedByConcurrency).
		ConcurrencyIdentifier string
		ConcurrencyLimit      int
		Result                map[string]any
		Response              map[string]any
		Error                 *TaskError
		Progress              Progress
		CreatedAt             time.Time
		StartedAt             *time.Time
		CompletedAt           *time.Time
		WorkerID              string
		HeartbeatAt           *time.Time
		RetryCount            int
		MaxRetries            int
	}

	// Store is the persistence contract for the task queue. Implementations
	// must make Claim an atomic conditional update: it succeeds only if the
	// task's status is still Queued at the moment of the update.
	Store interface {
		// Enqueue inserts a new task with status Queued and returns its id.
		Enqueue(ctx context.Context, actor string, payload map[string]any, priority, maxRetries int) (string, error)

		// PeekNext returns the highest-priority, oldest queued task without
		// claiming it, or (nil, nil) if none are queued.
		PeekNext(ctx context.Context) (*Task, error)

		// CountProcessing returns how many tasks are currently Processing
		// under concurrencyIdentifier.
		CountProcessing(ctx context.Context, concurrencyIdentifier string) (int, error)

		// Claim atomically transitions taskID from Queued to Processing,
		// recording workerID/concurrencyIdentifier/concurrencyLimit and
		// setting StartedAt/HeartbeatAt to now. Returns (nil, nil) if the
		// task was not queued (already claimed, or does not exist).
		Claim(ctx context.Context, taskID, workerID, concurrencyIdentifier string, concurrencyLimit int) (*Task, error)

		// UpdateProgress records elapsedMS/message for an in-flight task.
		UpdateProgress(ctx context.Context, taskID string, elapsedMS int64, message string) error

		// UpdateHeartbeat marks taskID as still alive.
		UpdateHeartbeat(ctx context.Context, taskID string) error

		// Complete marks taskID Completed with result (and the optional raw
		// provider response).
		Complete(ctx context.Context, taskID string, result, response map[string]any) error

		// Fail marks taskID Failed with the given error detail.
		Fail(ctx context.Context, taskID string, taskErr TaskError) error

		// RecoverStale resets every Processing task whose heartbeat is
		// older than cutoff: back to Queued (incrementing RetryCount) if
		// under MaxRetries, otherwise to Failed with a MaxRetriesExceeded
		// error. Returns the number of tasks touched.
		RecoverStale(ctx context.Context, cutoff time.Time) (int, error)

		// GetTask returns a task by id, or (nil, nil) if not found.
		GetTask(ctx context.Context, taskID string) (*Task, error)

		// TasksForRun returns tasks whose Payload["run_id"] equals runID,
		// newest first, up to limit.
		TasksForRun(ctx context.Context, runID string, limit int) ([]*Task, error)

		// TasksForInteraction returns tasks whose
		// Payload["interaction_id"] equals interactionID, newest first, up
		// to limit.
		TasksForInteraction(ctx context.Context, interactionID string, limit int) ([]*Task, error)

		// QueuedByConcurrency returns queued tasks whose
		// Payload["concurrency_identifier"] equals concurrencyIdentifier,
		// ordered by priority desc then CreatedAt asc, up to limit.
		QueuedByConcurrency(ctx context.Context, concurrencyIdentifier string, limit int) ([]*Task, error)

		// UpdateQueuePositions rewrites the progress message of every
		// queued task in concurrencyIdentifier's group to "Queued
		// (position i of N)" in the same deterministic order
		// QueuedByConcurrency returns.
		UpdateQueuePositions(ctx context.Context, concurrencyIdentifier string) error
	}
)
