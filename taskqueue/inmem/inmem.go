// Package inmem is a non-persistent taskqueue.Store used for tests and for
// single-process demo runs where tasks never need to survive a restart.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workflowmanager/engine/taskqueue"
)

type Store struct {
	mu    sync.Mutex
	tasks map[string]*taskqueue.Task
}

func New() *Store {
	return &Store{tasks: make(map[string]*taskqueue.Task)}
}

var _ taskqueue.Store = (*Store)(nil)

func newTaskID() string {
	return "tq_" + uuid.Must(uuid.NewV7()).String()
}

func (s *Store) Enqueue(ctx context.Context, actor string, payload map[string]any, priority, maxRetries int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := newTaskID()
	s.tasks[id] = &taskqueue.Task{
		TaskID:     id,
		Actor:      actor,
		Payload:    payload,
		Status:     taskqueue.Queued,
		Priority:   priority,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	return id, nil
}

func (s *Store) PeekNext(ctx context.Context) (*taskqueue.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *taskqueue.Task
	for _, t := range s.tasks {
		if t.Status != taskqueue.Queued {
			continue
		}
		if best == nil || higherPriority(t, best) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	clone := *best
	return &clone, nil
}

func higherPriority(a, b *taskqueue.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (s *Store) CountProcessing(ctx context.Context, concurrencyIdentifier string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks {
		if t.Status == taskqueue.Processing && t.ConcurrencyIdentifier == concurrencyIdentifier {
			n++
		}
	}
	return n, nil
}

func (s *Store) Claim(ctx context.Context, taskID, workerID, concurrencyIdentifier string, concurrencyLimit int) (*taskqueue.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || t.Status != taskqueue.Queued {
		return nil, nil
	}

	now := time.Now().UTC()
	t.Status = taskqueue.Processing
	t.WorkerID = workerID
	t.ConcurrencyIdentifier = concurrencyIdentifier
	t.ConcurrencyLimit = concurrencyLimit
	t.StartedAt = &now
	t.HeartbeatAt = &now

	clone := *t
	return &clone, nil
}

func (s *Store) UpdateProgress(ctx context.Context, taskID string, elapsedMS int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("taskqueue: task %s not found", taskID)
	}
	t.Progress = taskqueue.Progress{ElapsedMS: elapsedMS, Message: message, UpdatedAt: time.Now().UTC()}
	return nil
}

func (s *Store) UpdateHeartbeat(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("taskqueue: task %s not found", taskID)
	}
	now := time.Now().UTC()
	t.HeartbeatAt = &now
	return nil
}

func (s *Store) Complete(ctx context.Context, taskID string, result, response map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("taskqueue: task %s not found", taskID)
	}
	now := time.Now().UTC()
	t.Status = taskqueue.Completed
	t.Result = result
	t.Response = response
	t.CompletedAt = &now
	return nil
}

func (s *Store) Fail(ctx context.Context, taskID string, taskErr taskqueue.TaskError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("taskqueue: task %s not found", taskID)
	}
	now := time.Now().UTC()
	t.Status = taskqueue.Failed
	t.Error = &taskErr
	t.CompletedAt = &now
	return nil
}

func (s *Store) RecoverStale(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks {
		if t.Status != taskqueue.Processing || t.HeartbeatAt == nil || !t.HeartbeatAt.Before(cutoff) {
			continue
		}
		n++
		if t.RetryCount < t.MaxRetries {
			t.Progress.Message = fmt.Sprintf("Retrying (attempt %d)", t.RetryCount+2)
			t.Progress.UpdatedAt = time.Now().UTC()
			t.RetryCount++
			t.Status = taskqueue.Queued
			t.WorkerID = ""
			t.ConcurrencyIdentifier = ""
			t.ConcurrencyLimit = 0
			t.HeartbeatAt = nil
			t.StartedAt = nil
		} else {
			now := time.Now().UTC()
			t.Status = taskqueue.Failed
			t.Error = &taskqueue.TaskError{
				Type:    "MaxRetriesExceeded",
				Message: fmt.Sprintf("Task failed after %d retries", t.MaxRetries),
			}
			t.Progress.Message = "Failed: max retries exceeded"
			t.CompletedAt = &now
		}
	}
	return n, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*taskqueue.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	clone := *t
	return &clone, nil
}

func (s *Store) TasksForRun(ctx context.Context, runID string, limit int) ([]*taskqueue.Task, error) {
	return s.filterByPayloadKey(ctx, "run_id", runID, limit, true)
}

func (s *Store) TasksForInteraction(ctx context.Context, interactionID string, limit int) ([]*taskqueue.Task, error) {
	return s.filterByPayloadKey(ctx, "interaction_id", interactionID, limit, true)
}

func (s *Store) filterByPayloadKey(ctx context.Context, key, value string, limit int, newestFirst bool) ([]*taskqueue.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*taskqueue.Task
	for _, t := range s.tasks {
		if v, _ := t.Payload[key].(string); v == value {
			clone := *t
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) QueuedByConcurrency(ctx context.Context, concurrencyIdentifier string, limit int) ([]*taskqueue.Task, error) {
	s.mu.Lock()
	var matches []*taskqueue.Task
	for _, t := range s.tasks {
		if t.Status != taskqueue.Queued {
			continue
		}
		if v, _ := t.Payload["concurrency_identifier"].(string); v == concurrencyIdentifier {
			matches = append(matches, t)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return higherPriority(matches[i], matches[j]) })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]*taskqueue.Task, len(matches))
	for i, t := range matches {
		clone := *t
		out[i] = &clone
	}
	s.mu.Unlock()
	return out, nil
}

func (s *Store) UpdateQueuePositions(ctx context.Context, concurrencyIdentifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []*taskqueue.Task
	for _, t := range s.tasks {
		if t.Status != taskqueue.Queued {
			continue
		}
		if v, _ := t.Payload["concurrency_identifier"].(string); v == concurrencyIdentifier {
			matches = append(matches, t)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return higherPriority(matches[i], matches[j]) })

	now := time.Now().UTC()
	for i, t := range matches {
		t.Progress.Message = fmt.Sprintf("Queued (position %d of %d)", i+1, len(matches))
		t.Progress.UpdatedAt = now
	}
	return nil
}
