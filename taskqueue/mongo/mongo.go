// Package mongo provides a MongoDB implementation of taskqueue.Store.
//
// Claim is the one operation that must be atomic under concurrent workers:
// it uses FindOneAndUpdate with a {task_id, status: "queued"} filter, so a
// worker that loses the race simply gets back ErrNoDocuments and moves on
// to the next candidate instead of double-processing a task.
package mongo

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/google/uuid"

	"github.com/workflowmanager/engine/taskqueue"
)

// Store is a MongoDB-backed taskqueue.Store.
type Store struct {
	collection *mongo.Collection
}

var _ taskqueue.Store = (*Store)(nil)

// New creates a Store using the provided collection. Callers are
// responsible for connecting the underlying client; call EnsureIndexes once
// at startup to create the index set this store relies on.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

// EnsureIndexes creates the indexes Claim/PeekNext/RecoverStale/the lookup
// queries rely on. Safe to call repeatedly; Mongo no-ops on an existing
// equivalent index.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "priority", Value: -1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "heartbeat_at", Value: 1}}},
		{Keys: bson.D{{Key: "task_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "payload.run_id", Value: 1}}},
		{Keys: bson.D{{Key: "payload.interaction_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "concurrency_identifier", Value: 1}}},
	}
	if _, err := s.collection.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("mongodb taskqueue ensure indexes: %w", err)
	}
	return nil
}

type taskDocument struct {
	TaskID                string             `bson:"task_id"`
	Actor                 string             `bson:"actor"`
	Payload               map[string]any     `bson:"payload,omitempty"`
	Status                string             `bson:"status"`
	Priority              int                `bson:"priority"`
	ConcurrencyIdentifier string             `bson:"concurrency_identifier,omitempty"`
	ConcurrencyLimit      int                `bson:"concurrency_limit,omitempty"`
	Result                map[string]any     `bson:"result,omitempty"`
	Response              map[string]any     `bson:"response,omitempty"`
	Error                 *taskErrorDocument `bson:"error,omitempty"`
	ProgressElapsedMS     int64              `bson:"progress_elapsed_ms,omitempty"`
	ProgressMessage       string             `bson:"progress_message,omitempty"`
	ProgressUpdatedAt     *time.Time         `bson:"progress_updated_at,omitempty"`
	CreatedAt             time.Time          `bson:"created_at"`
	StartedAt             *time.Time         `bson:"started_at,omitempty"`
	CompletedAt           *time.Time         `bson:"completed_at,omitempty"`
	WorkerID              string             `bson:"worker_id,omitempty"`
	HeartbeatAt           *time.Time         `bson:"heartbeat_at,omitempty"`
	RetryCount            int                `bson:"retry_count"`
	MaxRetries            int                `bson:"max_retries"`
}

type taskErrorDocument struct {
	Type       string         `bson:"type"`
	Message    string         `bson:"message"`
	Details    map[string]any `bson:"details,omitempty"`
	StackTrace string         `bson:"stack_trace,omitempty"`
}

func newTaskID() string {
	return "tq_" + uuid.Must(uuid.NewV7()).String()
}

func (s *Store) Enqueue(ctx context.Context, actor string, payload map[string]any, priority, maxRetries int) (string, error) {
	id := newTaskID()
	doc := taskDocument{
		TaskID:     id,
		Actor:      actor,
		Payload:    payload,
		Status:     string(taskqueue.Queued),
		Priority:   priority,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("mongodb taskqueue enqueue: %w", err)
	}
	return id, nil
}

func (s *Store) PeekNext(ctx context.Context) (*taskqueue.Task, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "created_at", Value: 1}})
	var doc taskDocument
	err := s.collection.FindOne(ctx, bson.M{"status": string(taskqueue.Queued)}, opts).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("mongodb taskqueue peek next: %w", err)
	}
	return fromDocument(&doc), nil
}

func (s *Store) CountProcessing(ctx context.Context, concurrencyIdentifier string) (int, error) {
	n, err := s.collection.CountDocuments(ctx, bson.M{
		"status":                 string(taskqueue.Processing),
		"concurrency_identifier": concurrencyIdentifier,
	})
	if err != nil {
		return 0, fmt.Errorf("mongodb taskqueue count processing: %w", err)
	}
	return int(n), nil
}

func (s *Store) Claim(ctx context.Context, taskID, workerID, concurrencyIdentifier string, concurrencyLimit int) (*taskqueue.Task, error) {
	now := time.Now().UTC()
	filter := bson.M{"task_id": taskID, "status": string(taskqueue.Queued)}
	update := bson.M{"$set": bson.M{
		"status":                 string(taskqueue.Processing),
		"worker_id":              workerID,
		"concurrency_identifier": concurrencyIdentifier,
		"concurrency_limit":      concurrencyLimit,
		"started_at":             now,
		"heartbeat_at":           now,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc taskDocument
	err := s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("mongodb taskqueue claim %q: %w", taskID, err)
	}
	return fromDocument(&doc), nil
}

func (s *Store) UpdateProgress(ctx context.Context, taskID string, elapsedMS int64, message string) error {
	_, err := s.collection.UpdateOne(ctx, bson.M{"task_id": taskID}, bson.M{"$set": bson.M{
		"progress_elapsed_ms": elapsedMS,
		"progress_message":    message,
		"progress_updated_at": time.Now().UTC(),
	}})
	if err != nil {
		return fmt.Errorf("mongodb taskqueue update progress %q: %w", taskID, err)
	}
	return nil
}

func (s *Store) UpdateHeartbeat(ctx context.Context, taskID string) error {
	_, err := s.collection.UpdateOne(ctx, bson.M{"task_id": taskID}, bson.M{"$set": bson.M{"heartbeat_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("mongodb taskqueue update heartbeat %q: %w", taskID, err)
	}
	return nil
}

func (s *Store) Complete(ctx context.Context, taskID string, result, response map[string]any) error {
	_, err := s.collection.UpdateOne(ctx, bson.M{"task_id": taskID}, bson.M{"$set": bson.M{
		"status":       string(taskqueue.Completed),
		"result":       result,
		"response":     response,
		"completed_at": time.Now().UTC(),
	}})
	if err != nil {
		return fmt.Errorf("mongodb taskqueue complete %q: %w", taskID, err)
	}
	return nil
}

func (s *Store) Fail(ctx context.Context, taskID string, taskErr taskqueue.TaskError) error {
	_, err := s.collection.UpdateOne(ctx, bson.M{"task_id": taskID}, bson.M{"$set": bson.M{
		"status": string(taskqueue.Failed),
		"error": taskErrorDocument{
			Type:       taskErr.Type,
			Message:    taskErr.Message,
			Details:    taskErr.Details,
			StackTrace: taskErr.StackTrace,
		},
		"completed_at": time.Now().UTC(),
	}})
	if err != nil {
		return fmt.Errorf("mongodb taskqueue fail %q: %w", taskID, err)
	}
	return nil
}

// RecoverStale scans Processing tasks with a heartbeat older than cutoff.
// Each is requeued (heartbeat/retry bookkeeping reset, retry_count
// incremented) if under its retry budget, or marked Failed otherwise. This
// mirrors the per-task branching of the reference implementation's stale
// sweep rather than a single bulk update, since the two outcomes write
// different fields.
func (s *Store) RecoverStale(ctx context.Context, cutoff time.Time) (int, error) {
	cursor, err := s.collection.Find(ctx, bson.M{
		"status":       string(taskqueue.Processing),
		"heartbeat_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("mongodb taskqueue recover stale scan: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []taskDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return 0, fmt.Errorf("mongodb taskqueue recover stale decode: %w", err)
	}

	for _, doc := range docs {
		if doc.RetryCount < doc.MaxRetries {
			_, err = s.collection.UpdateOne(ctx, bson.M{"task_id": doc.TaskID}, bson.M{
				"$set": bson.M{
					"status":                 string(taskqueue.Queued),
					"worker_id":              "",
					"concurrency_identifier": "",
					"concurrency_limit":      0,
					"progress_message":       fmt.Sprintf("Retrying (attempt %d)", doc.RetryCount+2),
					"progress_updated_at":    time.Now().UTC(),
				},
				"$unset": bson.M{"heartbeat_at": "", "started_at": ""},
				"$inc":   bson.M{"retry_count": 1},
			})
		} else {
			_, err = s.collection.UpdateOne(ctx, bson.M{"task_id": doc.TaskID}, bson.M{"$set": bson.M{
				"status": string(taskqueue.Failed),
				"error": taskErrorDocument{
					Type:    "MaxRetriesExceeded",
					Message: fmt.Sprintf("Task failed after %d retries", doc.MaxRetries),
				},
				"progress_message": "Failed: max retries exceeded",
				"completed_at":     time.Now().UTC(),
			}})
		}
		if err != nil {
			return 0, fmt.Errorf("mongodb taskqueue recover stale update %q: %w", doc.TaskID, err)
		}
	}
	return len(docs), nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*taskqueue.Task, error) {
	var doc taskDocument
	err := s.collection.FindOne(ctx, bson.M{"task_id": taskID}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("mongodb taskqueue get task %q: %w", taskID, err)
	}
	return fromDocument(&doc), nil
}

func (s *Store) TasksForRun(ctx context.Context, runID string, limit int) ([]*taskqueue.Task, error) {
	return s.query(ctx, bson.M{"payload.run_id": runID}, bson.D{{Key: "created_at", Value: -1}}, limit)
}

func (s *Store) TasksForInteraction(ctx context.Context, interactionID string, limit int) ([]*taskqueue.Task, error) {
	return s.query(ctx, bson.M{"payload.interaction_id": interactionID}, bson.D{{Key: "created_at", Value: -1}}, limit)
}

func (s *Store) QueuedByConcurrency(ctx context.Context, concurrencyIdentifier string, limit int) ([]*taskqueue.Task, error) {
	filter := bson.M{"status": string(taskqueue.Queued), "payload.concurrency_identifier": concurrencyIdentifier}
	return s.query(ctx, filter, bson.D{{Key: "priority", Value: -1}, {Key: "created_at", Value: 1}}, limit)
}

func (s *Store) query(ctx context.Context, filter bson.M, sort bson.D, limit int) ([]*taskqueue.Task, error) {
	opts := options.Find().SetSort(sort)
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb taskqueue query: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []taskDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb taskqueue query decode: %w", err)
	}
	out := make([]*taskqueue.Task, len(docs))
	for i := range docs {
		out[i] = fromDocument(&docs[i])
	}
	return out, nil
}

// UpdateQueuePositions rewrites the progress message of every queued task
// in concurrencyIdentifier's group to its 1-indexed position. It re-fetches
// the ordered set and writes each message individually: Mongo has no
// "update with row number" primitive without a $setWindowFields aggregation
// pipeline that the driver's update API here doesn't expose more simply.
func (s *Store) UpdateQueuePositions(ctx context.Context, concurrencyIdentifier string) error {
	tasks, err := s.QueuedByConcurrency(ctx, concurrencyIdentifier, 0)
	if err != nil {
		return err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	now := time.Now().UTC()
	for i, t := range tasks {
		_, err := s.collection.UpdateOne(ctx, bson.M{"task_id": t.TaskID}, bson.M{"$set": bson.M{
			"progress_message":    fmt.Sprintf("Queued (position %d of %d)", i+1, len(tasks)),
			"progress_updated_at": now,
		}})
		if err != nil {
			return fmt.Errorf("mongodb taskqueue update queue positions %q: %w", t.TaskID, err)
		}
	}
	return nil
}

func fromDocument(doc *taskDocument) *taskqueue.Task {
	t := &taskqueue.Task{
		TaskID:                doc.TaskID,
		Actor:                 doc.Actor,
		Payload:               doc.Payload,
		Status:                taskqueue.Status(doc.Status),
		Priority:              doc.Priority,
		ConcurrencyIdentifier: doc.ConcurrencyIdentifier,
		ConcurrencyLimit:      doc.ConcurrencyLimit,
		Result:                doc.Result,
		Response:              doc.Response,
		Progress: taskqueue.Progress{
			ElapsedMS: doc.ProgressElapsedMS,
			Message:   doc.ProgressMessage,
		},
		CreatedAt:    doc.CreatedAt,
		StartedAt:    doc.StartedAt,
		CompletedAt:  doc.CompletedAt,
		WorkerID:     doc.WorkerID,
		HeartbeatAt:  doc.HeartbeatAt,
		RetryCount:   doc.RetryCount,
		MaxRetries:   doc.MaxRetries,
	}
	if doc.ProgressUpdatedAt != nil {
		t.Progress.UpdatedAt = *doc.ProgressUpdatedAt
	}
	if doc.Error != nil {
		t.Error = &taskqueue.TaskError{
			Type:       doc.Error.Type,
			Message:    doc.Error.Message,
			Details:    doc.Error.Details,
			StackTrace: doc.Error.StackTrace,
		}
	}
	return t
}
