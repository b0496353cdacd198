// Package mongo provides a MongoDB implementation of eventstore.Store.
//
// This is the production-durable event store: events are persisted to a
// collection indexed for run-scoped ascending-ID scans and type-filtered
// lookups, matching the engine's required index set on `events
// (run_id, event_id asc)` and `(run_id, event_type, branch_id)`.
package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/workflowmanager/engine/eventstore"
)

// Store is a MongoDB-backed eventstore.Store.
type Store struct {
	collection *mongo.Collection
	gens       *generatorCache
}

var _ eventstore.Store = (*Store)(nil)

// New creates a Store using the provided collection. Callers are
// responsible for connecting the underlying client and, in production,
// creating the indices described in the package doc comment.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection, gens: newGeneratorCache()}
}

type eventDocument struct {
	ID                string         `bson:"_id"`
	RunID             string         `bson:"run_id"`
	BranchID          string         `bson:"branch_id"`
	WorkflowVersionID string         `bson:"workflow_version_id,omitempty"`
	Type              string         `bson:"event_type"`
	StepID            string         `bson:"step_id,omitempty"`
	ModuleName        string         `bson:"module_name,omitempty"`
	Data              map[string]any `bson:"data,omitempty"`
	Timestamp         int64          `bson:"timestamp"`
}

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, e *eventstore.Event) error {
	if e == nil {
		return fmt.Errorf("event is required")
	}
	if e.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if e.BranchID == "" {
		return fmt.Errorf("branch_id is required")
	}

	e.ID = s.gens.forRun(e.RunID).Next()
	doc := toDocument(e)
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongodb append event run %q: %w", e.RunID, err)
	}
	return nil
}

// Latest implements eventstore.Store.
func (s *Store) Latest(ctx context.Context, runID string, typ eventstore.Type) (*eventstore.Event, error) {
	filter := bson.M{"run_id": runID}
	if typ != "" {
		filter["event_type"] = string(typ)
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}})

	var doc eventDocument
	err := s.collection.FindOne(ctx, filter, opts).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("mongodb latest event run %q: %w", runID, err)
	}
	return fromDocument(&doc), nil
}

// Query implements eventstore.Store.
func (s *Store) Query(ctx context.Context, runID string, filter eventstore.Filter, limit int) ([]*eventstore.Event, error) {
	q := bson.M{"run_id": runID}
	if filter.BranchID != "" {
		q["branch_id"] = filter.BranchID
	}
	if filter.StepID != "" {
		q["step_id"] = filter.StepID
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		q["event_type"] = bson.M{"$in": types}
	}
	if filter.MinID != "" || filter.MaxID != "" {
		idRange := bson.M{}
		if filter.MinID != "" {
			idRange["$gte"] = filter.MinID
		}
		if filter.MaxID != "" {
			idRange["$lte"] = filter.MaxID
		}
		q["_id"] = idRange
	}

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.collection.Find(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb query events run %q: %w", runID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []eventDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb query events decode run %q: %w", runID, err)
	}

	out := make([]*eventstore.Event, len(docs))
	for i := range docs {
		out[i] = fromDocument(&docs[i])
	}
	return out, nil
}

// DeleteByRun implements eventstore.Store.
func (s *Store) DeleteByRun(ctx context.Context, runID string) error {
	if _, err := s.collection.DeleteMany(ctx, bson.M{"run_id": runID}); err != nil {
		return fmt.Errorf("mongodb delete events run %q: %w", runID, err)
	}
	s.gens.drop(runID)
	return nil
}

func toDocument(e *eventstore.Event) *eventDocument {
	return &eventDocument{
		ID:                e.ID,
		RunID:             e.RunID,
		BranchID:          e.BranchID,
		WorkflowVersionID: e.WorkflowVersionID,
		Type:              string(e.Type),
		StepID:            e.StepID,
		ModuleName:        e.ModuleName,
		Data:              e.Data,
		Timestamp:         e.Timestamp.UnixMilli(),
	}
}

func fromDocument(doc *eventDocument) *eventstore.Event {
	return &eventstore.Event{
		ID:                doc.ID,
		RunID:             doc.RunID,
		BranchID:          doc.BranchID,
		WorkflowVersionID: doc.WorkflowVersionID,
		Type:              eventstore.Type(doc.Type),
		StepID:            doc.StepID,
		ModuleName:        doc.ModuleName,
		Data:              doc.Data,
		Timestamp:         timestampFromMillis(doc.Timestamp),
	}
}
