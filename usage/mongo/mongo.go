// Package mongo provides a MongoDB implementation of usage.Store, backed
// by a single tokens collection matching the persisted layout's logical
// collection name.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/workflowmanager/engine/usage"
)

// Store is a MongoDB-backed usage.Store.
type Store struct {
	tokens *mongo.Collection
}

var _ usage.Store = (*Store)(nil)

// New creates a Store using the provided tokens collection.
func New(tokens *mongo.Collection) *Store {
	return &Store{tokens: tokens}
}

// EnsureIndexes creates the index query patterns rely on. Safe to call
// repeatedly; CreateMany is idempotent for identical specs.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.tokens.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "workflow_run_id", Value: 1}, {Key: "timestamp", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongodb ensure usage indexes: %w", err)
	}
	return nil
}

type recordDocument struct {
	RunID            string    `bson:"workflow_run_id"`
	Timestamp        time.Time `bson:"timestamp"`
	StepID           string    `bson:"step_id"`
	StepName         string    `bson:"step_name"`
	ModuleName       string    `bson:"module_name"`
	ModuleIndex      int       `bson:"module_index"`
	Model            string    `bson:"model"`
	PromptTokens     int64     `bson:"prompt_tokens"`
	CompletionTokens int64     `bson:"completion_tokens"`
	CachedTokens     int64     `bson:"cached_tokens"`
	TotalTokens      int64     `bson:"total_tokens"`
}

// Record implements usage.Store.
func (s *Store) Record(ctx context.Context, rec usage.Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	doc := recordDocument{
		RunID: rec.RunID, Timestamp: rec.Timestamp, StepID: rec.StepID, StepName: rec.StepName,
		ModuleName: rec.ModuleName, ModuleIndex: rec.ModuleIndex, Model: rec.Model,
		PromptTokens: rec.PromptTokens, CompletionTokens: rec.CompletionTokens,
		CachedTokens: rec.CachedTokens, TotalTokens: rec.TotalTokens,
	}
	if _, err := s.tokens.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongodb store token usage for run %q: %w", rec.RunID, err)
	}
	return nil
}

// ForRun implements usage.Store.
func (s *Store) ForRun(ctx context.Context, runID string) ([]usage.Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	cursor, err := s.tokens.Find(ctx, bson.M{"workflow_run_id": runID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb query token usage for run %q: %w", runID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []recordDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb decode token usage for run %q: %w", runID, err)
	}
	out := make([]usage.Record, len(docs))
	for i, doc := range docs {
		out[i] = fromDocument(&doc)
	}
	return out, nil
}

// Summary implements usage.Store, mirroring the original's
// get_token_summary $group aggregation.
func (s *Store) Summary(ctx context.Context, runID string) (usage.Summary, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "workflow_run_id", Value: runID}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "prompt_tokens", Value: bson.D{{Key: "$sum", Value: "$prompt_tokens"}}},
			{Key: "completion_tokens", Value: bson.D{{Key: "$sum", Value: "$completion_tokens"}}},
			{Key: "cached_tokens", Value: bson.D{{Key: "$sum", Value: "$cached_tokens"}}},
			{Key: "total_tokens", Value: bson.D{{Key: "$sum", Value: "$total_tokens"}}},
		}}},
	}
	cursor, err := s.tokens.Aggregate(ctx, pipeline)
	if err != nil {
		return usage.Summary{}, fmt.Errorf("mongodb summarize token usage for run %q: %w", runID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var results []summaryDocument
	if err := cursor.All(ctx, &results); err != nil {
		return usage.Summary{}, fmt.Errorf("mongodb decode token usage summary for run %q: %w", runID, err)
	}
	if len(results) == 0 {
		return usage.Summary{}, nil
	}
	doc := results[0]
	return usage.Summary{
		PromptTokens: doc.PromptTokens, CompletionTokens: doc.CompletionTokens,
		CachedTokens: doc.CachedTokens, TotalTokens: doc.TotalTokens,
	}, nil
}

type summaryDocument struct {
	PromptTokens     int64 `bson:"prompt_tokens"`
	CompletionTokens int64 `bson:"completion_tokens"`
	CachedTokens     int64 `bson:"cached_tokens"`
	TotalTokens      int64 `bson:"total_tokens"`
}

// DeleteByRun implements usage.Store.
func (s *Store) DeleteByRun(ctx context.Context, runID string) error {
	if _, err := s.tokens.DeleteMany(ctx, bson.M{"workflow_run_id": runID}); err != nil {
		return fmt.Errorf("mongodb delete token usage for run %q: %w", runID, err)
	}
	return nil
}

func fromDocument(doc *recordDocument) usage.Record {
	return usage.Record{
		RunID: doc.RunID, StepID: doc.StepID, StepName: doc.StepName,
		ModuleName: doc.ModuleName, ModuleIndex: doc.ModuleIndex, Model: doc.Model,
		PromptTokens: doc.PromptTokens, CompletionTokens: doc.CompletionTokens,
		CachedTokens: doc.CachedTokens, TotalTokens: doc.TotalTokens, Timestamp: doc.Timestamp,
	}
}
