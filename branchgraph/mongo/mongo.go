// Package mongo provides a MongoDB implementation of branchgraph.Store,
// storing each branch's full lineage inline on its document (mirroring
// original_source's `lineage` array field) rather than resolving it by
// walking parent pointers at read time.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/workflowmanager/engine/branchgraph"
)

// Store is a MongoDB-backed branchgraph.Store.
type Store struct {
	collection *mongo.Collection
}

var _ branchgraph.Store = (*Store)(nil)

// New creates a Store using the provided collection.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

type lineageEntryDocument struct {
	BranchID string `bson:"branch_id"`
	Cutoff   string `bson:"cutoff_event_id,omitempty"`
}

type branchDocument struct {
	ID        string                 `bson:"_id"`
	RunID     string                 `bson:"run_id"`
	Lineage   []lineageEntryDocument `bson:"lineage"`
	CreatedAt time.Time              `bson:"created_at"`
}

func newBranchID() string {
	return "br_" + uuid.Must(uuid.NewV7()).String()
}

// CreateRoot implements branchgraph.Store.
func (s *Store) CreateRoot(ctx context.Context, runID string) (*branchgraph.Branch, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	id := newBranchID()
	doc := branchDocument{
		ID:        id,
		RunID:     runID,
		Lineage:   []lineageEntryDocument{{BranchID: id}},
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("mongodb create root branch run %q: %w", runID, err)
	}
	return fromDocument(&doc), nil
}

// CreateChild implements branchgraph.Store.
func (s *Store) CreateChild(ctx context.Context, runID, parentBranchID, cutoff string) (*branchgraph.Branch, error) {
	var parentDoc branchDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": parentBranchID}).Decode(&parentDoc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, branchgraph.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get parent branch %q: %w", parentBranchID, err)
	}

	childID := newBranchID()
	lineage := branchgraph.BuildChildLineage(toLineage(parentDoc.Lineage), parentBranchID, childID, cutoff)
	doc := branchDocument{
		ID:        childID,
		RunID:     runID,
		Lineage:   toLineageDocuments(lineage),
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("mongodb create child branch run %q: %w", runID, err)
	}
	return fromDocument(&doc), nil
}

// Get implements branchgraph.Store.
func (s *Store) Get(ctx context.Context, branchID string) (*branchgraph.Branch, error) {
	var doc branchDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": branchID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, branchgraph.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get branch %q: %w", branchID, err)
	}
	return fromDocument(&doc), nil
}

// Lineage implements branchgraph.Store.
func (s *Store) Lineage(ctx context.Context, branchID string) ([]branchgraph.LineageEntry, error) {
	b, err := s.Get(ctx, branchID)
	if err != nil {
		return nil, err
	}
	return b.Lineage, nil
}

// DeleteByRun implements branchgraph.Store.
func (s *Store) DeleteByRun(ctx context.Context, runID string) error {
	if _, err := s.collection.DeleteMany(ctx, bson.M{"run_id": runID}); err != nil {
		return fmt.Errorf("mongodb delete branches run %q: %w", runID, err)
	}
	return nil
}

func fromDocument(doc *branchDocument) *branchgraph.Branch {
	return &branchgraph.Branch{
		ID:        doc.ID,
		RunID:     doc.RunID,
		Lineage:   toLineage(doc.Lineage),
		CreatedAt: doc.CreatedAt,
	}
}

func toLineage(docs []lineageEntryDocument) []branchgraph.LineageEntry {
	out := make([]branchgraph.LineageEntry, len(docs))
	for i, d := range docs {
		out[i] = branchgraph.LineageEntry{BranchID: d.BranchID, Cutoff: d.Cutoff}
	}
	return out
}

func toLineageDocuments(entries []branchgraph.LineageEntry) []lineageEntryDocument {
	out := make([]lineageEntryDocument, len(entries))
	for i, e := range entries {
		out[i] = lineageEntryDocument{BranchID: e.BranchID, Cutoff: e.Cutoff}
	}
	return out
}
