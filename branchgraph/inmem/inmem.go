// Package inmem provides an in-memory branchgraph.Store for tests and local
// development.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workflowmanager/engine/branchgraph"
)

// Store implements branchgraph.Store in memory, keyed by branch id.
type Store struct {
	mu       sync.Mutex
	branches map[string]*branchgraph.Branch
}

// New returns an empty in-memory branch store.
func New() *Store {
	return &Store{branches: make(map[string]*branchgraph.Branch)}
}

var _ branchgraph.Store = (*Store)(nil)

func newBranchID() string {
	return "br_" + uuid.Must(uuid.NewV7()).String()
}

// CreateRoot implements branchgraph.Store.
func (s *Store) CreateRoot(_ context.Context, runID string) (*branchgraph.Branch, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	id := newBranchID()
	b := &branchgraph.Branch{
		ID:        id,
		RunID:     runID,
		Lineage:   []branchgraph.LineageEntry{{BranchID: id, Cutoff: ""}},
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches[id] = b
	return cloneBranch(b), nil
}

// CreateChild implements branchgraph.Store.
func (s *Store) CreateChild(_ context.Context, runID, parentBranchID, cutoff string) (*branchgraph.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.branches[parentBranchID]
	if !ok {
		return nil, branchgraph.ErrNotFound
	}

	childID := newBranchID()
	lineage := branchgraph.BuildChildLineage(parent.Lineage, parentBranchID, childID, cutoff)
	b := &branchgraph.Branch{
		ID:        childID,
		RunID:     runID,
		Lineage:   lineage,
		CreatedAt: time.Now().UTC(),
	}
	s.branches[childID] = b
	return cloneBranch(b), nil
}

// Get implements branchgraph.Store.
func (s *Store) Get(_ context.Context, branchID string) (*branchgraph.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.branches[branchID]
	if !ok {
		return nil, branchgraph.ErrNotFound
	}
	return cloneBranch(b), nil
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
func (s *Store) DeleteByRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, b := range s.branches {
		if b.RunID == runID {
			delete(s.branches, id)
		}
	}
	return nil
}

func cloneBranch(b *branchgraph.Branch) *branchgraph.Branch {
	clone := *b
	clone.Lineage = append([]branchgraph.LineageEntry(nil), b.Lineage...)
	return &clone
}
