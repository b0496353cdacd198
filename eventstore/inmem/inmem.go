// Package inmem provides an in-memory eventstore.Store for tests and local
// development. It is not durable.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/workflowmanager/engine/eventstore"
)

// Store implements eventstore.Store in memory, keyed by run id.
type Store struct {
	mu     sync.Mutex
	gen    map[string]*eventstore.IDGenerator
	events map[string][]*eventstore.Event
}

// New returns an empty in-memory event store.
func New() *Store {
	return &Store{
		gen:    make(map[string]*eventstore.IDGenerator),
		events: make(map[string][]*eventstore.Event),
	}
}

// Append implements eventstore.Store.
func (s *Store) Append(_ context.Context, e *eventstore.Event) error {
	if e == nil {
		return fmt.Errorf("event is required")
	}
	if e.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if e.BranchID == "" {
		return fmt.Errorf("branch_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gen[e.RunID]
	if !ok {
		g = eventstore.NewIDGenerator()
		s.gen[e.RunID] = g
	}
	e.ID = g.Next()

	ev := *e
	s.events[e.RunID] = append(s.events[e.RunID], &ev)
	return nil
}

// Latest implements eventstore.Store.
func (s *Store) Latest(_ context.Context, runID string, typ eventstore.Type) (*eventstore.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.events[runID]
	var latest *eventstore.Event
	for _, e := range all {
		if typ != "" && e.Type != typ {
			continue
		}
		if latest == nil || e.ID > latest.ID {
			latest = e
		}
	}
	return latest, nil
}

// Query implements eventstore.Store.
func (s *Store) Query(_ context.Context, runID string, filter eventstore.Filter, limit int) ([]*eventstore.Event, error) {
	s.mu.Lock()
	all := append([]*eventstore.Event(nil), s.events[runID]...)
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	var out []*eventstore.Event
	for _, e := range all {
		if filter.BranchID != "" && e.BranchID != filter.BranchID {
			continue
		}
		if filter.StepID != "" && e.StepID != filter.StepID {
			continue
		}
		if filter.MinID != "" && e.ID < filter.MinID {
			continue
		}
		if filter.MaxID != "" && e.ID > filter.MaxID {
			continue
		}
		if !eventstore.MatchesType(e.Type, filter.Types) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// DeleteByRun implements eventstore.Store.
func (s *Store) DeleteByRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, runID)
	delete(s.gen, runID)
	return nil
}
