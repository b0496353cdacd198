// Package inmem provides an in-memory usage.Store for tests and local
// development.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/workflowmanager/engine/usage"
)

// Store implements usage.Store in memory.
type Store struct {
	mu      sync.Mutex
	records map[string][]usage.Record
}

// New returns an empty in-memory usage store.
func New() *Store {
	return &Store{records: make(map[string][]usage.Record)}
}

var _ usage.Store = (*Store)(nil)

// Record implements usage.Store.
func (s *Store) Record(_ context.Context, rec usage.Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.RunID] = append(s.records[rec.RunID], rec)
	return nil
}

// ForRun implements usage.Store.
func (s *Store) ForRun(_ context.Context, runID string) ([]usage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]usage.Record(nil), s.records[runID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Summary implements usage.Store.
func (s *Store) Summary(_ context.Context, runID string) (usage.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum usage.Summary
	for _, rec := range s.records[runID] {
		sum.PromptTokens += rec.PromptTokens
		sum.CompletionTokens += rec.CompletionTokens
		sum.CachedTokens += rec.CachedTokens
		sum.TotalTokens += rec.TotalTokens
	}
	return sum, nil
}

// DeleteByRun implements usage.Store.
func (s *Store) DeleteByRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, runID)
	return nil
}
