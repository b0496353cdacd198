// Package inmem provides an in-memory runstore.Store for tests and local
// development.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workflowmanager/engine/branchgraph"
	"github.com/workflowmanager/engine/runstore"
)

// Store implements runstore.Store in memory. Branches is the
// branchgraph.Store GetOrCreateRun uses to create a run's root branch;
// it is never touched by any other Store method.
type Store struct {
	Branches branchgraph.Store

	mu      sync.Mutex
	runs    map[string]*runstore.Run
	history map[string][]runstore.VersionHistoryEntry
}

// New returns an empty in-memory run store backed by branches for root
// branch creation.
func New(branches branchgraph.Store) *Store {
	return &Store{
		Branches: branches,
		runs:     make(map[string]*runstore.Run),
		history:  make(map[string][]runstore.VersionHistoryEntry),
	}
}

var _ runstore.Store = (*Store)(nil)

func newRunID() string { return "run_" + uuid.Must(uuid.NewV7()).String() }

// GetOrCreateRun implements runstore.Store.
func (s *Store) GetOrCreateRun(ctx context.Context, userID, projectName, workflowTemplateName, workflowTemplateID, versionID string) (runstore.Run, string, bool, error) {
	s.mu.Lock()
	for _, r := range s.runs {
		if r.UserID == userID && r.ProjectName == projectName && r.WorkflowTemplateName == workflowTemplateName {
			run := *r
			s.mu.Unlock()
			return run, run.CurrentBranchID, false, nil
		}
	}
	s.mu.Unlock()

	runID := newRunID()
	branch, err := s.Branches.CreateRoot(ctx, runID)
	if err != nil {
		return runstore.Run{}, "", false, err
	}

	now := time.Now().UTC()
	run := &runstore.Run{
		RunID:                    runID,
		UserID:                   userID,
		ProjectName:              projectName,
		WorkflowTemplateName:     workflowTemplateName,
		WorkflowTemplateID:       workflowTemplateID,
		CurrentWorkflowVersionID: versionID,
		CurrentBranchID:          branch.ID,
		Status:                   runstore.Created,
		VisibleInUI:              true,
		CreatedAt:                now,
		UpdatedAt:                now,
	}

	s.mu.Lock()
	s.runs[run.RunID] = run
	s.mu.Unlock()
	return *run, run.CurrentBranchID, true, nil
}

// CreateRun implements runstore.Store.
func (s *Store) CreateRun(_ context.Context, run runstore.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	r := run
	s.runs[r.RunID] = &r
	return nil
}

// Get implements runstore.Store.
func (s *Store) Get(_ context.Context, runID string) (runstore.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return runstore.Run{}, runstore.ErrNotFound
	}
	return *r, nil
}

// Exists implements runstore.Store.
func (s *Store) Exists(_ context.Context, runID, userID string) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return false, false, nil
	}
	return r.UserID == userID, true, nil
}

// FindExisting implements runstore.Store.
func (s *Store) FindExisting(_ context.Context, userID, projectName, workflowTemplateName string) (runstore.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.UserID == userID && r.ProjectName == projectName && r.WorkflowTemplateName == workflowTemplateName {
			return *r, nil
		}
	}
	return runstore.Run{}, runstore.ErrNotFound
}

// SetCurrentVersion implements runstore.Store.
func (s *Store) SetCurrentVersion(_ context.Context, runID, versionID, branchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return runstore.ErrNotFound
	}
	s.history[runID] = append(s.history[runID], runstore.VersionHistoryEntry{
		WorkflowVersionID: r.CurrentWorkflowVersionID,
		BranchID:          r.CurrentBranchID,
		RecordedAt:        time.Now().UTC(),
	})
	r.CurrentWorkflowVersionID = versionID
	r.CurrentBranchID = branchID
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// SetCurrentBranch implements runstore.Store (navigator.CurrentBranchUpdater).
func (s *Store) SetCurrentBranch(_ context.Context, runID, branchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return runstore.ErrNotFound
	}
	r.CurrentBranchID = branchID
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// SetProcessing implements runstore.Store (executor.RunStatusUpdater).
func (s *Store) SetProcessing(_ context.Context, runID, stepID, stepName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return runstore.ErrNotFound
	}
	r.Status = runstore.Processing
	r.CurrentStepID = stepID
	r.CurrentStepName = stepName
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// SetAwaitingInput implements runstore.Store (executor.RunStatusUpdater).
func (s *Store) SetAwaitingInput(_ context.Context, runID, moduleName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return runstore.ErrNotFound
	}
	r.Status = runstore.AwaitingInput
	r.CurrentModule = moduleName
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// SetCompleted implements runstore.Store (executor.RunStatusUpdater).
func (s *Store) SetCompleted(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return runstore.ErrNotFound
	}
	now := time.Now().UTC()
	r.Status = runstore.Completed
	r.CompletedAt = &now
	r.UpdatedAt = now
	return nil
}

// Reset implements runstore.Store.
func (s *Store) Reset(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return runstore.ErrNotFound
	}
	r.Status = runstore.Created
	r.CurrentStepID = ""
	r.CurrentStepName = ""
	r.CurrentModule = ""
	r.CompletedAt = nil
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// Delete implements runstore.Store.
func (s *Store) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	delete(s.history, runID)
	return nil
}

// ListActive implements runstore.Store.
func (s *Store) ListActive(_ context.Context, userID string, limit int) ([]runstore.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []runstore.Run
	for _, r := range s.runs {
		if r.Status == runstore.Completed || r.Status == runstore.Errored {
			continue
		}
		if userID != "" && r.UserID != userID {
			continue
		}
		out = append(out, *r)
	}
	sortByUpdatedAtDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListAll implements runstore.Store.
func (s *Store) ListAll(_ context.Context, updatedSince time.Time, userID string, limit int) ([]runstore.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []runstore.Run
	for _, r := range s.runs {
		if !updatedSince.IsZero() && r.UpdatedAt.Before(updatedSince) {
			continue
		}
		if userID != "" && r.UserID != userID {
			continue
		}
		out = append(out, *r)
	}
	sortByUpdatedAtDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AddVersionHistoryEntry implements runstore.Store.
func (s *Store) AddVersionHistoryEntry(_ context.Context, runID string, entry runstore.VersionHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return runstore.ErrNotFound
	}
	s.history[runID] = append(s.history[runID], entry)
	return nil
}

// VersionHistory implements runstore.Store.
func (s *Store) VersionHistory(_ context.Context, runID string) ([]runstore.VersionHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]runstore.VersionHistoryEntry(nil), s.history[runID]...), nil
}

func sortByUpdatedAtDesc(runs []runstore.Run) {
	sort.Slice(runs, func(i, j int) bool { return runs[i].UpdatedAt.After(runs[j].UpdatedAt) })
}
