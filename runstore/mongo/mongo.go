// Package mongo provides a MongoDB implementation of runstore.Store, with
// workflow_runs and workflow_run_version_history collections matching the
// persisted layout's logical collection names.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/workflowmanager/engine/branchgraph"
	"github.com/workflowmanager/engine/runstore"
)

// Store is a MongoDB-backed runstore.Store. Branches is used only by
// GetOrCreateRun, to create a new run's root branch.
type Store struct {
	runs     *mongo.Collection
	history  *mongo.Collection
	Branches branchgraph.Store
}

var _ runstore.Store = (*Store)(nil)

// New creates a Store using the provided collections and branch graph.
func New(runs, history *mongo.Collection, branches branchgraph.Store) *Store {
	return &Store{runs: runs, history: history, Branches: branches}
}

// EnsureIndexes creates the indexes this Store's queries rely on. Call
// once at startup; CreateMany is idempotent against existing indexes.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.runs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "project_name", Value: 1}, {Key: "workflow_template_name", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: -1}}},
		{Keys: bson.D{{Key: "updated_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("mongodb ensure run indexes: %w", err)
	}
	_, err = s.history.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "recorded_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongodb ensure run history indexes: %w", err)
	}
	return nil
}

type runDocument struct {
	ID                       string     `bson:"_id"`
	UserID                   string     `bson:"user_id"`
	ProjectName              string     `bson:"project_name"`
	WorkflowTemplateName     string     `bson:"workflow_template_name"`
	WorkflowTemplateID       string     `bson:"workflow_template_id"`
	CurrentWorkflowVersionID string     `bson:"current_workflow_version_id"`
	CurrentBranchID          string     `bson:"current_branch_id"`
	Status                   string     `bson:"status"`
	CurrentStepID            string     `bson:"current_step,omitempty"`
	CurrentStepName          string     `bson:"current_step_name,omitempty"`
	CurrentModule            string     `bson:"current_module,omitempty"`
	ParentRunID              string     `bson:"parent_run_id,omitempty"`
	VisibleInUI              bool       `bson:"visible_in_ui"`
	CreatedAt                time.Time  `bson:"created_at"`
	UpdatedAt                time.Time  `bson:"updated_at"`
	CompletedAt              *time.Time `bson:"completed_at,omitempty"`
}

type versionHistoryDocument struct {
	RunID             string    `bson:"run_id"`
	WorkflowVersionID string    `bson:"workflow_version_id"`
	BranchID          string    `bson:"branch_id"`
	RecordedAt        time.Time `bson:"recorded_at"`
}

func newRunID() string { return "run_" + uuid.Must(uuid.NewV7()).String() }

func toRun(doc *runDocument) runstore.Run {
	return runstore.Run{
		RunID:                    doc.ID,
		UserID:                   doc.UserID,
		ProjectName:              doc.ProjectName,
		WorkflowTemplateName:     doc.WorkflowTemplateName,
		WorkflowTemplateID:       doc.WorkflowTemplateID,
		CurrentWorkflowVersionID: doc.CurrentWorkflowVersionID,
		CurrentBranchID:          doc.CurrentBranchID,
		Status:                   runstore.Status(doc.Status),
		CurrentStepID:            doc.CurrentStepID,
		CurrentStepName:          doc.CurrentStepName,
		CurrentModule:            doc.CurrentModule,
		ParentRunID:              doc.ParentRunID,
		VisibleInUI:              doc.VisibleInUI,
		CreatedAt:                doc.CreatedAt,
		UpdatedAt:                doc.UpdatedAt,
		CompletedAt:              doc.CompletedAt,
	}
}

func fromRun(run runstore.Run) runDocument {
	return runDocument{
		ID:                       run.RunID,
		UserID:                   run.UserID,
		ProjectName:              run.ProjectName,
		WorkflowTemplateName:     run.WorkflowTemplateName,
		WorkflowTemplateID:       run.WorkflowTemplateID,
		CurrentWorkflowVersionID: run.CurrentWorkflowVersionID,
		CurrentBranchID:          run.CurrentBranchID,
		Status:                   string(run.Status),
		CurrentStepID:            run.CurrentStepID,
		CurrentStepName:          run.CurrentStepName,
		CurrentModule:            run.CurrentModule,
		ParentRunID:              run.ParentRunID,
		VisibleInUI:              run.VisibleInUI,
		CreatedAt:                run.CreatedAt,
		UpdatedAt:                run.UpdatedAt,
		CompletedAt:              run.CompletedAt,
	}
}

// GetOrCreateRun implements runstore.Store.
func (s *Store) GetOrCreateRun(ctx context.Context, userID, projectName, workflowTemplateName, workflowTemplateID, versionID string) (runstore.Run, string, bool, error) {
	filter := bson.M{"user_id": userID, "project_name": projectName, "workflow_template_name": workflowTemplateName}
	var doc runDocument
	err := s.runs.FindOne(ctx, filter).Decode(&doc)
	if err == nil {
		return toRun(&doc), doc.CurrentBranchID, false, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return runstore.Run{}, "", false, fmt.Errorf("mongodb get run for %q/%q: %w", projectName, workflowTemplateName, err)
	}

	runID := newRunID()
	branch, err := s.Branches.CreateRoot(ctx, runID)
	if err != nil {
		return runstore.Run{}, "", false, fmt.Errorf("mongodb create root branch for run %q: %w", runID, err)
	}

	now := time.Now().UTC()
	run := runstore.Run{
		RunID: runID, UserID: userID, ProjectName: projectName,
		WorkflowTemplateName: workflowTemplateName, WorkflowTemplateID: workflowTemplateID,
		CurrentWorkflowVersionID: versionID, CurrentBranchID: branch.ID,
		Status: runstore.Created, VisibleInUI: true,
		CreatedAt: now, UpdatedAt: now,
	}
	if _, err := s.runs.InsertOne(ctx, fromRun(run)); err != nil {
		return runstore.Run{}, "", false, fmt.Errorf("mongodb create run %q: %w", runID, err)
	}
	return run, branch.ID, true, nil
}

// CreateRun implements runstore.Store.
func (s *Store) CreateRun(ctx context.Context, run runstore.Run) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if _, err := s.runs.InsertOne(ctx, fromRun(run)); err != nil {
		return fmt.Errorf("mongodb create run %q: %w", run.RunID, err)
	}
	return nil
}

// Get implements runstore.Store.
func (s *Store) Get(ctx context.Context, runID string) (runstore.Run, error) {
	var doc runDocument
	if err := s.runs.FindOne(ctx, bson.M{"_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return runstore.Run{}, runstore.ErrNotFound
		}
		return runstore.Run{}, fmt.Errorf("mongodb get run %q: %w", runID, err)
	}
	return toRun(&doc), nil
}

// Exists implements runstore.Store.
func (s *Store) Exists(ctx context.Context, runID, userID string) (bool, bool, error) {
	var doc runDocument
	err := s.runs.FindOne(ctx, bson.M{"_id": runID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("mongodb check run %q exists: %w", runID, err)
	}
	return doc.UserID == userID, true, nil
}

// FindExisting implements runstore.Store.
func (s *Store) FindExisting(ctx context.Context, userID, projectName, workflowTemplateName string) (runstore.Run, error) {
	filter := bson.M{"user_id": userID, "project_name": projectName, "workflow_template_name": workflowTemplateName}
	var doc runDocument
	if err := s.runs.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return runstore.Run{}, runstore.ErrNotFound
		}
		return runstore.Run{}, fmt.Errorf("mongodb find run for %q/%q: %w", projectName, workflowTemplateName, err)
	}
	return toRun(&doc), nil
}

// SetCurrentVersion implements runstore.Store.
func (s *Store) SetCurrentVersion(ctx context.Context, runID, versionID, branchID string) error {
	current, err := s.Get(ctx, runID)
	if err != nil {
		return err
	}
	if err := s.AddVersionHistoryEntry(ctx, runID, runstore.VersionHistoryEntry{
		WorkflowVersionID: current.CurrentWorkflowVersionID,
		BranchID:          current.CurrentBranchID,
		RecordedAt:        time.Now().UTC(),
	}); err != nil {
		return err
	}
	return s.update(ctx, runID, bson.M{
		"current_workflow_version_id": versionID,
		"current_branch_id":           branchID,
	})
}

// SetCurrentBranch implements runstore.Store (navigator.CurrentBranchUpdater).
func (s *Store) SetCurrentBranch(ctx context.Context, runID, branchID string) error {
	return s.update(ctx, runID, bson.M{"current_branch_id": branchID})
}

// SetProcessing implements runstore.Store (executor.RunStatusUpdater).
func (s *Store) SetProcessing(ctx context.Context, runID, stepID, stepName string) error {
	return s.update(ctx, runID, bson.M{
		"status":            string(runstore.Processing),
		"current_step":      stepID,
		"current_step_name": stepName,
	})
}

// SetAwaitingInput implements runstore.Store (executor.RunStatusUpdater).
func (s *Store) SetAwaitingInput(ctx context.Context, runID, moduleName string) error {
	return s.update(ctx, runID, bson.M{
		"status":         string(runstore.AwaitingInput),
		"current_module": moduleName,
	})
}

// SetCompleted implements runstore.Store (executor.RunStatusUpdater).
func (s *Store) SetCompleted(ctx context.Context, runID string) error {
	return s.update(ctx, runID, bson.M{
		"status":       string(runstore.Completed),
		"completed_at": time.Now().UTC(),
	})
}

// Reset implements runstore.Store.
func (s *Store) Reset(ctx context.Context, runID string) error {
	_, err := s.runs.UpdateOne(ctx, bson.M{"_id": runID}, bson.M{
		"$set":   bson.M{"status": string(runstore.Created), "updated_at": time.Now().UTC()},
		"$unset": bson.M{"current_step": "", "current_step_name": "", "current_module": "", "completed_at": ""},
	})
	if err != nil {
		return fmt.Errorf("mongodb reset run %q: %w", runID, err)
	}
	return nil
}

// Delete implements runstore.Store.
func (s *Store) Delete(ctx context.Context, runID string) error {
	if _, err := s.runs.DeleteOne(ctx, bson.M{"_id": runID}); err != nil {
		return fmt.Errorf("mongodb delete run %q: %w", runID, err)
	}
	if _, err := s.history.DeleteMany(ctx, bson.M{"run_id": runID}); err != nil {
		return fmt.Errorf("mongodb delete run %q history: %w", runID, err)
	}
	return nil
}

// ListActive implements runstore.Store.
func (s *Store) ListActive(ctx context.Context, userID string, limit int) ([]runstore.Run, error) {
	filter := bson.M{"status": bson.M{"$nin": bson.A{string(runstore.Completed), string(runstore.Errored)}}}
	if userID != "" {
		filter["user_id"] = userID
	}
	return s.list(ctx, filter, limit)
}

// ListAll implements runstore.Store.
func (s *Store) ListAll(ctx context.Context, updatedSince time.Time, userID string, limit int) ([]runstore.Run, error) {
	filter := bson.M{}
	if !updatedSince.IsZero() {
		filter["updated_at"] = bson.M{"$gte": updatedSince}
	}
	if userID != "" {
		filter["user_id"] = userID
	}
	return s.list(ctx, filter, limit)
}

func (s *Store) list(ctx context.Context, filter bson.M, limit int) ([]runstore.Run, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.runs.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list runs: %w", err)
	}
	defer cursor.Close(ctx)

	var out []runstore.Run
	for cursor.Next(ctx) {
		var doc runDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongodb decode run: %w", err)
		}
		out = append(out, toRun(&doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("mongodb list runs cursor: %w", err)
	}
	return out, nil
}

// AddVersionHistoryEntry implements runstore.Store.
func (s *Store) AddVersionHistoryEntry(ctx context.Context, runID string, entry runstore.VersionHistoryEntry) error {
	doc := versionHistoryDocument{
		RunID: runID, WorkflowVersionID: entry.WorkflowVersionID,
		BranchID: entry.BranchID, RecordedAt: entry.RecordedAt,
	}
	if _, err := s.history.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongodb add version history for run %q: %w", runID, err)
	}
	return nil
}

// VersionHistory implements runstore.Store.
func (s *Store) VersionHistory(ctx context.Context, runID string) ([]runstore.VersionHistoryEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "recorded_at", Value: 1}})
	cursor, err := s.history.Find(ctx, bson.M{"run_id": runID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list version history for run %q: %w", runID, err)
	}
	defer cursor.Close(ctx)

	var out []runstore.VersionHistoryEntry
	for cursor.Next(ctx) {
		var doc versionHistoryDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongodb decode version history entry: %w", err)
		}
		out = append(out, runstore.VersionHistoryEntry{
			WorkflowVersionID: doc.WorkflowVersionID,
			BranchID:          doc.BranchID,
			RecordedAt:        doc.RecordedAt,
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("mongodb list version history cursor: %w", err)
	}
	return out, nil
}

func (s *Store) update(ctx context.Context, runID string, set bson.M) error {
	set["updated_at"] = time.Now().UTC()
	res, err := s.runs.UpdateOne(ctx, bson.M{"_id": runID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("mongodb update run %q: %w", runID, err)
	}
	if res.MatchedCount == 0 {
		return runstore.ErrNotFound
	}
	return nil
}
