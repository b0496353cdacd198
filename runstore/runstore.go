// Package runstore persists workflow run documents: the lightweight
// pointer record tying a run id to its owning user, its current workflow
// version and branch, and a coarse lifecycle status ("created",
// "processing", "awaiting_input", "completed", "error"). The Executor and
// Navigator never touch this package directly; each depends only on the
// narrow interface it needs (RunStatusUpdater, CurrentBranchUpdater),
// which Store satisfies alongside the rest of the run CRUD/query surface.
// Recovery uses Store directly.
package runstore

import (
	"context"
	"errors"
	"time"
)

// Status is a run's coarse lifecycle state.
type Status string

const (
	Created       Status = "created"
	Processing    Status = "processing"
	AwaitingInput Status = "awaiting_input"
	Completed     Status = "completed"
	Errored       Status = "error"
)

type (
	// Run is a workflow run's pointer record: who owns it, which
	// workflow version and branch it is currently executing, and its
	// coarse status. The event log (eventstore) and branch graph
	// (branchgraph) hold the actual history; this is the lightweight
	// row a listing or ownership check reads without replaying events.
	Run struct {
		RunID                    string
		UserID                   string
		ProjectName              string
		WorkflowTemplateName     string
		WorkflowTemplateID       string
		CurrentWorkflowVersionID string
		CurrentBranchID          string
		Status                   Status
		CurrentStepID            string
		CurrentStepName          string
		CurrentModule            string

		// ParentRunID and VisibleInUI are not present in the run
		// document this package is modeled on: a sub-action's target
		// sub-action executes inside a hidden child run with no
		// listing visibility of its own, and this field lets that
		// child still be registered here (for GetTask's
		// TasksForRun-style lookups and for Recovery, both of which
		// operate on any run id uniformly) without it ever showing up
		// in ListActive/ListAll for its owning user.
		ParentRunID string
		VisibleInUI bool

		CreatedAt   time.Time
		UpdatedAt   time.Time
		CompletedAt *time.Time
	}

	// VersionHistoryEntry records one past (version, branch) a run moved
	// through, kept so a client can show "this run used to be on version
	// X" even after SetCurrentVersion moves it forward.
	VersionHistoryEntry struct {
		WorkflowVersionID string
		BranchID          string
		RecordedAt        time.Time
	}

	// Store persists run documents and their version history.
	Store interface {
		// GetOrCreateRun returns the existing run for
		// (userID, projectName, workflowTemplateName), or creates one on
		// a fresh root branch. isNew reports which happened.
		GetOrCreateRun(ctx context.Context, userID, projectName, workflowTemplateName, workflowTemplateID, versionID string) (run Run, branchID string, isNew bool, err error)

		// CreateRun inserts a new run with the given branch already
		// assigned as its current branch. Used by Sub-Action Runner to
		// register a hidden child run whose branch was created directly
		// against the branch graph rather than through
		// GetOrCreateRun's root-branch path.
		CreateRun(ctx context.Context, run Run) error

		// Get returns a run by id.
		Get(ctx context.Context, runID string) (Run, error)

		// Exists reports whether runID exists and, if so, whether userID
		// is its owner. Mirrors the original ownership-check shape of
		// (userOwns, exists) so a caller can distinguish "not found"
		// from "found but not yours".
		Exists(ctx context.Context, runID, userID string) (userOwns, exists bool, err error)

		// FindExisting returns the run for
		// (userID, projectName, workflowTemplateName) if one exists,
		// without creating it.
		FindExisting(ctx context.Context, userID, projectName, workflowTemplateName string) (Run, error)

		// SetCurrentVersion moves a run onto a new resolved workflow
		// version and branch, recording the run's previous
		// (version, branch) pair as a VersionHistoryEntry first.
		SetCurrentVersion(ctx context.Context, runID, versionID, branchID string) error

		// SetCurrentBranch updates only the run's current branch
		// pointer, leaving its version untouched. Implements
		// navigator.CurrentBranchUpdater.
		SetCurrentBranch(ctx context.Context, runID, branchID string) error

		// SetProcessing marks a run processing at the given step.
		// Implements executor.RunStatusUpdater.
		SetProcessing(ctx context.Context, runID, stepID, stepName string) error

		// SetAwaitingInput marks a run suspended on moduleName.
		// Implements executor.RunStatusUpdater.
		SetAwaitingInput(ctx context.Context, runID, moduleName string) error

		// SetCompleted marks a run completed. Implements
		// executor.RunStatusUpdater.
		SetCompleted(ctx context.Context, runID string) error

		// Reset returns a run to status=created and clears its current
		// step/module, leaving its version and branch untouched. Used
		// when a client explicitly restarts a run from the beginning.
		Reset(ctx context.Context, runID string) error

		// Delete removes a run's document and version history. It does
		// not touch the run's events or branches; callers that want a
		// full teardown call eventstore.DeleteByRun and
		// branchgraph.DeleteByRun themselves.
		Delete(ctx context.Context, runID string) error

		// ListActive returns runs not in a terminal status (completed,
		// error), optionally restricted to userID, most recently
		// updated first.
		ListActive(ctx context.Context, userID string, limit int) ([]Run, error)

		// ListAll returns every run updated at or after updatedSince (a
		// zero time matches everything), optionally restricted to
		// userID, most recently updated first.
		ListAll(ctx context.Context, updatedSince time.Time, userID string, limit int) ([]Run, error)

		// AddVersionHistoryEntry appends an entry to runID's version
		// history.
		AddVersionHistoryEntry(ctx context.Context, runID string, entry VersionHistoryEntry) error

		// VersionHistory returns runID's version history, oldest first.
		VersionHistory(ctx context.Context, runID string) ([]VersionHistoryEntry, error)
	}
)

// ErrNotFound is returned when a referenced run does not exist.
var ErrNotFound = errors.New("runstore: run not found")
