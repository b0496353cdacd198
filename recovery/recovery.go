// Package recovery detects and repairs a run whose cached status has
// drifted from the history its event log actually records — the
// consequence of a worker process dying mid-step, a deployment restart
// landing between an append and its run-document update, or any other
// interruption that leaves a run's status document and its true,
// event-derived position disagreeing. It never mutates history: recovery
// forks a new branch at the last point the two agreed and moves the run
// there, exactly as a retry or jump would.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/workflowmanager/engine/branchgraph"
	"github.com/workflowmanager/engine/deriver"
	"github.com/workflowmanager/engine/eventstore"
	"github.com/workflowmanager/engine/runstore"
	"github.com/workflowmanager/engine/telemetry"
	"github.com/workflowmanager/engine/versionstore"
	"github.com/workflowmanager/engine/workflowdef"
)

// Reason identifies which inconsistency pattern a recovery addressed.
type Reason string

const (
	// AwaitingInputWithNoPendingInteraction is status=awaiting_input with
	// no pending interaction in the event-derived position: the
	// interaction was answered (or never really suspended anything) but
	// the run's status document never advanced past awaiting_input.
	AwaitingInputWithNoPendingInteraction Reason = "awaiting_input_no_pending_interaction"
	// ProcessingWithPendingInteraction is status=processing while the
	// event-derived position shows an unanswered interaction: execution
	// suspended correctly but the status update to awaiting_input never
	// landed.
	ProcessingWithPendingInteraction Reason = "processing_with_pending_interaction"
	// ProcessingWithAllStepsComplete is status=processing while every
	// step in the run's resolved workflow already carries a
	// step_completed event: execution finished but the status update to
	// completed never landed.
	ProcessingWithAllStepsComplete Reason = "processing_all_steps_complete"
)

// Result describes a recovery that found and repaired an inconsistency.
// A nil *Result from Recover means the run needed no repair.
type Result struct {
	Reason           Reason
	PreviousBranchID string
	NewBranchID      string
	CutoffEventID    string
}

// Runner detects and repairs run/event-log inconsistencies.
type Runner struct {
	Events   eventstore.Store
	Branches branchgraph.Store
	Deriver  *deriver.Deriver
	Versions versionstore.Store
	Runs     runstore.Store
	Logger   telemetry.Logger
}

// New returns a Runner. logger may be nil, in which case log calls are
// discarded.
func New(events eventstore.Store, branches branchgraph.Store, drv *deriver.Deriver, versions versionstore.Store, runs runstore.Store, logger telemetry.Logger) *Runner {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Runner{Events: events, Branches: branches, Deriver: drv, Versions: versions, Runs: runs, Logger: logger}
}

// Recover checks runID for a status/event-log inconsistency and repairs
// it if found. It is safe to call on a perfectly healthy run: it returns
// (nil, nil) and touches nothing.
func (r *Runner) Recover(ctx context.Context, runID string) (*Result, error) {
	run, err := r.Runs.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("recovery: get run %q: %w", runID, err)
	}

	pos, err := r.Deriver.Position(ctx, runID, run.CurrentBranchID)
	if err != nil {
		return nil, fmt.Errorf("recovery: derive position for run %q: %w", runID, err)
	}

	reason, inconsistent, err := r.detect(ctx, run, pos)
	if err != nil {
		return nil, err
	}
	if !inconsistent {
		return nil, nil
	}

	r.Logger.Info(ctx, "recovery: inconsistency detected", "run_id", runID, "reason", string(reason), "status", string(run.Status))

	stable, err := r.findLastStableEvent(ctx, runID, run.CurrentBranchID)
	if err != nil {
		return nil, err
	}
	if stable == nil {
		// Nothing to fork from: the run has no step_completed or
		// module_completed event yet. Leave it alone rather than guess.
		r.Logger.Warn(ctx, "recovery: no stable event found, skipping", "run_id", runID)
		return nil, nil
	}

	// Forked off the last stable event's own branch, not run.CurrentBranchID:
	// if that event was appended on an ancestor branch (the run jumped or
	// retried since), forking from the run's current branch would still be
	// correct lineage-wise, but cutting at the event's own branch keeps the
	// fork point unambiguous even when the current branch's lineage has
	// moved on in ways that postdate the stable event.
	newBranch, err := r.Branches.CreateChild(ctx, runID, stable.BranchID, stable.ID)
	if err != nil {
		return nil, fmt.Errorf("recovery: fork branch at event %q: %w", stable.ID, err)
	}

	if err := r.Runs.SetCurrentBranch(ctx, runID, newBranch.ID); err != nil {
		return nil, fmt.Errorf("recovery: update current branch for run %q: %w", runID, err)
	}
	if err := r.Runs.SetProcessing(ctx, runID, stable.StepID, run.CurrentStepName); err != nil {
		return nil, fmt.Errorf("recovery: set run %q processing: %w", runID, err)
	}

	if err := r.Events.Append(ctx, &eventstore.Event{
		RunID:    runID,
		BranchID: newBranch.ID,
		Type:     eventstore.WorkflowRecovered,
		Data: map[string]any{
			"reason":             string(reason),
			"previous_branch_id": run.CurrentBranchID,
			"new_branch_id":      newBranch.ID,
			"cutoff_event_id":    stable.ID,
		},
		Timestamp: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("recovery: append workflow_recovered for run %q: %w", runID, err)
	}

	return &Result{
		Reason:           reason,
		PreviousBranchID: run.CurrentBranchID,
		NewBranchID:      newBranch.ID,
		CutoffEventID:    stable.ID,
	}, nil
}

// detect reports which, if any, of the three inconsistency patterns
// applies to run given its event-derived position.
func (r *Runner) detect(ctx context.Context, run runstore.Run, pos deriver.Position) (Reason, bool, error) {
	switch run.Status {
	case runstore.AwaitingInput:
		if pos.PendingInteraction == nil {
			return AwaitingInputWithNoPendingInteraction, true, nil
		}
	case runstore.Processing:
		if pos.PendingInteraction != nil {
			return ProcessingWithPendingInteraction, true, nil
		}
		allComplete, err := r.allStepsComplete(ctx, run, pos)
		if err != nil {
			return "", false, err
		}
		if allComplete {
			return ProcessingWithAllStepsComplete, true, nil
		}
	}
	return "", false, nil
}

// allStepsComplete reports whether every step in run's currently resolved
// workflow definition has a step_completed event in pos.
func (r *Runner) allStepsComplete(ctx context.Context, run runstore.Run, pos deriver.Position) (bool, error) {
	if run.CurrentWorkflowVersionID == "" {
		return false, nil
	}
	version, err := r.Versions.GetVersion(ctx, run.CurrentWorkflowVersionID)
	if err != nil {
		return false, fmt.Errorf("recovery: get version %q for run %q: %w", run.CurrentWorkflowVersionID, run.RunID, err)
	}
	def, err := workflowdef.Parse(version.ResolvedWorkflow)
	if err != nil {
		return false, fmt.Errorf("recovery: parse resolved workflow for version %q: %w", run.CurrentWorkflowVersionID, err)
	}
	if len(def.Steps) == 0 {
		return false, nil
	}

	completed := make(map[string]bool, len(pos.CompletedSteps))
	for _, id := range pos.CompletedSteps {
		completed[id] = true
	}
	for _, step := range def.Steps {
		if !completed[step.ID] {
			return false, nil
		}
	}
	return true, nil
}

// findLastStableEvent scans branchID's lineage backward for the most
// recent step_completed or module_completed event. interaction_response
// is deliberately excluded: forking there would re-enter the module that
// produced the response and replay it, duplicating history the original
// interaction_requested/interaction_response pair already recorded.
func (r *Runner) findLastStableEvent(ctx context.Context, runID, branchID string) (*eventstore.Event, error) {
	events, err := r.Deriver.LineageEvents(ctx, runID, branchID, []eventstore.Type{
		eventstore.StepCompleted, eventstore.ModuleCompleted,
	})
	if err != nil {
		return nil, fmt.Errorf("recovery: lineage events for run %q: %w", runID, err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[len(events)-1], nil
}
