package deriver

import (
	"context"
	"fmt"

	"github.com/workflowmanager/engine/eventstore"
)

// JumpToModule forks a new branch so that re-entering the run at (step,
// module) omits every event from that module's first occurrence onward.
// It locates the first lineage event matching (step, module); the fork
// point is the immediately preceding lineage event's (branch, event id), or
// the current branch with no cutoff if the target is the very first event
// on the lineage. The branch graph's current-branch pointer is not updated
// here; callers own that (see runstore).
func (d *Deriver) JumpToModule(ctx context.Context, runID, currentBranchID, step, module string) (string, error) {
	events, err := d.LineageEvents(ctx, runID, currentBranchID, nil)
	if err != nil {
		return "", err
	}

	targetIdx := -1
	for i, e := range events {
		if e.StepID == step && e.ModuleName == module {
			targetIdx = i
			break
		}
	}
	if targetIdx == -1 {
		return "", fmt.Errorf("deriver: module %s/%s not found in branch %q lineage", step, module, currentBranchID)
	}

	var parentBranchID, cutoff string
	if targetIdx == 0 {
		parentBranchID = currentBranchID
	} else {
		parent := events[targetIdx-1]
		parentBranchID = parent.BranchID
		cutoff = parent.ID
	}

	child, err := d.Branches.CreateChild(ctx, runID, parentBranchID, cutoff)
	if err != nil {
		return "", fmt.Errorf("deriver: jump_to_module fork: %w", err)
	}
	return child.ID, nil
}

// BranchFromInteractionRequest forks a new branch that includes every event
// up to and including the interaction_requested event identified by
// interactionID, letting the run re-enter that exact interaction state
// without re-executing upstream modules.
func (d *Deriver) BranchFromInteractionRequest(ctx context.Context, runID, currentBranchID, interactionID string) (string, error) {
	events, err := d.LineageEvents(ctx, runID, currentBranchID, []eventstore.Type{eventstore.InteractionRequest})
	if err != nil {
		return "", err
	}

	var target *eventstore.Event
	for _, e := range events {
		if id, _ := e.Data["interaction_id"].(string); id == interactionID {
			target = e
			break
		}
	}
	if target == nil {
		return "", fmt.Errorf("deriver: interaction %q not found in branch %q lineage: %w", interactionID, currentBranchID, ErrInteractionNotFound)
	}

	child, err := d.Branches.CreateChild(ctx, runID, target.BranchID, target.ID)
	if err != nil {
		return "", fmt.Errorf("deriver: branch_from_interaction_request fork: %w", err)
	}
	return child.ID, nil
}
