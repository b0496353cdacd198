// Package navigator implements the two ways a suspended or completed
// module can be revisited: retrying it in place with accumulated
// conversation context, or jumping back to an earlier module on a fresh
// branch that discards everything after the fork point.
package navigator

import (
	"context"
	"fmt"
	"time"

	"github.com/workflowmanager/engine/deriver"
	"github.com/workflowmanager/engine/eventstore"
	"github.com/workflowmanager/engine/executor"
	"github.com/workflowmanager/engine/telemetry"
	"github.com/workflowmanager/engine/workflowdef"
)

// Reserved state keys a retry injects conversation context under. The
// llm.call module reads these directly off its ExecutionContext.State;
// they are never persisted as part of outputs_to_state mappings.
const (
	RetryConversationHistoryKey = "_retry_conversation_history"
	RetryFeedbackKey            = "_retry_feedback"
)

// CurrentBranchUpdater is the slice of run bookkeeping a jump needs: moving
// the run's current branch pointer to the newly forked branch. The
// runstore package implements it; jump_to_module itself only forks the
// branch and does not update the pointer (see deriver.JumpToModule).
type CurrentBranchUpdater interface {
	SetCurrentBranch(ctx context.Context, runID, branchID string) error
}

// Navigator re-enters a run's executor at a module other than where it
// would naturally resume, either in place (Retry) or on a new branch
// (Jump).
type Navigator struct {
	Events   eventstore.Store
	Deriver  *deriver.Deriver
	Executor *executor.Executor
	Branches CurrentBranchUpdater
	Logger   telemetry.Logger
}

// New returns a Navigator. logger may be nil, in which case log calls are
// discarded.
func New(events eventstore.Store, drv *deriver.Deriver, exec *executor.Executor, branches CurrentBranchUpdater, logger telemetry.Logger) *Navigator {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Navigator{Events: events, Deriver: drv, Executor: exec, Branches: branches, Logger: logger}
}

// Retry re-executes targetModule on the current branch, with feedback (and
// any prior conversation for that module) injected into state. feedback
// may be empty.
func (n *Navigator) Retry(ctx context.Context, runID, branchID string, def workflowdef.Definition, targetModule, feedback string, state map[string]any) (executor.Outcome, error) {
	if err := n.Events.Append(ctx, &eventstore.Event{
		RunID:     runID,
		BranchID:  branchID,
		Type:      eventstore.RetryRequested,
		Data:      map[string]any{"target_module": targetModule, "feedback": feedback},
		Timestamp: time.Now(),
	}); err != nil {
		return executor.Outcome{}, fmt.Errorf("navigator: append retry_requested: %w", err)
	}

	stepIndex, moduleIndex, ok := def.FindModule(targetModule)
	if !ok {
		return executor.Outcome{Kind: executor.Errored, Message: fmt.Sprintf("retry target module %q not found", targetModule)}, nil
	}

	retryCtx, err := n.Deriver.RetryContext(ctx, runID, targetModule)
	if err != nil {
		return executor.Outcome{}, fmt.Errorf("navigator: compute retry context: %w", err)
	}

	state = injectRetryContext(state, retryCtx)

	return n.Executor.ExecuteFromModule(ctx, runID, branchID, def, stepIndex, moduleIndex, state)
}

// Jump forks a new branch with a cutoff immediately before targetModule's
// first occurrence, moves the run's current branch to it, and re-enters
// the executor there with no injected retry context.
func (n *Navigator) Jump(ctx context.Context, runID, branchID string, def workflowdef.Definition, targetStep, targetModule string, state map[string]any) (executor.Outcome, error) {
	newBranchID, err := n.Deriver.JumpToModule(ctx, runID, branchID, targetStep, targetModule)
	if err != nil {
		return executor.Outcome{}, fmt.Errorf("navigator: jump_to_module: %w", err)
	}

	if n.Branches != nil {
		if err := n.Branches.SetCurrentBranch(ctx, runID, newBranchID); err != nil {
			return executor.Outcome{}, fmt.Errorf("navigator: update current branch: %w", err)
		}
	}

	if err := n.Events.Append(ctx, &eventstore.Event{
		RunID:    runID,
		BranchID: newBranchID,
		Type:     eventstore.JumpRequested,
		Data: map[string]any{
			"target_step":   targetStep,
			"target_module": targetModule,
			"new_branch_id": newBranchID,
		},
		Timestamp: time.Now(),
	}); err != nil {
		return executor.Outcome{}, fmt.Errorf("navigator: append jump_requested: %w", err)
	}

	stepIndex := def.FindStep(targetStep)
	if stepIndex < 0 {
		return executor.Outcome{Kind: executor.Errored, Message: fmt.Sprintf("jump target step %q not found", targetStep)}, nil
	}
	_, moduleIndex, ok := def.FindModule(targetModule)
	if !ok {
		return executor.Outcome{Kind: executor.Errored, Message: fmt.Sprintf("jump target module %q not found", targetModule)}, nil
	}

	return n.Executor.ExecuteFromModule(ctx, runID, newBranchID, def, stepIndex, moduleIndex, state)
}

func injectRetryContext(state map[string]any, retryCtx deriver.RetryContext) map[string]any {
	out := make(map[string]any, len(state)+2)
	for k, v := range state {
		out[k] = v
	}
	if len(retryCtx.ConversationHistory) > 0 {
		out[RetryConversationHistoryKey] = retryCtx.ConversationHistory
	}
	if retryCtx.Feedback != "" {
		out[RetryFeedbackKey] = retryCtx.Feedback
	}
	return out
}

// IsRetryResponse reports whether an interaction response indicates the
// user asked to retry rather than submit a normal answer: a selected
// option carrying metadata.is_retry or id "retry", or no selected options
// at all alongside a non-empty custom_value.
func IsRetryResponse(response map[string]any) bool {
	selected, _ := response["selected_options"].([]any)
	for _, so := range selected {
		opt, ok := so.(map[string]any)
		if !ok {
			continue
		}
		if meta, ok := opt["metadata"].(map[string]any); ok {
			if isRetry, _ := meta["is_retry"].(bool); isRetry {
				return true
			}
		}
		if id, _ := opt["id"].(string); id == "retry" {
			return true
		}
	}

	if len(selected) == 0 {
		customValue, _ := response["custom_value"].(string)
		return customValue != ""
	}
	return false
}
