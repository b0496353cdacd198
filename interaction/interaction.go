// Package interaction resumes a run after a human (or external responder)
// answers the interactive module that suspended it: it records the
// response, decides whether the response is actually a retry request in
// disguise, drives the target module's ExecuteWithResponse, and then hands
// control back to the executor for whatever comes next.
package interaction

import (
	"context"
	"fmt"

	"github.com/workflowmanager/engine/deriver"
	"github.com/workflowmanager/engine/eventstore"
	"github.com/workflowmanager/engine/executor"
	"github.com/workflowmanager/engine/moduleregistry"
	"github.com/workflowmanager/engine/navigator"
	"github.com/workflowmanager/engine/resolver"
	"github.com/workflowmanager/engine/telemetry"
	"github.com/workflowmanager/engine/workflowdef"
)

// Handler resumes runs suspended on an interactive module.
type Handler struct {
	Events    eventstore.Store
	Deriver   *deriver.Deriver
	Executor  *executor.Executor
	Navigator *navigator.Navigator
	Resolver  resolver.Resolver
	Logger    telemetry.Logger
}

// New returns a Handler. logger may be nil, in which case log calls are
// discarded.
func New(events eventstore.Store, drv *deriver.Deriver, exec *executor.Executor, nav *navigator.Navigator, res resolver.Resolver, logger telemetry.Logger) *Handler {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Handler{Events: events, Deriver: drv, Executor: exec, Navigator: nav, Resolver: res, Logger: logger}
}

// Respond applies an interaction response and continues the run. response
// is the raw interaction response payload (selected_options, custom_value,
// value, etc); state is the run's current accumulated state.
func (h *Handler) Respond(ctx context.Context, runID, branchID string, def workflowdef.Definition, response, state map[string]any) (executor.Outcome, error) {
	last, err := h.latestInteractionRequested(ctx, runID, branchID)
	if err != nil {
		return executor.Outcome{}, err
	}
	if last == nil {
		return executor.Outcome{Kind: executor.Errored, Message: "no pending interaction found"}, nil
	}

	interactionID, _ := last.Data["interaction_id"].(string)
	moduleID, _ := last.Data["module_id"].(string)
	if err := h.Executor.AppendEvent(ctx, runID, branchID, eventstore.InteractionResponse, last.StepID, last.ModuleName, map[string]any{
		"interaction_id": interactionID,
		"response":       response,
		"module_id":      moduleID,
	}); err != nil {
		return executor.Outcome{}, err
	}

	stepIndex := def.FindStep(last.StepID)
	if stepIndex < 0 {
		return executor.Outcome{Kind: executor.Errored, Message: fmt.Sprintf("step %q not found", last.StepID)}, nil
	}
	step := def.Steps[stepIndex]
	moduleIndex, mc, ok := step.FindModule(last.ModuleName)
	if !ok {
		return executor.Outcome{Kind: executor.Errored, Message: fmt.Sprintf("module %q not found in step %q", last.ModuleName, step.ID)}, nil
	}

	if navigator.IsRetryResponse(response) {
		return h.retryFromConfig(ctx, runID, branchID, def, mc, nil, response, state)
	}

	mod, err := h.Executor.Registry.Lookup(mc.ModuleID)
	if err != nil {
		return executor.Outcome{Kind: executor.Errored, Message: fmt.Sprintf("module %q not found: %v", mc.ModuleID, err)}, nil
	}
	im, ok := mod.(moduleregistry.InteractiveModule)
	if !ok {
		return executor.Outcome{Kind: executor.Errored, Message: fmt.Sprintf("module %q is not interactive", mc.ModuleID)}, nil
	}
	im, err = h.Executor.AttachAddons(ctx, im, mc, state, step, def)
	if err != nil {
		return executor.Outcome{}, err
	}

	resolvedInputs, ok := last.Data["_resolved_inputs"].(map[string]any)
	if !ok {
		resolvedInputs, err = h.Resolver.Resolve(ctx, mc.Inputs, state, step.Raw, def.Config)
		if err != nil {
			return executor.Outcome{Kind: executor.Errored, Message: fmt.Sprintf("module %q input resolution failed: %v", mc.ModuleID, executor.SanitizeError(err))}, nil
		}
	}

	ectx := moduleregistry.ExecutionContext{RunID: runID, BranchID: branchID, StepID: step.ID, ModuleName: last.ModuleName, State: state}
	outputs, err := im.ExecuteWithResponse(ctx, resolvedInputs, ectx, response)
	if err != nil {
		if apErr := h.Executor.AppendModuleError(ctx, runID, branchID, step.ID, last.ModuleName, err); apErr != nil {
			return executor.Outcome{}, apErr
		}
		return executor.Outcome{Kind: executor.Errored, Message: fmt.Sprintf("module %q failed: %v", mc.ModuleID, executor.SanitizeError(err)), StepID: step.ID, ModuleName: last.ModuleName}, nil
	}

	if retryRequested, _ := outputs["retry_requested"].(bool); retryRequested {
		return h.retryFromConfig(ctx, runID, branchID, def, mc, outputs, nil, state)
	}
	if jumpRequested, _ := outputs["jump_back_requested"].(bool); jumpRequested {
		jumpTarget, _ := outputs["jump_back_target"].(string)
		targetStep, targetModule, ok := mc.Retryable.JumpTarget(jumpTarget)
		if !ok {
			return executor.Outcome{Kind: executor.Errored, Message: fmt.Sprintf("jump target %q not found", jumpTarget)}, nil
		}
		return h.Navigator.Jump(ctx, runID, branchID, def, targetStep, targetModule, state)
	}

	executor.ApplyOutputsToState(mc.OutputsToState, outputs, state)
	stateMapped := executor.StateMappedSubset(mc.OutputsToState, outputs)
	eventData := make(map[string]any, len(outputs)+1)
	for k, v := range outputs {
		eventData[k] = v
	}
	eventData["_state_mapped"] = stateMapped
	if err := h.Executor.AppendEvent(ctx, runID, branchID, eventstore.ModuleCompleted, step.ID, last.ModuleName, eventData); err != nil {
		return executor.Outcome{}, err
	}

	return h.Executor.ExecuteFromModule(ctx, runID, branchID, def, stepIndex, moduleIndex+1, state)
}

// retryFromConfig resolves a retry target off mc's retryable options and
// delegates to the Navigator. Exactly one of moduleOutputs/response
// carries the feedback source: outputs["retry_feedback"] when the retry
// came from a module's ExecuteWithResponse outputs, or
// response["custom_value"] when the retry was detected directly off the
// raw interaction response (is_retry_response).
func (h *Handler) retryFromConfig(ctx context.Context, runID, branchID string, def workflowdef.Definition, mc workflowdef.ModuleConfig, outputs, response map[string]any, state map[string]any) (executor.Outcome, error) {
	targetModule, defaultFeedback, ok := mc.Retryable.RetryTarget()
	if !ok {
		return executor.Outcome{Kind: executor.Errored, Message: "retry requested but no target module configured"}, nil
	}

	feedback := defaultFeedback
	if outputs != nil {
		if fb, _ := outputs["retry_feedback"].(string); fb != "" {
			feedback = fb
		}
	} else if response != nil {
		if fb, _ := response["custom_value"].(string); fb != "" {
			feedback = fb
		}
	}

	return h.Navigator.Retry(ctx, runID, branchID, def, targetModule, feedback, state)
}

// latestInteractionRequested returns the most recent interaction_requested
// event visible on branchID's lineage, or nil if none exists.
func (h *Handler) latestInteractionRequested(ctx context.Context, runID, branchID string) (*eventstore.Event, error) {
	events, err := h.Deriver.LineageEvents(ctx, runID, branchID, []eventstore.Type{eventstore.InteractionRequest})
	if err != nil {
		return nil, fmt.Errorf("interaction: lineage interaction_requested events: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[len(events)-1], nil
}
