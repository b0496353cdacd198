// Package subaction dispatches declarative, in-interaction operations
// attached to an interactive module's config: a nested run of
// non-interactive modules (target_sub_action) or a module's own
// self-driven generator (self_sub_action), whose result is mapped back
// into the parent run's state without ending the parent's pending
// interaction.
package subaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/workflowmanager/engine/branchgraph"
	"github.com/workflowmanager/engine/deriver"
	"github.com/workflowmanager/engine/eventstore"
	"github.com/workflowmanager/engine/executor"
	"github.com/workflowmanager/engine/moduleregistry"
	"github.com/workflowmanager/engine/runstore"
	"github.com/workflowmanager/engine/telemetry"
	"github.com/workflowmanager/engine/workflowdef"
)

// Kind discriminates the tagged events Execute emits on its output
// channel.
type Kind string

const (
	Progress Kind = "progress"
	Complete Kind = "complete"
	Error    Kind = "error"
)

// Event is one item of Execute's streamed output.
type Event struct {
	Kind Kind
	Data map[string]any
}

const defaultProgressInterval = 100 * time.Millisecond

// Runner dispatches sub-actions declared on interactive module configs.
type Runner struct {
	Events           eventstore.Store
	Branches         branchgraph.Store
	Deriver          *deriver.Deriver
	Executor         *executor.Executor
	Registry         *moduleregistry.Registry
	ProgressInterval time.Duration
	Logger           telemetry.Logger

	// Runs registers the hidden child run a target sub-action executes
	// in, so it is reachable by run id (Recovery, Get) without ever
	// appearing in a run listing. Optional: a nil Runs just means the
	// hidden run has no metadata record, as before this field existed.
	Runs runstore.Store
}

// New returns a Runner. logger may be nil, in which case log calls are
// discarded.
func New(events eventstore.Store, branches branchgraph.Store, drv *deriver.Deriver, exec *executor.Executor, registry *moduleregistry.Registry, logger telemetry.Logger) *Runner {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Runner{Events: events, Branches: branches, Deriver: drv, Executor: exec, Registry: registry, ProgressInterval: defaultProgressInterval, Logger: logger}
}

// Execute dispatches subActionID, declared on the module that requested
// interactionID, and streams progress/complete/error events on the
// returned channel. The channel is closed once a terminal event (exactly
// one of complete or error) has been sent. Because the parent interaction
// is still pending when Execute returns, the parent run is never
// re-entered here; it resumes only when the caller eventually responds to
// interactionID.
func (r *Runner) Execute(ctx context.Context, runID, branchID string, def workflowdef.Definition, interactionID, subActionID string, params map[string]any) <-chan Event {
	out := make(chan Event, 4)
	go func() {
		defer close(out)
		r.run(ctx, runID, branchID, def, interactionID, subActionID, params, out)
	}()
	return out
}

func (r *Runner) run(ctx context.Context, runID, branchID string, def workflowdef.Definition, interactionID, subActionID string, params map[string]any, out chan<- Event) {
	execID := subActionID + "_" + uuid.Must(uuid.NewV7()).String()

	fail := func(err error) {
		out <- Event{Kind: Error, Data: map[string]any{"message": executor.SanitizeError(err), "execution_id": execID}}
	}

	req, err := r.findInteractionRequest(ctx, runID, branchID, interactionID)
	if err != nil {
		fail(err)
		return
	}
	if req == nil {
		fail(fmt.Errorf("subaction: interaction %q not found", interactionID))
		return
	}

	stepIdx := def.FindStep(req.StepID)
	if stepIdx < 0 {
		fail(fmt.Errorf("subaction: step %q not found", req.StepID))
		return
	}
	step := def.Steps[stepIdx]
	_, mc, ok := step.FindModule(req.ModuleName)
	if !ok {
		fail(fmt.Errorf("subaction: module %q not found in step %q", req.ModuleName, step.ID))
		return
	}

	sa, ok := mc.FindSubAction(subActionID)
	if !ok {
		fail(fmt.Errorf("subaction: sub-action %q not configured on module %q", subActionID, mc.ModuleID))
		return
	}
	if len(sa.Actions) == 0 {
		fail(fmt.Errorf("subaction: sub-action %q has no actions", subActionID))
		return
	}

	if err := r.Executor.AppendEvent(ctx, runID, branchID, eventstore.SubActionStarted, step.ID, req.ModuleName, map[string]any{
		"execution_id":   execID,
		"sub_action_id":  subActionID,
		"interaction_id": interactionID,
		"params":         params,
	}); err != nil {
		fail(err)
		return
	}

	loadingLabel := sa.LoadingLabel
	if loadingLabel == "" {
		loadingLabel = "Processing..."
	}
	out <- Event{Kind: Progress, Data: map[string]any{
		"execution_id": execID,
		"message":      loadingLabel,
	}}

	var (
		childState map[string]any
		childRunID string
	)
	switch sa.Actions[0].Type {
	case "target_sub_action":
		childState, childRunID, err = r.executeTargetSubAction(ctx, runID, branchID, def, sa, params, execID, out)
	case "self_sub_action":
		childState, err = r.executeSelfSubAction(ctx, runID, branchID, mc, step.ID, req.ModuleName, sa, interactionID, params, execID, out)
	default:
		err = fmt.Errorf("subaction: unknown action type %q", sa.Actions[0].Type)
	}
	if err != nil {
		fail(err)
		return
	}

	parentOutputs, err := r.Deriver.ModuleOutputs(ctx, runID, branchID)
	if err != nil {
		fail(fmt.Errorf("subaction: parent module outputs: %w", err))
		return
	}
	outState := applyResultMapping(sa.ResultMapping, childState, parentOutputs)

	completedData := map[string]any{
		"execution_id":  execID,
		"sub_action_id": subActionID,
		"child_state":   childState,
		"_state_mapped": outState,
	}
	if childRunID != "" {
		completedData["child_workflow_id"] = childRunID
	}
	if err := r.Executor.AppendEvent(ctx, runID, branchID, eventstore.SubActionCompleted, step.ID, req.ModuleName, completedData); err != nil {
		fail(err)
		return
	}

	completionData := map[string]any{
		"execution_id":  execID,
		"updated_state": outState,
	}
	if childState != nil {
		completionData["sub_action_result"] = childState
	}
	out <- Event{Kind: Complete, Data: completionData}
}

// findInteractionRequest returns the most recent interaction_requested
// event on branchID's lineage whose interaction_id matches, or nil if
// none exists.
func (r *Runner) findInteractionRequest(ctx context.Context, runID, branchID, interactionID string) (*eventstore.Event, error) {
	events, err := r.Deriver.LineageEvents(ctx, runID, branchID, []eventstore.Type{eventstore.InteractionRequest})
	if err != nil {
		return nil, fmt.Errorf("subaction: lineage interaction_requested events: %w", err)
	}
	for i := len(events) - 1; i >= 0; i-- {
		if id, _ := events[i].Data["interaction_id"].(string); id == interactionID {
			return events[i], nil
		}
	}
	return nil, nil
}

type syntheticResult struct {
	outcome executor.Outcome
	err     error
}

// executeTargetSubAction resolves sa's actions into full module configs,
// validates none are interactive, and runs them as one synthetic step in
// a hidden child run seeded with the parent's current module outputs.
// Progress events are emitted at r.ProgressInterval while the synchronous
// work runs in a background goroutine.
func (r *Runner) executeTargetSubAction(ctx context.Context, runID, branchID string, def workflowdef.Definition, sa workflowdef.SubActionDef, params map[string]any, execID string, out chan<- Event) (childState map[string]any, childRunID string, err error) {
	parentOutputs, err := r.Deriver.ModuleOutputs(ctx, runID, branchID)
	if err != nil {
		return nil, "", fmt.Errorf("subaction: parent module outputs: %w", err)
	}
	state := cloneAnyMap(parentOutputs)
	if feedback, _ := params["feedback"].(string); feedback != "" {
		state[sa.FeedbackStateKey] = feedback
	}

	resolved := make([]workflowdef.ModuleConfig, 0, len(sa.Actions))
	for _, action := range sa.Actions {
		mc, err := resolveActionModule(def, action)
		if err != nil {
			return nil, "", err
		}
		resolved = append(resolved, mc)
	}
	for _, mc := range resolved {
		mod, err := r.Registry.Lookup(mc.ModuleID)
		if err != nil {
			return nil, "", fmt.Errorf("subaction: module %q not found: %w", mc.ModuleID, err)
		}
		if _, ok := mod.(moduleregistry.InteractiveModule); ok {
			return nil, "", fmt.Errorf("subaction: module %q is interactive, cannot run inside a sub-action", mc.ModuleID)
		}
	}

	childRunID = "wf_sub_" + uuid.Must(uuid.NewV7()).String()
	childBranch, err := r.Branches.CreateRoot(ctx, childRunID)
	if err != nil {
		return nil, "", fmt.Errorf("subaction: create child run: %w", err)
	}

	if r.Runs != nil {
		now := time.Now().UTC()
		if err := r.Runs.CreateRun(ctx, runstore.Run{
			RunID:           childRunID,
			ParentRunID:     runID,
			CurrentBranchID: childBranch.ID,
			Status:          runstore.Processing,
			CreatedAt:       now,
			UpdatedAt:       now,
		}); err != nil {
			return nil, "", fmt.Errorf("subaction: register child run: %w", err)
		}
	}

	virtualStep := workflowdef.Step{ID: "sub_action_" + execID, Modules: resolved}

	resultCh := make(chan syntheticResult, 1)
	go func() {
		outcome, err := r.Executor.ExecuteSyntheticStep(ctx, childRunID, childBranch.ID, def, virtualStep, state)
		resultCh <- syntheticResult{outcome: outcome, err: err}
	}()

	ticker := time.NewTicker(r.progressInterval())
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case res := <-resultCh:
			if res.err != nil {
				return nil, "", fmt.Errorf("subaction: child execution: %w", res.err)
			}
			if res.outcome.Kind == executor.Errored {
				return nil, "", fmt.Errorf("subaction failed: %s", res.outcome.Message)
			}
			childState, err := r.Deriver.ModuleOutputs(ctx, childRunID, childBranch.ID)
			if err != nil {
				return nil, "", fmt.Errorf("subaction: child module outputs: %w", err)
			}
			if r.Runs != nil {
				if err := r.Runs.SetCompleted(ctx, childRunID); err != nil {
					return nil, "", fmt.Errorf("subaction: mark child run completed: %w", err)
				}
			}
			return childState, childRunID, nil
		case <-ticker.C:
			out <- Event{Kind: Progress, Data: map[string]any{
				"execution_id": execID,
				"elapsed_ms":   time.Since(start).Milliseconds(),
				"message":      "Processing...",
			}}
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
}

// executeSelfSubAction drives mc's own SubAction generator, rewrapping
// every progress event it yields and returning the data of the exactly
// one result event that ends it.
func (r *Runner) executeSelfSubAction(ctx context.Context, runID, branchID string, mc workflowdef.ModuleConfig, stepID, moduleName string, sa workflowdef.SubActionDef, interactionID string, params map[string]any, execID string, out chan<- Event) (map[string]any, error) {
	mod, err := r.Registry.Lookup(mc.ModuleID)
	if err != nil {
		return nil, fmt.Errorf("subaction: module %q not found: %w", mc.ModuleID, err)
	}
	sam, ok := mod.(moduleregistry.SubActionModule)
	if !ok {
		return nil, fmt.Errorf("subaction: module %q does not implement a self sub-action", mc.ModuleID)
	}

	actionParams := map[string]any{}
	if len(sa.Actions) > 0 {
		for k, v := range sa.Actions[0].Inputs {
			actionParams[k] = v
		}
	}
	for k, v := range params {
		actionParams[k] = v
	}

	ectx := moduleregistry.ExecutionContext{
		RunID:      runID,
		BranchID:   branchID,
		StepID:     stepID,
		ModuleName: moduleName,
		State:      map[string]any{"interaction_id": interactionID, "execution_id": execID},
	}

	events, err := sam.SubAction(ctx, actionParams, ectx)
	if err != nil {
		return nil, fmt.Errorf("subaction: %w", err)
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, fmt.Errorf("subaction: module %q sub_action ended without a result", mc.ModuleID)
			}
			switch ev.Kind {
			case moduleregistry.SubActionProgress:
				data := make(map[string]any, len(ev.Data)+1)
				for k, v := range ev.Data {
					data[k] = v
				}
				data["execution_id"] = execID
				out <- Event{Kind: Progress, Data: data}
			case moduleregistry.SubActionResult:
				return ev.Data, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *Runner) progressInterval() time.Duration {
	if r.ProgressInterval <= 0 {
		return defaultProgressInterval
	}
	return r.ProgressInterval
}

// resolveActionModule builds a full module config for action: action.Ref,
// if present, is cloned as the base; action's own inline fields are then
// deep-merged on top; action.Overrides is applied last. Mirrors
// _resolve_action_to_module/_load_module_from_ref/_deep_merge.
func resolveActionModule(def workflowdef.Definition, action workflowdef.ActionConfig) (workflowdef.ModuleConfig, error) {
	var mc workflowdef.ModuleConfig

	if action.Ref != nil {
		stepIdx := def.FindStep(action.Ref.StepID)
		if stepIdx < 0 {
			return workflowdef.ModuleConfig{}, fmt.Errorf("subaction: ref step %q not found", action.Ref.StepID)
		}
		_, refMC, ok := def.Steps[stepIdx].FindModule(action.Ref.ModuleName)
		if !ok {
			return workflowdef.ModuleConfig{}, fmt.Errorf("subaction: ref module %q not found in step %q", action.Ref.ModuleName, action.Ref.StepID)
		}
		mc = cloneModuleConfig(refMC)
	}

	if action.ModuleID != "" {
		mc.ModuleID = action.ModuleID
	}
	if action.Name != "" {
		mc.Name = action.Name
	}
	if action.Inputs != nil {
		mc.Inputs = deepMergeMaps(mc.Inputs, action.Inputs)
	}
	if action.OutputsToState != nil {
		mc.OutputsToState = mergeStringMaps(mc.OutputsToState, action.OutputsToState)
	}

	for key, value := range action.Overrides {
		switch key {
		case "module_id":
			if s, ok := value.(string); ok {
				mc.ModuleID = s
			}
		case "name":
			if s, ok := value.(string); ok {
				mc.Name = s
			}
		case "inputs":
			if m, ok := value.(map[string]any); ok {
				mc.Inputs = deepMergeMaps(mc.Inputs, m)
			}
		case "outputs_to_state":
			if m, ok := value.(map[string]any); ok {
				merged := make(map[string]string, len(m))
				for k, v := range m {
					if s, ok := v.(string); ok {
						merged[k] = s
					}
				}
				mc.OutputsToState = mergeStringMaps(mc.OutputsToState, merged)
			}
		}
	}

	if mc.ModuleID == "" {
		return workflowdef.ModuleConfig{}, fmt.Errorf("subaction: action resolved to an empty module_id")
	}
	if mc.Name == "" {
		mc.Name = mc.ModuleID
	}
	if mc.Inputs == nil {
		mc.Inputs = map[string]any{}
	}
	return mc, nil
}

func cloneModuleConfig(mc workflowdef.ModuleConfig) workflowdef.ModuleConfig {
	clone := mc
	clone.Inputs = cloneAnyMap(mc.Inputs)
	clone.OutputsToState = cloneStringMap(mc.OutputsToState)
	return clone
}

// deepMergeMaps merges override onto base, recursing into nested maps on
// both sides and taking override's scalars and slices as-is. Mirrors
// sub_action.py's _deep_merge.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if existing, ok := result[k].(map[string]any); ok {
			if incoming, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(existing, incoming)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func mergeStringMaps(base, override map[string]string) map[string]string {
	result := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		result[k] = v
	}
	return result
}

func cloneAnyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// applyResultMapping builds the _state_mapped projection a
// sub_action_completed event carries: for each mapping, a dotted path is
// read out of childState and written (replace) or array-concatenated
// with the same dotted path on parentOutputs (merge) into the returned
// map at the dotted target path.
func applyResultMapping(mappings []workflowdef.ResultMapping, childState, parentOutputs map[string]any) map[string]any {
	outState := map[string]any{}
	for _, m := range mappings {
		sourceValue := getDotted(childState, m.Source)
		if m.Mode == "merge" {
			existing := getDotted(parentOutputs, m.Target)
			setDotted(outState, m.Target, concatArrays(existing, sourceValue))
			continue
		}
		setDotted(outState, m.Target, sourceValue)
	}
	return outState
}

func getDotted(data map[string]any, path string) any {
	if path == "" {
		return data
	}
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func setDotted(data map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func concatArrays(existing, incoming any) []any {
	var out []any
	if es, ok := existing.([]any); ok {
		out = append(out, es...)
	}
	if is, ok := incoming.([]any); ok {
		out = append(out, is...)
	}
	return out
}
