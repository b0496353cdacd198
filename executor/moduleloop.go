package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/workflowmanager/engine/eventstore"
	"github.com/workflowmanager/engine/moduleregistry"
	"github.com/workflowmanager/engine/usage"
	"github.com/workflowmanager/engine/workflowdef"
)

// executeStepModules runs step's modules from moduleStart onward, mutating
// state in place as each module completes. It returns as soon as a module
// suspends the run (AwaitingInput), fails (Errored), or every module in
// the step has run (Processing).
func (x *Executor) executeStepModules(ctx context.Context, runID, branchID string, def workflowdef.Definition, step workflowdef.Step, moduleStart int, state map[string]any) (Outcome, error) {
	for i := moduleStart; i < len(step.Modules); i++ {
		mc := step.Modules[i]

		mod, err := x.Registry.Lookup(mc.ModuleID)
		if err != nil {
			return Outcome{Kind: Errored, Message: fmt.Sprintf("module %q not found: %v", mc.ModuleID, err), StepID: step.ID, ModuleName: mc.Name}, nil
		}

		resolverSchema := mc.Inputs["resolver_schema"]

		resolved, err := x.Resolver.Resolve(ctx, mc.Inputs, state, step.Raw, def.Config)
		if err != nil {
			return Outcome{Kind: Errored, Message: fmt.Sprintf("module %q input resolution failed: %v", mc.ModuleID, sanitizeError(err)), StepID: step.ID, ModuleName: mc.Name}, nil
		}

		if err := mod.InputSchema().Validate(resolved); err != nil {
			return Outcome{Kind: Errored, Message: fmt.Sprintf("module %q validation failed: %v", mc.ModuleID, sanitizeError(err)), StepID: step.ID, ModuleName: mc.Name}, nil
		}

		if err := x.appendEvent(ctx, runID, branchID, eventstore.ModuleStarted, step.ID, mc.Name, map[string]any{"module_id": mc.ModuleID}); err != nil {
			return Outcome{}, err
		}

		ectx := moduleregistry.ExecutionContext{RunID: runID, BranchID: branchID, StepID: step.ID, ModuleName: mc.Name, State: state}

		if im, ok := mod.(moduleregistry.InteractiveModule); ok {
			im, err := x.AttachAddons(ctx, im, mc, state, step, def)
			if err != nil {
				return Outcome{}, err
			}

			request, err := im.GetInteractionRequest(ctx, resolved, ectx)
			if err != nil {
				if apErr := x.appendModuleError(ctx, runID, branchID, step.ID, mc.Name, err); apErr != nil {
					return Outcome{}, apErr
				}
				return Outcome{Kind: Errored, Message: fmt.Sprintf("module %q failed: %v", mc.ModuleID, sanitizeError(err)), StepID: step.ID, ModuleName: mc.Name}, nil
			}

			data := map[string]any{
				"interaction_id":        request.InteractionID,
				"interaction_type":      request.InteractionType,
				"display_data":          request.DisplayPayload,
				"selection_constraints": request.SelectionConstraints,
				"groups":                request.Groups,
				"extra_options":         request.ExtraOptions,
				"_resolved_inputs":      resolved,
				"module_id":             mc.ModuleID,
			}
			if resolverSchema != nil {
				data["resolver_schema"] = resolverSchema
			}

			if err := x.appendEvent(ctx, runID, branchID, eventstore.InteractionRequest, step.ID, mc.Name, data); err != nil {
				return Outcome{}, err
			}
			if x.Runs != nil {
				if err := x.Runs.SetAwaitingInput(ctx, runID, mc.Name); err != nil {
					return Outcome{}, err
				}
			}

			return Outcome{
				Kind:               AwaitingInput,
				InteractionRequest: &request,
				Progress:           Progress{StepID: step.ID, ModuleName: mc.Name, StepIndex: i},
			}, nil
		}

		em, ok := mod.(moduleregistry.ExecutableModule)
		if !ok {
			return Outcome{Kind: Errored, Message: fmt.Sprintf("module %q implements neither executable nor interactive variant", mc.ModuleID), StepID: step.ID, ModuleName: mc.Name}, nil
		}

		outputs, err := em.Execute(ctx, resolved, ectx)
		if err != nil {
			if apErr := x.appendModuleError(ctx, runID, branchID, step.ID, mc.Name, err); apErr != nil {
				return Outcome{}, apErr
			}
			return Outcome{Kind: Errored, Message: fmt.Sprintf("module %q failed: %v", mc.ModuleID, sanitizeError(err)), StepID: step.ID, ModuleName: mc.Name}, nil
		}

		stateMapped := StateMappedSubset(mc.OutputsToState, outputs)

		eventData := make(map[string]any, len(outputs)+1)
		for k, v := range outputs {
			eventData[k] = v
		}
		eventData["_state_mapped"] = stateMapped

		if err := x.appendEvent(ctx, runID, branchID, eventstore.ModuleCompleted, step.ID, mc.Name, eventData); err != nil {
			return Outcome{}, err
		}
		ApplyOutputsToState(mc.OutputsToState, outputs, state)

		if x.Usage != nil {
			if prompt, completion, cached, total, ok := usage.ExtractFromOutput(outputs); ok {
				model, _ := resolved["model"].(string)
				rec := usage.Record{
					RunID: runID, StepID: step.ID, StepName: step.Name, ModuleName: mc.Name,
					ModuleIndex: i, Model: model, PromptTokens: prompt, CompletionTokens: completion,
					CachedTokens: cached, TotalTokens: total,
				}
				if err := x.Usage.Record(ctx, rec); err != nil {
					return Outcome{}, err
				}
			}
		}
	}

	return Outcome{Kind: Processing, StepID: step.ID}, nil
}

// ExecuteSyntheticStep runs step's modules against state and returns the
// resulting Outcome, with none of the step/run lifecycle bookkeeping
// ExecuteFromPosition performs (no step_started/step_completed events, no
// run status update). The Sub-Action Runner uses this to drive a
// synthetic, validated-non-interactive step inside a hidden child run.
func (x *Executor) ExecuteSyntheticStep(ctx context.Context, runID, branchID string, def workflowdef.Definition, step workflowdef.Step, state map[string]any) (Outcome, error) {
	return x.executeStepModules(ctx, runID, branchID, def, step, 0, state)
}

func (x *Executor) appendModuleError(ctx context.Context, runID, branchID, stepID, moduleName string, cause error) error {
	return x.appendEvent(ctx, runID, branchID, eventstore.ModuleError, stepID, moduleName, map[string]any{"error": sanitizeError(cause)})
}

// AttachAddons resolves a module config's addon inputs against current
// state and, if the module accepts addon injection, returns the
// addon-configured module. Modules that don't implement AddonCapable (or
// have no addons configured) pass through unchanged. Exported so the
// Interaction Handler can attach addons the same way before calling
// ExecuteWithResponse.
func (x *Executor) AttachAddons(ctx context.Context, mod moduleregistry.InteractiveModule, mc workflowdef.ModuleConfig, state map[string]any, step workflowdef.Step, def workflowdef.Definition) (moduleregistry.InteractiveModule, error) {
	if len(mc.Addons) == 0 {
		return mod, nil
	}
	capable, ok := mod.(moduleregistry.AddonCapable)
	if !ok {
		return mod, nil
	}

	resolvedAddons := make([]moduleregistry.ResolvedAddon, 0, len(mc.Addons))
	for _, addon := range mc.Addons {
		inputs, err := x.Resolver.Resolve(ctx, addon.Inputs, state, step.Raw, def.Config)
		if err != nil {
			return nil, fmt.Errorf("executor: resolve addon %q inputs: %w", addon.ID, err)
		}
		resolvedAddons = append(resolvedAddons, moduleregistry.ResolvedAddon{ID: addon.ID, Inputs: inputs})
	}

	return capable.WithAddons(resolvedAddons), nil
}

// ApplyOutputsToState writes outputs_to_state into state in place: for
// each (outputPath, stateKey), the value found at outputPath in outputs
// (a dotted path, numeric outputs preserved as-is) is placed at stateKey.
// The same output path may be mapped to more than one state key. Exported
// so the Interaction Handler applies outputs the same way after
// ExecuteWithResponse.
func ApplyOutputsToState(mapping map[string]string, outputs map[string]any, state map[string]any) {
	for outputPath, stateKey := range mapping {
		value, _ := getNestedValue(outputs, outputPath)
		state[stateKey] = value
	}
}

// StateMappedSubset returns the _state_mapped projection of outputs that
// ApplyOutputsToState would write, for embedding in a module_completed
// event's data.
func StateMappedSubset(mapping map[string]string, outputs map[string]any) map[string]any {
	out := make(map[string]any, len(mapping))
	for outputPath, stateKey := range mapping {
		value, _ := getNestedValue(outputs, outputPath)
		out[stateKey] = value
	}
	return out
}

// getNestedValue walks a dotted path through nested maps and slices
// (slice segments must be non-negative integer indices). It returns
// (nil, false) if any segment is missing or the wrong shape.
func getNestedValue(obj any, dotted string) (any, bool) {
	if dotted == "" {
		return obj, true
	}
	cur := obj
	for _, part := range strings.Split(dotted, ".") {
		switch v := cur.(type) {
		case map[string]any:
			val, ok := v[part]
			if !ok {
				return nil, false
			}
			cur = val
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
