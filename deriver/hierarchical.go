package deriver

import (
	"context"
	"fmt"
)

type (
	// HierarchicalState is the supplemented `/state/v2` view: module events
	// nested under step, keyed by event type, for clients that want to
	// render a run as a tree rather than a flat state map.
	HierarchicalState struct {
		Steps       map[string]*StepNode
		StateMapped map[string]any
	}

	// StepNode groups a step's modules.
	StepNode struct {
		Modules map[string]*ModuleNode
	}

	// ModuleNode holds a module's events keyed by event type; a duplicate
	// event type within one module gets a ".N" suffix, matching the
	// numbering scheme used for repeated interaction rounds on the same
	// module (e.g. "module_completed", "module_completed.1").
	ModuleNode struct {
		Events map[string]EventNode
	}

	// EventNode is one event's payload tagged with its originating type.
	EventNode struct {
		EventType string
		Data      map[string]any
	}
)

const unknownStepID = "_unknown"

// HierarchicalState replays every event on branchID's lineage into the
// nested step → module → event-type tree used by the hierarchical state
// view, plus the flat state-mapped projection (equivalent to ModuleOutputs)
// for clients that want both in one call.
func (d *Deriver) HierarchicalState(ctx context.Context, runID, branchID string) (HierarchicalState, error) {
	events, err := d.LineageEvents(ctx, runID, branchID, nil)
	if err != nil {
		return HierarchicalState{}, fmt.Errorf("deriver: hierarchical state: %w", err)
	}

	result := HierarchicalState{Steps: make(map[string]*StepNode)}
	for _, e := range events {
		if e.ModuleName == "" {
			continue
		}
		stepID := e.StepID
		if stepID == "" {
			stepID = unknownStepID
		}

		step, ok := result.Steps[stepID]
		if !ok {
			step = &StepNode{Modules: make(map[string]*ModuleNode)}
			result.Steps[stepID] = step
		}
		module, ok := step.Modules[e.ModuleName]
		if !ok {
			module = &ModuleNode{Events: make(map[string]EventNode)}
			step.Modules[e.ModuleName] = module
		}

		key := string(e.Type)
		if _, taken := module.Events[key]; taken {
			n := 1
			for {
				candidate := fmt.Sprintf("%s.%d", e.Type, n)
				if _, taken := module.Events[candidate]; !taken {
					key = candidate
					break
				}
				n++
			}
		}
		module.Events[key] = EventNode{EventType: string(e.Type), Data: e.Data}
	}

	stateMapped, err := d.ModuleOutputs(ctx, runID, branchID)
	if err != nil {
		return HierarchicalState{}, err
	}
	result.StateMapped = stateMapped

	return result, nil
}
