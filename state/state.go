// Package state groups a run's event history into the nested
// step -> module -> event-kind shape a client renders as a tree, on top
// of the State Deriver's flat module_outputs map without changing its
// contract.
package state

import (
	"context"
	"fmt"

	"github.com/workflowmanager/engine/eventstore"
)

// NodeType identifies what a Node represents, so a client can pick a
// rendering without string-sniffing the map shape.
type NodeType string

const (
	NodeStepsContainer NodeType = "steps_container"
	NodeStep           NodeType = "step"
	NodeModule         NodeType = "module"
	NodeEventData      NodeType = "event_data"
)

type (
	// Node is one entry of the hierarchical tree: either a container
	// (Children populated, Data nil) or a leaf holding one event's data
	// (Data populated, Children nil).
	Node struct {
		Type      NodeType
		EventType eventstore.Type
		Data      map[string]any
		Children  map[string]*Node
	}

	// Hierarchy is the full tree for one run: steps grouped by step ID,
	// each holding its modules, each holding the events recorded against
	// it; StateMapped is the same flat view deriver.ModuleOutputs returns,
	// included alongside so a client gets both shapes in one call.
	Hierarchy struct {
		Steps       map[string]*Node
		StateMapped map[string]any
	}

	// Deriver is the subset of deriver.Deriver the hierarchy builder
	// needs, kept narrow so this package doesn't import deriver's full
	// surface for one method.
	Deriver interface {
		LineageEvents(ctx context.Context, runID, branchID string, typeFilter []eventstore.Type) ([]*eventstore.Event, error)
		ModuleOutputs(ctx context.Context, runID, branchID string) (map[string]any, error)
	}
)

// Build replays every event in branchID's lineage into a Hierarchy.
// Within a module, a second event of the same Type is stored under a
// "type.N" key rather than overwriting the first, so retries and
// duplicate interaction rounds are all visible rather than collapsed to
// their last occurrence.
func Build(ctx context.Context, drv Deriver, runID, branchID string) (Hierarchy, error) {
	events, err := drv.LineageEvents(ctx, runID, branchID, nil)
	if err != nil {
		return Hierarchy{}, fmt.Errorf("loading lineage events: %w", err)
	}

	stateMapped, err := drv.ModuleOutputs(ctx, runID, branchID)
	if err != nil {
		return Hierarchy{}, fmt.Errorf("deriving module outputs: %w", err)
	}

	steps := make(map[string]*Node)
	for _, e := range events {
		if e.ModuleName == "" {
			continue
		}
		stepID := e.StepID
		if stepID == "" {
			stepID = "_unknown"
		}

		step, ok := steps[stepID]
		if !ok {
			step = &Node{Type: NodeStep, Children: make(map[string]*Node)}
			steps[stepID] = step
		}

		module, ok := step.Children[e.ModuleName]
		if !ok {
			module = &Node{Type: NodeModule, Children: make(map[string]*Node)}
			step.Children[e.ModuleName] = module
		}

		key := string(e.Type)
		if _, taken := module.Children[key]; taken {
			for n := 1; ; n++ {
				candidate := fmt.Sprintf("%s.%d", e.Type, n)
				if _, taken := module.Children[candidate]; !taken {
					key = candidate
					break
				}
			}
		}
		module.Children[key] = &Node{Type: NodeEventData, EventType: e.Type, Data: e.Data}
	}

	return Hierarchy{Steps: steps, StateMapped: stateMapped}, nil
}
