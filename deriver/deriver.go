// Package deriver computes every piece of run state the rest of the engine
// needs by replaying events from eventstore and branchgraph. Every function
// here is a pure, read-only query: given the same event log and branch
// graph, two calls return equal results. No function in this package
// mutates an event or a branch; forking (JumpToModule,
// BranchFromInteractionRequest) only ever creates a new child branch.
package deriver

import (
	"context"
	"fmt"
	"sort"

	"github.com/workflowmanager/engine/branchgraph"
	"github.com/workflowmanager/engine/eventstore"
)

// Deriver bundles the two stores every derivation reads from.
type Deriver struct {
	Events   eventstore.Store
	Branches branchgraph.Store
}

// New returns a Deriver over the given stores.
func New(events eventstore.Store, branches branchgraph.Store) *Deriver {
	return &Deriver{Events: events, Branches: branches}
}

// LineageEvents returns the union, sorted by event ID, of every event
// visible on branchID's lineage: for each ancestor, events whose ID is
// at or below that ancestor's cutoff (or every event when the cutoff is
// empty). When typeFilter is non-empty only those event types are
// returned.
func (d *Deriver) LineageEvents(ctx context.Context, runID, branchID string, typeFilter []eventstore.Type) ([]*eventstore.Event, error) {
	lineage, err := d.Branches.Lineage(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("deriver: lineage for branch %q: %w", branchID, err)
	}

	var all []*eventstore.Event
	for _, entry := range lineage {
		events, err := d.Events.Query(ctx, runID, eventstore.Filter{
			BranchID: entry.BranchID,
			Types:    typeFilter,
			MaxID:    entry.Cutoff,
		}, 0)
		if err != nil {
			return nil, fmt.Errorf("deriver: query branch %q: %w", entry.BranchID, err)
		}
		all = append(all, events...)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, nil
}

// ModuleOutputs replays module_completed and sub_action_completed events on
// branchID's lineage into the flat state map used by the parameter
// resolver. module_completed events contribute both their raw output
// (keyed by module name) and their _state_mapped projection;
// sub_action_completed events contribute only their _state_mapped
// projection, in event-id order, later events overwriting earlier ones for
// the same key.
func (d *Deriver) ModuleOutputs(ctx context.Context, runID, branchID string) (map[string]any, error) {
	events, err := d.LineageEvents(ctx, runID, branchID, []eventstore.Type{
		eventstore.ModuleCompleted, eventstore.SubActionCompleted,
	})
	if err != nil {
		return nil, err
	}

	outputs := make(map[string]any)
	for _, e := range events {
		if e.Type == eventstore.ModuleCompleted && e.ModuleName != "" {
			outputs[e.ModuleName] = e.Data
		}
		if mapped, ok := stateMapped(e.Data); ok {
			for k, v := range mapped {
				outputs[k] = v
			}
		}
	}
	return outputs, nil
}

func stateMapped(data map[string]any) (map[string]any, bool) {
	if data == nil {
		return nil, false
	}
	raw, ok := data["_state_mapped"]
	if !ok {
		return nil, false
	}
	mapped, ok := raw.(map[string]any)
	return mapped, ok
}
