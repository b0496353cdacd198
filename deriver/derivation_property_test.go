package deriver_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	branchinmem "github.com/workflowmanager/engine/branchgraph/inmem"
	"github.com/workflowmanager/engine/deriver"
	"github.com/workflowmanager/engine/eventstore"
	eventinmem "github.com/workflowmanager/engine/eventstore/inmem"
)

// TestLineageEventsOrderingProperty verifies that LineageEvents always
// returns its result sorted ascending by event ID, no matter how many
// module_started/module_completed events are appended first, and that
// replaying the same branch twice yields identical results.
func TestLineageEventsOrderingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("events come back sorted by ID and are stable across calls", prop.ForAll(
		func(n int) bool {
			es := eventinmem.New()
			bg := branchinmem.New()
			d := deriver.New(es, bg)
			ctx := context.Background()

			root, err := bg.CreateRoot(ctx, "run-prop")
			if err != nil {
				return false
			}
			for i := 0; i < n; i++ {
				typ := eventstore.ModuleStarted
				if i%2 == 0 {
					typ = eventstore.ModuleCompleted
				}
				if err := es.Append(ctx, &eventstore.Event{
					RunID: "run-prop", BranchID: root.ID, Type: typ, ModuleName: "m",
				}); err != nil {
					return false
				}
			}

			first, err := d.LineageEvents(ctx, "run-prop", root.ID, nil)
			if err != nil {
				return false
			}
			for i := 1; i < len(first); i++ {
				if first[i-1].ID >= first[i].ID {
					return false
				}
			}

			second, err := d.LineageEvents(ctx, "run-prop", root.ID, nil)
			if err != nil || len(first) != len(second) {
				return false
			}
			for i := range first {
				if first[i].ID != second[i].ID {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}

// TestModuleOutputsLastWriteWinsProperty verifies that for any sequence of
// module_completed events writing the same state key, ModuleOutputs always
// resolves to the value from the last event in ID order, regardless of how
// many events precede it.
func TestModuleOutputsLastWriteWinsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("last appended value for a state key always wins", prop.ForAll(
		func(values []string) bool {
			if len(values) == 0 {
				return true
			}
			es := eventinmem.New()
			bg := branchinmem.New()
			d := deriver.New(es, bg)
			ctx := context.Background()

			root, err := bg.CreateRoot(ctx, "run-prop-2")
			if err != nil {
				return false
			}
			for _, v := range values {
				if err := es.Append(ctx, &eventstore.Event{
					RunID: "run-prop-2", BranchID: root.ID, Type: eventstore.ModuleCompleted,
					ModuleName: "m", Data: map[string]any{"_state_mapped": map[string]any{"key": v}},
				}); err != nil {
					return false
				}
			}

			out, err := d.ModuleOutputs(ctx, "run-prop-2", root.ID)
			if err != nil {
				return false
			}
			return out["key"] == values[len(values)-1]
		},
		gen.SliceOfN(10, gen.AlphaString()),
	))

	properties.TestingRun(t)
}
