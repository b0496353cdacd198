package streaming_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	branchinmem "github.com/workflowmanager/engine/branchgraph/inmem"
	"github.com/workflowmanager/engine/deriver"
	"github.com/workflowmanager/engine/eventstore"
	eventinmem "github.com/workflowmanager/engine/eventstore/inmem"
	"github.com/workflowmanager/engine/executor"
	"github.com/workflowmanager/engine/hookbus"
	"github.com/workflowmanager/engine/moduleregistry"
	"github.com/workflowmanager/engine/streaming"
	"github.com/workflowmanager/engine/subaction"
)

func newCore() *streaming.Core {
	c := streaming.New(nil, nil)
	c.PollInterval = 5 * time.Millisecond
	c.ProgressInterval = 15 * time.Millisecond
	return c
}

func drain(t *testing.T, ch <-chan streaming.Event, timeout time.Duration) []streaming.Event {
	t.Helper()
	var got []streaming.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatal("timed out draining stream")
		}
	}
}

func TestRunOutcomeEmitsProgressThenComplete(t *testing.T) {
	c := newCore()

	work := func(ctx context.Context) (executor.Outcome, error) {
		time.Sleep(40 * time.Millisecond)
		return executor.Outcome{Kind: executor.Completed, FinalState: map[string]any{"x": 1}}, nil
	}

	ch, _ := c.RunOutcome(context.Background(), "run-1", "s0", 0, work)
	events := drain(t, ch, 2*time.Second)

	require.NotEmpty(t, events)
	assert.Equal(t, streaming.Started, events[0].Kind)
	last := events[len(events)-1]
	assert.Equal(t, streaming.Complete, last.Kind)
	assert.Equal(t, map[string]any{"x": 1}, last.Data["state"])

	var sawProgress bool
	for _, ev := range events[1 : len(events)-1] {
		if ev.Kind == streaming.Progress {
			sawProgress = true
		}
	}
	assert.True(t, sawProgress, "expected at least one progress event for a 40ms operation")
}

func TestRunOutcomeMapsAwaitingInputToInteraction(t *testing.T) {
	c := newCore()

	work := func(ctx context.Context) (executor.Outcome, error) {
		return executor.Outcome{
			Kind: executor.AwaitingInput,
			InteractionRequest: &moduleregistry.InteractionRequest{
				InteractionID:   "int-1",
				InteractionType: "select",
			},
			Progress: executor.Progress{StepID: "s0", ModuleName: "picker", StepIndex: 0},
		}, nil
	}

	ch, _ := c.RunOutcome(context.Background(), "run-1", "s0", 0, work)
	events := drain(t, ch, 2*time.Second)

	require.Len(t, events, 2)
	assert.Equal(t, streaming.Started, events[0].Kind)
	assert.Equal(t, streaming.Interaction, events[1].Kind)
	assert.Equal(t, "int-1", events[1].Data["interaction_id"])
	assert.Equal(t, "select", events[1].Data["interaction_type"])
}

func TestRunOutcomeMapsErroredOutcomeToError(t *testing.T) {
	c := newCore()

	work := func(ctx context.Context) (executor.Outcome, error) {
		return executor.Outcome{Kind: executor.Errored, Message: "boom", StepID: "s0", ModuleName: "m"}, nil
	}

	ch, _ := c.RunOutcome(context.Background(), "run-1", "s0", 0, work)
	events := drain(t, ch, 2*time.Second)

	last := events[len(events)-1]
	assert.Equal(t, streaming.Error, last.Kind)
	assert.Equal(t, "boom", last.Data["message"])
}

func TestRunOutcomeEmitsErrorWhenWorkReturnsErr(t *testing.T) {
	c := newCore()

	work := func(ctx context.Context) (executor.Outcome, error) {
		return executor.Outcome{}, assertErr("resolver exploded")
	}

	ch, _ := c.RunOutcome(context.Background(), "run-1", "s0", 0, work)
	events := drain(t, ch, 2*time.Second)

	last := events[len(events)-1]
	assert.Equal(t, streaming.Error, last.Kind)
	assert.Equal(t, "resolver exploded", last.Data["message"])
}

func TestRunOutcomeCancelStopsAndEmitsCancelled(t *testing.T) {
	c := newCore()

	work := func(ctx context.Context) (executor.Outcome, error) {
		<-ctx.Done()
		return executor.Outcome{}, ctx.Err()
	}

	ch, h := c.RunOutcome(context.Background(), "run-1", "s0", 0, work)
	time.Sleep(20 * time.Millisecond)
	h.Cancel()

	events := drain(t, ch, 2*time.Second)
	last := events[len(events)-1]
	assert.Equal(t, streaming.Cancelled, last.Kind)
}

func TestRunSubActionRelaysEvents(t *testing.T) {
	c := newCore()

	src := make(chan subaction.Event, 2)
	src <- subaction.Event{Kind: subaction.Progress, Data: map[string]any{"message": "working"}}
	src <- subaction.Event{Kind: subaction.Complete, Data: map[string]any{"updated_state": map[string]any{"a": 1}}}
	close(src)

	ch := c.RunSubAction(context.Background(), "run-1", src)
	events := drain(t, ch, 2*time.Second)

	require.Len(t, events, 3)
	assert.Equal(t, streaming.Started, events[0].Kind)
	assert.Equal(t, streaming.Progress, events[1].Kind)
	assert.Equal(t, "working", events[1].Data["message"])
	assert.Equal(t, streaming.Complete, events[2].Kind)
}

func TestWatchStateEmitsSnapshotThenUpdateOnChange(t *testing.T) {
	events := eventinmem.New()
	branches := branchinmem.New()
	drv := deriver.New(events, branches)

	branch, err := branches.CreateRoot(context.Background(), "run-1")
	require.NoError(t, err)

	require.NoError(t, events.Append(context.Background(), &eventstore.Event{
		RunID: "run-1", BranchID: branch.ID, Type: eventstore.ModuleCompleted, StepID: "s0", ModuleName: "seed",
		Data: map[string]any{"_state_mapped": map[string]any{"a": 1}},
	}))

	c := newCore()
	ctx, cancel := context.WithCancel(context.Background())
	ch := c.WatchState(ctx, drv, "run-1", branch.ID)

	first := <-ch
	require.Equal(t, streaming.StateSnapshot, first.Kind)
	assert.Equal(t, 1, first.Data["a"])

	require.NoError(t, events.Append(context.Background(), &eventstore.Event{
		RunID: "run-1", BranchID: branch.ID, Type: eventstore.ModuleCompleted, StepID: "s1", ModuleName: "next",
		Data: map[string]any{"_state_mapped": map[string]any{"b": 2}},
	}))

	var update streaming.Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == streaming.StateUpdate {
				update = ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for state_update")
		}
		if update.Kind == streaming.StateUpdate {
			break
		}
	}
	assert.Equal(t, 2, update.Data["b"])
	_, hadA := update.Data["a"]
	assert.False(t, hadA, "unchanged key should not reappear in the diff")

	cancel()
	drain(t, ch, 2*time.Second)
}

func TestBusReceivesEveryEmittedEvent(t *testing.T) {
	bus := hookbus.New()
	var seen []string
	_, err := bus.Register(hookbus.SubscriberFunc(func(_ context.Context, ev hookbus.Event) error {
		seen = append(seen, ev.Type)
		return nil
	}))
	require.NoError(t, err)

	c := streaming.New(bus, nil)
	c.PollInterval = 5 * time.Millisecond
	c.ProgressInterval = 200 * time.Millisecond

	work := func(ctx context.Context) (executor.Outcome, error) {
		return executor.Outcome{Kind: executor.Completed, FinalState: map[string]any{}}, nil
	}
	ch, _ := c.RunOutcome(context.Background(), "run-1", "s0", 0, work)
	drain(t, ch, 2*time.Second)

	assert.Equal(t, []string{"started", "complete"}, seen)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
