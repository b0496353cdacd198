// Package streaming turns a single synchronous engine operation (start,
// resume, respond, or a sub-action) into a stream of tagged events a client
// can observe as it progresses: started, periodic progress, the terminal
// interaction/complete/error, or cancelled.
//
// The core is cooperative concurrency: the synchronous work runs on its own
// goroutine while a poll loop checks a cancel flag and, at a bounded rate,
// emits progress. This mirrors an async generator driving a worker thread
// without the caller ever blocking on the underlying call directly.
package streaming

import (
	"context"
	"reflect"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/workflowmanager/engine/deriver"
	"github.com/workflowmanager/engine/executor"
	"github.com/workflowmanager/engine/hookbus"
	"github.com/workflowmanager/engine/subaction"
	"github.com/workflowmanager/engine/telemetry"
)

// Kind discriminates the tagged event union a stream delivers.
type Kind string

const (
	Started       Kind = "started"
	Progress      Kind = "progress"
	Interaction   Kind = "interaction"
	Complete      Kind = "complete"
	Error         Kind = "error"
	Cancelled     Kind = "cancelled"
	StateSnapshot Kind = "state_snapshot"
	StateUpdate   Kind = "state_update"
)

// Event is a single item delivered on a stream.
type Event struct {
	Kind  Kind
	RunID string
	Data  map[string]any
}

const (
	defaultPollInterval     = 50 * time.Millisecond
	defaultProgressInterval = 100 * time.Millisecond
)

// Handle lets a caller cooperatively cancel a running stream. Cancel is
// idempotent and safe to call from any goroutine, including concurrently
// with the stream finishing on its own.
type Handle struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// Cancel requests cancellation. The stream observes it on its next poll
// tick (and the work's context is cancelled immediately, for callers that
// pass it down into blocking I/O such as an in-flight model call).
func (h *Handle) Cancel() {
	if h.cancelled.CompareAndSwap(false, true) {
		h.cancel()
	}
}

// Core drives operations into tagged event streams. PollInterval and
// ProgressInterval default to 50ms/100ms when zero. Bus, when set, also
// receives every emitted event so other internal subscribers (metrics,
// persistence) can observe the run without holding a reference to the
// stream itself; a Bus subscriber error is logged but never blocks
// delivery to the stream's own caller.
type Core struct {
	PollInterval     time.Duration
	ProgressInterval time.Duration
	Bus              hookbus.Bus
	Logger           telemetry.Logger
}

// New returns a Core. bus may be nil to skip fan-out; logger may be nil, in
// which case log calls are discarded.
func New(bus hookbus.Bus, logger telemetry.Logger) *Core {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Core{Bus: bus, Logger: logger}
}

func (c *Core) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return defaultPollInterval
	}
	return c.PollInterval
}

func (c *Core) progressInterval() time.Duration {
	if c.ProgressInterval <= 0 {
		return defaultProgressInterval
	}
	return c.ProgressInterval
}

// Work is the shape of a synchronous engine operation a stream can drive:
// Executor.ExecuteFromPosition, Executor.ExecuteFromModule,
// interaction.Handler.Respond, navigator.Navigator.Retry/Jump all satisfy
// it once bound to their other arguments via a closure.
type Work func(ctx context.Context) (executor.Outcome, error)

// RunOutcome drives work on its own goroutine and returns a stream of its
// progress, translating the resulting Outcome (or error) into the terminal
// interaction/complete/error event. stepID and moduleIndex populate the
// started event only; they do not affect execution.
func (c *Core) RunOutcome(ctx context.Context, runID, stepID string, moduleIndex int, work Work) (<-chan Event, *Handle) {
	out := make(chan Event, 8)
	workCtx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel}

	go func() {
		defer close(out)
		defer cancel()

		c.emit(ctx, out, Event{Kind: Started, RunID: runID, Data: map[string]any{
			"step_id":      stepID,
			"module_index": moduleIndex,
		}})

		type result struct {
			outcome executor.Outcome
			err     error
		}
		resultCh := make(chan result, 1)
		go func() {
			outcome, err := work(workCtx)
			resultCh <- result{outcome, err}
		}()

		limiter := rate.NewLimiter(rate.Every(c.progressInterval()), 1)
		ticker := time.NewTicker(c.pollInterval())
		defer ticker.Stop()
		start := time.Now()

		for {
			select {
			case res := <-resultCh:
				c.finish(ctx, out, runID, res.outcome, res.err)
				return
			case <-ticker.C:
				if h.cancelled.Load() {
					<-resultCh
					c.emit(ctx, out, Event{Kind: Cancelled, RunID: runID, Data: map[string]any{"reason": "cancelled"}})
					return
				}
				if limiter.Allow() {
					c.emit(ctx, out, Event{Kind: Progress, RunID: runID, Data: map[string]any{
						"elapsed_ms": time.Since(start).Milliseconds(),
						"message":    "Processing...",
					}})
				}
			}
		}
	}()

	return out, h
}

func (c *Core) finish(ctx context.Context, out chan<- Event, runID string, outcome executor.Outcome, err error) {
	if err != nil {
		c.emit(ctx, out, Event{Kind: Error, RunID: runID, Data: map[string]any{"message": executor.SanitizeError(err)}})
		return
	}

	switch outcome.Kind {
	case executor.AwaitingInput:
		c.emit(ctx, out, Event{Kind: Interaction, RunID: runID, Data: interactionPayload(outcome)})
	case executor.Completed:
		c.emit(ctx, out, Event{Kind: Complete, RunID: runID, Data: map[string]any{"state": outcome.FinalState}})
	case executor.Errored:
		c.emit(ctx, out, Event{Kind: Error, RunID: runID, Data: map[string]any{
			"message":     outcome.Message,
			"step_id":     outcome.StepID,
			"module_name": outcome.ModuleName,
		}})
	case executor.Processing:
		// A caller that drives the executor step-by-step (rather than via
		// ExecuteFromPosition/ExecuteFromModule's own internal loop) sees
		// this between steps; there is no further work this call performs.
		c.emit(ctx, out, Event{Kind: Complete, RunID: runID, Data: map[string]any{"step_id": outcome.StepID, "processing": true}})
	default:
		c.emit(ctx, out, Event{Kind: Error, RunID: runID, Data: map[string]any{"message": "streaming: unknown outcome kind"}})
	}
}

func interactionPayload(outcome executor.Outcome) map[string]any {
	data := map[string]any{
		"step_id":     outcome.Progress.StepID,
		"module_name": outcome.Progress.ModuleName,
		"step_index":  outcome.Progress.StepIndex,
	}
	if req := outcome.InteractionRequest; req != nil {
		data["interaction_id"] = req.InteractionID
		data["interaction_type"] = req.InteractionType
		data["display_data"] = req.DisplayPayload
		data["selection_constraints"] = req.SelectionConstraints
		data["groups"] = req.Groups
		data["extra_options"] = req.ExtraOptions
	}
	return data
}

// RunSubAction relays a Sub-Action Runner's event stream onto a stream with
// a leading started event, translating its progress/complete/error kinds
// one-to-one.
func (c *Core) RunSubAction(ctx context.Context, runID string, events <-chan subaction.Event) <-chan Event {
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		c.emit(ctx, out, Event{Kind: Started, RunID: runID, Data: map[string]any{}})
		for ev := range events {
			switch ev.Kind {
			case subaction.Progress:
				c.emit(ctx, out, Event{Kind: Progress, RunID: runID, Data: ev.Data})
			case subaction.Complete:
				c.emit(ctx, out, Event{Kind: Complete, RunID: runID, Data: ev.Data})
			case subaction.Error:
				c.emit(ctx, out, Event{Kind: Error, RunID: runID, Data: ev.Data})
			}
		}
	}()
	return out
}

// WatchState polls drv's derived state map for runID/branchID at
// PollInterval, emitting a state_snapshot of the full map immediately and a
// state_update with only the added/changed keys whenever it differs from
// the last snapshot. It runs until ctx is cancelled.
func (c *Core) WatchState(ctx context.Context, drv *deriver.Deriver, runID, branchID string) <-chan Event {
	out := make(chan Event, 8)
	go func() {
		defer close(out)

		snapshot, err := drv.ModuleOutputs(ctx, runID, branchID)
		if err != nil {
			c.emit(ctx, out, Event{Kind: Error, RunID: runID, Data: map[string]any{"message": executor.SanitizeError(err)}})
			return
		}
		c.emit(ctx, out, Event{Kind: StateSnapshot, RunID: runID, Data: cloneMap(snapshot)})

		ticker := time.NewTicker(c.pollInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				current, err := drv.ModuleOutputs(ctx, runID, branchID)
				if err != nil {
					c.emit(ctx, out, Event{Kind: Error, RunID: runID, Data: map[string]any{"message": executor.SanitizeError(err)}})
					return
				}
				if diff := diffState(snapshot, current); len(diff) > 0 {
					c.emit(ctx, out, Event{Kind: StateUpdate, RunID: runID, Data: diff})
					snapshot = current
				}
			}
		}
	}()
	return out
}

func (c *Core) emit(ctx context.Context, out chan<- Event, ev Event) {
	out <- ev
	if c.Bus == nil {
		return
	}
	data := make(map[string]any, len(ev.Data)+1)
	for k, v := range ev.Data {
		data[k] = v
	}
	data["run_id"] = ev.RunID
	if err := c.Bus.Publish(ctx, hookbus.Event{Type: string(ev.Kind), Data: data}); err != nil {
		c.Logger.Warn(ctx, "streaming: bus publish failed", "kind", ev.Kind, "run_id", ev.RunID, "error", err)
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// diffState returns the keys in current that are missing from, or not
// deeply equal to, the same key in prev. Keys removed from current are not
// reported: the derived state map only ever grows as module_completed/
// sub_action_completed events accumulate, it never loses keys.
func diffState(prev, current map[string]any) map[string]any {
	diff := make(map[string]any)
	for k, v := range current {
		old, ok := prev[k]
		if !ok || !reflect.DeepEqual(old, v) {
			diff[k] = v
		}
	}
	return diff
}
