// Package executor runs a workflow definition forward from a resumable
// position: non-interactive modules execute in sequence, an interactive
// module suspends the run and returns its request, and every effect along
// the way is persisted as an event before the in-memory state advances.
//
// The executor never blocks on a human response: execute_from_position
// returns as soon as it hits an interaction, an error, or the end of the
// workflow. Resuming after an interaction response is the Interaction
// Handler's job (package interaction), which re-enters the step's module
// loop at the next index using the same semantics implemented here.
package executor

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/workflowmanager/engine/deriver"
	"github.com/workflowmanager/engine/eventstore"
	"github.com/workflowmanager/engine/moduleregistry"
	"github.com/workflowmanager/engine/resolver"
	"github.com/workflowmanager/engine/telemetry"
	"github.com/workflowmanager/engine/usage"
	"github.com/workflowmanager/engine/workflowdef"
)

// OutcomeKind discriminates the Outcome sum type.
type OutcomeKind string

const (
	// AwaitingInput means an interactive module suspended the run; its
	// InteractionRequest and Progress are populated.
	AwaitingInput OutcomeKind = "awaiting_input"
	// Completed means every step finished; FinalState holds the run's
	// accumulated state.
	Completed OutcomeKind = "completed"
	// Errored means a module failed or a definition was malformed;
	// Message, StepID and ModuleName describe where.
	Errored OutcomeKind = "error"
	// Processing means every module of a single step finished without
	// suspending or failing. ExecuteSyntheticStep returns it;
	// ExecuteFromPosition and ExecuteFromModule go on to the next step
	// instead. The streaming core reports it as a complete event with
	// processing set.
	Processing OutcomeKind = "processing"
)

type (
	// Progress describes where in the workflow an AwaitingInput outcome
	// suspended.
	Progress struct {
		StepID     string
		ModuleName string
		StepIndex  int
	}

	// Outcome is the executor's single return shape; only the fields
	// relevant to Kind are populated.
	Outcome struct {
		Kind               OutcomeKind
		InteractionRequest *moduleregistry.InteractionRequest
		Progress           Progress
		FinalState         map[string]any
		Message            string
		StepID             string
		ModuleName         string
	}

	// RunStatusUpdater is the slice of run lifecycle bookkeeping the
	// executor needs. The runstore package implements it; the executor
	// only depends on this interface so it never needs to know about
	// run documents, ownership, or listing.
	RunStatusUpdater interface {
		SetProcessing(ctx context.Context, runID, stepID, stepName string) error
		SetAwaitingInput(ctx context.Context, runID, moduleName string) error
		SetCompleted(ctx context.Context, runID string) error
	}

	// UsageRecorder is the slice of token usage bookkeeping the executor
	// needs. The usage package implements it. Optional: a nil UsageRecorder
	// means token accounting is simply skipped, so callers that don't care
	// about cost observability don't need to wire one in.
	UsageRecorder interface {
		Record(ctx context.Context, rec usage.Record) error
	}

	// Executor runs workflow definitions against an event store, a module
	// registry, and a parameter resolver.
	Executor struct {
		Events   eventstore.Store
		Registry *moduleregistry.Registry
		Resolver resolver.Resolver
		Runs     RunStatusUpdater
		Usage    UsageRecorder
		Logger   telemetry.Logger
	}
)

// New returns an Executor. logger may be nil, in which case log calls are
// discarded.
func New(events eventstore.Store, registry *moduleregistry.Registry, res resolver.Resolver, runs RunStatusUpdater, logger telemetry.Logger) *Executor {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Executor{Events: events, Registry: registry, Resolver: res, Runs: runs, Logger: logger}
}

// ExecuteFromPosition runs def's steps starting at position until an
// interactive module suspends the run, a module fails, or every step
// completes.
func (x *Executor) ExecuteFromPosition(ctx context.Context, runID, branchID string, def workflowdef.Definition, position deriver.Position, state map[string]any) (Outcome, error) {
	completed := toSet(position.CompletedSteps)

	startIndex := 0
	if position.CurrentStep != "" {
		if i := def.FindStep(position.CurrentStep); i >= 0 {
			startIndex = i
		}
	} else {
		for i, s := range def.Steps {
			if !completed[s.ID] {
				startIndex = i
				break
			}
		}
	}

	return x.runFrom(ctx, runID, branchID, def, startIndex, position.CurrentModuleIndex, completed, true, cloneState(state))
}

// ExecuteFromModule continues a step already in progress at an explicit
// module index — the module loop only, with no step_started re-append and
// no run.status=processing update for that step, since the step was
// already started before this re-entry (a retry, a mid-step interaction
// response). Subsequent steps it flows into are started normally. This is
// the Go shape of execute_from_module/execute_step_modules in the
// original: those never re-announce the step they're resuming, only the
// ones after it.
func (x *Executor) ExecuteFromModule(ctx context.Context, runID, branchID string, def workflowdef.Definition, stepIndex, moduleIndex int, state map[string]any) (Outcome, error) {
	return x.runFrom(ctx, runID, branchID, def, stepIndex, moduleIndex, nil, false, cloneState(state))
}

// runFrom drives the step loop from stepIndex onward, starting module
// execution at moduleStart within that first step only; every later step
// starts at module 0. completedSteps, if non-nil, causes steps already
// marked complete to be skipped (the ExecuteFromPosition resume path).
// announceFirstStep controls whether step_started/SetProcessing is
// appended for the first step iterated: true for a fresh resume
// (ExecuteFromPosition), false when the first step was already announced
// by an earlier call and this is just continuing its module loop
// (ExecuteFromModule).
func (x *Executor) runFrom(ctx context.Context, runID, branchID string, def workflowdef.Definition, startIndex, moduleStart int, completedSteps map[string]bool, announceFirstStep bool, state map[string]any) (Outcome, error) {
	for stepIndex := startIndex; stepIndex < len(def.Steps); stepIndex++ {
		step := def.Steps[stepIndex]
		if completedSteps[step.ID] {
			continue
		}

		if stepIndex != startIndex || announceFirstStep {
			if err := x.appendEvent(ctx, runID, branchID, eventstore.StepStarted, step.ID, "", nil); err != nil {
				return Outcome{}, err
			}

			stepName := strings.ReplaceAll(step.Name, workflowdef.StepNumberPlaceholder, strconv.Itoa(stepIndex+1))
			if x.Runs != nil {
				if err := x.Runs.SetProcessing(ctx, runID, step.ID, stepName); err != nil {
					return Outcome{}, err
				}
			}
		}

		thisModuleStart := 0
		if stepIndex == startIndex {
			thisModuleStart = moduleStart
		}

		outcome, err := x.executeStepModules(ctx, runID, branchID, def, step, thisModuleStart, state)
		if err != nil {
			return Outcome{}, err
		}
		if outcome.Kind == AwaitingInput || outcome.Kind == Errored {
			return outcome, nil
		}

		if err := x.appendEvent(ctx, runID, branchID, eventstore.StepCompleted, step.ID, "", nil); err != nil {
			return Outcome{}, err
		}
	}

	if x.Runs != nil {
		if err := x.Runs.SetCompleted(ctx, runID); err != nil {
			return Outcome{}, err
		}
	}
	if err := x.appendEvent(ctx, runID, branchID, eventstore.WorkflowCompleted, "", "", nil); err != nil {
		return Outcome{}, err
	}

	return Outcome{Kind: Completed, FinalState: state}, nil
}

func (x *Executor) appendEvent(ctx context.Context, runID, branchID string, typ eventstore.Type, stepID, moduleName string, data map[string]any) error {
	return x.Events.Append(ctx, &eventstore.Event{
		RunID:      runID,
		BranchID:   branchID,
		Type:       typ,
		StepID:     stepID,
		ModuleName: moduleName,
		Data:       data,
		Timestamp:  time.Now(),
	})
}

// AppendEvent appends an event through the executor's store. The
// Interaction Handler uses this so it never needs its own event-append
// plumbing — continuing a module loop after a response shares the exact
// event shape the executor itself would have produced.
func (x *Executor) AppendEvent(ctx context.Context, runID, branchID string, typ eventstore.Type, stepID, moduleName string, data map[string]any) error {
	return x.appendEvent(ctx, runID, branchID, typ, stepID, moduleName, data)
}

// AppendModuleError appends a module_error event with a sanitized error
// message.
func (x *Executor) AppendModuleError(ctx context.Context, runID, branchID, stepID, moduleName string, cause error) error {
	return x.appendModuleError(ctx, runID, branchID, stepID, moduleName, cause)
}

// SanitizeError strips an error down to a message safe to persist and
// surface to clients.
func SanitizeError(err error) string {
	return sanitizeError(err)
}

func toSet(ss []string) map[string]bool {
	out := make(map[string]bool, len(ss))
	for _, s := range ss {
		out[s] = true
	}
	return out
}

func cloneState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}

// sanitizeError strips an error down to a message safe to persist and
// surface to clients: no more than one line, trimmed to a sane length.
func sanitizeError(err error) string {
	msg := err.Error()
	if i := strings.IndexAny(msg, "\r\n"); i >= 0 {
		msg = msg[:i]
	}
	const maxLen = 500
	if len(msg) > maxLen {
		msg = msg[:maxLen] + "..."
	}
	return msg
}
