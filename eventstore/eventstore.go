// Package eventstore provides the append-only event log that is the
// system's single source of truth for run history. Events are immutable
// once appended; there is no update-in-place operation. All derived state
// (position, module outputs, interaction history) is computed by replaying
// events through the deriver package.
package eventstore

import (
	"context"
	"time"
)

// Type enumerates the kinds of events the engine appends to a run's log.
type Type string

const (
	WorkflowCreated     Type = "workflow_created"
	WorkflowCompleted   Type = "workflow_completed"
	WorkflowRecovered   Type = "workflow_recovered"
	StepStarted         Type = "step_started"
	StepCompleted       Type = "step_completed"
	ModuleStarted       Type = "module_started"
	ModuleCompleted     Type = "module_completed"
	ModuleError         Type = "module_error"
	InteractionRequest  Type = "interaction_requested"
	InteractionResponse Type = "interaction_response"
	RetryRequested      Type = "retry_requested"
	JumpRequested       Type = "jump_requested"
	SubActionStarted    Type = "sub_action_started"
	SubActionCompleted  Type = "sub_action_completed"
)

type (
	// Event is a single immutable record appended to a run's log.
	//
	// ID is assigned by the store at Append time. IDs are time-sortable and
	// strictly increasing within a run across every branch of that run, so
	// lexical order of ID equals total event order (see eventstore/ulid.go).
	Event struct {
		ID               string
		RunID            string
		BranchID         string
		WorkflowVersionID string
		Type             Type
		StepID           string
		ModuleName       string
		Data             map[string]any
		Timestamp        time.Time
	}

	// Filter narrows a Query call. A zero-value Filter matches every event
	// for the run.
	Filter struct {
		BranchID  string
		Types     []Type
		StepID    string
		MaxID     string
		MinID     string
	}

	// Store is the append-only persistence contract for events. No
	// implementation may expose a mutation of an already-appended event.
	Store interface {
		// Append assigns e.ID and persists e. Append must be durable:
		// callers rely on a returned error to fail the run rather than
		// silently lose canonical history.
		Append(ctx context.Context, e *Event) error

		// Latest returns the highest-ID event for the run, optionally
		// restricted to a single type. It returns (nil, nil) when no
		// matching event exists.
		Latest(ctx context.Context, runID string, typ Type) (*Event, error)

		// Query returns every event for the run matching filter, ordered by
		// ascending event ID. limit <= 0 means unbounded.
		Query(ctx context.Context, runID string, filter Filter, limit int) ([]*Event, error)

		// DeleteByRun removes every event for the run. Used only by run
		// deletion/reset; never by normal execution paths.
		DeleteByRun(ctx context.Context, runID string) error
	}
)

// MatchesType reports whether t is in types, or types is empty (meaning
// "match everything").
func MatchesType(t Type, types []Type) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}
