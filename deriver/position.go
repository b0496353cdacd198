package deriver

import (
	"context"
	"fmt"
	"sort"

	"github.com/workflowmanager/engine/eventstore"
)

type (
	// Position is the run's resumable location, derived from the event log.
	Position struct {
		CurrentStep        string
		CurrentModuleIndex int
		CompletedSteps     []string
		PendingInteraction map[string]any
	}

	// InteractionPair is a completed interaction_requested/interaction_response
	// round trip.
	InteractionPair struct {
		InteractionID string
		Request       map[string]any
		Response      any
		StepID        string
		ModuleName    string
		ResponseID    string
	}
)

// Position derives the run's current step, module index, completed steps,
// and any pending interaction from branchID's lineage.
//
//   - completed_steps is every step id carrying a step_completed event.
//   - current_step is the step id of the latest step_started event not yet
//     in completed_steps; current_module_index counts module_completed
//     events for that step whose event id exceeds that step_started's id.
//   - pending_interaction is the payload of the latest interaction_requested
//     event, unless a later interaction_response exists for it.
func (d *Deriver) Position(ctx context.Context, runID, branchID string) (Position, error) {
	events, err := d.LineageEvents(ctx, runID, branchID, nil)
	if err != nil {
		return Position{}, err
	}

	var completedSteps []string
	for _, e := range events {
		if e.Type == eventstore.StepCompleted && e.StepID != "" {
			completedSteps = append(completedSteps, e.StepID)
		}
	}

	completed := make(map[string]bool, len(completedSteps))
	for _, s := range completedSteps {
		completed[s] = true
	}

	var stepStarted *eventstore.Event
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == eventstore.StepStarted && !completed[events[i].StepID] {
			stepStarted = events[i]
			break
		}
	}

	pos := Position{CompletedSteps: completedSteps}
	if stepStarted != nil && !completed[stepStarted.StepID] {
		pos.CurrentStep = stepStarted.StepID
		for _, e := range events {
			if e.ID <= stepStarted.ID {
				continue
			}
			if e.Type == eventstore.ModuleCompleted && e.StepID == stepStarted.StepID {
				pos.CurrentModuleIndex++
			}
		}
	}

	var requested, responded *eventstore.Event
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if requested == nil && e.Type == eventstore.InteractionRequest {
			requested = e
		}
		if responded == nil && e.Type == eventstore.InteractionResponse {
			responded = e
		}
		if requested != nil && responded != nil {
			break
		}
	}
	if requested != nil && (responded == nil || responded.ID < requested.ID) {
		pos.PendingInteraction = requested.Data
	}

	return pos, nil
}

// InteractionHistory pairs interaction_requested with interaction_response
// events on branchID's lineage by the interaction_id embedded in their
// payloads, returning only completed pairs ordered by response event id
// (which, since IDs are time-sortable, is also timestamp order).
func (d *Deriver) InteractionHistory(ctx context.Context, runID, branchID string) ([]InteractionPair, error) {
	events, err := d.LineageEvents(ctx, runID, branchID, []eventstore.Type{
		eventstore.InteractionRequest, eventstore.InteractionResponse,
	})
	if err != nil {
		return nil, err
	}

	requests := make(map[string]*eventstore.Event)
	responses := make(map[string]*eventstore.Event)
	for _, e := range events {
		id, _ := e.Data["interaction_id"].(string)
		if id == "" {
			continue
		}
		switch e.Type {
		case eventstore.InteractionRequest:
			requests[id] = e
		case eventstore.InteractionResponse:
			responses[id] = e
		}
	}

	var out []InteractionPair
	for id, req := range requests {
		resp, ok := responses[id]
		if !ok {
			continue
		}
		response := any(resp.Data)
		if inner, ok := resp.Data["response"]; ok {
			response = inner
		}
		out = append(out, InteractionPair{
			InteractionID: id,
			Request:       req.Data,
			Response:      response,
			StepID:        req.StepID,
			ModuleName:    req.ModuleName,
			ResponseID:    resp.ID,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ResponseID < out[j].ResponseID })
	return out, nil
}

// ErrInteractionNotFound is returned when a referenced interaction_id has
// no matching interaction_requested event in the relevant lineage.
var ErrInteractionNotFound = fmt.Errorf("deriver: interaction not found")
