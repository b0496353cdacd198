package deriver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/workflowmanager/engine/eventstore"
)

type (
	// ConversationTurn is one message in a retry's reconstructed
	// conversation history.
	ConversationTurn struct {
		Role    string // "assistant" or "user"
		Content string
	}

	// RetryContext is the reconstructed conversation fed back into a
	// retried module.
	RetryContext struct {
		ConversationHistory []ConversationTurn
		Feedback            string
	}
)

// RetryContext walks every module_completed event for targetModule across
// the whole run (not just one branch) interleaved with retry_requested
// events whose data.target_module equals targetModule, in event-id order.
// Each module_completed contributes an assistant turn (non-string outputs
// are JSON-serialized); each retry_requested that falls strictly between
// one completion and the next contributes a user turn carrying its
// feedback. Feedback is the last retry's feedback, or empty if there were
// no retries.
func (d *Deriver) RetryContext(ctx context.Context, runID, targetModule string) (RetryContext, error) {
	completions, err := d.Events.Query(ctx, runID, eventstore.Filter{
		Types: []eventstore.Type{eventstore.ModuleCompleted},
	}, 0)
	if err != nil {
		return RetryContext{}, fmt.Errorf("deriver: retry context completions: %w", err)
	}
	var moduleCompletions []*eventstore.Event
	for _, e := range completions {
		if e.ModuleName == targetModule {
			moduleCompletions = append(moduleCompletions, e)
		}
	}

	retries, err := d.Events.Query(ctx, runID, eventstore.Filter{
		Types: []eventstore.Type{eventstore.RetryRequested},
	}, 0)
	if err != nil {
		return RetryContext{}, fmt.Errorf("deriver: retry context retries: %w", err)
	}
	var targetRetries []*eventstore.Event
	for _, e := range retries {
		if target, _ := e.Data["target_module"].(string); target == targetModule {
			targetRetries = append(targetRetries, e)
		}
	}

	var history []ConversationTurn
	for i, completed := range moduleCompletions {
		if content, ok := responseContent(completed.Data); ok {
			history = append(history, ConversationTurn{Role: "assistant", Content: content})
		}

		var next *eventstore.Event
		if i+1 < len(moduleCompletions) {
			next = moduleCompletions[i+1]
		}
		for _, retry := range targetRetries {
			if retry.ID <= completed.ID {
				continue
			}
			if next != nil && retry.ID >= next.ID {
				continue
			}
			if feedback, _ := retry.Data["feedback"].(string); feedback != "" {
				history = append(history, ConversationTurn{
					Role:    "user",
					Content: "FEEDBACK FROM USER: " + feedback,
				})
			}
		}
	}

	var latestFeedback string
	if len(targetRetries) > 0 {
		latestFeedback, _ = targetRetries[len(targetRetries)-1].Data["feedback"].(string)
	}

	return RetryContext{ConversationHistory: history, Feedback: latestFeedback}, nil
}

func responseContent(data map[string]any) (string, bool) {
	if data == nil {
		return "", false
	}
	v, ok := data["response"]
	if !ok {
		v, ok = data["response_text"]
	}
	if !ok || v == nil {
		return "", false
	}
	switch content := v.(type) {
	case string:
		return content, true
	default:
		b, err := json.MarshalIndent(content, "", "  ")
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}
