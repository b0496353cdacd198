// Package usage records per-call token counts for cost observability. It
// sits beside the run's event log rather than inside it: token counts are
// a billing/observability concern, not part of the canonical history a
// branch fork or recovery replays.
package usage

import (
	"context"
	"time"
)

type (
	// Record is one API call's token accounting, keyed by the run, step,
	// and module that made the call.
	Record struct {
		RunID            string
		StepID           string
		StepName         string
		ModuleName       string
		ModuleIndex      int
		Model            string
		PromptTokens     int64
		CompletionTokens int64
		CachedTokens     int64
		TotalTokens      int64
		Timestamp        time.Time
	}

	// Summary is the aggregate of every Record for a run.
	Summary struct {
		PromptTokens     int64
		CompletionTokens int64
		CachedTokens     int64
		TotalTokens      int64
	}

	// Store persists and queries token usage records.
	Store interface {
		// Record stores one usage record. Timestamp is stamped by the
		// store if the caller leaves it zero.
		Record(ctx context.Context, rec Record) error

		// ForRun returns every record for a run, ordered by Timestamp
		// ascending.
		ForRun(ctx context.Context, runID string) ([]Record, error)

		// Summary aggregates every record for a run into totals.
		Summary(ctx context.Context, runID string) (Summary, error)

		// DeleteByRun removes every record for a run. Used only by run
		// deletion/reset, mirroring eventstore.Store.DeleteByRun.
		DeleteByRun(ctx context.Context, runID string) error
	}
)

// anthropicUsageKeys are the JSON field names the Anthropic Messages API
// uses in its usage object, which llmcall.LLMCall's Execute round-trips
// verbatim into a module's "usage" output.
const (
	keyInputTokens         = "input_tokens"
	keyOutputTokens        = "output_tokens"
	keyCacheReadTokens     = "cache_read_input_tokens"
	keyCacheCreationTokens = "cache_creation_input_tokens"
)

// ExtractFromOutput looks for a provider usage object at outputs["usage"]
// and, if present, returns the token counts it describes. ok is false
// when outputs carries no usage object (e.g. a non-LLM module), in which
// case there is nothing to record.
func ExtractFromOutput(outputs map[string]any) (prompt, completion, cached, total int64, ok bool) {
	raw, exists := outputs["usage"]
	if !exists {
		return 0, 0, 0, 0, false
	}
	usageMap, isMap := raw.(map[string]any)
	if !isMap {
		return 0, 0, 0, 0, false
	}

	prompt = toInt64(usageMap[keyInputTokens])
	completion = toInt64(usageMap[keyOutputTokens])
	cached = toInt64(usageMap[keyCacheReadTokens]) + toInt64(usageMap[keyCacheCreationTokens])
	total = prompt + completion
	return prompt, completion, cached, total, true
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
