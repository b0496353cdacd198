// Package modules bundles a small set of sample module implementations:
// llm.call, http.fetch, transform.map, and interactive.select. They exist
// to exercise the module registry contract end to end, not to be a
// complete provider catalogue.
package modules

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/workflowmanager/engine/deriver"
	"github.com/workflowmanager/engine/moduleregistry"
	"github.com/workflowmanager/engine/navigator"
	"github.com/workflowmanager/engine/schema"
)

// MessagesClient is the subset of the Anthropic SDK client LLMCall needs.
// Satisfied by *sdk.MessageService so tests can substitute a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// LLMCall is an executable module that issues one Anthropic Messages
// request per invocation. Resolved inputs: "prompt" (required string),
// "system" (optional string), "model" (optional, defaults to
// DefaultModel), "max_tokens" (optional, defaults to MaxTokens).
type LLMCall struct {
	client       MessagesClient
	defaultModel string
	maxTokens    int64
	inputSchema  *schema.Schema
	outputSchema *schema.Schema
}

var _ moduleregistry.ExecutableModule = (*LLMCall)(nil)

const llmCallInputsDoc = `{
	"type": "object",
	"properties": {
		"prompt": {"type": "string"},
		"system": {"type": "string"},
		"model": {"type": "string"},
		"max_tokens": {"type": "integer"}
	},
	"required": ["prompt"]
}`

const llmCallOutputsDoc = `{
	"type": "object",
	"properties": {
		"text": {"type": "string"},
		"stop_reason": {"type": "string"},
		"usage": {"type": "object"}
	},
	"required": ["text"]
}`

// NewLLMCall builds an LLMCall module from an Anthropic Messages client.
func NewLLMCall(client MessagesClient, defaultModel string, maxTokens int64) (*LLMCall, error) {
	if client == nil {
		return nil, fmt.Errorf("llm.call: messages client is required")
	}
	if defaultModel == "" {
		return nil, fmt.Errorf("llm.call: default model is required")
	}
	inputSchema, err := schema.Compile("llm.call.inputs", []byte(llmCallInputsDoc))
	if err != nil {
		return nil, err
	}
	outputSchema, err := schema.Compile("llm.call.outputs", []byte(llmCallOutputsDoc))
	if err != nil {
		return nil, err
	}
	return &LLMCall{
		client: client, defaultModel: defaultModel, maxTokens: maxTokens,
		inputSchema: inputSchema, outputSchema: outputSchema,
	}, nil
}

// ModuleID implements moduleregistry.Module.
func (m *LLMCall) ModuleID() string { return "llm.call" }

// InputSchema implements moduleregistry.Module.
func (m *LLMCall) InputSchema() *schema.Schema { return m.inputSchema }

// OutputSchema implements moduleregistry.Module.
func (m *LLMCall) OutputSchema() *schema.Schema { return m.outputSchema }

// Execute implements moduleregistry.ExecutableModule.
func (m *LLMCall) Execute(ctx context.Context, inputs map[string]any, ectx moduleregistry.ExecutionContext) (map[string]any, error) {
	prompt, _ := inputs["prompt"].(string)
	if prompt == "" {
		return nil, fmt.Errorf("llm.call: prompt is required")
	}

	modelID := m.defaultModel
	if v, ok := inputs["model"].(string); ok && v != "" {
		modelID = v
	}
	maxTokens := m.maxTokens
	if v, ok := inputs["max_tokens"]; ok {
		if n, ok := toInt64(v); ok && n > 0 {
			maxTokens = n
		}
	}
	if maxTokens <= 0 {
		return nil, fmt.Errorf("llm.call: max_tokens must be positive")
	}

	messages := append([]sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))}, retryMessages(ectx.State)...)

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if system, ok := inputs["system"].(string); ok && system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	msg, err := m.client.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("llm.call: messages.new: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	usage, err := json.Marshal(msg.Usage)
	if err != nil {
		return nil, fmt.Errorf("llm.call: marshal usage: %w", err)
	}
	var usageMap map[string]any
	if err := json.Unmarshal(usage, &usageMap); err != nil {
		return nil, fmt.Errorf("llm.call: unmarshal usage: %w", err)
	}

	return map[string]any{
		"text":        text,
		"stop_reason": string(msg.StopReason),
		"usage":       usageMap,
	}, nil
}

// retryMessages builds the conversation turns a retried invocation appends
// after its primary prompt message: the full reconstructed history when
// navigator.Retry injected one (one message per turn, in order), or a
// single "FEEDBACK FROM USER: ..." turn as a fallback when only feedback,
// without history, is present. Returns nil outside of a retry.
func retryMessages(state map[string]any) []sdk.MessageParam {
	if history, ok := state[navigator.RetryConversationHistoryKey].([]deriver.ConversationTurn); ok && len(history) > 0 {
		var msgs []sdk.MessageParam
		for _, turn := range history {
			if turn.Content == "" {
				continue
			}
			if turn.Role == "user" {
				msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(turn.Content)))
			} else {
				msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(turn.Content)))
			}
		}
		return msgs
	}
	if feedback, ok := state[navigator.RetryFeedbackKey].(string); ok && feedback != "" {
		return []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock("FEEDBACK FROM USER: " + feedback))}
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
