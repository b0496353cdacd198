package modules_test

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workflowmanager/engine/deriver"
	"github.com/workflowmanager/engine/moduleregistry"
	"github.com/workflowmanager/engine/moduleregistry/modules"
	"github.com/workflowmanager/engine/navigator"
)

type fakeMessagesClient struct {
	captured sdk.MessageNewParams
	response *sdk.Message
	err      error
}

func (f *fakeMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.captured = body
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func TestLLMCallExecuteReturnsConcatenatedText(t *testing.T) {
	fake := &fakeMessagesClient{
		response: &sdk.Message{
			Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "hello "}, {Type: "text", Text: "world"}},
			StopReason: sdk.StopReasonEndTurn,
		},
	}
	m, err := modules.NewLLMCall(fake, "claude-test-model", 256)
	require.NoError(t, err)

	out, err := m.Execute(context.Background(), map[string]any{"prompt": "hi"}, moduleregistry.ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, "hello world", out["text"])
	assert.Equal(t, string(sdk.StopReasonEndTurn), out["stop_reason"])
	assert.Equal(t, sdk.Model("claude-test-model"), fake.captured.Model)
}

func TestLLMCallExecuteRequiresPrompt(t *testing.T) {
	fake := &fakeMessagesClient{response: &sdk.Message{}}
	m, err := modules.NewLLMCall(fake, "claude-test-model", 256)
	require.NoError(t, err)

	_, err = m.Execute(context.Background(), map[string]any{}, moduleregistry.ExecutionContext{})
	assert.Error(t, err)
}

func TestLLMCallExecuteOverridesModelFromInputs(t *testing.T) {
	fake := &fakeMessagesClient{response: &sdk.Message{}}
	m, err := modules.NewLLMCall(fake, "claude-default", 256)
	require.NoError(t, err)

	_, err = m.Execute(context.Background(), map[string]any{"prompt": "hi", "model": "claude-override"}, moduleregistry.ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, sdk.Model("claude-override"), fake.captured.Model)
}

func TestLLMCallExecuteAppendsRetryConversationHistory(t *testing.T) {
	fake := &fakeMessagesClient{response: &sdk.Message{}}
	m, err := modules.NewLLMCall(fake, "claude-test-model", 256)
	require.NoError(t, err)

	ectx := moduleregistry.ExecutionContext{
		State: map[string]any{
			navigator.RetryConversationHistoryKey: []deriver.ConversationTurn{
				{Role: "assistant", Content: "first attempt output"},
				{Role: "user", Content: "FEEDBACK FROM USER: try again"},
			},
			navigator.RetryFeedbackKey: "try again",
		},
	}

	_, err = m.Execute(context.Background(), map[string]any{"prompt": "hi"}, ectx)
	require.NoError(t, err)

	require.Len(t, fake.captured.Messages, 3)
	assert.Equal(t, sdk.MessageParamRoleUser, fake.captured.Messages[0].Role)
	assert.Equal(t, sdk.MessageParamRoleAssistant, fake.captured.Messages[1].Role)
	assert.Equal(t, "first attempt output", fake.captured.Messages[1].Content[0].OfText.Text)
	assert.Equal(t, sdk.MessageParamRoleUser, fake.captured.Messages[2].Role)
	assert.Equal(t, "FEEDBACK FROM USER: try again", fake.captured.Messages[2].Content[0].OfText.Text)
}

func TestLLMCallExecuteFallsBackToFeedbackWithoutHistory(t *testing.T) {
	fake := &fakeMessagesClient{response: &sdk.Message{}}
	m, err := modules.NewLLMCall(fake, "claude-test-model", 256)
	require.NoError(t, err)

	ectx := moduleregistry.ExecutionContext{
		State: map[string]any{navigator.RetryFeedbackKey: "try again"},
	}

	_, err = m.Execute(context.Background(), map[string]any{"prompt": "hi"}, ectx)
	require.NoError(t, err)

	require.Len(t, fake.captured.Messages, 2)
	assert.Equal(t, sdk.MessageParamRoleUser, fake.captured.Messages[1].Role)
	assert.Equal(t, "FEEDBACK FROM USER: try again", fake.captured.Messages[1].Content[0].OfText.Text)
}

func TestLLMCallExecuteIgnoresRetryKeysOutsideRetry(t *testing.T) {
	fake := &fakeMessagesClient{response: &sdk.Message{}}
	m, err := modules.NewLLMCall(fake, "claude-test-model", 256)
	require.NoError(t, err)

	_, err = m.Execute(context.Background(), map[string]any{"prompt": "hi"}, moduleregistry.ExecutionContext{})
	require.NoError(t, err)
	assert.Len(t, fake.captured.Messages, 1)
}
