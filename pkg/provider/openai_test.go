package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type openAIResult struct {
	resp openai.ChatCompletionResponse
	err  error
}

type fakeOpenAIClient struct {
	results  []openAIResult
	requests []openai.ChatCompletionRequest
}

func (f *fakeOpenAIClient) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.requests = append(f.requests, req)
	if len(f.results) == 0 {
		return openai.ChatCompletionResponse{}, errors.New("no scripted result")
	}
	next := f.results[0]
	f.results = f.results[1:]
	return next.resp, next.err
}

func (f *fakeOpenAIClient) CreateChatCompletionStream(context.Context, openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error) {
	return nil, errors.New("streaming not scripted")
}

func openAITestResponse(id, content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		ID: id,
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}},
		},
		Usage: openai.Usage{
			PromptTokens:            12,
			CompletionTokens:        7,
			PromptTokensDetails:     &openai.PromptTokensDetails{CachedTokens: 4},
			CompletionTokensDetails: &openai.CompletionTokensDetails{ReasoningTokens: 2},
		},
	}
}

func TestOpenAIRuntime_Run(t *testing.T) {
	fake := &fakeOpenAIClient{results: []openAIResult{{resp: openAITestResponse("chatcmpl-1", "bonjour")}}}
	rt := &OpenAIRuntime{name: "openai", chat: fake, defaultModel: "gpt-test"}

	result, err := rt.Run(context.Background(), RunInput{
		AgentKey:     "assistant",
		Instructions: "You are helpful.",
		Message:      "hello",
		History: []SessionItem{
			{Role: "user", Content: "earlier question"},
			{Role: "assistant", Content: "earlier answer"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "chatcmpl-1", result.ResponseID)
	assert.Equal(t, "bonjour", result.FinalText)
	assert.Equal(t, 1, result.Usage.Requests)
	assert.Equal(t, int64(12), result.Usage.InputTokens)
	assert.Equal(t, int64(7), result.Usage.OutputTokens)
	assert.Equal(t, int64(4), result.Usage.CachedInputTokens)
	assert.Equal(t, int64(2), result.Usage.ReasoningOutputTokens)

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, "gpt-test", req.Model)
	require.Len(t, req.Messages, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, "You are helpful.", req.Messages[0].Content)
	assert.Equal(t, "earlier question", req.Messages[1].Content)
	assert.Equal(t, "earlier answer", req.Messages[2].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, req.Messages[3].Role)
	assert.Equal(t, "hello", req.Messages[3].Content)
	assert.Nil(t, req.ResponseFormat)
}

func TestOpenAIRuntime_StructuredOutput(t *testing.T) {
	fake := &fakeOpenAIClient{results: []openAIResult{{resp: openAITestResponse("chatcmpl-2", `{"answer": 42}`)}}}
	rt := &OpenAIRuntime{name: "openai", chat: fake, defaultModel: "gpt-test"}

	result, err := rt.Run(context.Background(), RunInput{
		AgentKey:     "judge",
		Message:      "score this",
		OutputSchema: map[string]any{"type": "object", "properties": map[string]any{"answer": map[string]any{"type": "integer"}}},
	})
	require.NoError(t, err)

	require.NotNil(t, result.Structured)
	assert.Equal(t, float64(42), result.Structured["answer"])

	req := fake.requests[0]
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, req.ResponseFormat.Type)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "JSON schema")
}

func TestOpenAIRuntime_ImageAttachment(t *testing.T) {
	fake := &fakeOpenAIClient{results: []openAIResult{{resp: openAITestResponse("chatcmpl-3", "described")}}}
	rt := &OpenAIRuntime{name: "openai", chat: fake, defaultModel: "gpt-test"}

	_, err := rt.Run(context.Background(), RunInput{
		AgentKey: "assistant",
		Message:  "what is in this image?",
		InputItems: []InputItem{
			{Type: "input_image", ImageURL: "https://example.com/cat.png", Filename: "cat.png"},
		},
	})
	require.NoError(t, err)

	req := fake.requests[0]
	last := req.Messages[len(req.Messages)-1]
	assert.Empty(t, last.Content, "multi-part messages leave Content empty")
	require.Len(t, last.MultiContent, 2)
	assert.Equal(t, openai.ChatMessagePartTypeText, last.MultiContent[0].Type)
	assert.Equal(t, "what is in this image?", last.MultiContent[0].Text)
	assert.Equal(t, openai.ChatMessagePartTypeImageURL, last.MultiContent[1].Type)
	require.NotNil(t, last.MultiContent[1].ImageURL)
	assert.Equal(t, "https://example.com/cat.png", last.MultiContent[1].ImageURL.URL)
}

func TestOpenAIRuntime_RetriesServerErrors(t *testing.T) {
	fake := &fakeOpenAIClient{results: []openAIResult{
		{err: &openai.APIError{HTTPStatusCode: 503, Message: "upstream unavailable"}},
		{resp: openAITestResponse("chatcmpl-4", "recovered")},
	}}
	rt := &OpenAIRuntime{
		name:         "openai",
		chat:         fake,
		defaultModel: "gpt-test",
		retry:        retryPolicy{maxRetries: 2, baseDelay: time.Millisecond},
	}

	result, err := rt.Run(context.Background(), RunInput{AgentKey: "assistant", Message: "m"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.FinalText)
	assert.Len(t, fake.requests, 2)
}

func TestOpenAIRuntime_RateLimitSurfaced(t *testing.T) {
	fake := &fakeOpenAIClient{results: []openAIResult{
		{err: &openai.APIError{HTTPStatusCode: 429, Message: "slow down"}},
		{err: &openai.APIError{HTTPStatusCode: 429, Message: "slow down"}},
	}}
	rt := &OpenAIRuntime{
		name:         "openai",
		chat:         fake,
		defaultModel: "gpt-test",
		retry:        retryPolicy{maxRetries: 1, baseDelay: time.Millisecond},
	}

	_, err := rt.Run(context.Background(), RunInput{AgentKey: "assistant", Message: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestOpenAIRuntime_ClientErrorNotRetried(t *testing.T) {
	fake := &fakeOpenAIClient{results: []openAIResult{
		{err: &openai.APIError{HTTPStatusCode: 400, Message: "bad request"}},
	}}
	rt := &OpenAIRuntime{
		name:         "openai",
		chat:         fake,
		defaultModel: "gpt-test",
		retry:        retryPolicy{maxRetries: 3, baseDelay: time.Millisecond},
	}

	_, err := rt.Run(context.Background(), RunInput{AgentKey: "assistant", Message: "m"})
	require.Error(t, err)
	assert.Len(t, fake.requests, 1)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
}

func TestOpenAIRuntime_EmptyChoices(t *testing.T) {
	fake := &fakeOpenAIClient{results: []openAIResult{{resp: openai.ChatCompletionResponse{ID: "chatcmpl-5"}}}}
	rt := &OpenAIRuntime{name: "openai", chat: fake, defaultModel: "gpt-test"}

	_, err := rt.Run(context.Background(), RunInput{AgentKey: "assistant", Message: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty choices")
}

func TestOpenAIRuntime_CreateConversationUnsupported(t *testing.T) {
	rt := &OpenAIRuntime{name: "openai"}

	_, err := rt.CreateConversation(context.Background(), map[string]string{"tenant": "t1"})
	assert.ErrorIs(t, err, ErrConversationCreationUnsupported)
}

func TestNewOpenAIRuntime_Validation(t *testing.T) {
	_, err := NewOpenAIRuntime(OpenAIOptions{Name: "openai", DefaultModel: "gpt-test"})
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	_, err = NewOpenAIRuntime(OpenAIOptions{Name: "openai", APIKey: "sk-test"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default model")
}

func TestOpenAIRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, true},
		{"server error", &openai.APIError{HTTPStatusCode: 503}, true},
		{"client error", &openai.APIError{HTTPStatusCode: 400}, false},
		{"net timeout", fakeTimeoutError{}, true},
		{"plain error", errors.New("nope"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, openAIRetryable(tt.err))
		})
	}
}
