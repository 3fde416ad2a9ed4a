package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/arion-ai/arion/pkg/models"
)

// openAIChatClient captures the subset of the go-openai client used by the
// adapter, satisfied by *openai.Client and by test fakes.
type openAIChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// OpenAIRuntime adapts the OpenAI Chat Completions API.
type OpenAIRuntime struct {
	name         string
	chat         openAIChatClient
	defaultModel string
	convPrefix   string
	retry        retryPolicy
}

// OpenAIOptions configures the adapter.
type OpenAIOptions struct {
	Name                 string
	APIKey               string
	BaseURL              string
	DefaultModel         string
	ConversationIDPrefix string
	MaxRetries           int
	RetryBaseDelay       time.Duration
}

// NewOpenAIRuntime builds the adapter from resolved provider configuration.
func NewOpenAIRuntime(opts OpenAIOptions) (*OpenAIRuntime, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: provider %s", ErrMissingAPIKey, opts.Name)
	}
	if opts.DefaultModel == "" {
		return nil, fmt.Errorf("default model is required for provider %s", opts.Name)
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	return &OpenAIRuntime{
		name:         opts.Name,
		chat:         openai.NewClientWithConfig(cfg),
		defaultModel: opts.DefaultModel,
		convPrefix:   opts.ConversationIDPrefix,
		retry:        retryPolicy{maxRetries: opts.MaxRetries, baseDelay: opts.RetryBaseDelay},
	}, nil
}

func (r *OpenAIRuntime) Name() string { return r.name }

func (r *OpenAIRuntime) ConversationIDPrefix() string { return r.convPrefix }

// CreateConversation is unsupported; chat completions carry history
// explicitly, so there is no backend conversation object to mint.
func (r *OpenAIRuntime) CreateConversation(_ context.Context, _ map[string]string) (string, error) {
	return "", ErrConversationCreationUnsupported
}

func (r *OpenAIRuntime) Run(ctx context.Context, input RunInput) (*RunResult, error) {
	req := r.buildRequest(input, false)

	var resp openai.ChatCompletionResponse
	err := r.retry.do(ctx, openAIRetryable, func() error {
		var callErr error
		resp, callErr = r.chat.CreateChatCompletion(ctx, req)
		return callErr
	})
	if err != nil {
		if openAIRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai chat completion: empty choices")
	}

	text := resp.Choices[0].Message.Content
	result := &RunResult{
		ResponseID: resp.ID,
		FinalText:  text,
		Usage:      openAIUsage(resp.Usage),
		NewItems: []SessionItem{
			{Role: openai.ChatMessageRoleUser, Content: input.Message},
			{Role: openai.ChatMessageRoleAssistant, Content: text},
		},
	}
	if input.OutputSchema != nil {
		result.Structured = decodeStructured(text)
	}
	return result, nil
}

func (r *OpenAIRuntime) RunStream(ctx context.Context, input RunInput) (<-chan Event, error) {
	req := r.buildRequest(input, true)

	var stream *openai.ChatCompletionStream
	err := r.retry.do(ctx, openAIRetryable, func() error {
		var callErr error
		stream, callErr = r.chat.CreateChatCompletionStream(ctx, req)
		return callErr
	})
	if err != nil {
		if openAIRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat completion stream: %w", err)
	}

	events := make(chan Event, 32)
	go r.pumpStream(ctx, stream, input, events)
	return events, nil
}

// pumpStream drains the SDK stream, emitting raw deltas followed by the
// assembled run item and exactly one terminal event.
func (r *OpenAIRuntime) pumpStream(ctx context.Context, stream *openai.ChatCompletionStream, input RunInput, events chan<- Event) {
	defer close(events)
	defer stream.Close()

	var (
		text       strings.Builder
		responseID string
		usage      TokenUsage
	)

	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	fail := func(err error) {
		emit(Event{Type: EventFailed, Err: err, ResponseID: responseID})
	}

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				fail(ctx.Err())
				return
			}
			fail(fmt.Errorf("openai stream recv: %w", err))
			return
		}

		if responseID == "" {
			responseID = chunk.ID
		}
		if chunk.Usage != nil {
			usage = openAIUsage(*chunk.Usage)
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			text.WriteString(choice.Delta.Content)
			if !emit(Event{
				Type:       EventRawDelta,
				Delta:      choice.Delta.Content,
				RawType:    "chat.completion.chunk",
				ResponseID: responseID,
			}) {
				return
			}
		}
	}

	usage.Requests = 1
	final := text.String()

	if !emit(Event{
		Type:       EventRunItem,
		ResponseID: responseID,
		Item: &RunItem{
			Type: models.RunItemMessage,
			Name: "message_output",
			Role: openai.ChatMessageRoleAssistant,
			Text: final,
		},
	}) {
		return
	}

	result := &RunResult{
		ResponseID: responseID,
		FinalText:  final,
		Usage:      usage,
		NewItems: []SessionItem{
			{Role: openai.ChatMessageRoleUser, Content: input.Message},
			{Role: openai.ChatMessageRoleAssistant, Content: final},
		},
	}
	if input.OutputSchema != nil {
		result.Structured = decodeStructured(final)
	}
	emit(Event{Type: EventCompleted, Result: result, ResponseID: responseID})
}

// buildRequest assembles the chat payload: system instructions, history,
// then the user message with any native attachment parts.
func (r *OpenAIRuntime) buildRequest(input RunInput, streaming bool) openai.ChatCompletionRequest {
	model := input.Model
	if model == "" {
		model = r.defaultModel
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(input.History)+2)
	if sys := systemPrompt(input); sys != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: sys,
		})
	}
	for _, item := range input.History {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    item.Role,
			Content: item.Content,
		})
	}
	messages = append(messages, userMessage(input))

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if input.OutputSchema != nil {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	if streaming {
		req.Stream = true
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return req
}

func userMessage(input RunInput) openai.ChatCompletionMessage {
	images := make([]openai.ChatMessagePart, 0, len(input.InputItems))
	for _, item := range input.InputItems {
		if item.ImageURL == "" {
			continue
		}
		images = append(images, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: item.ImageURL},
		})
	}
	if len(images) == 0 {
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: input.Message,
		}
	}

	parts := make([]openai.ChatMessagePart, 0, len(images)+1)
	parts = append(parts, openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeText,
		Text: input.Message,
	})
	parts = append(parts, images...)
	return openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: parts,
	}
}

// systemPrompt combines agent instructions with the structured output
// contract when a schema is requested.
func systemPrompt(input RunInput) string {
	sys := input.Instructions
	if input.OutputSchema == nil {
		return sys
	}
	schema, err := json.Marshal(input.OutputSchema)
	if err != nil {
		return sys
	}
	if sys != "" {
		sys += "\n\n"
	}
	return sys + "Respond with a single JSON object conforming to this JSON schema:\n" + string(schema)
}

func decodeStructured(text string) map[string]any {
	var out map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &out); err != nil {
		return nil
	}
	return out
}

func openAIUsage(u openai.Usage) TokenUsage {
	usage := TokenUsage{
		Requests:     1,
		InputTokens:  int64(u.PromptTokens),
		OutputTokens: int64(u.CompletionTokens),
	}
	if u.PromptTokensDetails != nil {
		usage.CachedInputTokens = int64(u.PromptTokensDetails.CachedTokens)
	}
	if u.CompletionTokensDetails != nil {
		usage.ReasoningOutputTokens = int64(u.CompletionTokensDetails.ReasoningTokens)
	}
	return usage
}

func openAIRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	return transientNetError(err)
}

func openAIRateLimited(err error) bool {
	var apiErr *openai.APIError
	return errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429
}
