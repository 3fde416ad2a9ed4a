package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/arion-ai/arion/pkg/models"
)

const anthropicDefaultMaxTokens = 4096

// anthropicMessagesClient captures the subset of the Anthropic SDK used by
// the adapter, satisfied by *sdk.MessageService and by test fakes.
type anthropicMessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicRuntime adapts the Anthropic Messages API.
type AnthropicRuntime struct {
	name         string
	msg          anthropicMessagesClient
	defaultModel string
	maxTokens    int64
	convPrefix   string
	retry        retryPolicy
}

// AnthropicOptions configures the adapter.
type AnthropicOptions struct {
	Name                 string
	APIKey               string
	BaseURL              string
	DefaultModel         string
	MaxTokens            int64
	ConversationIDPrefix string
	MaxRetries           int
	RetryBaseDelay       time.Duration
}

// NewAnthropicRuntime builds the adapter from resolved provider configuration.
func NewAnthropicRuntime(opts AnthropicOptions) (*AnthropicRuntime, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: provider %s", ErrMissingAPIKey, opts.Name)
	}
	if opts.DefaultModel == "" {
		return nil, fmt.Errorf("default model is required for provider %s", opts.Name)
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := sdk.NewClient(clientOpts...)

	return &AnthropicRuntime{
		name:         opts.Name,
		msg:          &client.Messages,
		defaultModel: opts.DefaultModel,
		maxTokens:    maxTokens,
		convPrefix:   opts.ConversationIDPrefix,
		retry:        retryPolicy{maxRetries: opts.MaxRetries, baseDelay: opts.RetryBaseDelay},
	}, nil
}

func (r *AnthropicRuntime) Name() string { return r.name }

func (r *AnthropicRuntime) ConversationIDPrefix() string { return r.convPrefix }

// CreateConversation is unsupported; the Messages API is stateless and the
// session layer falls back to carrying history explicitly.
func (r *AnthropicRuntime) CreateConversation(_ context.Context, _ map[string]string) (string, error) {
	return "", ErrConversationCreationUnsupported
}

func (r *AnthropicRuntime) Run(ctx context.Context, input RunInput) (*RunResult, error) {
	params := r.buildParams(input)

	var msg *sdk.Message
	err := r.retry.do(ctx, anthropicRetryable, func() error {
		var callErr error
		msg, callErr = r.msg.New(ctx, params)
		return callErr
	})
	if err != nil {
		if anthropicRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	if msg == nil {
		return nil, fmt.Errorf("anthropic messages.new: nil response")
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	final := text.String()
	result := &RunResult{
		ResponseID: msg.ID,
		FinalText:  final,
		Usage:      anthropicUsage(msg.Usage),
		NewItems: []SessionItem{
			{Role: "user", Content: input.Message},
			{Role: "assistant", Content: final},
		},
	}
	if input.OutputSchema != nil {
		result.Structured = decodeStructured(final)
	}
	return result, nil
}

func (r *AnthropicRuntime) RunStream(ctx context.Context, input RunInput) (<-chan Event, error) {
	params := r.buildParams(input)

	stream := r.msg.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		if anthropicRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return nil, fmt.Errorf("anthropic messages.new stream: %w", err)
	}

	events := make(chan Event, 32)
	go r.pumpStream(ctx, stream, input, events)
	return events, nil
}

// pumpStream drains the SSE stream, emitting raw deltas followed by run
// items and exactly one terminal event.
func (r *AnthropicRuntime) pumpStream(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], input RunInput, events chan<- Event) {
	defer close(events)
	defer func() { _ = stream.Close() }()

	var (
		text       strings.Builder
		reasoning  strings.Builder
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

	for stream.Next() {
		if ctx.Err() != nil {
			emit(Event{Type: EventFailed, Err: ctx.Err(), ResponseID: responseID})
			return
		}
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			responseID = ev.Message.ID
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				text.WriteString(delta.Text)
				if !emit(Event{
					Type:       EventRawDelta,
					Delta:      delta.Text,
					RawType:    "content_block_delta",
					ResponseID: responseID,
				}) {
					return
				}
			case sdk.ThinkingDelta:
				if delta.Thinking == "" {
					continue
				}
				reasoning.WriteString(delta.Thinking)
				if !emit(Event{
					Type:           EventRawDelta,
					ReasoningDelta: delta.Thinking,
					RawType:        "content_block_delta",
					ResponseID:     responseID,
				}) {
					return
				}
			}
		case sdk.MessageDeltaEvent:
			usage = TokenUsage{
				InputTokens:       ev.Usage.InputTokens,
				OutputTokens:      ev.Usage.OutputTokens,
				CachedInputTokens: ev.Usage.CacheReadInputTokens,
			}
		case sdk.MessageStopEvent:
			// Terminal marker; the loop exits when Next returns false.
		}
	}
	if err := stream.Err(); err != nil {
		emit(Event{Type: EventFailed, Err: fmt.Errorf("anthropic stream: %w", err), ResponseID: responseID})
		return
	}

	usage.Requests = 1
	final := text.String()

	if thinking := reasoning.String(); thinking != "" {
		if !emit(Event{
			Type:       EventRunItem,
			ResponseID: responseID,
			Item: &RunItem{
				Type:      models.RunItemReasoning,
				Name:      "reasoning",
				Role:      "assistant",
				Reasoning: thinking,
			},
		}) {
			return
		}
	}
	if !emit(Event{
		Type:       EventRunItem,
		ResponseID: responseID,
		Item: &RunItem{
			Type: models.RunItemMessage,
			Name: "message_output",
			Role: "assistant",
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
			{Role: "user", Content: input.Message},
			{Role: "assistant", Content: final},
		},
	}
	if input.OutputSchema != nil {
		result.Structured = decodeStructured(final)
	}
	emit(Event{Type: EventCompleted, Result: result, ResponseID: responseID})
}

// buildParams assembles the Messages payload. System-role history lands in
// the system blocks; attachments are referenced as text because this adapter
// does not re-encode binary content.
func (r *AnthropicRuntime) buildParams(input RunInput) sdk.MessageNewParams {
	model := input.Model
	if model == "" {
		model = r.defaultModel
	}

	system := make([]sdk.TextBlockParam, 0, 2)
	if sys := systemPrompt(input); sys != "" {
		system = append(system, sdk.TextBlockParam{Text: sys})
	}

	conversation := make([]sdk.MessageParam, 0, len(input.History)+1)
	for _, item := range input.History {
		if item.Content == "" {
			continue
		}
		switch item.Role {
		case "system":
			system = append(system, sdk.TextBlockParam{Text: item.Content})
		case "assistant":
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(item.Content)))
		default:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(item.Content)))
		}
	}

	message := input.Message
	for _, item := range input.InputItems {
		ref := item.ImageURL
		if ref == "" {
			ref = item.FileURL
		}
		if ref == "" {
			continue
		}
		name := item.Filename
		if name == "" {
			name = "attachment"
		}
		message += fmt.Sprintf("\n\nAttachment %s: %s", name, ref)
	}
	conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(message)))

	params := sdk.MessageNewParams{
		MaxTokens: r.maxTokens,
		Messages:  conversation,
		Model:     sdk.Model(model),
	}
	if len(system) > 0 {
		params.System = system
	}
	return params
}

func anthropicUsage(u sdk.Usage) TokenUsage {
	return TokenUsage{
		Requests:          1,
		InputTokens:       u.InputTokens,
		OutputTokens:      u.OutputTokens,
		CachedInputTokens: u.CacheReadInputTokens,
	}
}

func anthropicRetryable(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return transientNetError(err)
}

func anthropicRateLimited(err error) bool {
	var apiErr *sdk.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == 429
}
