package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arion-ai/arion/pkg/models"
)

// ScriptedRuntime is a deterministic in-process runtime for tests and local
// development. Responses are enqueued per agent key and consumed in order;
// agents without a queued script echo the request message.
type ScriptedRuntime struct {
	name       string
	convPrefix string

	mu      sync.Mutex
	scripts map[string][]ScriptedResponse
	inputs  []RunInput
}

// ScriptedResponse describes one turn the runtime will play back.
type ScriptedResponse struct {
	FinalText  string
	Structured map[string]any
	Reasoning  string
	ToolCalls  []ScriptedToolCall
	HandoffTo  string
	Usage      *TokenUsage
	Err        error
	Delay      time.Duration
}

// ScriptedToolCall yields a tool_call run item followed by its tool_output.
type ScriptedToolCall struct {
	Name      string
	Arguments string
	Output    string
}

func NewScriptedRuntime(name, convPrefix string) *ScriptedRuntime {
	return &ScriptedRuntime{
		name:       name,
		convPrefix: convPrefix,
		scripts:    make(map[string][]ScriptedResponse),
	}
}

// Enqueue appends a response to the agent's script.
func (r *ScriptedRuntime) Enqueue(agentKey string, resp ScriptedResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[agentKey] = append(r.scripts[agentKey], resp)
}

func (r *ScriptedRuntime) Name() string { return r.name }

func (r *ScriptedRuntime) ConversationIDPrefix() string { return r.convPrefix }

// CreateConversation mints an id carrying the configured prefix so session
// binding can verify provider-issued ids.
func (r *ScriptedRuntime) CreateConversation(_ context.Context, _ map[string]string) (string, error) {
	return r.convPrefix + uuid.NewString(), nil
}

// LastInput returns the most recent run input the runtime received, so tests
// can assert what crossed the provider boundary.
func (r *ScriptedRuntime) LastInput() (RunInput, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.inputs) == 0 {
		return RunInput{}, false
	}
	return r.inputs[len(r.inputs)-1], true
}

func (r *ScriptedRuntime) next(input RunInput) ScriptedResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = append(r.inputs, input)
	agentKey, message := input.AgentKey, input.Message
	queue := r.scripts[agentKey]
	if len(queue) == 0 {
		return ScriptedResponse{FinalText: "echo: " + message}
	}
	resp := queue[0]
	r.scripts[agentKey] = queue[1:]
	return resp
}

func (r *ScriptedRuntime) Run(ctx context.Context, input RunInput) (*RunResult, error) {
	resp := r.next(input)
	if resp.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(resp.Delay):
		}
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return scriptedResult(input, resp), nil
}

func (r *ScriptedRuntime) RunStream(ctx context.Context, input RunInput) (<-chan Event, error) {
	resp := r.next(input)
	events := make(chan Event, 32)
	go r.play(ctx, input, resp, events)
	return events, nil
}

// play emits the scripted turn as a realistic event sequence: agent update,
// raw deltas, tool and reasoning items, the final message item, then exactly
// one terminal event.
func (r *ScriptedRuntime) play(ctx context.Context, input RunInput, resp ScriptedResponse, events chan<- Event) {
	defer close(events)

	responseID := "resp_" + uuid.NewString()

	emit := func(ev Event) bool {
		ev.ResponseID = responseID
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if resp.Delay > 0 {
		select {
		case <-ctx.Done():
			emit(Event{Type: EventFailed, Err: ctx.Err()})
			return
		case <-time.After(resp.Delay):
		}
	}
	if resp.Err != nil {
		emit(Event{Type: EventFailed, Err: resp.Err})
		return
	}

	if !emit(Event{Type: EventAgentUpdate, NewAgent: input.AgentKey, NewAgentDisplay: input.AgentKey}) {
		return
	}
	if !emit(Event{Type: EventLifecycle, LifecycleKind: "run_started"}) {
		return
	}

	for _, call := range resp.ToolCalls {
		callID := "call_" + uuid.NewString()
		if !emit(Event{Type: EventLifecycle, LifecycleKind: "tool_start", LifecycleData: map[string]any{"tool": call.Name}}) {
			return
		}
		if !emit(Event{Type: EventRunItem, Item: &RunItem{
			Type:       models.RunItemToolCall,
			Name:       "tool_called",
			Role:       "assistant",
			ToolCallID: callID,
			ToolName:   call.Name,
			Arguments:  json.RawMessage(call.Arguments),
		}}) {
			return
		}
		if !emit(Event{Type: EventRunItem, Item: &RunItem{
			Type:       models.RunItemToolOutput,
			Name:       "tool_output",
			Role:       "tool",
			ToolCallID: callID,
			ToolName:   call.Name,
			Output:     json.RawMessage(call.Output),
		}}) {
			return
		}
		if !emit(Event{Type: EventLifecycle, LifecycleKind: "tool_end", LifecycleData: map[string]any{"tool": call.Name}}) {
			return
		}
	}

	if resp.Reasoning != "" {
		if !emit(Event{Type: EventRunItem, Item: &RunItem{
			Type:      models.RunItemReasoning,
			Name:      "reasoning",
			Role:      "assistant",
			Reasoning: resp.Reasoning,
		}}) {
			return
		}
	}

	if resp.HandoffTo != "" {
		if !emit(Event{Type: EventRunItem, Item: &RunItem{
			Type: models.RunItemHandoff,
			Name: "handoff_output",
			Role: "assistant",
			Text: fmt.Sprintf("handoff to %s", resp.HandoffTo),
		}}) {
			return
		}
		if !emit(Event{Type: EventAgentUpdate, NewAgent: resp.HandoffTo, NewAgentDisplay: resp.HandoffTo}) {
			return
		}
	}

	result := scriptedResult(input, resp)
	for _, delta := range splitDeltas(result.FinalText, 16) {
		if !emit(Event{Type: EventRawDelta, Delta: delta, RawType: "response.output_text.delta"}) {
			return
		}
	}

	if !emit(Event{Type: EventRunItem, Item: &RunItem{
		Type: models.RunItemMessage,
		Name: "message_output",
		Role: "assistant",
		Text: result.FinalText,
	}}) {
		return
	}
	result.ResponseID = responseID
	emit(Event{Type: EventCompleted, Result: result})
}

func scriptedResult(input RunInput, resp ScriptedResponse) *RunResult {
	final := resp.FinalText
	if final == "" && resp.Structured == nil {
		final = "echo: " + input.Message
	}

	usage := TokenUsage{
		Requests:     1,
		InputTokens:  int64(len(input.Message)),
		OutputTokens: int64(len(final)),
	}
	if resp.Usage != nil {
		usage = *resp.Usage
	}

	structured := resp.Structured
	if structured == nil && input.OutputSchema != nil {
		structured = decodeStructured(final)
	}
	if structured != nil && final == "" {
		if data, err := json.Marshal(structured); err == nil {
			final = string(data)
		}
	}

	return &RunResult{
		ResponseID: "resp_" + uuid.NewString(),
		FinalText:  final,
		Structured: structured,
		Usage:      usage,
		NewItems: []SessionItem{
			{Role: "user", Content: input.Message},
			{Role: "assistant", Content: final},
		},
	}
}

// splitDeltas chops text into chunks so streams exercise multi-delta paths.
func splitDeltas(text string, size int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	chunks := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
