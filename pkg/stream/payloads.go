package stream

import (
	"bytes"
	"encoding/json"

	"github.com/arion-ai/arion/pkg/guardrails"
	"github.com/arion-ai/arion/pkg/models"
	"github.com/arion-ai/arion/pkg/provider"
)

// Frame payloads are built from plain JSON values (maps, slices, strings,
// numbers, bools) rather than structs. The frame marshaler sorts map keys at
// every level, so a payload assembled here re-serializes byte-identically
// after a decode round trip; struct field order would not.

// rawToAny decodes provider-supplied raw JSON into plain values. Numbers
// stay json.Number so digits survive re-encoding. Content that is not valid
// JSON (redacted tool output can lose its structure) is carried as a string.
func rawToAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return string(raw)
	}
	return v
}

func rawDeltaPayload(ev provider.Event) map[string]any {
	m := map[string]any{}
	if ev.Delta != "" {
		m["text_delta"] = ev.Delta
	}
	if ev.ReasoningDelta != "" {
		m["reasoning_delta"] = ev.ReasoningDelta
	}
	if ev.RawType != "" {
		m["raw_type"] = ev.RawType
	}
	return m
}

func runItemPayload(item *provider.RunItem) map[string]any {
	m := map[string]any{
		"item_type": string(item.Type),
	}
	if item.Name != "" {
		m["name"] = item.Name
	}
	if item.Role != "" {
		m["role"] = item.Role
	}
	if item.Text != "" {
		m["response_text"] = item.Text
	}
	if item.Reasoning != "" {
		m["reasoning"] = item.Reasoning
	}
	if item.Type == models.RunItemToolCall || item.Type == models.RunItemToolOutput {
		tc := map[string]any{}
		if item.ToolCallID != "" {
			tc["tool_call_id"] = item.ToolCallID
		}
		if item.ToolName != "" {
			tc["tool_name"] = item.ToolName
		}
		if v := rawToAny(item.Arguments); v != nil {
			tc["arguments"] = v
		}
		if v := rawToAny(item.Output); v != nil {
			tc["output"] = v
		}
		if len(tc) > 0 {
			m["tool_call"] = tc
		}
	}
	if len(item.ContainerFileIDs) > 0 {
		m["annotations"] = map[string]any{
			"container_file_ids": item.ContainerFileIDs,
		}
	}
	return m
}

func guardrailPayload(r guardrails.Result) map[string]any {
	m := map[string]any{
		"guardrail_key":                r.Key,
		"guardrail_stage":              string(r.Stage),
		"guardrail_tripwire_triggered": r.TripwireTriggered,
		"guardrail_suppressed":         r.Suppressed,
	}
	if r.Confidence != 0 {
		m["confidence"] = r.Confidence
	}
	if r.TokenUsage != nil {
		m["guardrail_token_usage"] = usagePayload(*r.TokenUsage)
	}
	if len(r.Info) > 0 {
		m["info"] = r.Info
	}
	return m
}

func usagePayload(u provider.TokenUsage) map[string]any {
	return map[string]any{
		"requests":                u.Requests,
		"input_tokens":            u.InputTokens,
		"output_tokens":           u.OutputTokens,
		"cached_input_tokens":     u.CachedInputTokens,
		"reasoning_output_tokens": u.ReasoningOutputTokens,
	}
}
