// Package provider defines the runtime port for LLM providers and its
// adapters. A Runtime executes one agent turn (blocking or streaming)
// against a concrete backend; the registry maps configured provider keys to
// runtimes. Adapters normalize backend events into provider.Event values
// consumed by the stream processor.
package provider

import (
	"encoding/json"

	"github.com/arion-ai/arion/pkg/models"
)

// TokenUsage is the per-call token accounting reported by a runtime.
type TokenUsage struct {
	Requests              int   `json:"requests"`
	InputTokens           int64 `json:"input_tokens"`
	OutputTokens          int64 `json:"output_tokens"`
	CachedInputTokens     int64 `json:"cached_input_tokens"`
	ReasoningOutputTokens int64 `json:"reasoning_output_tokens"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Requests += other.Requests
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CachedInputTokens += other.CachedInputTokens
	u.ReasoningOutputTokens += other.ReasoningOutputTokens
}

// SessionItem is one unit of conversation history exchanged with a runtime.
// Items round-trip through the session store between turns.
type SessionItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// Kind distinguishes synthetic items (memory summaries) from organic
	// messages; empty means a plain message.
	Kind string `json:"kind,omitempty"`
}

// SummaryItemKind marks a synthetic item produced by memory compaction.
const SummaryItemKind = "memory_summary"

// InputItem is a provider-native input attachment descriptor resolved by the
// attachment ingestor (presigned image URLs and the like).
type InputItem struct {
	Type     string `json:"type"`
	ImageURL string `json:"image_url,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// RunItem is a completed, normalized unit of provider output.
type RunItem struct {
	Type       models.RunItemType `json:"type"`
	Name       string             `json:"name,omitempty"`
	Role       string             `json:"role,omitempty"`
	Text       string             `json:"text,omitempty"`
	Reasoning  string             `json:"reasoning,omitempty"`
	ToolCallID string             `json:"tool_call_id,omitempty"`
	ToolName   string             `json:"tool_name,omitempty"`
	Arguments  json.RawMessage    `json:"arguments,omitempty"`
	Output     json.RawMessage    `json:"output,omitempty"`

	// Image generation results carry decoded bytes for the ingestor.
	ImageData []byte `json:"-"`
	ImageMime string `json:"image_mime,omitempty"`

	// Container file citations for code-interpreter artifacts.
	ContainerFileIDs []string `json:"container_file_ids,omitempty"`
}

// RunInput is everything a runtime needs for one agent turn.
type RunInput struct {
	AgentKey     string
	Model        string
	Instructions string

	Message    string
	InputItems []InputItem
	History    []SessionItem

	ProviderConversationID string
	SessionID              string

	MaxTurns     int
	OutputSchema map[string]any

	Metadata map[string]string
}

// RunResult is the terminal outcome of a successful turn.
type RunResult struct {
	ResponseID string
	FinalText  string
	Structured map[string]any
	Usage      TokenUsage

	// NewItems are the history items the turn produced, for session sync.
	NewItems []SessionItem
}
