package models

import "time"

// RunItemType classifies a normalized unit of provider output.
type RunItemType string

const (
	RunItemMessage    RunItemType = "message"
	RunItemToolCall   RunItemType = "tool_call"
	RunItemToolOutput RunItemType = "tool_output"
	RunItemReasoning  RunItemType = "reasoning"
	RunItemImage      RunItemType = "image"
	RunItemHandoff    RunItemType = "handoff"
)

// ConversationEvent is the internal audit log of provider run items.
// SequenceNo is dense per conversation; the composite uniqueness constraint
// over (conversation_id, response_id, sequence_no, tool_call_id,
// run_item_name) makes projection idempotent.
type ConversationEvent struct {
	ID             int64       `db:"id" json:"id"`
	ConversationID string      `db:"conversation_id" json:"conversation_id"`
	SequenceNo     int64       `db:"sequence_no" json:"sequence_no"`
	ResponseID     string      `db:"response_id" json:"response_id"`
	RunItemType    RunItemType `db:"run_item_type" json:"run_item_type"`
	RunItemName    string      `db:"run_item_name" json:"run_item_name"`
	Role           string      `db:"role" json:"role"`
	Agent          string      `db:"agent" json:"agent"`
	ToolCallID     string      `db:"tool_call_id" json:"tool_call_id,omitempty"`
	ToolName       string      `db:"tool_name" json:"tool_name,omitempty"`
	Model          string      `db:"model" json:"model,omitempty"`
	ContentText    *string     `db:"content_text" json:"content_text,omitempty"`
	ReasoningText  *string     `db:"reasoning_text" json:"reasoning_text,omitempty"`
	CallArguments  JSONB       `db:"call_arguments" json:"call_arguments,omitempty"`
	CallOutput     JSONB       `db:"call_output" json:"call_output,omitempty"`
	Attachments    JSONB       `db:"attachments" json:"attachments,omitempty"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
}

// LedgerEvent is one recorded public SSE frame. Exactly one of PayloadInline
// or PayloadObjectRef is set; frames above the inline threshold are gzipped
// and spilled to the object store with a sha256 checksum.
type LedgerEvent struct {
	ID               int64     `db:"id" json:"-"`
	ConversationID   string    `db:"conversation_id" json:"conversation_id"`
	TenantID         string    `db:"tenant_id" json:"tenant_id"`
	EventID          int64     `db:"event_id" json:"event_id"`
	StreamID         string    `db:"stream_id" json:"stream_id"`
	WorkflowRunID    *string   `db:"workflow_run_id" json:"workflow_run_id,omitempty"`
	Kind             string    `db:"kind" json:"kind"`
	PayloadInline    JSONB     `db:"payload_inline" json:"payload_inline,omitempty"`
	PayloadObjectRef *string   `db:"payload_object_ref" json:"payload_object_ref,omitempty"`
	PayloadSHA256    *string   `db:"payload_sha256" json:"payload_sha256,omitempty"`
	PayloadSizeBytes int64     `db:"payload_size_bytes" json:"payload_size_bytes"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// Spilled reports whether the payload lives in the object store.
func (e *LedgerEvent) Spilled() bool {
	return e.PayloadObjectRef != nil && *e.PayloadObjectRef != ""
}
