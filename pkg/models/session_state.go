package models

import "time"

// ConversationSessionState maps (tenant, conversation) to provider-side
// handles. ProviderConversationID is the opaque id minted by the provider;
// SDKSessionID identifies the session container accumulating items across
// calls. Updated unconditionally after every run.
type ConversationSessionState struct {
	ConversationID         string     `db:"conversation_id" json:"conversation_id"`
	TenantID               string     `db:"tenant_id" json:"tenant_id"`
	Provider               string     `db:"provider" json:"provider"`
	ProviderConversationID *string    `db:"provider_conversation_id" json:"provider_conversation_id,omitempty"`
	SDKSessionID           string     `db:"sdk_session_id" json:"sdk_session_id"`
	SessionCursor          *string    `db:"session_cursor" json:"session_cursor,omitempty"`
	SummaryText            *string    `db:"summary_text" json:"summary_text,omitempty"`
	SummaryModel           *string    `db:"summary_model" json:"summary_model,omitempty"`
	SummaryVersion         int        `db:"summary_version" json:"summary_version"`
	SummaryTokens          *int       `db:"summary_tokens" json:"summary_tokens,omitempty"`
	LastSessionSyncAt      *time.Time `db:"last_session_sync_at" json:"last_session_sync_at,omitempty"`
}

// Attachment describes a stored object attached to a message or frame.
// ToolCallID and ContainerFileID drive deduplication for generated artifacts.
type Attachment struct {
	ObjectID        string `json:"object_id"`
	Filename        string `json:"filename"`
	MimeType        string `json:"mime_type"`
	SizeBytes       int64  `json:"size_bytes"`
	ToolCallID      string `json:"tool_call_id,omitempty"`
	ContainerFileID string `json:"container_file_id,omitempty"`
	PresignedURL    string `json:"presigned_url,omitempty"`
}

// Asset is the best-effort tenant catalog record for an ingested attachment.
type Asset struct {
	ID        string    `db:"id" json:"id"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	ObjectID  string    `db:"object_id" json:"object_id"`
	Filename  string    `db:"filename" json:"filename"`
	MimeType  string    `db:"mime_type" json:"mime_type"`
	SizeBytes int64     `db:"size_bytes" json:"size_bytes"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
