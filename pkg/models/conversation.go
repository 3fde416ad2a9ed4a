package models

import (
	"time"

	"github.com/google/uuid"
)

// conversationNamespace seeds the deterministic UUID derivation for
// conversation keys. Changing it would re-key every conversation.
var conversationNamespace = uuid.MustParse("9a1c3f42-7e65-4a8d-b1f0-5c2d8e94a6b3")

// ConversationIDForKey derives the canonical conversation UUID from an
// externally supplied key. The derivation is stable: the same key always maps
// to the same UUID, so clients may pass opaque identifiers of their choosing.
func ConversationIDForKey(tenantID, key string) string {
	return uuid.NewSHA1(conversationNamespace, []byte(tenantID+"/"+key)).String()
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
)

// Conversation is the per-tenant unit of dialogue. Its id is derived from
// conversation_key; the key is preserved for display, the UUID is canonical.
type Conversation struct {
	ID                string             `db:"id" json:"id"`
	TenantID          string             `db:"tenant_id" json:"tenant_id"`
	ConversationKey   string             `db:"conversation_key" json:"conversation_key"`
	AgentEntrypoint   string             `db:"agent_entrypoint" json:"agent_entrypoint"`
	ActiveAgent       string             `db:"active_agent" json:"active_agent"`
	Status            ConversationStatus `db:"status" json:"status"`
	MessageCount      int                `db:"message_count" json:"message_count"`
	TotalInputTokens  int64              `db:"total_input_tokens" json:"total_input_tokens"`
	TotalOutputTokens int64              `db:"total_output_tokens" json:"total_output_tokens"`
	CreatedAt         time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time          `db:"updated_at" json:"updated_at"`
}

// ConversationSegment is a contiguous run of messages. Exactly one segment per
// conversation is active (truncated_at null); truncation closes the active
// segment and opens a new one in the same transaction, hiding prior messages
// from user-facing history without deleting them.
type ConversationSegment struct {
	ID                            string     `db:"id" json:"id"`
	ConversationID                string     `db:"conversation_id" json:"conversation_id"`
	SegmentIndex                  int        `db:"segment_index" json:"segment_index"`
	ParentSegmentID               *string    `db:"parent_segment_id" json:"parent_segment_id,omitempty"`
	VisibleThroughEventID         *int64     `db:"visible_through_event_id" json:"visible_through_event_id,omitempty"`
	VisibleThroughMessagePosition *int       `db:"visible_through_message_position" json:"visible_through_message_position,omitempty"`
	TruncatedAt                   *time.Time `db:"truncated_at" json:"truncated_at,omitempty"`
	CreatedAt                     time.Time  `db:"created_at" json:"created_at"`
}

// MessageRole is the author of a conversation message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// ConversationMessage is one turn of user-facing history. Position is dense
// within (conversation_id, segment_id).
type ConversationMessage struct {
	ID             string      `db:"id" json:"id"`
	ConversationID string      `db:"conversation_id" json:"conversation_id"`
	SegmentID      string      `db:"segment_id" json:"segment_id"`
	Position       int         `db:"position" json:"position"`
	Role           MessageRole `db:"role" json:"role"`
	Content        string      `db:"content" json:"content"`
	Attachments    JSONB       `db:"attachments" json:"attachments,omitempty"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
}
