package services

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/arion-ai/arion/pkg/database"
	"github.com/arion-ai/arion/pkg/models"
	"github.com/arion-ai/arion/pkg/provider"
)

// ConversationService owns the durable conversation record: the conversation
// row itself, its segment chain, the user-facing message history, and the
// internal run-item audit log. All reads are tenant-scoped; a conversation
// owned by another tenant is indistinguishable from one that does not exist.
type ConversationService struct {
	db *database.Client
}

// NewConversationService creates a new ConversationService
func NewConversationService(db *database.Client) *ConversationService {
	return &ConversationService{db: db}
}

// Ensure resolves a conversation key to its conversation, creating the row
// and its first segment on first use. The id is derived deterministically
// from (tenant, key), so concurrent first messages converge on one row.
// Returns the conversation and whether this call created it.
func (s *ConversationService) Ensure(httpCtx context.Context, tenantID, key, entrypoint string) (*models.Conversation, bool, error) {
	if key == "" {
		return nil, false, NewValidationError("conversation_key", "required")
	}
	if entrypoint == "" {
		return nil, false, NewValidationError("agent", "required")
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	id := models.ConversationIDForKey(tenantID, key)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, tenant_id, conversation_key, agent_entrypoint, active_agent)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO NOTHING`, id, tenantID, key, entrypoint)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create conversation: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read conversation insert result: %w", err)
	}
	created := inserted > 0

	if created {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_segments (id, conversation_id, segment_index)
			VALUES ($1, $2, 0)`, uuid.New().String(), id); err != nil {
			return nil, false, fmt.Errorf("failed to create initial segment: %w", err)
		}
	}

	var conv models.Conversation
	if err := tx.GetContext(ctx, &conv, `
		SELECT * FROM conversations WHERE id = $1 AND tenant_id = $2`, id, tenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The id existed but under another tenant: a key collision
			// across the derivation namespace. Impossible with UUIDv5
			// inputs scoped by tenant, so treat as not found.
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("failed to load conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit conversation: %w", err)
	}
	return &conv, created, nil
}

// Get fetches a conversation by id, scoped to the tenant.
func (s *ConversationService) Get(httpCtx context.Context, tenantID, conversationID string) (*models.Conversation, error) {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	var conv models.Conversation
	err := s.db.GetContext(ctx, &conv, `
		SELECT * FROM conversations WHERE id = $1 AND tenant_id = $2`,
		conversationID, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

// ListQuery filters and pages the conversation list. Paging is keyset over
// (updated_at DESC, id DESC); Cursor comes from a prior page's NextCursor.
type ListQuery struct {
	AgentEntrypoint string
	UpdatedAfter    *time.Time
	Search          string
	Limit           int
	Cursor          string
}

// ListPage is one page of conversations plus the cursor for the next.
type ListPage struct {
	Conversations []*models.Conversation `json:"conversations"`
	NextCursor    string                 `json:"next_cursor,omitempty"`
}

// listCursor is the keyset position serialized into an opaque cursor.
type listCursor struct {
	UpdatedAt time.Time `json:"u"`
	ID        string    `json:"i"`
}

func encodeListCursor(c listCursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeListCursor(s string) (listCursor, error) {
	var c listCursor
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, NewValidationError("cursor", "malformed cursor")
	}
	if err := json.Unmarshal(raw, &c); err != nil || c.ID == "" {
		return c, NewValidationError("cursor", "malformed cursor")
	}
	return c, nil
}

// List returns recently updated conversations, newest first. Search matches
// substrings of the conversation key or agent entrypoint.
func (s *ConversationService) List(httpCtx context.Context, tenantID string, q ListQuery) (*ListPage, error) {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 50
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	query := `SELECT * FROM conversations WHERE tenant_id = $1`
	args := []any{tenantID}

	if q.AgentEntrypoint != "" {
		args = append(args, q.AgentEntrypoint)
		query += fmt.Sprintf(" AND agent_entrypoint = $%d", len(args))
	}
	if q.UpdatedAfter != nil {
		args = append(args, *q.UpdatedAfter)
		query += fmt.Sprintf(" AND updated_at > $%d", len(args))
	}
	if q.Search != "" {
		args = append(args, "%"+q.Search+"%")
		query += fmt.Sprintf(" AND (conversation_key ILIKE $%d OR agent_entrypoint ILIKE $%d)", len(args), len(args))
	}
	if q.Cursor != "" {
		cur, err := decodeListCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		args = append(args, cur.UpdatedAt, cur.ID)
		query += fmt.Sprintf(" AND (updated_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}

	// Fetch one past the page to learn whether a next page exists.
	args = append(args, q.Limit+1)
	query += fmt.Sprintf(" ORDER BY updated_at DESC, id DESC LIMIT $%d", len(args))

	conversations := []*models.Conversation{}
	if err := s.db.SelectContext(ctx, &conversations, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	page := &ListPage{Conversations: conversations}
	if len(conversations) > q.Limit {
		page.Conversations = conversations[:q.Limit]
		last := page.Conversations[q.Limit-1]
		page.NextCursor = encodeListCursor(listCursor{UpdatedAt: last.UpdatedAt, ID: last.ID})
	}
	return page, nil
}

// History returns the user-facing messages of the active segment, in position
// order. Truncated segments never surface here.
func (s *ConversationService) History(httpCtx context.Context, tenantID, conversationID string) ([]*models.ConversationMessage, error) {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	if _, err := s.Get(ctx, tenantID, conversationID); err != nil {
		return nil, err
	}

	messages := []*models.ConversationMessage{}
	err := s.db.SelectContext(ctx, &messages, `
		SELECT m.* FROM conversation_messages m
		JOIN conversation_segments s ON s.id = m.segment_id
		WHERE m.conversation_id = $1 AND s.truncated_at IS NULL
		ORDER BY m.position`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return messages, nil
}

// Turn is one completed exchange to append to the history: the user message
// and the assistant's final text, with any attachments either side carried.
type Turn struct {
	Agent                string
	UserContent          string
	UserAttachments      models.JSONB
	AssistantContent     string
	AssistantAttachments models.JSONB
	InputTokens          int64
	OutputTokens         int64
}

// AppendTurn records a completed exchange in the active segment and bumps the
// conversation counters. Positions are dense per conversation; the unique
// constraint on (conversation_id, position) rejects concurrent writers, which
// the per-conversation ledger serialization upstream already prevents.
func (s *ConversationService) AppendTurn(httpCtx context.Context, conversationID string, turn Turn) error {
	ctx, cancel := context.WithTimeout(httpCtx, 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	segmentID, err := activeSegmentID(ctx, tx, conversationID)
	if err != nil {
		return err
	}

	var next int
	if err := tx.GetContext(ctx, &next, `
		SELECT COALESCE(MAX(position), -1) + 1 FROM conversation_messages
		WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("failed to read next position: %w", err)
	}

	const insert = `
		INSERT INTO conversation_messages (id, conversation_id, segment_id, position, role, content, attachments)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := tx.ExecContext(ctx, insert,
		uuid.New().String(), conversationID, segmentID, next,
		string(models.MessageRoleUser), turn.UserContent, turn.UserAttachments); err != nil {
		return fmt.Errorf("failed to append user message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insert,
		uuid.New().String(), conversationID, segmentID, next+1,
		string(models.MessageRoleAssistant), turn.AssistantContent, turn.AssistantAttachments); err != nil {
		return fmt.Errorf("failed to append assistant message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET message_count = message_count + 2,
		    active_agent  = COALESCE(NULLIF($1, ''), active_agent),
		    updated_at    = now()
		WHERE id = $2`, turn.Agent, conversationID); err != nil {
		return fmt.Errorf("failed to update conversation counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turn: %w", err)
	}
	return nil
}

// activeSegmentID returns the id of the conversation's open segment.
func activeSegmentID(ctx context.Context, tx *sqlx.Tx, conversationID string) (string, error) {
	var segmentID string
	err := tx.GetContext(ctx, &segmentID, `
		SELECT id FROM conversation_segments
		WHERE conversation_id = $1 AND truncated_at IS NULL
		ORDER BY segment_index DESC LIMIT 1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find active segment: %w", err)
	}
	return segmentID, nil
}

// ProjectedItem pairs a normalized run item with the attachment metadata its
// ingestion produced.
type ProjectedItem struct {
	Item        *provider.RunItem
	Attachments models.JSONB
}

// ProjectRunItems appends normalized run items to the conversation's internal
// audit log. Sequence numbers are dense per conversation; the composite
// unique constraint makes re-projection of the same response a no-op.
func (s *ConversationService) ProjectRunItems(httpCtx context.Context, conversationID, agent, model, responseID string, items []ProjectedItem) error {
	if len(items) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(httpCtx, 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int64
	if err := tx.GetContext(ctx, &next, `
		SELECT COALESCE(MAX(sequence_no), 0) + 1 FROM conversation_events
		WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("failed to read next sequence: %w", err)
	}

	for _, pi := range items {
		item := pi.Item
		if item == nil {
			continue
		}
		var contentText, reasoningText *string
		if item.Text != "" {
			contentText = &item.Text
		}
		if item.Reasoning != "" {
			reasoningText = &item.Reasoning
		}
		var callArgs, callOutput models.JSONB
		if len(item.Arguments) > 0 {
			callArgs = models.JSONB(item.Arguments)
		}
		if len(item.Output) > 0 {
			callOutput = models.JSONB(item.Output)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_events (
				conversation_id, sequence_no, response_id, run_item_type,
				run_item_name, role, agent, tool_call_id, tool_name, model,
				content_text, reasoning_text, call_arguments, call_output, attachments
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (conversation_id, response_id, sequence_no, tool_call_id, run_item_name)
			DO NOTHING`,
			conversationID, next, responseID, string(item.Type),
			item.Name, item.Role, agent, item.ToolCallID, item.ToolName, model,
			contentText, reasoningText, callArgs, callOutput, pi.Attachments); err != nil {
			return fmt.Errorf("failed to project run item: %w", err)
		}
		next++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run item projection: %w", err)
	}
	return nil
}

// ListEvents pages the internal audit log in sequence order.
func (s *ConversationService) ListEvents(httpCtx context.Context, tenantID, conversationID string, afterSequence int64, limit int) ([]*models.ConversationEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	if _, err := s.Get(ctx, tenantID, conversationID); err != nil {
		return nil, err
	}

	events := []*models.ConversationEvent{}
	err := s.db.SelectContext(ctx, &events, `
		SELECT * FROM conversation_events
		WHERE conversation_id = $1 AND sequence_no > $2
		ORDER BY sequence_no
		LIMIT $3`, conversationID, afterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation events: %w", err)
	}
	return events, nil
}

// Truncate closes the active segment and opens a fresh one, hiding prior
// history and recorded frames from user-facing reads without deleting rows.
// The visibility watermarks pin what the closed segment covered. Runs
// serializable with a bounded retry so two concurrent truncations cannot
// both close the same segment.
func (s *ConversationService) Truncate(httpCtx context.Context, tenantID, conversationID string) (*models.ConversationSegment, error) {
	ctx, cancel := context.WithTimeout(httpCtx, 10*time.Second)
	defer cancel()

	if _, err := s.Get(ctx, tenantID, conversationID); err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		seg, err := s.truncateOnce(ctx, conversationID)
		if err == nil || attempt >= 2 || !isSerializationFailure(err) {
			return seg, err
		}
	}
}

func (s *ConversationService) truncateOnce(ctx context.Context, conversationID string) (*models.ConversationSegment, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current models.ConversationSegment
	err = tx.GetContext(ctx, &current, `
		SELECT * FROM conversation_segments
		WHERE conversation_id = $1 AND truncated_at IS NULL
		ORDER BY segment_index DESC LIMIT 1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active segment: %w", err)
	}

	var lastPosition *int
	if err := tx.GetContext(ctx, &lastPosition, `
		SELECT MAX(position) FROM conversation_messages WHERE conversation_id = $1`,
		conversationID); err != nil {
		return nil, fmt.Errorf("failed to read message watermark: %w", err)
	}
	var lastEventID *int64
	if err := tx.GetContext(ctx, &lastEventID, `
		SELECT MAX(event_id) FROM ledger_events WHERE conversation_id = $1`,
		conversationID); err != nil {
		return nil, fmt.Errorf("failed to read ledger watermark: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversation_segments
		SET truncated_at = now(),
		    visible_through_message_position = $1,
		    visible_through_event_id = $2
		WHERE id = $3`, lastPosition, lastEventID, current.ID); err != nil {
		return nil, fmt.Errorf("failed to close segment: %w", err)
	}

	var next models.ConversationSegment
	if err := tx.GetContext(ctx, &next, `
		INSERT INTO conversation_segments (id, conversation_id, segment_index, parent_segment_id)
		VALUES ($1, $2, $3, $4)
		RETURNING *`, uuid.New().String(), conversationID, current.SegmentIndex+1, current.ID); err != nil {
		return nil, fmt.Errorf("failed to open new segment: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = now() WHERE id = $1`, conversationID); err != nil {
		return nil, fmt.Errorf("failed to touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit truncation: %w", err)
	}
	return &next, nil
}
