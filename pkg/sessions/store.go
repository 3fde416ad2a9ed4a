package sessions

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"

	"github.com/arion-ai/arion/pkg/database"
	"github.com/arion-ai/arion/pkg/models"
)

// SQLStateStore persists session state in conversation_session_state.
type SQLStateStore struct {
	db *database.Client
}

func NewSQLStateStore(db *database.Client) *SQLStateStore {
	return &SQLStateStore{db: db}
}

func (s *SQLStateStore) Get(ctx context.Context, tenantID, conversationID string) (*models.ConversationSessionState, error) {
	var state models.ConversationSessionState
	err := s.db.GetContext(ctx, &state, `
		SELECT conversation_id, tenant_id, provider, provider_conversation_id,
		       sdk_session_id, session_cursor, summary_text, summary_model,
		       summary_version, summary_tokens, last_session_sync_at
		FROM conversation_session_state
		WHERE tenant_id = $1 AND conversation_id = $2`,
		tenantID, conversationID)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session state: %w", err)
	}
	return &state, nil
}

// Upsert writes binding columns only; summary state is owned by
// UpsertSummary and survives rebinds.
func (s *SQLStateStore) Upsert(ctx context.Context, state *models.ConversationSessionState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_session_state (
			conversation_id, tenant_id, provider, provider_conversation_id,
			sdk_session_id, last_session_sync_at
		) VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (conversation_id) DO UPDATE SET
			provider                 = EXCLUDED.provider,
			provider_conversation_id = EXCLUDED.provider_conversation_id,
			sdk_session_id           = EXCLUDED.sdk_session_id,
			last_session_sync_at     = NOW()`,
		state.ConversationID, state.TenantID, state.Provider,
		state.ProviderConversationID, state.SDKSessionID)
	if err != nil {
		return fmt.Errorf("failed to upsert session state: %w", err)
	}
	return nil
}

func (s *SQLStateStore) UpsertSummary(ctx context.Context, state *models.ConversationSessionState, summary Summary) (int, error) {
	var tokens *int
	if summary.Tokens > 0 {
		tokens = &summary.Tokens
	}
	var version int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO conversation_session_state (
			conversation_id, tenant_id, provider, sdk_session_id,
			summary_text, summary_model, summary_tokens, summary_version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		ON CONFLICT (conversation_id) DO UPDATE SET
			summary_text    = EXCLUDED.summary_text,
			summary_model   = EXCLUDED.summary_model,
			summary_tokens  = EXCLUDED.summary_tokens,
			summary_version = conversation_session_state.summary_version + 1
		RETURNING summary_version`,
		state.ConversationID, state.TenantID, state.Provider, state.SDKSessionID,
		summary.Text, summary.Model, tokens).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to persist summary: %w", err)
	}
	return version, nil
}
