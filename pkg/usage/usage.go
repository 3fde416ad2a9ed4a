// Package usage meters provider consumption. The Recorder ingests one
// attribution row per completed response and rolls it into additive period
// counters; the Gate reads those counters to enforce plan limits before any
// provider work starts.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/arion-ai/arion/pkg/database"
	"github.com/arion-ai/arion/pkg/models"
)

// Recorder persists run usage and the periodic counters derived from it.
// Everything for one record happens in a single transaction guarded by the
// idempotency key, so re-ingesting the same response is a complete no-op:
// either all counters move exactly once or none do.
type Recorder struct {
	db *database.Client
}

// NewRecorder creates a usage recorder backed by the given database.
func NewRecorder(db *database.Client) *Recorder {
	return &Recorder{db: db}
}

// Record ingests one provider response. A nil userID attributes the usage to
// the tenant-wide bucket only; otherwise both the tenant and the per-user
// buckets move. An empty ru.IdempotencyKey defaults to
// "<conversation_id>:<response_id>", the natural key for a completed run.
func (r *Recorder) Record(ctx context.Context, tenantID string, userID *string, ru *models.RunUsage) error {
	if ru.IdempotencyKey == "" {
		ru.IdempotencyKey = ru.ConversationID + ":" + ru.ResponseID
	}
	if ru.CreatedAt.IsZero() {
		ru.CreatedAt = time.Now().UTC()
	}
	if ru.Requests == 0 {
		ru.Requests = 1
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin usage transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.NamedExecContext(ctx, `
		INSERT INTO run_usage (
			conversation_id, response_id, run_id, agent_key, provider,
			requests, input_tokens, output_tokens, cached_input_tokens,
			reasoning_output_tokens, idempotency_key, created_at
		) VALUES (
			:conversation_id, :response_id, :run_id, :agent_key, :provider,
			:requests, :input_tokens, :output_tokens, :cached_input_tokens,
			:reasoning_output_tokens, :idempotency_key, :created_at
		)
		ON CONFLICT (idempotency_key) DO NOTHING`, ru)
	if err != nil {
		return fmt.Errorf("failed to insert run usage: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read run usage insert result: %w", err)
	}
	if inserted == 0 {
		// Already ingested; no counter may move a second time.
		slog.Debug("Run usage already recorded, skipping",
			"conversation_id", ru.ConversationID,
			"idempotency_key", ru.IdempotencyKey)
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET total_input_tokens  = total_input_tokens + $1,
		    total_output_tokens = total_output_tokens + $2,
		    updated_at          = now()
		WHERE id = $3`,
		ru.InputTokens, ru.OutputTokens, ru.ConversationID); err != nil {
		return fmt.Errorf("failed to update conversation totals: %w", err)
	}

	delta := counterDelta{
		inputTokens:  ru.InputTokens,
		outputTokens: ru.OutputTokens,
		requests:     int64(ru.Requests),
	}
	if err := bumpCounters(ctx, tx, tenantID, nil, ru.CreatedAt, delta); err != nil {
		return err
	}
	if userID != nil {
		if err := bumpCounters(ctx, tx, tenantID, userID, ru.CreatedAt, delta); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit usage record: %w", err)
	}
	return nil
}

// RecordStorage attributes stored object bytes to the usage counters.
// A negative delta accounts for deletions.
func (r *Recorder) RecordStorage(ctx context.Context, tenantID string, userID *string, bytes int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin usage transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	delta := counterDelta{storageBytes: bytes}
	if err := bumpCounters(ctx, tx, tenantID, nil, now, delta); err != nil {
		return err
	}
	if userID != nil {
		if err := bumpCounters(ctx, tx, tenantID, userID, now, delta); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit storage usage: %w", err)
	}
	return nil
}

type counterDelta struct {
	inputTokens  int64
	outputTokens int64
	requests     int64
	storageBytes int64
}

// bumpCounters upserts one counter row per granularity, all bucketed from the
// same timestamp. The unique index is declared NULLS NOT DISTINCT, so the
// conflict target addresses the tenant-wide bucket (user_id null) without a
// sentinel value.
func bumpCounters(ctx context.Context, tx *sqlx.Tx, tenantID string, userID *string, at time.Time, d counterDelta) error {
	for _, g := range models.AllGranularities {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO usage_counters (
				tenant_id, user_id, period_start, granularity,
				input_tokens, output_tokens, requests, storage_bytes
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (tenant_id, user_id, granularity, period_start)
			DO UPDATE SET
				input_tokens  = usage_counters.input_tokens + EXCLUDED.input_tokens,
				output_tokens = usage_counters.output_tokens + EXCLUDED.output_tokens,
				requests      = usage_counters.requests + EXCLUDED.requests,
				storage_bytes = usage_counters.storage_bytes + EXCLUDED.storage_bytes`,
			tenantID, userID, g.PeriodStart(at), string(g),
			d.inputTokens, d.outputTokens, d.requests, d.storageBytes); err != nil {
			return fmt.Errorf("failed to upsert %s usage counter: %w", g, err)
		}
	}
	return nil
}
