// Package cleanup provides data retention sweeps.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/arion-ai/arion/pkg/config"
	"github.com/arion-ai/arion/pkg/database"
	"github.com/arion-ai/arion/pkg/storage"
)

// spillSweepBatch bounds how many spilled payloads one sweep pass deletes so
// the object-store round trips stay short.
const spillSweepBatch = 500

// Service periodically enforces retention policies:
//   - Deletes ledger events (and their spilled payload objects) covered by
//     segments truncated longer ago than the conversation retention window
//   - Deletes terminal workflow runs past the run retention window
//   - Deletes expired minute/hour/day usage counters; month counters stay
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	config *config.RetentionConfig
	db     *database.Client
	store  storage.ObjectStore

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.RetentionConfig, db *database.Client, store storage.ObjectStore) *Service {
	return &Service{
		config: cfg,
		db:     db,
		store:  store,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"conversation_retention_days", s.config.ConversationRetentionDays,
		"run_retention_days", s.config.RunRetentionDays,
		"counter_ttl", s.config.CounterTTL,
		"interval", s.config.SweepInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunAll(ctx)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll executes one pass of every sweep.
func (s *Service) RunAll(ctx context.Context) {
	if count, err := s.SweepTruncatedLedger(ctx); err != nil {
		slog.Error("Retention: ledger sweep failed", "error", err)
	} else if count > 0 {
		slog.Info("Retention: deleted truncated ledger events", "count", count)
	}

	if count, err := s.SweepTerminalRuns(ctx); err != nil {
		slog.Error("Retention: run sweep failed", "error", err)
	} else if count > 0 {
		slog.Info("Retention: deleted old workflow runs", "count", count)
	}

	if count, err := s.SweepExpiredCounters(ctx); err != nil {
		slog.Error("Retention: counter sweep failed", "error", err)
	} else if count > 0 {
		slog.Info("Retention: deleted expired usage counters", "count", count)
	}
}

// SweepTruncatedLedger deletes ledger events that fall at or below the
// watermark of a segment truncated longer ago than the conversation retention
// window. Spilled payload objects are removed from the object store first so
// a failed object delete leaves the row (and another attempt) behind.
func (s *Service) SweepTruncatedLedger(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -s.config.ConversationRetentionDays)

	var total int64
	for {
		type spilledEvent struct {
			ID  int64  `db:"id"`
			Ref string `db:"payload_object_ref"`
		}
		spilled := []spilledEvent{}
		err := s.db.SelectContext(ctx, &spilled, `
			SELECT le.id, le.payload_object_ref
			FROM ledger_events le
			WHERE le.payload_object_ref IS NOT NULL
			  AND EXISTS (
				SELECT 1 FROM conversation_segments seg
				WHERE seg.conversation_id = le.conversation_id
				  AND seg.truncated_at < $1
				  AND seg.visible_through_event_id IS NOT NULL
				  AND le.event_id <= seg.visible_through_event_id
			  )
			LIMIT $2`, cutoff, spillSweepBatch)
		if err != nil {
			return total, fmt.Errorf("failed to list spilled ledger payloads: %w", err)
		}
		if len(spilled) == 0 {
			break
		}

		deletable := make([]int64, 0, len(spilled))
		for _, ev := range spilled {
			if s.store != nil {
				if err := s.store.Delete(ctx, ev.Ref); err != nil {
					slog.Warn("Retention: spilled payload delete failed, keeping row",
						"ledger_id", ev.ID, "object_ref", ev.Ref, "error", err)
					continue
				}
			}
			deletable = append(deletable, ev.ID)
		}
		if len(deletable) == 0 {
			break
		}
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM ledger_events WHERE id = ANY($1)`, pq.Array(deletable)); err != nil {
			return total, fmt.Errorf("failed to delete spilled ledger events: %w", err)
		}
		total += int64(len(deletable))
		if len(spilled) < spillSweepBatch {
			break
		}
	}

	// Inline-payload rows have no object to release; one statement covers them.
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM ledger_events le
		WHERE le.payload_object_ref IS NULL
		  AND EXISTS (
			SELECT 1 FROM conversation_segments seg
			WHERE seg.conversation_id = le.conversation_id
			  AND seg.truncated_at < $1
			  AND seg.visible_through_event_id IS NOT NULL
			  AND le.event_id <= seg.visible_through_event_id
		  )`, cutoff)
	if err != nil {
		return total, fmt.Errorf("failed to delete truncated ledger events: %w", err)
	}
	n, _ := res.RowsAffected()
	return total + n, nil
}

// SweepTerminalRuns deletes terminal workflow runs past the run retention
// window. Step results cascade.
func (s *Service) SweepTerminalRuns(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -s.config.RunRetentionDays)

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM workflow_runs
		WHERE status <> 'running' AND ended_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old workflow runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SweepExpiredCounters deletes minute, hour, and day usage counter buckets
// older than the counter TTL. Month buckets are never swept because the
// "total" granularity is derived from them.
func (s *Service) SweepExpiredCounters(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.config.CounterTTL)

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM usage_counters
		WHERE granularity IN ('minute', 'hour', 'day') AND period_start < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired usage counters: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
