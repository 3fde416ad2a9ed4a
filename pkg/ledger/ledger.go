// Package ledger records every public stream frame durably so conversations
// and workflow runs can be replayed and paginated. Appends are serialized
// per conversation to keep event_id dense and monotonic; oversized payloads
// spill to the object store as gzip with a checksum. Each append fires a
// pg_notify on the conversation's channel inside the same transaction, which
// live followers use as a wake signal.
package ledger

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/arion-ai/arion/pkg/config"
	"github.com/arion-ai/arion/pkg/database"
	"github.com/arion-ai/arion/pkg/models"
	"github.com/arion-ai/arion/pkg/storage"
)

// notifyMaxBytes keeps pg_notify payloads under PostgreSQL's 8000-byte
// limit. Larger frames are announced with a thin reference envelope.
const notifyMaxBytes = 7900

// NotifyChannel returns the LISTEN/NOTIFY channel for a conversation's
// ledger appends. The result stays within PostgreSQL's 63-byte identifier
// limit for any UUID-shaped conversation id.
func NotifyChannel(conversationID string) string {
	return "arion_ledger_" + strings.ReplaceAll(conversationID, "-", "")
}

// convState carries the next event_id for one conversation. Its mutex is
// held across the whole append so seed, id assignment, spill, and insert
// act as a single serialized step.
type convState struct {
	mu     sync.Mutex
	next   int64
	seeded bool
}

// Appender writes frames to the ledger. One instance is shared process-wide;
// it owns the per-conversation serialization the monotonic event_id contract
// requires.
type Appender struct {
	db    *database.Client
	store storage.ObjectStore
	cfg   *config.LedgerConfig

	mu    sync.Mutex
	convs map[string]*convState
}

// NewAppender returns an appender using cfg, falling back to defaults when
// cfg is nil.
func NewAppender(db *database.Client, store storage.ObjectStore, cfg *config.LedgerConfig) *Appender {
	if cfg == nil {
		cfg = config.DefaultLedgerConfig()
	}
	return &Appender{
		db:    db,
		store: store,
		cfg:   cfg,
		convs: make(map[string]*convState),
	}
}

// Append assigns the frame's event_id and records it. The id is consumed
// even when the write fails, so a failed append leaves a gap in the stored
// sequence; the frame itself is still delivered by the caller and the gap is
// what replay surfaces.
//
// The whole append (including any object-store spill) is bounded by the
// configured write deadline.
func (a *Appender) Append(ctx context.Context, tenantID string, frame *models.Frame) error {
	if frame.ConversationID == "" {
		return fmt.Errorf("ledger append: conversation id is empty")
	}

	st := a.conv(frame.ConversationID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if a.cfg.WriteDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.WriteDeadline)
		defer cancel()
	}

	if !st.seeded {
		var last int64
		err := a.db.GetContext(ctx, &last,
			`SELECT COALESCE(MAX(event_id), 0) FROM ledger_events WHERE conversation_id = $1`,
			frame.ConversationID)
		if err != nil {
			return fmt.Errorf("failed to seed ledger sequence: %w", err)
		}
		st.next = last + 1
		st.seeded = true
	}

	frame.EventID = st.next
	st.next++

	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	ev := &models.LedgerEvent{
		ConversationID:   frame.ConversationID,
		TenantID:         tenantID,
		EventID:          frame.EventID,
		StreamID:         frame.StreamID,
		Kind:             string(frame.Kind),
		PayloadSizeBytes: int64(len(payload)),
	}
	if frame.Workflow != nil && frame.Workflow.WorkflowRunID != "" {
		runID := frame.Workflow.WorkflowRunID
		ev.WorkflowRunID = &runID
	}

	if len(payload) <= a.cfg.InlineMaxBytes {
		ev.PayloadInline = models.JSONB(payload)
	} else {
		ref, sum, err := a.spill(ctx, tenantID, frame.ConversationID, frame.EventID, payload)
		if err != nil {
			return err
		}
		ev.PayloadObjectRef = &ref
		ev.PayloadSHA256 = &sum
	}

	return a.insertAndNotify(ctx, ev, payload)
}

// Forget drops the in-memory sequence state for a conversation; the next
// append re-seeds from the database. Callers must not Forget a conversation
// with an append in flight.
func (a *Appender) Forget(conversationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.convs, conversationID)
}

func (a *Appender) conv(conversationID string) *convState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.convs[conversationID]
	if !ok {
		st = &convState{}
		a.convs[conversationID] = st
	}
	return st
}

// spill gzips the payload into the object store. The checksum covers the
// uncompressed JSON; readers verify it after gunzip.
func (a *Appender) spill(ctx context.Context, tenantID, conversationID string, eventID int64, payload []byte) (string, string, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return "", "", fmt.Errorf("failed to compress ledger payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", "", fmt.Errorf("failed to compress ledger payload: %w", err)
	}

	key := storage.PayloadKey(tenantID, conversationID, eventID)
	if err := a.store.Put(ctx, key, buf.Bytes(), "application/gzip"); err != nil {
		return "", "", fmt.Errorf("failed to spill ledger payload: %w", err)
	}

	digest := sha256.Sum256(payload)
	return key, hex.EncodeToString(digest[:]), nil
}

// insertAndNotify persists the event row and fires pg_notify in one
// transaction, so the notification is held until commit and never announces
// a row that is not visible. A duplicate (conversation_id, event_id) insert
// is a retried append; it is skipped without a second notification.
func (a *Appender) insertAndNotify(ctx context.Context, ev *models.LedgerEvent, payload []byte) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.NamedExecContext(ctx, `
		INSERT INTO ledger_events (
			conversation_id, tenant_id, event_id, stream_id, workflow_run_id,
			kind, payload_inline, payload_object_ref, payload_sha256, payload_size_bytes
		) VALUES (
			:conversation_id, :tenant_id, :event_id, :stream_id, :workflow_run_id,
			:kind, :payload_inline, :payload_object_ref, :payload_sha256, :payload_size_bytes
		)
		ON CONFLICT (conversation_id, event_id) DO NOTHING`, ev)
	if err != nil {
		return fmt.Errorf("failed to insert ledger event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}

	notifyPayload, err := notifyPayloadFor(ev, payload)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`,
		NotifyChannel(ev.ConversationID), notifyPayload); err != nil {
		return fmt.Errorf("failed to notify ledger append: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger append: %w", err)
	}
	return nil
}

// thinNotification announces an append whose frame exceeds the pg_notify
// payload limit. Consumers fetch the full frame from the ledger.
type thinNotification struct {
	Schema         string `json:"schema"`
	Kind           string `json:"kind"`
	ConversationID string `json:"conversation_id"`
	EventID        int64  `json:"event_id"`
	Truncated      bool   `json:"truncated"`
}

func notifyPayloadFor(ev *models.LedgerEvent, payload []byte) (string, error) {
	if len(payload) <= notifyMaxBytes {
		return string(payload), nil
	}
	thin, err := json.Marshal(thinNotification{
		Schema:         models.FrameSchema,
		Kind:           ev.Kind,
		ConversationID: ev.ConversationID,
		EventID:        ev.EventID,
		Truncated:      true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal notify envelope: %w", err)
	}
	return string(thin), nil
}

// gunzip inflates a spilled payload.
func gunzip(blob []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip payload: %w", err)
	}
	defer func() { _ = gz.Close() }()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(gz); err != nil {
		return nil, fmt.Errorf("failed to inflate payload: %w", err)
	}
	return buf.Bytes(), nil
}
