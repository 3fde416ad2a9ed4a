package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/arion-ai/arion/pkg/database"
	"github.com/arion-ai/arion/pkg/models"
	"github.com/arion-ai/arion/pkg/storage"
)

// ErrInvalidCursor marks a pagination cursor that cannot be decoded.
var ErrInvalidCursor = errors.New("invalid cursor")

// Reader pages through recorded frames, hydrating spilled payloads from the
// object store. Readers do not contend with appends or with each other.
type Reader struct {
	db    *database.Client
	store storage.ObjectStore
}

func NewReader(db *database.Client, store storage.ObjectStore) *Reader {
	return &Reader{db: db, store: store}
}

// Page returns up to limit frames with event_id greater than afterEventID,
// in event order. Tenant scoping is enforced in the query; a mismatched
// tenant simply sees no rows.
func (r *Reader) Page(ctx context.Context, tenantID, conversationID string, afterEventID int64, limit int) ([]*models.Frame, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("ledger page limit must be positive, got %d", limit)
	}

	var rows []models.LedgerEvent
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, conversation_id, tenant_id, event_id, stream_id, workflow_run_id,
		       kind, payload_inline, payload_object_ref, payload_sha256,
		       payload_size_bytes, created_at
		FROM ledger_events
		WHERE tenant_id = $1 AND conversation_id = $2 AND event_id > $3
		ORDER BY event_id
		LIMIT $4`,
		tenantID, conversationID, afterEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger page: %w", err)
	}
	return r.hydrateAll(ctx, rows)
}

// RunPage is Page restricted to frames tagged with workflowRunID, enabling
// deterministic workflow run replay.
func (r *Reader) RunPage(ctx context.Context, tenantID, conversationID, workflowRunID string, afterEventID int64, limit int) ([]*models.Frame, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("ledger page limit must be positive, got %d", limit)
	}

	var rows []models.LedgerEvent
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, conversation_id, tenant_id, event_id, stream_id, workflow_run_id,
		       kind, payload_inline, payload_object_ref, payload_sha256,
		       payload_size_bytes, created_at
		FROM ledger_events
		WHERE tenant_id = $1 AND conversation_id = $2 AND workflow_run_id = $3
		  AND event_id > $4
		ORDER BY event_id
		LIMIT $5`,
		tenantID, conversationID, workflowRunID, afterEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow ledger page: %w", err)
	}
	return r.hydrateAll(ctx, rows)
}

func (r *Reader) hydrateAll(ctx context.Context, rows []models.LedgerEvent) ([]*models.Frame, error) {
	frames := make([]*models.Frame, 0, len(rows))
	for i := range rows {
		frame, err := r.hydrate(ctx, &rows[i])
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// hydrate decodes one stored event into a frame, fetching and inflating the
// payload when it was spilled. The stored checksum is verified against the
// inflated JSON.
func (r *Reader) hydrate(ctx context.Context, ev *models.LedgerEvent) (*models.Frame, error) {
	raw := []byte(ev.PayloadInline)
	if ev.Spilled() {
		blob, err := r.store.Get(ctx, *ev.PayloadObjectRef)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch spilled payload %s: %w", *ev.PayloadObjectRef, err)
		}
		raw, err = gunzip(blob)
		if err != nil {
			return nil, err
		}
		if ev.PayloadSHA256 != nil && *ev.PayloadSHA256 != "" {
			digest := sha256.Sum256(raw)
			if hex.EncodeToString(digest[:]) != *ev.PayloadSHA256 {
				return nil, fmt.Errorf("ledger payload %s failed checksum verification", *ev.PayloadObjectRef)
			}
		}
	}

	var frame models.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("failed to decode ledger frame %d: %w", ev.EventID, err)
	}
	return &frame, nil
}

// cursorPayload is the decoded form of an opaque pagination cursor.
type cursorPayload struct {
	LastEventID int64 `json:"last_event_id"`
}

// EncodeCursor builds the opaque cursor pointing after lastEventID.
func EncodeCursor(lastEventID int64) string {
	data, _ := json.Marshal(cursorPayload{LastEventID: lastEventID})
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses an opaque cursor. The empty cursor means "from the
// beginning".
func DecodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: not base64", ErrInvalidCursor)
	}
	var c cursorPayload
	if err := json.Unmarshal(data, &c); err != nil {
		return 0, fmt.Errorf("%w: malformed payload", ErrInvalidCursor)
	}
	if c.LastEventID < 0 {
		return 0, fmt.Errorf("%w: negative event id", ErrInvalidCursor)
	}
	return c.LastEventID, nil
}
