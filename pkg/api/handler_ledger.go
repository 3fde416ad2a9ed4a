package api

import (
	"context"
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/arion-ai/arion/pkg/auth"
	"github.com/arion-ai/arion/pkg/ledger"
	"github.com/arion-ai/arion/pkg/models"
	"github.com/arion-ai/arion/pkg/stream"
)

// LedgerPage is the paginated ledger read response. NextCursor is empty when
// the page was the last one at read time.
type LedgerPage struct {
	Frames     []*models.Frame `json:"frames"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// ledgerEventsHandler handles GET /api/v1/conversations/:id/ledger/events.
func (s *Server) ledgerEventsHandler(c *echo.Context) error {
	id, _ := auth.IdentityFrom(c.Request().Context())
	conversationID := c.Param("id")
	if conversationID == "" {
		return apiError(c, http.StatusBadRequest, codeValidation, "conversation id is required")
	}
	// Tenant scoping: a cross-tenant conversation reads as empty, so check
	// existence explicitly to return not_found.
	if _, err := s.conversations.Get(c.Request().Context(), id.TenantID, conversationID); err != nil {
		return mapServiceError(c, err)
	}

	after, err := ledger.DecodeCursor(c.QueryParam("cursor"))
	if err != nil {
		return apiError(c, http.StatusBadRequest, codeValidation, "invalid cursor")
	}
	limit, err := parseLimit(c, c.QueryParam("limit"), 100, 1000)
	if err != nil {
		return err
	}

	frames, err := s.reader.Page(c.Request().Context(), id.TenantID, conversationID, after, limit)
	if err != nil {
		return mapServiceError(c, err)
	}

	page := &LedgerPage{Frames: frames}
	if len(frames) == limit {
		page.NextCursor = ledger.EncodeCursor(frames[len(frames)-1].EventID)
	}
	return c.JSON(http.StatusOK, page)
}

// ledgerStreamHandler handles GET /api/v1/conversations/:id/ledger/stream:
// SSE replay of the recorded ledger from the cursor position. With follow=1
// the stream stays open and delivers new appends live.
func (s *Server) ledgerStreamHandler(c *echo.Context) error {
	id, _ := auth.IdentityFrom(c.Request().Context())
	conversationID := c.Param("id")
	if conversationID == "" {
		return apiError(c, http.StatusBadRequest, codeValidation, "conversation id is required")
	}
	if _, err := s.conversations.Get(c.Request().Context(), id.TenantID, conversationID); err != nil {
		return mapServiceError(c, err)
	}

	after, err := ledger.DecodeCursor(c.QueryParam("cursor"))
	if err != nil {
		return apiError(c, http.StatusBadRequest, codeValidation, "invalid cursor")
	}

	follow := c.QueryParam("follow") == "1"
	if follow {
		return s.followLedger(c, id.TenantID, conversationID, after)
	}
	return s.replayPages(c, func(ctx context.Context, after int64, limit int) ([]*models.Frame, error) {
		return s.reader.Page(ctx, id.TenantID, conversationID, after, limit)
	}, after)
}

// followLedger subscribes to live ledger appends and pumps them out until the
// client disconnects. Replayed frames go out under a fresh stream id.
func (s *Server) followLedger(c *echo.Context, tenantID, conversationID string, after int64) error {
	writer, err := stream.NewSSEWriter(c.Response())
	if err != nil {
		return apiError(c, http.StatusInternalServerError, codeInternal, "streaming unsupported")
	}

	sub, err := s.broker.Subscribe(c.Request().Context(), tenantID, conversationID, after)
	if err != nil {
		return mapServiceError(c, err)
	}
	defer sub.Close()

	replayID := models.NewStreamID()
	err = writer.Pump(c.Request().Context(), sub.Frames(), s.cfg.Stream.HeartbeatInterval, replayID)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return sub.Err()
}

// replayPages streams recorded frames page by page and ends the response
// when the ledger is exhausted. Only the stream id is rewritten; payloads,
// event ids, and timestamps replay verbatim.
func (s *Server) replayPages(c *echo.Context, page func(context.Context, int64, int) ([]*models.Frame, error), after int64) error {
	writer, err := stream.NewSSEWriter(c.Response())
	if err != nil {
		return apiError(c, http.StatusInternalServerError, codeInternal, "streaming unsupported")
	}

	replayID := models.NewStreamID()
	batch := s.cfg.Stream.ReplayBatchSize
	if batch <= 0 {
		batch = 100
	}
	for {
		frames, err := page(c.Request().Context(), after, batch)
		if err != nil {
			// Headers are committed; nothing to do but stop.
			return nil
		}
		for _, frame := range frames {
			frame.StreamID = replayID
			if err := writer.WriteFrame(frame); err != nil {
				return nil
			}
			after = frame.EventID
		}
		if len(frames) < batch {
			return nil
		}
	}
}
