package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/arion-ai/arion/pkg/auth"
	"github.com/arion-ai/arion/pkg/models"
	"github.com/arion-ai/arion/pkg/services"
)

// ConversationDetail is the GET /conversations/:id response: the conversation
// plus its visible (active segment) history.
type ConversationDetail struct {
	Conversation *models.Conversation          `json:"conversation"`
	Messages     []*models.ConversationMessage `json:"messages"`
}

// listConversationsHandler handles GET /api/v1/conversations.
func (s *Server) listConversationsHandler(c *echo.Context) error {
	id, _ := auth.IdentityFrom(c.Request().Context())

	limit, err := parseLimit(c, c.QueryParam("limit"), 25, 100)
	if err != nil {
		return err
	}
	q := services.ListQuery{
		AgentEntrypoint: c.QueryParam("agent_entrypoint"),
		Cursor:          c.QueryParam("cursor"),
		Limit:           limit,
	}
	if v := c.QueryParam("updated_after"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return apiError(c, http.StatusBadRequest, codeValidation, "updated_after must be RFC3339")
		}
		q.UpdatedAfter = &ts
	}

	page, err := s.conversations.List(c.Request().Context(), id.TenantID, q)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

// searchConversationsHandler handles GET /api/v1/conversations/search.
func (s *Server) searchConversationsHandler(c *echo.Context) error {
	id, _ := auth.IdentityFrom(c.Request().Context())

	query := c.QueryParam("q")
	if query == "" {
		return apiError(c, http.StatusBadRequest, codeValidation, "q is required")
	}
	limit, err := parseLimit(c, c.QueryParam("limit"), 25, 100)
	if err != nil {
		return err
	}
	page, err := s.conversations.List(c.Request().Context(), id.TenantID, services.ListQuery{
		Search: query,
		Cursor: c.QueryParam("cursor"),
		Limit:  limit,
	})
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

// getConversationHandler handles GET /api/v1/conversations/:id.
func (s *Server) getConversationHandler(c *echo.Context) error {
	id, _ := auth.IdentityFrom(c.Request().Context())
	conversationID := c.Param("id")
	if conversationID == "" {
		return apiError(c, http.StatusBadRequest, codeValidation, "conversation id is required")
	}

	conv, err := s.conversations.Get(c.Request().Context(), id.TenantID, conversationID)
	if err != nil {
		return mapServiceError(c, err)
	}
	messages, err := s.conversations.History(c.Request().Context(), id.TenantID, conversationID)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, &ConversationDetail{Conversation: conv, Messages: messages})
}

// truncateConversationHandler handles DELETE /api/v1/conversations/:id.
// Clearing is a segment truncation: history becomes invisible, the ledger
// stays intact for replay until retention sweeps it.
func (s *Server) truncateConversationHandler(c *echo.Context) error {
	id, _ := auth.IdentityFrom(c.Request().Context())
	conversationID := c.Param("id")
	if conversationID == "" {
		return apiError(c, http.StatusBadRequest, codeValidation, "conversation id is required")
	}

	segment, err := s.conversations.Truncate(c.Request().Context(), id.TenantID, conversationID)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"segment_id":      segment.ID,
		"segment_index":   segment.SegmentIndex,
	})
}

// listConversationEventsHandler handles GET /api/v1/conversations/:id/events:
// the projected internal run events, in sequence order.
func (s *Server) listConversationEventsHandler(c *echo.Context) error {
	id, _ := auth.IdentityFrom(c.Request().Context())
	conversationID := c.Param("id")
	if conversationID == "" {
		return apiError(c, http.StatusBadRequest, codeValidation, "conversation id is required")
	}

	after := int64(0)
	if v := c.QueryParam("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return apiError(c, http.StatusBadRequest, codeValidation, "after must be a non-negative integer")
		}
		after = n
	}

	limit, err := parseLimit(c, c.QueryParam("limit"), 100, 500)
	if err != nil {
		return err
	}
	events, err := s.conversations.ListEvents(c.Request().Context(), id.TenantID, conversationID,
		after, limit)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}

// parseLimit parses a limit query param with a default and a cap. An
// unparsable, non-positive, or over-cap value is rejected rather than
// silently adjusted.
func parseLimit(c *echo.Context, v string, def, max int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, apiError(c, http.StatusBadRequest, codeValidation, "limit must be a positive integer")
	}
	if n > max {
		return 0, apiError(c, http.StatusBadRequest, codeValidation,
			fmt.Sprintf("limit must not exceed %d", max))
	}
	return n, nil
}
