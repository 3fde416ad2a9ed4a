package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/arion-ai/arion/pkg/auth"
	"github.com/arion-ai/arion/pkg/config"
	"github.com/arion-ai/arion/pkg/engine"
	"github.com/arion-ai/arion/pkg/models"
	"github.com/arion-ai/arion/pkg/stream"
)

// maxMessageLength caps chat message size independent of the body limit.
const maxMessageLength = 100_000

// ChatRequest is the body for POST /api/v1/chat and /api/v1/chat/stream.
// ConversationID is the client-chosen conversation key; omitting it starts a
// fresh conversation. Location is only forwarded when ShareLocation is set.
type ChatRequest struct {
	Message        string                 `json:"message"`
	AgentType      string                 `json:"agent_type,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	Attachments    []engine.AttachmentRef `json:"attachments,omitempty"`
	RunOptions     *RunOptions            `json:"run_options,omitempty"`
	MemoryStrategy string                 `json:"memory_strategy,omitempty"`
	Location       *engine.Location       `json:"location,omitempty"`
	ShareLocation  bool                   `json:"share_location,omitempty"`
}

// RunOptions carries per-turn execution overrides.
type RunOptions struct {
	MaxTurns *int `json:"max_turns,omitempty"`
}

// ChatResponse is the non-streaming chat result.
type ChatResponse struct {
	ConversationID  string         `json:"conversation_id"`
	ConversationKey string         `json:"conversation_key"`
	Created         bool           `json:"created"`
	Agent           string         `json:"agent"`
	ResponseText    string         `json:"response_text"`
	Structured      map[string]any `json:"structured_output,omitempty"`
	ResponseID      string         `json:"response_id,omitempty"`
	Usage           map[string]any `json:"usage"`
}

// bindChatRequest binds and validates the shared chat request body.
func bindChatRequest(c *echo.Context) (*ChatRequest, error) {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return nil, apiError(c, http.StatusBadRequest, codeValidation, "malformed request body")
	}
	if req.Message == "" {
		return nil, apiError(c, http.StatusBadRequest, codeValidation, "message is required")
	}
	if len(req.Message) > maxMessageLength {
		return nil, apiError(c, http.StatusBadRequest, codeValidation, "message exceeds maximum length")
	}
	switch config.MemoryStrategyType(req.MemoryStrategy) {
	case "", config.MemoryStrategyNone, config.MemoryStrategyWindow, config.MemoryStrategySummarize:
	default:
		return nil, apiError(c, http.StatusBadRequest, codeValidation, "unknown memory_strategy")
	}
	if req.RunOptions != nil && req.RunOptions.MaxTurns != nil && *req.RunOptions.MaxTurns <= 0 {
		return nil, apiError(c, http.StatusBadRequest, codeValidation, "run_options.max_turns must be positive")
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.New().String()
	}
	return &req, nil
}

// turnRequest converts the HTTP body into an engine turn request.
func turnRequest(id *auth.Identity, req *ChatRequest) engine.TurnRequest {
	tr := engine.TurnRequest{
		TenantID:        id.TenantID,
		ConversationKey: req.ConversationID,
		Agent:           req.AgentType,
		Message:         req.Message,
		Attachments:     req.Attachments,
		MemoryStrategy:  config.MemoryStrategyType(req.MemoryStrategy),
	}
	if req.RunOptions != nil {
		tr.MaxTurns = req.RunOptions.MaxTurns
	}
	if req.ShareLocation && req.Location != nil {
		tr.Location = req.Location
	}
	if id.UserID != "" {
		userID := id.UserID
		tr.UserID = &userID
	}
	return tr
}

// chatHandler handles POST /api/v1/chat: one non-streaming turn.
func (s *Server) chatHandler(c *echo.Context) error {
	id, _ := auth.IdentityFrom(c.Request().Context())
	req, err := bindChatRequest(c)
	if err != nil {
		return err
	}

	s.metrics.RunStarted(c.Request().Context(), "agent")
	result, err := s.engine.Run(c.Request().Context(), turnRequest(id, req))
	if err != nil {
		s.metrics.RunFinished(c.Request().Context(), "agent", "failed")
		return mapServiceError(c, err)
	}
	s.metrics.RunFinished(c.Request().Context(), "agent", "succeeded")

	return c.JSON(http.StatusOK, &ChatResponse{
		ConversationID:  result.Conversation.ID,
		ConversationKey: result.Conversation.ConversationKey,
		Created:         result.Created,
		Agent:           result.Conversation.ActiveAgent,
		ResponseText:    result.FinalText,
		Structured:      result.Structured,
		ResponseID:      result.ResponseID,
		Usage: map[string]any{
			"input_tokens":  result.Usage.InputTokens,
			"output_tokens": result.Usage.OutputTokens,
		},
	})
}

// chatStreamHandler handles POST /api/v1/chat/stream: one turn delivered as
// public_sse_v1 frames. Every frame is ledger-recorded before delivery; the
// terminal frame is always emitted, client connected or not.
func (s *Server) chatStreamHandler(c *echo.Context) error {
	id, _ := auth.IdentityFrom(c.Request().Context())
	req, err := bindChatRequest(c)
	if err != nil {
		return err
	}

	// Resolve the turn before committing the SSE response, so an unknown
	// agent or invalid request still surfaces as a plain HTTP error.
	turn, err := s.engine.Prepare(c.Request().Context(), turnRequest(id, req))
	if err != nil {
		return mapServiceError(c, err)
	}

	writer, err := stream.NewSSEWriter(c.Response())
	if err != nil {
		return apiError(c, http.StatusInternalServerError, codeInternal, "streaming unsupported")
	}
	stopKeepAlive := writer.KeepAlive(c.Request().Context(), s.cfg.Stream.HeartbeatInterval)
	defer stopKeepAlive()

	sink := func(frame *models.Frame) error {
		s.metrics.StreamFrame(c.Request().Context(), string(frame.Kind))
		return writer.WriteFrame(frame)
	}

	if _, err := s.engine.StreamPrepared(c.Request().Context(), turn, sink); err != nil {
		// The terminal error frame already went out (or the client is
		// gone); the HTTP status is long committed either way.
		if !errors.Is(err, context.Canceled) {
			slog.Warn("Streaming chat turn failed",
				"tenant_id", id.TenantID, "error", err)
		}
	}
	return nil
}
