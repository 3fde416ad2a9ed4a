package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/arion-ai/arion/pkg/auth"
	"github.com/arion-ai/arion/pkg/engine"
	"github.com/arion-ai/arion/pkg/ledger"
	"github.com/arion-ai/arion/pkg/models"
	"github.com/arion-ai/arion/pkg/stream"
	"github.com/arion-ai/arion/pkg/workflow"
)

// WorkflowCatalogEntry describes one runnable workflow.
type WorkflowCatalogEntry struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
	Default     bool   `json:"default"`
	StageCount  int    `json:"stage_count"`
	StepCount   int    `json:"step_count"`
}

// RunWorkflowRequest is the body for POST /api/v1/workflows/:key/run and
// /run-stream. Location is recorded on the run and forwarded to steps only
// when ShareLocation is set.
type RunWorkflowRequest struct {
	Message        string           `json:"message"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Location       *engine.Location `json:"location,omitempty"`
	ShareLocation  bool             `json:"share_location,omitempty"`
}

// RunDetail is the GET /workflows/runs/:run_id response.
type RunDetail struct {
	Run   *models.WorkflowRun          `json:"run"`
	Steps []*models.WorkflowStepResult `json:"steps"`
}

// workflowCatalogHandler handles GET /api/v1/workflows.
func (s *Server) workflowCatalogHandler(c *echo.Context) error {
	all := s.cfg.WorkflowRegistry.GetAll()
	entries := make([]*WorkflowCatalogEntry, 0, len(all))
	for key, wf := range all {
		entries = append(entries, &WorkflowCatalogEntry{
			Key:         key,
			DisplayName: wf.DisplayName,
			Description: wf.Description,
			Default:     wf.Default,
			StageCount:  len(wf.Stages),
			StepCount:   wf.StepCount(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return c.JSON(http.StatusOK, map[string]any{"workflows": entries})
}

// bindRunRequest binds the run body and builds the engine request.
func (s *Server) bindRunRequest(c *echo.Context) (workflow.RunRequest, error) {
	id, _ := auth.IdentityFrom(c.Request().Context())

	var req RunWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return workflow.RunRequest{}, apiError(c, http.StatusBadRequest, codeValidation, "malformed request body")
	}
	if req.Message == "" {
		return workflow.RunRequest{}, apiError(c, http.StatusBadRequest, codeValidation, "message is required")
	}
	if len(req.Message) > maxMessageLength {
		return workflow.RunRequest{}, apiError(c, http.StatusBadRequest, codeValidation, "message exceeds maximum length")
	}

	key := c.Param("key")
	if key != "" && !s.cfg.WorkflowRegistry.Has(key) {
		return workflow.RunRequest{}, apiError(c, http.StatusNotFound, codeNotFound, "unknown workflow")
	}
	rr := workflow.RunRequest{
		TenantID:        id.TenantID,
		UserID:          id.UserID,
		WorkflowKey:     key,
		Message:         req.Message,
		ConversationKey: req.ConversationID,
	}
	if req.ShareLocation && req.Location != nil {
		rr.Location = req.Location
	}
	return rr, nil
}

// runWorkflowHandler handles POST /api/v1/workflows/:key/run. The run is
// accepted onto the worker pool and executes in the background; clients
// follow progress through the run's conversation ledger or the run detail
// endpoint.
func (s *Server) runWorkflowHandler(c *echo.Context) error {
	req, err := s.bindRunRequest(c)
	if err != nil {
		return err
	}

	run, wf, err := s.workflows.Start(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}
	if err := s.pool.Submit(run, wf); err != nil {
		// The run row exists in running status; fail it so it does not
		// linger until the orphan scan.
		s.failUnstartedRun(run)
		return mapServiceError(c, err)
	}

	s.metrics.RunStarted(c.Request().Context(), "workflow")
	return c.JSON(http.StatusAccepted, run)
}

// runWorkflowStreamHandler handles POST /api/v1/workflows/:key/run-stream.
// The run executes on the request goroutine with frames delivered as SSE;
// disconnecting cancels it.
func (s *Server) runWorkflowStreamHandler(c *echo.Context) error {
	req, err := s.bindRunRequest(c)
	if err != nil {
		return err
	}

	run, wf, err := s.workflows.Start(c.Request().Context(), req)
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

	s.metrics.RunStarted(c.Request().Context(), "workflow")
	final, err := s.workflows.Execute(c.Request().Context(), run, wf, sink)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("Streaming workflow run failed",
			"run_id", run.ID, "workflow_key", run.WorkflowKey, "error", err)
	}
	if final != nil {
		s.metrics.RunFinished(c.Request().Context(), "workflow", string(final.Status))
	}
	return nil
}

// getRunHandler handles GET /api/v1/workflows/runs/:run_id.
func (s *Server) getRunHandler(c *echo.Context) error {
	id, _ := auth.IdentityFrom(c.Request().Context())
	runID := c.Param("run_id")
	if runID == "" {
		return apiError(c, http.StatusBadRequest, codeValidation, "run id is required")
	}

	run, err := s.runs.GetRun(c.Request().Context(), id.TenantID, runID)
	if err != nil {
		return mapServiceError(c, err)
	}
	steps, err := s.runs.ListSteps(c.Request().Context(), runID)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, &RunDetail{Run: run, Steps: steps})
}

// cancelRunHandler handles POST /api/v1/workflows/runs/:run_id/cancel.
// Cancellation is cooperative: the flag is durable and cross-pod, and when
// this pod owns the run its context is cancelled immediately.
func (s *Server) cancelRunHandler(c *echo.Context) error {
	id, _ := auth.IdentityFrom(c.Request().Context())
	runID := c.Param("run_id")
	if runID == "" {
		return apiError(c, http.StatusBadRequest, codeValidation, "run id is required")
	}

	run, err := s.runs.RequestCancel(c.Request().Context(), id.TenantID, runID)
	if err != nil {
		return mapServiceError(c, err)
	}
	local := s.workflows.CancelLocal(runID)
	slog.Info("Workflow run cancellation requested",
		"run_id", runID, "tenant_id", id.TenantID, "local", local)
	return c.JSON(http.StatusAccepted, run)
}

// runReplayEventsHandler handles GET /workflows/runs/:run_id/replay/events:
// the run's recorded frames, paginated.
func (s *Server) runReplayEventsHandler(c *echo.Context) error {
	id, _ := auth.IdentityFrom(c.Request().Context())
	run, err := s.replayRun(c)
	if err != nil {
		return err
	}

	after, err := ledger.DecodeCursor(c.QueryParam("cursor"))
	if err != nil {
		return apiError(c, http.StatusBadRequest, codeValidation, "invalid cursor")
	}
	limit, err := parseLimit(c, c.QueryParam("limit"), 100, 1000)
	if err != nil {
		return err
	}

	frames, err := s.reader.RunPage(c.Request().Context(), id.TenantID, run.ConversationID, run.ID, after, limit)
	if err != nil {
		return mapServiceError(c, err)
	}
	page := &LedgerPage{Frames: frames}
	if len(frames) == limit {
		page.NextCursor = ledger.EncodeCursor(frames[len(frames)-1].EventID)
	}
	return c.JSON(http.StatusOK, page)
}

// runReplayStreamHandler handles GET /workflows/runs/:run_id/replay/stream:
// SSE replay of the run's frames under a fresh stream id.
func (s *Server) runReplayStreamHandler(c *echo.Context) error {
	id, _ := auth.IdentityFrom(c.Request().Context())
	run, err := s.replayRun(c)
	if err != nil {
		return err
	}

	after, err := ledger.DecodeCursor(c.QueryParam("cursor"))
	if err != nil {
		return apiError(c, http.StatusBadRequest, codeValidation, "invalid cursor")
	}
	return s.replayPages(c, func(ctx context.Context, after int64, limit int) ([]*models.Frame, error) {
		return s.reader.RunPage(ctx, id.TenantID, run.ConversationID, run.ID, after, limit)
	}, after)
}

// replayRun resolves the tenant-scoped run for the replay endpoints.
func (s *Server) replayRun(c *echo.Context) (*models.WorkflowRun, error) {
	id, _ := auth.IdentityFrom(c.Request().Context())
	runID := c.Param("run_id")
	if runID == "" {
		return nil, apiError(c, http.StatusBadRequest, codeValidation, "run id is required")
	}
	run, err := s.runs.GetRun(c.Request().Context(), id.TenantID, runID)
	if err != nil {
		return nil, mapServiceError(c, err)
	}
	return run, nil
}

// failUnstartedRun records a failed status for a run rejected by the pool.
func (s *Server) failUnstartedRun(run *models.WorkflowRun) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.runs.FinishRun(ctx, run.ID, models.RunStatusFailed, nil, nil); err != nil {
		slog.Warn("Failed to mark rejected run as failed", "run_id", run.ID, "error", err)
	}
}
