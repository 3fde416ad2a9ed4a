package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arion-ai/arion/pkg/database"
	"github.com/arion-ai/arion/pkg/models"
)

// WorkflowService persists workflow runs and their step results. The
// execution engine drives status transitions; this layer only enforces the
// ones the schema allows (terminal states never transition again).
type WorkflowService struct {
	db *database.Client
}

// NewWorkflowService creates a new WorkflowService
func NewWorkflowService(db *database.Client) *WorkflowService {
	return &WorkflowService{db: db}
}

// CreateRun inserts a run in running status, owned by this pod.
func (s *WorkflowService) CreateRun(httpCtx context.Context, run *models.WorkflowRun) (*models.WorkflowRun, error) {
	if run.WorkflowKey == "" {
		return nil, NewValidationError("workflow_key", "required")
	}
	if run.ConversationID == "" {
		return nil, NewValidationError("conversation_id", "required")
	}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	var created models.WorkflowRun
	err := s.db.GetContext(ctx, &created, `
		INSERT INTO workflow_runs (
			id, tenant_id, user_id, workflow_key, status, conversation_id,
			request_message, request_location, output_schema, pod_id, last_heartbeat_at
		) VALUES ($1, $2, $3, $4, 'running', $5, $6, $7, $8, $9, now())
		RETURNING *`,
		run.ID, run.TenantID, run.UserID, run.WorkflowKey, run.ConversationID,
		run.RequestMessage, run.RequestLocation, run.OutputSchema, run.PodID)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow run: %w", err)
	}
	return &created, nil
}

// GetRun fetches a run by id, scoped to the tenant.
func (s *WorkflowService) GetRun(httpCtx context.Context, tenantID, runID string) (*models.WorkflowRun, error) {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	var run models.WorkflowRun
	err := s.db.GetContext(ctx, &run, `
		SELECT * FROM workflow_runs WHERE id = $1 AND tenant_id = $2`, runID, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}
	return &run, nil
}

// ListRuns returns the tenant's runs, newest first.
func (s *WorkflowService) ListRuns(httpCtx context.Context, tenantID string, limit int) ([]*models.WorkflowRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	runs := []*models.WorkflowRun{}
	err := s.db.SelectContext(ctx, &runs, `
		SELECT * FROM workflow_runs
		WHERE tenant_id = $1
		ORDER BY started_at DESC, id DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow runs: %w", err)
	}
	return runs, nil
}

// FinishRun records the terminal status and final output. Guarded so a run
// that already reached a terminal state keeps it; the first finisher wins.
func (s *WorkflowService) FinishRun(httpCtx context.Context, runID string, status models.WorkflowRunStatus, finalText *string, finalStructured models.JSONB) error {
	if !status.Terminal() {
		return NewValidationError("status", "finish requires a terminal status")
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = $1, ended_at = now(),
		    final_output_text = $2, final_output_structured = $3
		WHERE id = $4 AND status = 'running'`,
		string(status), finalText, finalStructured, runID)
	if err != nil {
		return fmt.Errorf("failed to finish workflow run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequestCancel marks the run for cooperative cancellation. Cross-pod: the
// executing pod observes the flag at its next step boundary. Terminal runs
// are not cancellable.
func (s *WorkflowService) RequestCancel(httpCtx context.Context, tenantID, runID string) (*models.WorkflowRun, error) {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	run, err := s.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, ErrNotCancellable
	}

	err = s.db.GetContext(ctx, run, `
		UPDATE workflow_runs
		SET cancel_requested = TRUE
		WHERE id = $1 AND tenant_id = $2
		RETURNING *`, runID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to request cancellation: %w", err)
	}
	return run, nil
}

// CancelRequested reads the cooperative cancellation flag.
func (s *WorkflowService) CancelRequested(httpCtx context.Context, runID string) (bool, error) {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	var requested bool
	err := s.db.GetContext(ctx, &requested, `
		SELECT cancel_requested FROM workflow_runs WHERE id = $1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancellation flag: %w", err)
	}
	return requested, nil
}

// Heartbeat refreshes the run's liveness timestamp so orphan scans skip it.
func (s *WorkflowService) Heartbeat(httpCtx context.Context, runID string) error {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET last_heartbeat_at = now()
		WHERE id = $1 AND status = 'running'`, runID); err != nil {
		return fmt.Errorf("failed to heartbeat workflow run: %w", err)
	}
	return nil
}

// RecordStep inserts one step result. Steps are keyed (run_id, sequence_no);
// parallel branches land in branch-index order because the engine assigns
// their sequence numbers before launching them.
func (s *WorkflowService) RecordStep(httpCtx context.Context, step *models.WorkflowStepResult) error {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO workflow_step_results (
			run_id, sequence_no, step_name, agent_key, stage_name,
			parallel_group, branch_index, response_id, response_text,
			structured_output, output_schema, status, started_at, ended_at
		) VALUES (
			:run_id, :sequence_no, :step_name, :agent_key, :stage_name,
			:parallel_group, :branch_index, :response_id, :response_text,
			:structured_output, :output_schema, :status, :started_at, :ended_at
		)
		ON CONFLICT (run_id, sequence_no) DO NOTHING`, step)
	if err != nil {
		return fmt.Errorf("failed to record step result: %w", err)
	}
	return nil
}

// ListSteps returns the run's step results in sequence order.
func (s *WorkflowService) ListSteps(httpCtx context.Context, runID string) ([]*models.WorkflowStepResult, error) {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	steps := []*models.WorkflowStepResult{}
	err := s.db.SelectContext(ctx, &steps, `
		SELECT * FROM workflow_step_results
		WHERE run_id = $1
		ORDER BY sequence_no`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step results: %w", err)
	}
	return steps, nil
}

// OrphanedRun identifies a running run whose executor stopped heartbeating.
type OrphanedRun struct {
	ID             string `db:"id"`
	TenantID       string `db:"tenant_id"`
	ConversationID string `db:"conversation_id"`
	PodID          string `db:"pod_id"`
}

// AdoptOrphans fails running runs that lost their executor: any run whose
// heartbeat is older than threshold, plus, when podID is non-empty, every
// run owned by podID regardless of heartbeat (used at startup, before this
// pod executes anything, to reclaim runs from its previous life). Returns
// the runs it transitioned so the caller can append terminal error frames.
func (s *WorkflowService) AdoptOrphans(httpCtx context.Context, podID string, threshold time.Duration) ([]OrphanedRun, error) {
	ctx, cancel := context.WithTimeout(httpCtx, 10*time.Second)
	defer cancel()

	orphans := []OrphanedRun{}
	err := s.db.SelectContext(ctx, &orphans, `
		UPDATE workflow_runs
		SET status = 'failed', ended_at = now()
		WHERE status = 'running'
		  AND (pod_id = NULLIF($1, '')
		       OR last_heartbeat_at IS NULL
		       OR last_heartbeat_at < now() - $2::interval)
		RETURNING id, tenant_id, conversation_id, pod_id`,
		podID, fmt.Sprintf("%d seconds", int(threshold.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("failed to adopt orphaned runs: %w", err)
	}
	return orphans, nil
}
