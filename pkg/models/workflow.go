package models

import "time"

// WorkflowRunStatus is the lifecycle state of a workflow run.
type WorkflowRunStatus string

const (
	RunStatusRunning   WorkflowRunStatus = "running"
	RunStatusSucceeded WorkflowRunStatus = "succeeded"
	RunStatusFailed    WorkflowRunStatus = "failed"
	RunStatusCancelled WorkflowRunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s WorkflowRunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// WorkflowRun is one execution of a declared workflow. It owns an ordered
// list of step results keyed by (run_id, sequence_no).
type WorkflowRun struct {
	ID                    string            `db:"id" json:"id"`
	TenantID              string            `db:"tenant_id" json:"tenant_id"`
	UserID                string            `db:"user_id" json:"user_id"`
	WorkflowKey           string            `db:"workflow_key" json:"workflow_key"`
	Status                WorkflowRunStatus `db:"status" json:"status"`
	StartedAt             time.Time         `db:"started_at" json:"started_at"`
	EndedAt               *time.Time        `db:"ended_at" json:"ended_at,omitempty"`
	ConversationID        string            `db:"conversation_id" json:"conversation_id"`
	RequestMessage        string            `db:"request_message" json:"request_message"`
	RequestLocation       JSONB             `db:"request_location" json:"request_location,omitempty"`
	FinalOutputText       *string           `db:"final_output_text" json:"final_output_text,omitempty"`
	FinalOutputStructured JSONB             `db:"final_output_structured" json:"final_output_structured,omitempty"`
	OutputSchema          JSONB             `db:"output_schema" json:"output_schema,omitempty"`
	CancelRequested       bool              `db:"cancel_requested" json:"cancel_requested"`
	PodID                 string            `db:"pod_id" json:"-"`
	LastHeartbeatAt       *time.Time        `db:"last_heartbeat_at" json:"-"`
}

// StepStatus is the outcome of a single workflow step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// WorkflowStepResult is one recorded step outcome. Parallel branches are
// recorded in branch-index order regardless of completion order.
type WorkflowStepResult struct {
	RunID            string     `db:"run_id" json:"run_id"`
	SequenceNo       int        `db:"sequence_no" json:"sequence_no"`
	StepName         string     `db:"step_name" json:"step_name"`
	AgentKey         string     `db:"agent_key" json:"agent_key"`
	StageName        string     `db:"stage_name" json:"stage_name"`
	ParallelGroup    *string    `db:"parallel_group" json:"parallel_group,omitempty"`
	BranchIndex      int        `db:"branch_index" json:"branch_index"`
	ResponseID       *string    `db:"response_id" json:"response_id,omitempty"`
	ResponseText     *string    `db:"response_text" json:"response_text,omitempty"`
	StructuredOutput JSONB      `db:"structured_output" json:"structured_output,omitempty"`
	OutputSchema     JSONB      `db:"output_schema" json:"output_schema,omitempty"`
	Status           StepStatus `db:"status" json:"status"`
	StartedAt        time.Time  `db:"started_at" json:"started_at"`
	EndedAt          *time.Time `db:"ended_at" json:"ended_at,omitempty"`
}
