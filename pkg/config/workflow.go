package config

import (
	"fmt"
	"sync"
)

// WorkflowConfig defines a multi-stage workflow configuration
type WorkflowConfig struct {
	// Human-readable name shown in listings
	DisplayName string `yaml:"display_name,omitempty"`

	// Human-readable description
	Description string `yaml:"description,omitempty"`

	// Default marks the workflow selected when a run request names none.
	// At most one workflow may be the default.
	Default bool `yaml:"default,omitempty"`

	// Agent keys a step may hand off to mid-run. Empty forbids handoffs.
	AllowHandoffAgents []string `yaml:"allow_handoff_agents,omitempty"`

	// Stages to execute in order (required, min 1)
	Stages []WorkflowStageConfig `yaml:"stages" validate:"required,min=1,dive"`

	// JSON schema the final workflow output must satisfy (validated when set)
	OutputSchema map[string]any `yaml:"output_schema,omitempty"`
}

// WorkflowStageConfig defines a single stage in a workflow
type WorkflowStageConfig struct {
	// Stage name (required)
	Name string `yaml:"name" validate:"required"`

	// Execution mode. Empty means sequential.
	Mode StageMode `yaml:"mode,omitempty"`

	// Reducer name for parallel stages, resolved against the reducer
	// registration map at workflow-engine startup. Empty means concat.
	Reducer string `yaml:"reducer,omitempty"`

	// Steps to execute (required, min 1)
	Steps []WorkflowStepConfig `yaml:"steps" validate:"required,min=1,dive"`
}

// WorkflowStepConfig defines a single step inside a stage
type WorkflowStepConfig struct {
	// Step name, unique within the workflow. Empty defaults to the agent key.
	Name string `yaml:"name,omitempty"`

	// Agent registry key this step runs (required)
	AgentKey string `yaml:"agent_key" validate:"required"`

	// Guard name resolved against the guard registration map. A false guard
	// skips the step. Empty means always run.
	Guard string `yaml:"guard,omitempty"`

	// Input mapper name resolved against the mapper registration map.
	// Empty means pass the previous step's output through unchanged.
	InputMapper string `yaml:"input_mapper,omitempty"`

	// Step-level max turns override
	MaxTurns *int `yaml:"max_turns,omitempty" validate:"omitempty,min=1"`

	// JSON schema the step output must satisfy (validated when set)
	OutputSchema map[string]any `yaml:"output_schema,omitempty"`
}

// StepCount returns the total number of steps across all stages.
func (w *WorkflowConfig) StepCount() int {
	n := 0
	for _, stage := range w.Stages {
		n += len(stage.Steps)
	}
	return n
}

// WorkflowRegistry stores workflow configurations in memory with thread-safe access
type WorkflowRegistry struct {
	workflows map[string]*WorkflowConfig
	mu        sync.RWMutex
}

// NewWorkflowRegistry creates a new workflow registry
func NewWorkflowRegistry(workflows map[string]*WorkflowConfig) *WorkflowRegistry {
	// Defensive copy to prevent external mutation
	copied := make(map[string]*WorkflowConfig, len(workflows))
	for k, v := range workflows {
		copied[k] = v
	}
	return &WorkflowRegistry{
		workflows: copied,
	}
}

// Get retrieves a workflow configuration by key (thread-safe)
func (r *WorkflowRegistry) Get(key string) (*WorkflowConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, exists := r.workflows[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, key)
	}
	return wf, nil
}

// GetDefault retrieves the workflow marked default (thread-safe)
func (r *WorkflowRegistry) GetDefault() (string, *WorkflowConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for key, wf := range r.workflows {
		if wf.Default {
			return key, wf, nil
		}
	}
	return "", nil, fmt.Errorf("%w: no default workflow configured", ErrWorkflowNotFound)
}

// GetAll returns all workflow configurations (thread-safe, returns copy)
func (r *WorkflowRegistry) GetAll() map[string]*WorkflowConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*WorkflowConfig, len(r.workflows))
	for k, v := range r.workflows {
		result[k] = v
	}
	return result
}

// Has checks if a workflow exists in the registry (thread-safe)
func (r *WorkflowRegistry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.workflows[key]
	return exists
}

// Len returns the number of workflows in the registry (thread-safe)
func (r *WorkflowRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workflows)
}
