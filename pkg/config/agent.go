// Package config provides configuration management for the Arion platform,
// including agent, workflow, guardrail, and model provider configurations.
package config

import (
	"fmt"
	"sync"
)

// AgentConfig defines agent configuration (metadata only; see engine.Engine for execution).
type AgentConfig struct {
	// Human-readable name shown in listings
	DisplayName string `yaml:"display_name,omitempty"`

	// Human-readable description
	Description string `yaml:"description,omitempty"`

	// Provider registry key this agent runs on. Empty falls back to defaults.provider.
	Provider string `yaml:"provider,omitempty"`

	// Model override for this agent. Empty falls back to the provider's default model.
	Model string `yaml:"model,omitempty"`

	// Capability tags surfaced through the public agent listing
	Capabilities []string `yaml:"capabilities,omitempty"`

	// System instructions prepended to every run
	Instructions string `yaml:"instructions,omitempty"`

	// Memory strategy applied before each provider call
	MemoryStrategy MemoryStrategyType `yaml:"memory_strategy,omitempty"`

	// Window size for the window strategy (most recent items kept)
	MemoryWindow int `yaml:"memory_window,omitempty" validate:"omitempty,min=1"`

	// Item count above which the summarize strategy compacts history
	SummarizeThreshold int `yaml:"summarize_threshold,omitempty" validate:"omitempty,min=2"`

	// Model used to produce summaries. Empty falls back to the agent's own model.
	SummarizerModel string `yaml:"summarizer_model,omitempty"`

	// JSON schema the final output must satisfy (validated when set)
	OutputSchema map[string]any `yaml:"output_schema,omitempty"`

	// Max model turns per run (forces conclusion when reached)
	MaxTurns *int `yaml:"max_turns,omitempty" validate:"omitempty,min=1"`

	// Guardrail preset applied to this agent's runs. Empty falls back to
	// defaults.guardrail_preset.
	GuardrailPreset string `yaml:"guardrail_preset,omitempty"`
}

// AgentRegistry stores agent configurations in memory with thread-safe access
type AgentRegistry struct {
	agents map[string]*AgentConfig
	mu     sync.RWMutex
}

// NewAgentRegistry creates a new agent registry
func NewAgentRegistry(agents map[string]*AgentConfig) *AgentRegistry {
	// Defensive copy to prevent external mutation
	copied := make(map[string]*AgentConfig, len(agents))
	for k, v := range agents {
		copied[k] = v
	}
	return &AgentRegistry{
		agents: copied,
	}
}

// Get retrieves an agent configuration by key (thread-safe)
func (r *AgentRegistry) Get(key string) (*AgentConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, exists := r.agents[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, key)
	}
	return agent, nil
}

// GetAll returns all agent configurations (thread-safe, returns copy)
func (r *AgentRegistry) GetAll() map[string]*AgentConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*AgentConfig, len(r.agents))
	for k, v := range r.agents {
		result[k] = v
	}
	return result
}

// Has checks if an agent exists in the registry (thread-safe)
func (r *AgentRegistry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.agents[key]
	return exists
}

// Len returns the number of agents in the registry (thread-safe)
func (r *AgentRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Keys returns a sorted-insertion-free list of agent keys (thread-safe).
// Order is unspecified; callers sort when presenting.
func (r *AgentRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.agents))
	for k := range r.agents {
		keys = append(keys, k)
	}
	return keys
}
