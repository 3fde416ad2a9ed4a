package config

import (
	"fmt"
	"sync"
)

// GuardrailSpecConfig defines a guardrail check specification
type GuardrailSpecConfig struct {
	// Human-readable name shown in listings
	DisplayName string `yaml:"display_name,omitempty"`

	// Human-readable description
	Description string `yaml:"description,omitempty"`

	// Pipeline stage this check runs at (required)
	Stage GuardrailStage `yaml:"stage" validate:"required"`

	// How the check is implemented (required)
	Engine GuardrailEngine `yaml:"engine" validate:"required"`

	// Builtin check name resolved against the check registration map
	// at pipeline construction (required)
	Check string `yaml:"check" validate:"required"`

	// JSON schema for per-attachment config overrides (validated when set)
	ConfigSchema map[string]any `yaml:"config_schema,omitempty"`

	// Default check configuration, overridden per preset entry
	DefaultConfig map[string]any `yaml:"default_config,omitempty"`
}

// GuardrailPresetConfig defines a named pipeline of guardrail bundles
type GuardrailPresetConfig struct {
	// Human-readable description
	Description string `yaml:"description,omitempty"`

	// Bundles in this preset, in evaluation order (required, min 1)
	Bundles []GuardrailBundleConfig `yaml:"bundles" validate:"required,min=1,dive"`
}

// GuardrailBundleConfig groups guardrail attachments sharing bundle options
type GuardrailBundleConfig struct {
	// Guardrails in this bundle, in attachment order (required, min 1)
	Guardrails []GuardrailAttachment `yaml:"guardrails" validate:"required,min=1,dive"`

	// SuppressTripwire records tripwires without blocking or redacting
	SuppressTripwire bool `yaml:"suppress_tripwire,omitempty"`

	// Concurrency caps parallel check execution within the bundle.
	// Zero runs all checks of a stage concurrently.
	Concurrency int `yaml:"concurrency,omitempty" validate:"omitempty,min=1"`
}

// GuardrailAttachment binds a guardrail spec into a bundle with config overrides
type GuardrailAttachment struct {
	// Guardrail spec key (required)
	Spec string `yaml:"spec" validate:"required"`

	// Per-attachment config merged over the spec's default_config
	Config map[string]any `yaml:"config,omitempty"`

	// Disabled skips the attachment without removing it from the preset
	Disabled bool `yaml:"disabled,omitempty"`
}

// GuardrailRegistry stores guardrail spec configurations with thread-safe access
type GuardrailRegistry struct {
	specs map[string]*GuardrailSpecConfig
	mu    sync.RWMutex
}

// NewGuardrailRegistry creates a new guardrail spec registry
func NewGuardrailRegistry(specs map[string]*GuardrailSpecConfig) *GuardrailRegistry {
	// Defensive copy to prevent external mutation
	copied := make(map[string]*GuardrailSpecConfig, len(specs))
	for k, v := range specs {
		copied[k] = v
	}
	return &GuardrailRegistry{
		specs: copied,
	}
}

// Get retrieves a guardrail spec by key (thread-safe)
func (r *GuardrailRegistry) Get(key string) (*GuardrailSpecConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, exists := r.specs[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrGuardrailNotFound, key)
	}
	return spec, nil
}

// GetAll returns all guardrail specs (thread-safe, returns copy)
func (r *GuardrailRegistry) GetAll() map[string]*GuardrailSpecConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*GuardrailSpecConfig, len(r.specs))
	for k, v := range r.specs {
		result[k] = v
	}
	return result
}

// Has checks if a guardrail spec exists in the registry (thread-safe)
func (r *GuardrailRegistry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.specs[key]
	return exists
}

// Len returns the number of guardrail specs in the registry (thread-safe)
func (r *GuardrailRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.specs)
}

// PresetRegistry stores guardrail preset configurations with thread-safe access
type PresetRegistry struct {
	presets map[string]*GuardrailPresetConfig
	mu      sync.RWMutex
}

// NewPresetRegistry creates a new guardrail preset registry
func NewPresetRegistry(presets map[string]*GuardrailPresetConfig) *PresetRegistry {
	// Defensive copy to prevent external mutation
	copied := make(map[string]*GuardrailPresetConfig, len(presets))
	for k, v := range presets {
		copied[k] = v
	}
	return &PresetRegistry{
		presets: copied,
	}
}

// Get retrieves a preset by name (thread-safe)
func (r *PresetRegistry) Get(name string) (*GuardrailPresetConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	preset, exists := r.presets[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPresetNotFound, name)
	}
	return preset, nil
}

// GetAll returns all presets (thread-safe, returns copy)
func (r *PresetRegistry) GetAll() map[string]*GuardrailPresetConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*GuardrailPresetConfig, len(r.presets))
	for k, v := range r.presets {
		result[k] = v
	}
	return result
}

// Has checks if a preset exists in the registry (thread-safe)
func (r *PresetRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.presets[name]
	return exists
}

// Len returns the number of presets in the registry (thread-safe)
func (r *PresetRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.presets)
}
