package config

import (
	"fmt"
	"os"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	// Validate in order: providers → agents → workflows → guardrails → presets
	// This ensures dependencies are validated before dependents

	if err := v.validateEnvironment(); err != nil {
		return fmt.Errorf("environment validation failed: %w", err)
	}

	if err := v.validateProviders(); err != nil {
		return fmt.Errorf("provider validation failed: %w", err)
	}

	if err := v.validateAgents(); err != nil {
		return fmt.Errorf("agent validation failed: %w", err)
	}

	if err := v.validateWorkflows(); err != nil {
		return fmt.Errorf("workflow validation failed: %w", err)
	}

	if err := v.validateGuardrails(); err != nil {
		return fmt.Errorf("guardrail validation failed: %w", err)
	}

	if err := v.validatePresets(); err != nil {
		return fmt.Errorf("guardrail preset validation failed: %w", err)
	}

	if err := v.validateDefaults(); err != nil {
		return fmt.Errorf("defaults validation failed: %w", err)
	}

	if err := v.validateAuth(); err != nil {
		return fmt.Errorf("auth validation failed: %w", err)
	}

	if err := v.validateRateLimits(); err != nil {
		return fmt.Errorf("rate limit validation failed: %w", err)
	}

	if err := v.validateUsageLimits(); err != nil {
		return fmt.Errorf("usage limit validation failed: %w", err)
	}

	if err := v.validateSystem(); err != nil {
		return fmt.Errorf("system validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateEnvironment() error {
	if !v.cfg.Environment.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidValue, v.cfg.Environment)
	}
	return nil
}

func (v *ConfigValidator) validateProviders() error {
	for name, provider := range v.cfg.ProviderRegistry.GetAll() {
		// Validate provider type
		if !provider.Type.IsValid() {
			return NewValidationError("provider", name, "type", fmt.Errorf("invalid provider type: %s", provider.Type))
		}

		// The scripted runtime needs neither model nor key
		if provider.Type == ProviderTypeScripted {
			continue
		}

		// Validate default model is not empty
		if provider.DefaultModel == "" {
			return NewValidationError("provider", name, "default_model", fmt.Errorf("default_model required"))
		}

		// Validate API key environment variable is declared
		if provider.APIKeyEnv == "" {
			return NewValidationError("provider", name, "api_key_env", fmt.Errorf("api_key_env required"))
		}

		// Validate the variable is actually set. Local environments run on
		// the scripted provider without real keys, so only enforce outside them.
		if !v.cfg.Environment.IsLocal() {
			if value := os.Getenv(provider.APIKeyEnv); value == "" {
				return NewValidationError("provider", name, "api_key_env", fmt.Errorf("environment variable %s is not set", provider.APIKeyEnv))
			}
		}

		// Validate retry settings
		if provider.MaxRetries < 0 {
			return NewValidationError("provider", name, "max_retries", fmt.Errorf("must not be negative"))
		}
		if provider.RetryBaseDelay < 0 {
			return NewValidationError("provider", name, "retry_base_delay", fmt.Errorf("must not be negative"))
		}
	}

	return nil
}

func (v *ConfigValidator) validateAgents() error {
	for key, agent := range v.cfg.AgentRegistry.GetAll() {
		// Validate provider reference if specified
		if agent.Provider != "" && !v.cfg.ProviderRegistry.Has(agent.Provider) {
			return NewValidationError("agent", key, "provider", fmt.Errorf("provider '%s' not found", agent.Provider))
		}

		// Validate memory strategy if specified
		if agent.MemoryStrategy != "" && !agent.MemoryStrategy.IsValid() {
			return NewValidationError("agent", key, "memory_strategy", fmt.Errorf("invalid strategy: %s", agent.MemoryStrategy))
		}

		// Validate memory window if specified
		if agent.MemoryWindow < 0 {
			return NewValidationError("agent", key, "memory_window", fmt.Errorf("must not be negative"))
		}

		// Validate summarize threshold if specified
		if agent.SummarizeThreshold != 0 && agent.SummarizeThreshold < 2 {
			return NewValidationError("agent", key, "summarize_threshold", fmt.Errorf("must be at least 2"))
		}

		// Validate max turns if specified
		if agent.MaxTurns != nil && *agent.MaxTurns < 1 {
			return NewValidationError("agent", key, "max_turns", fmt.Errorf("must be at least 1"))
		}

		// Validate guardrail preset reference if specified
		if agent.GuardrailPreset != "" && !v.cfg.PresetRegistry.Has(agent.GuardrailPreset) {
			return NewValidationError("agent", key, "guardrail_preset", fmt.Errorf("preset '%s' not found", agent.GuardrailPreset))
		}
	}

	return nil
}

func (v *ConfigValidator) validateWorkflows() error {
	defaultKey := ""

	for key, wf := range v.cfg.WorkflowRegistry.GetAll() {
		// At most one workflow may be the default
		if wf.Default {
			if defaultKey != "" {
				return NewValidationError("workflow", key, "default", fmt.Errorf("'%s' is already the default workflow", defaultKey))
			}
			defaultKey = key
		}

		// Validate stages
		if len(wf.Stages) == 0 {
			return NewValidationError("workflow", key, "stages", fmt.Errorf("at least one stage required"))
		}

		stepNames := make(map[string]bool)
		for i, stage := range wf.Stages {
			if err := v.validateStage(key, i, &stage, stepNames); err != nil {
				return err
			}
		}

		// Validate handoff agent references
		for _, agentKey := range wf.AllowHandoffAgents {
			if !v.cfg.AgentRegistry.Has(agentKey) {
				return NewValidationError("workflow", key, "allow_handoff_agents", fmt.Errorf("agent '%s' not found", agentKey))
			}
		}
	}

	return nil
}

func (v *ConfigValidator) validateStage(workflowKey string, stageIndex int, stage *WorkflowStageConfig, stepNames map[string]bool) error {
	stageRef := fmt.Sprintf("workflow '%s' stage %d", workflowKey, stageIndex)

	// Validate stage name
	if stage.Name == "" {
		return fmt.Errorf("%s: stage name required", stageRef)
	}

	// Validate mode if specified
	if stage.Mode != "" && !stage.Mode.IsValid() {
		return fmt.Errorf("%s: invalid mode: %s", stageRef, stage.Mode)
	}

	// Reducers only apply to parallel stages
	if stage.Reducer != "" && stage.Mode != StageModeParallel {
		return fmt.Errorf("%s: reducer set on a sequential stage", stageRef)
	}

	// Validate steps (must have at least 1)
	if len(stage.Steps) == 0 {
		return fmt.Errorf("%s: must specify at least one step", stageRef)
	}

	for _, step := range stage.Steps {
		// Step names are unique across the whole workflow so recorded step
		// results stay addressable
		if stepNames[step.Name] {
			return fmt.Errorf("%s: duplicate step name '%s'", stageRef, step.Name)
		}
		stepNames[step.Name] = true

		// Validate agent reference
		if step.AgentKey == "" {
			return fmt.Errorf("%s: step '%s' missing agent_key", stageRef, step.Name)
		}
		if !v.cfg.AgentRegistry.Has(step.AgentKey) {
			return fmt.Errorf("%s: agent '%s' not found", stageRef, step.AgentKey)
		}

		// Validate step-level max turns if specified
		if step.MaxTurns != nil && *step.MaxTurns < 1 {
			return fmt.Errorf("%s: step '%s' max_turns must be at least 1", stageRef, step.Name)
		}
	}

	return nil
}

func (v *ConfigValidator) validateGuardrails() error {
	for key, spec := range v.cfg.GuardrailRegistry.GetAll() {
		// Validate stage
		if !spec.Stage.IsValid() {
			return NewValidationError("guardrail", key, "stage", fmt.Errorf("invalid stage: %s", spec.Stage))
		}

		// Validate engine
		if !spec.Engine.IsValid() {
			return NewValidationError("guardrail", key, "engine", fmt.Errorf("invalid engine: %s", spec.Engine))
		}

		// Validate check name is present; resolution against the check
		// registration map happens at pipeline construction
		if spec.Check == "" {
			return NewValidationError("guardrail", key, "check", fmt.Errorf("check required"))
		}
	}

	return nil
}

func (v *ConfigValidator) validatePresets() error {
	for name, preset := range v.cfg.PresetRegistry.GetAll() {
		if len(preset.Bundles) == 0 {
			return NewValidationError("preset", name, "bundles", fmt.Errorf("at least one bundle required"))
		}

		for i, bundle := range preset.Bundles {
			bundleRef := fmt.Sprintf("bundles[%d]", i)

			if len(bundle.Guardrails) == 0 {
				return NewValidationError("preset", name, bundleRef+".guardrails", fmt.Errorf("at least one guardrail required"))
			}
			if bundle.Concurrency < 0 {
				return NewValidationError("preset", name, bundleRef+".concurrency", fmt.Errorf("must not be negative"))
			}

			for j, attachment := range bundle.Guardrails {
				if attachment.Spec == "" {
					return NewValidationError("preset", name, fmt.Sprintf("%s.guardrails[%d].spec", bundleRef, j), fmt.Errorf("spec required"))
				}
				if !v.cfg.GuardrailRegistry.Has(attachment.Spec) {
					return NewValidationError("preset", name, fmt.Sprintf("%s.guardrails[%d].spec", bundleRef, j), fmt.Errorf("guardrail '%s' not found", attachment.Spec))
				}
			}
		}
	}

	return nil
}

func (v *ConfigValidator) validateDefaults() error {
	d := v.cfg.Defaults

	if d.Provider != "" && !v.cfg.ProviderRegistry.Has(d.Provider) {
		return NewValidationError("defaults", "defaults", "provider", fmt.Errorf("provider '%s' not found", d.Provider))
	}
	if d.Agent != "" && !v.cfg.AgentRegistry.Has(d.Agent) {
		return NewValidationError("defaults", "defaults", "agent", fmt.Errorf("agent '%s' not found", d.Agent))
	}
	if d.GuardrailPreset != "" && !v.cfg.PresetRegistry.Has(d.GuardrailPreset) {
		return NewValidationError("defaults", "defaults", "guardrail_preset", fmt.Errorf("preset '%s' not found", d.GuardrailPreset))
	}
	if d.MemoryStrategy != "" && !d.MemoryStrategy.IsValid() {
		return NewValidationError("defaults", "defaults", "memory_strategy", fmt.Errorf("invalid strategy: %s", d.MemoryStrategy))
	}
	if d.MaxTurns != nil && *d.MaxTurns < 1 {
		return NewValidationError("defaults", "defaults", "max_turns", fmt.Errorf("must be at least 1"))
	}

	return nil
}

func (v *ConfigValidator) validateAuth() error {
	auth := v.cfg.Auth

	if auth.Issuer == "" {
		return NewValidationError("auth", "auth", "issuer", fmt.Errorf("issuer required"))
	}
	if auth.Audience == "" {
		return NewValidationError("auth", "auth", "audience", fmt.Errorf("audience required"))
	}
	if auth.ClockSkew < 0 {
		return NewValidationError("auth", "auth", "clock_skew", fmt.Errorf("must not be negative"))
	}

	// Key material is mandatory outside local environments
	if !v.cfg.Environment.IsLocal() && auth.Keys.Active == nil {
		return NewValidationError("auth", "auth", "keys.active", fmt.Errorf("active signing key required in %s", v.cfg.Environment))
	}

	// Every configured slot needs both kid and secret, and kids must be
	// distinct so header routing is unambiguous
	kids := make(map[string]string)
	for slot, key := range map[string]*SigningKeyConfig{
		"active":   auth.Keys.Active,
		"next":     auth.Keys.Next,
		"previous": auth.Keys.Previous,
	} {
		if key == nil {
			continue
		}
		if key.KID == "" {
			return NewValidationError("auth", "auth", "keys."+slot+".kid", fmt.Errorf("kid required"))
		}
		if key.Secret == "" {
			return NewValidationError("auth", "auth", "keys."+slot+".secret", fmt.Errorf("secret required"))
		}
		if other, dup := kids[key.KID]; dup {
			return NewValidationError("auth", "auth", "keys."+slot+".kid", fmt.Errorf("kid '%s' already used by %s slot", key.KID, other))
		}
		kids[key.KID] = slot
	}

	return nil
}

func (v *ConfigValidator) validateRateLimits() error {
	for i, quota := range v.cfg.RateLimit.Quotas {
		ref := fmt.Sprintf("quotas[%d]", i)

		if quota.Name == "" {
			return NewValidationError("rate_limit", "rate_limit", ref+".name", fmt.Errorf("name required"))
		}
		if quota.Limit < 1 {
			return NewValidationError("rate_limit", quota.Name, ref+".limit", fmt.Errorf("must be at least 1"))
		}
		if quota.Window <= 0 {
			return NewValidationError("rate_limit", quota.Name, ref+".window", fmt.Errorf("must be positive"))
		}
		if quota.Scope != "" && !quota.Scope.IsValid() {
			return NewValidationError("rate_limit", quota.Name, ref+".scope", fmt.Errorf("invalid scope: %s", quota.Scope))
		}
	}

	return nil
}

func (v *ConfigValidator) validateUsageLimits() error {
	for i, limit := range v.cfg.UsageLimits.Limits {
		ref := fmt.Sprintf("limits[%d]", i)

		if limit.Feature == "" {
			return NewValidationError("usage_limit", "usage_limits", ref+".feature", fmt.Errorf("feature required"))
		}
		if !limit.Metric.IsValid() {
			return NewValidationError("usage_limit", limit.Feature, ref+".metric", fmt.Errorf("invalid metric: %s", limit.Metric))
		}
		if limit.Limit < 1 {
			return NewValidationError("usage_limit", limit.Feature, ref+".limit", fmt.Errorf("must be at least 1"))
		}
		if !usageGranularities[limit.Granularity] {
			return NewValidationError("usage_limit", limit.Feature, ref+".granularity", fmt.Errorf("invalid granularity: %s", limit.Granularity))
		}
		switch limit.Enforcement {
		case "", "hard", "soft":
		default:
			return NewValidationError("usage_limit", limit.Feature, ref+".enforcement", fmt.Errorf("must be hard or soft: %s", limit.Enforcement))
		}
	}

	return nil
}

func (v *ConfigValidator) validateSystem() error {
	if v.cfg.Server.Port < 1 || v.cfg.Server.Port > 65535 {
		return NewValidationError("server", "server", "port", fmt.Errorf("must be between 1 and 65535"))
	}

	if v.cfg.Ledger.InlineMaxBytes < 1024 {
		return NewValidationError("ledger", "ledger", "inline_max_bytes", fmt.Errorf("must be at least 1024"))
	}
	if v.cfg.Ledger.WriteDeadline <= 0 {
		return NewValidationError("ledger", "ledger", "write_deadline", fmt.Errorf("must be positive"))
	}

	if v.cfg.Stream.HeartbeatInterval <= 0 {
		return NewValidationError("stream", "stream", "heartbeat_interval", fmt.Errorf("must be positive"))
	}
	if v.cfg.Stream.ReplayBatchSize < 1 {
		return NewValidationError("stream", "stream", "replay_batch_size", fmt.Errorf("must be at least 1"))
	}

	if v.cfg.WorkerPool.WorkerCount < 1 {
		return NewValidationError("worker_pool", "worker_pool", "worker_count", fmt.Errorf("must be at least 1"))
	}
	if v.cfg.WorkerPool.MaxConcurrentRuns < 1 {
		return NewValidationError("worker_pool", "worker_pool", "max_concurrent_runs", fmt.Errorf("must be at least 1"))
	}

	if !v.cfg.ObjectStore.Provider.IsValid() {
		return NewValidationError("object_store", "object_store", "provider", fmt.Errorf("invalid provider: %s", v.cfg.ObjectStore.Provider))
	}
	if v.cfg.ObjectStore.Provider != ObjectStoreMemory && v.cfg.ObjectStore.Bucket == "" {
		return NewValidationError("object_store", "object_store", "bucket", fmt.Errorf("bucket required for %s", v.cfg.ObjectStore.Provider))
	}

	if v.cfg.Retention.ConversationRetentionDays < 1 {
		return NewValidationError("retention", "retention", "conversation_retention_days", fmt.Errorf("must be at least 1"))
	}
	if v.cfg.Retention.RunRetentionDays < 1 {
		return NewValidationError("retention", "retention", "run_retention_days", fmt.Errorf("must be at least 1"))
	}

	return nil
}
