package config

// Config is the umbrella configuration object that encapsulates
// all registries, defaults, and configuration state.
// This is the primary object returned by Initialize() and used throughout the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// Runtime environment (development, staging, production, test)
	Environment Environment

	// System-wide defaults
	Defaults *Defaults

	// Infrastructure sections
	Server        *ServerConfig
	Auth          *AuthConfig
	Redis         *RedisConfig
	ObjectStore   *ObjectStoreConfig
	Observability *ObservabilityConfig

	// Enforcement sections
	RateLimit   *RateLimitConfig
	UsageLimits *UsageLimitsConfig

	// Streaming and persistence sections
	Ledger  *LedgerConfig
	Stream  *StreamConfig
	Session *SessionConfig

	// Background work sections
	WorkerPool *WorkerPoolConfig
	Retention  *RetentionConfig

	// Component registries
	AgentRegistry     *AgentRegistry
	WorkflowRegistry  *WorkflowRegistry
	ProviderRegistry  *ProviderRegistry
	GuardrailRegistry *GuardrailRegistry
	PresetRegistry    *PresetRegistry
}

// Initialize is defined in loader.go

// Stats contains statistics about loaded configuration
type Stats struct {
	Agents     int
	Workflows  int
	Providers  int
	Guardrails int
	Presets    int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.AgentRegistry != nil {
		s.Agents = c.AgentRegistry.Len()
	}
	if c.WorkflowRegistry != nil {
		s.Workflows = c.WorkflowRegistry.Len()
	}
	if c.ProviderRegistry != nil {
		s.Providers = c.ProviderRegistry.Len()
	}
	if c.GuardrailRegistry != nil {
		s.Guardrails = c.GuardrailRegistry.Len()
	}
	if c.PresetRegistry != nil {
		s.Presets = c.PresetRegistry.Len()
	}
	return s
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetAgent retrieves an agent configuration by key.
// This is a convenience method that wraps AgentRegistry.Get().
func (c *Config) GetAgent(key string) (*AgentConfig, error) {
	return c.AgentRegistry.Get(key)
}

// GetWorkflow retrieves a workflow configuration by key.
// This is a convenience method that wraps WorkflowRegistry.Get().
func (c *Config) GetWorkflow(key string) (*WorkflowConfig, error) {
	return c.WorkflowRegistry.Get(key)
}

// GetProvider retrieves a provider configuration by name.
// This is a convenience method that wraps ProviderRegistry.Get().
func (c *Config) GetProvider(name string) (*ProviderConfig, error) {
	return c.ProviderRegistry.Get(name)
}

// GetGuardrail retrieves a guardrail spec by key.
// This is a convenience method that wraps GuardrailRegistry.Get().
func (c *Config) GetGuardrail(key string) (*GuardrailSpecConfig, error) {
	return c.GuardrailRegistry.Get(key)
}

// GetPreset retrieves a guardrail preset by name.
// This is a convenience method that wraps PresetRegistry.Get().
func (c *Config) GetPreset(name string) (*GuardrailPresetConfig, error) {
	return c.PresetRegistry.Get(name)
}

// AgentForMessage resolves the agent key for a direct conversation message,
// falling back to the defaults.agent when the request names none.
func (c *Config) AgentForMessage(requested string) string {
	if requested != "" {
		return requested
	}
	return c.Defaults.Agent
}
