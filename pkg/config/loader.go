package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ArionYAMLConfig represents the complete arion.yaml file structure
type ArionYAMLConfig struct {
	System     *SystemYAMLConfig         `yaml:"system"`
	Agents     map[string]AgentConfig    `yaml:"agents"`
	Workflows  map[string]WorkflowConfig `yaml:"workflows"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
	Defaults   *Defaults                 `yaml:"defaults"`
	WorkerPool *WorkerPoolConfig         `yaml:"worker_pool"`
}

// SystemYAMLConfig groups system-wide infrastructure settings.
type SystemYAMLConfig struct {
	Environment   Environment          `yaml:"environment"`
	Server        *ServerConfig        `yaml:"server"`
	Auth          *AuthConfig          `yaml:"auth"`
	Redis         *RedisConfig         `yaml:"redis"`
	ObjectStore   *ObjectStoreConfig   `yaml:"object_store"`
	Observability *ObservabilityConfig `yaml:"observability"`
	RateLimit     *RateLimitConfig     `yaml:"rate_limit"`
	UsageLimits   *UsageLimitsConfig   `yaml:"usage_limits"`
	Ledger        *LedgerConfig        `yaml:"ledger"`
	Stream        *StreamConfig        `yaml:"stream"`
	Session       *SessionConfig       `yaml:"session"`
	Retention     *RetentionConfig     `yaml:"retention"`
}

// GuardrailsYAMLConfig represents the complete guardrails.yaml file structure
type GuardrailsYAMLConfig struct {
	Guardrails map[string]GuardrailSpecConfig   `yaml:"guardrails"`
	Presets    map[string]GuardrailPresetConfig `yaml:"presets"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load YAML files from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge built-in + user-defined configurations
//  5. Apply step-name defaults on workflows
//  6. Build in-memory registries
//  7. Resolve section defaults
//  8. Validate all configuration
//  9. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	// 1. Load configuration files
	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Validate all configuration
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"environment", cfg.Environment,
		"agents", stats.Agents,
		"workflows", stats.Workflows,
		"providers", stats.Providers,
		"guardrails", stats.Guardrails,
		"presets", stats.Presets)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	// 1. Load arion.yaml (system, agents, workflows, providers, defaults, worker pool)
	arionConfig, err := loader.loadArionYAML()
	if err != nil {
		return nil, NewLoadError("arion.yaml", err)
	}

	// 2. Load guardrails.yaml (specs + presets)
	guardrailsConfig, err := loader.loadGuardrailsYAML()
	if err != nil {
		return nil, NewLoadError("guardrails.yaml", err)
	}

	// 3. Get built-in configuration
	builtin := GetBuiltinConfig()

	// 4. Merge built-in + user-defined components (user overrides built-in)
	agents := mergeAgents(builtin.Agents, arionConfig.Agents)
	workflows := mergeWorkflows(builtin.Workflows, arionConfig.Workflows)
	providers := mergeProviders(builtin.Providers, arionConfig.Providers)
	guardrails := mergeGuardrails(builtin.GuardrailSpecs, guardrailsConfig.Guardrails)
	presets := mergePresets(builtin.Presets, guardrailsConfig.Presets)

	// 5. Apply step-name defaults (before validation)
	for _, wf := range workflows {
		applyStepNameDefaults(wf)
	}

	// 6. Build registries
	agentRegistry := NewAgentRegistry(agents)
	workflowRegistry := NewWorkflowRegistry(workflows)
	providerRegistry := NewProviderRegistry(providers)
	guardrailRegistry := NewGuardrailRegistry(guardrails)
	presetRegistry := NewPresetRegistry(presets)

	// 7. Resolve defaults (YAML overrides built-in)
	defaults := arionConfig.Defaults
	if defaults == nil {
		defaults = &Defaults{}
	}
	if defaults.Provider == "" {
		defaults.Provider = "openai-default"
	}
	if defaults.Agent == "" {
		defaults.Agent = builtin.DefaultAgent
	}
	if defaults.GuardrailPreset == "" {
		defaults.GuardrailPreset = builtin.DefaultPreset
	}
	if defaults.MemoryStrategy == "" {
		defaults.MemoryStrategy = MemoryStrategyWindow
	}
	if defaults.MemoryWindow == 0 {
		defaults.MemoryWindow = 50
	}

	sys := arionConfig.System

	// Resolve worker pool config (merge user YAML with built-in defaults)
	poolConfig := DefaultWorkerPoolConfig()
	if arionConfig.WorkerPool != nil {
		if err := mergo.Merge(poolConfig, arionConfig.WorkerPool, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge worker pool config: %w", err)
		}
	}

	serverConfig, err := resolveServerConfig(sys)
	if err != nil {
		return nil, err
	}
	authConfig, err := resolveAuthConfig(sys)
	if err != nil {
		return nil, err
	}
	objectStoreConfig, err := resolveObjectStoreConfig(sys)
	if err != nil {
		return nil, err
	}
	rateLimitConfig, err := resolveRateLimitConfig(sys)
	if err != nil {
		return nil, err
	}
	usageLimitsConfig, err := resolveUsageLimitsConfig(sys)
	if err != nil {
		return nil, err
	}
	ledgerConfig, err := resolveLedgerConfig(sys)
	if err != nil {
		return nil, err
	}
	streamConfig, err := resolveStreamConfig(sys)
	if err != nil {
		return nil, err
	}
	retentionConfig, err := resolveRetentionConfig(sys)
	if err != nil {
		return nil, err
	}

	return &Config{
		configDir:         configDir,
		Environment:       resolveEnvironment(sys),
		Defaults:          defaults,
		Server:            serverConfig,
		Auth:              authConfig,
		Redis:             resolveRedisConfig(sys),
		ObjectStore:       objectStoreConfig,
		Observability:     resolveObservabilityConfig(sys),
		RateLimit:         rateLimitConfig,
		UsageLimits:       usageLimitsConfig,
		Ledger:            ledgerConfig,
		Stream:            streamConfig,
		Session:           resolveSessionConfig(sys),
		WorkerPool:        poolConfig,
		Retention:         retentionConfig,
		AgentRegistry:     agentRegistry,
		WorkflowRegistry:  workflowRegistry,
		ProviderRegistry:  providerRegistry,
		GuardrailRegistry: guardrailRegistry,
		PresetRegistry:    presetRegistry,
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

// applyStepNameDefaults fills empty step names with the step's agent key.
// A duplicate produced here (two unnamed steps on the same agent) is caught
// by validation.
func applyStepNameDefaults(wf *WorkflowConfig) {
	for si := range wf.Stages {
		for pi := range wf.Stages[si].Steps {
			step := &wf.Stages[si].Steps[pi]
			if step.Name == "" {
				step.Name = step.AgentKey
			}
		}
	}
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	// Parse YAML
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadArionYAML() (*ArionYAMLConfig, error) {
	var config ArionYAMLConfig

	// Initialize maps to avoid nil maps
	config.Agents = make(map[string]AgentConfig)
	config.Workflows = make(map[string]WorkflowConfig)
	config.Providers = make(map[string]ProviderConfig)

	if err := l.loadYAML("arion.yaml", &config); err != nil {
		return nil, err
	}

	return &config, nil
}

func (l *configLoader) loadGuardrailsYAML() (*GuardrailsYAMLConfig, error) {
	var config GuardrailsYAMLConfig

	// Initialize maps to avoid nil maps
	config.Guardrails = make(map[string]GuardrailSpecConfig)
	config.Presets = make(map[string]GuardrailPresetConfig)

	if err := l.loadYAML("guardrails.yaml", &config); err != nil {
		return nil, err
	}

	return &config, nil
}

// resolveEnvironment resolves the runtime environment: system YAML wins,
// then the ARION_ENV variable, then development.
func resolveEnvironment(sys *SystemYAMLConfig) Environment {
	if sys != nil && sys.Environment != "" {
		return sys.Environment
	}
	if env := os.Getenv("ARION_ENV"); env != "" {
		return Environment(env)
	}
	return EnvDevelopment
}

// resolveServerConfig resolves server configuration from system YAML, applying defaults.
func resolveServerConfig(sys *SystemYAMLConfig) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if sys != nil && sys.Server != nil {
		if err := mergo.Merge(cfg, sys.Server, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge server config: %w", err)
		}
	}
	return cfg, nil
}

// resolveAuthConfig resolves auth configuration from system YAML, applying defaults.
func resolveAuthConfig(sys *SystemYAMLConfig) (*AuthConfig, error) {
	cfg := DefaultAuthConfig()
	if sys != nil && sys.Auth != nil {
		if err := mergo.Merge(cfg, sys.Auth, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge auth config: %w", err)
		}
	}
	return cfg, nil
}

// resolveRedisConfig resolves Redis configuration from system YAML.
// There are no defaults: an absent section means no Redis.
func resolveRedisConfig(sys *SystemYAMLConfig) *RedisConfig {
	if sys != nil && sys.Redis != nil {
		return sys.Redis
	}
	return &RedisConfig{}
}

// resolveObjectStoreConfig resolves object store configuration from system YAML, applying defaults.
func resolveObjectStoreConfig(sys *SystemYAMLConfig) (*ObjectStoreConfig, error) {
	cfg := DefaultObjectStoreConfig()
	if sys != nil && sys.ObjectStore != nil {
		if err := mergo.Merge(cfg, sys.ObjectStore, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge object store config: %w", err)
		}
	}
	return cfg, nil
}

// resolveObservabilityConfig resolves observability configuration from system YAML.
// There are no defaults: an absent section leaves the no-op providers installed.
func resolveObservabilityConfig(sys *SystemYAMLConfig) *ObservabilityConfig {
	if sys != nil && sys.Observability != nil {
		return sys.Observability
	}
	return &ObservabilityConfig{}
}

// resolveRateLimitConfig resolves rate limit configuration from system YAML, applying defaults.
// A user-provided quota list replaces the built-in list wholesale.
func resolveRateLimitConfig(sys *SystemYAMLConfig) (*RateLimitConfig, error) {
	cfg := DefaultRateLimitConfig()
	if sys != nil && sys.RateLimit != nil {
		if err := mergo.Merge(cfg, sys.RateLimit, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge rate limit config: %w", err)
		}
	}
	return cfg, nil
}

// resolveUsageLimitsConfig resolves usage guardrail configuration from system YAML, applying defaults.
// A user-provided limit list replaces the built-in list wholesale.
func resolveUsageLimitsConfig(sys *SystemYAMLConfig) (*UsageLimitsConfig, error) {
	cfg := DefaultUsageLimitsConfig()
	if sys != nil && sys.UsageLimits != nil {
		if err := mergo.Merge(cfg, sys.UsageLimits, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge usage limits config: %w", err)
		}
	}
	return cfg, nil
}

// resolveLedgerConfig resolves ledger configuration from system YAML, applying defaults.
func resolveLedgerConfig(sys *SystemYAMLConfig) (*LedgerConfig, error) {
	cfg := DefaultLedgerConfig()
	if sys != nil && sys.Ledger != nil {
		if err := mergo.Merge(cfg, sys.Ledger, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge ledger config: %w", err)
		}
	}
	return cfg, nil
}

// resolveStreamConfig resolves stream configuration from system YAML, applying defaults.
func resolveStreamConfig(sys *SystemYAMLConfig) (*StreamConfig, error) {
	cfg := DefaultStreamConfig()
	if sys != nil && sys.Stream != nil {
		if err := mergo.Merge(cfg, sys.Stream, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge stream config: %w", err)
		}
	}
	return cfg, nil
}

// resolveSessionConfig resolves session policy from system YAML.
// Both knobs default off; booleans need no merge machinery.
func resolveSessionConfig(sys *SystemYAMLConfig) *SessionConfig {
	if sys != nil && sys.Session != nil {
		return sys.Session
	}
	return DefaultSessionConfig()
}

// resolveRetentionConfig resolves retention configuration from system YAML, applying defaults.
func resolveRetentionConfig(sys *SystemYAMLConfig) (*RetentionConfig, error) {
	cfg := DefaultRetentionConfig()
	if sys != nil && sys.Retention != nil {
		if err := mergo.Merge(cfg, sys.Retention, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge retention config: %w", err)
		}
	}
	return cfg, nil
}
