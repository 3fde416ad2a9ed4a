package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validTestConfig builds a minimal valid configuration for validator tests.
func validTestConfig() *Config {
	return &Config{
		Environment: EnvTest,
		Defaults: &Defaults{
			Provider:        "scripted",
			Agent:           "triage",
			GuardrailPreset: "standard",
			MemoryStrategy:  MemoryStrategyWindow,
			MemoryWindow:    50,
		},
		Server:        DefaultServerConfig(),
		Auth:          DefaultAuthConfig(),
		Redis:         &RedisConfig{},
		ObjectStore:   DefaultObjectStoreConfig(),
		Observability: &ObservabilityConfig{},
		RateLimit:     DefaultRateLimitConfig(),
		UsageLimits:   DefaultUsageLimitsConfig(),
		Ledger:        DefaultLedgerConfig(),
		Stream:        DefaultStreamConfig(),
		Session:       DefaultSessionConfig(),
		WorkerPool:    DefaultWorkerPoolConfig(),
		Retention:     DefaultRetentionConfig(),
		AgentRegistry: NewAgentRegistry(map[string]*AgentConfig{
			"triage":   {Provider: "scripted"},
			"analysis": {Provider: "scripted"},
		}),
		WorkflowRegistry: NewWorkflowRegistry(map[string]*WorkflowConfig{
			"main": {
				Default: true,
				Stages: []WorkflowStageConfig{
					{
						Name: "main",
						Steps: []WorkflowStepConfig{
							{Name: "triage", AgentKey: "triage"},
						},
					},
				},
			},
		}),
		ProviderRegistry: NewProviderRegistry(map[string]*ProviderConfig{
			"scripted": {Type: ProviderTypeScripted},
		}),
		GuardrailRegistry: NewGuardrailRegistry(map[string]*GuardrailSpecConfig{
			"pii_detection_output": {
				Stage:  StageOutput,
				Engine: EngineRegex,
				Check:  "regex_redact",
			},
		}),
		PresetRegistry: NewPresetRegistry(map[string]*GuardrailPresetConfig{
			"standard": {
				Bundles: []GuardrailBundleConfig{
					{Guardrails: []GuardrailAttachment{{Spec: "pii_detection_output"}}},
				},
			},
		}),
	}
}

func TestValidateAllValid(t *testing.T) {
	cfg := validTestConfig()
	require.NoError(t, NewValidator(cfg).ValidateAll())
}

func TestValidateProviderMissingModel(t *testing.T) {
	cfg := validTestConfig()
	cfg.ProviderRegistry = NewProviderRegistry(map[string]*ProviderConfig{
		"scripted": {Type: ProviderTypeScripted},
		"real":     {Type: ProviderTypeOpenAI, APIKeyEnv: "OPENAI_API_KEY"},
	})

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_model required")
}

func TestValidateProviderKeyEnvEnforcedOutsideLocal(t *testing.T) {
	cfg := validTestConfig()
	cfg.ProviderRegistry = NewProviderRegistry(map[string]*ProviderConfig{
		"scripted": {Type: ProviderTypeScripted},
		"real": {
			Type:         ProviderTypeOpenAI,
			APIKeyEnv:    "ARION_TEST_MISSING_KEY",
			DefaultModel: "gpt-4o-mini",
		},
	})
	cfg.AgentRegistry = NewAgentRegistry(map[string]*AgentConfig{
		"triage": {Provider: "scripted"},
	})
	cfg.WorkflowRegistry = NewWorkflowRegistry(map[string]*WorkflowConfig{})
	cfg.Auth.Keys.Active = &SigningKeyConfig{KID: "k1", Secret: "s"}

	// Local environment tolerates the unset variable
	cfg.Environment = EnvTest
	require.NoError(t, NewValidator(cfg).ValidateAll())

	// Production does not
	cfg.Environment = EnvProduction
	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARION_TEST_MISSING_KEY")
}

func TestValidateAgentUnknownProvider(t *testing.T) {
	cfg := validTestConfig()
	cfg.AgentRegistry = NewAgentRegistry(map[string]*AgentConfig{
		"triage": {Provider: "ghost"},
	})
	cfg.WorkflowRegistry = NewWorkflowRegistry(map[string]*WorkflowConfig{})

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider 'ghost' not found")
}

func TestValidateWorkflowUnknownAgent(t *testing.T) {
	cfg := validTestConfig()
	cfg.WorkflowRegistry = NewWorkflowRegistry(map[string]*WorkflowConfig{
		"broken": {
			Stages: []WorkflowStageConfig{
				{Name: "main", Steps: []WorkflowStepConfig{{Name: "x", AgentKey: "ghost"}}},
			},
		},
	})

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent 'ghost' not found")
}

func TestValidateWorkflowDuplicateDefault(t *testing.T) {
	cfg := validTestConfig()
	stage := []WorkflowStageConfig{
		{Name: "main", Steps: []WorkflowStepConfig{{Name: "s", AgentKey: "triage"}}},
	}
	stageB := []WorkflowStageConfig{
		{Name: "main", Steps: []WorkflowStepConfig{{Name: "s", AgentKey: "triage"}}},
	}
	cfg.WorkflowRegistry = NewWorkflowRegistry(map[string]*WorkflowConfig{
		"a": {Default: true, Stages: stage},
		"b": {Default: true, Stages: stageB},
	})

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already the default workflow")
}

func TestValidateWorkflowDuplicateStepName(t *testing.T) {
	cfg := validTestConfig()
	cfg.WorkflowRegistry = NewWorkflowRegistry(map[string]*WorkflowConfig{
		"dup": {
			Stages: []WorkflowStageConfig{
				{
					Name: "main",
					Steps: []WorkflowStepConfig{
						{Name: "same", AgentKey: "triage"},
						{Name: "same", AgentKey: "analysis"},
					},
				},
			},
		},
	})

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step name")
}

func TestValidateWorkflowReducerOnSequentialStage(t *testing.T) {
	cfg := validTestConfig()
	cfg.WorkflowRegistry = NewWorkflowRegistry(map[string]*WorkflowConfig{
		"bad": {
			Stages: []WorkflowStageConfig{
				{
					Name:    "main",
					Mode:    StageModeSequential,
					Reducer: "concat",
					Steps:   []WorkflowStepConfig{{Name: "s", AgentKey: "triage"}},
				},
			},
		},
	})

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reducer set on a sequential stage")
}

func TestValidatePresetUnknownSpec(t *testing.T) {
	cfg := validTestConfig()
	cfg.PresetRegistry = NewPresetRegistry(map[string]*GuardrailPresetConfig{
		"standard": {
			Bundles: []GuardrailBundleConfig{
				{Guardrails: []GuardrailAttachment{{Spec: "no-such-guardrail"}}},
			},
		},
	})

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "guardrail 'no-such-guardrail' not found")
}

func TestValidateAuthRequiresKeysInProduction(t *testing.T) {
	cfg := validTestConfig()
	cfg.Environment = EnvProduction

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "active signing key required")
}

func TestValidateAuthDuplicateKid(t *testing.T) {
	cfg := validTestConfig()
	cfg.Auth.Keys = KeySetConfig{
		Active:   &SigningKeyConfig{KID: "2026-01", Secret: "a"},
		Previous: &SigningKeyConfig{KID: "2026-01", Secret: "b"},
	}

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used")
}

func TestValidateRateLimitQuota(t *testing.T) {
	cfg := validTestConfig()
	cfg.RateLimit = &RateLimitConfig{
		Quotas: []QuotaConfig{{Name: "bad", Limit: 10, Window: -time.Second}},
	}

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "window")
}

func TestValidateUsageLimitGranularity(t *testing.T) {
	cfg := validTestConfig()
	cfg.UsageLimits = &UsageLimitsConfig{
		Limits: []UsageLimitConfig{
			{Feature: "messages", Metric: MetricRequests, Limit: 5, Granularity: "fortnight"},
		},
	}

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid granularity")
}

func TestValidateSystemBounds(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "between 1 and 65535",
		},
		{
			name:    "inline max too small",
			mutate:  func(c *Config) { c.Ledger.InlineMaxBytes = 100 },
			wantErr: "at least 1024",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.WorkerPool.WorkerCount = 0 },
			wantErr: "worker_count",
		},
		{
			name:    "s3 without bucket",
			mutate:  func(c *Config) { c.ObjectStore.Provider = ObjectStoreS3 },
			wantErr: "bucket required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)

			err := NewValidator(cfg).ValidateAll()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
