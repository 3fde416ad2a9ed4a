package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvironmentIsValid(t *testing.T) {
	tests := []struct {
		name  string
		env   Environment
		valid bool
	}{
		{"development", EnvDevelopment, true},
		{"staging", EnvStaging, true},
		{"production", EnvProduction, true},
		{"test", EnvTest, true},
		{"invalid", Environment("invalid"), false},
		{"empty", Environment(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.env.IsValid())
		})
	}
}

func TestEnvironmentIsLocal(t *testing.T) {
	assert.True(t, EnvDevelopment.IsLocal())
	assert.True(t, EnvTest.IsLocal())
	assert.False(t, EnvStaging.IsLocal())
	assert.False(t, EnvProduction.IsLocal())
}

func TestProviderTypeIsValid(t *testing.T) {
	tests := []struct {
		name         string
		providerType ProviderType
		valid        bool
	}{
		{"openai", ProviderTypeOpenAI, true},
		{"anthropic", ProviderTypeAnthropic, true},
		{"scripted", ProviderTypeScripted, true},
		{"invalid", ProviderType("invalid"), false},
		{"empty", ProviderType(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.providerType.IsValid())
		})
	}
}

func TestMemoryStrategyTypeIsValid(t *testing.T) {
	tests := []struct {
		name     string
		strategy MemoryStrategyType
		valid    bool
	}{
		{"none", MemoryStrategyNone, true},
		{"window", MemoryStrategyWindow, true},
		{"summarize", MemoryStrategySummarize, true},
		{"invalid", MemoryStrategyType("invalid"), false},
		{"empty", MemoryStrategyType(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.strategy.IsValid())
		})
	}
}

func TestGuardrailStageIsValid(t *testing.T) {
	tests := []struct {
		name  string
		stage GuardrailStage
		valid bool
	}{
		{"pre_flight", StagePreFlight, true},
		{"input", StageInput, true},
		{"output", StageOutput, true},
		{"tool_input", StageToolInput, true},
		{"tool_output", StageToolOutput, true},
		{"invalid", GuardrailStage("invalid"), false},
		{"empty", GuardrailStage(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.stage.IsValid())
		})
	}
}

func TestGuardrailStageBlocking(t *testing.T) {
	assert.True(t, StagePreFlight.Blocking())
	assert.True(t, StageInput.Blocking())
	assert.True(t, StageToolInput.Blocking())
	assert.False(t, StageOutput.Blocking())
	assert.False(t, StageToolOutput.Blocking())
}

func TestStageModeIsValid(t *testing.T) {
	assert.True(t, StageModeSequential.IsValid())
	assert.True(t, StageModeParallel.IsValid())
	assert.False(t, StageMode("concurrent").IsValid())
	assert.False(t, StageMode("").IsValid())
}

func TestRateLimitScopeIsValid(t *testing.T) {
	tests := []struct {
		name  string
		scope RateLimitScope
		valid bool
	}{
		{"ip", ScopeIP, true},
		{"user", ScopeUser, true},
		{"tenant", ScopeTenant, true},
		{"global", ScopeGlobal, true},
		{"invalid", RateLimitScope("invalid"), false},
		{"empty", RateLimitScope(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.scope.IsValid())
		})
	}
}

func TestObjectStoreProviderIsValid(t *testing.T) {
	tests := []struct {
		name     string
		provider ObjectStoreProvider
		valid    bool
	}{
		{"s3", ObjectStoreS3, true},
		{"gcs", ObjectStoreGCS, true},
		{"azure", ObjectStoreAzure, true},
		{"minio", ObjectStoreMinIO, true},
		{"memory", ObjectStoreMemory, true},
		{"invalid", ObjectStoreProvider("invalid"), false},
		{"empty", ObjectStoreProvider(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.provider.IsValid())
		})
	}
}

func TestUsageMetricIsValid(t *testing.T) {
	assert.True(t, MetricRequests.IsValid())
	assert.True(t, MetricTokens.IsValid())
	assert.True(t, MetricCostMicrocents.IsValid())
	assert.False(t, UsageMetric("bytes").IsValid())
}
