package config

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBuiltinConfigSingleton(t *testing.T) {
	a := GetBuiltinConfig()
	b := GetBuiltinConfig()
	assert.Same(t, a, b)
}

func TestBuiltinAgents(t *testing.T) {
	builtin := GetBuiltinConfig()

	for _, key := range []string{"triage", "analysis", "code", "summarizer"} {
		agent, ok := builtin.Agents[key]
		require.True(t, ok, "missing builtin agent %s", key)
		assert.NotEmpty(t, agent.Instructions, "agent %s has no instructions", key)
	}

	assert.Equal(t, "triage", builtin.DefaultAgent)
	_, ok := builtin.Agents[builtin.DefaultAgent]
	assert.True(t, ok)
}

func TestBuiltinWorkflows(t *testing.T) {
	builtin := GetBuiltinConfig()

	wf, ok := builtin.Workflows["analysis_code"]
	require.True(t, ok)
	assert.True(t, wf.Default)
	require.Len(t, wf.Stages, 1)
	require.Len(t, wf.Stages[0].Steps, 2)
	assert.Equal(t, "analysis", wf.Stages[0].Steps[0].Name)
	assert.Equal(t, "code", wf.Stages[0].Steps[1].Name)

	deep, ok := builtin.Workflows["deep_analysis"]
	require.True(t, ok)
	assert.False(t, deep.Default)
	require.Len(t, deep.Stages, 3)
	assert.Equal(t, StageModeParallel, deep.Stages[1].Mode)
	assert.Equal(t, "concat", deep.Stages[1].Reducer)
}

func TestBuiltinProviders(t *testing.T) {
	builtin := GetBuiltinConfig()

	openai, ok := builtin.Providers["openai-default"]
	require.True(t, ok)
	assert.Equal(t, ProviderTypeOpenAI, openai.Type)
	assert.Equal(t, "OPENAI_API_KEY", openai.APIKeyEnv)
	assert.Equal(t, "conv_", openai.ConversationIDPrefix)

	anthropic, ok := builtin.Providers["anthropic-default"]
	require.True(t, ok)
	assert.Equal(t, ProviderTypeAnthropic, anthropic.Type)

	scripted, ok := builtin.Providers["scripted"]
	require.True(t, ok)
	assert.Equal(t, ProviderTypeScripted, scripted.Type)
	assert.False(t, scripted.APIKeyRequired())
}

func TestBuiltinGuardrailPatternsCompile(t *testing.T) {
	builtin := GetBuiltinConfig()

	for key, spec := range builtin.GuardrailSpecs {
		patterns, ok := spec.DefaultConfig["patterns"]
		if !ok {
			continue
		}
		list, ok := patterns.([]any)
		require.True(t, ok, "guardrail %s patterns is not a list", key)
		for i, p := range list {
			pattern, ok := p.(string)
			require.True(t, ok, "guardrail %s pattern %d is not a string", key, i)
			_, err := regexp.Compile(pattern)
			assert.NoError(t, err, "guardrail %s pattern %d does not compile", key, i)
		}
	}
}

func TestBuiltinPresetsReferenceKnownSpecs(t *testing.T) {
	builtin := GetBuiltinConfig()

	for name, preset := range builtin.Presets {
		require.NotEmpty(t, preset.Bundles, "preset %s has no bundles", name)
		for _, bundle := range preset.Bundles {
			for _, attachment := range bundle.Guardrails {
				_, ok := builtin.GuardrailSpecs[attachment.Spec]
				assert.True(t, ok, "preset %s references unknown spec %s", name, attachment.Spec)
			}
		}
	}

	_, ok := builtin.Presets[builtin.DefaultPreset]
	assert.True(t, ok)
}

func TestBuiltinConfigValidates(t *testing.T) {
	// An empty config directory must produce a fully valid configuration
	// from builtins alone.
	configDir := setupTestConfigDir(t)

	cfg, err := Initialize(context.Background(), configDir)
	require.NoError(t, err)

	key, wf, err := cfg.WorkflowRegistry.GetDefault()
	require.NoError(t, err)
	assert.Equal(t, "analysis_code", key)
	assert.NotNil(t, wf)
}
