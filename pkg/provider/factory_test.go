package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arion-ai/arion/pkg/config"
)

func TestBuildRegistry(t *testing.T) {
	t.Setenv("ARION_TEST_OPENAI_KEY", "sk-test")
	cfg := &config.Config{ProviderRegistry: config.NewProviderRegistry(map[string]*config.ProviderConfig{
		"scripted": {Type: config.ProviderTypeScripted, ConversationIDPrefix: "conv_scripted_"},
		"openai": {
			Type:         config.ProviderTypeOpenAI,
			APIKeyEnv:    "ARION_TEST_OPENAI_KEY",
			DefaultModel: "gpt-test",
		},
	})}

	registry, err := BuildRegistry(cfg)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"scripted", "openai"}, registry.Keys())

	rt, err := registry.Get("scripted")
	require.NoError(t, err)
	assert.Equal(t, "scripted", rt.Name())
	assert.Equal(t, "conv_scripted_", rt.ConversationIDPrefix())
	assert.IsType(t, &ScriptedRuntime{}, rt)

	rt, err = registry.Get("openai")
	require.NoError(t, err)
	assert.IsType(t, &OpenAIRuntime{}, rt)

	_, err = registry.Get("missing")
	assert.ErrorIs(t, err, ErrRuntimeNotFound)
}

func TestBuildRegistry_MissingAPIKey(t *testing.T) {
	t.Setenv("ARION_TEST_EMPTY_KEY", "")
	cfg := &config.Config{ProviderRegistry: config.NewProviderRegistry(map[string]*config.ProviderConfig{
		"anthropic": {
			Type:         config.ProviderTypeAnthropic,
			APIKeyEnv:    "ARION_TEST_EMPTY_KEY",
			DefaultModel: "claude-test",
		},
	})}

	_, err := BuildRegistry(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingAPIKey)
	assert.Contains(t, err.Error(), "anthropic")
}
