package provider

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/arion-ai/arion/pkg/config"
)

// BuildRegistry constructs a runtime for every configured provider and
// registers it under the provider's registry key.
func BuildRegistry(cfg *config.Config) (*Registry, error) {
	registry := NewRegistry()
	for name, pc := range cfg.ProviderRegistry.GetAll() {
		rt, err := buildRuntime(name, pc)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		registry.Register(name, rt)
		slog.Info("Registered model provider", "provider", name, "type", pc.Type)
	}
	return registry, nil
}

func buildRuntime(name string, pc *config.ProviderConfig) (Runtime, error) {
	switch pc.Type {
	case config.ProviderTypeOpenAI:
		return NewOpenAIRuntime(OpenAIOptions{
			Name:                 name,
			APIKey:               os.Getenv(pc.APIKeyEnv),
			BaseURL:              pc.BaseURL,
			DefaultModel:         pc.DefaultModel,
			ConversationIDPrefix: pc.ConversationIDPrefix,
			MaxRetries:           pc.MaxRetries,
			RetryBaseDelay:       pc.RetryBaseDelay,
		})
	case config.ProviderTypeAnthropic:
		return NewAnthropicRuntime(AnthropicOptions{
			Name:                 name,
			APIKey:               os.Getenv(pc.APIKeyEnv),
			BaseURL:              pc.BaseURL,
			DefaultModel:         pc.DefaultModel,
			ConversationIDPrefix: pc.ConversationIDPrefix,
			MaxRetries:           pc.MaxRetries,
			RetryBaseDelay:       pc.RetryBaseDelay,
		})
	case config.ProviderTypeScripted:
		return NewScriptedRuntime(name, pc.ConversationIDPrefix), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", pc.Type)
	}
}
