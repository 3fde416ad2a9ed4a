package config

import (
	"fmt"
	"sync"
	"time"
)

// ProviderConfig defines a model provider configuration
type ProviderConfig struct {
	// Provider runtime type (required)
	Type ProviderType `yaml:"type" validate:"required"`

	// Environment variable holding the API key. Resolved at client
	// construction, never stored in config.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// Base URL override (proxies, compatible endpoints)
	BaseURL string `yaml:"base_url,omitempty"`

	// Model used when neither agent nor request names one
	DefaultModel string `yaml:"default_model,omitempty"`

	// Expected prefix on provider conversation ids. Ids missing the prefix
	// are rejected at session bind time. Empty disables the check.
	ConversationIDPrefix string `yaml:"conversation_id_prefix,omitempty"`

	// Retry budget for transient provider errors
	MaxRetries int `yaml:"max_retries,omitempty" validate:"omitempty,min=0"`

	// Base delay for exponential backoff between retries
	RetryBaseDelay time.Duration `yaml:"retry_base_delay,omitempty"`
}

// APIKeyRequired reports whether this provider type needs a key at startup.
// The scripted runtime never talks to a network.
func (c *ProviderConfig) APIKeyRequired() bool {
	return c.Type != ProviderTypeScripted
}

// ProviderRegistry stores provider configurations in memory with thread-safe access
type ProviderRegistry struct {
	providers map[string]*ProviderConfig
	mu        sync.RWMutex
}

// NewProviderRegistry creates a new provider registry
func NewProviderRegistry(providers map[string]*ProviderConfig) *ProviderRegistry {
	// Defensive copy to prevent external mutation
	copied := make(map[string]*ProviderConfig, len(providers))
	for k, v := range providers {
		copied[k] = v
	}
	return &ProviderRegistry{
		providers: copied,
	}
}

// Get retrieves a provider configuration by name (thread-safe)
func (r *ProviderRegistry) Get(name string) (*ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return provider, nil
}

// GetAll returns all provider configurations (thread-safe, returns copy)
func (r *ProviderRegistry) GetAll() map[string]*ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*ProviderConfig, len(r.providers))
	for k, v := range r.providers {
		result[k] = v
	}
	return result
}

// Has checks if a provider exists in the registry (thread-safe)
func (r *ProviderRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.providers[name]
	return exists
}

// Len returns the number of providers in the registry (thread-safe)
func (r *ProviderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
