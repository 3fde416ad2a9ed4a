package config

import "time"

// RateLimitConfig holds request rate limiting settings.
type RateLimitConfig struct {
	// Enabled is a *bool: nil means "use default" (enabled), explicit
	// false disables all quotas.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Quotas are evaluated in order; the first exhausted quota rejects
	// the request with its retry-after hint.
	Quotas []QuotaConfig `yaml:"quotas,omitempty" validate:"dive"`
}

// QuotaConfig defines one fixed-window rate limit.
type QuotaConfig struct {
	// Name identifies the quota in logs and limit responses (required)
	Name string `yaml:"name" validate:"required"`

	// Limit is the max requests per window (required)
	Limit int `yaml:"limit" validate:"required,min=1"`

	// Window is the fixed window length (required)
	Window time.Duration `yaml:"window" validate:"required"`

	// Scope keys the window (ip, user, tenant, global)
	Scope RateLimitScope `yaml:"scope"`

	// Routes restricts the quota to route prefixes. Empty applies everywhere.
	Routes []string `yaml:"routes,omitempty"`
}

// RateLimitDisabled returns true only when Enabled is explicitly set to false.
func (c *RateLimitConfig) RateLimitDisabled() bool {
	return c != nil && c.Enabled != nil && !*c.Enabled
}

// DefaultRateLimitConfig returns the built-in rate limit defaults.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		Quotas: []QuotaConfig{
			{
				Name:   "api-per-user",
				Limit:  120,
				Window: 1 * time.Minute,
				Scope:  ScopeUser,
			},
			{
				Name:   "api-per-ip",
				Limit:  300,
				Window: 1 * time.Minute,
				Scope:  ScopeIP,
			},
		},
	}
}
