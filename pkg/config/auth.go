package config

import "time"

// AuthConfig holds token verification settings.
type AuthConfig struct {
	// Issuer is the expected iss claim.
	Issuer string `yaml:"issuer"`

	// Audience is the expected aud claim.
	Audience string `yaml:"audience"`

	// Keys is the rotatable signing key set.
	Keys KeySetConfig `yaml:"keys"`

	// ClockSkew is the tolerance applied to exp/nbf/iat checks.
	ClockSkew time.Duration `yaml:"clock_skew"`

	// EmailVerificationRequired gates write operations on the
	// email_verified claim. nil means required.
	EmailVerificationRequired *bool `yaml:"email_verification_required,omitempty"`
}

// KeySetConfig describes the signing key rotation slots. Verification
// accepts active and previous; next is staged and rejected until promoted.
type KeySetConfig struct {
	Active   *SigningKeyConfig `yaml:"active"`
	Next     *SigningKeyConfig `yaml:"next,omitempty"`
	Previous *SigningKeyConfig `yaml:"previous,omitempty"`
}

// SigningKeyConfig is a single HMAC signing key. Secret typically arrives
// through {{.ENV_VAR}} expansion so key material stays out of YAML files.
type SigningKeyConfig struct {
	KID    string `yaml:"kid" validate:"required"`
	Secret string `yaml:"secret" validate:"required"`
}

// DefaultAuthConfig returns the built-in auth defaults. Key material has no
// default; local environments that skip it run with verification disabled.
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		Issuer:    "https://auth.arion.dev",
		Audience:  "arion-api",
		ClockSkew: 30 * time.Second,
	}
}

// RequireEmailVerification resolves the tri-state flag; unset means required.
func (c *AuthConfig) RequireEmailVerification() bool {
	return c.EmailVerificationRequired == nil || *c.EmailVerificationRequired
}

// VerificationKeys returns the keys accepted for verification (active then
// previous), skipping empty slots.
func (k *KeySetConfig) VerificationKeys() []*SigningKeyConfig {
	var keys []*SigningKeyConfig
	if k.Active != nil {
		keys = append(keys, k.Active)
	}
	if k.Previous != nil {
		keys = append(keys, k.Previous)
	}
	return keys
}

// Configured reports whether any signing key is present.
func (k *KeySetConfig) Configured() bool {
	return k.Active != nil || k.Next != nil || k.Previous != nil
}
