package config

// SessionConfig controls provider session binding policy.
type SessionConfig struct {
	// DisableProviderConversationCreation skips minting provider-side
	// conversations; runs then send full history on every call.
	DisableProviderConversationCreation bool `yaml:"disable_provider_conversation_creation"`

	// ForceProviderSessionRebind binds the session handle to the provider
	// conversation id instead of a previously stored SDK session id.
	// Recovery knob for corrupted provider session state.
	ForceProviderSessionRebind bool `yaml:"force_provider_session_rebind"`
}

// DefaultSessionConfig returns the built-in session policy defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{}
}
