package provider

import "errors"

var (
	// ErrMissingAPIKey means the configured API key env var is empty at
	// runtime construction.
	ErrMissingAPIKey = errors.New("provider API key not set")

	// ErrConversationCreationUnsupported is returned by runtimes whose
	// backend has no conversation factory; the session manager proceeds
	// without a provider conversation id.
	ErrConversationCreationUnsupported = errors.New("provider does not support conversation creation")

	// ErrRateLimited wraps backend 429 responses.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrRetriesExhausted wraps the last transport error after the retry
	// budget is spent.
	ErrRetriesExhausted = errors.New("provider retries exhausted")

	// ErrRuntimeNotFound means no runtime is registered under the key.
	ErrRuntimeNotFound = errors.New("provider runtime not found")
)
