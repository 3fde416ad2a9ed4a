package provider

import (
	"context"
	"fmt"
	"sync"
)

// Runtime executes agent turns against one provider backend.
type Runtime interface {
	// Name returns the configured provider key.
	Name() string

	// Run executes a blocking turn and returns the terminal result.
	Run(ctx context.Context, input RunInput) (*RunResult, error)

	// RunStream executes a streaming turn. The returned channel yields
	// events in emission order and is closed after exactly one terminal
	// event. Callers cancel via ctx.
	RunStream(ctx context.Context, input RunInput) (<-chan Event, error)

	// CreateConversation asks the backend to mint an opaque conversation
	// id, or returns ErrConversationCreationUnsupported.
	CreateConversation(ctx context.Context, metadata map[string]string) (string, error)

	// ConversationIDPrefix is the expected format marker for backend
	// conversation ids (for example "conv_"). Empty means no expectation.
	ConversationIDPrefix() string
}

// Registry maps provider keys to constructed runtimes.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]Runtime
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[string]Runtime)}
}

// Register adds or replaces the runtime for key.
func (r *Registry) Register(key string, rt Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[key] = rt
}

// Get returns the runtime registered under key.
func (r *Registry) Get(key string) (Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuntimeNotFound, key)
	}
	return rt, nil
}

// Keys lists the registered provider keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.runtimes))
	for k := range r.runtimes {
		keys = append(keys, k)
	}
	return keys
}
