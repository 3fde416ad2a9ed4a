// Package sessions manages the mapping between internal conversations and
// provider-side conversation handles, and applies memory strategies to the
// history sent on each run.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/arion-ai/arion/pkg/config"
	"github.com/arion-ai/arion/pkg/models"
	"github.com/arion-ai/arion/pkg/provider"
)

// StateStore persists per-conversation session state.
type StateStore interface {
	// Get returns the stored state, or nil when none exists yet.
	Get(ctx context.Context, tenantID, conversationID string) (*models.ConversationSessionState, error)

	// Upsert writes the binding columns (provider, provider conversation id,
	// sdk session id, sync timestamp) without touching summary state.
	Upsert(ctx context.Context, state *models.ConversationSessionState) error

	// UpsertSummary writes summary state and returns the new version.
	UpsertSummary(ctx context.Context, state *models.ConversationSessionState, summary Summary) (int, error)
}

// Handle is one acquired session binding. Handles are not shared across
// concurrent requests; each run acquires its own.
type Handle struct {
	TenantID               string
	ConversationID         string
	Provider               string
	ProviderConversationID string
	SessionID              string
}

// Manager brokers provider conversation ids and SDK session ids per the
// configured binding policy.
type Manager struct {
	store  StateStore
	policy config.SessionConfig
}

func NewManager(store StateStore, policy config.SessionConfig) *Manager {
	return &Manager{store: store, policy: policy}
}

// AcquireInput identifies the conversation and the runtime it will run on.
type AcquireInput struct {
	TenantID       string
	ConversationID string
	Runtime        provider.Runtime
	Metadata       map[string]string
}

// Acquire resolves the provider conversation id and session id for a run.
//
// A stored provider conversation id is reused when it carries the runtime's
// expected prefix. Otherwise, unless creation is disabled, the runtime is
// asked to mint one; ids that do not match the expected format are
// discarded. The session id follows the rebind policy: provider conversation
// id when forced, stored SDK session id when present, and the internal
// conversation id as the fallback.
func (m *Manager) Acquire(ctx context.Context, in AcquireInput) (*Handle, error) {
	state, err := m.store.Get(ctx, in.TenantID, in.ConversationID)
	if err != nil {
		return nil, err
	}

	prefix := in.Runtime.ConversationIDPrefix()

	providerConvID := ""
	if state != nil && state.ProviderConversationID != nil {
		stored := *state.ProviderConversationID
		if conversationIDMatches(stored, prefix) {
			providerConvID = stored
		} else {
			slog.Warn("Discarding stored provider conversation id with unexpected format",
				"conversation_id", in.ConversationID,
				"provider", in.Runtime.Name(),
				"expected_prefix", prefix)
		}
	}

	if providerConvID == "" && !m.policy.DisableProviderConversationCreation {
		minted, err := in.Runtime.CreateConversation(ctx, in.Metadata)
		switch {
		case errors.Is(err, provider.ErrConversationCreationUnsupported):
			// Stateless backend; history travels with every call.
		case err != nil:
			// Minting is best effort: the run proceeds without a provider
			// conversation id rather than failing on provider hiccups.
			slog.Warn("Provider conversation creation failed",
				"conversation_id", in.ConversationID,
				"provider", in.Runtime.Name(),
				"error", err)
		case !conversationIDMatches(minted, prefix):
			slog.Warn("Discarding minted provider conversation id with unexpected format",
				"conversation_id", in.ConversationID,
				"provider", in.Runtime.Name(),
				"minted", minted,
				"expected_prefix", prefix)
		default:
			providerConvID = minted
		}
	}

	sessionID := ""
	switch {
	case providerConvID != "" && m.policy.ForceProviderSessionRebind:
		sessionID = providerConvID
	case state != nil && state.SDKSessionID != "":
		sessionID = state.SDKSessionID
	default:
		sessionID = in.ConversationID
	}

	return &Handle{
		TenantID:               in.TenantID,
		ConversationID:         in.ConversationID,
		Provider:               in.Runtime.Name(),
		ProviderConversationID: providerConvID,
		SessionID:              sessionID,
	}, nil
}

// Sync persists the binding used by a run. Called unconditionally after
// every run, success or failure.
func (m *Manager) Sync(ctx context.Context, h *Handle) error {
	now := time.Now().UTC()
	state := &models.ConversationSessionState{
		ConversationID:    h.ConversationID,
		TenantID:          h.TenantID,
		Provider:          h.Provider,
		SDKSessionID:      h.SessionID,
		LastSessionSyncAt: &now,
	}
	if h.ProviderConversationID != "" {
		state.ProviderConversationID = &h.ProviderConversationID
	}
	return m.store.Upsert(ctx, state)
}

// PersistSummary returns the summary persistence callback for a handle,
// suitable for wiring into a summarize memory strategy.
func (m *Manager) PersistSummary(h *Handle) SummaryPersister {
	return func(ctx context.Context, summary Summary) (int, error) {
		state := &models.ConversationSessionState{
			ConversationID: h.ConversationID,
			TenantID:       h.TenantID,
			Provider:       h.Provider,
			SDKSessionID:   h.SessionID,
		}
		return m.store.UpsertSummary(ctx, state, summary)
	}
}

// conversationIDMatches reports whether id carries the expected prefix.
// An empty prefix disables the check.
func conversationIDMatches(id, prefix string) bool {
	if id == "" {
		return false
	}
	if prefix == "" {
		return true
	}
	return strings.HasPrefix(id, prefix)
}
