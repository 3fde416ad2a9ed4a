// Package engine executes agent turns: it resolves the agent and its
// provider runtime, runs the blocking guardrail stages, applies the memory
// strategy, drives the provider stream through the frame processor, and
// records the completed turn (history, audit log, usage, session state).
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arion-ai/arion/pkg/config"
	"github.com/arion-ai/arion/pkg/guardrails"
	"github.com/arion-ai/arion/pkg/ledger"
	"github.com/arion-ai/arion/pkg/models"
	"github.com/arion-ai/arion/pkg/provider"
	"github.com/arion-ai/arion/pkg/services"
	"github.com/arion-ai/arion/pkg/sessions"
	"github.com/arion-ai/arion/pkg/stream"
	"github.com/arion-ai/arion/pkg/usage"
)

// Engine runs agent turns against provider runtimes.
type Engine struct {
	cfg           *config.Config
	providers     *provider.Registry
	guardrails    *guardrails.Registry
	sessions      *sessions.Manager
	sessionState  sessions.StateStore
	conversations *services.ConversationService
	recorder      *usage.Recorder
	appender      *ledger.Appender
	ingestor      *Ingestor
}

// New wires an engine. appender may be nil (no ledger recording anywhere);
// ingestor may be nil (attachments pass through unresolved).
func New(
	cfg *config.Config,
	providers *provider.Registry,
	guardrailRegistry *guardrails.Registry,
	sessionManager *sessions.Manager,
	sessionState sessions.StateStore,
	conversations *services.ConversationService,
	recorder *usage.Recorder,
	appender *ledger.Appender,
	ingestor *Ingestor,
) *Engine {
	return &Engine{
		cfg:           cfg,
		providers:     providers,
		guardrails:    guardrailRegistry,
		sessions:      sessionManager,
		sessionState:  sessionState,
		conversations: conversations,
		recorder:      recorder,
		appender:      appender,
		ingestor:      ingestor,
	}
}

// TurnRequest is one user message addressed to a conversation.
type TurnRequest struct {
	TenantID        string
	UserID          *string
	ConversationKey string
	Agent           string // requested agent key; empty selects the default
	Message         string
	Attachments     []AttachmentRef

	// MemoryStrategy overrides the agent's configured strategy for this
	// turn only; empty keeps the agent default.
	MemoryStrategy config.MemoryStrategyType

	// MaxTurns caps the provider's internal loop for this turn.
	MaxTurns *int

	// Location rides provider metadata. Callers only set it when the end
	// user opted in to sharing it.
	Location *Location
}

// Location is a caller-supplied location hint forwarded to the provider as
// run metadata.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Label     string  `json:"label,omitempty"`
}

// TurnResult is the recorded outcome of a completed turn.
type TurnResult struct {
	Conversation     *models.Conversation
	Created          bool
	StreamID         string
	FinalText        string
	Structured       map[string]any
	Usage            provider.TokenUsage
	ResponseID       string
	GuardrailResults []guardrails.Result
}

// Run executes a turn without streaming. No frames are recorded in the
// ledger; the caller gets the final result in one piece.
func (e *Engine) Run(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	prep, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	em := stream.NewEmitter(nil, nil, req.TenantID, prep.conversation.ID)
	return e.run(ctx, req, prep, em)
}

// RunStream executes a turn, recording every frame in the conversation
// ledger and delivering it to sink. The terminal frame is emitted before
// RunStream returns, success or failure.
func (e *Engine) RunStream(ctx context.Context, req TurnRequest, sink stream.Sink) (*TurnResult, error) {
	turn, err := e.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.StreamPrepared(ctx, turn, sink)
}

// PreparedTurn is a resolved turn: validation passed, the agent exists, and
// the conversation row is ensured. Nothing has been emitted yet, so a
// prepare failure can still surface as a plain HTTP error instead of a
// committed event stream.
type PreparedTurn struct {
	req  TurnRequest
	prep *prepared
}

// Conversation returns the turn's resolved conversation.
func (t *PreparedTurn) Conversation() *models.Conversation { return t.prep.conversation }

// Prepare resolves a turn without starting its stream. Streaming callers
// run the result with StreamPrepared once the transport is committed.
func (e *Engine) Prepare(ctx context.Context, req TurnRequest) (*PreparedTurn, error) {
	prep, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return &PreparedTurn{req: req, prep: prep}, nil
}

// StreamPrepared executes a prepared turn with ledger recording and sink
// delivery. The terminal frame is emitted before it returns.
func (e *Engine) StreamPrepared(ctx context.Context, turn *PreparedTurn, sink stream.Sink) (*TurnResult, error) {
	em := stream.NewEmitter(e.appender, sink, turn.req.TenantID, turn.prep.conversation.ID)
	return e.run(ctx, turn.req, turn.prep, em)
}

// prepared carries what turn resolution produced before any frame goes out.
type prepared struct {
	agentKey     string
	agent        *config.AgentConfig
	conversation *models.Conversation
	created      bool
}

func (e *Engine) prepare(ctx context.Context, req TurnRequest) (*prepared, error) {
	if req.Message == "" {
		return nil, services.NewValidationError("message", "required")
	}
	switch req.MemoryStrategy {
	case "", config.MemoryStrategyNone, config.MemoryStrategyWindow, config.MemoryStrategySummarize:
	default:
		return nil, services.NewValidationError("memory_strategy",
			fmt.Sprintf("unknown memory strategy %q", req.MemoryStrategy))
	}
	if req.MaxTurns != nil && *req.MaxTurns <= 0 {
		return nil, services.NewValidationError("max_turns", "must be positive")
	}

	agentKey := e.cfg.AgentForMessage(req.Agent)
	agentCfg, err := e.cfg.GetAgent(agentKey)
	if err != nil {
		return nil, fmt.Errorf("%w: agent %q", services.ErrNotFound, agentKey)
	}

	conv, created, err := e.conversations.Ensure(ctx, req.TenantID, req.ConversationKey, agentKey)
	if err != nil {
		return nil, err
	}
	return &prepared{agentKey: agentKey, agent: agentCfg, conversation: conv, created: created}, nil
}

// run drives the full turn through an already-created emitter. It owns the
// stream's terminal frame: every path out emits exactly one final or error
// frame through em.
func (e *Engine) run(ctx context.Context, req TurnRequest, prep *prepared, em *stream.Emitter) (*TurnResult, error) {
	result := &TurnResult{
		Conversation: prep.conversation,
		Created:      prep.created,
		StreamID:     em.StreamID(),
	}

	em.SetAgent(prep.agentKey)
	em.Emit(ctx, models.FrameLifecycle, map[string]any{
		"status": "started",
		"agent":  prep.agentKey,
	})

	pipeline, err := e.resolvePipeline(prep.agent)
	if err != nil {
		em.EmitError(ctx, stream.ErrCodeInternal, "guardrail configuration invalid")
		return result, err
	}

	message, err := e.runInputStages(ctx, em, pipeline, req.Message, result)
	if err != nil {
		return result, err
	}

	providerName := prep.agent.Provider
	if providerName == "" {
		providerName = e.cfg.Defaults.Provider
	}
	runtime, err := e.providers.Get(providerName)
	if err != nil {
		em.EmitError(ctx, stream.ErrCodeInternal, "provider not configured")
		return result, err
	}
	providerCfg, err := e.cfg.GetProvider(providerName)
	if err != nil {
		em.EmitError(ctx, stream.ErrCodeInternal, "provider not configured")
		return result, err
	}
	model := prep.agent.Model
	if model == "" {
		model = providerCfg.DefaultModel
	}

	handle, err := e.sessions.Acquire(ctx, sessions.AcquireInput{
		TenantID:       req.TenantID,
		ConversationID: prep.conversation.ID,
		Runtime:        runtime,
		Metadata: map[string]string{
			"conversation_key": prep.conversation.ConversationKey,
		},
	})
	if err != nil {
		em.EmitError(ctx, stream.ErrCodeInternal, "session acquisition failed")
		return result, fmt.Errorf("failed to acquire session: %w", err)
	}

	history, err := e.buildHistory(ctx, req.TenantID, prep.conversation.ID)
	if err != nil {
		em.EmitError(ctx, stream.ErrCodeInternal, "history load failed")
		return result, err
	}
	memoryAgent := prep.agent
	if req.MemoryStrategy != "" && req.MemoryStrategy != prep.agent.MemoryStrategy {
		override := *prep.agent
		override.MemoryStrategy = req.MemoryStrategy
		memoryAgent = &override
	}
	strategy, err := sessions.BuildStrategy(memoryAgent, sessions.StrategyDeps{
		Summarizer: e.summarizer(runtime, prep.agent, model),
		Persist:    e.sessions.PersistSummary(handle),
		OnCompaction: func(cctx context.Context, ev sessions.CompactionEvent) {
			em.Emit(cctx, models.FrameLifecycle, map[string]any{
				"status":          "memory_compacted",
				"compacted_count": ev.CompactedCount,
				"kept_count":      ev.KeptCount,
				"summary_version": ev.SummaryVersion,
			})
		},
	})
	if err != nil {
		em.EmitError(ctx, stream.ErrCodeInternal, "memory strategy invalid")
		return result, err
	}
	history, err = strategy.Apply(ctx, history)
	if err != nil {
		em.EmitError(ctx, stream.ErrCodeInternal, "memory strategy failed")
		return result, fmt.Errorf("memory strategy failed: %w", err)
	}

	inputItems, userAttachments, err := e.ingestor.ResolveInputs(ctx, req.TenantID, req.Attachments)
	if err != nil {
		em.EmitError(ctx, stream.ErrCodeInternal, "attachment resolution failed")
		return result, err
	}

	maxTurns := e.cfg.Defaults.MaxTurns
	if prep.agent.MaxTurns != nil {
		maxTurns = prep.agent.MaxTurns
	}
	if req.MaxTurns != nil {
		maxTurns = req.MaxTurns
	}
	input := provider.RunInput{
		AgentKey:               prep.agentKey,
		Model:                  model,
		Instructions:           prep.agent.Instructions,
		Message:                message,
		InputItems:             inputItems,
		History:                history,
		ProviderConversationID: handle.ProviderConversationID,
		SessionID:              handle.SessionID,
		OutputSchema:           prep.agent.OutputSchema,
		Metadata: map[string]string{
			"conversation_id": prep.conversation.ID,
		},
	}
	if maxTurns != nil {
		input.MaxTurns = *maxTurns
	}
	if req.Location != nil {
		if loc, err := json.Marshal(req.Location); err == nil {
			input.Metadata["location"] = string(loc)
		}
	}

	events, err := runtime.RunStream(ctx, input)
	if err != nil {
		code := stream.ErrCodeInternal
		if errors.Is(err, provider.ErrRateLimited) || errors.Is(err, provider.ErrRetriesExhausted) {
			code = stream.ErrCodeProviderUnavailable
		}
		em.EmitError(ctx, code, "provider run failed to start")
		return result, fmt.Errorf("provider run failed to start: %w", err)
	}

	hook, ingested := e.ingestor.Hook(req.TenantID, prep.conversation.ID, req.UserID)
	proc := stream.NewProcessor(em, pipeline, hook)
	outcome, runErr := proc.Consume(ctx, events)

	result.FinalText = outcome.FinalText
	result.Structured = outcome.Structured
	result.Usage = outcome.Usage
	result.ResponseID = outcome.ResponseID
	result.GuardrailResults = append(result.GuardrailResults, outcome.GuardrailResults...)

	// Recording runs detached from cancellation: a client that disconnected
	// mid-stream still gets a consistent conversation record.
	rctx := context.WithoutCancel(ctx)
	e.record(rctx, recordInput{
		tenantID:        req.TenantID,
		userID:          req.UserID,
		conversationID:  prep.conversation.ID,
		agentKey:        prep.agentKey,
		providerName:    providerName,
		model:           model,
		userMessage:     message,
		userAttachments: userAttachments,
		outcome:         outcome,
		ingested:        ingested,
		succeeded:       runErr == nil,
	})
	if err := e.sessions.Sync(rctx, handle); err != nil {
		slog.Error("Session state sync failed",
			"conversation_id", prep.conversation.ID, "error", err)
	}

	if runErr != nil {
		return result, runErr
	}

	conv, err := e.conversations.Get(rctx, req.TenantID, prep.conversation.ID)
	if err == nil {
		result.Conversation = conv
	}
	return result, nil
}

// resolvePipeline builds the guardrail pipeline for the agent's preset,
// falling back to the configured default preset.
func (e *Engine) resolvePipeline(agent *config.AgentConfig) (*guardrails.Pipeline, error) {
	preset := agent.GuardrailPreset
	if preset == "" {
		preset = e.cfg.Defaults.GuardrailPreset
	}
	if preset == "" {
		return nil, nil
	}
	return e.guardrails.Resolve(preset, nil)
}

// runInputStages runs the pre_flight and input guardrail stages against the
// user message. A pre_flight or input tripwire terminates the stream with a
// guardrail_triggered error frame; the input stage may rewrite the message.
func (e *Engine) runInputStages(ctx context.Context, em *stream.Emitter, pipeline *guardrails.Pipeline, message string, result *TurnResult) (string, error) {
	for _, stageName := range []config.GuardrailStage{config.StagePreFlight, config.StageInput} {
		if pipeline == nil || !pipeline.HasStage(stageName) {
			continue
		}
		stage, err := pipeline.RunStage(ctx, stageName, message)
		result.GuardrailResults = append(result.GuardrailResults, stage.Results...)
		emitTriggered(ctx, em, stage.Results)
		if err != nil {
			var trip *guardrails.TripwireError
			if errors.As(err, &trip) {
				em.EmitError(ctx, stream.ErrCodeGuardrailTriggered, trip.Error())
				return "", err
			}
			em.EmitError(ctx, stream.ErrCodeInternal, "guardrail check failed")
			return "", fmt.Errorf("%s guardrail: %w", stageName, err)
		}
		message = stage.Content
	}
	return message, nil
}

// emitTriggered surfaces triggered checks as guardrail_result frames.
func emitTriggered(ctx context.Context, em *stream.Emitter, results []guardrails.Result) {
	for _, r := range results {
		if r.TripwireTriggered {
			em.Emit(ctx, models.FrameGuardrailResult, map[string]any{
				"guardrail_key":      r.Key,
				"stage":              r.Stage,
				"tripwire_triggered": r.TripwireTriggered,
				"suppressed":         r.Suppressed,
			})
		}
	}
}

// buildHistory assembles the provider-facing history: the stored summary item
// first (when one exists), then the active segment's messages in order.
func (e *Engine) buildHistory(ctx context.Context, tenantID, conversationID string) ([]provider.SessionItem, error) {
	messages, err := e.conversations.History(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}

	items := make([]provider.SessionItem, 0, len(messages)+1)
	if e.sessionState != nil {
		state, err := e.sessionState.Get(ctx, tenantID, conversationID)
		if err != nil {
			return nil, fmt.Errorf("failed to load session state: %w", err)
		}
		if state != nil && state.SummaryText != nil && *state.SummaryText != "" {
			items = append(items, provider.SessionItem{
				Role:    "system",
				Content: *state.SummaryText,
				Kind:    provider.SummaryItemKind,
			})
		}
	}
	for _, m := range messages {
		items = append(items, provider.SessionItem{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return items, nil
}

type recordInput struct {
	tenantID        string
	userID          *string
	conversationID  string
	agentKey        string
	providerName    string
	model           string
	userMessage     string
	userAttachments models.JSONB
	outcome         *stream.Outcome
	ingested        *IngestedSet
	succeeded       bool
}

// record persists everything a turn produced. Failures here never fail the
// turn; each write logs and the next proceeds. Usage is recorded even for
// failed runs when the provider returned a response id, so tokens spent on
// interrupted streams still count.
func (e *Engine) record(ctx context.Context, in recordInput) {
	out := in.outcome

	if out.ResponseID != "" && out.Usage != (provider.TokenUsage{}) {
		ru := &models.RunUsage{
			ConversationID:        in.conversationID,
			ResponseID:            out.ResponseID,
			AgentKey:              in.agentKey,
			Provider:              in.providerName,
			Requests:              out.Usage.Requests,
			InputTokens:           out.Usage.InputTokens,
			OutputTokens:          out.Usage.OutputTokens,
			CachedInputTokens:     out.Usage.CachedInputTokens,
			ReasoningOutputTokens: out.Usage.ReasoningOutputTokens,
		}
		if err := e.recorder.Record(ctx, in.tenantID, in.userID, ru); err != nil {
			slog.Error("Usage recording failed",
				"conversation_id", in.conversationID, "error", err)
		}
	}

	if len(out.Items) > 0 {
		projected := make([]services.ProjectedItem, 0, len(out.Items))
		for _, item := range out.Items {
			projected = append(projected, services.ProjectedItem{
				Item:        item,
				Attachments: in.ingested.ForItem(item),
			})
		}
		if err := e.conversations.ProjectRunItems(ctx, in.conversationID, in.agentKey, in.model, out.ResponseID, projected); err != nil {
			slog.Error("Run item projection failed",
				"conversation_id", in.conversationID, "error", err)
		}
	}

	if !in.succeeded {
		return
	}
	turn := services.Turn{
		Agent:                in.agentKey,
		UserContent:          in.userMessage,
		UserAttachments:      in.userAttachments,
		AssistantContent:     out.FinalText,
		AssistantAttachments: in.ingested.All(),
	}
	if err := e.conversations.AppendTurn(ctx, in.conversationID, turn); err != nil {
		slog.Error("Turn recording failed",
			"conversation_id", in.conversationID, "error", err)
	}
}
