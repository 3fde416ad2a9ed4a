package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arion-ai/arion/pkg/config"
	"github.com/arion-ai/arion/pkg/guardrails"
	"github.com/arion-ai/arion/pkg/models"
	"github.com/arion-ai/arion/pkg/provider"
	"github.com/arion-ai/arion/pkg/services"
	"github.com/arion-ai/arion/pkg/sessions"
	"github.com/arion-ai/arion/pkg/stream"
)

// StepRequest is one workflow step execution. The message is the mapped step
// input; the workflow engine owns history threading, so steps run without a
// memory strategy.
type StepRequest struct {
	TenantID       string
	UserID         *string
	ConversationID string
	RunID          string
	AgentKey       string
	Message        string
	MaxTurns       *int
	OutputSchema   map[string]any
	// Location is the run's recorded location payload, forwarded to the
	// provider as metadata when present.
	Location models.JSONB
}

// Step executes one workflow step through a step-scoped emitter. It emits
// the step's non-terminal frames and returns the outcome; the workflow
// engine owns the stream's single terminal frame. Usage and run items are
// recorded under the workflow's run id.
func (e *Engine) Step(ctx context.Context, req StepRequest, em *stream.Emitter) (*stream.Outcome, error) {
	agentCfg, err := e.cfg.GetAgent(req.AgentKey)
	if err != nil {
		return &stream.Outcome{}, services.NewValidationError("agent", fmt.Sprintf("unknown agent %q", req.AgentKey))
	}
	em.SetAgent(req.AgentKey)

	pipeline, err := e.resolvePipeline(agentCfg)
	if err != nil {
		return &stream.Outcome{}, err
	}

	outcome := &stream.Outcome{}
	message := req.Message
	for _, stageName := range []config.GuardrailStage{config.StagePreFlight, config.StageInput} {
		if pipeline == nil || !pipeline.HasStage(stageName) {
			continue
		}
		stage, err := pipeline.RunStage(ctx, stageName, message)
		outcome.GuardrailResults = append(outcome.GuardrailResults, stage.Results...)
		emitTriggered(ctx, em, stage.Results)
		if err != nil {
			var trip *guardrails.TripwireError
			if errors.As(err, &trip) {
				return outcome, err
			}
			return outcome, fmt.Errorf("%s guardrail: %w", stageName, err)
		}
		message = stage.Content
	}

	providerName := agentCfg.Provider
	if providerName == "" {
		providerName = e.cfg.Defaults.Provider
	}
	runtime, err := e.providers.Get(providerName)
	if err != nil {
		return outcome, err
	}
	providerCfg, err := e.cfg.GetProvider(providerName)
	if err != nil {
		return outcome, err
	}
	model := agentCfg.Model
	if model == "" {
		model = providerCfg.DefaultModel
	}

	handle, err := e.sessions.Acquire(ctx, sessions.AcquireInput{
		TenantID:       req.TenantID,
		ConversationID: req.ConversationID,
		Runtime:        runtime,
	})
	if err != nil {
		return outcome, fmt.Errorf("failed to acquire session: %w", err)
	}

	maxTurns := e.cfg.Defaults.MaxTurns
	if agentCfg.MaxTurns != nil {
		maxTurns = agentCfg.MaxTurns
	}
	if req.MaxTurns != nil {
		maxTurns = req.MaxTurns
	}
	outputSchema := agentCfg.OutputSchema
	if req.OutputSchema != nil {
		outputSchema = req.OutputSchema
	}

	input := provider.RunInput{
		AgentKey:               req.AgentKey,
		Model:                  model,
		Instructions:           agentCfg.Instructions,
		Message:                message,
		ProviderConversationID: handle.ProviderConversationID,
		SessionID:              handle.SessionID,
		OutputSchema:           outputSchema,
		Metadata: map[string]string{
			"conversation_id": req.ConversationID,
			"run_id":          req.RunID,
		},
	}
	if maxTurns != nil {
		input.MaxTurns = *maxTurns
	}
	if len(req.Location) > 0 {
		input.Metadata["location"] = string(req.Location)
	}

	events, err := runtime.RunStream(ctx, input)
	if err != nil {
		return outcome, fmt.Errorf("provider run failed to start: %w", err)
	}

	hook, ingested := e.ingestor.Hook(req.TenantID, req.ConversationID, req.UserID)
	proc := stream.NewStepProcessor(em, pipeline, hook)
	consumed, runErr := proc.Consume(ctx, events)
	consumed.GuardrailResults = append(outcome.GuardrailResults, consumed.GuardrailResults...)

	rctx := context.WithoutCancel(ctx)
	e.recordStep(rctx, req, providerName, model, consumed, ingested)
	if err := e.sessions.Sync(rctx, handle); err != nil {
		slog.Error("Session state sync failed",
			"conversation_id", req.ConversationID, "error", err)
	}
	return consumed, runErr
}

// recordStep persists step usage and run items under the workflow run id.
func (e *Engine) recordStep(ctx context.Context, req StepRequest, providerName, model string, out *stream.Outcome, ingested *IngestedSet) {
	if out.ResponseID != "" && out.Usage != (provider.TokenUsage{}) {
		runID := req.RunID
		ru := &models.RunUsage{
			ConversationID:        req.ConversationID,
			ResponseID:            out.ResponseID,
			RunID:                 &runID,
			AgentKey:              req.AgentKey,
			Provider:              providerName,
			Requests:              out.Usage.Requests,
			InputTokens:           out.Usage.InputTokens,
			OutputTokens:          out.Usage.OutputTokens,
			CachedInputTokens:     out.Usage.CachedInputTokens,
			ReasoningOutputTokens: out.Usage.ReasoningOutputTokens,
		}
		if err := e.recorder.Record(ctx, req.TenantID, req.UserID, ru); err != nil {
			slog.Error("Usage recording failed",
				"conversation_id", req.ConversationID, "run_id", req.RunID, "error", err)
		}
	}

	if len(out.Items) > 0 {
		projected := make([]services.ProjectedItem, 0, len(out.Items))
		for _, item := range out.Items {
			projected = append(projected, services.ProjectedItem{
				Item:        item,
				Attachments: ingested.ForItem(item),
			})
		}
		if err := e.conversations.ProjectRunItems(ctx, req.ConversationID, req.AgentKey, model, out.ResponseID, projected); err != nil {
			slog.Error("Run item projection failed",
				"conversation_id", req.ConversationID, "run_id", req.RunID, "error", err)
		}
	}
}
