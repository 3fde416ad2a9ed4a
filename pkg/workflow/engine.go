package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/arion-ai/arion/pkg/config"
	"github.com/arion-ai/arion/pkg/engine"
	"github.com/arion-ai/arion/pkg/guardrails"
	"github.com/arion-ai/arion/pkg/ledger"
	"github.com/arion-ai/arion/pkg/models"
	"github.com/arion-ai/arion/pkg/provider"
	"github.com/arion-ai/arion/pkg/services"
	"github.com/arion-ai/arion/pkg/stream"
)

// heartbeatInterval paces run liveness updates and cancellation-flag polls.
const heartbeatInterval = 15 * time.Second

// Engine executes workflow runs. Construction validates every declared
// workflow against the agent registry and function registrations.
type Engine struct {
	cfg           *config.Config
	agents        *engine.Engine
	workflows     *services.WorkflowService
	conversations *services.ConversationService
	appender      *ledger.Appender
	funcs         *Funcs
	schemas       compiledSchemas
	podID         string

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewEngine validates the workflow registry and wires the execution engine.
func NewEngine(
	cfg *config.Config,
	agents *engine.Engine,
	workflows *services.WorkflowService,
	conversations *services.ConversationService,
	appender *ledger.Appender,
	funcs *Funcs,
	podID string,
) (*Engine, error) {
	if funcs == nil {
		funcs = NewFuncs()
	}
	schemas, err := validateWorkflows(cfg, funcs)
	if err != nil {
		return nil, fmt.Errorf("workflow validation failed: %w", err)
	}
	return &Engine{
		cfg:           cfg,
		agents:        agents,
		workflows:     workflows,
		conversations: conversations,
		appender:      appender,
		funcs:         funcs,
		schemas:       schemas,
		podID:         podID,
		active:        make(map[string]context.CancelFunc),
	}, nil
}

// RunRequest is one workflow run submission.
type RunRequest struct {
	TenantID        string
	UserID          string
	WorkflowKey     string // empty selects the default workflow
	Message         string
	ConversationKey string // empty derives a run-scoped conversation
	// Location is recorded on the run and forwarded to every step's provider
	// call. Callers only set it when the end user opted in to sharing it.
	Location *engine.Location
}

// Start resolves the workflow, ensures the run's conversation, and creates
// the run row in running status. Execution happens separately, on the
// request goroutine for streaming runs or on the worker pool otherwise.
func (e *Engine) Start(ctx context.Context, req RunRequest) (*models.WorkflowRun, *config.WorkflowConfig, error) {
	if req.Message == "" {
		return nil, nil, services.NewValidationError("message", "required")
	}

	key := req.WorkflowKey
	var wf *config.WorkflowConfig
	var err error
	if key == "" {
		key, wf, err = e.cfg.WorkflowRegistry.GetDefault()
		if err != nil {
			return nil, nil, services.NewValidationError("workflow", "no default workflow configured")
		}
	} else {
		wf, err = e.cfg.GetWorkflow(key)
		if err != nil {
			return nil, nil, services.NewValidationError("workflow", fmt.Sprintf("unknown workflow %q", key))
		}
	}

	runID := uuid.New().String()
	convKey := req.ConversationKey
	if convKey == "" {
		convKey = "workflow:" + runID
	}
	conv, _, err := e.conversations.Ensure(ctx, req.TenantID, convKey, wf.Stages[0].Steps[0].AgentKey)
	if err != nil {
		return nil, nil, err
	}

	var outputSchema models.JSONB
	if len(wf.OutputSchema) > 0 {
		outputSchema, err = models.MarshalJSONB(wf.OutputSchema)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode output schema: %w", err)
		}
	}

	var requestLocation models.JSONB
	if req.Location != nil {
		requestLocation, err = models.MarshalJSONB(req.Location)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode request location: %w", err)
		}
	}

	run, err := e.workflows.CreateRun(ctx, &models.WorkflowRun{
		ID:              runID,
		TenantID:        req.TenantID,
		UserID:          req.UserID,
		WorkflowKey:     key,
		ConversationID:  conv.ID,
		RequestMessage:  req.Message,
		RequestLocation: requestLocation,
		OutputSchema:    outputSchema,
		PodID:           e.podID,
	})
	if err != nil {
		return nil, nil, err
	}
	return run, wf, nil
}

// CancelLocal cancels a run executing on this pod. Returns false when the
// run is not here; the database flag covers the cross-pod case.
func (e *Engine) CancelLocal(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.active[runID]; ok {
		cancel()
		return true
	}
	return false
}

func (e *Engine) register(runID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[runID] = cancel
}

func (e *Engine) unregister(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, runID)
}

// runState accumulates execution progress across stages. Usage accumulation
// is the only field parallel branches touch concurrently.
type runState struct {
	current    string
	structured map[string]any
	lastAgent  string
	prior      []StepOutcome
	seq        int

	usageMu sync.Mutex
	usage   provider.TokenUsage
}

func (s *runState) addUsage(u provider.TokenUsage) {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	s.usage.Add(u)
}

// Execute drives a started run to its terminal status. Every frame is
// recorded in the run's conversation ledger; sink additionally receives them
// live and may be nil for pooled runs. Exactly one terminal frame goes out.
func (e *Engine) Execute(ctx context.Context, run *models.WorkflowRun, wf *config.WorkflowConfig, sink stream.Sink) (*models.WorkflowRun, error) {
	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if t := e.cfg.WorkerPool.RunTimeout; t > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	e.register(run.ID, cancel)
	defer e.unregister(run.ID)

	var cancelRequested atomic.Bool
	monitorDone := make(chan struct{})
	go e.monitor(runCtx, run.ID, cancel, &cancelRequested, monitorDone)
	defer func() { <-monitorDone }()

	base := stream.NewEmitter(e.appender, sink, run.TenantID, run.ConversationID)
	em := base.WithWorkflow(&models.WorkflowMeta{
		WorkflowKey:   run.WorkflowKey,
		WorkflowRunID: run.ID,
	})
	em.Emit(runCtx, models.FrameLifecycle, map[string]any{
		"status":       "workflow_started",
		"workflow_key": run.WorkflowKey,
		"step_count":   wf.StepCount(),
	})

	state := &runState{current: run.RequestMessage, seq: 1}
	err := e.runStages(runCtx, run, wf, em, state)
	cancel()

	// Finalization is detached from run cancellation so the terminal frame
	// and status land even when the client or the deadline killed the run.
	fctx := context.WithoutCancel(ctx)
	if err != nil {
		return e.finishFailed(fctx, run, em, err, cancelRequested.Load())
	}

	finalText := state.current
	finalStructured := state.structured
	if schema, ok := e.schemas[run.WorkflowKey]; ok {
		if err := validateOutput(schema, finalStructured); err != nil {
			return e.finishFailed(fctx, run, em, err, false)
		}
	}

	payload := map[string]any{"response_text": finalText}
	if finalStructured != nil {
		payload["structured_output"] = finalStructured
	}
	if state.usage != (provider.TokenUsage{}) {
		payload["usage"] = map[string]any{
			"requests":                state.usage.Requests,
			"input_tokens":            state.usage.InputTokens,
			"output_tokens":           state.usage.OutputTokens,
			"cached_input_tokens":     state.usage.CachedInputTokens,
			"reasoning_output_tokens": state.usage.ReasoningOutputTokens,
		}
	}
	em.Emit(fctx, models.FrameFinal, payload)

	var structuredJSON models.JSONB
	if finalStructured != nil {
		structuredJSON, _ = models.MarshalJSONB(finalStructured)
	}
	if err := e.workflows.FinishRun(fctx, run.ID, models.RunStatusSucceeded, &finalText, structuredJSON); err != nil {
		slog.Error("Failed to finish workflow run", "run_id", run.ID, "error", err)
	}
	if err := e.conversations.AppendTurn(fctx, run.ConversationID, services.Turn{
		Agent:            state.lastAgent,
		UserContent:      run.RequestMessage,
		AssistantContent: finalText,
	}); err != nil {
		slog.Error("Failed to record workflow turn",
			"run_id", run.ID, "conversation_id", run.ConversationID, "error", err)
	}

	return e.workflows.GetRun(fctx, run.TenantID, run.ID)
}

// monitor heartbeats the run and polls the cooperative cancellation flag,
// cancelling the run context when another pod (or this one) requested it.
func (e *Engine) monitor(ctx context.Context, runID string, cancel context.CancelFunc, requested *atomic.Bool, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.workflows.Heartbeat(ctx, runID); err != nil && ctx.Err() == nil {
				slog.Warn("Workflow heartbeat failed", "run_id", runID, "error", err)
			}
			if flagged, err := e.workflows.CancelRequested(ctx, runID); err == nil && flagged {
				requested.Store(true)
				cancel()
				return
			}
		}
	}
}

// finishFailed emits the terminal error frame and records the terminal
// status: cancelled when the run was cancelled, failed otherwise.
func (e *Engine) finishFailed(ctx context.Context, run *models.WorkflowRun, em *stream.Emitter, runErr error, cancelRequested bool) (*models.WorkflowRun, error) {
	status := models.RunStatusFailed
	code := stream.ErrCodeInternal
	message := "workflow run failed"

	var trip *guardrailTripwire
	switch {
	case cancelRequested || errors.Is(runErr, context.Canceled):
		status = models.RunStatusCancelled
		code = stream.ErrCodeCancelled
		message = "workflow run cancelled"
	case errors.Is(runErr, context.DeadlineExceeded):
		message = "workflow run timed out"
	case errors.As(runErr, &trip):
		code = stream.ErrCodeGuardrailTriggered
		message = trip.Error()
	case errors.Is(runErr, provider.ErrRetriesExhausted) || errors.Is(runErr, provider.ErrRateLimited):
		code = stream.ErrCodeProviderUnavailable
		message = "provider unavailable"
	}

	if code == stream.ErrCodeInternal {
		slog.Error("Workflow run failed", "run_id", run.ID, "error", runErr)
	}
	em.EmitError(ctx, code, message)

	if err := e.workflows.FinishRun(ctx, run.ID, status, nil, nil); err != nil {
		slog.Error("Failed to finish workflow run", "run_id", run.ID, "error", err)
	}
	updated, err := e.workflows.GetRun(ctx, run.TenantID, run.ID)
	if err != nil {
		updated = run
	}
	return updated, runErr
}

// runStages executes every stage in order, threading outputs forward.
func (e *Engine) runStages(ctx context.Context, run *models.WorkflowRun, wf *config.WorkflowConfig, em *stream.Emitter, state *runState) error {
	for _, stage := range wf.Stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		em.Emit(ctx, models.FrameLifecycle, map[string]any{
			"status": "stage_started",
			"stage":  stage.Name,
			"mode":   string(stageMode(stage)),
		})

		var err error
		if stageMode(stage) == config.StageModeParallel {
			err = e.runParallelStage(ctx, run, stage, em, state)
		} else {
			err = e.runSequentialStage(ctx, run, stage, em, state)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func stageMode(stage config.WorkflowStageConfig) config.StageMode {
	if stage.Mode == "" {
		return config.StageModeSequential
	}
	return stage.Mode
}

func (e *Engine) runSequentialStage(ctx context.Context, run *models.WorkflowRun, stage config.WorkflowStageConfig, em *stream.Emitter, state *runState) error {
	for _, step := range stage.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		outcome, err := e.runStep(ctx, run, stage, step, state.seq, -1, state.current, state.prior, em, state)
		state.seq++
		state.prior = append(state.prior, outcome)
		if err != nil {
			return err
		}
		if outcome.Status == models.StepSucceeded {
			state.current = outcome.Output
			state.structured = outcome.Structured
			state.lastAgent = outcome.AgentKey
		}
	}
	return nil
}

type indexedStepResult struct {
	index   int
	outcome StepOutcome
	err     error
}

// runParallelStage launches every branch concurrently against the same stage
// input, waits for all of them, and reduces the succeeded branch outputs in
// branch order. Sequence numbers are assigned before launch, so step rows
// sort by branch index regardless of completion order.
func (e *Engine) runParallelStage(ctx context.Context, run *models.WorkflowRun, stage config.WorkflowStageConfig, em *stream.Emitter, state *runState) error {
	stageInput := state.current
	priorSnapshot := append([]StepOutcome(nil), state.prior...)
	seqBase := state.seq
	state.seq += len(stage.Steps)

	results := make(chan indexedStepResult, len(stage.Steps))
	var wg sync.WaitGroup
	for i, step := range stage.Steps {
		wg.Add(1)
		go func(idx int, step config.WorkflowStepConfig) {
			defer wg.Done()
			outcome, err := e.runStep(ctx, run, stage, step, seqBase+idx, idx, stageInput, priorSnapshot, em, state)
			results <- indexedStepResult{index: idx, outcome: outcome, err: err}
		}(i, step)
	}
	wg.Wait()
	close(results)

	collected := make([]indexedStepResult, 0, len(stage.Steps))
	for r := range results {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].index < collected[j].index })

	var outputs []string
	for _, r := range collected {
		state.prior = append(state.prior, r.outcome)
		if r.err != nil {
			return r.err
		}
		if r.outcome.Status == models.StepSucceeded {
			outputs = append(outputs, r.outcome.Output)
			state.lastAgent = r.outcome.AgentKey
		}
	}

	reduce, err := e.funcs.Reducer(stage.Reducer)
	if err != nil {
		return err
	}
	state.current = reduce(outputs, FuncInput{
		RequestMessage: run.RequestMessage,
		Current:        stageInput,
		Prior:          priorSnapshot,
	})
	state.structured = nil
	return nil
}

// guardrailTripwire marks a step failure caused by a blocking guardrail.
type guardrailTripwire struct{ inner error }

func (g *guardrailTripwire) Error() string { return g.inner.Error() }
func (g *guardrailTripwire) Unwrap() error { return g.inner }

// runStep executes one step: guard, input mapping, agent run, output schema
// validation, and step result recording. branchIndex is -1 for sequential
// steps. The step's frames go out through a step-derived emitter; terminal
// frames stay with the caller.
func (e *Engine) runStep(
	ctx context.Context,
	run *models.WorkflowRun,
	stage config.WorkflowStageConfig,
	step config.WorkflowStepConfig,
	seq, branchIndex int,
	current string,
	prior []StepOutcome,
	em *stream.Emitter,
	state *runState,
) (StepOutcome, error) {
	name := step.Name
	if name == "" {
		name = step.AgentKey
	}

	meta := &models.WorkflowMeta{
		WorkflowKey:   run.WorkflowKey,
		WorkflowRunID: run.ID,
		StageName:     stage.Name,
		StepName:      name,
		StepAgent:     step.AgentKey,
	}
	branch := 0
	var parallelGroup *string
	if branchIndex >= 0 {
		branch = branchIndex
		meta.ParallelGroup = stage.Name
		meta.BranchIndex = &branchIndex
		parallelGroup = &stage.Name
	}
	sem := em.WithWorkflow(meta)

	outcome := StepOutcome{StageName: stage.Name, StepName: name, AgentKey: step.AgentKey}
	started := time.Now().UTC()
	record := func(status models.StepStatus, responseID, responseText string, structured models.JSONB) {
		ended := time.Now().UTC()
		row := &models.WorkflowStepResult{
			RunID:            run.ID,
			SequenceNo:       seq,
			StepName:         name,
			AgentKey:         step.AgentKey,
			StageName:        stage.Name,
			ParallelGroup:    parallelGroup,
			BranchIndex:      branch,
			Status:           status,
			StructuredOutput: structured,
			StartedAt:        started,
			EndedAt:          &ended,
		}
		if responseID != "" {
			row.ResponseID = &responseID
		}
		if responseText != "" {
			row.ResponseText = &responseText
		}
		if err := e.workflows.RecordStep(context.WithoutCancel(ctx), row); err != nil {
			slog.Error("Failed to record step result",
				"run_id", run.ID, "step", name, "error", err)
		}
	}

	guard, err := e.funcs.Guard(step.Guard)
	if err != nil {
		return outcome, err
	}
	in := FuncInput{RequestMessage: run.RequestMessage, Current: current, Prior: prior}
	if !guard(in) {
		outcome.Status = models.StepSkipped
		record(models.StepSkipped, "", "", nil)
		sem.Emit(ctx, models.FrameLifecycle, map[string]any{
			"status": "step_skipped",
			"step":   name,
		})
		return outcome, nil
	}

	mapper, err := e.funcs.Mapper(step.InputMapper)
	if err != nil {
		return outcome, err
	}
	input := mapper(in)

	sem.Emit(ctx, models.FrameLifecycle, map[string]any{
		"status": "step_started",
		"step":   name,
		"agent":  step.AgentKey,
	})

	out, runErr := e.agents.Step(ctx, engine.StepRequest{
		TenantID:       run.TenantID,
		UserID:         &run.UserID,
		ConversationID: run.ConversationID,
		RunID:          run.ID,
		AgentKey:       step.AgentKey,
		Message:        input,
		MaxTurns:       step.MaxTurns,
		OutputSchema:   step.OutputSchema,
		Location:       run.RequestLocation,
	}, sem)

	state.addUsage(out.Usage)

	if runErr == nil {
		if schema, ok := e.schemas[run.WorkflowKey+"/"+name]; ok {
			runErr = validateOutput(schema, out.Structured)
		}
	}

	if runErr != nil {
		status := models.StepFailed
		if ctx.Err() != nil {
			status = models.StepCancelled
		}
		outcome.Status = status
		record(status, out.ResponseID, out.FinalText, nil)
		sem.Emit(ctx, models.FrameLifecycle, map[string]any{
			"status": "step_failed",
			"step":   name,
		})
		var trip *guardrails.TripwireError
		if errors.As(runErr, &trip) {
			return outcome, &guardrailTripwire{inner: runErr}
		}
		return outcome, runErr
	}

	outcome.Status = models.StepSucceeded
	outcome.Output = out.FinalText
	outcome.Structured = out.Structured

	var structuredJSON models.JSONB
	if out.Structured != nil {
		structuredJSON, _ = models.MarshalJSONB(out.Structured)
	}
	record(models.StepSucceeded, out.ResponseID, out.FinalText, structuredJSON)
	sem.Emit(ctx, models.FrameLifecycle, map[string]any{
		"status": "step_completed",
		"step":   name,
	})
	return outcome, nil
}

// validateOutput checks structured output against a compiled schema. A
// schema with no structured output to check is a failure: the contract
// promised one.
func validateOutput(schema *jsonschema.Schema, structured map[string]any) error {
	if structured == nil {
		return fmt.Errorf("output schema declared but run produced no structured output")
	}
	normalized, err := jsonRoundTrip(structured)
	if err != nil {
		return fmt.Errorf("failed to normalize structured output: %w", err)
	}
	if err := schema.Validate(normalized); err != nil {
		return fmt.Errorf("structured output failed schema validation: %w", err)
	}
	return nil
}
