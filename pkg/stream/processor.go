package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arion-ai/arion/pkg/config"
	"github.com/arion-ai/arion/pkg/guardrails"
	"github.com/arion-ai/arion/pkg/models"
	"github.com/arion-ai/arion/pkg/provider"
)

// Codes carried by terminal error frames.
const (
	ErrCodeCancelled           = "cancelled"
	ErrCodeGuardrailTriggered  = "guardrail_triggered"
	ErrCodeProviderUnavailable = "provider_unavailable"
	ErrCodeInternal            = "internal"
)

// ErrStreamInterrupted means the runtime closed its event channel without a
// terminal event.
var ErrStreamInterrupted = errors.New("provider stream ended without a terminal event")

// ItemHook enriches a completed run item before its frame is emitted. The
// engine uses it to ingest image attachments and return their payload keys.
// Returned keys are merged into the run_item frame payload. Hook errors are
// logged and the frame goes out without the enrichment.
type ItemHook func(ctx context.Context, item *provider.RunItem) (map[string]any, error)

// Outcome is what a consumed stream produced. On error it still carries
// everything accumulated before the failure, so callers can persist partial
// results.
type Outcome struct {
	FinalText        string
	Structured       map[string]any
	Usage            provider.TokenUsage
	ResponseID       string
	Items            []*provider.RunItem
	NewItems         []provider.SessionItem
	GuardrailResults []guardrails.Result
}

// Processor turns normalized runtime events into public frames. It runs the
// streaming guardrail stages (tool_input blocking, tool_output and output
// redacting), and owns every in-stream terminal frame: final on success,
// error on failure, cancellation, or tripwire.
type Processor struct {
	emitter  *Emitter
	pipeline *guardrails.Pipeline
	hook     ItemHook

	// stepScoped processors feed one workflow step. They never emit
	// terminal frames; the workflow engine owns the stream's single
	// terminal and turns step errors into it.
	stepScoped bool
}

// NewProcessor creates a processor emitting through emitter. pipeline and
// hook may be nil.
func NewProcessor(emitter *Emitter, pipeline *guardrails.Pipeline, hook ItemHook) *Processor {
	return &Processor{emitter: emitter, pipeline: pipeline, hook: hook}
}

// NewStepProcessor creates a processor for one workflow step. It emits the
// step's non-terminal frames and reports failures to the caller instead of
// terminating the stream.
func NewStepProcessor(emitter *Emitter, pipeline *guardrails.Pipeline, hook ItemHook) *Processor {
	return &Processor{emitter: emitter, pipeline: pipeline, hook: hook, stepScoped: true}
}

// fail emits the terminal error frame unless the processor is step-scoped.
func (p *Processor) fail(ctx context.Context, code, message string) {
	if p.stepScoped {
		return
	}
	p.emitter.EmitError(ctx, code, message)
}

// Consume drains events until the terminal event, cancellation, or channel
// closure, emitting frames in event order. It emits exactly one terminal
// frame before returning, except under step scope where the caller owns the
// terminal. The returned Outcome is never nil.
func (p *Processor) Consume(ctx context.Context, events <-chan provider.Event) (*Outcome, error) {
	outcome := &Outcome{}
	for {
		select {
		case <-ctx.Done():
			p.fail(ctx, ErrCodeCancelled, "run cancelled")
			return outcome, ctx.Err()

		case ev, ok := <-events:
			if !ok {
				p.fail(ctx, ErrCodeInternal, "stream ended unexpectedly")
				return outcome, ErrStreamInterrupted
			}
			if ev.ResponseID != "" {
				outcome.ResponseID = ev.ResponseID
				p.emitter.SetResponseID(ev.ResponseID)
			}

			switch ev.Type {
			case provider.EventRawDelta:
				p.emitter.Emit(ctx, models.FrameRawResponse, rawDeltaPayload(ev))

			case provider.EventRunItem:
				if err := p.handleItem(ctx, ev.Item, outcome); err != nil {
					return outcome, err
				}

			case provider.EventAgentUpdate:
				p.emitter.SetAgent(ev.NewAgent)
				payload := map[string]any{"new_agent": ev.NewAgent}
				if ev.NewAgentDisplay != "" {
					payload["new_agent_display"] = ev.NewAgentDisplay
				}
				p.emitter.Emit(ctx, models.FrameAgentUpdate, payload)

			case provider.EventLifecycle:
				payload := map[string]any{"status": ev.LifecycleKind}
				for k, v := range ev.LifecycleData {
					if k != "status" {
						payload[k] = v
					}
				}
				p.emitter.Emit(ctx, models.FrameLifecycle, payload)

			case provider.EventCompleted:
				return p.complete(ctx, ev, outcome)

			case provider.EventFailed:
				code, message := errorFrame(ev.Err)
				if code == ErrCodeInternal {
					slog.Error("Provider run failed",
						"conversation_id", p.emitter.conversationID,
						"error", ev.Err)
				}
				p.fail(ctx, code, message)
				if ev.Err == nil {
					return outcome, errors.New("provider run failed")
				}
				return outcome, fmt.Errorf("provider run failed: %w", ev.Err)

			default:
				slog.Warn("Unknown runtime event type skipped", "type", ev.Type)
			}
		}
	}
}

// handleItem guards, enriches, emits, and collects one completed run item.
// Tool call arguments pass the blocking tool_input stage before the item is
// surfaced; tool output passes the redacting tool_output stage, and the item
// is rewritten so downstream recording stores the redacted content.
func (p *Processor) handleItem(ctx context.Context, item *provider.RunItem, outcome *Outcome) error {
	if item == nil {
		return nil
	}

	if item.Type == models.RunItemToolCall && len(item.Arguments) > 0 && p.hasStage(config.StageToolInput) {
		stage, err := p.pipeline.RunStage(ctx, config.StageToolInput, string(item.Arguments))
		outcome.GuardrailResults = append(outcome.GuardrailResults, stage.Results...)
		p.emitTriggered(ctx, stage.Results)
		if err != nil {
			var trip *guardrails.TripwireError
			if errors.As(err, &trip) {
				p.fail(ctx, ErrCodeGuardrailTriggered, trip.Error())
				return err
			}
			p.fail(ctx, ErrCodeInternal, "guardrail check failed")
			return fmt.Errorf("tool input guardrail: %w", err)
		}
	}

	if item.Type == models.RunItemToolOutput && len(item.Output) > 0 && p.hasStage(config.StageToolOutput) {
		stage, err := p.pipeline.RunStage(ctx, config.StageToolOutput, string(item.Output))
		outcome.GuardrailResults = append(outcome.GuardrailResults, stage.Results...)
		p.emitTriggered(ctx, stage.Results)
		if err != nil {
			p.fail(ctx, ErrCodeInternal, "guardrail check failed")
			return fmt.Errorf("tool output guardrail: %w", err)
		}
		if stage.Content != string(item.Output) {
			item.Output = json.RawMessage(stage.Content)
		}
	}

	var extra map[string]any
	if p.hook != nil {
		var err error
		extra, err = p.hook(ctx, item)
		if err != nil {
			slog.Error("Run item hook failed, frame emitted without enrichment",
				"item_type", item.Type, "error", err)
			extra = nil
		}
	}
	payload := runItemPayload(item)
	for k, v := range extra {
		payload[k] = v
	}

	p.emitter.Emit(ctx, models.FrameRunItem, payload)
	outcome.Items = append(outcome.Items, item)
	return nil
}

// complete runs the output guardrail stage against the final text and emits
// the terminal final frame (step-scoped consumers emit no final; the workflow
// engine closes the stream). A triggered redacting check surfaces as a
// guardrail_result frame and the final text is stored redacted.
func (p *Processor) complete(ctx context.Context, ev provider.Event, outcome *Outcome) (*Outcome, error) {
	result := ev.Result
	if result == nil {
		result = &provider.RunResult{}
	}

	outcome.FinalText = result.FinalText
	outcome.Structured = result.Structured
	outcome.Usage = result.Usage
	outcome.NewItems = result.NewItems
	if result.ResponseID != "" {
		outcome.ResponseID = result.ResponseID
		p.emitter.SetResponseID(result.ResponseID)
	}

	if p.hasStage(config.StageOutput) {
		stage, err := p.pipeline.RunStage(ctx, config.StageOutput, outcome.FinalText)
		outcome.GuardrailResults = append(outcome.GuardrailResults, stage.Results...)
		p.emitTriggered(ctx, stage.Results)
		if err != nil {
			p.fail(ctx, ErrCodeInternal, "guardrail check failed")
			return outcome, fmt.Errorf("output guardrail: %w", err)
		}
		outcome.FinalText = stage.Content
	}
	if p.stepScoped {
		return outcome, nil
	}

	payload := map[string]any{"response_text": outcome.FinalText}
	if outcome.Structured != nil {
		payload["structured_output"] = outcome.Structured
	}
	if outcome.Usage != (provider.TokenUsage{}) {
		payload["usage"] = usagePayload(outcome.Usage)
	}
	p.emitter.Emit(ctx, models.FrameFinal, payload)
	return outcome, nil
}

func (p *Processor) hasStage(stage config.GuardrailStage) bool {
	return p.pipeline != nil && p.pipeline.HasStage(stage)
}

// emitTriggered emits guardrail_result frames for triggered checks only,
// suppressed or not. Clean results are collected in the outcome but not
// streamed.
func (p *Processor) emitTriggered(ctx context.Context, results []guardrails.Result) {
	for _, r := range results {
		if r.TripwireTriggered {
			p.emitter.Emit(ctx, models.FrameGuardrailResult, guardrailPayload(r))
		}
	}
}

// errorFrame maps a runtime failure onto a terminal error frame code.
// Internal details stay in logs; the wire carries an opaque message.
func errorFrame(err error) (code, message string) {
	switch {
	case err == nil:
		return ErrCodeInternal, "internal error"
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return ErrCodeCancelled, "run cancelled"
	case errors.Is(err, provider.ErrRetriesExhausted) || errors.Is(err, provider.ErrRateLimited):
		return ErrCodeProviderUnavailable, err.Error()
	default:
		return ErrCodeInternal, "internal error"
	}
}
