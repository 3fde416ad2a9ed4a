package guardrails

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/arion-ai/arion/pkg/config"
)

// boundCheck is a check bound to its config, ready to execute.
type boundCheck struct {
	key        string
	stage      config.GuardrailStage
	suppressed bool
	run        CheckFunc
}

// Pipeline is the resolved, executable guardrail set for one run.
type Pipeline struct {
	stages      map[config.GuardrailStage][]boundCheck
	concurrency int
}

// StageOutcome carries the (possibly redacted) content and the recorded
// results of every check that completed at the stage.
type StageOutcome struct {
	Content string
	Results []Result
}

// HasStage reports whether any check is bound at the stage, so callers can
// skip stages with no work.
func (p *Pipeline) HasStage(stage config.GuardrailStage) bool {
	return len(p.stages[stage]) > 0
}

// Empty reports whether the pipeline carries no checks at all.
func (p *Pipeline) Empty() bool {
	for _, checks := range p.stages {
		if len(checks) > 0 {
			return false
		}
	}
	return true
}

// RunStage executes the stage's checks against content.
//
// Blocking stages (pre_flight, input, tool_input) run checks concurrently up
// to the pipeline's concurrency bound; the first non-suppressed tripwire
// cancels the rest and returns a *TripwireError. Redacting stages (output,
// tool_output) run sequentially in attachment order because each check's
// replacement feeds the next; triggered checks rewrite the content unless
// their bundle suppresses tripwires.
//
// A failing non-suppressed check aborts the stage; content never passes a
// check that could not examine it. Suppressed checks are observe-only, so
// their failures are logged and skipped.
func (p *Pipeline) RunStage(ctx context.Context, stage config.GuardrailStage, content string) (StageOutcome, error) {
	checks := p.stages[stage]
	if len(checks) == 0 {
		return StageOutcome{Content: content}, nil
	}
	if stage.Blocking() {
		return p.runBlocking(ctx, checks, content)
	}
	return p.runRedacting(ctx, checks, content)
}

func (p *Pipeline) runBlocking(ctx context.Context, checks []boundCheck, content string) (StageOutcome, error) {
	g, gctx := errgroup.WithContext(ctx)
	if p.concurrency > 0 {
		g.SetLimit(p.concurrency)
	}

	results := make([]*Result, len(checks))
	for i, check := range checks {
		g.Go(func() error {
			res, err := check.run(gctx, content)
			if err != nil {
				if check.suppressed {
					slog.Warn("Suppressed guardrail check failed, skipping",
						"guardrail", check.key, "stage", check.stage, "error", err)
					return nil
				}
				return fmt.Errorf("guardrail %s failed: %w", check.key, err)
			}

			result := newResult(check, res)
			results[i] = &result
			if res.TripwireTriggered && !check.suppressed {
				return &TripwireError{Result: result}
			}
			return nil
		})
	}
	err := g.Wait()

	outcome := StageOutcome{Content: content}
	for _, r := range results {
		if r != nil {
			outcome.Results = append(outcome.Results, *r)
		}
	}
	return outcome, err
}

func (p *Pipeline) runRedacting(ctx context.Context, checks []boundCheck, content string) (StageOutcome, error) {
	outcome := StageOutcome{Content: content}
	for _, check := range checks {
		res, err := check.run(ctx, outcome.Content)
		if err != nil {
			if check.suppressed {
				slog.Warn("Suppressed guardrail check failed, skipping",
					"guardrail", check.key, "stage", check.stage, "error", err)
				continue
			}
			return outcome, fmt.Errorf("guardrail %s failed: %w", check.key, err)
		}

		outcome.Results = append(outcome.Results, newResult(check, res))
		if res.TripwireTriggered && !check.suppressed && res.Redacted != nil {
			outcome.Content = *res.Redacted
		}
	}
	return outcome, nil
}

func newResult(check boundCheck, res CheckResult) Result {
	return Result{
		Key:               check.key,
		Stage:             check.stage,
		TripwireTriggered: res.TripwireTriggered,
		Suppressed:        check.suppressed,
		Confidence:        res.Confidence,
		TokenUsage:        res.TokenUsage,
		Info:              res.Info,
	}
}
