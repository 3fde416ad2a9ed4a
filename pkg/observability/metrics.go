package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the platform's instrument families. All counters are safe for
// concurrent use and no-op when telemetry is disabled.
type Metrics struct {
	rateLimitDecisions metric.Int64Counter
	usageGateDecisions metric.Int64Counter
	streamFrames       metric.Int64Counter
	runsStarted        metric.Int64Counter
	runsFinished       metric.Int64Counter
	tokensRecorded     metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.rateLimitDecisions, err = meter.Int64Counter("arion.ratelimit.decisions",
		metric.WithDescription("Rate limiter verdicts by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create rate limit counter: %w", err)
	}
	if m.usageGateDecisions, err = meter.Int64Counter("arion.usagegate.decisions",
		metric.WithDescription("Usage gate verdicts by outcome and metric")); err != nil {
		return nil, fmt.Errorf("failed to create usage gate counter: %w", err)
	}
	if m.streamFrames, err = meter.Int64Counter("arion.stream.frames",
		metric.WithDescription("Frames delivered to live streams by type")); err != nil {
		return nil, fmt.Errorf("failed to create stream frame counter: %w", err)
	}
	if m.runsStarted, err = meter.Int64Counter("arion.runs.started",
		metric.WithDescription("Agent and workflow runs started")); err != nil {
		return nil, fmt.Errorf("failed to create runs started counter: %w", err)
	}
	if m.runsFinished, err = meter.Int64Counter("arion.runs.finished",
		metric.WithDescription("Agent and workflow runs finished by status")); err != nil {
		return nil, fmt.Errorf("failed to create runs finished counter: %w", err)
	}
	if m.tokensRecorded, err = meter.Int64Counter("arion.usage.tokens",
		metric.WithDescription("Tokens recorded against tenant counters by direction")); err != nil {
		return nil, fmt.Errorf("failed to create token counter: %w", err)
	}
	return m, nil
}

// RateLimitDecision counts one limiter verdict. outcome is "allowed" or
// "limited".
func (m *Metrics) RateLimitDecision(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.rateLimitDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome)))
}

// UsageGateDecision counts one gate verdict against a usage metric.
func (m *Metrics) UsageGateDecision(ctx context.Context, outcome, usageMetric string) {
	if m == nil {
		return
	}
	m.usageGateDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("metric", usageMetric)))
}

// StreamFrame counts one frame delivered to a live stream.
func (m *Metrics) StreamFrame(ctx context.Context, frameType string) {
	if m == nil {
		return
	}
	m.streamFrames.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", frameType)))
}

// RunStarted counts one run start. kind is "agent" or "workflow".
func (m *Metrics) RunStarted(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.runsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind)))
}

// RunFinished counts one run completion with its terminal status.
func (m *Metrics) RunFinished(ctx context.Context, kind, status string) {
	if m == nil {
		return
	}
	m.runsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status)))
}

// TokensRecorded counts tokens charged to a tenant. direction is "input" or
// "output".
func (m *Metrics) TokensRecorded(ctx context.Context, direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.tokensRecorded.Add(ctx, n, metric.WithAttributes(
		attribute.String("direction", direction)))
}
