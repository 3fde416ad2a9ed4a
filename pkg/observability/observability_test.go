package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arion-ai/arion/pkg/config"
)

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://otel.example.com:4318", "otel.example.com:4318"},
		{"http://localhost:4318", "localhost:4318"},
		{"collector:4318", "collector:4318"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, endpointHost(tt.in), "endpointHost(%q)", tt.in)
	}
}

func TestSetup_DisabledIsNoop(t *testing.T) {
	p, err := Setup(context.Background(), &config.ObservabilityConfig{}, "arion/test")
	require.NoError(t, err)
	require.NotNil(t, p.Metrics)

	// Instruments exist and record without a collector.
	ctx := context.Background()
	p.Metrics.RateLimitDecision(ctx, "allowed")
	p.Metrics.RunStarted(ctx, "agent")
	p.Metrics.RunFinished(ctx, "agent", "succeeded")
	p.Metrics.TokensRecorded(ctx, "input", 42)

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	// Components constructed without observability carry a nil *Metrics;
	// every instrument method must tolerate it.
	m.RateLimitDecision(ctx, "allowed")
	m.UsageGateDecision(ctx, "allow", "requests")
	m.StreamFrame(ctx, "lifecycle")
	m.RunStarted(ctx, "workflow")
	m.RunFinished(ctx, "workflow", "failed")
	m.TokensRecorded(ctx, "output", 7)
}
