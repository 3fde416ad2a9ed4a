package stream

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arion-ai/arion/pkg/models"
)

// frameCollector is a Sink capturing delivered frames. The mutex matters for
// parallel workflow branch tests.
type frameCollector struct {
	mu     sync.Mutex
	frames []*models.Frame
}

func (c *frameCollector) sink(f *models.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *frameCollector) all() []*models.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.Frame(nil), c.frames...)
}

func TestEmitter_StampsEnvelope(t *testing.T) {
	collector := &frameCollector{}
	e := NewEmitter(nil, collector.sink, "t1", "conv-1")
	e.SetAgent("triage")
	e.SetResponseID("resp_1")

	e.Emit(context.Background(), models.FrameLifecycle, map[string]any{"status": "in_progress"})

	frames := collector.all()
	require.Len(t, frames, 1)
	f := frames[0]
	assert.Equal(t, models.FrameLifecycle, f.Kind)
	assert.Equal(t, int64(1), f.EventID)
	assert.Equal(t, e.StreamID(), f.StreamID)
	assert.Regexp(t, `^stream_[0-9a-f]{16}$`, f.StreamID)
	assert.False(t, f.ServerTimestamp.IsZero())
	assert.Equal(t, "conv-1", f.ConversationID)
	assert.Equal(t, "triage", f.Agent)
	assert.Equal(t, "resp_1", f.ResponseID)
	assert.Equal(t, "in_progress", f.Payload["status"])
}

func TestEmitter_NumbersFramesWithoutLedger(t *testing.T) {
	collector := &frameCollector{}
	e := NewEmitter(nil, collector.sink, "t1", "conv-1")

	ctx := context.Background()
	e.Emit(ctx, models.FrameRawResponse, map[string]any{"text_delta": "a"})
	e.Emit(ctx, models.FrameRawResponse, map[string]any{"text_delta": "b"})
	e.Emit(ctx, models.FrameFinal, map[string]any{"response_text": "ab"})

	frames := collector.all()
	require.Len(t, frames, 3)
	for i, f := range frames {
		assert.Equal(t, int64(i+1), f.EventID)
	}
}

func TestEmitter_OneTerminalFrame(t *testing.T) {
	collector := &frameCollector{}
	e := NewEmitter(nil, collector.sink, "t1", "conv-1")
	ctx := context.Background()

	assert.False(t, e.Terminated())
	e.Emit(ctx, models.FrameFinal, map[string]any{"response_text": "done"})
	assert.True(t, e.Terminated())

	e.Emit(ctx, models.FrameRawResponse, map[string]any{"text_delta": "late"})
	e.EmitError(ctx, ErrCodeInternal, "late terminal")

	frames := collector.all()
	require.Len(t, frames, 1)
	assert.Equal(t, models.FrameFinal, frames[0].Kind)
}

func TestEmitter_ErrorFramePayload(t *testing.T) {
	collector := &frameCollector{}
	e := NewEmitter(nil, collector.sink, "t1", "conv-1")

	e.EmitError(context.Background(), ErrCodeCancelled, "run cancelled")

	frames := collector.all()
	require.Len(t, frames, 1)
	assert.Equal(t, models.FrameError, frames[0].Kind)
	assert.Equal(t, ErrCodeCancelled, frames[0].Payload["code"])
	assert.Equal(t, "run cancelled", frames[0].Payload["message"])
	assert.True(t, e.Terminated())
}

func TestEmitter_SinkFailureStopsDelivery(t *testing.T) {
	calls := 0
	sink := func(*models.Frame) error {
		calls++
		return errors.New("client gone")
	}
	e := NewEmitter(nil, sink, "t1", "conv-1")
	ctx := context.Background()

	e.Emit(ctx, models.FrameRawResponse, map[string]any{"text_delta": "a"})
	e.Emit(ctx, models.FrameRawResponse, map[string]any{"text_delta": "b"})
	e.Emit(ctx, models.FrameFinal, map[string]any{"response_text": "ab"})

	assert.Equal(t, 1, calls, "delivery stops after the first sink failure")
	assert.True(t, e.Terminated(), "terminal bookkeeping continues without a sink")
}

func TestEmitter_NilSinkIsValid(t *testing.T) {
	e := NewEmitter(nil, nil, "t1", "conv-1")
	e.Emit(context.Background(), models.FrameFinal, map[string]any{"response_text": "done"})
	assert.True(t, e.Terminated())
}

func TestEmitter_WithWorkflowSharesTerminalGuard(t *testing.T) {
	collector := &frameCollector{}
	parent := NewEmitter(nil, collector.sink, "t1", "conv-1")
	parent.SetAgent("triage")
	ctx := context.Background()

	branch := 1
	step := parent.WithWorkflow(&models.WorkflowMeta{
		WorkflowKey:   "analysis_code",
		WorkflowRunID: "run-1",
		StepName:      "analysis",
		BranchIndex:   &branch,
	})
	step.SetAgent("analysis")

	parent.Emit(ctx, models.FrameLifecycle, map[string]any{"status": "in_progress"})
	step.Emit(ctx, models.FrameRawResponse, map[string]any{"text_delta": "x"})
	step.Emit(ctx, models.FrameFinal, map[string]any{"response_text": "x"})

	// The derived emitter's terminal closes the whole stream.
	parent.Emit(ctx, models.FrameRawResponse, map[string]any{"text_delta": "late"})

	frames := collector.all()
	require.Len(t, frames, 3)

	assert.Nil(t, frames[0].Workflow)
	assert.Equal(t, "triage", frames[0].Agent)

	require.NotNil(t, frames[1].Workflow)
	assert.Equal(t, "analysis_code", frames[1].Workflow.WorkflowKey)
	assert.Equal(t, "analysis", frames[1].Workflow.StepName)
	assert.Equal(t, "analysis", frames[1].Agent)

	assert.Equal(t, parent.StreamID(), frames[1].StreamID, "derivations share the stream identity")
	for i, f := range frames {
		assert.Equal(t, int64(i+1), f.EventID, "derivations share the frame sequence")
	}
	assert.True(t, parent.Terminated())
}
