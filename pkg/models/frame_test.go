package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameMarshal_FlatEnvelope(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f := &Frame{
		Kind:            FrameLifecycle,
		EventID:         1,
		StreamID:        "stream_abc123",
		ServerTimestamp: ts,
		ConversationID:  "conv-1",
		Agent:           "triage",
		Payload:         map[string]any{"status": "in_progress"},
	}

	data, err := json.Marshal(f)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "public_sse_v1", m["schema"])
	assert.Equal(t, "lifecycle", m["kind"])
	assert.Equal(t, float64(1), m["event_id"])
	assert.Equal(t, "stream_abc123", m["stream_id"])
	assert.Equal(t, "2025-01-01T00:00:00.000Z", m["server_timestamp"])
	assert.Equal(t, "conv-1", m["conversation_id"])
	assert.Equal(t, "triage", m["agent"])
	assert.Equal(t, "in_progress", m["status"])
	assert.NotContains(t, m, "response_id")
	assert.NotContains(t, m, "workflow")
}

func TestFrameMarshal_CanonicalRoundTrip(t *testing.T) {
	branch := 2
	f := &Frame{
		Kind:            FrameRunItem,
		EventID:         42,
		StreamID:        "stream_deadbeef00112233",
		ServerTimestamp: time.Date(2025, 3, 14, 15, 9, 26, 535_000_000, time.UTC),
		ConversationID:  "conv-2",
		ResponseID:      "resp_42",
		Agent:           "coder",
		Workflow: &WorkflowMeta{
			WorkflowKey:   "analysis_code",
			WorkflowRunID: "run-7",
			StepName:      "code",
			StageName:     "build",
			ParallelGroup: "fanout",
			BranchIndex:   &branch,
		},
		Payload: map[string]any{
			"item_type":     "message",
			"response_text": "Hello!",
			"token_count":   17,
			"score":         0.25,
		},
	}

	first, err := json.Marshal(f)
	require.NoError(t, err)

	var decoded Frame
	require.NoError(t, json.Unmarshal(first, &decoded))
	assert.Equal(t, f.Kind, decoded.Kind)
	assert.Equal(t, f.EventID, decoded.EventID)
	assert.Equal(t, f.StreamID, decoded.StreamID)
	assert.Equal(t, f.ResponseID, decoded.ResponseID)
	assert.Equal(t, f.Agent, decoded.Agent)
	require.NotNil(t, decoded.Workflow)
	assert.Equal(t, "analysis_code", decoded.Workflow.WorkflowKey)
	assert.Equal(t, "run-7", decoded.Workflow.WorkflowRunID)
	require.NotNil(t, decoded.Workflow.BranchIndex)
	assert.Equal(t, 2, *decoded.Workflow.BranchIndex)
	assert.Equal(t, "Hello!", decoded.Payload["response_text"])

	// Decode then re-encode is byte-stable; replay depends on it.
	second, err := json.Marshal(&decoded)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestFrameUnmarshal_RejectsForeignSchema(t *testing.T) {
	var f Frame
	err := json.Unmarshal([]byte(`{"schema":"other_v2","kind":"final"}`), &f)
	assert.ErrorContains(t, err, "other_v2")
}

func TestFrameUnmarshal_NumberFidelity(t *testing.T) {
	raw := `{"schema":"public_sse_v1","kind":"final","event_id":9007199254740993,"stream_id":"stream_a","server_timestamp":"2025-01-01T00:00:00.000Z","conversation_id":"c","big":9007199254740993}`

	var f Frame
	require.NoError(t, json.Unmarshal([]byte(raw), &f))
	assert.Equal(t, int64(9007199254740993), f.EventID)

	// Payload numbers survive beyond float64 precision.
	out, err := json.Marshal(&f)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"big":9007199254740993`)
}

func TestFrameKindTerminal(t *testing.T) {
	assert.True(t, FrameFinal.Terminal())
	assert.True(t, FrameError.Terminal())
	assert.False(t, FrameRawResponse.Terminal())
	assert.False(t, FrameRunItem.Terminal())
	assert.False(t, FrameLifecycle.Terminal())
	assert.False(t, FrameGuardrailResult.Terminal())
}

func TestNewStreamID(t *testing.T) {
	a := NewStreamID()
	b := NewStreamID()
	assert.Regexp(t, `^stream_[0-9a-f]{16}$`, a)
	assert.NotEqual(t, a, b)
}
