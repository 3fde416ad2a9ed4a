package models

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// FrameSchema identifies the public streaming wire format.
const FrameSchema = "public_sse_v1"

// frameTimestampLayout is RFC3339 with millisecond precision, the
// resolution every server_timestamp is truncated to on the wire.
const frameTimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FrameKind classifies a public stream frame.
type FrameKind string

const (
	FrameRawResponse     FrameKind = "raw_response"
	FrameRunItem         FrameKind = "run_item"
	FrameAgentUpdate     FrameKind = "agent_update"
	FrameLifecycle       FrameKind = "lifecycle"
	FrameGuardrailResult FrameKind = "guardrail_result"
	FrameFinal           FrameKind = "final"
	FrameError           FrameKind = "error"
)

// Terminal reports whether the kind closes a stream.
func (k FrameKind) Terminal() bool {
	return k == FrameFinal || k == FrameError
}

// WorkflowMeta tags a frame with its workflow execution context. Only
// frames emitted by workflow streams carry it.
type WorkflowMeta struct {
	WorkflowKey   string
	WorkflowRunID string
	StepName      string
	StepAgent     string
	StageName     string
	ParallelGroup string
	BranchIndex   *int
}

// Frame is one public_sse_v1 stream frame. Envelope fields live beside the
// kind-specific payload keys in a single flat JSON object; Payload holds
// everything outside the envelope.
//
// Marshaling is canonical: all keys (including nested workflow keys) are
// emitted through sorted maps, so decode followed by re-encode is
// byte-stable. Replay relies on this to re-serialize recorded frames
// without drift.
type Frame struct {
	Kind            FrameKind
	EventID         int64
	StreamID        string
	ServerTimestamp time.Time
	ConversationID  string
	ResponseID      string
	Agent           string
	Workflow        *WorkflowMeta
	Payload         map[string]any
}

// NewStreamID returns a fresh opaque stream instance id.
func NewStreamID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("stream id entropy unavailable: %v", err))
	}
	return "stream_" + hex.EncodeToString(b[:])
}

// MarshalJSON flattens the envelope and payload into one sorted-key object.
func (f *Frame) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(f.Payload)+8)
	for k, v := range f.Payload {
		m[k] = v
	}
	m["schema"] = FrameSchema
	m["kind"] = string(f.Kind)
	m["event_id"] = f.EventID
	m["stream_id"] = f.StreamID
	m["server_timestamp"] = f.ServerTimestamp.UTC().Format(frameTimestampLayout)
	m["conversation_id"] = f.ConversationID
	if f.ResponseID != "" {
		m["response_id"] = f.ResponseID
	}
	if f.Agent != "" {
		m["agent"] = f.Agent
	}
	if f.Workflow != nil {
		m["workflow"] = f.Workflow.asMap()
	}
	return json.Marshal(m)
}

// UnmarshalJSON splits the flat object back into envelope fields and
// payload. Numbers are decoded as json.Number so re-encoding preserves the
// original digits.
func (f *Frame) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	if s := popString(m, "schema"); s != "" && s != FrameSchema {
		return fmt.Errorf("unsupported frame schema %q", s)
	}
	f.Kind = FrameKind(popString(m, "kind"))
	eventID, err := popInt(m, "event_id")
	if err != nil {
		return err
	}
	f.EventID = eventID
	f.StreamID = popString(m, "stream_id")
	if ts := popString(m, "server_timestamp"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("parse server_timestamp: %w", err)
		}
		f.ServerTimestamp = t
	}
	f.ConversationID = popString(m, "conversation_id")
	f.ResponseID = popString(m, "response_id")
	f.Agent = popString(m, "agent")
	if wf, ok := m["workflow"].(map[string]any); ok {
		delete(m, "workflow")
		meta, err := workflowMetaFromMap(wf)
		if err != nil {
			return err
		}
		f.Workflow = meta
	}
	if len(m) > 0 {
		f.Payload = m
	} else {
		f.Payload = nil
	}
	return nil
}

func (w *WorkflowMeta) asMap() map[string]any {
	m := map[string]any{
		"workflow_key":    w.WorkflowKey,
		"workflow_run_id": w.WorkflowRunID,
	}
	if w.StepName != "" {
		m["step_name"] = w.StepName
	}
	if w.StepAgent != "" {
		m["step_agent"] = w.StepAgent
	}
	if w.StageName != "" {
		m["stage_name"] = w.StageName
	}
	if w.ParallelGroup != "" {
		m["parallel_group"] = w.ParallelGroup
	}
	if w.BranchIndex != nil {
		m["branch_index"] = *w.BranchIndex
	}
	return m
}

func workflowMetaFromMap(m map[string]any) (*WorkflowMeta, error) {
	meta := &WorkflowMeta{
		WorkflowKey:   popString(m, "workflow_key"),
		WorkflowRunID: popString(m, "workflow_run_id"),
		StepName:      popString(m, "step_name"),
		StepAgent:     popString(m, "step_agent"),
		StageName:     popString(m, "stage_name"),
		ParallelGroup: popString(m, "parallel_group"),
	}
	if _, ok := m["branch_index"]; ok {
		idx, err := popInt(m, "branch_index")
		if err != nil {
			return nil, err
		}
		i := int(idx)
		meta.BranchIndex = &i
	}
	return meta, nil
}

func popString(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	delete(m, key)
	s, _ := v.(string)
	return s
}

func popInt(m map[string]any, key string) (int64, error) {
	v, ok := m[key]
	if !ok {
		return 0, nil
	}
	delete(m, key)
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("frame field %s: %w", key, err)
		}
		return i, nil
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("frame field %s has unexpected type %T", key, v)
	}
}
