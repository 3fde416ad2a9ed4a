package provider

// EventType classifies runtime stream events before public normalization.
type EventType string

const (
	// EventRawDelta is an incremental text or reasoning fragment.
	EventRawDelta EventType = "raw_delta"
	// EventRunItem is a completed run item.
	EventRunItem EventType = "run_item"
	// EventAgentUpdate signals a handoff to another agent.
	EventAgentUpdate EventType = "agent_update"
	// EventLifecycle covers tool_start, tool_end, and similar markers.
	EventLifecycle EventType = "lifecycle"
	// EventCompleted terminates a stream successfully.
	EventCompleted EventType = "completed"
	// EventFailed terminates a stream with an error.
	EventFailed EventType = "failed"
)

// Event is one normalized runtime stream event. Exactly one terminal event
// (completed or failed) closes every stream.
type Event struct {
	Type EventType

	// raw_delta
	Delta          string
	ReasoningDelta string
	RawType        string

	// run_item
	Item *RunItem

	// agent_update
	NewAgent        string
	NewAgentDisplay string

	// lifecycle
	LifecycleKind string
	LifecycleData map[string]any

	// terminal
	Result *RunResult
	Err    error

	ResponseID string
}

// Terminal reports whether the event closes the stream.
func (e Event) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventFailed
}
