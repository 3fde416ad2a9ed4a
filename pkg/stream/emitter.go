package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arion-ai/arion/pkg/ledger"
	"github.com/arion-ai/arion/pkg/models"
)

// Sink receives envelope-stamped frames for delivery to the client.
// SSEWriter.WriteFrame satisfies it. Workflow runs executing off the request
// goroutine pass nil; their frames reach clients through ledger follow.
type Sink func(*models.Frame) error

// streamState is shared across an emitter and its workflow-step derivations
// so the one-terminal-frame rule holds for the whole stream.
type streamState struct {
	mu         sync.Mutex
	terminal   bool
	sinkBroken bool
	// seq numbers frames when no appender is attached; otherwise the
	// ledger assigns event ids.
	seq int64
}

// Emitter stamps frames with the public_sse_v1 envelope, records them in the
// conversation ledger, and forwards them to the sink.
//
// Ledger failures never stop the stream: the failed frame's event id stays
// consumed, the emitter logs and keeps going, and replay surfaces the gap.
// Sink failures (client gone) stop delivery but recording continues, so the
// terminal frame still lands in the ledger.
//
// Envelope fields (agent, response id, workflow meta) are owned by the
// goroutine driving the emitter. Parallel workflow branches each derive
// their own emitter via WithWorkflow; only the terminal guard is shared.
type Emitter struct {
	appender *ledger.Appender
	sink     Sink
	state    *streamState

	tenantID       string
	conversationID string
	streamID       string

	agent      string
	responseID string
	workflow   *models.WorkflowMeta
}

// NewEmitter creates an emitter for one physical stream. A nil appender
// disables recording (the emitter then numbers frames itself); a nil sink
// disables delivery.
func NewEmitter(appender *ledger.Appender, sink Sink, tenantID, conversationID string) *Emitter {
	return &Emitter{
		appender:       appender,
		sink:           sink,
		state:          &streamState{},
		tenantID:       tenantID,
		conversationID: conversationID,
		streamID:       models.NewStreamID(),
	}
}

// StreamID returns the physical stream identity stamped on every frame.
func (e *Emitter) StreamID() string {
	return e.streamID
}

// SetAgent records the active agent key stamped on subsequent frames.
func (e *Emitter) SetAgent(agent string) {
	e.agent = agent
}

// SetResponseID records the provider response id stamped on subsequent
// frames.
func (e *Emitter) SetResponseID(id string) {
	e.responseID = id
}

// WithWorkflow returns a derived emitter whose frames carry the given
// workflow context. The derivation shares the parent's stream identity and
// terminal guard; agent and response id start from the parent's current
// values and diverge independently.
func (e *Emitter) WithWorkflow(meta *models.WorkflowMeta) *Emitter {
	derived := *e
	derived.workflow = meta
	return &derived
}

// Terminated reports whether the stream's terminal frame has been emitted.
func (e *Emitter) Terminated() bool {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	return e.state.terminal
}

// Emit records and delivers one frame. Frames after the terminal frame are
// dropped. Cancellation does not stop the terminal frame: terminal emits run
// under a context detached from cancellation so the ledger write completes.
func (e *Emitter) Emit(ctx context.Context, kind models.FrameKind, payload map[string]any) {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()

	if e.state.terminal {
		slog.Warn("Frame dropped after terminal frame",
			"conversation_id", e.conversationID,
			"stream_id", e.streamID,
			"kind", kind)
		return
	}
	if kind.Terminal() {
		e.state.terminal = true
		ctx = context.WithoutCancel(ctx)
	}

	frame := &models.Frame{
		Kind:            kind,
		StreamID:        e.streamID,
		ServerTimestamp: time.Now().UTC(),
		ConversationID:  e.conversationID,
		ResponseID:      e.responseID,
		Agent:           e.agent,
		Workflow:        e.workflow,
		Payload:         payload,
	}

	if e.appender != nil {
		if err := e.appender.Append(ctx, e.tenantID, frame); err != nil {
			slog.Error("Ledger append failed, stream continues",
				"conversation_id", e.conversationID,
				"event_id", frame.EventID,
				"kind", kind,
				"error", err)
		}
	} else {
		e.state.seq++
		frame.EventID = e.state.seq
	}

	if e.sink != nil && !e.state.sinkBroken {
		if err := e.sink(frame); err != nil {
			e.state.sinkBroken = true
			slog.Warn("Stream sink failed, recording continues",
				"conversation_id", e.conversationID,
				"stream_id", e.streamID,
				"error", err)
		}
	}

	if e.state.terminal && e.appender != nil {
		e.appender.Forget(e.conversationID)
	}
}

// EmitError emits the terminal error frame for the stream.
func (e *Emitter) EmitError(ctx context.Context, code, message string) {
	e.Emit(ctx, models.FrameError, map[string]any{
		"code":    code,
		"message": message,
	})
}
