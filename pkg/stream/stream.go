// Package stream carries agent runtime output to public consumers in the
// public_sse_v1 wire format. The Processor normalizes provider runtime
// events, runs the streaming guardrail stages, and hands frames to an
// Emitter; the Emitter stamps the envelope, records every frame in the
// conversation ledger, and forwards it to a delivery sink. SSEWriter is the
// HTTP delivery sink used by the streaming endpoints.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/arion-ai/arion/pkg/models"
)

// ErrStreamingUnsupported means the response writer cannot flush, so SSE
// delivery is impossible on this connection.
var ErrStreamingUnsupported = errors.New("response writer does not support streaming")

// SSEWriter writes public_sse_v1 frames to an HTTP response as server-sent
// events. Frames are serialized as `data: <json>` records; idle streams emit
// comment-line heartbeats so intermediaries keep the connection open.
// Heartbeats are never ledger-recorded.
//
// WriteFrame and Heartbeat are safe for concurrent use: a heartbeat keeper
// runs beside the goroutine delivering frames.
type SSEWriter struct {
	mu        sync.Mutex
	w         http.ResponseWriter
	flusher   http.Flusher
	lastWrite time.Time
}

// NewSSEWriter prepares w for event-stream delivery and returns the writer.
// Headers are set immediately; the first frame or heartbeat commits them.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Disable nginx proxy buffering
	h.Set("X-Accel-Buffering", "no")

	return &SSEWriter{w: w, flusher: flusher, lastWrite: time.Now()}, nil
}

// WriteFrame serializes one frame as an SSE data record and flushes it.
func (s *SSEWriter) WriteFrame(frame *models.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	s.flusher.Flush()
	s.lastWrite = time.Now()
	return nil
}

// Heartbeat writes an SSE comment line if the stream has been idle for at
// least interval. Recent frame traffic makes it a no-op.
func (s *SSEWriter) Heartbeat(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastWrite) < interval {
		return nil
	}
	if _, err := io.WriteString(s.w, ":\n\n"); err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	s.flusher.Flush()
	s.lastWrite = time.Now()
	return nil
}

// KeepAlive emits idle heartbeats every interval until the returned stop
// function is called or ctx ends. Streaming handlers start it before the
// engine run and stop it before closing the response.
func (s *SSEWriter) KeepAlive(ctx context.Context, interval time.Duration) (stop func()) {
	hctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Heartbeat(interval); err != nil {
					return
				}
			case <-hctx.Done():
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Pump delivers frames from ch until it closes, emitting idle heartbeats
// along the way. A non-empty streamID replaces each frame's recorded stream
// id, so replays of recorded conversations go out under a fresh physical
// stream identity. Callers own the frames on ch; Pump may mutate them.
func (s *SSEWriter) Pump(ctx context.Context, ch <-chan *models.Frame, heartbeat time.Duration, streamID string) error {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				return nil
			}
			if streamID != "" {
				frame.StreamID = streamID
			}
			if err := s.WriteFrame(frame); err != nil {
				return err
			}
		case <-ticker.C:
			if err := s.Heartbeat(heartbeat); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
