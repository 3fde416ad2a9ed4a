package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arion-ai/arion/pkg/models"
)

func sseFrame(eventID int64, kind models.FrameKind, payload map[string]any) *models.Frame {
	return &models.Frame{
		Kind:            kind,
		EventID:         eventID,
		StreamID:        "stream_00000000000000aa",
		ServerTimestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		ConversationID:  "conv-1",
		Payload:         payload,
	}
}

func decodeRecords(t *testing.T, body string) []*models.Frame {
	t.Helper()
	var frames []*models.Frame
	for _, record := range strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n") {
		if record == ":" {
			continue
		}
		require.True(t, strings.HasPrefix(record, "data: "), "unexpected record %q", record)
		var f models.Frame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(record, "data: ")), &f))
		frames = append(frames, &f)
	}
	return frames
}

func TestSSEWriter_WriteFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteFrame(sseFrame(1, models.FrameLifecycle, map[string]any{"status": "in_progress"})))

	assert.Equal(t, "text/event-stream; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.True(t, rec.Flushed)

	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, "data: "))
	require.True(t, strings.HasSuffix(body, "\n\n"))

	frames := decodeRecords(t, body)
	require.Len(t, frames, 1)
	assert.Equal(t, models.FrameLifecycle, frames[0].Kind)
	assert.Equal(t, int64(1), frames[0].EventID)
	assert.Equal(t, "in_progress", frames[0].Payload["status"])
}

func TestSSEWriter_HeartbeatOnlyWhenIdle(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	// A fresh writer counts as recent traffic.
	require.NoError(t, w.Heartbeat(time.Minute))
	assert.Empty(t, rec.Body.String())

	w.lastWrite = time.Now().Add(-2 * time.Minute)
	require.NoError(t, w.Heartbeat(time.Minute))
	assert.Equal(t, ":\n\n", rec.Body.String())
}

// noFlushWriter hides the recorder's Flush method.
type noFlushWriter struct {
	http.ResponseWriter
}

func TestNewSSEWriter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(noFlushWriter{httptest.NewRecorder()})
	assert.ErrorIs(t, err, ErrStreamingUnsupported)
}

func TestSSEWriter_PumpAssignsReplayStreamID(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	ch := make(chan *models.Frame, 2)
	ch <- sseFrame(1, models.FrameRawResponse, map[string]any{"text_delta": "hi"})
	ch <- sseFrame(2, models.FrameFinal, map[string]any{"response_text": "hi"})
	close(ch)

	require.NoError(t, w.Pump(context.Background(), ch, time.Minute, "stream_feedfeedfeedfeed"))

	frames := decodeRecords(t, rec.Body.String())
	require.Len(t, frames, 2)
	for _, f := range frames {
		assert.Equal(t, "stream_feedfeedfeedfeed", f.StreamID)
	}
	assert.Equal(t, int64(1), frames[0].EventID)
	assert.Equal(t, int64(2), frames[1].EventID)
}

func TestSSEWriter_PumpStopsOnContext(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = w.Pump(ctx, make(chan *models.Frame), time.Minute, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSSEWriter_KeepAliveEmitsComments(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)
	w.lastWrite = time.Now().Add(-time.Minute)

	stop := w.KeepAlive(context.Background(), 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	stop()

	assert.Contains(t, rec.Body.String(), ":\n\n")
}
