package ledger

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arion-ai/arion/pkg/config"
	"github.com/arion-ai/arion/pkg/database"
	"github.com/arion-ai/arion/pkg/models"
	"github.com/arion-ai/arion/pkg/storage"
	testdb "github.com/arion-ai/arion/test/database"
	"github.com/arion-ai/arion/test/util"
)

// brokerTestEnv wires appender, reader, broker, and a real notify listener
// against a real PostgreSQL database.
type brokerTestEnv struct {
	client   *database.Client
	store    *storage.MemoryStore
	appender *Appender
	broker   *Broker
	listener *NotifyListener
	conv     string
}

func setupBrokerTest(t *testing.T, ledgerCfg *config.LedgerConfig) *brokerTestEnv {
	t.Helper()

	client := testdb.NewTestClient(t)
	conv := uuid.New().String()
	seedConversation(t, client, "t1", conv)

	store := storage.NewMemoryStore("")
	broker := NewBroker(NewReader(client, store), nil)

	// LISTEN/NOTIFY is database-level, so the listener connects with the
	// base connection string while data clients stay schema-scoped.
	listener := NewNotifyListener(util.GetBaseConnectionString(t), broker)
	require.NoError(t, listener.Start(context.Background()))
	broker.SetListener(listener)
	t.Cleanup(func() { listener.Stop(context.Background()) })

	return &brokerTestEnv{
		client:   client,
		store:    store,
		appender: NewAppender(client, store, ledgerCfg),
		broker:   broker,
		listener: listener,
		conv:     conv,
	}
}

func waitFrame(t *testing.T, sub *Subscription) *models.Frame {
	t.Helper()
	select {
	case f, ok := <-sub.Frames():
		require.True(t, ok, "subscription ended early: %v", sub.Err())
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestBroker_DeliversLiveAppends(t *testing.T) {
	env := setupBrokerTest(t, nil)
	ctx := context.Background()

	sub, err := env.broker.Subscribe(ctx, "t1", env.conv, 0)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, env.appender.Append(ctx, "t1", testFrame(env.conv, models.FrameLifecycle, map[string]any{"status": "in_progress"})))
	require.NoError(t, env.appender.Append(ctx, "t1", testFrame(env.conv, models.FrameFinal, map[string]any{"response_text": "done"})))

	first := waitFrame(t, sub)
	assert.Equal(t, int64(1), first.EventID)
	assert.Equal(t, models.FrameLifecycle, first.Kind)
	assert.Equal(t, "in_progress", first.Payload["status"])

	second := waitFrame(t, sub)
	assert.Equal(t, int64(2), second.EventID)
	assert.Equal(t, models.FrameFinal, second.Kind)
	assert.Equal(t, "done", second.Payload["response_text"])
}

func TestBroker_CatchUpThenLive(t *testing.T) {
	env := setupBrokerTest(t, nil)
	ctx := context.Background()

	// Recorded before the follower exists.
	require.NoError(t, env.appender.Append(ctx, "t1", testFrame(env.conv, models.FrameRawResponse, map[string]any{"text_delta": "a"})))
	require.NoError(t, env.appender.Append(ctx, "t1", testFrame(env.conv, models.FrameRawResponse, map[string]any{"text_delta": "b"})))

	sub, err := env.broker.Subscribe(ctx, "t1", env.conv, 0)
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, int64(1), waitFrame(t, sub).EventID)
	assert.Equal(t, int64(2), waitFrame(t, sub).EventID)

	require.NoError(t, env.appender.Append(ctx, "t1", testFrame(env.conv, models.FrameFinal, map[string]any{"response_text": "ab"})))
	third := waitFrame(t, sub)
	assert.Equal(t, int64(3), third.EventID)
	assert.Equal(t, models.FrameFinal, third.Kind)
}

func TestBroker_ResumesFromCursor(t *testing.T) {
	env := setupBrokerTest(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, env.appender.Append(ctx, "t1", testFrame(env.conv, models.FrameRawResponse, map[string]any{"text_delta": "d"})))
	}

	sub, err := env.broker.Subscribe(ctx, "t1", env.conv, 2)
	require.NoError(t, err)
	defer sub.Close()

	only := waitFrame(t, sub)
	assert.Equal(t, int64(3), only.EventID)
}

func TestBroker_OversizedNotifyStillDelivers(t *testing.T) {
	// Inline threshold far above the notify cap: the row stays inline but
	// the notification is a thin envelope, forcing the pump's ledger read.
	env := setupBrokerTest(t, &config.LedgerConfig{
		InlineMaxBytes: 64 * 1024,
		WriteDeadline:  5 * time.Second,
	})
	ctx := context.Background()

	sub, err := env.broker.Subscribe(ctx, "t1", env.conv, 0)
	require.NoError(t, err)
	defer sub.Close()

	text := strings.Repeat("long answer ", 1024)
	require.NoError(t, env.appender.Append(ctx, "t1", testFrame(env.conv, models.FrameRunItem, map[string]any{
		"item_type":     "message",
		"response_text": text,
	})))

	frame := waitFrame(t, sub)
	assert.Equal(t, int64(1), frame.EventID)
	assert.Equal(t, text, frame.Payload["response_text"])
}

func TestBroker_CloseDropsListenOnLastFollower(t *testing.T) {
	env := setupBrokerTest(t, nil)
	ctx := context.Background()

	first, err := env.broker.Subscribe(ctx, "t1", env.conv, 0)
	require.NoError(t, err)
	second, err := env.broker.Subscribe(ctx, "t1", env.conv, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, env.broker.subscriberCount(env.conv))

	first.Close()
	assert.Equal(t, 1, env.broker.subscriberCount(env.conv))
	assert.True(t, env.listenerHasChannel(env.conv), "LISTEN must survive while followers remain")

	second.Close()
	assert.Equal(t, 0, env.broker.subscriberCount(env.conv))
	assert.False(t, env.listenerHasChannel(env.conv), "last follower must UNLISTEN")
}

func (env *brokerTestEnv) listenerHasChannel(conversationID string) bool {
	env.listener.channelsMu.RLock()
	defer env.listener.channelsMu.RUnlock()
	return env.listener.channels[NotifyChannel(conversationID)]
}

func TestBroker_ContextCancelEndsSubscription(t *testing.T) {
	env := setupBrokerTest(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := env.broker.Subscribe(ctx, "t1", env.conv, 0)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-sub.Frames():
		assert.False(t, ok, "channel must close on cancellation")
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not end after cancellation")
	}
	assert.NoError(t, sub.Err())
}

func TestBroker_PollsWithoutListener(t *testing.T) {
	client := testdb.NewTestClient(t)
	conv := uuid.New().String()
	seedConversation(t, client, "t1", conv)

	store := storage.NewMemoryStore("")
	broker := NewBroker(NewReader(client, store), nil)
	broker.pollInterval = 50 * time.Millisecond

	ctx := context.Background()
	sub, err := broker.Subscribe(ctx, "t1", conv, 0)
	require.NoError(t, err)
	defer sub.Close()

	appender := NewAppender(client, store, nil)
	require.NoError(t, appender.Append(ctx, "t1", testFrame(conv, models.FrameFinal, map[string]any{"response_text": "polled"})))

	frame := waitFrame(t, sub)
	assert.Equal(t, "polled", frame.Payload["response_text"])
}
