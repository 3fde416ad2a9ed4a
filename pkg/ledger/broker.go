package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arion-ai/arion/pkg/config"
	"github.com/arion-ai/arion/pkg/models"
)

const (
	// listenTimeout bounds the synchronous LISTEN issued for a channel's
	// first follower. Without it a stalled connection would block the
	// subscribing request indefinitely.
	listenTimeout = 10 * time.Second

	// followPollInterval re-reads the ledger even without a wake signal,
	// covering notifications lost across listener reconnects.
	followPollInterval = 30 * time.Second

	// frameBuffer smooths bursts between a pump and its consumer. A full
	// buffer blocks the pump, not the appender.
	frameBuffer = 16
)

// Broker fans new ledger appends out to live followers. Each subscription
// runs a pump goroutine that reads committed rows from the ledger;
// notifications only wake pumps, so followers never see a frame that is not
// durably recorded and a lost notification costs latency, not data.
type Broker struct {
	reader       *Reader
	batchSize    int
	pollInterval time.Duration

	listenerMu sync.RWMutex
	listener   *NotifyListener

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{} // channel → subscribers
}

// NewBroker returns a broker reading through reader. Wire the listener with
// SetListener once it exists; without one the broker degrades to polling.
func NewBroker(reader *Reader, cfg *config.StreamConfig) *Broker {
	if cfg == nil {
		cfg = config.DefaultStreamConfig()
	}
	batch := cfg.ReplayBatchSize
	if batch <= 0 {
		batch = config.DefaultStreamConfig().ReplayBatchSize
	}
	return &Broker{
		reader:       reader,
		batchSize:    batch,
		pollInterval: followPollInterval,
		subs:         make(map[string]map[*Subscription]struct{}),
	}
}

// SetListener wires the notify listener. Called once during startup, after
// both sides are constructed.
func (b *Broker) SetListener(l *NotifyListener) {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	b.listener = l
}

func (b *Broker) getListener() *NotifyListener {
	b.listenerMu.RLock()
	defer b.listenerMu.RUnlock()
	return b.listener
}

// Subscription is one live follower of a conversation's ledger. Frames
// arrive in event order starting after the subscribed position; the channel
// closes when the context ends, Close is called, or the pump fails (see
// Err).
type Subscription struct {
	tenantID       string
	conversationID string
	channel        string

	frames chan *models.Frame
	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	// err is written by the pump before frames closes.
	err error

	closeOnce sync.Once
}

// Frames yields recorded frames in event order. The channel is closed when
// the subscription ends.
func (s *Subscription) Frames() <-chan *models.Frame { return s.frames }

// Err reports why the subscription ended. Valid after Frames is closed; nil
// means a clean shutdown.
func (s *Subscription) Err() error { return s.err }

// Close ends the subscription and waits for its pump to finish.
func (s *Subscription) Close() {
	s.closeOnce.Do(s.cancel)
	<-s.done
}

// Subscribe starts following a conversation's ledger after afterEventID.
// LISTEN is established synchronously before the first read, so an append
// committed after Subscribe returns is always picked up. The subscription
// ends when ctx is cancelled.
//
// If LISTEN fails for a channel that other followers already share, those
// followers degrade to interval polling rather than being torn down.
func (b *Broker) Subscribe(ctx context.Context, tenantID, conversationID string, afterEventID int64) (*Subscription, error) {
	pumpCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		tenantID:       tenantID,
		conversationID: conversationID,
		channel:        NotifyChannel(conversationID),
		frames:         make(chan *models.Frame, frameBuffer),
		wake:           make(chan struct{}, 1),
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	b.mu.Lock()
	set, exists := b.subs[sub.channel]
	if !exists {
		set = make(map[*Subscription]struct{})
		b.subs[sub.channel] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	if !exists {
		if l := b.getListener(); l != nil {
			listenCtx, listenCancel := context.WithTimeout(ctx, listenTimeout)
			err := l.Listen(listenCtx, sub.channel)
			listenCancel()
			if err != nil {
				b.detach(sub)
				cancel()
				return nil, fmt.Errorf("failed to follow conversation %s: %w", conversationID, err)
			}
		}
	}

	go b.pump(pumpCtx, sub, afterEventID)
	return sub, nil
}

// Dispatch implements Dispatcher. The payload is not consumed; the ledger
// row is the source of truth and the notification only wakes pumps.
func (b *Broker) Dispatch(channel string, _ []byte) {
	b.mu.Lock()
	set := b.subs[channel]
	targets := make([]*Subscription, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// pump drains committed frames to the subscriber, then sleeps until a wake
// signal, the poll interval, or cancellation.
func (b *Broker) pump(ctx context.Context, sub *Subscription, after int64) {
	defer close(sub.done)
	defer close(sub.frames)
	defer b.detach(sub)

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		for {
			frames, err := b.reader.Page(ctx, sub.tenantID, sub.conversationID, after, b.batchSize)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("Ledger follow read failed",
						"conversation_id", sub.conversationID, "error", err)
					sub.err = err
				}
				return
			}
			for _, f := range frames {
				select {
				case sub.frames <- f:
					after = f.EventID
				case <-ctx.Done():
					return
				}
			}
			if len(frames) < b.batchSize {
				break
			}
		}

		select {
		case <-sub.wake:
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// detach removes the subscription and drops the channel's LISTEN once its
// last follower is gone.
func (b *Broker) detach(sub *Subscription) {
	b.mu.Lock()
	set := b.subs[sub.channel]
	delete(set, sub)
	last := len(set) == 0
	if last {
		delete(b.subs, sub.channel)
	}
	b.mu.Unlock()

	if !last {
		return
	}
	if l := b.getListener(); l != nil {
		ctx, cancel := context.WithTimeout(context.Background(), listenTimeout)
		defer cancel()
		if err := l.Unlisten(ctx, sub.channel); err != nil {
			slog.Warn("UNLISTEN failed", "channel", sub.channel, "error", err)
		}
	}
}

// subscriberCount returns the follower count for a conversation. Unexported;
// tests poll it instead of sleeping.
func (b *Broker) subscriberCount(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[NotifyChannel(conversationID)])
}
