package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/madoguchi/internal/model"
	"github.com/ashita-ai/madoguchi/internal/storage"
)

// NotifySource carries outbound events between processes. *storage.DB
// satisfies it when it has a notify connection.
type NotifySource interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
	Notify(ctx context.Context, channel, payload string) error
}

// Hub fans outbound-message events out to per-conversation subscribers.
// With a NotifySource, Publish goes through Postgres so subscribers in every
// process see the event; without one, delivery is in-process only.
type Hub struct {
	source    NotifySource
	logger    *slog.Logger
	listening atomic.Bool
	retryBase time.Duration
	retryMax  time.Duration

	mu   sync.RWMutex
	subs map[string]map[chan model.OutboundMessage]struct{}
}

// NewHub creates a Hub. source may be nil.
func NewHub(source NotifySource, logger *slog.Logger) *Hub {
	return &Hub{
		source:    source,
		logger:    logger,
		retryBase: hubRetryBase,
		retryMax:  hubRetryMax,
		subs:      make(map[string]map[chan model.OutboundMessage]struct{}),
	}
}

// Listener retry policy. After maxWaitFailures consecutive wait errors the
// listen connection is treated as lost: Publish falls back to local
// delivery until Listen succeeds again.
const (
	hubRetryBase    = 100 * time.Millisecond
	hubRetryMax     = 30 * time.Second
	maxWaitFailures = 3
)

// Start listens for cross-process events until ctx is cancelled. It blocks,
// so call it in a goroutine. Without a source it returns immediately.
func (h *Hub) Start(ctx context.Context) {
	if h.source == nil {
		return
	}
	defer h.listening.Store(false)

	delay := h.retryBase
	for ctx.Err() == nil {
		if err := h.source.Listen(ctx, storage.ChannelOutbound); err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("hub: listen failed, delivering locally", "error", err, "retry_in", delay)
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = min(delay*2, h.retryMax)
			continue
		}
		h.listening.Store(true)
		h.logger.Info("hub: listening for outbound events", "channel", storage.ChannelOutbound)

		if h.receive(ctx) {
			delay = h.retryBase
		}
		h.listening.Store(false)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(delay*2, h.retryMax)
	}
}

// receive broadcasts notifications until ctx ends or the source fails
// maxWaitFailures times in a row, backing off between failures. It reports
// whether at least one notification arrived.
func (h *Hub) receive(ctx context.Context) (received bool) {
	delay := h.retryBase
	failures := 0
	for {
		_, payload, err := h.source.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return received
			}
			failures++
			if failures >= maxWaitFailures {
				h.logger.Warn("hub: listen connection lost, falling back to local delivery",
					"error", err, "failures", failures)
				return received
			}
			h.logger.Warn("hub: notification error, retrying", "error", err, "retry_in", delay)
			if !sleepCtx(ctx, delay) {
				return received
			}
			delay = min(delay*2, h.retryMax)
			continue
		}
		failures = 0
		delay = h.retryBase
		received = true

		var ev model.OutboundMessage
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			h.logger.Warn("hub: malformed payload", "error", err)
			continue
		}
		h.broadcast(ev)
	}
}

// sleepCtx waits d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Subscribe returns a channel receiving outbound events for one
// conversation. The caller must call Unsubscribe when done.
func (h *Hub) Subscribe(conversationID string) chan model.OutboundMessage {
	ch := make(chan model.OutboundMessage, 4)
	h.mu.Lock()
	set, ok := h.subs[conversationID]
	if !ok {
		set = make(map[chan model.OutboundMessage]struct{})
		h.subs[conversationID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (h *Hub) Unsubscribe(conversationID string, ch chan model.OutboundMessage) {
	h.mu.Lock()
	if set, ok := h.subs[conversationID]; ok {
		if _, ok := set[ch]; ok {
			delete(set, ch)
			close(ch)
		}
		if len(set) == 0 {
			delete(h.subs, conversationID)
		}
	}
	h.mu.Unlock()
}

// Subscribers returns the number of open subscriptions for a conversation.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conversationID])
}

// Publish delivers ev to subscribers. If the cross-process path fails the
// event is still delivered locally.
func (h *Hub) Publish(ctx context.Context, ev model.OutboundMessage) {
	if h.source != nil && h.listening.Load() {
		payload, err := json.Marshal(ev)
		if err == nil {
			err = h.source.Notify(ctx, storage.ChannelOutbound, string(payload))
		}
		if err == nil {
			return
		}
		h.logger.Warn("hub: notify failed, delivering locally",
			"conversation_id", ev.ConversationID, "error", err)
	}
	h.broadcast(ev)
}

// broadcast never blocks: a subscriber with a full buffer has already been
// woken and only needs the first event.
func (h *Hub) broadcast(ev model.OutboundMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[ev.ConversationID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
