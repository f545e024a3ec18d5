package feed

import (
	"context"
	"log/slog"
	"sync"

	appchat "chatsync/internal/app/chat"
	domainchat "chatsync/internal/domain/chat"
)

// DefaultBuffer is the per-subscription event buffer.
const DefaultBuffer = 64

// Hub fans change events out to in-process subscriptions filtered by pair.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	buffer int
	logger *slog.Logger
}

// NewHub builds a Hub. A non-positive buffer uses DefaultBuffer.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[*subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Publish delivers ev to every matching subscription. A full subscriber
// buffer drops the event.
func (h *Hub) Publish(_ context.Context, ev domainchat.ChangeEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.filter.Matches(ev.Message) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			if h.logger != nil {
				h.logger.Warn("feed subscriber full, dropping event", "message_id", ev.Message.ID, "pair", sub.filter.Key())
			}
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. It is closed by Close or when
// ctx is done.
func (h *Hub) Subscribe(ctx context.Context, filter domainchat.PairFilter) (appchat.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscription{hub: h, filter: filter, ch: make(chan domainchat.ChangeEvent, h.buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { _ = sub.Close() })
	sub.mu.Lock()
	sub.stop = stop
	sub.mu.Unlock()
	return sub, nil
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
}

type subscription struct {
	hub    *Hub
	filter domainchat.PairFilter
	ch     chan domainchat.ChangeEvent
	once   sync.Once

	mu   sync.Mutex
	stop func() bool
}

func (s *subscription) Events() <-chan domainchat.ChangeEvent {
	return s.ch
}

func (s *subscription) Close() error {
	s.once.Do(func() { s.hub.remove(s) })
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}

var _ appchat.Feed = (*Hub)(nil)
