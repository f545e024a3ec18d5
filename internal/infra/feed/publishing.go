package feed

import (
	"context"
	"log/slog"
	"time"

	appchat "chatsync/internal/app/chat"
	domainchat "chatsync/internal/domain/chat"
)

// Publisher pushes change events to a transport.
type Publisher interface {
	Publish(ctx context.Context, ev domainchat.ChangeEvent) error
}

// PublishingStore decorates a MessageStore so every successful write emits
// the matching change event, the way a hosted backend's change feed does.
// Publish failures are logged; the write itself already succeeded.
type PublishingStore struct {
	Store     appchat.MessageStore
	Publisher Publisher
	Logger    *slog.Logger
}

func (s PublishingStore) ListForUser(ctx context.Context, userID string) ([]domainchat.Message, error) {
	return s.Store.ListForUser(ctx, userID)
}

func (s PublishingStore) ListBetween(ctx context.Context, a, b string) ([]domainchat.Message, error) {
	return s.Store.ListBetween(ctx, a, b)
}

func (s PublishingStore) Insert(ctx context.Context, draft domainchat.Draft) (domainchat.Message, error) {
	msg, err := s.Store.Insert(ctx, draft)
	if err != nil {
		return msg, err
	}
	s.publish(ctx, domainchat.EventInsert, msg)
	return msg, nil
}

func (s PublishingStore) MarkDelivered(ctx context.Context, id string, at time.Time) (domainchat.Message, bool, error) {
	msg, changed, err := s.Store.MarkDelivered(ctx, id, at)
	if err != nil || !changed {
		return msg, changed, err
	}
	s.publish(ctx, domainchat.EventUpdate, msg)
	return msg, true, nil
}

func (s PublishingStore) MarkRead(ctx context.Context, receiverID, senderID string, at time.Time) ([]domainchat.Message, error) {
	rows, err := s.Store.MarkRead(ctx, receiverID, senderID, at)
	if err != nil {
		return rows, err
	}
	for _, row := range rows {
		s.publish(ctx, domainchat.EventUpdate, row)
	}
	return rows, nil
}

func (s PublishingStore) publish(ctx context.Context, kind domainchat.EventKind, msg domainchat.Message) {
	if s.Publisher == nil {
		return
	}
	ev := domainchat.ChangeEvent{Kind: kind, Message: msg.Clone(), At: time.Now().UTC()}
	if err := s.Publisher.Publish(ctx, ev); err != nil && s.Logger != nil {
		s.Logger.Warn("change event publish failed", "error", err, "kind", string(kind), "message_id", msg.ID)
	}
}

var _ appchat.MessageStore = PublishingStore{}
