package chat

import (
	"context"
	"time"

	domainchat "chatsync/internal/domain/chat"
)

// Session identifies the authenticated user. It is passed explicitly into
// every component instead of being looked up ambiently.
type Session struct {
	UserID string
}

// MessageStore is the system of record for messages.
type MessageStore interface {
	// ListForUser returns every message the user sent or received, newest first.
	ListForUser(ctx context.Context, userID string) ([]domainchat.Message, error)
	// ListBetween returns the messages exchanged by two participants, oldest first.
	ListBetween(ctx context.Context, a, b string) ([]domainchat.Message, error)
	// Insert persists a draft and returns the canonical row.
	Insert(ctx context.Context, draft domainchat.Draft) (domainchat.Message, error)
	// MarkDelivered sets delivered_at only when it is unset. The bool reports
	// whether a row changed.
	MarkDelivered(ctx context.Context, id string, at time.Time) (domainchat.Message, bool, error)
	// MarkRead sets read_at on every unread row from sender to receiver and
	// returns the changed rows.
	MarkRead(ctx context.Context, receiverID, senderID string, at time.Time) ([]domainchat.Message, error)
}

// ProfileStore resolves display profiles in batch. Unknown ids are absent
// from the result.
type ProfileStore interface {
	Profiles(ctx context.Context, ids []string) (map[string]domainchat.Profile, error)
}

// AvatarSigner turns a stored avatar reference into a time-limited URL.
type AvatarSigner interface {
	SignAvatar(ctx context.Context, ref string) (string, error)
}

// Feed delivers row-level change events filtered by participant pair.
type Feed interface {
	Subscribe(ctx context.Context, filter domainchat.PairFilter) (Subscription, error)
}

// Subscription must be closed when the conversation view goes away.
type Subscription interface {
	Events() <-chan domainchat.ChangeEvent
	Close() error
}

// Clock is swapped in tests.
type Clock func() time.Time
