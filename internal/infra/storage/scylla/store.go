package scylla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gocql/gocql"

	appchat "chatsync/internal/app/chat"
	domainchat "chatsync/internal/domain/chat"
)

var (
	// ErrMessageNotFound is returned when a message id is unknown.
	ErrMessageNotFound = errors.New("scylla: message not found")
	errNoSession       = errors.New("scylla session not initialized")
)

const messageColumns = `message_id, client_token, sender_id, receiver_id, content, created_at, delivered_at, read_at`

// Store implements the message store on Scylla.
type Store struct {
	session *gocql.Session
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore builds a Store.
func NewStore(session *gocql.Session, logger *slog.Logger) *Store {
	return &Store{session: session, logger: logger, now: time.Now}
}

// ListForUser returns every message the user takes part in, newest first.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]domainchat.Message, error) {
	if s.session == nil {
		return nil, errNoSession
	}
	iter := s.session.
		Query(`SELECT pair_key FROM user_pairs WHERE user_id = ?`, strings.TrimSpace(userID)).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()
	var (
		pairKey string
		pairs   []string
	)
	for iter.Scan(&pairKey) {
		pairs = append(pairs, pairKey)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}

	out := make([]domainchat.Message, 0)
	for _, key := range pairs {
		rows, err := s.listPair(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	sort.Slice(out, func(i, j int) bool { return domainchat.Newer(out[i], out[j]) })
	return out, nil
}

// ListBetween returns the pair's messages oldest first.
func (s *Store) ListBetween(ctx context.Context, a, b string) ([]domainchat.Message, error) {
	if s.session == nil {
		return nil, errNoSession
	}
	rows, err := s.listPair(ctx, domainchat.PairKey(a, b))
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return domainchat.Newer(rows[j], rows[i]) })
	return rows, nil
}

// Insert stores the draft under a new timeuuid. The store clock sets
// created_at, truncated to the column's millisecond precision.
func (s *Store) Insert(ctx context.Context, draft domainchat.Draft) (domainchat.Message, error) {
	if s.session == nil {
		return domainchat.Message{}, errNoSession
	}
	at := s.now().UTC().Truncate(time.Millisecond)
	id := gocql.UUIDFromTime(at)
	msg := domainchat.Message{
		ID:          id.String(),
		ClientToken: draft.ClientToken,
		Content:     strings.TrimSpace(draft.Content),
		SenderID:    draft.SenderID,
		ReceiverID:  draft.ReceiverID,
		CreatedAt:   at,
	}
	if err := msg.Validate(); err != nil {
		return domainchat.Message{}, err
	}
	key := domainchat.PairKey(msg.SenderID, msg.ReceiverID)
	if err := s.session.
		Query(`INSERT INTO messages (pair_key, message_id, client_token, sender_id, receiver_id, content, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			key, id, msg.ClientToken, msg.SenderID, msg.ReceiverID, msg.Content, at).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec(); err != nil {
		return domainchat.Message{}, fmt.Errorf("insert message: %w", err)
	}

	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`INSERT INTO message_pairs (message_id, pair_key) VALUES (?, ?)`, id, key)
	batch.Query(`INSERT INTO user_pairs (user_id, pair_key) VALUES (?, ?)`, msg.SenderID, key)
	batch.Query(`INSERT INTO user_pairs (user_id, pair_key) VALUES (?, ?)`, msg.ReceiverID, key)
	if err := s.session.ExecuteBatch(batch); err != nil {
		return domainchat.Message{}, fmt.Errorf("index message: %w", err)
	}
	return msg, nil
}

// MarkDelivered sets delivered_at with a lightweight transaction so only the
// first writer wins.
func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) (domainchat.Message, bool, error) {
	if s.session == nil {
		return domainchat.Message{}, false, errNoSession
	}
	messageID, err := gocql.ParseUUID(strings.TrimSpace(id))
	if err != nil {
		return domainchat.Message{}, false, ErrMessageNotFound
	}
	key, err := s.pairOf(ctx, messageID)
	if err != nil {
		return domainchat.Message{}, false, err
	}
	current, err := s.get(ctx, key, messageID)
	if err != nil {
		return domainchat.Message{}, false, err
	}
	if current.DeliveredAt != nil {
		return current, false, nil
	}
	deliveredAt := clampAfter(at, current.CreatedAt)
	existing := map[string]any{}
	applied, err := s.session.
		Query(`UPDATE messages SET delivered_at = ? WHERE pair_key = ? AND message_id = ? IF delivered_at = null`,
			deliveredAt, key, messageID).
		WithContext(ctx).
		SerialConsistency(gocql.LocalSerial).
		MapScanCAS(existing)
	if err != nil {
		return domainchat.Message{}, false, fmt.Errorf("mark delivered: %w", err)
	}
	row, err := s.get(ctx, key, messageID)
	if err != nil {
		return domainchat.Message{}, false, err
	}
	return row, applied, nil
}

// MarkRead stamps read_at on every unread row from sender to receiver, and
// delivered_at where it is still missing, in one batch.
func (s *Store) MarkRead(ctx context.Context, receiverID, senderID string, at time.Time) ([]domainchat.Message, error) {
	if s.session == nil {
		return nil, errNoSession
	}
	key := domainchat.PairKey(receiverID, senderID)
	rows, err := s.listPair(ctx, key)
	if err != nil {
		return nil, err
	}
	at = at.UTC().Truncate(time.Millisecond)
	batch := s.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	changed := make([]domainchat.Message, 0)
	for _, row := range rows {
		if row.SenderID != senderID || row.ReceiverID != receiverID || row.ReadAt != nil {
			continue
		}
		readAt := clampAfter(at, row.CreatedAt)
		row.ReadAt = &readAt
		if row.DeliveredAt == nil {
			deliveredAt := readAt
			row.DeliveredAt = &deliveredAt
		}
		row = row.Normalize()
		messageID, err := gocql.ParseUUID(row.ID)
		if err != nil {
			continue
		}
		batch.Query(`UPDATE messages SET delivered_at = ?, read_at = ? WHERE pair_key = ? AND message_id = ?`,
			*row.DeliveredAt, *row.ReadAt, key, messageID)
		changed = append(changed, row)
	}
	if len(changed) == 0 {
		return changed, nil
	}
	if err := s.session.ExecuteBatch(batch); err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	sort.Slice(changed, func(i, j int) bool { return domainchat.Newer(changed[j], changed[i]) })
	return changed, nil
}

// Ping runs a trivial query for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if s.session == nil {
		return errNoSession
	}
	return s.session.Query(`SELECT now() FROM system.local`).WithContext(ctx).Exec()
}

func (s *Store) pairOf(ctx context.Context, messageID gocql.UUID) (string, error) {
	var key string
	if err := s.session.
		Query(`SELECT pair_key FROM message_pairs WHERE message_id = ? LIMIT 1`, messageID).
		WithContext(ctx).
		Consistency(gocql.One).
		Scan(&key); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return "", ErrMessageNotFound
		}
		return "", fmt.Errorf("lookup message pair: %w", err)
	}
	return key, nil
}

func (s *Store) get(ctx context.Context, key string, messageID gocql.UUID) (domainchat.Message, error) {
	var r record
	if err := s.session.
		Query(`SELECT `+messageColumns+` FROM messages WHERE pair_key = ? AND message_id = ? LIMIT 1`, key, messageID).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Scan(r.dest()...); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return domainchat.Message{}, ErrMessageNotFound
		}
		return domainchat.Message{}, fmt.Errorf("load message: %w", err)
	}
	return r.message(), nil
}

func (s *Store) listPair(ctx context.Context, key string) ([]domainchat.Message, error) {
	iter := s.session.
		Query(`SELECT `+messageColumns+` FROM messages WHERE pair_key = ?`, key).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()
	out := make([]domainchat.Message, 0)
	var r record
	for iter.Scan(r.dest()...) {
		msg := r.message()
		if err := msg.Validate(); err != nil {
			if s.logger != nil {
				s.logger.Warn("skipping invalid message row", "error", err, "message_id", msg.ID)
			}
			r = record{}
			continue
		}
		out = append(out, msg)
		r = record{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

// record is one scanned messages row.
type record struct {
	ID          gocql.UUID
	ClientToken string
	SenderID    string
	ReceiverID  string
	Content     string
	CreatedAt   time.Time
	DeliveredAt time.Time
	ReadAt      time.Time
}

func (r *record) dest() []any {
	return []any{&r.ID, &r.ClientToken, &r.SenderID, &r.ReceiverID, &r.Content, &r.CreatedAt, &r.DeliveredAt, &r.ReadAt}
}

// message converts a row. Null timestamps scan as the zero time.
func (r record) message() domainchat.Message {
	msg := domainchat.Message{
		ID:          r.ID.String(),
		ClientToken: r.ClientToken,
		Content:     r.Content,
		SenderID:    r.SenderID,
		ReceiverID:  r.ReceiverID,
		CreatedAt:   r.CreatedAt.UTC(),
		DeliveredAt: optionalTime(r.DeliveredAt),
		ReadAt:      optionalTime(r.ReadAt),
	}
	return msg.Normalize()
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func clampAfter(at, floor time.Time) time.Time {
	at = at.UTC().Truncate(time.Millisecond)
	if at.Before(floor) {
		return floor
	}
	return at
}

var _ appchat.MessageStore = (*Store)(nil)
