package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	appchat "chatsync/internal/app/chat"
	domainchat "chatsync/internal/domain/chat"
)

// ErrMessageNotFound is returned when a message id is unknown.
var ErrMessageNotFound = errors.New("sqlite: message not found")

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  client_token TEXT NOT NULL DEFAULT '',
  sender_id    TEXT NOT NULL,
  receiver_id  TEXT NOT NULL,
  content      TEXT NOT NULL,
  created_at   INTEGER NOT NULL,
  delivered_at INTEGER,
  read_at      INTEGER,
  CHECK (sender_id <> receiver_id)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_pair_time
ON messages (sender_id, receiver_id, created_at);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_receiver_unread
ON messages (receiver_id, sender_id, read_at);
`,
}

const selectColumns = `id, client_token, sender_id, receiver_id, content, created_at, delivered_at, read_at`

// Store is a message store on a single SQLite file. Timestamps are unix
// milliseconds.
type Store struct {
	db        *sql.DB
	now       func() time.Time
	closeOnce sync.Once
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", filepath.ToSlash(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// one writer keeps AUTOINCREMENT and read-modify-write status updates simple
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	if err := s.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})
	return closeErr
}

// Ping checks the connection for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) applyMigrations() error {
	for i, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", i, err)
		}
	}
	return nil
}

// ListForUser returns the user's messages newest first.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]domainchat.Message, error) {
	return s.query(ctx,
		`SELECT `+selectColumns+` FROM messages
		WHERE sender_id = ? OR receiver_id = ?
		ORDER BY created_at DESC, id DESC`,
		userID, userID)
}

// ListBetween returns the pair's messages oldest first.
func (s *Store) ListBetween(ctx context.Context, a, b string) ([]domainchat.Message, error) {
	return s.query(ctx,
		`SELECT `+selectColumns+` FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY created_at ASC, id ASC`,
		a, b, b, a)
}

// Insert stores the draft. The store clock sets created_at.
func (s *Store) Insert(ctx context.Context, draft domainchat.Draft) (domainchat.Message, error) {
	msg := domainchat.Message{
		ClientToken: draft.ClientToken,
		Content:     strings.TrimSpace(draft.Content),
		SenderID:    draft.SenderID,
		ReceiverID:  draft.ReceiverID,
		CreatedAt:   s.now().UTC().Truncate(time.Millisecond),
	}
	msg.ID = "pending"
	if err := msg.Validate(); err != nil {
		return domainchat.Message{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (client_token, sender_id, receiver_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ClientToken, msg.SenderID, msg.ReceiverID, msg.Content, msg.CreatedAt.UnixMilli())
	if err != nil {
		return domainchat.Message{}, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domainchat.Message{}, fmt.Errorf("insert message id: %w", err)
	}
	msg.ID = strconv.FormatInt(id, 10)
	return msg, nil
}

// MarkDelivered sets delivered_at when unset.
func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) (domainchat.Message, bool, error) {
	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return domainchat.Message{}, false, ErrMessageNotFound
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET delivered_at = MAX(?, created_at) WHERE id = ? AND delivered_at IS NULL`,
		at.UTC().UnixMilli(), rowID)
	if err != nil {
		return domainchat.Message{}, false, fmt.Errorf("mark delivered %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domainchat.Message{}, false, fmt.Errorf("mark delivered %q: %w", id, err)
	}
	msg, err := s.get(ctx, rowID)
	if err != nil {
		return domainchat.Message{}, false, err
	}
	return msg, affected > 0, nil
}

// MarkRead sets read_at (and delivered_at where missing) on every unread row
// from sender to receiver and returns the changed rows oldest first.
func (s *Store) MarkRead(ctx context.Context, receiverID, senderID string, at time.Time) ([]domainchat.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mark read: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM messages WHERE receiver_id = ? AND sender_id = ? AND read_at IS NULL ORDER BY created_at ASC, id ASC`,
		receiverID, senderID)
	if err != nil {
		return nil, fmt.Errorf("select unread: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan unread id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []domainchat.Message{}, nil
	}

	ms := at.UTC().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages
		SET read_at = MAX(?, created_at, COALESCE(delivered_at, 0)),
		    delivered_at = COALESCE(delivered_at, MAX(?, created_at))
		WHERE receiver_id = ? AND sender_id = ? AND read_at IS NULL`,
		ms, ms, receiverID, senderID); err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}

	changed := make([]domainchat.Message, 0, len(ids))
	for _, id := range ids {
		row := tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM messages WHERE id = ?`, id)
		msg, err := scanMessage(row)
		if err != nil {
			return nil, fmt.Errorf("reload message %d: %w", id, err)
		}
		changed = append(changed, msg)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mark read: %w", err)
	}
	return changed, nil
}

func (s *Store) get(ctx context.Context, id int64) (domainchat.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domainchat.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return domainchat.Message{}, fmt.Errorf("load message %d: %w", id, err)
	}
	return msg, nil
}

func (s *Store) query(ctx context.Context, stmt string, args ...any) ([]domainchat.Message, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	out := make([]domainchat.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (domainchat.Message, error) {
	var (
		id          int64
		msg         domainchat.Message
		createdAt   int64
		deliveredAt sql.NullInt64
		readAt      sql.NullInt64
	)
	if err := row.Scan(&id, &msg.ClientToken, &msg.SenderID, &msg.ReceiverID, &msg.Content, &createdAt, &deliveredAt, &readAt); err != nil {
		return domainchat.Message{}, err
	}
	msg.ID = strconv.FormatInt(id, 10)
	msg.CreatedAt = time.UnixMilli(createdAt).UTC()
	msg.DeliveredAt = timePtr(deliveredAt)
	msg.ReadAt = timePtr(readAt)
	return msg.Normalize(), nil
}

func timePtr(ni sql.NullInt64) *time.Time {
	if !ni.Valid {
		return nil
	}
	t := time.UnixMilli(ni.Int64).UTC()
	return &t
}

var _ appchat.MessageStore = (*Store)(nil)
