package memory

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	appchat "chatsync/internal/app/chat"
	domainchat "chatsync/internal/domain/chat"
)

// ErrMessageNotFound is returned when a message id is unknown.
var ErrMessageNotFound = errors.New("memory: message not found")

// MessageRepository is an in-memory message store for local runs and tests.
// It assigns sequential ids and its own clock's timestamps.
type MessageRepository struct {
	mu    sync.RWMutex
	seq   int64
	items map[string]domainchat.Message
	now   func() time.Time
}

// NewMessageRepository builds an empty repository. A nil clock uses time.Now.
func NewMessageRepository(now func() time.Time) *MessageRepository {
	if now == nil {
		now = time.Now
	}
	return &MessageRepository{items: make(map[string]domainchat.Message), now: now}
}

// SetSequence makes the next inserted id seq+1.
func (r *MessageRepository) SetSequence(seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq = seq
}

// ListForUser returns the user's messages newest first.
func (r *MessageRepository) ListForUser(ctx context.Context, userID string) ([]domainchat.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domainchat.Message, 0)
	for _, m := range r.items {
		if m.Involves(userID) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return domainchat.Newer(out[i], out[j]) })
	return out, nil
}

// ListBetween returns the pair's messages oldest first.
func (r *MessageRepository) ListBetween(ctx context.Context, a, b string) ([]domainchat.Message, error) {
	filter := domainchat.PairFilter{A: a, B: b}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domainchat.Message, 0)
	for _, m := range r.items {
		if filter.Matches(m) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return domainchat.Newer(out[j], out[i]) })
	return out, nil
}

// Insert stores a draft under the next sequential id.
func (r *MessageRepository) Insert(ctx context.Context, draft domainchat.Draft) (domainchat.Message, error) {
	if err := ctx.Err(); err != nil {
		return domainchat.Message{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	msg := domainchat.Message{
		ID:          strconv.FormatInt(r.seq, 10),
		ClientToken: draft.ClientToken,
		Content:     strings.TrimSpace(draft.Content),
		SenderID:    draft.SenderID,
		ReceiverID:  draft.ReceiverID,
		CreatedAt:   r.now().UTC(),
	}
	if err := msg.Validate(); err != nil {
		r.seq--
		return domainchat.Message{}, err
	}
	r.items[msg.ID] = msg
	return msg.Clone(), nil
}

// Put stores a row as-is. Used to seed fixtures.
func (r *MessageRepository) Put(msg domainchat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[msg.ID] = msg.Clone()
}

// MarkDelivered sets delivered_at when unset.
func (r *MessageRepository) MarkDelivered(ctx context.Context, id string, at time.Time) (domainchat.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.items[id]
	if !ok {
		return domainchat.Message{}, false, ErrMessageNotFound
	}
	if msg.DeliveredAt != nil {
		return msg.Clone(), false, nil
	}
	at = at.UTC()
	msg.DeliveredAt = &at
	msg = msg.Normalize()
	r.items[id] = msg
	return msg.Clone(), true, nil
}

// MarkRead sets read_at (and delivered_at where missing) on unread rows from
// sender to receiver.
func (r *MessageRepository) MarkRead(ctx context.Context, receiverID, senderID string, at time.Time) ([]domainchat.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at = at.UTC()
	var changed []domainchat.Message
	for id, msg := range r.items {
		if msg.ReceiverID != receiverID || msg.SenderID != senderID || msg.ReadAt != nil {
			continue
		}
		readAt := at
		msg.ReadAt = &readAt
		if msg.DeliveredAt == nil {
			deliveredAt := at
			msg.DeliveredAt = &deliveredAt
		}
		msg = msg.Normalize()
		r.items[id] = msg
		changed = append(changed, msg.Clone())
	}
	sort.Slice(changed, func(i, j int) bool { return domainchat.Newer(changed[j], changed[i]) })
	return changed, nil
}

// ProfileRepository keeps display profiles in memory.
type ProfileRepository struct {
	mu    sync.RWMutex
	items map[string]domainchat.Profile
}

// NewProfileRepository builds a repository seeded with profiles.
func NewProfileRepository(profiles ...domainchat.Profile) *ProfileRepository {
	r := &ProfileRepository{items: make(map[string]domainchat.Profile, len(profiles))}
	for _, p := range profiles {
		r.items[p.ID] = p
	}
	return r
}

// Save stores/updates a profile.
func (r *ProfileRepository) Save(p domainchat.Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[p.ID] = p
}

// Profiles returns the known subset of ids.
func (r *ProfileRepository) Profiles(ctx context.Context, ids []string) (map[string]domainchat.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domainchat.Profile, len(ids))
	for _, id := range ids {
		if p, ok := r.items[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

var (
	_ appchat.MessageStore = (*MessageRepository)(nil)
	_ appchat.ProfileStore = (*ProfileRepository)(nil)
)
