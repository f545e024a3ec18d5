package chat

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	domainchat "chatsync/internal/domain/chat"
)

const (
	defaultMaxCachedUsers = 4096
	defaultCacheIdle      = 30 * time.Minute
)

// Views hands out per-user aggregators and per-connection reconcilers.
// Aggregators are cached per user, bounded by MaxCachedUsers (least recently
// used goes first) and dropped after CacheIdle without a request.
type Views struct {
	Messages MessageStore
	Profiles ProfileStore
	Avatars  AvatarSigner
	Feed     Feed
	Logger   *slog.Logger
	Clock    Clock

	MaxCachedUsers int
	CacheIdle      time.Duration

	mu          sync.Mutex
	lru         *list.List
	aggregators map[string]*list.Element
}

type cachedAggregator struct {
	userID   string
	agg      *Aggregator
	lastUsed time.Time
}

// Conversations refreshes and returns the user's conversation list. On a
// fetch failure the last good list is returned together with the error.
func (v *Views) Conversations(ctx context.Context, session Session) ([]domainchat.Summary, error) {
	return v.aggregator(session.UserID).Refresh(ctx, session)
}

// OpenConversation creates and opens a reconciler. The caller owns it and
// must Close it when the view goes away.
func (v *Views) OpenConversation(ctx context.Context, session Session, counterpart string) (*Reconciler, error) {
	r, err := NewReconciler(ReconcilerConfig{
		Session:     session,
		Counterpart: counterpart,
		Store:       v.Messages,
		Feed:        v.Feed,
		Logger:      v.Logger,
		Clock:       v.Clock,
	})
	if err != nil {
		return nil, err
	}
	if err := r.Open(ctx); err != nil {
		// a failed fetch keeps the view usable; anything else is fatal to the view
		if !errors.Is(err, ErrFetchFailed) {
			_ = r.Close()
			return nil, err
		}
		return r, err
	}
	return r, nil
}

// Counterpart resolves the header profile of an open conversation with a
// signed avatar. Unknown ids and lookup failures yield a bare profile.
func (v *Views) Counterpart(ctx context.Context, id string) domainchat.Profile {
	bare := domainchat.Profile{ID: id}
	if v.Profiles == nil {
		return bare
	}
	profiles, err := v.Profiles.Profiles(ctx, []string{id})
	if err != nil {
		if v.Logger != nil {
			v.Logger.Warn("counterpart profile fetch failed", "error", err, "counterpart_id", id)
		}
		return bare
	}
	if _, ok := profiles[id]; !ok {
		return bare
	}
	signAvatars(ctx, v.Avatars, v.Logger, profiles)
	p := profiles[id]
	p.ID = id
	return p
}

// CachedUsers reports how many aggregators are held.
func (v *Views) CachedUsers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.aggregators)
}

func (v *Views) aggregator(userID string) *Aggregator {
	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.aggregators == nil {
		v.aggregators = make(map[string]*list.Element)
		v.lru = list.New()
	}
	v.evictIdleLocked(now)
	if el, ok := v.aggregators[userID]; ok {
		entry := el.Value.(*cachedAggregator)
		entry.lastUsed = now
		v.lru.MoveToFront(el)
		return entry.agg
	}
	agg := &Aggregator{Messages: v.Messages, Profiles: v.Profiles, Avatars: v.Avatars, Logger: v.Logger}
	v.aggregators[userID] = v.lru.PushFront(&cachedAggregator{userID: userID, agg: agg, lastUsed: now})
	limit := v.MaxCachedUsers
	if limit <= 0 {
		limit = defaultMaxCachedUsers
	}
	for v.lru.Len() > limit {
		v.removeLocked(v.lru.Back())
	}
	return agg
}

// evictIdleLocked drops entries from the cold end until one is fresh.
func (v *Views) evictIdleLocked(now time.Time) {
	idle := v.CacheIdle
	if idle <= 0 {
		idle = defaultCacheIdle
	}
	for el := v.lru.Back(); el != nil; el = v.lru.Back() {
		if now.Sub(el.Value.(*cachedAggregator).lastUsed) < idle {
			return
		}
		v.removeLocked(el)
	}
}

func (v *Views) removeLocked(el *list.Element) {
	entry := v.lru.Remove(el).(*cachedAggregator)
	delete(v.aggregators, entry.userID)
}

func (v *Views) now() time.Time {
	if v.Clock != nil {
		return v.Clock()
	}
	return time.Now()
}
