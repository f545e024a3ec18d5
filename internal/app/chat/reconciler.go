package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	domainchat "chatsync/internal/domain/chat"
)

// ReconcilerConfig wires a Reconciler for one (session, counterpart) pair.
type ReconcilerConfig struct {
	Session     Session
	Counterpart string
	Store       MessageStore
	Feed        Feed
	Logger      *slog.Logger
	Clock       Clock
	NewToken    func() string
}

// Reconciler maintains the message timeline of one open conversation. It
// merges the initial batch load, optimistic sends and pushed change events.
type Reconciler struct {
	session     Session
	counterpart string
	filter      domainchat.PairFilter
	store       MessageStore
	feed        Feed
	logger      *slog.Logger
	now         Clock
	newToken    func() string

	mu       sync.Mutex
	timeline *domainchat.Timeline
	sub      Subscription
	opened   bool
	closed   bool
	// detached is set when the feed ends on its own; the view is stale.
	detached bool
	cancel   context.CancelFunc
	done     chan struct{}
	changes  chan struct{}
}

// NewReconciler validates the pair and returns an unopened reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	self := strings.TrimSpace(cfg.Session.UserID)
	counterpart := strings.TrimSpace(cfg.Counterpart)
	if self == "" || counterpart == "" {
		return nil, fmt.Errorf("%w: user and counterpart are required", ErrInvalidPair)
	}
	if self == counterpart {
		return nil, fmt.Errorf("%w: cannot open a conversation with yourself", ErrInvalidPair)
	}
	if cfg.Store == nil || cfg.Feed == nil {
		return nil, errors.New("chat: store and feed are required")
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	newToken := cfg.NewToken
	if newToken == nil {
		newToken = uuid.NewString
	}
	return &Reconciler{
		session:     Session{UserID: self},
		counterpart: counterpart,
		filter:      domainchat.PairFilter{A: self, B: counterpart},
		store:       cfg.Store,
		feed:        cfg.Feed,
		logger:      cfg.Logger,
		now:         now,
		newToken:    newToken,
		timeline:    domainchat.NewTimeline(),
		done:        make(chan struct{}),
		changes:     make(chan struct{}, 1),
	}, nil
}

// Counterpart returns the other participant.
func (r *Reconciler) Counterpart() string {
	return r.counterpart
}

// Open subscribes to the pair's change feed, loads the history and marks
// received messages read. The subscription is taken before the fetch so no
// event falls between the two.
func (r *Reconciler) Open(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if !r.opened {
		loopCtx, cancel := context.WithCancel(context.Background())
		sub, err := r.feed.Subscribe(loopCtx, r.filter)
		if err != nil {
			cancel()
			r.mu.Unlock()
			return fmt.Errorf("chat: subscribe: %w", err)
		}
		r.sub = sub
		r.cancel = cancel
		r.opened = true
		go r.loop(loopCtx, sub.Events())
	}
	r.mu.Unlock()

	if err := r.Reload(ctx); err != nil {
		return err
	}
	return r.MarkRead(ctx)
}

// Reload fetches the pair history and merges it. On failure the current
// timeline is left untouched.
func (r *Reconciler) Reload(ctx context.Context) error {
	rows, err := r.store.ListBetween(ctx, r.session.UserID, r.counterpart)
	if err != nil {
		r.logWarn("message fetch failed", err)
		return fetchFailed("messages", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	changed := false
	for _, row := range rows {
		if !r.filter.Matches(row) {
			continue
		}
		if err := row.Validate(); err != nil {
			r.logWarn("dropping invalid row", err, "message_id", row.ID)
			continue
		}
		if r.timeline.Upsert(row) {
			changed = true
		}
	}
	if changed {
		r.notifyLocked()
	}
	return nil
}

// Send shows the message optimistically and persists it. On failure the
// optimistic row stays visible and a *SendError returns the content.
func (r *Reconciler) Send(ctx context.Context, content string) (domainchat.Message, error) {
	token := r.newToken()
	draft, err := domainchat.NewDraft(r.session.UserID, r.counterpart, content, token, r.now())
	if err != nil {
		return domainchat.Message{}, &SendError{Content: content, Err: err}
	}
	pending := domainchat.Message{
		ID:          domainchat.ProvisionalPrefix + token,
		ClientToken: token,
		Content:     draft.Content,
		SenderID:    draft.SenderID,
		ReceiverID:  draft.ReceiverID,
		CreatedAt:   draft.CreatedAt,
		Pending:     true,
	}

	r.mu.Lock()
	if err := r.usableLocked(); err != nil {
		r.mu.Unlock()
		return domainchat.Message{}, &SendError{Content: content, Err: err}
	}
	r.timeline.AddPending(pending)
	r.notifyLocked()
	r.mu.Unlock()

	confirmed, err := r.store.Insert(ctx, draft)
	if err != nil {
		r.logWarn("send failed", err, "client_token", token)
		return pending, &SendError{Content: content, Err: err}
	}
	if confirmed.ClientToken == "" {
		confirmed.ClientToken = token
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return confirmed, nil
	}
	// a pushed insert may already have replaced the pending row; either way
	// exactly one row with the canonical id remains
	r.timeline.Insert(confirmed)
	r.notifyLocked()
	return confirmed, nil
}

// MarkRead marks every unread message from the counterpart as read in one
// batched write. With nothing unread locally it issues no write. Store
// failures are logged and dropped.
func (r *Reconciler) MarkRead(ctx context.Context) error {
	r.mu.Lock()
	if err := r.usableLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	unread := r.timeline.Unread(r.session.UserID, r.counterpart)
	r.mu.Unlock()
	if len(unread) == 0 {
		return nil
	}

	rows, err := r.store.MarkRead(ctx, r.session.UserID, r.counterpart, r.now().UTC())
	if err != nil {
		r.logWarn("mark read failed", err)
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyUpdatesLocked(rows)
	return nil
}

// Apply merges one change event. It is called by the subscription loop and
// exposed for callers that deliver events themselves.
func (r *Reconciler) Apply(ctx context.Context, ev domainchat.ChangeEvent) {
	row := ev.Message
	if !r.filter.Matches(row) {
		return
	}
	if err := row.Validate(); err != nil {
		r.logWarn("dropping invalid event", err, "kind", string(ev.Kind))
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	changed := false
	switch ev.Kind {
	case domainchat.EventInsert:
		changed = r.timeline.Insert(row)
	case domainchat.EventUpdate:
		changed = r.timeline.Update(row)
	default:
		r.mu.Unlock()
		r.logWarn("unknown event kind", fmt.Errorf("kind %q", ev.Kind), "message_id", row.ID)
		return
	}
	if changed {
		r.notifyLocked()
	}
	needsDelivery := false
	if ev.Kind == domainchat.EventInsert && row.ReceiverID == r.session.UserID {
		if local, ok := r.timeline.Get(row.ID); ok && local.DeliveredAt == nil {
			needsDelivery = true
		}
	}
	r.mu.Unlock()

	if needsDelivery {
		r.markDelivered(ctx, row.ID)
	}
}

// Messages returns the timeline newest first.
func (r *Reconciler) Messages() []domainchat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeline.Messages()
}

// Changes signals after every visible change. Signals coalesce; the channel
// is closed by Close or when the feed ends (see Err).
func (r *Reconciler) Changes() <-chan struct{} {
	return r.changes
}

// Err reports why the reconciler stopped tracking changes: ErrClosed after
// Close, ErrDetached when the feed ended underneath it, nil while live.
func (r *Reconciler) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.closed:
		return ErrClosed
	case r.detached:
		return ErrDetached
	}
	return nil
}

// Close unsubscribes and stops the event loop. It is safe to call twice.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if !r.detached {
		close(r.changes)
	}
	sub, cancel, opened := r.sub, r.cancel, r.opened
	r.mu.Unlock()

	if !opened {
		return nil
	}
	err := sub.Close()
	cancel()
	<-r.done
	return err
}

func (r *Reconciler) loop(ctx context.Context, events <-chan domainchat.ChangeEvent) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				r.detach()
				return
			}
			r.Apply(ctx, ev)
		}
	}
}

// detach ends the view when the subscription closed without Close: Changes
// is closed and writes are refused so the caller reopens.
func (r *Reconciler) detach() {
	r.mu.Lock()
	if r.closed || r.detached {
		r.mu.Unlock()
		return
	}
	r.detached = true
	close(r.changes)
	r.mu.Unlock()
	r.logWarn("change feed ended", ErrDetached)
}

func (r *Reconciler) markDelivered(ctx context.Context, id string) {
	row, changed, err := r.store.MarkDelivered(ctx, id, r.now().UTC())
	if err != nil {
		r.logWarn("mark delivered failed", err, "message_id", id)
		return
	}
	if !changed {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyUpdatesLocked([]domainchat.Message{row})
}

func (r *Reconciler) applyUpdatesLocked(rows []domainchat.Message) {
	if r.closed {
		return
	}
	changed := false
	for _, row := range rows {
		if r.timeline.Update(row) {
			changed = true
		}
	}
	if changed {
		r.notifyLocked()
	}
}

func (r *Reconciler) usableLocked() error {
	if r.closed {
		return ErrClosed
	}
	if r.detached {
		return ErrDetached
	}
	if !r.opened {
		return ErrNotOpen
	}
	return nil
}

func (r *Reconciler) notifyLocked() {
	if r.closed || r.detached {
		return
	}
	select {
	case r.changes <- struct{}{}:
	default:
	}
}

func (r *Reconciler) logWarn(msg string, err error, args ...any) {
	if r.logger == nil {
		return
	}
	base := []any{"error", err, "user_id", r.session.UserID, "counterpart_id", r.counterpart}
	r.logger.Warn(msg, append(base, args...)...)
}
