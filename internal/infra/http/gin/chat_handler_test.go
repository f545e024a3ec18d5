package ginserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	appchat "chatsync/internal/app/chat"
	"chatsync/internal/app/dto"
	domainchat "chatsync/internal/domain/chat"
	"chatsync/internal/infra/config"
	"chatsync/internal/infra/feed"
	"chatsync/internal/infra/obs"
	"chatsync/internal/infra/storage/memory"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type failingInserts struct {
	appchat.MessageStore
}

func (failingInserts) Insert(context.Context, domainchat.Draft) (domainchat.Message, error) {
	return domainchat.Message{}, errors.New("store offline")
}

// listFailures fails ListForUser once armed, after a good first refresh.
type listFailures struct {
	appchat.MessageStore
	fail *atomic.Bool
}

func (s listFailures) ListForUser(ctx context.Context, userID string) ([]domainchat.Message, error) {
	if s.fail.Load() {
		return nil, errors.New("store timeout")
	}
	return s.MessageStore.ListForUser(ctx, userID)
}

type cdnSigner struct{}

func (cdnSigner) SignAvatar(_ context.Context, ref string) (string, error) {
	return "https://cdn.test/" + ref, nil
}

// closingFeed wraps a hub and can end every live subscription at once.
type closingFeed struct {
	*feed.Hub
	mu   sync.Mutex
	subs []*closableSub
}

// closableSub forwards hub events until ended, then closes its channel.
type closableSub struct {
	appchat.Subscription
	events chan domainchat.ChangeEvent
	done   chan struct{}
	once   sync.Once
}

func (s *closableSub) Events() <-chan domainchat.ChangeEvent { return s.events }

func (s *closableSub) end() { s.once.Do(func() { close(s.done) }) }

func (s *closableSub) Close() error {
	s.end()
	return s.Subscription.Close()
}

func (s *closableSub) forward() {
	defer close(s.events)
	for {
		select {
		case ev, ok := <-s.Subscription.Events():
			if !ok {
				return
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (f *closingFeed) Subscribe(ctx context.Context, filter domainchat.PairFilter) (appchat.Subscription, error) {
	sub, err := f.Hub.Subscribe(ctx, filter)
	if err != nil {
		return nil, err
	}
	cs := &closableSub{Subscription: sub, events: make(chan domainchat.ChangeEvent), done: make(chan struct{})}
	go cs.forward()
	f.mu.Lock()
	f.subs = append(f.subs, cs)
	f.mu.Unlock()
	return cs, nil
}

func (f *closingFeed) endAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		s.end()
	}
}

type fixture struct {
	repo     *memory.MessageRepository
	hub      *feed.Hub
	feed     *closingFeed
	listFail *atomic.Bool
	router   *gin.Engine
}

func newFixture(t *testing.T, wrap func(appchat.MessageStore) appchat.MessageStore) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	repo := memory.NewMessageRepository(func() time.Time { return epoch.Add(time.Minute) })
	hub := feed.NewHub(0, nil)
	listFail := &atomic.Bool{}
	var store appchat.MessageStore = listFailures{MessageStore: feed.PublishingStore{Store: repo, Publisher: hub}, fail: listFail}
	if wrap != nil {
		store = wrap(store)
	}
	feedCtl := &closingFeed{Hub: hub}
	views := &appchat.Views{
		Messages: store,
		Profiles: memory.NewProfileRepository(
			domainchat.Profile{ID: "B", DisplayName: "Bea", AvatarRef: "bea.jpg", City: "Lisbon"},
			domainchat.Profile{ID: "C", DisplayName: "Cal"},
		),
		Avatars: cdnSigner{},
		Feed:    feedCtl,
		Clock:   func() time.Time { return epoch.Add(2 * time.Minute) },
	}
	router := NewRouter(config.Config{Env: "test"}, obs.Middleware{}, obs.HealthHandlers{}, Handlers{
		Chat:                ChatHandler{Views: views, InsecureSkipVerify: true},
		PrincipalMiddleware: PrincipalMiddleware{TrustHeader: true, Resolver: StaticTokens{"tok-a": "A"}}.Handle,
	})
	return &fixture{repo: repo, hub: hub, feed: feedCtl, listFail: listFail, router: router}
}

func (f *fixture) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func put(f *fixture, id, from, to string, sec int) {
	f.repo.Put(domainchat.Message{ID: id, SenderID: from, ReceiverID: to, Content: "m" + id, CreatedAt: epoch.Add(time.Duration(sec) * time.Second)})
}

func TestConversationsRequireAuth(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodGet, "/api/v1/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBearerTokenResolvesPrincipal(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	req.Header.Set("Authorization", "Bearer tok-a")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListConversations(t *testing.T) {
	f := newFixture(t, nil)
	put(f, "1", "B", "A", 1)
	put(f, "2", "A", "B", 2)
	put(f, "3", "C", "A", 3)

	w := f.do(t, http.MethodGet, "/api/v1/conversations", "A", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.ConversationList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 2)
	assert.Equal(t, "C", resp.Items[0].CounterpartID)
	assert.True(t, resp.Items[0].HasUnread)
	assert.Equal(t, "Bea", resp.Items[1].CounterpartName)
	assert.False(t, resp.Items[1].HasUnread)
	assert.False(t, resp.Stale)
}

func TestListMessagesMarksRead(t *testing.T) {
	f := newFixture(t, nil)
	put(f, "1", "B", "A", 1)
	put(f, "2", "A", "B", 2)

	w := f.do(t, http.MethodGet, "/api/v1/chats/B/messages", "A", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.ChatMessageList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 2)
	assert.Equal(t, "2", resp.Items[0].ID)
	assert.True(t, resp.Items[0].Mine)
	assert.Equal(t, string(domainchat.StatusRead), resp.Items[1].Status)

	require.NotNil(t, resp.Counterpart)
	assert.Equal(t, dto.Counterpart{ID: "B", Name: "Bea", AvatarURL: "https://cdn.test/bea.jpg", City: "Lisbon"}, *resp.Counterpart)
}

func TestListConversationsServesStaleListOnFailure(t *testing.T) {
	f := newFixture(t, nil)
	put(f, "1", "B", "A", 1)

	w := f.do(t, http.MethodGet, "/api/v1/conversations", "A", nil)
	require.Equal(t, http.StatusOK, w.Code)

	f.listFail.Store(true)
	put(f, "2", "C", "A", 2)
	w = f.do(t, http.MethodGet, "/api/v1/conversations", "A", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.ConversationList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Stale)
	assert.NotEmpty(t, resp.Error)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "B", resp.Items[0].CounterpartID)
	assert.Equal(t, "Lisbon", resp.Items[0].CounterpartCity)
}

func TestListMessagesRejectsSelf(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodGet, "/api/v1/chats/A/messages", "A", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t, nil)
	f.repo.SetSequence(41)
	w := f.do(t, http.MethodPost, "/api/v1/chats/B/messages", "A", dto.SendMessageRequest{Content: "  hi  "})
	require.Equal(t, http.StatusCreated, w.Code)
	var msg dto.ChatMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	assert.Equal(t, "42", msg.ID)
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, string(domainchat.StatusSent), msg.Status)

	w = f.do(t, http.MethodPost, "/api/v1/chats/B/messages", "A", dto.SendMessageRequest{Content: strings.Repeat("x", 501)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendFailureReturnsContent(t *testing.T) {
	f := newFixture(t, func(s appchat.MessageStore) appchat.MessageStore { return failingInserts{s} })
	w := f.do(t, http.MethodPost, "/api/v1/chats/B/messages", "A", dto.SendMessageRequest{Content: "keep me"})
	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "keep me")
}

func TestSocketPushesTimeline(t *testing.T) {
	f := newFixture(t, nil)
	put(f, "1", "B", "A", 1)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/chats/B/ws?user_id=A"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	next := func(kind string) dto.SocketEvent {
		for {
			var ev dto.SocketEvent
			require.NoError(t, wsjson.Read(ctx, conn, &ev))
			if ev.Type == kind {
				return ev
			}
		}
	}

	first := next(eventSnapshot)
	require.Len(t, first.Messages, 1)
	require.NotNil(t, first.Counterpart)
	assert.Equal(t, "Lisbon", first.Counterpart.City)

	require.NoError(t, wsjson.Write(ctx, conn, dto.SocketCommand{Type: commandSend, Content: "hello"}))
	sent := next(eventSent)
	require.NotNil(t, sent.Message)
	assert.Equal(t, "hello", sent.Message.Content)

	// a message from B arrives through the feed
	require.NoError(t, f.hub.Publish(ctx, domainchat.ChangeEvent{Kind: domainchat.EventInsert, Message: domainchat.Message{
		ID: "99", SenderID: "B", ReceiverID: "A", Content: "pushed", CreatedAt: epoch.Add(time.Hour),
	}}))
	for {
		snap := next(eventSnapshot)
		if len(snap.Messages) == 3 && snap.Messages[0].ID == "99" {
			break
		}
	}

	require.NoError(t, wsjson.Write(ctx, conn, dto.SocketCommand{Type: commandSend, Content: "   "}))
	failed := next(eventSendFailed)
	assert.Equal(t, "   ", failed.Content)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return f.hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func dialSocket(t *testing.T, ctx context.Context, f *fixture) (*websocket.Conn, func(kind string) dto.SocketEvent) {
	t.Helper()
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/chats/B/ws?user_id=A"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn, func(kind string) dto.SocketEvent {
		for {
			var ev dto.SocketEvent
			require.NoError(t, wsjson.Read(ctx, conn, &ev))
			if ev.Type == kind {
				return ev
			}
		}
	}
}

func TestSocketReadAndReloadCommands(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, next := dialSocket(t, ctx, f)
	first := next(eventSnapshot)
	assert.Empty(t, first.Messages)

	// written straight to the store: no change event, only reload sees it
	put(f, "7", "B", "A", 7)
	require.NoError(t, wsjson.Write(ctx, conn, dto.SocketCommand{Type: commandReload}))
	snap := next(eventSnapshot)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "7", snap.Messages[0].ID)
	assert.Equal(t, string(domainchat.StatusSent), snap.Messages[0].Status)

	require.NoError(t, wsjson.Write(ctx, conn, dto.SocketCommand{Type: commandRead}))
	for {
		snap = next(eventSnapshot)
		if len(snap.Messages) == 1 && snap.Messages[0].Status == string(domainchat.StatusRead) {
			break
		}
	}

	require.NoError(t, wsjson.Write(ctx, conn, dto.SocketCommand{Type: "shout"}))
	failed := next(eventError)
	assert.Contains(t, failed.Error, "shout")
}

func TestSocketClosesWhenFeedEnds(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, next := dialSocket(t, ctx, f)
	next(eventSnapshot)

	f.feed.endAll()
	ev := next(eventError)
	assert.Contains(t, ev.Error, "reconnect")

	var frame dto.SocketEvent
	err := wsjson.Read(ctx, conn, &frame)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusTryAgainLater, websocket.CloseStatus(err))
}
