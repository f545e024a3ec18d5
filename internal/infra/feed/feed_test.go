package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainchat "chatsync/internal/domain/chat"
	"chatsync/internal/infra/storage/memory"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func row(id, from, to string) domainchat.Message {
	return domainchat.Message{ID: id, SenderID: from, ReceiverID: to, Content: "text", CreatedAt: epoch}
}

func receive(t *testing.T, ch <-chan domainchat.ChangeEvent) domainchat.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	return domainchat.ChangeEvent{}
}

func TestHubFiltersByPair(t *testing.T) {
	hub := NewHub(4, nil)
	ab, err := hub.Subscribe(context.Background(), domainchat.PairFilter{A: "a", B: "b"})
	require.NoError(t, err)
	defer ab.Close()
	ac, err := hub.Subscribe(context.Background(), domainchat.PairFilter{A: "a", B: "c"})
	require.NoError(t, err)
	defer ac.Close()

	require.NoError(t, hub.Publish(context.Background(), domainchat.ChangeEvent{Kind: domainchat.EventInsert, Message: row("1", "b", "a")}))
	assert.Equal(t, "1", receive(t, ab.Events()).Message.ID)
	assert.Empty(t, ac.Events())
}

func TestHubDropsWhenSubscriberFull(t *testing.T) {
	hub := NewHub(1, nil)
	sub, err := hub.Subscribe(context.Background(), domainchat.PairFilter{A: "a", B: "b"})
	require.NoError(t, err)
	defer sub.Close()

	for _, id := range []string{"1", "2"} {
		require.NoError(t, hub.Publish(context.Background(), domainchat.ChangeEvent{Kind: domainchat.EventInsert, Message: row(id, "a", "b")}))
	}
	assert.Equal(t, "1", receive(t, sub.Events()).Message.ID)
	assert.Empty(t, sub.Events())
}

func TestHubSubscriptionEndsWithContext(t *testing.T) {
	hub := NewHub(0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := hub.Subscribe(ctx, domainchat.PairFilter{A: "a", B: "b"})
	require.NoError(t, err)
	require.Equal(t, 1, hub.Subscribers())

	cancel()
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-sub.Events()
	assert.False(t, open)
	assert.NoError(t, sub.Close())
}

type recordingPublisher struct {
	events []domainchat.ChangeEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev domainchat.ChangeEvent) error {
	p.events = append(p.events, ev)
	return p.err
}

func TestPublishingStoreEmitsWrites(t *testing.T) {
	repo := memory.NewMessageRepository(func() time.Time { return epoch })
	pub := &recordingPublisher{}
	store := PublishingStore{Store: repo, Publisher: pub}
	ctx := context.Background()

	msg, err := store.Insert(ctx, domainchat.Draft{SenderID: "a", ReceiverID: "b", Content: "hi", ClientToken: "t1"})
	require.NoError(t, err)
	_, changed, err := store.MarkDelivered(ctx, msg.ID, epoch.Add(time.Second))
	require.NoError(t, err)
	require.True(t, changed)
	_, changed, err = store.MarkDelivered(ctx, msg.ID, epoch.Add(2*time.Second))
	require.NoError(t, err)
	require.False(t, changed)
	_, err = store.MarkRead(ctx, "b", "a", epoch.Add(3*time.Second))
	require.NoError(t, err)

	require.Len(t, pub.events, 3)
	assert.Equal(t, domainchat.EventInsert, pub.events[0].Kind)
	assert.Equal(t, "t1", pub.events[0].Message.ClientToken)
	assert.Equal(t, domainchat.EventUpdate, pub.events[1].Kind)
	assert.Equal(t, domainchat.StatusRead, pub.events[2].Message.Status())
}

func TestPublishingStoreIgnoresPublishFailure(t *testing.T) {
	repo := memory.NewMessageRepository(nil)
	store := PublishingStore{Store: repo, Publisher: &recordingPublisher{err: errors.New("broker down")}}
	_, err := store.Insert(context.Background(), domainchat.Draft{SenderID: "a", ReceiverID: "b", Content: "hi"})
	assert.NoError(t, err)
}

func TestDecodeEventRejectsUnknownKind(t *testing.T) {
	data, err := EncodeEvent(domainchat.ChangeEvent{Kind: "delete", Message: row("1", "a", "b")})
	require.NoError(t, err)
	_, err = DecodeEvent(data)
	assert.ErrorContains(t, err, "unknown kind")

	pending := row("2", "a", "b")
	pending.Pending = true
	data, err = EncodeEvent(domainchat.ChangeEvent{Kind: domainchat.EventInsert, Message: pending, At: epoch})
	require.NoError(t, err)
	ev, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.False(t, ev.Message.Pending)
	assert.True(t, ev.At.Equal(epoch))
}
