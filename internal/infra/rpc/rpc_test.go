package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	domainchat "chatsync/internal/domain/chat"
	"chatsync/internal/infra/feed"
)

func startServer(t *testing.T, hub *feed.Hub) *RemoteFeed {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, &Server{Feed: hub})
	go func() { _ = srv.Serve(lis) }()

	client, err := NewRemoteFeed(context.Background(), Config{
		Addr: "passthrough:///bufnet",
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
		srv.Stop()
	})
	return client
}

func TestRemoteFeedStreamsPairEvents(t *testing.T) {
	hub := feed.NewHub(0, nil)
	client := startServer(t, hub)

	sub, err := client.Subscribe(context.Background(), domainchat.PairFilter{A: "a", B: "b"})
	require.NoError(t, err)
	defer sub.Close()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	read := created.Add(time.Minute)
	ignored := domainchat.Message{ID: "1", SenderID: "c", ReceiverID: "a", Content: "x", CreatedAt: created}
	wanted := domainchat.Message{ID: "2", SenderID: "b", ReceiverID: "a", Content: "hey", CreatedAt: created, DeliveredAt: &read, ReadAt: &read}
	require.NoError(t, hub.Publish(context.Background(), domainchat.ChangeEvent{Kind: domainchat.EventInsert, Message: ignored}))
	require.NoError(t, hub.Publish(context.Background(), domainchat.ChangeEvent{Kind: domainchat.EventUpdate, Message: wanted}))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, domainchat.EventUpdate, ev.Kind)
		assert.Equal(t, "2", ev.Message.ID)
		require.NotNil(t, ev.Message.ReadAt)
		assert.True(t, ev.Message.ReadAt.Equal(read))
	case <-time.After(2 * time.Second):
		t.Fatal("no event streamed")
	}
}

func TestRemoteSubscriptionCloseReleasesServerSide(t *testing.T) {
	hub := feed.NewHub(0, nil)
	client := startServer(t, hub)

	sub, err := client.Subscribe(context.Background(), domainchat.PairFilter{A: "a", B: "b"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Close())
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestFilterFromRequestRejectsSamePair(t *testing.T) {
	req, err := requestFor(domainchat.PairFilter{A: "a", B: "a"})
	require.NoError(t, err)
	_, err = filterFromRequest(req)
	assert.Error(t, err)
}
