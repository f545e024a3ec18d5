package chat_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appchat "chatsync/internal/app/chat"
	domainchat "chatsync/internal/domain/chat"
	"chatsync/internal/infra/storage/memory"
)

type flakyMessages struct {
	appchat.MessageStore
	err error
}

func (s *flakyMessages) ListForUser(ctx context.Context, userID string) ([]domainchat.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.MessageStore.ListForUser(ctx, userID)
}

type flakyProfiles struct {
	appchat.ProfileStore
	err error
}

func (s *flakyProfiles) Profiles(ctx context.Context, ids []string) (map[string]domainchat.Profile, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.ProfileStore.Profiles(ctx, ids)
}

type signerFunc func(ref string) (string, error)

func (f signerFunc) SignAvatar(_ context.Context, ref string) (string, error) {
	return f(ref)
}

func TestAggregatorRefreshBuildsSummaries(t *testing.T) {
	repo := memory.NewMessageRepository(nil)
	repo.Put(row("1", "B", "A", 1))
	repo.Put(row("2", "A", "B", 2))
	repo.Put(row("3", "C", "A", 3))
	repo.Put(row("4", "D", "A", 4))
	profiles := memory.NewProfileRepository(
		domainchat.Profile{ID: "B", DisplayName: "Bea", AvatarRef: "avatars/b.jpg"},
		domainchat.Profile{ID: "C", DisplayName: "Cal"},
	)
	agg := &appchat.Aggregator{
		Messages: repo,
		Profiles: profiles,
		Avatars:  signerFunc(func(ref string) (string, error) { return "https://cdn/" + ref, nil }),
	}

	got, err := agg.Refresh(context.Background(), appchat.Session{UserID: "A"})
	require.NoError(t, err)
	// D has no profile and is dropped
	require.Len(t, got, 2)
	assert.Equal(t, "C", got[0].CounterpartID)
	assert.True(t, got[0].Unread)
	assert.Equal(t, "B", got[1].CounterpartID)
	assert.Equal(t, "2", got[1].LastMessageID)
	assert.False(t, got[1].Unread)
	assert.Equal(t, "https://cdn/avatars/b.jpg", got[1].AvatarURL)
	assert.Equal(t, got, agg.Snapshot())
}

func TestAggregatorKeepsSnapshotOnFetchFailure(t *testing.T) {
	repo := memory.NewMessageRepository(nil)
	repo.Put(row("1", "B", "A", 1))
	messages := &flakyMessages{MessageStore: repo}
	profiles := &flakyProfiles{ProfileStore: memory.NewProfileRepository(domainchat.Profile{ID: "B", DisplayName: "Bea"})}
	agg := &appchat.Aggregator{Messages: messages, Profiles: profiles}

	first, err := agg.Refresh(context.Background(), appchat.Session{UserID: "A"})
	require.NoError(t, err)
	require.Len(t, first, 1)

	repo.Put(row("2", "B", "A", 2))
	messages.err = errors.New("timeout")
	got, err := agg.Refresh(context.Background(), appchat.Session{UserID: "A"})
	require.ErrorIs(t, err, appchat.ErrFetchFailed)
	assert.Equal(t, first, got)

	messages.err = nil
	profiles.err = errors.New("profiles down")
	got, err = agg.Refresh(context.Background(), appchat.Session{UserID: "A"})
	require.ErrorIs(t, err, appchat.ErrFetchFailed)
	assert.Equal(t, first, got)
}

func TestAggregatorSigningFailureKeepsEntry(t *testing.T) {
	repo := memory.NewMessageRepository(nil)
	repo.Put(row("1", "B", "A", 1))
	agg := &appchat.Aggregator{
		Messages: repo,
		Profiles: memory.NewProfileRepository(domainchat.Profile{ID: "B", DisplayName: "Bea", AvatarRef: "b.jpg"}),
		Avatars:  signerFunc(func(string) (string, error) { return "", errors.New("no creds") }),
	}
	got, err := agg.Refresh(context.Background(), appchat.Session{UserID: "A"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Empty(t, got[0].AvatarURL)
	assert.Equal(t, "Bea", got[0].CounterpartName)
}

func TestViewsOpenConversationRejectsSelf(t *testing.T) {
	h := newHarness(0)
	views := &appchat.Views{Messages: h.store, Profiles: memory.NewProfileRepository(), Feed: h.hub}
	_, err := views.OpenConversation(context.Background(), appchat.Session{UserID: "A"}, "A")
	assert.Error(t, err)
	assert.Equal(t, 0, h.hub.Subscribers())
}

func TestViewsOpenConversationLoadsHistory(t *testing.T) {
	h := newHarness(0)
	h.repo.Put(row("1", "B", "A", 1))
	views := &appchat.Views{Messages: h.store, Profiles: memory.NewProfileRepository(), Feed: h.hub, Clock: fixedClock(5)}
	r, err := views.OpenConversation(context.Background(), appchat.Session{UserID: "A"}, "B")
	require.NoError(t, err)
	defer r.Close()
	msgs := r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domainchat.StatusRead, msgs[0].Status())
}

func TestViewsCounterpartProfile(t *testing.T) {
	views := &appchat.Views{
		Profiles: memory.NewProfileRepository(domainchat.Profile{ID: "B", DisplayName: "Bea", AvatarRef: "b.jpg", City: "Lisbon"}),
		Avatars:  signerFunc(func(ref string) (string, error) { return "https://cdn/" + ref, nil }),
	}
	p := views.Counterpart(context.Background(), "B")
	assert.Equal(t, "Bea", p.Name())
	assert.Equal(t, "Lisbon", p.City)
	assert.Equal(t, "https://cdn/b.jpg", p.AvatarURL)

	unknown := views.Counterpart(context.Background(), "Z")
	assert.Equal(t, "Z", unknown.ID)
	assert.Equal(t, "Unknown User", unknown.Name())

	failing := &appchat.Views{Profiles: &flakyProfiles{ProfileStore: memory.NewProfileRepository(), err: errors.New("down")}}
	assert.Equal(t, domainchat.Profile{ID: "B"}, failing.Counterpart(context.Background(), "B"))
}

func TestViewsAggregatorCacheIsBounded(t *testing.T) {
	now := at(0)
	views := &appchat.Views{
		Messages:       memory.NewMessageRepository(nil),
		Profiles:       memory.NewProfileRepository(),
		Clock:          func() time.Time { return now },
		MaxCachedUsers: 2,
		CacheIdle:      time.Minute,
	}
	ctx := context.Background()
	for _, user := range []string{"A", "B", "C"} {
		_, err := views.Conversations(ctx, appchat.Session{UserID: user})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, views.CachedUsers())

	now = now.Add(2 * time.Minute)
	_, err := views.Conversations(ctx, appchat.Session{UserID: "D"})
	require.NoError(t, err)
	assert.Equal(t, 1, views.CachedUsers())
}
