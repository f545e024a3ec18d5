package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainchat "chatsync/internal/domain/chat"
)

func ts(sec int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, sec, 0, time.UTC)
}

func TestMessageRepositoryOrdering(t *testing.T) {
	repo := NewMessageRepository(nil)
	repo.Put(domainchat.Message{ID: "1", SenderID: "a", ReceiverID: "b", Content: "x", CreatedAt: ts(1)})
	repo.Put(domainchat.Message{ID: "2", SenderID: "b", ReceiverID: "a", Content: "y", CreatedAt: ts(2)})
	repo.Put(domainchat.Message{ID: "3", SenderID: "c", ReceiverID: "a", Content: "z", CreatedAt: ts(3)})

	all, err := repo.ListForUser(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "3", all[0].ID)

	pair, err := repo.ListBetween(context.Background(), "b", "a")
	require.NoError(t, err)
	require.Len(t, pair, 2)
	assert.Equal(t, "1", pair[0].ID)
	assert.Equal(t, "2", pair[1].ID)
}

func TestMessageRepositoryInsertAssignsSequence(t *testing.T) {
	repo := NewMessageRepository(func() time.Time { return ts(9) })
	repo.SetSequence(41)
	msg, err := repo.Insert(context.Background(), domainchat.Draft{SenderID: "a", ReceiverID: "b", Content: "  hi  ", ClientToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "42", msg.ID)
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, "tok", msg.ClientToken)
	assert.Equal(t, ts(9), msg.CreatedAt)

	_, err = repo.Insert(context.Background(), domainchat.Draft{SenderID: "a", ReceiverID: "b", Content: "   "})
	assert.Error(t, err)
	next, err := repo.Insert(context.Background(), domainchat.Draft{SenderID: "a", ReceiverID: "b", Content: "again"})
	require.NoError(t, err)
	assert.Equal(t, "43", next.ID)
}

func TestMessageRepositoryMarkDeliveredOnce(t *testing.T) {
	repo := NewMessageRepository(nil)
	repo.Put(domainchat.Message{ID: "1", SenderID: "a", ReceiverID: "b", Content: "x", CreatedAt: ts(1)})

	got, changed, err := repo.MarkDelivered(context.Background(), "1", ts(5))
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, got.DeliveredAt)
	assert.Equal(t, ts(5), *got.DeliveredAt)

	got, changed, err = repo.MarkDelivered(context.Background(), "1", ts(8))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, ts(5), *got.DeliveredAt)

	_, _, err = repo.MarkDelivered(context.Background(), "missing", ts(8))
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestMessageRepositoryMarkReadOnlyIncoming(t *testing.T) {
	repo := NewMessageRepository(nil)
	repo.Put(domainchat.Message{ID: "1", SenderID: "b", ReceiverID: "a", Content: "x", CreatedAt: ts(1)})
	repo.Put(domainchat.Message{ID: "2", SenderID: "a", ReceiverID: "b", Content: "y", CreatedAt: ts(2)})
	repo.Put(domainchat.Message{ID: "3", SenderID: "b", ReceiverID: "a", Content: "z", CreatedAt: ts(3)})

	changed, err := repo.MarkRead(context.Background(), "a", "b", ts(10))
	require.NoError(t, err)
	require.Len(t, changed, 2)
	assert.Equal(t, "1", changed[0].ID)
	for _, m := range changed {
		require.NotNil(t, m.ReadAt)
		require.NotNil(t, m.DeliveredAt)
	}

	again, err := repo.MarkRead(context.Background(), "a", "b", ts(11))
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestProfileRepositoryReturnsKnownSubset(t *testing.T) {
	repo := NewProfileRepository(domainchat.Profile{ID: "a", DisplayName: "Ann"})
	repo.Save(domainchat.Profile{ID: "b", DisplayName: "Bob"})
	got, err := repo.Profiles(context.Background(), []string{"a", "b", "zz"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "Bob", got["b"].DisplayName)
}

func TestReadProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":" a ","display_name":"Ann","avatar_ref":"a.jpg","city":"Porto"},{"id":"b"}]`), 0o600))
	got, err := ReadProfiles(path)
	require.NoError(t, err)
	assert.Equal(t, []domainchat.Profile{
		{ID: "a", DisplayName: "Ann", AvatarRef: "a.jpg", City: "Porto"},
		{ID: "b"},
	}, got)

	require.NoError(t, os.WriteFile(path, []byte(`[{"display_name":"nobody"}]`), 0o600))
	_, err = ReadProfiles(path)
	assert.ErrorContains(t, err, "no id")

	_, err = ReadProfiles(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
