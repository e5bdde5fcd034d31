package storage

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveAndLookupSent(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.ArchiveSent(SentMessage{
		Signature: "c2ln",
		PeerID:    "bob",
		SenderID:  "alice",
		Content:   "see you at 6",
		SentAt:    1_700_000_000_000,
	}))

	message, err := store.LookupSent("c2ln")
	require.NoError(t, err)
	assert.Equal(t, "bob", message.PeerID)
	assert.Equal(t, "alice", message.SenderID)
	assert.Equal(t, "see you at 6", message.Content)
	assert.EqualValues(t, 1_700_000_000_000, message.SentAt)
	assert.NotZero(t, message.ArchivedAt)
	assert.Nil(t, message.ServerID)

	_, err = store.LookupSent("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestArchiveSentKeepsFirstRow(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.ArchiveSent(SentMessage{Signature: "s", PeerID: "bob", SenderID: "alice", Content: "first"}))
	require.NoError(t, store.ArchiveSent(SentMessage{Signature: "s", PeerID: "bob", SenderID: "alice", Content: "second"}))

	message, err := store.LookupSent("s")
	require.NoError(t, err)
	assert.Equal(t, "first", message.Content)
}

func TestArchiveSentValidates(t *testing.T) {
	store := newTestStore(t)

	assert.Error(t, store.ArchiveSent(SentMessage{PeerID: "bob", SenderID: "alice"}))
	assert.Error(t, store.ArchiveSent(SentMessage{Signature: "s", SenderID: "alice"}))
	assert.Error(t, store.ArchiveSent(SentMessage{Signature: "s", PeerID: "bob"}))
}

func TestUpdateServerID(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.ArchiveSent(SentMessage{Signature: "s", PeerID: "bob", SenderID: "alice", Content: "x"}))

	require.NoError(t, store.UpdateServerID("s", "srv-1"))
	message, err := store.LookupSent("s")
	require.NoError(t, err)
	require.NotNil(t, message.ServerID)
	assert.Equal(t, "srv-1", *message.ServerID)

	assert.True(t, errors.Is(store.UpdateServerID("nope", "srv-2"), ErrNotFound))
	assert.Error(t, store.UpdateServerID("s", ""))
}

func TestListAndPruneSent(t *testing.T) {
	store := newTestStore(t)

	for i, content := range []string{"old", "mid", "new"} {
		require.NoError(t, store.ArchiveSent(SentMessage{
			Signature: content,
			PeerID:    "bob",
			SenderID:  "alice",
			Content:   content,
			SentAt:    int64(1000 * (i + 1)),
		}))
	}
	require.NoError(t, store.ArchiveSent(SentMessage{Signature: "other", PeerID: "carol", SenderID: "alice", SentAt: 10}))

	messages, err := store.ListSent("bob", 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "old", messages[0].Content)
	assert.Equal(t, "new", messages[2].Content)

	deleted, err := store.PruneSentOlderThan(2000)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	messages, err = store.ListSent("bob", 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "mid", messages[0].Content)

	_, err = store.PruneSentOlderThan(0)
	assert.Error(t, err)
}
