package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zecret/models"
)

func msgAt(id, sender, text string, ts time.Time) models.DisplayMessage {
	return models.DisplayMessage{ID: id, SenderID: sender, Text: text, Timestamp: ts}
}

func ids(conv Conversation) []string {
	out := make([]string, 0, len(conv.Messages))
	for _, msg := range conv.Messages {
		out = append(out, msg.ID)
	}
	return out
}

func TestAppendDeduplicates(t *testing.T) {
	store := NewStore(nil, 0)
	ts := time.Date(2024, 1, 1, 9, 0, 10, 0, time.UTC)

	require.True(t, store.Append("bob", msgAt("push-1", "bob", "hello", ts)))
	// Same write seen again through history, with a server id and a second
	// of skew.
	require.False(t, store.Append("bob", msgAt("42", "bob", "hello", ts.Add(time.Second))))

	conv, ok := store.Snapshot("bob")
	require.True(t, ok)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "bob", conv.Messages[0].ConversationID)
}

func TestAppendKeepsChronologicalOrder(t *testing.T) {
	store := NewStore(nil, 0)
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	store.Append("bob", msgAt("b", "bob", "two", base.Add(2*time.Minute)))
	store.Append("bob", msgAt("c", "bob", "three", base.Add(3*time.Minute)))
	store.Append("bob", msgAt("a", "bob", "one", base.Add(time.Minute)))

	conv, _ := store.Snapshot("bob")
	assert.Equal(t, []string{"a", "b", "c"}, ids(conv))
}

func TestPrependPagePreservesOrder(t *testing.T) {
	store := NewStore(nil, 2)
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	store.LoadFirstPage("bob", []models.DisplayMessage{
		msgAt("c", "bob", "c", base.Add(3*time.Minute)),
		msgAt("d", "bob", "d", base.Add(4*time.Minute)),
	}, 4)

	conv, _ := store.Snapshot("bob")
	assert.True(t, conv.HasMoreHistory)
	assert.Equal(t, Cursor{Page: 1, TotalPages: 2, Baseline: 4}, conv.Cursor)

	added := store.PrependPage("bob", []models.DisplayMessage{
		msgAt("b", "bob", "b", base.Add(time.Minute)),
		msgAt("a", "bob", "a", base.Add(time.Minute)),
		msgAt("c2", "bob", "c", base.Add(3*time.Minute)),
	}, false)
	assert.Equal(t, 2, added)

	conv, _ = store.Snapshot("bob")
	assert.Equal(t, []string{"b", "a", "c", "d"}, ids(conv))
	assert.False(t, conv.HasMoreHistory)
	assert.Equal(t, 2, conv.Cursor.Page)
}

func TestLoadFirstPageKeepsLiveMessages(t *testing.T) {
	store := NewStore(nil, 0)
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	store.Append("bob", msgAt("live", "bob", "live", base.Add(10*time.Minute)))
	added := store.LoadFirstPage("bob", []models.DisplayMessage{
		msgAt("h2", "bob", "old 2", base.Add(2*time.Minute)),
		msgAt("h1", "bob", "old 1", base.Add(time.Minute)),
		msgAt("dup", "bob", "live", base.Add(10*time.Minute)),
	}, 3)

	assert.Equal(t, 2, added)
	conv, _ := store.Snapshot("bob")
	assert.Equal(t, []string{"h1", "h2", "live"}, ids(conv))
	assert.True(t, conv.Loaded)
	assert.False(t, conv.HasMoreHistory)
}

func TestReconcileTemporaryKeepsPosition(t *testing.T) {
	store := NewStore(nil, 0)
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	store.Append("bob", msgAt("1", "bob", "hi", base))
	pending := msgAt("temp-x", "me", "hey", base.Add(time.Minute))
	pending.Pending = true
	store.Append("bob", pending)
	store.Append("bob", msgAt("3", "bob", "later", base.Add(2*time.Minute)))

	require.True(t, store.ReconcileTemporary("bob", "temp-x", "srv-9"))
	assert.False(t, store.ReconcileTemporary("bob", "temp-x", "srv-10"))

	conv, _ := store.Snapshot("bob")
	assert.Equal(t, []string{"1", "srv-9", "3"}, ids(conv))
	assert.False(t, conv.Messages[1].Pending)
	assert.False(t, conv.Messages[1].Error)
}

func TestMarkFailed(t *testing.T) {
	store := NewStore(nil, 0)
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"temp-a", "temp-b"} {
		msg := msgAt(id, "me", id, base.Add(time.Duration(i)*time.Minute))
		msg.Pending = true
		store.Append("bob", msg)
	}

	id, ok := store.MarkFailed("bob", "temp-a")
	require.True(t, ok)
	assert.Equal(t, "temp-a", id)

	id, ok = store.MarkFailed("bob", "")
	require.True(t, ok)
	assert.Equal(t, "temp-b", id)

	_, ok = store.MarkFailed("bob", "")
	assert.False(t, ok)

	conv, _ := store.Snapshot("bob")
	require.Len(t, conv.Messages, 2)
	for _, msg := range conv.Messages {
		assert.True(t, msg.Error)
		assert.False(t, msg.Pending)
	}
}

func TestUnreadCounters(t *testing.T) {
	store := NewStore(nil, 0)

	assert.Equal(t, 1, store.UnreadIncrement("carol"))
	assert.Equal(t, 2, store.UnreadIncrement("carol"))
	store.Ensure("carol", "Carol")

	conv, _ := store.Snapshot("carol")
	assert.Equal(t, 2, conv.UnreadCount)
	assert.Equal(t, "Carol", conv.DisplayName)

	store.UnreadClear("carol")
	assert.Zero(t, store.Unread("carol"))
}

func TestResetClearsLogAndSeenSet(t *testing.T) {
	store := NewStore(nil, 0)
	msg := msgAt("1", "bob", "hi", time.Now())

	store.LoadFirstPage("bob", []models.DisplayMessage{msg}, 1)
	store.Reset("bob")

	conv, ok := store.Snapshot("bob")
	require.True(t, ok)
	assert.Empty(t, conv.Messages)
	assert.False(t, conv.Loaded)
	assert.Equal(t, Cursor{}, conv.Cursor)

	assert.True(t, store.Append("bob", msg))
	assert.Equal(t, []string{"bob"}, store.IDs())
}
