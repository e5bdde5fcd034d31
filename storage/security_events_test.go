package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAndQuerySecurityEvents(t *testing.T) {
	store := newTestStore(t)

	now := nowUnixMilli()
	peerID := "bob"

	require.NoError(t, store.LogSecurityEvent(SecurityEvent{
		EventType: SecurityEventDecryptionFailed,
		PeerID:    &peerID,
		Details:   `{"message_id":"m1"}`,
		Severity:  SecuritySeverityWarning,
		Timestamp: now - 1_000,
	}))
	require.NoError(t, store.RecordSecurityEvent(SecurityEventSignatureInvalid, peerID, SecuritySeverityCritical, map[string]any{
		"message_id": "m2",
	}))
	require.NoError(t, store.RecordSecurityEvent("key_pinned", "", "", nil))

	all, err := store.GetSecurityEvents(SecurityEventFilter{PeerID: peerID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, SecurityEventSignatureInvalid, all[0].EventType)
	assert.JSONEq(t, `{"message_id":"m2"}`, all[0].Details)
	assert.Equal(t, SecurityEventDecryptionFailed, all[1].EventType)

	critical, err := store.GetSecurityEvents(SecurityEventFilter{Severity: SecuritySeverityCritical})
	require.NoError(t, err)
	require.Len(t, critical, 1)

	info, err := store.GetSecurityEvents(SecurityEventFilter{EventType: "key_pinned"})
	require.NoError(t, err)
	require.Len(t, info, 1)
	assert.Nil(t, info[0].PeerID)
	assert.Equal(t, SecuritySeverityInfo, info[0].Severity)
	assert.Equal(t, "{}", info[0].Details)
}

func TestLogSecurityEventValidates(t *testing.T) {
	store := newTestStore(t)

	assert.Error(t, store.LogSecurityEvent(SecurityEvent{}))
	assert.Error(t, store.LogSecurityEvent(SecurityEvent{EventType: "x", Severity: "loud"}))
	assert.Error(t, store.LogSecurityEvent(SecurityEvent{EventType: "x", Details: "{not json"}))

	_, err := store.GetSecurityEvents(SecurityEventFilter{Severity: "loud"})
	assert.Error(t, err)
}

func TestSecurityEventRetention(t *testing.T) {
	store, err := OpenPath(filepath.Join(t.TempDir(), "archive.db"), WithSecurityEventRetention(time.Hour))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	require.NoError(t, store.LogSecurityEvent(SecurityEvent{EventType: "old", Timestamp: old}))

	events, err := store.GetSecurityEvents(SecurityEventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events, "event older than retention is pruned on insert")

	require.NoError(t, store.LogSecurityEvent(SecurityEvent{EventType: "fresh"}))
	events, err = store.GetSecurityEvents(SecurityEventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "fresh", events[0].EventType)
}
