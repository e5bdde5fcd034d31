package storage

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

const (
	// SecurityEventSignatureInvalid records a message whose signature did
	// not verify against the sender key.
	SecurityEventSignatureInvalid = "signature_invalid"
	// SecurityEventDecryptionFailed records a message that could not be opened.
	SecurityEventDecryptionFailed = "decryption_failed"
)

// SentMessage is the local plaintext of a message the user sealed for a
// peer. The envelope itself is only recoverable by the peer.
type SentMessage struct {
	// Signature is the base64 envelope signature, the archive key.
	Signature  string  `json:"signature"`
	PeerID     string  `json:"peer_id"`
	SenderID   string  `json:"sender_id"`
	Content    string  `json:"content"`
	ServerID   *string `json:"server_id,omitempty"`
	SentAt     int64   `json:"sent_at"`
	ArchivedAt int64   `json:"archived_at"`
}

// SecurityEvent is a structured audit record.
type SecurityEvent struct {
	ID        int64   `json:"id"`
	EventType string  `json:"event_type"`
	PeerID    *string `json:"peer_id,omitempty"`
	// Details is JSON text.
	Details   string `json:"details"`
	Severity  string `json:"severity"`
	Timestamp int64  `json:"timestamp"`
}

// SecurityEventFilter narrows GetSecurityEvents.
type SecurityEventFilter struct {
	EventType     string
	PeerID        string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return errors.Errorf("invalid security event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
