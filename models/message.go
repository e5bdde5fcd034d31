package models

import (
	"strings"
	"time"
)

// TemporaryIDPrefix marks a locally generated id that has not been
// acknowledged by the server yet.
const TemporaryIDPrefix = "temp-"

// DisplayMessage is the decrypted, UI-ready projection of one message.
type DisplayMessage struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversation_id"`
	SenderID         string    `json:"sender_id"`
	Text             string    `json:"text"`
	Timestamp        time.Time `json:"timestamp"`
	Pending          bool      `json:"pending"`
	Error            bool      `json:"error"`
	DecryptionFailed bool      `json:"decryption_failed"`
	SelfAuthored     bool      `json:"self_authored"`
	Verified         bool      `json:"verified"`
}

// IsTemporary reports whether the message still carries a provisional id.
func (m DisplayMessage) IsTemporary() bool {
	return strings.HasPrefix(m.ID, TemporaryIDPrefix)
}
