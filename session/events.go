package session

import (
	"zecret/models"
	"zecret/presence"
)

// EventType identifies UI update events.
type EventType string

const (
	// EventStateChanged reports a conversation state transition.
	EventStateChanged EventType = "state_changed"
	// EventConversationUpdated reports that a conversation log changed.
	EventConversationUpdated EventType = "conversation_updated"
	// EventMessageFailed reports a send that was not stored.
	EventMessageFailed EventType = "message_failed"
	// EventPresence forwards an online-user change.
	EventPresence EventType = "presence"
	// EventError reports a user-visible failure of a bulk operation.
	EventError EventType = "error"
)

// Event is a UI update.
type Event struct {
	Type      EventType
	PeerID    string
	State     State
	MessageID string
	Presence  *presence.Event
	Err       error
}

// NotificationKind classifies notifier calls.
type NotificationKind string

const (
	// NotifyMessage is a message received for a conversation that is not
	// active.
	NotifyMessage NotificationKind = "message"
	// NotifyError is a failure the user should see.
	NotifyError NotificationKind = "error"
)

// Notification is passed to the Notifier.
type Notification struct {
	Kind    NotificationKind
	PeerID  string
	Message *models.DisplayMessage
	Unread  int
	Err     error
}

// Notifier receives user-facing side effects, e.g. desktop notifications.
// Calls happen on their own goroutine and never block the session.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }
