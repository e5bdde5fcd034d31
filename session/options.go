package session

import (
	"time"

	"github.com/sirupsen/logrus"

	"zecret/api"
	"zecret/dedup"
	"zecret/models"
	"zecret/push"
	"zecret/storage"
)

// Archive keeps the plaintext of messages the local user sends. Envelopes
// sealed for a peer cannot be reopened locally, so history shows archived
// text for them.
type Archive interface {
	ArchiveSent(message storage.SentMessage) error
	UpdateServerID(signature, serverID string) error
	LookupSent(signature string) (storage.SentMessage, error)
}

// Auditor records security events. An Archive that also implements Auditor
// is used for both.
type Auditor interface {
	RecordSecurityEvent(eventType, peerID, severity string, details map[string]any) error
}

// Options configure a session.
type Options struct {
	Credentials models.Credentials
	API         api.Client
	Push        push.Channel
	// Archive is optional.
	Archive Archive
	// Auditor is optional; it defaults to Archive when that implements it.
	Auditor  Auditor
	Notifier Notifier
	Logger   *logrus.Logger

	PageSize int
	Dedup    dedup.Options
	// PresenceInterval is the background online-user refresh period.
	PresenceInterval time.Duration
	// EventBuffer sizes the Events channel. Slow readers miss events.
	EventBuffer int
}

const defaultEventBuffer = 256

func (o Options) withDefaults() Options {
	out := o
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = defaultEventBuffer
	}
	if out.Auditor == nil && out.Archive != nil {
		if auditor, ok := out.Archive.(Auditor); ok {
			out.Auditor = auditor
		}
	}
	return out
}
