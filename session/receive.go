package session

import (
	"time"

	"github.com/sirupsen/logrus"

	"zecret/models"
	"zecret/push"
)

func (s *Session) handlePushEvent(event push.Event) {
	switch event.Name {
	case push.EventMessage:
		if event.Message != nil {
			s.receive(*event.Message)
		}
	case push.EventUserOnline, push.EventUserOffline:
		s.presence.Apply(event)
	case push.EventError:
		s.log.WithFields(logrus.Fields{
			"function": "handlePushEvent",
			"error":    event.Error,
		}).Warn("Push channel reported an error")
	default:
		s.log.WithFields(logrus.Fields{
			"function": "handlePushEvent",
			"event":    event.Name,
			"room":     event.Room,
		}).Debug("Push event")
	}
}

// receive runs on the actor. Opening the envelope happens on a worker.
func (s *Session) receive(inbound push.InboundMessage) {
	envelope := inbound.SecureMessage
	if envelope.SenderID == "" {
		envelope.SenderID = inbound.Sender.ID
	}
	fields := logrus.Fields{
		"function":   "receive",
		"message_id": inbound.ID,
		"sender_id":  envelope.SenderID,
	}

	if err := envelope.Validate(); err != nil {
		s.log.WithFields(fields).WithError(err).Warn("Dropping malformed message")
		return
	}
	if _, echo := s.echoes[envelope.SignatureID()]; echo {
		s.log.WithFields(fields).Debug("Dropping echo of own message")
		return
	}

	peerID := envelope.SenderID
	displayName := inbound.Sender.DisplayName
	switch {
	case envelope.SenderID == s.self.ID:
		peerID = envelope.RecipientID
		displayName = ""
	case envelope.RecipientID != s.self.ID:
		s.log.WithFields(fields).Warn("Dropping message addressed to another user")
		return
	}

	sentAt, err := inbound.SentAt()
	if err != nil {
		sentAt = time.Now().UTC()
	}

	ctx := s.ctx
	s.goAsync(func() {
		msg := s.project(ctx, peerID, inbound.ID, envelope, sentAt)
		s.post(func() { s.deliver(peerID, displayName, msg) })
	})
}

func (s *Session) deliver(peerID, displayName string, msg models.DisplayMessage) {
	s.store.Ensure(peerID, displayName)
	if !s.store.Append(peerID, msg) {
		return
	}
	s.emit(Event{Type: EventConversationUpdated, PeerID: peerID, MessageID: msg.ID})

	if s.active == peerID || msg.SelfAuthored {
		return
	}
	unread := s.store.UnreadIncrement(peerID)
	s.notify(Notification{Kind: NotifyMessage, PeerID: peerID, Message: &msg, Unread: unread})
}
