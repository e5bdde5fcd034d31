package session

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"zecret/crypto"
	"zecret/models"
	"zecret/push"
	"zecret/storage"
)

const publishTimeout = 10 * time.Second

// Send seals text for the active peer and appends it to the log as pending
// under a temporary id, which is returned. Delivery continues in the
// background: the envelope is published on the push channel and submitted
// to the persistence API. Only the API result decides the message outcome;
// on success the temporary id is replaced by the server id, on failure the
// message is flagged as failed.
func (s *Session) Send(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if s.ctx == nil {
		return "", ErrNotStarted
	}
	peerID := s.ActiveConversation()
	if peerID == "" {
		return "", ErrNoActiveConversation
	}

	envelope, err := s.seal(ctx, peerID, text)
	if err != nil {
		// No temporary id exists yet; blame the latest pending message.
		_ = s.call(context.Background(), func() error {
			if _, ok := s.store.MarkFailed(peerID, ""); ok {
				s.emit(Event{Type: EventConversationUpdated, PeerID: peerID})
			}
			s.reportError(peerID, err)
			return nil
		})
		return "", err
	}

	sentAt, err := envelope.SentAt()
	if err != nil {
		sentAt = time.Now().UTC()
	}
	tempID := models.TemporaryIDPrefix + uuid.NewString()
	msg := models.DisplayMessage{
		ID:           tempID,
		SenderID:     s.self.ID,
		Text:         text,
		Timestamp:    sentAt,
		Pending:      true,
		SelfAuthored: true,
		Verified:     true,
	}
	s.archive(peerID, envelope, text, sentAt)

	err = s.call(ctx, func() error {
		s.echoes[envelope.SignatureID()] = struct{}{}
		if !s.store.Append(peerID, msg) {
			s.log.WithFields(logrus.Fields{
				"function": "Send",
				"peer_id":  peerID,
			}).Debug("Outgoing message collides with a logged message")
		}
		s.emit(Event{Type: EventConversationUpdated, PeerID: peerID, MessageID: tempID})

		s.goAsync(func() { s.publish(peerID, tempID, envelope) })
		s.goAsync(func() { s.submit(peerID, tempID, envelope) })
		return nil
	})
	if err != nil {
		return "", err
	}
	return tempID, nil
}

func (s *Session) seal(ctx context.Context, peerID, text string) (crypto.SealedEnvelope, error) {
	key, err := s.keys.Resolve(ctx, peerID)
	if err != nil {
		return crypto.SealedEnvelope{}, err
	}
	envelope, err := crypto.Seal(text, s.privateKey, key.Public, s.self.ID, peerID)
	if err != nil {
		return crypto.SealedEnvelope{}, errors.Wrap(err, "session: seal message")
	}
	return envelope, nil
}

func (s *Session) archive(peerID string, envelope crypto.SealedEnvelope, text string, sentAt time.Time) {
	if s.opts.Archive == nil {
		return
	}
	err := s.opts.Archive.ArchiveSent(storage.SentMessage{
		Signature: envelope.SignatureID(),
		PeerID:    peerID,
		SenderID:  s.self.ID,
		Content:   text,
		SentAt:    sentAt.UnixMilli(),
	})
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "archive",
			"peer_id":  peerID,
		}).WithError(err).Warn("Archiving sent message failed")
	}
}

// publish is best effort; failures are logged only.
func (s *Session) publish(peerID, tempID string, envelope crypto.SealedEnvelope) {
	ctx, cancel := context.WithTimeout(s.ctx, publishTimeout)
	defer cancel()

	err := s.push.Publish(ctx, push.OutboundMessage{
		Room:          push.RoomName(s.self.ID, peerID),
		SecureMessage: envelope,
		Sender:        s.self,
		ID:            tempID,
	})
	if err != nil && s.ctx.Err() == nil {
		s.log.WithFields(logrus.Fields{
			"function":   "publish",
			"peer_id":    peerID,
			"message_id": tempID,
		}).WithError(err).Debug("Push publish failed")
	}
}

func (s *Session) submit(peerID, tempID string, envelope crypto.SealedEnvelope) {
	serverID, err := s.api.SubmitMessage(s.ctx, envelope)
	if err == nil && s.opts.Archive != nil {
		if archiveErr := s.opts.Archive.UpdateServerID(envelope.SignatureID(), serverID); archiveErr != nil && !errors.Is(archiveErr, storage.ErrNotFound) {
			s.log.WithField("function", "submit").WithError(archiveErr).Warn("Updating archived server id failed")
		}
	}

	s.post(func() {
		if err != nil {
			s.store.MarkFailed(peerID, tempID)
			s.emit(Event{Type: EventMessageFailed, PeerID: peerID, MessageID: tempID, Err: err})
			s.reportError(peerID, err)
			return
		}
		if s.store.ReconcileTemporary(peerID, tempID, serverID) {
			s.emit(Event{Type: EventConversationUpdated, PeerID: peerID, MessageID: serverID})
		}
	})
}
