package session

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"zecret/api"
	"zecret/crypto"
	"zecret/models"
	"zecret/storage"
)

// DecryptionFailedText replaces the text of a message that could not be
// opened.
const DecryptionFailedText = "[Encrypted message - cannot decrypt]"

type datedEnvelope struct {
	api.StoredEnvelope
	sentAt time.Time
}

// fetchHistory returns the full history with peerID in chronological order.
func (s *Session) fetchHistory(ctx context.Context, peerID string) ([]datedEnvelope, error) {
	stored, err := s.api.FetchHistory(ctx, peerID)
	if err != nil {
		return nil, err
	}

	history := make([]datedEnvelope, 0, len(stored))
	for _, envelope := range stored {
		sentAt, err := envelope.SentAt()
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"function":   "fetchHistory",
				"peer_id":    peerID,
				"message_id": string(envelope.ID),
			}).WithError(err).Debug("Unreadable timestamp")
		}
		history = append(history, datedEnvelope{StoredEnvelope: envelope, sentAt: sentAt})
	}
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].sentAt.Before(history[j].sentAt)
	})
	return history, nil
}

// projectHistory opens every envelope of a page. A message that cannot be
// opened becomes a placeholder; the rest of the page is unaffected.
func (s *Session) projectHistory(ctx context.Context, peerID string, page []datedEnvelope) []models.DisplayMessage {
	out := make([]models.DisplayMessage, 0, len(page))
	for _, envelope := range page {
		out = append(out, s.project(ctx, peerID, string(envelope.ID), envelope.SealedEnvelope, envelope.sentAt))
	}
	return out
}

// project turns an envelope into a display message.
func (s *Session) project(ctx context.Context, peerID, id string, envelope crypto.SealedEnvelope, sentAt time.Time) models.DisplayMessage {
	msg := models.DisplayMessage{
		ID:             id,
		ConversationID: peerID,
		SenderID:       envelope.SenderID,
		Timestamp:      sentAt,
	}

	if crypto.IsSelfSent(envelope, s.self.ID) {
		msg.SelfAuthored = true
		msg.Verified = true
		msg.Text = crypto.SelfSentText
		if archived, ok := s.lookupArchive(envelope.SignatureID()); ok {
			msg.Text = archived.Content
			msg.Timestamp = time.UnixMilli(archived.SentAt).UTC()
		}
		return msg
	}

	fields := logrus.Fields{
		"function":   "project",
		"peer_id":    peerID,
		"message_id": id,
		"sender_id":  envelope.SenderID,
	}

	senderKey, err := s.keys.Resolve(ctx, envelope.SenderID)
	if err != nil {
		s.log.WithFields(fields).WithError(err).Warn("Sender key unavailable")
		return undecryptable(msg)
	}

	result, err := crypto.Open(envelope, s.self.ID, s.privateKey, senderKey.Public)
	if err != nil {
		s.log.WithFields(fields).WithError(err).Warn("Message could not be decrypted")
		s.audit(storage.SecurityEventDecryptionFailed, peerID, storage.SecuritySeverityWarning, map[string]any{
			"message_id": id,
			"sender_id":  envelope.SenderID,
			"error":      errors.Cause(err).Error(),
		})
		return undecryptable(msg)
	}

	msg.Text = result.Text
	msg.Verified = result.Verified
	msg.SelfAuthored = envelope.SenderID == s.self.ID
	if !result.Verified {
		s.log.WithFields(fields).Warn("Signature verification failed")
		s.audit(storage.SecurityEventSignatureInvalid, peerID, storage.SecuritySeverityCritical, map[string]any{
			"message_id":      id,
			"sender_id":       envelope.SenderID,
			"key_fingerprint": senderKey.Fingerprint,
		})
	}
	return msg
}

func undecryptable(msg models.DisplayMessage) models.DisplayMessage {
	msg.Text = DecryptionFailedText
	msg.DecryptionFailed = true
	return msg
}

func (s *Session) lookupArchive(signature string) (storage.SentMessage, bool) {
	if s.opts.Archive == nil {
		return storage.SentMessage{}, false
	}
	archived, err := s.opts.Archive.LookupSent(signature)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.WithField("function", "lookupArchive").WithError(err).Warn("Sent archive lookup failed")
		}
		return storage.SentMessage{}, false
	}
	return archived, true
}

func (s *Session) audit(eventType, peerID, severity string, details map[string]any) {
	if s.opts.Auditor == nil {
		return
	}
	if err := s.opts.Auditor.RecordSecurityEvent(eventType, peerID, severity, details); err != nil {
		s.log.WithFields(logrus.Fields{
			"function":   "audit",
			"event_type": eventType,
		}).WithError(err).Warn("Recording security event failed")
	}
}
