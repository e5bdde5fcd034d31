package storage

import (
	"database/sql"
	"strings"

	"github.com/pkg/errors"
)

// ArchiveSent records the plaintext of a self-authored message. Archiving
// the same signature twice keeps the first row.
func (s *Store) ArchiveSent(message SentMessage) error {
	if strings.TrimSpace(message.Signature) == "" {
		return errors.New("signature is required")
	}
	if message.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if message.SenderID == "" {
		return errors.New("sender_id is required")
	}
	if message.SentAt == 0 {
		message.SentAt = nowUnixMilli()
	}
	if message.ArchivedAt == 0 {
		message.ArchivedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO sent_messages (
			signature,
			peer_id,
			sender_id,
			content,
			server_id,
			sent_at,
			archived_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(signature) DO NOTHING`,
		message.Signature,
		message.PeerID,
		message.SenderID,
		message.Content,
		nullString(message.ServerID),
		message.SentAt,
		message.ArchivedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "archive sent message for %q", message.PeerID)
	}
	return nil
}

// UpdateServerID stores the id the relay assigned to an archived message.
func (s *Store) UpdateServerID(signature, serverID string) error {
	if signature == "" {
		return errors.New("signature is required")
	}
	if serverID == "" {
		return errors.New("server_id is required")
	}

	res, err := s.db.Exec(`UPDATE sent_messages SET server_id = ? WHERE signature = ?`, serverID, signature)
	if err != nil {
		return errors.Wrap(err, "update sent message server id")
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "read rows affected for server id update")
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// LookupSent returns the archived message with the given signature.
func (s *Store) LookupSent(signature string) (SentMessage, error) {
	row := s.db.QueryRow(
		`SELECT signature, peer_id, sender_id, content, server_id, sent_at, archived_at
		FROM sent_messages WHERE signature = ?`,
		signature,
	)

	message, err := scanSentMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SentMessage{}, ErrNotFound
		}
		return SentMessage{}, errors.Wrapf(err, "lookup sent message")
	}
	return message, nil
}

// ListSent returns the archived messages sent to peerID, oldest first.
func (s *Store) ListSent(peerID string, limit int) ([]SentMessage, error) {
	if peerID == "" {
		return nil, errors.New("peer_id is required")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT signature, peer_id, sender_id, content, server_id, sent_at, archived_at
		FROM sent_messages WHERE peer_id = ?
		ORDER BY sent_at ASC, signature ASC LIMIT ?`,
		peerID,
		limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list sent messages")
	}
	defer rows.Close()

	messages := make([]SentMessage, 0)
	for rows.Next() {
		message, err := scanSentMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan sent message row")
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate sent message rows")
	}
	return messages, nil
}

// PruneSentOlderThan removes archived messages sent before cutoffTimestamp.
func (s *Store) PruneSentOlderThan(cutoffTimestamp int64) (int64, error) {
	return s.deleteBefore("sent_messages", "sent_at", cutoffTimestamp)
}

func scanSentMessage(row scanner) (SentMessage, error) {
	var (
		message  SentMessage
		serverID sql.NullString
	)
	if err := row.Scan(
		&message.Signature,
		&message.PeerID,
		&message.SenderID,
		&message.Content,
		&serverID,
		&message.SentAt,
		&message.ArchivedAt,
	); err != nil {
		return SentMessage{}, err
	}
	message.ServerID = stringPtr(serverID)
	return message, nil
}
