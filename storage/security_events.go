package storage

import (
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

const (
	defaultEventPage = 100
	maxEventPage     = 1000
)

// RecordSecurityEvent logs an event about peerID with details encoded as
// JSON. An empty peerID stores no peer.
func (s *Store) RecordSecurityEvent(eventType, peerID, severity string, details map[string]any) error {
	event := SecurityEvent{EventType: eventType, Severity: severity}
	if peerID != "" {
		event.PeerID = &peerID
	}
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			return errors.Wrap(err, "encode security event details")
		}
		event.Details = string(raw)
	}
	return s.LogSecurityEvent(event)
}

// LogSecurityEvent stores event and drops events past the retention window.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	if err := event.normalize(); err != nil {
		return err
	}

	if _, err := s.db.Exec(
		`INSERT INTO security_events (event_type, peer_id, details, severity, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		event.EventType, nullString(event.PeerID), event.Details, event.Severity, event.Timestamp,
	); err != nil {
		return errors.Wrapf(err, "insert security event %q", event.EventType)
	}

	_, err := s.PruneSecurityEvents(s.retentionCutoff())
	return err
}

// GetSecurityEvents returns matching events, newest first.
func (s *Store) GetSecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	where, args, err := filter.clauses()
	if err != nil {
		return nil, err
	}

	query := `SELECT id, event_type, peer_id, details, severity, timestamp FROM security_events`
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	limit, offset := filter.window()

	rows, err := s.db.Query(query, append(args, limit, offset)...)
	if err != nil {
		return nil, errors.Wrap(err, "query security events")
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		var (
			event SecurityEvent
			peer  sql.NullString
		)
		if err := rows.Scan(&event.ID, &event.EventType, &peer, &event.Details, &event.Severity, &event.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scan security event")
		}
		event.PeerID = stringPtr(peer)
		events = append(events, event)
	}
	return events, errors.Wrap(rows.Err(), "read security events")
}

// PruneSecurityEvents removes events older than cutoffTimestamp and returns
// how many were dropped.
func (s *Store) PruneSecurityEvents(cutoffTimestamp int64) (int64, error) {
	return s.deleteBefore("security_events", "timestamp", cutoffTimestamp)
}

// normalize fills defaults and rejects events the schema would not accept.
func (e *SecurityEvent) normalize() error {
	e.EventType = strings.TrimSpace(e.EventType)
	if e.EventType == "" {
		return errors.New("event_type is required")
	}
	if e.Severity == "" {
		e.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(e.Severity); err != nil {
		return err
	}
	if e.Details == "" {
		e.Details = "{}"
	} else if !json.Valid([]byte(e.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if e.Timestamp == 0 {
		e.Timestamp = nowUnixMilli()
	}
	if e.PeerID != nil {
		peer := strings.TrimSpace(*e.PeerID)
		if peer == "" {
			e.PeerID = nil
		} else {
			e.PeerID = &peer
		}
	}
	return nil
}

func (f SecurityEventFilter) clauses() (string, []any, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}

	if f.EventType != "" {
		add("event_type = ?", f.EventType)
	}
	if f.PeerID != "" {
		add("peer_id = ?", f.PeerID)
	}
	if f.Severity != "" {
		if err := validateSecuritySeverity(f.Severity); err != nil {
			return "", nil, err
		}
		add("severity = ?", f.Severity)
	}
	if f.FromTimestamp != nil {
		add("timestamp >= ?", *f.FromTimestamp)
	}
	if f.ToTimestamp != nil {
		add("timestamp <= ?", *f.ToTimestamp)
	}
	return strings.Join(conds, " AND "), args, nil
}

func (f SecurityEventFilter) window() (limit, offset int) {
	limit = f.Limit
	switch {
	case limit <= 0:
		limit = defaultEventPage
	case limit > maxEventPage:
		limit = maxEventPage
	}
	return limit, max(f.Offset, 0)
}
