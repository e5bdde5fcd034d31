// Package conversation holds the materialized, chronologically ordered
// message logs of every conversation in a session.
package conversation

import (
	"sort"
	"sync"

	"zecret/dedup"
	"zecret/models"
)

// Conversation is a read-only snapshot of one conversation.
type Conversation struct {
	PeerID         string                  `json:"peer_id"`
	DisplayName    string                  `json:"display_name"`
	Messages       []models.DisplayMessage `json:"messages"`
	Cursor         Cursor                  `json:"cursor"`
	HasMoreHistory bool                    `json:"has_more_history"`
	// Loaded is set once the first history page has been applied.
	Loaded      bool `json:"loaded"`
	UnreadCount int  `json:"unread_count"`
}

type entry struct {
	mu   sync.Mutex
	conv Conversation
}

// Store owns every conversation. Each conversation is guarded by its own
// mutex; the maps are guarded by Store.mu.
type Store struct {
	dedup    *dedup.Deduplicator
	pageSize int

	mu            sync.Mutex
	conversations map[string]*entry
	unread        map[string]int
}

// NewStore creates an empty store. A nil deduplicator gets default options.
func NewStore(d *dedup.Deduplicator, pageSize int) *Store {
	if d == nil {
		d = dedup.New(dedup.Options{})
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Store{
		dedup:         d,
		pageSize:      pageSize,
		conversations: make(map[string]*entry),
		unread:        make(map[string]int),
	}
}

// PageSize returns the configured page size.
func (s *Store) PageSize() int {
	return s.pageSize
}

func (s *Store) entry(conversationID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.conversations[conversationID]
	if !ok {
		e = &entry{conv: Conversation{PeerID: conversationID}}
		s.conversations[conversationID] = e
	}
	return e
}

func (s *Store) lookup(conversationID string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.conversations[conversationID]
	return e, ok
}

// Ensure creates the conversation if needed and updates its display name.
func (s *Store) Ensure(conversationID, displayName string) {
	e := s.entry(conversationID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if displayName != "" {
		e.conv.DisplayName = displayName
	}
}

// Snapshot returns a copy of the conversation.
func (s *Store) Snapshot(conversationID string) (Conversation, bool) {
	e, ok := s.lookup(conversationID)
	if !ok {
		return Conversation{}, false
	}

	e.mu.Lock()
	conv := e.conv
	conv.Messages = append([]models.DisplayMessage(nil), e.conv.Messages...)
	e.mu.Unlock()

	conv.UnreadCount = s.Unread(conversationID)
	return conv, true
}

// IDs returns the ids of every known conversation.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Loaded reports whether the first history page was applied.
func (s *Store) Loaded(conversationID string) bool {
	e, ok := s.lookup(conversationID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv.Loaded
}

// Cursor returns the pagination cursor of the conversation.
func (s *Store) Cursor(conversationID string) Cursor {
	e, ok := s.lookup(conversationID)
	if !ok {
		return Cursor{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv.Cursor
}

// Append inserts msg at its chronological position, normally the end. It
// returns false when the message was already seen.
func (s *Store) Append(conversationID string, msg models.DisplayMessage) bool {
	e := s.entry(conversationID)
	e.mu.Lock()
	defer e.mu.Unlock()

	return s.insertLocked(e, conversationID, msg, false)
}

// LoadFirstPage applies page 1 of a history whose full length is historyLen
// and freezes the pagination cursor. Messages delivered live before the page
// arrived stay in place. It returns the number of messages inserted.
func (s *Store) LoadFirstPage(conversationID string, page []models.DisplayMessage, historyLen int) int {
	e := s.entry(conversationID)
	e.mu.Lock()
	defer e.mu.Unlock()

	added := 0
	for _, msg := range sortedCopy(page) {
		if s.insertLocked(e, conversationID, msg, false) {
			added++
		}
	}
	e.conv.Cursor = NewCursor(historyLen, s.pageSize)
	e.conv.HasMoreHistory = e.conv.Cursor.HasMore()
	e.conv.Loaded = true
	return added
}

// PrependPage inserts an older page before the current earliest message,
// preserving its order, and advances the cursor by one page.
func (s *Store) PrependPage(conversationID string, older []models.DisplayMessage, hasMore bool) int {
	e := s.entry(conversationID)
	e.mu.Lock()
	defer e.mu.Unlock()

	sorted := sortedCopy(older)
	added := 0
	for i := len(sorted) - 1; i >= 0; i-- {
		if s.insertLocked(e, conversationID, sorted[i], true) {
			added++
		}
	}
	e.conv.Cursor.Page++
	e.conv.HasMoreHistory = hasMore
	return added
}

// ReconcileTemporary replaces tempID with finalID and clears pending. The
// message keeps its position and is not re-checked for duplicates.
func (s *Store) ReconcileTemporary(conversationID, tempID, finalID string) bool {
	e, ok := s.lookup(conversationID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.conv.Messages {
		if e.conv.Messages[i].ID == tempID {
			e.conv.Messages[i].ID = finalID
			e.conv.Messages[i].Pending = false
			return true
		}
	}
	return false
}

// MarkFailed flags a message as undelivered. With an empty id the most
// recent pending message is flagged; with several sends in flight that may
// not be the one that failed. It returns the id of the flagged message.
func (s *Store) MarkFailed(conversationID, id string) (string, bool) {
	e, ok := s.lookup(conversationID)
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := len(e.conv.Messages) - 1; i >= 0; i-- {
		msg := &e.conv.Messages[i]
		if (id == "" && msg.Pending) || (id != "" && msg.ID == id) {
			msg.Error = true
			msg.Pending = false
			return msg.ID, true
		}
	}
	return "", false
}

// UnreadIncrement bumps the unread counter of a peer and returns it.
func (s *Store) UnreadIncrement(peerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread[peerID]++
	return s.unread[peerID]
}

// UnreadClear zeroes the unread counter of a peer.
func (s *Store) UnreadClear(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unread, peerID)
}

// Unread returns the unread counter of a peer.
func (s *Store) Unread(peerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[peerID]
}

// Reset drops the log, the cursor and the seen set of the conversation.
func (s *Store) Reset(conversationID string) {
	e, ok := s.lookup(conversationID)
	if ok {
		e.mu.Lock()
		e.conv.Messages = nil
		e.conv.Cursor = Cursor{}
		e.conv.HasMoreHistory = false
		e.conv.Loaded = false
		e.mu.Unlock()
	}
	s.dedup.Reset(conversationID)
}

func (s *Store) insertLocked(e *entry, conversationID string, msg models.DisplayMessage, before bool) bool {
	if !s.dedup.CheckAndRemember(conversationID, msg) {
		return false
	}
	msg.ConversationID = conversationID

	msgs := e.conv.Messages
	var idx int
	if before {
		idx = sort.Search(len(msgs), func(i int) bool { return !msgs[i].Timestamp.Before(msg.Timestamp) })
	} else {
		idx = sort.Search(len(msgs), func(i int) bool { return msgs[i].Timestamp.After(msg.Timestamp) })
	}

	msgs = append(msgs, models.DisplayMessage{})
	copy(msgs[idx+1:], msgs[idx:])
	msgs[idx] = msg
	e.conv.Messages = msgs
	return true
}

func sortedCopy(msgs []models.DisplayMessage) []models.DisplayMessage {
	out := append([]models.DisplayMessage(nil), msgs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
