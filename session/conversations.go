package session

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"zecret/conversation"
	"zecret/models"
	"zecret/push"
)

// Open makes peerID the active conversation, closing any other. It joins
// the peer room, clears the unread counter and fetches the first history
// page in the background. A conversation that was already loaded becomes
// active immediately without a refetch.
func (s *Session) Open(ctx context.Context, peerID, displayName string) error {
	if peerID == "" {
		return errors.New("session: peer id is required")
	}
	return s.call(ctx, func() error {
		s.open(peerID, displayName)
		return nil
	})
}

// Close closes the active conversation. Its log is kept.
func (s *Session) Close() error {
	return s.call(context.Background(), func() error {
		s.closeActive()
		return nil
	})
}

// LoadMore fetches the next older page of the active conversation. Only one
// load runs at a time; extra calls return ErrLoadInFlight.
func (s *Session) LoadMore(ctx context.Context) error {
	return s.call(ctx, func() error {
		return s.loadMore()
	})
}

// Refresh drops the active conversation log and refetches the first page.
func (s *Session) Refresh(ctx context.Context) error {
	return s.call(ctx, func() error {
		if s.active == "" {
			return ErrNoActiveConversation
		}
		peerID := s.active
		cs := s.conversation(peerID)
		s.renew(cs)
		s.store.Reset(peerID)
		s.emit(Event{Type: EventConversationUpdated, PeerID: peerID})
		s.setState(peerID, cs, StateOpening)
		s.fetchFirstPage(peerID, cs)
		return nil
	})
}

func (s *Session) open(peerID, displayName string) {
	if s.active != "" && s.active != peerID {
		s.closeActive()
	}

	cs := s.conversation(peerID)
	s.store.Ensure(peerID, displayName)
	s.store.UnreadClear(peerID)
	if s.active == peerID && cs.state != StateClosed {
		return
	}

	s.renew(cs)
	s.setActive(peerID)
	s.enqueueRoom(roomOp{join: true, room: push.RoomName(s.self.ID, peerID)})

	if s.store.Loaded(peerID) {
		s.setState(peerID, cs, StateActive)
		return
	}
	s.setState(peerID, cs, StateOpening)
	s.fetchFirstPage(peerID, cs)
}

func (s *Session) closeActive() {
	peerID := s.active
	if peerID == "" {
		return
	}
	cs := s.conversation(peerID)
	if cs.cancel != nil {
		cs.cancel()
	}
	cs.generation++
	s.setActive("")
	s.setState(peerID, cs, StateClosed)
	s.enqueueRoom(roomOp{room: push.RoomName(s.self.ID, peerID)})
}

// renew cancels outstanding work and starts a new generation.
func (s *Session) renew(cs *conversationState) {
	if cs.cancel != nil {
		cs.cancel()
	}
	cs.generation++
	cs.ctx, cs.cancel = context.WithCancel(s.ctx)
}

func (s *Session) loadMore() error {
	peerID := s.active
	if peerID == "" {
		return ErrNoActiveConversation
	}
	cs := s.conversation(peerID)
	switch cs.state {
	case StateOpening, StateLoadingMore:
		return ErrLoadInFlight
	}

	// The first page failed earlier; retry it.
	if !s.store.Loaded(peerID) {
		s.setState(peerID, cs, StateOpening)
		s.fetchFirstPage(peerID, cs)
		return nil
	}

	cursor := s.store.Cursor(peerID)
	if !cursor.HasMore() {
		return ErrNoMoreHistory
	}

	s.setState(peerID, cs, StateLoadingMore)
	generation, ctx := cs.generation, cs.ctx
	s.goAsync(func() {
		page, hasMore, err := s.fetchOlderPage(ctx, peerID, cursor)
		s.post(func() { s.finishLoadMore(peerID, generation, page, hasMore, err) })
	})
	return nil
}

func (s *Session) fetchFirstPage(peerID string, cs *conversationState) {
	generation, ctx := cs.generation, cs.ctx
	s.goAsync(func() {
		page, historyLen, err := s.fetchLatestPage(ctx, peerID)
		s.post(func() { s.finishFirstPage(peerID, generation, page, historyLen, err) })
	})
}

// current reports whether a result issued under generation still applies.
func (s *Session) current(function, peerID string, generation uint64, want State) (*conversationState, bool) {
	cs, ok := s.conversations[peerID]
	if ok && cs.generation == generation && cs.state == want {
		return cs, true
	}
	s.log.WithFields(logrus.Fields{
		"function":   function,
		"peer_id":    peerID,
		"generation": generation,
	}).Debug("Discarding stale history result")
	return nil, false
}

func (s *Session) finishFirstPage(peerID string, generation uint64, page []models.DisplayMessage, historyLen int, err error) {
	cs, ok := s.current("finishFirstPage", peerID, generation, StateOpening)
	if !ok {
		return
	}

	if err != nil {
		s.setState(peerID, cs, StateActive)
		s.reportError(peerID, errors.Wrap(err, "session: load history"))
		return
	}

	s.store.LoadFirstPage(peerID, page, historyLen)
	s.setState(peerID, cs, StateActive)
	s.emit(Event{Type: EventConversationUpdated, PeerID: peerID})
}

func (s *Session) finishLoadMore(peerID string, generation uint64, page []models.DisplayMessage, hasMore bool, err error) {
	cs, ok := s.current("finishLoadMore", peerID, generation, StateLoadingMore)
	if !ok {
		return
	}

	if err != nil {
		s.setState(peerID, cs, StateActive)
		s.reportError(peerID, errors.Wrap(err, "session: load earlier messages"))
		return
	}

	s.store.PrependPage(peerID, page, hasMore)
	s.setState(peerID, cs, StateActive)
	s.emit(Event{Type: EventConversationUpdated, PeerID: peerID})
}

// fetchLatestPage returns page 1 of the history with peerID and the full
// history length.
func (s *Session) fetchLatestPage(ctx context.Context, peerID string) ([]models.DisplayMessage, int, error) {
	history, err := s.fetchHistory(ctx, peerID)
	if err != nil {
		return nil, 0, err
	}
	start, end := conversation.PageBounds(len(history), 1, s.store.PageSize())
	return s.projectHistory(ctx, peerID, history[start:end]), len(history), nil
}

// fetchOlderPage returns the page after cursor, sliced against the history
// length frozen at the first fetch.
func (s *Session) fetchOlderPage(ctx context.Context, peerID string, cursor conversation.Cursor) ([]models.DisplayMessage, bool, error) {
	history, err := s.fetchHistory(ctx, peerID)
	if err != nil {
		return nil, false, err
	}

	page, start, end := cursor.Next(s.store.PageSize())
	if end > len(history) {
		end = len(history)
	}
	if start > end {
		start = end
	}
	return s.projectHistory(ctx, peerID, history[start:end]), page < cursor.TotalPages, nil
}
