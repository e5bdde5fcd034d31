// Package session coordinates conversations for one logged-in user: opening
// and paging history, sealing outgoing messages and routing inbound push
// events into the conversation store.
//
// Every mutation of conversation state happens on a single actor goroutine.
// Network and cipher work runs on worker goroutines that post their results
// back to the actor tagged with the conversation generation they were issued
// under; results from a closed or refreshed conversation are dropped.
package session

import (
	"context"
	"crypto/rsa"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"zecret/api"
	"zecret/conversation"
	"zecret/crypto"
	"zecret/dedup"
	"zecret/keydir"
	"zecret/models"
	"zecret/presence"
	"zecret/push"
)

const roomOpTimeout = 10 * time.Second

type roomOp struct {
	join bool
	room string
}

// Session is the sync controller of one logged-in user.
type Session struct {
	opts       Options
	self       models.User
	privateKey *rsa.PrivateKey
	log        *logrus.Entry

	api      api.Client
	push     push.Channel
	keys     *keydir.Directory
	store    *conversation.Store
	presence *presence.Tracker

	requests chan func()
	rooms    chan roomOp
	events   chan Event

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	// Owned by the actor goroutine.
	conversations map[string]*conversationState
	active        string
	echoes        map[string]struct{}

	// mu guards the read-only mirrors used by State and ActiveConversation.
	mu         sync.RWMutex
	states     map[string]State
	activePeer string
	stopped    bool

	// closers release resources the session opened itself.
	closers []func() error
}

// New validates opts and builds a session. Call Start before use.
func New(opts Options) (*Session, error) {
	opts = opts.withDefaults()
	creds := opts.Credentials
	if creds.UserID == "" {
		return nil, errors.New("session: user id is required")
	}
	if opts.API == nil {
		return nil, errors.New("session: api client is required")
	}
	if opts.Push == nil {
		return nil, errors.New("session: push channel is required")
	}

	privateKey, err := crypto.ParsePrivateKey(creds.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "session: load private key")
	}

	keys := keydir.New(opts.API)
	if creds.PublicKey != "" {
		if _, err := keys.Prime(creds.UserID, creds.PublicKey); err != nil {
			return nil, errors.Wrap(err, "session: load public key")
		}
	}

	tracker, err := presence.NewTracker(opts.API, presence.Config{
		SelfUserID:      creds.UserID,
		RefreshInterval: opts.PresenceInterval,
		Logger:          opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Session{
		opts:          opts,
		self:          creds.User(),
		privateKey:    privateKey,
		log:           opts.Logger.WithFields(logrus.Fields{"component": "session", "user_id": creds.UserID}),
		api:           opts.API,
		push:          opts.Push,
		keys:          keys,
		store:         conversation.NewStore(dedup.New(opts.Dedup), opts.PageSize),
		presence:      tracker,
		requests:      make(chan func()),
		rooms:         make(chan roomOp, 64),
		events:        make(chan Event, opts.EventBuffer),
		conversations: make(map[string]*conversationState),
		echoes:        make(map[string]struct{}),
		states:        make(map[string]State),
	}, nil
}

// Start launches the actor, the room subscriber and presence polling.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())

		s.wg.Add(3)
		go s.loop()
		go s.roomLoop()
		go s.forwardPresence()
		s.presence.Start()
	})
}

// Stop cancels in-flight work, closes the push channel, any resource opened
// by Connect and the event stream. The session cannot be restarted.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.presence.Stop()
		s.wg.Wait()

		if err := s.push.Close(); err != nil {
			s.log.WithField("function", "Stop").WithError(err).Debug("Closing push channel failed")
		}
		for _, closeFn := range s.closers {
			if err := closeFn(); err != nil {
				s.log.WithField("function", "Stop").WithError(err).Warn("Releasing session resource failed")
			}
		}

		s.mu.Lock()
		s.stopped = true
		close(s.events)
		s.mu.Unlock()
	})
}

// Events streams UI updates until Stop.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Self returns the local user.
func (s *Session) Self() models.User {
	return s.self
}

// Keys exposes the session key directory.
func (s *Session) Keys() *keydir.Directory {
	return s.keys
}

// Snapshot returns a copy of a conversation.
func (s *Session) Snapshot(peerID string) (conversation.Conversation, bool) {
	return s.store.Snapshot(peerID)
}

// Conversations lists the peers with a known conversation.
func (s *Session) Conversations() []string {
	return s.store.IDs()
}

// State returns the state of the conversation with peerID.
func (s *Session) State(peerID string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[peerID]
}

// ActiveConversation returns the peer of the open conversation, if any.
func (s *Session) ActiveConversation() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activePeer
}

// OnlineUsers refreshes and returns the online-user list. On failure the
// previous list is kept and one error notification is emitted.
func (s *Session) OnlineUsers(ctx context.Context) ([]models.User, error) {
	if s.ctx == nil {
		return nil, ErrNotStarted
	}
	if err := s.presence.Refresh(ctx); err != nil {
		return s.presence.Users(), err
	}
	return s.presence.Users(), nil
}

func (s *Session) loop() {
	defer s.wg.Done()

	pushEvents := s.push.Events()
	for {
		select {
		case fn := <-s.requests:
			fn()
		case event, ok := <-pushEvents:
			if !ok {
				s.log.WithField("function", "loop").Warn("Push channel closed")
				pushEvents = nil
				continue
			}
			s.handlePushEvent(event)
		case <-s.ctx.Done():
			for _, cs := range s.conversations {
				if cs.cancel != nil {
					cs.cancel()
				}
			}
			return
		}
	}
}

// call runs fn on the actor and waits for its result.
func (s *Session) call(ctx context.Context, fn func() error) error {
	if s.ctx == nil {
		return ErrNotStarted
	}

	done := make(chan error, 1)
	request := func() { done <- fn() }

	select {
	case s.requests <- request:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrSessionClosed
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

// post hands fn to the actor. It is dropped once the session stops.
func (s *Session) post(fn func()) {
	select {
	case s.requests <- fn:
	case <-s.ctx.Done():
	}
}

// goAsync must be called from the actor goroutine.
func (s *Session) goAsync(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Session) roomLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.rooms:
			ctx, cancel := context.WithTimeout(s.ctx, roomOpTimeout)
			var err error
			if op.join {
				err = s.push.Join(ctx, op.room, s.self.ID)
			} else {
				err = s.push.Leave(ctx, op.room)
			}
			cancel()
			if err != nil && s.ctx.Err() == nil {
				s.log.WithFields(logrus.Fields{
					"function": "roomLoop",
					"room":     op.room,
					"join":     op.join,
				}).WithError(err).Warn("Room subscription failed")
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) enqueueRoom(op roomOp) {
	select {
	case s.rooms <- op:
	case <-s.ctx.Done():
	}
}

func (s *Session) forwardPresence() {
	defer s.wg.Done()

	for event := range s.presence.Events() {
		event := event
		if event.Type == presence.EventRefreshFailed {
			s.reportError("", errors.Wrap(event.Err, "session: refresh online users"))
			continue
		}
		s.emit(Event{Type: EventPresence, Presence: &event})
	}
}

func (s *Session) conversation(peerID string) *conversationState {
	cs, ok := s.conversations[peerID]
	if !ok {
		cs = &conversationState{}
		s.conversations[peerID] = cs
	}
	return cs
}

func (s *Session) setState(peerID string, cs *conversationState, state State) {
	if cs.state == state {
		return
	}
	cs.state = state

	s.mu.Lock()
	s.states[peerID] = state
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"function": "setState",
		"peer_id":  peerID,
		"state":    state.String(),
	}).Debug("Conversation state changed")
	s.emit(Event{Type: EventStateChanged, PeerID: peerID, State: state})
}

func (s *Session) setActive(peerID string) {
	s.active = peerID
	s.mu.Lock()
	s.activePeer = peerID
	s.mu.Unlock()
}

func (s *Session) emit(event Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.events <- event:
	default:
	}
}

func (s *Session) notify(n Notification) {
	if s.opts.Notifier == nil {
		return
	}
	go s.opts.Notifier.Notify(n)
}

func (s *Session) reportError(peerID string, err error) {
	s.log.WithFields(logrus.Fields{
		"function": "reportError",
		"peer_id":  peerID,
	}).WithError(err).Warn("Operation failed")
	s.emit(Event{Type: EventError, PeerID: peerID, Err: err})
	s.notify(Notification{Kind: NotifyError, PeerID: peerID, Err: err})
}
