// Package presence keeps the list of users currently online.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"zecret/models"
	"zecret/push"
)

const (
	// DefaultRefreshInterval is the background poll interval.
	DefaultRefreshInterval = 30 * time.Second
	// DefaultRefreshTimeout bounds each poll.
	DefaultRefreshTimeout = 10 * time.Second
)

const (
	// EventUserOnline is emitted when a user appears or is renamed.
	EventUserOnline EventType = "user_online"
	// EventUserOffline is emitted when a user disappears.
	EventUserOffline EventType = "user_offline"
	// EventRefreshFailed is emitted once per failed poll.
	EventRefreshFailed EventType = "refresh_failed"
)

var errStopped = errors.New("presence: tracker is stopped")

// EventType identifies presence updates.
type EventType string

// Event carries presence updates for the UI.
type Event struct {
	Type EventType
	User models.User
	Err  error
}

// Lister fetches the online-user list.
type Lister interface {
	OnlineUsers(ctx context.Context) ([]models.User, error)
}

// Config controls the tracker.
type Config struct {
	SelfUserID      string
	RefreshInterval time.Duration
	RefreshTimeout  time.Duration
	Logger          *logrus.Logger
}

func (c Config) withDefaults() Config {
	out := c
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.RefreshTimeout <= 0 {
		out.RefreshTimeout = DefaultRefreshTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Tracker merges periodic polls with live presence events.
type Tracker struct {
	cfg    Config
	lister Lister
	log    *logrus.Entry

	mu      sync.RWMutex
	users   map[string]models.User
	stopped bool

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewTracker creates a tracker with config defaults applied.
func NewTracker(lister Lister, config Config) (*Tracker, error) {
	if lister == nil {
		return nil, errors.New("presence: lister is required")
	}
	cfg := config.withDefaults()

	return &Tracker{
		cfg:             cfg,
		lister:          lister,
		log:             cfg.Logger.WithField("component", "presence"),
		users:           make(map[string]models.User),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background polling.
func (t *Tracker) Start() {
	t.startOnce.Do(func() {
		t.ctx, t.cancel = context.WithCancel(context.Background())
		t.wg.Add(1)
		go t.loop()
	})
}

// Stop stops polling and closes the event stream.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.wg.Wait()

		t.mu.Lock()
		t.stopped = true
		close(t.events)
		t.mu.Unlock()
	})
}

// Events provides asynchronous presence updates. Slow readers miss events.
func (t *Tracker) Events() <-chan Event {
	return t.events
}

// Refresh polls immediately. On failure the list is left untouched.
func (t *Tracker) Refresh(ctx context.Context) error {
	if t.ctx == nil {
		return errors.New("presence: tracker is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case t.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return errStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return errStopped
	}
}

// Users returns the online users sorted by display name.
func (t *Tracker) Users() []models.User {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.User, 0, len(t.users))
	for _, user := range t.users {
		out = append(out, user)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].ID < out[j].ID
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// IsOnline reports whether userID is in the list.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.users[userID]
	return ok
}

// Apply folds a push presence event into the list. It reports whether the
// event was a presence event.
func (t *Tracker) Apply(event push.Event) bool {
	if event.User == nil {
		return false
	}
	user := *event.User
	if user.ID == "" || user.ID == t.cfg.SelfUserID {
		return event.Name == push.EventUserOnline || event.Name == push.EventUserOffline
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch event.Name {
	case push.EventUserOnline:
		if old, ok := t.users[user.ID]; !ok || old != user {
			t.users[user.ID] = user
			t.emitEvent(Event{Type: EventUserOnline, User: user})
		}
	case push.EventUserOffline:
		if old, ok := t.users[user.ID]; ok {
			delete(t.users, user.ID)
			t.emitEvent(Event{Type: EventUserOffline, User: old})
		}
	default:
		return false
	}
	return true
}

func (t *Tracker) loop() {
	defer t.wg.Done()

	// Prime the list immediately.
	_ = t.poll(context.Background())

	ticker := time.NewTicker(t.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = t.poll(context.Background())
		case req := <-t.refreshRequests:
			req.done <- t.poll(req.ctx)
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Tracker) poll(requestCtx context.Context) error {
	pollCtx, cancel := context.WithTimeout(t.ctx, t.cfg.RefreshTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-pollCtx.Done():
			}
		}()
	}

	users, err := t.lister.OnlineUsers(pollCtx)
	if err != nil {
		if t.ctx.Err() != nil {
			return errStopped
		}
		t.log.WithFields(logrus.Fields{
			"function": "poll",
		}).WithError(err).Warn("Online user refresh failed")

		t.mu.Lock()
		t.emitEvent(Event{Type: EventRefreshFailed, Err: err})
		t.mu.Unlock()
		return errors.Wrap(err, "presence: refresh online users")
	}

	next := make(map[string]models.User, len(users))
	for _, user := range users {
		if user.ID == "" || user.ID == t.cfg.SelfUserID {
			continue
		}
		next[user.ID] = user
	}
	t.applySnapshot(next)
	return nil
}

func (t *Tracker) applySnapshot(next map[string]models.User) {
	t.mu.Lock()
	defer t.mu.Unlock()

	previous := t.users
	t.users = next

	for id, user := range next {
		if old, exists := previous[id]; !exists || old != user {
			t.emitEvent(Event{Type: EventUserOnline, User: user})
		}
	}
	for id, user := range previous {
		if _, exists := next[id]; !exists {
			t.emitEvent(Event{Type: EventUserOffline, User: user})
		}
	}
}

// emitEvent must be called with t.mu held.
func (t *Tracker) emitEvent(event Event) {
	if t.stopped {
		return
	}
	select {
	case t.events <- event:
	default:
	}
}
