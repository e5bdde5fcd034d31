package session

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"zecret/api"
	"zecret/crypto"
	"zecret/models"
	"zecret/push"
	"zecret/storage"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

type testUser struct {
	id   string
	name string
	pair crypto.KeyPair
}

var (
	usersOnce sync.Once
	users     []testUser
	usersErr  error
)

func testUsers(t *testing.T) (alice, bob, carol testUser) {
	t.Helper()

	usersOnce.Do(func() {
		for _, id := range []string{"alice", "bob", "carol"} {
			pair, err := crypto.GenerateKeyPair(crypto.DefaultRSAKeyBits)
			if err != nil {
				usersErr = err
				return
			}
			users = append(users, testUser{id: id, name: "User " + id, pair: pair})
		}
	})
	require.NoError(t, usersErr)
	return users[0], users[1], users[2]
}

type fakeAPI struct {
	mu           sync.Mutex
	keys         map[string]string
	history      map[string][]api.StoredEnvelope
	historyErr   error
	historyGate  chan struct{}
	historyCalls map[string]int
	submitErr    error
	submitGate   chan struct{}
	submitted    []crypto.SealedEnvelope
	nextID       int
	online       []models.User
	onlineErr    error
}

func newFakeAPI(known ...testUser) *fakeAPI {
	f := &fakeAPI{
		keys:         make(map[string]string),
		history:      make(map[string][]api.StoredEnvelope),
		historyCalls: make(map[string]int),
	}
	for _, user := range known {
		f.keys[user.id] = user.pair.PublicKey
	}
	return f
}

func (f *fakeAPI) SubmitMessage(ctx context.Context, envelope crypto.SealedEnvelope) (string, error) {
	f.mu.Lock()
	gate := f.submitGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, envelope)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.nextID++
	id := fmt.Sprintf("srv-%d", f.nextID)
	f.history[envelope.RecipientID] = append(f.history[envelope.RecipientID], api.StoredEnvelope{ID: api.ID(id), SealedEnvelope: envelope})
	return id, nil
}

// FetchHistory ignores ctx while gated so tests can deliver results after a
// conversation was closed.
func (f *fakeAPI) FetchHistory(ctx context.Context, peerID string) ([]api.StoredEnvelope, error) {
	f.mu.Lock()
	f.historyCalls[peerID]++
	gate := f.historyGate
	err := f.historyErr
	history := append([]api.StoredEnvelope(nil), f.history[peerID]...)
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-time.After(waitFor):
		}
	}
	if err != nil {
		return nil, err
	}
	return history, nil
}

func (f *fakeAPI) PublicKey(ctx context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.keys[userID]
	if !ok {
		return "", &api.StatusError{Method: "GET", Path: "/api/users/" + userID + "/public-key", StatusCode: 404, Message: "User not found"}
	}
	return key, nil
}

func (f *fakeAPI) OnlineUsers(ctx context.Context) ([]models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onlineErr != nil {
		return nil, f.onlineErr
	}
	return append([]models.User(nil), f.online...), nil
}

func (f *fakeAPI) addHistory(peerID string, envelopes ...api.StoredEnvelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[peerID] = append(f.history[peerID], envelopes...)
}

func (f *fakeAPI) calls(peerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.historyCalls[peerID]
}

func (f *fakeAPI) set(fn func(f *fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type fakePush struct {
	events    chan push.Event
	published chan push.OutboundMessage
	closeOnce sync.Once

	mu     sync.Mutex
	joined []string
	left   []string
}

func newFakePush() *fakePush {
	return &fakePush{
		events:    make(chan push.Event, 16),
		published: make(chan push.OutboundMessage, 16),
	}
}

func (p *fakePush) Join(ctx context.Context, room, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joined = append(p.joined, room)
	return nil
}

func (p *fakePush) Leave(ctx context.Context, room string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.left = append(p.left, room)
	return nil
}

func (p *fakePush) Publish(ctx context.Context, msg push.OutboundMessage) error {
	select {
	case p.published <- msg:
	default:
	}
	return nil
}

func (p *fakePush) Events() <-chan push.Event {
	return p.events
}

func (p *fakePush) Close() error {
	p.closeOnce.Do(func() { close(p.events) })
	return nil
}

func (p *fakePush) rooms() (joined, left []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.joined...), append([]string(nil), p.left...)
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recordingNotifier) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recordingNotifier) byKind(kind NotificationKind) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.notes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type harness struct {
	session  *Session
	api      *fakeAPI
	push     *fakePush
	archive  *storage.Store
	notifier *recordingNotifier
	alice    testUser
	bob      testUser
	carol    testUser
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()

	alice, bob, carol := testUsers(t)
	archive, err := storage.OpenPath(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &harness{
		api:      newFakeAPI(bob, carol),
		push:     newFakePush(),
		archive:  archive,
		notifier: &recordingNotifier{},
		alice:    alice,
		bob:      bob,
		carol:    carol,
	}
	opts := Options{
		Credentials: models.Credentials{
			UserID:      alice.id,
			DisplayName: alice.name,
			PublicKey:   alice.pair.PublicKey,
			PrivateKey:  alice.pair.PrivateKey,
			Token:       "token",
		},
		API:      h.api,
		Push:     h.push,
		Archive:  archive,
		Notifier: h.notifier,
		Logger:   logger,
	}
	for _, fn := range configure {
		fn(&opts)
	}

	s, err := New(opts)
	require.NoError(t, err)
	s.Start()
	t.Cleanup(s.Stop)
	h.session = s
	return h
}

// seal builds an envelope from one test user to another, stamped at.
func seal(t *testing.T, from, to testUser, text string, at time.Time) crypto.SealedEnvelope {
	t.Helper()

	envelope, err := crypto.SealPEM(text, from.pair.PrivateKey, to.pair.PublicKey, from.id, to.id)
	require.NoError(t, err)
	envelope.Timestamp = crypto.FormatTimestamp(at)
	return envelope
}

func stored(id string, envelope crypto.SealedEnvelope) api.StoredEnvelope {
	return api.StoredEnvelope{ID: api.ID(id), SealedEnvelope: envelope}
}

func inbound(from testUser, id string, envelope crypto.SealedEnvelope) push.Event {
	return push.Event{
		Name: push.EventMessage,
		Message: &push.InboundMessage{
			ID:            id,
			Sender:        models.User{ID: from.id, DisplayName: from.name},
			SecureMessage: envelope,
		},
	}
}

func (h *harness) snapshot(t *testing.T, peerID string) []models.DisplayMessage {
	t.Helper()
	conv, _ := h.session.Snapshot(peerID)
	return conv.Messages
}

func (h *harness) openAndWait(t *testing.T, peer testUser) {
	t.Helper()
	require.NoError(t, h.session.Open(context.Background(), peer.id, peer.name))
	require.Eventually(t, func() bool {
		return h.session.State(peer.id) == StateActive
	}, waitFor, tick)
}

func texts(msgs []models.DisplayMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.Text)
	}
	return out
}
