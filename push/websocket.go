package push

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Options configures a WebSocket channel.
type Options struct {
	// URL is the ws:// or wss:// endpoint of the relay.
	URL string
	// Token is sent as the token query parameter.
	Token string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration

	// ReconnectInitialInterval and ReconnectMaxInterval shape the
	// exponential backoff used after the connection drops.
	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
	// DisableReconnect closes the event stream on the first read error.
	DisableReconnect bool

	EventBuffer int
	Logger      *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.ReconnectInitialInterval <= 0 {
		o.ReconnectInitialInterval = 500 * time.Millisecond
	}
	if o.ReconnectMaxInterval <= 0 {
		o.ReconnectMaxInterval = 30 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// WebSocket is a Channel over one JSON-framed WebSocket connection. It
// redials with backoff when the connection drops and rejoins its rooms.
type WebSocket struct {
	opts   Options
	target string
	dialer *websocket.Dialer
	log    *logrus.Entry

	writeMu sync.Mutex

	mu    sync.Mutex
	conn  *websocket.Conn
	rooms map[string]string

	events chan Event

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ Channel = (*WebSocket)(nil)

// Dial connects to the relay and starts reading events.
func Dial(ctx context.Context, opts Options) (*WebSocket, error) {
	opts = opts.withDefaults()

	target, err := url.Parse(opts.URL)
	if err != nil {
		return nil, errors.Wrap(err, "push: parse URL")
	}
	if target.Scheme != "ws" && target.Scheme != "wss" {
		return nil, errors.Errorf("push: unsupported URL scheme %q", target.Scheme)
	}
	if opts.Token != "" {
		query := target.Query()
		query.Set("token", opts.Token)
		target.RawQuery = query.Encode()
	}

	w := &WebSocket{
		opts:   opts,
		target: target.String(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		log:    opts.Logger.WithField("component", "push"),
		rooms:  make(map[string]string),
		events: make(chan Event, opts.EventBuffer),
	}

	conn, err := w.dial(ctx)
	if err != nil {
		return nil, err
	}
	w.conn = conn
	w.ctx, w.cancel = context.WithCancel(context.Background())

	w.wg.Add(2)
	go w.readLoop()
	go w.pingLoop()
	return w, nil
}

// Events yields inbound events. The channel is closed by Close, or after a
// read error when reconnecting is disabled.
func (w *WebSocket) Events() <-chan Event {
	return w.events
}

// Join subscribes to room and remembers it for reconnects.
func (w *WebSocket) Join(ctx context.Context, room, userID string) error {
	if room == "" {
		return errors.New("push: room is required")
	}
	w.mu.Lock()
	w.rooms[room] = userID
	w.mu.Unlock()
	return w.send(ctx, EventJoin, JoinRequest{Room: room, UserID: userID})
}

// Leave unsubscribes from room.
func (w *WebSocket) Leave(ctx context.Context, room string) error {
	w.mu.Lock()
	delete(w.rooms, room)
	w.mu.Unlock()
	return w.send(ctx, EventLeave, LeaveRequest{Room: room})
}

// Publish sends an envelope to a room.
func (w *WebSocket) Publish(ctx context.Context, msg OutboundMessage) error {
	if msg.Room == "" {
		return errors.New("push: room is required")
	}
	return w.send(ctx, EventMessage, msg)
}

// Close shuts the connection down and closes the event stream.
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.cancel()

		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()

		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = conn.Close()
		w.wg.Wait()
		close(w.events)
	})
	return err
}

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := w.dialer.DialContext(ctx, w.target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "push: dial (status %d)", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "push: dial")
	}
	conn.SetReadLimit(MaxFrameSize)
	return conn, nil
}

func (w *WebSocket) current() *websocket.Conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn
}

func (w *WebSocket) send(ctx context.Context, event string, data interface{}) error {
	if w.ctx.Err() != nil {
		return ErrClosed
	}
	payload, err := EncodeFrame(event, data)
	if err != nil {
		return err
	}
	return w.write(ctx, w.current(), payload)
}

func (w *WebSocket) write(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	deadline := time.Now().Add(w.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return errors.Wrap(err, "push: set write deadline")
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.Wrap(err, "push: write frame")
	}
	return nil
}

func (w *WebSocket) readLoop() {
	defer w.wg.Done()

	for {
		conn := w.current()
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			w.log.WithFields(logrus.Fields{
				"function": "readLoop",
			}).WithError(err).Warn("Push connection lost")

			if w.opts.DisableReconnect || !w.reconnect() {
				w.shutdownStream()
				return
			}
			continue
		}

		event, err := DecodeEvent(payload)
		if err != nil {
			w.log.WithFields(logrus.Fields{
				"function": "readLoop",
			}).WithError(err).Debug("Dropping malformed frame")
			continue
		}

		select {
		case w.events <- event:
		case <-w.ctx.Done():
			return
		}
	}
}

// shutdownStream ends the event stream after a terminal read error.
func (w *WebSocket) shutdownStream() {
	go func() { _ = w.Close() }()
	<-w.ctx.Done()
}

func (w *WebSocket) reconnect() bool {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.opts.ReconnectInitialInterval
	policy.MaxInterval = w.opts.ReconnectMaxInterval
	policy.MaxElapsedTime = 0

	var conn *websocket.Conn
	err := backoff.RetryNotify(func() error {
		c, err := w.dial(w.ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(policy, w.ctx), func(err error, next time.Duration) {
		w.log.WithFields(logrus.Fields{
			"function": "reconnect",
			"retry_in": next.String(),
		}).WithError(err).Debug("Redial failed")
	})
	if err != nil {
		return false
	}

	w.mu.Lock()
	old := w.conn
	w.conn = conn
	rooms := make(map[string]string, len(w.rooms))
	for room, userID := range w.rooms {
		rooms[room] = userID
	}
	w.mu.Unlock()
	_ = old.Close()
	if w.ctx.Err() != nil {
		_ = conn.Close()
		return false
	}

	for room, userID := range rooms {
		payload, err := EncodeFrame(EventJoin, JoinRequest{Room: room, UserID: userID})
		if err != nil {
			continue
		}
		if err := w.write(w.ctx, conn, payload); err != nil {
			w.log.WithFields(logrus.Fields{
				"function": "reconnect",
				"room":     room,
			}).WithError(err).Warn("Rejoin failed")
		}
	}

	w.log.WithField("rooms", len(rooms)).Info("Push connection restored")
	return true
}

func (w *WebSocket) pingLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(w.opts.WriteTimeout)
			if err := w.current().WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				w.log.WithError(err).Debug("Ping failed")
			}
		case <-w.ctx.Done():
			return
		}
	}
}
