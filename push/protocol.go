package push

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"zecret/crypto"
	"zecret/models"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (1 MB).
	MaxFrameSize = 1 << 20
	// DefaultHandshakeTimeout bounds the WebSocket dial and upgrade.
	DefaultHandshakeTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds each frame write without a ctx deadline.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultPingInterval sends a ping on the connection.
	DefaultPingInterval = 25 * time.Second
)

// Event names on the wire.
const (
	EventJoin        = "join"
	EventLeave       = "leave"
	EventMessage     = "message"
	EventMessageSent = "message_sent"
	EventUserOnline  = "user_online"
	EventUserOffline = "user_offline"
	EventJoined      = "joined"
	EventLeft        = "left"
	EventError       = "error"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("push: frame exceeds max size")
	// ErrInvalidEvent indicates the event name is missing.
	ErrInvalidEvent = errors.New("push: invalid event")
	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = errors.New("push: channel closed")
)

// Frame is the JSON unit exchanged over the channel.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRequest subscribes to a room.
type JoinRequest struct {
	Room   string `json:"room"`
	UserID string `json:"user_id,omitempty"`
}

// LeaveRequest unsubscribes from a room.
type LeaveRequest struct {
	Room string `json:"room"`
}

// OutboundMessage publishes an envelope to a room.
type OutboundMessage struct {
	Room          string                `json:"room"`
	SecureMessage crypto.SealedEnvelope `json:"secure_message"`
	Sender        models.User           `json:"sender"`
	ID            string                `json:"id,omitempty"`
}

// InboundMessage is an envelope delivered live.
type InboundMessage struct {
	ID            string                `json:"id"`
	Sender        models.User           `json:"sender"`
	SecureMessage crypto.SealedEnvelope `json:"secure_message"`
	// Timestamp is the relay's receive time.
	Timestamp string `json:"timestamp,omitempty"`
}

// UnmarshalJSON accepts the sender as an object or a bare id.
func (m *InboundMessage) UnmarshalJSON(data []byte) error {
	type plain InboundMessage
	var raw struct {
		plain
		Sender json.RawMessage `json:"sender"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "decode message")
	}

	*m = InboundMessage(raw.plain)
	sender := bytes.TrimSpace(raw.Sender)
	switch {
	case len(sender) == 0 || bytes.Equal(sender, []byte("null")):
		m.Sender = models.User{ID: m.SecureMessage.SenderID}
	case sender[0] == '"':
		if err := json.Unmarshal(sender, &m.Sender.ID); err != nil {
			return errors.Wrap(err, "decode sender")
		}
	default:
		if err := json.Unmarshal(sender, &m.Sender); err != nil {
			return errors.Wrap(err, "decode sender")
		}
	}
	return nil
}

// SentAt is the envelope timestamp, or the relay's when the envelope has none.
func (m InboundMessage) SentAt() (time.Time, error) {
	if m.SecureMessage.Timestamp != "" {
		return m.SecureMessage.SentAt()
	}
	return crypto.ParseTimestamp(m.Timestamp)
}

type presencePayload struct {
	User models.User `json:"user"`
}

type roomPayload struct {
	Room string `json:"room"`
	With string `json:"with,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type messageSentPayload struct {
	ID      string `json:"id"`
	Room    string `json:"room"`
	Success bool   `json:"success"`
}

// Event is a decoded inbound frame.
type Event struct {
	Name    string
	Message *InboundMessage
	User    *models.User
	Room    string
	// ID is set for message_sent acknowledgements.
	ID    string
	Error string
}

// RoomName returns the room shared by two users: both ids sorted and joined
// with "_".
func RoomName(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// EncodeFrame serializes an event with its payload.
func EncodeFrame(event string, data interface{}) ([]byte, error) {
	if event == "" {
		return nil, ErrInvalidEvent
	}
	frame := Frame{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s payload", event)
		}
		frame.Data = raw
	}

	out, err := json.Marshal(frame)
	if err != nil {
		return nil, errors.Wrap(err, "encode frame")
	}
	if len(out) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return out, nil
}

// DecodeEvent parses an inbound frame. Unknown event names decode to an
// Event carrying only the name.
func DecodeEvent(payload []byte) (Event, error) {
	if len(payload) > MaxFrameSize {
		return Event{}, ErrFrameTooLarge
	}

	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return Event{}, errors.Wrap(err, "decode frame")
	}
	if frame.Event == "" {
		return Event{}, ErrInvalidEvent
	}

	event := Event{Name: frame.Event}
	switch frame.Event {
	case EventMessage:
		var msg InboundMessage
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			return Event{}, err
		}
		event.Message = &msg
	case EventUserOnline, EventUserOffline:
		var p presencePayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return Event{}, errors.Wrapf(err, "decode %s", frame.Event)
		}
		if p.User.ID == "" {
			return Event{}, errors.Errorf("decode %s: user id is required", frame.Event)
		}
		event.User = &p.User
	case EventJoined, EventLeft:
		var p roomPayload
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, &p); err != nil {
				return Event{}, errors.Wrapf(err, "decode %s", frame.Event)
			}
		}
		event.Room = p.Room
	case EventMessageSent:
		var p messageSentPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return Event{}, errors.Wrap(err, "decode message_sent")
		}
		event.ID = p.ID
		event.Room = p.Room
	case EventError:
		var p errorPayload
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, &p); err != nil {
				return Event{}, errors.Wrap(err, "decode error")
			}
		}
		event.Error = p.Message
	}
	return event, nil
}
