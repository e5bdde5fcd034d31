// Package push is the real-time event channel with room semantics.
package push

import "context"

// Channel is the push transport used by a session. Publish is best effort.
type Channel interface {
	Join(ctx context.Context, room, userID string) error
	Leave(ctx context.Context, room string) error
	Publish(ctx context.Context, msg OutboundMessage) error
	// Events yields inbound events until the channel is closed.
	Events() <-chan Event
	Close() error
}
