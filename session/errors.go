package session

import "github.com/pkg/errors"

var (
	// ErrNoActiveConversation is returned by operations that need an open
	// conversation.
	ErrNoActiveConversation = errors.New("session: no active conversation")
	// ErrLoadInFlight is returned when a history load is already running for
	// the active conversation. The request is dropped, not queued.
	ErrLoadInFlight = errors.New("session: history load already in flight")
	// ErrNoMoreHistory is returned by LoadMore once every page is loaded.
	ErrNoMoreHistory = errors.New("session: no more history")
	// ErrSessionClosed is returned after Stop.
	ErrSessionClosed = errors.New("session: closed")
	// ErrNotStarted is returned before Start.
	ErrNotStarted = errors.New("session: not started")
	// ErrEmptyMessage is returned by Send for blank text.
	ErrEmptyMessage = errors.New("session: message is empty")
)
