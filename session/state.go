package session

import "context"

// State is the lifecycle state of one conversation.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateActive
	StateLoadingMore
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateLoadingMore:
		return "loading_more"
	default:
		return "unknown"
	}
}

// conversationState is owned by the actor goroutine.
type conversationState struct {
	state State
	// generation increments on every open, close and refresh. Async results
	// carry the generation they were issued under and are dropped on
	// mismatch.
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc
}
