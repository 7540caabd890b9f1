package session

import (
	"context"

	"github.com/conversekit/converse/core/convo"
)

// EventKind identifies a state-changing conversation transition. Listeners
// register for one kind, or EventAll to observe every transition.
type EventKind string

const (
	EventInit    EventKind = "init"
	EventSend    EventKind = "send"
	EventReceive EventKind = "receive"
	EventRetry   EventKind = "retry"
	EventClear   EventKind = "clear"
	EventAll     EventKind = "all"
)

// Event describes one completed transition. Message is the message the
// transition produced, when there is one.
type Event struct {
	Kind           EventKind
	ConversationID string
	Sender         string
	Message        convo.Message
}

// Handler observes a conversation event. Handlers run synchronously after
// the transition, in registration order; a returned error is logged and
// does not block the transition or later handlers.
type Handler func(ctx context.Context, ev Event) error

type listenerEntry struct {
	kind    EventKind
	handler Handler
}
