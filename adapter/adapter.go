// Package adapter defines the backend adapter contract and the registry
// through which the session layer selects adapters without knowing backend
// wire details.
package adapter

import (
	"context"

	"github.com/conversekit/converse/core/convo"
)

// Request carries one turn's input to an adapter.
type Request struct {
	// ConversationID identifies the conversation the turn belongs to.
	ConversationID string
	// History is the linear message chain preceding this turn, oldest first.
	History []convo.Message
	// Message is the user message for this turn. Content has already been
	// rendered through the conversation's prompt template and inject mode.
	Message convo.Message
	// Sink, when non-nil, receives the growing reply text as the backend
	// streams. Streaming adapters call it from the turn's goroutine only.
	Sink func(partial string)
}

// Adapter is implemented by each model backend. A conversation is bound to
// exactly one adapter for its lifetime; the binding is chosen at creation by
// label match or default-adapter policy.
type Adapter interface {
	// Label identifies the adapter for config-driven selection.
	Label() string
	// Default reports whether this adapter serves conversations whose
	// config names no label.
	Default() bool
	// SupportsInject reports whether the backend accepts structured context
	// fragments natively.
	SupportsInject() bool
	// Init prepares the adapter for a conversation. Called exactly once per
	// conversation before the first turn.
	Init(ctx context.Context, cfg convo.Config) error
	// Ask performs one turn and returns the model reply. Streaming
	// implementations drive a reconciler internally and surface incremental
	// text through req.Sink before returning.
	Ask(ctx context.Context, req Request) (convo.Message, error)
	// Clear resets any backend-side conversation state.
	Clear(ctx context.Context) error
	// Dispose releases adapter resources.
	Dispose() error
}
