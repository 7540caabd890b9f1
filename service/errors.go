package service

import (
	"context"
	"errors"

	"github.com/conversekit/converse/adapter"
	"github.com/conversekit/converse/session"
)

// Stable error codes for presentation layers. Codes never change once
// shipped; front ends key contextual messages on them rather than on error
// text.
const (
	CodeNoAdapterFound       = "no_adapter_found"
	CodeAmbiguousAdapter     = "ambiguous_adapter"
	CodeAdapterInitFailed    = "adapter_init_failed"
	CodeAdapterRequestFailed = "adapter_request_failed"
	CodeConversationNotFound = "conversation_not_found"
	CodeConversationCleared  = "conversation_cleared"
	CodeRollbackFailed       = "rollback_failed"
	CodeNoTurnToRetry        = "no_turn_to_retry"
	CodeCancelled            = "cancelled"
	CodeInternal             = "internal"
)

// ErrorCode maps an engine error to its stable code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, adapter.ErrNoAdapter):
		return CodeNoAdapterFound
	case errors.Is(err, adapter.ErrAmbiguousAdapter):
		return CodeAmbiguousAdapter
	case errors.Is(err, adapter.ErrInitFailed):
		return CodeAdapterInitFailed
	case errors.Is(err, session.ErrRollbackFailed):
		return CodeRollbackFailed
	case errors.Is(err, adapter.ErrRequestFailed):
		return CodeAdapterRequestFailed
	case errors.Is(err, session.ErrConversationNotFound):
		return CodeConversationNotFound
	case errors.Is(err, session.ErrConversationCleared):
		return CodeConversationCleared
	case errors.Is(err, session.ErrNoTurnToRetry):
		return CodeNoTurnToRetry
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancelled
	default:
		return CodeInternal
	}
}
