package session

import "errors"

// Sentinel errors for session lifecycle and cache lookups.
var (
	// ErrConversationNotFound means neither cache tier holds the
	// conversation. A double miss is a legitimate lookup result surfaced as
	// an error kind, not a storage failure.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrConversationCleared means the conversation was destroyed and the
	// caller holds a stale reference.
	ErrConversationCleared = errors.New("conversation cleared")
	// ErrRollbackFailed means state could not be restored after a failed
	// turn. It indicates another writer mutated the latest pointers while
	// the turn lock was held, which the FIFO lock is supposed to exclude.
	ErrRollbackFailed = errors.New("rollback failed")
	// ErrNoTurnToRetry means Retry was called before any completed turn.
	ErrNoTurnToRetry = errors.New("no turn to retry")
)
