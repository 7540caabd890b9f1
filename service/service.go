// Package service exposes the session engine's top-level façade: it creates
// and looks up conversations through the two-tier cache, binds backend
// adapters via the registry, and republishes every session-changing event
// into the cold tier for crash consistency.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/conversekit/converse/adapter"
	"github.com/conversekit/converse/core/convo"
	"github.com/conversekit/converse/observability"
	"github.com/conversekit/converse/session"
	"github.com/conversekit/converse/store"
)

// Engine event types emitted to the observer.
const (
	EventSessionResolve observability.EventType = "session.resolve"
	EventSessionInit    observability.EventType = "session.init"
	EventSessionClear   observability.EventType = "session.clear"
	EventSessionDestroy observability.EventType = "session.destroy"
	EventTurnSend       observability.EventType = "turn.send"
	EventTurnReceive    observability.EventType = "turn.receive"
	EventTurnRetry      observability.EventType = "turn.retry"
	EventTurnRollback   observability.EventType = "turn.rollback"
)

// Option configures a Service after config-driven initialization.
type Option func(*Service)

// WithObserver overrides the default slog observer.
func WithObserver(o observability.Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service is the conversational-session engine façade.
type Service struct {
	registry *adapter.Registry
	cache    *session.Cache
	runtime  session.Config
	observer observability.Observer
	logger   *slog.Logger

	// createMu serializes the create path so two concurrent Resolves for
	// the same key cannot both build a fresh conversation.
	createMu sync.Mutex
}

// New creates a Service over the given adapter registry and cold store.
func New(registry *adapter.Registry, cold store.Store, cfg Config, opts ...Option) *Service {
	s := &Service{
		registry: registry,
		runtime:  cfg.Session,
		observer: observability.NewSlogObserver(slog.Default()),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.cache = session.NewCache(registry, cold, cfg.Session, cfg.TTL(), s.logger)
	s.cache.Rehydrated = s.attachListeners
	return s
}

// Cache exposes the two-tier cache, mainly for tests and operational
// inspection.
func (s *Service) Cache() *session.Cache {
	return s.cache
}

// Resolve returns the live conversation for sender and config, rehydrating
// from the durable tier on a hot miss and creating a fresh conversation on
// a double miss. Adapter selection runs before any lock is taken, so
// configuration errors surface immediately.
func (s *Service) Resolve(ctx context.Context, sender string, cfg convo.Config) (*session.Conversation, error) {
	key := session.Key(sender, cfg.AdapterLabel)

	conv, err := s.cache.Get(ctx, key)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, session.ErrConversationNotFound) {
		return nil, err
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	// Another caller may have created the conversation while we waited.
	if conv, err := s.cache.Get(ctx, key); err == nil {
		return conv, nil
	}

	a, err := s.registry.Select(cfg)
	if err != nil {
		return nil, err
	}

	conv = session.New(sender, cfg, a, s.runtime, s.logger)
	s.attachListeners(key, conv)

	if err := conv.Init(ctx); err != nil {
		return nil, err
	}

	s.cache.Put(key, conv)
	if err := s.cache.WriteThrough(ctx, key, conv); err != nil {
		s.logger.Warn("initial write-through failed", "key", key, "error", err)
	}

	s.emit(ctx, EventSessionResolve, observability.LevelInfo, map[string]any{
		"sender":       sender,
		"conversation": conv.ID(),
		"adapter":      a.Label(),
		"created":      true,
	})
	return conv, nil
}

// Ask resolves the sender's conversation and runs one turn on it. sink, when
// non-nil, receives incremental reply text from streaming adapters.
func (s *Service) Ask(ctx context.Context, sender string, cfg convo.Config, text string, fragments []convo.ContextFragment, sink func(string)) (convo.Message, error) {
	conv, err := s.Resolve(ctx, sender, cfg)
	if err != nil {
		return convo.Message{}, err
	}

	reply, err := conv.Ask(ctx, text, fragments, sink)
	if err != nil {
		s.observeTurnFailure(ctx, conv, err)
		return convo.Message{}, err
	}
	return reply, nil
}

// Retry re-issues the previous user message on the sender's conversation.
func (s *Service) Retry(ctx context.Context, sender string, cfg convo.Config, sink func(string)) (convo.Message, error) {
	conv, err := s.Resolve(ctx, sender, cfg)
	if err != nil {
		return convo.Message{}, err
	}

	reply, err := conv.Retry(ctx, sink)
	if err != nil {
		s.observeTurnFailure(ctx, conv, err)
		return convo.Message{}, err
	}
	return reply, nil
}

// Continue asks the sender's conversation to keep going with the configured
// continuation prompt.
func (s *Service) Continue(ctx context.Context, sender string, cfg convo.Config, sink func(string)) (convo.Message, error) {
	conv, err := s.Resolve(ctx, sender, cfg)
	if err != nil {
		return convo.Message{}, err
	}

	reply, err := conv.Continue(ctx, sink)
	if err != nil {
		s.observeTurnFailure(ctx, conv, err)
		return convo.Message{}, err
	}
	return reply, nil
}

// Clear waits out in-flight turns on the sender's conversation for the
// given adapter label and resets it, returning the number of messages
// removed. A conversation that exists in neither tier yields
// ErrConversationNotFound.
func (s *Service) Clear(ctx context.Context, sender, label string) (int, error) {
	conv, err := s.cache.Get(ctx, session.Key(sender, label))
	if err != nil {
		return 0, err
	}
	return conv.Clear(ctx)
}

// ClearAll destroys every conversation belonging to sender in both tiers.
func (s *Service) ClearAll(ctx context.Context, sender string) error {
	removed, err := s.cache.DeleteAll(ctx, sender)
	if err != nil {
		return err
	}

	s.emit(ctx, EventSessionDestroy, observability.LevelInfo, map[string]any{
		"sender":  sender,
		"removed": len(removed),
	})
	return nil
}

// attachListeners wires persistence and observability to a conversation.
// Registered on creation and re-registered on every rehydration, since
// listeners are runtime state the snapshot does not carry.
func (s *Service) attachListeners(key string, conv *session.Conversation) {
	conv.OnEvent(session.EventAll, func(ctx context.Context, ev session.Event) error {
		return s.cache.WriteThrough(ctx, key, conv)
	})
	conv.OnEvent(session.EventAll, func(ctx context.Context, ev session.Event) error {
		s.emit(ctx, eventTypeFor(ev.Kind), observability.LevelVerbose, map[string]any{
			"sender":       ev.Sender,
			"conversation": ev.ConversationID,
			"message":      ev.Message.ID,
		})
		return nil
	})
}

func (s *Service) observeTurnFailure(ctx context.Context, conv *session.Conversation, err error) {
	if !errors.Is(err, adapter.ErrRequestFailed) && !errors.Is(err, session.ErrRollbackFailed) {
		return
	}

	level := observability.LevelWarning
	if errors.Is(err, session.ErrRollbackFailed) {
		level = observability.LevelError
	}
	s.emit(ctx, EventTurnRollback, level, map[string]any{
		"conversation": conv.ID(),
		"sender":       conv.Sender(),
		"error":        err.Error(),
	})
}

func (s *Service) emit(ctx context.Context, t observability.EventType, level observability.Level, data map[string]any) {
	s.observer.OnEvent(ctx, observability.Event{
		Type:      t,
		Level:     level,
		Timestamp: time.Now(),
		Source:    "service",
		Data:      data,
	})
}

func eventTypeFor(kind session.EventKind) observability.EventType {
	switch kind {
	case session.EventInit:
		return EventSessionInit
	case session.EventSend:
		return EventTurnSend
	case session.EventReceive:
		return EventTurnReceive
	case session.EventRetry:
		return EventTurnRetry
	case session.EventClear:
		return EventSessionClear
	default:
		return observability.EventType("session." + string(kind))
	}
}
