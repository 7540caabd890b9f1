package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/conversekit/converse/adapter"
	"github.com/conversekit/converse/adapter/loopback"
	"github.com/conversekit/converse/core/convo"
	"github.com/conversekit/converse/observability"
	"github.com/conversekit/converse/session"
	"github.com/conversekit/converse/store"
)

type captureObserver struct {
	mu     sync.Mutex
	events []observability.Event
}

func (c *captureObserver) OnEvent(_ context.Context, ev observability.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureObserver) types() []observability.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]observability.EventType, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Type)
	}
	return out
}

func newTestService(t *testing.T) (*Service, store.Store, *captureObserver) {
	t.Helper()

	registry := adapter.NewRegistry()
	if _, err := registry.Register(loopback.New("echo", loopback.WithDefault())); err != nil {
		t.Fatalf("register adapter: %v", err)
	}

	cold := store.NewMemStore()
	obs := &captureObserver{}
	svc := New(registry, cold, DefaultConfig(), WithObserver(obs))
	return svc, cold, obs
}

func TestResolveCreatesOnce(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Resolve(ctx, "alice", convo.Config{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	second, err := svc.Resolve(ctx, "alice", convo.Config{})
	if err != nil {
		t.Fatalf("Resolve again: %v", err)
	}
	if first != second {
		t.Error("second Resolve returned a different conversation")
	}
}

func TestResolveConcurrentSingleCreate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	const callers = 8
	results := make([]*session.Conversation, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := svc.Resolve(ctx, "alice", convo.Config{})
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			results[i] = conv
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different conversation", i)
		}
	}
	if got := svc.Cache().Len(); got != 1 {
		t.Errorf("hot tier holds %d conversations, want 1", got)
	}
}

func TestAskPersistsToColdTier(t *testing.T) {
	svc, cold, _ := newTestService(t)
	ctx := context.Background()

	reply, err := svc.Ask(ctx, "alice", convo.Config{}, "hello", nil, nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if got, want := reply.Content, "echo: hello"; got != want {
		t.Errorf("reply = %q, want %q", got, want)
	}

	raw, err := cold.Get(ctx, session.Table, session.Key("alice", ""))
	if err != nil {
		t.Fatalf("cold tier read: %v", err)
	}
	snap, err := convo.DecodeSnapshot(raw)
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Messages) != 2 {
		t.Errorf("persisted %d messages, want 2", len(snap.Messages))
	}
}

func TestRehydratedConversationKeepsPersisting(t *testing.T) {
	svc, cold, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Ask(ctx, "alice", convo.Config{}, "one", nil, nil); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	// Simulate a restart: hot tier gone, durable tier intact.
	svc.Cache().ResetHot()

	if _, err := svc.Ask(ctx, "alice", convo.Config{}, "two", nil, nil); err != nil {
		t.Fatalf("Ask after rehydrate: %v", err)
	}

	raw, err := cold.Get(ctx, session.Table, session.Key("alice", ""))
	if err != nil {
		t.Fatalf("cold tier read: %v", err)
	}
	snap, err := convo.DecodeSnapshot(raw)
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Messages) != 4 {
		t.Errorf("persisted %d messages after rehydrate, want 4", len(snap.Messages))
	}
}

func TestClearReportsCount(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	svc.Ask(ctx, "alice", convo.Config{}, "one", nil, nil)
	svc.Ask(ctx, "alice", convo.Config{}, "two", nil, nil)

	cleared, err := svc.Clear(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if cleared != 4 {
		t.Errorf("cleared = %d, want 4", cleared)
	}
}

func TestClearUnknownConversation(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Clear(context.Background(), "nobody", "")
	if !errors.Is(err, session.ErrConversationNotFound) {
		t.Errorf("err = %v, want ErrConversationNotFound", err)
	}
}

func TestClearAllRemovesBothTiers(t *testing.T) {
	svc, cold, _ := newTestService(t)
	ctx := context.Background()

	svc.Ask(ctx, "alice", convo.Config{}, "hi", nil, nil)
	svc.Ask(ctx, "bob", convo.Config{}, "hi", nil, nil)

	if err := svc.ClearAll(ctx, "alice"); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}

	if _, err := cold.Get(ctx, session.Table, session.Key("alice", "")); !errors.Is(err, store.ErrKeyNotFound) {
		t.Errorf("alice still in cold tier: %v", err)
	}
	if _, err := cold.Get(ctx, session.Table, session.Key("bob", "")); err != nil {
		t.Errorf("bob evicted too: %v", err)
	}
}

func TestResolveEmitsEvent(t *testing.T) {
	svc, _, obs := newTestService(t)

	if _, err := svc.Resolve(context.Background(), "alice", convo.Config{}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	found := false
	for _, tp := range obs.types() {
		if tp == EventSessionResolve {
			found = true
		}
	}
	if !found {
		t.Errorf("no %s event observed, got %v", EventSessionResolve, obs.types())
	}
}

func TestTurnEventsReachObserver(t *testing.T) {
	svc, _, obs := newTestService(t)

	if _, err := svc.Ask(context.Background(), "alice", convo.Config{}, "hi", nil, nil); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	seen := map[observability.EventType]bool{}
	for _, tp := range obs.types() {
		seen[tp] = true
	}
	for _, want := range []observability.EventType{EventTurnSend, EventTurnReceive} {
		if !seen[want] {
			t.Errorf("missing %s event, got %v", want, obs.types())
		}
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"no adapter", fmt.Errorf("select: %w", adapter.ErrNoAdapter), CodeNoAdapterFound},
		{"ambiguous", adapter.ErrAmbiguousAdapter, CodeAmbiguousAdapter},
		{"init", fmt.Errorf("%w: boom", adapter.ErrInitFailed), CodeAdapterInitFailed},
		{"request", fmt.Errorf("%w: %w", adapter.ErrRequestFailed, errors.New("boom")), CodeAdapterRequestFailed},
		{"rollback beats request", fmt.Errorf("%w: %w", session.ErrRollbackFailed, adapter.ErrRequestFailed), CodeRollbackFailed},
		{"not found", session.ErrConversationNotFound, CodeConversationNotFound},
		{"cleared", session.ErrConversationCleared, CodeConversationCleared},
		{"no turn", session.ErrNoTurnToRetry, CodeNoTurnToRetry},
		{"cancelled", fmt.Errorf("%w: %w", adapter.ErrRequestFailed, context.Canceled), CodeAdapterRequestFailed},
		{"bare cancel", context.Canceled, CodeCancelled},
		{"unknown", errors.New("mystery"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.want {
				t.Errorf("ErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
