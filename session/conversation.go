// Package session implements the conversation aggregate: the message graph,
// the per-conversation turn lock, the bound backend adapter, and the
// two-tier cache that keeps live conversations in memory backed by a durable
// store. Ask, Retry, Continue, and Clear are the only public mutators.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conversekit/converse/adapter"
	"github.com/conversekit/converse/core/convo"
	"github.com/conversekit/converse/turnlock"
)

// State tracks the conversation lifecycle. TurnInFlight is not a stored
// state: it is implied by the turn lock being held.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateCleared
)

// Conversation is the stateful aggregate for one sender's exchange with a
// bound backend adapter. All mutation goes through Init, Ask, Retry,
// Continue, and Clear; concurrent turns against the same conversation are
// serialized in strict arrival order by the turn lock.
type Conversation struct {
	id      string
	sender  string
	adapter adapter.Adapter
	lock    *turnlock.TurnLock
	runtime Config
	logger  *slog.Logger

	initOnce sync.Once
	initErr  error

	mu          sync.RWMutex
	config      convo.Config
	messages    map[string]convo.Message
	latestUser  string
	latestModel string
	seedTail    string
	state       State
	listeners   []listenerEntry
}

// New creates a conversation bound to the given adapter. The binding is
// chosen once at creation and never re-evaluated; recreate the conversation
// to change backends.
func New(sender string, cfg convo.Config, a adapter.Adapter, runtime Config, logger *slog.Logger) *Conversation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conversation{
		id:       uuid.Must(uuid.NewV7()).String(),
		sender:   sender,
		adapter:  a,
		lock:     turnlock.New(runtime.ConcurrencyLimit),
		runtime:  runtime,
		logger:   logger,
		config:   cfg,
		messages: make(map[string]convo.Message),
	}
}

// NewFromSnapshot reconstructs a conversation from its durable form, bound
// to a freshly selected adapter. The adapter's init hook runs again on
// first use because the binding is new, but existing messages are kept.
func NewFromSnapshot(snap convo.Snapshot, a adapter.Adapter, runtime Config, logger *slog.Logger) *Conversation {
	c := New(snap.Sender, snap.Config, a, runtime, logger)
	c.id = snap.ID
	for _, m := range snap.Messages {
		c.messages[m.ID] = m
		if m.Role == convo.RoleSystem && m.ID > c.seedTail {
			c.seedTail = m.ID
		}
	}
	c.latestUser = snap.LatestUser
	c.latestModel = snap.LatestModel
	return c
}

// ID returns the conversation's unique identifier.
func (c *Conversation) ID() string { return c.id }

// Sender returns the owning sender id.
func (c *Conversation) Sender() string { return c.sender }

// Config returns the current conversation config.
func (c *Conversation) Config() convo.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// Adapter returns the bound backend adapter.
func (c *Conversation) Adapter() adapter.Adapter { return c.adapter }

// QueueLen reports how many turns are queued or in flight. A queue that
// never shrinks indicates a stuck lock holder.
func (c *Conversation) QueueLen() int { return c.lock.Len() }

// Busy reports whether a turn currently holds the lock.
func (c *Conversation) Busy() bool { return c.lock.Held() }

// OnEvent registers a listener for the given event kind (EventAll for every
// kind). Listeners run synchronously after each transition in registration
// order.
func (c *Conversation) OnEvent(kind EventKind, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listenerEntry{kind: kind, handler: h})
}

// Init transitions Uninitialized to Ready, invoking the adapter's init hook
// exactly once for this binding. Calling Init on a Ready conversation is a
// no-op.
func (c *Conversation) Init(ctx context.Context) error {
	c.mu.RLock()
	if c.state == StateCleared {
		c.mu.RUnlock()
		return ErrConversationCleared
	}
	cfg := c.config
	c.mu.RUnlock()

	ran := false
	c.initOnce.Do(func() {
		ran = true
		if err := c.adapter.Init(ctx, cfg); err != nil {
			c.initErr = fmt.Errorf("%w: %w", adapter.ErrInitFailed, err)
			return
		}
		c.mu.Lock()
		if len(c.messages) == 0 {
			c.seedLocked()
		}
		c.state = StateReady
		c.mu.Unlock()
	})
	if c.initErr != nil {
		return c.initErr
	}
	if ran {
		c.dispatch(ctx, Event{Kind: EventInit})
	}
	return nil
}

// Ask runs one turn: it appends a provisional user message, invokes the
// adapter under the turn lock, and on success appends the model reply and
// advances the latest pointers. On adapter failure the provisional message
// and pointer mutations are rolled back atomically before the lock is
// released, so no partial state is ever visible to a queued turn.
// Fragments are external context attached to the user message; sink, when
// non-nil, receives incremental reply text from streaming adapters.
func (c *Conversation) Ask(ctx context.Context, text string, fragments []convo.ContextFragment, sink func(string)) (convo.Message, error) {
	if err := c.Init(ctx); err != nil {
		return convo.Message{}, err
	}

	ticket, err := c.lock.Acquire(ctx)
	if err != nil {
		return convo.Message{}, err
	}

	reply, err := func() (convo.Message, error) {
		defer c.lock.Release(ticket)
		return c.executeTurn(ctx, text, fragments, sink)
	}()
	if err != nil {
		return convo.Message{}, err
	}

	// Listeners (persistence among them) run after the lock is released so
	// storage latency never throttles queued turns.
	c.dispatch(ctx, Event{Kind: EventSend, Message: c.message(reply.ParentID)})
	c.dispatch(ctx, Event{Kind: EventReceive, Message: reply})
	return reply, nil
}

// Continue is sugar for Ask with the configured continuation prompt.
func (c *Conversation) Continue(ctx context.Context, sink func(string)) (convo.Message, error) {
	prompt := c.runtime.ContinuePrompt
	if prompt == "" {
		prompt = DefaultContinuePrompt
	}
	return c.Ask(ctx, prompt, nil, sink)
}

// Retry detaches the latest model reply and re-issues the previous user
// message. On adapter failure the detached reply is restored, leaving the
// conversation as it was.
func (c *Conversation) Retry(ctx context.Context, sink func(string)) (convo.Message, error) {
	if err := c.Init(ctx); err != nil {
		return convo.Message{}, err
	}

	ticket, err := c.lock.Acquire(ctx)
	if err != nil {
		return convo.Message{}, err
	}

	userMsg, reply, err := func() (convo.Message, convo.Message, error) {
		defer c.lock.Release(ticket)
		return c.executeRetry(ctx, sink)
	}()
	if err != nil {
		return convo.Message{}, err
	}

	c.dispatch(ctx, Event{Kind: EventRetry, Message: userMsg})
	c.dispatch(ctx, Event{Kind: EventReceive, Message: reply})
	return reply, nil
}

// Clear waits out all in-flight turns, then resets the message graph and
// latest pointers and resets backend-side state. System prompts from the
// conversation config are re-seeded. Returns the number of user and model
// messages removed.
func (c *Conversation) Clear(ctx context.Context) (int, error) {
	ticket, err := c.lock.Drain(ctx, 0)
	if err != nil {
		return 0, err
	}

	cleared, clearErr := func() (int, error) {
		defer c.lock.Release(ticket)

		c.mu.Lock()
		if c.state == StateCleared {
			c.mu.Unlock()
			return 0, ErrConversationCleared
		}
		count := 0
		for _, m := range c.messages {
			if m.Role != convo.RoleSystem {
				count++
			}
		}
		c.messages = make(map[string]convo.Message)
		c.latestUser = ""
		c.latestModel = ""
		c.seedTail = ""
		c.seedLocked()
		c.mu.Unlock()

		return count, c.adapter.Clear(ctx)
	}()
	if clearErr != nil {
		return cleared, clearErr
	}

	c.dispatch(ctx, Event{Kind: EventClear})
	return cleared, nil
}

// SwitchConfig replaces the conversation config after draining in-flight
// turns. Existing messages stay valid; the adapter binding is unchanged.
func (c *Conversation) SwitchConfig(ctx context.Context, cfg convo.Config) error {
	ticket, err := c.lock.Drain(ctx, 0)
	if err != nil {
		return err
	}
	defer c.lock.Release(ticket)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateCleared {
		return ErrConversationCleared
	}
	c.config = cfg
	return nil
}

// Invalidate marks the conversation destroyed. Subsequent operations fail
// with ErrConversationCleared. Called by the cache on clear-all.
func (c *Conversation) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateCleared
}

// Snapshot returns the durable form of the conversation. Messages are
// ordered by id; UUIDv7 ids make that chronological.
func (c *Conversation) Snapshot() convo.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	msgs := make([]convo.Message, 0, len(c.messages))
	for _, m := range c.messages {
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })

	return convo.Snapshot{
		ID:          c.id,
		Sender:      c.sender,
		Config:      c.config,
		Messages:    msgs,
		LatestUser:  c.latestUser,
		LatestModel: c.latestModel,
	}
}

// MessageChain walks parent pointers from the latest model message back to
// the root and returns the chain oldest first. The chain is the linear
// history regardless of how many turns were concurrently queued.
func (c *Conversation) MessageChain() []convo.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chainLocked(c.latestModel)
}

func (c *Conversation) executeTurn(ctx context.Context, text string, fragments []convo.ContextFragment, sink func(string)) (convo.Message, error) {
	c.mu.Lock()
	if c.state == StateCleared {
		c.mu.Unlock()
		return convo.Message{}, ErrConversationCleared
	}

	prevUser, prevModel := c.latestUser, c.latestModel

	userMsg := convo.NewMessage(convo.RoleUser, text)
	userMsg.Sender = c.sender
	userMsg.ParentID = c.chainTailLocked()
	userMsg.Injected = fragments
	c.messages[userMsg.ID] = userMsg
	c.latestUser = userMsg.ID

	history := c.chainLocked(userMsg.ParentID)
	cfg := c.config
	c.mu.Unlock()

	reply, askErr := c.invokeAdapter(ctx, cfg, userMsg, history, sink)

	c.mu.Lock()
	defer c.mu.Unlock()

	if askErr != nil {
		if rbErr := c.rollbackLocked(userMsg.ID, prevUser, prevModel); rbErr != nil {
			return convo.Message{}, rbErr
		}
		return convo.Message{}, fmt.Errorf("%w: %w", adapter.ErrRequestFailed, askErr)
	}

	reply = c.acceptReplyLocked(reply, userMsg.ID)
	return reply, nil
}

func (c *Conversation) executeRetry(ctx context.Context, sink func(string)) (convo.Message, convo.Message, error) {
	c.mu.Lock()
	if c.state == StateCleared {
		c.mu.Unlock()
		return convo.Message{}, convo.Message{}, ErrConversationCleared
	}
	if c.latestUser == "" || c.latestModel == "" {
		c.mu.Unlock()
		return convo.Message{}, convo.Message{}, ErrNoTurnToRetry
	}

	stale := c.messages[c.latestModel]
	userMsg := c.messages[c.latestUser]
	delete(c.messages, stale.ID)

	priorModel := ""
	if p, ok := c.messages[userMsg.ParentID]; ok && p.Role == convo.RoleModel {
		priorModel = p.ID
	}
	c.latestModel = priorModel

	history := c.chainLocked(userMsg.ParentID)
	cfg := c.config
	c.mu.Unlock()

	reply, askErr := c.invokeAdapter(ctx, cfg, userMsg, history, sink)

	c.mu.Lock()
	defer c.mu.Unlock()

	if askErr != nil {
		c.messages[stale.ID] = stale
		c.latestModel = stale.ID
		return convo.Message{}, convo.Message{}, fmt.Errorf("%w: %w", adapter.ErrRequestFailed, askErr)
	}

	reply = c.acceptReplyLocked(reply, userMsg.ID)
	return userMsg, reply, nil
}

// invokeAdapter builds the adapter request for one turn. Adapters that
// cannot accept structured context get the fragments rendered into the
// prompt text according to the conversation's inject mode.
func (c *Conversation) invokeAdapter(ctx context.Context, cfg convo.Config, userMsg convo.Message, history []convo.Message, sink func(string)) (convo.Message, error) {
	req := adapter.Request{
		ConversationID: c.id,
		History:        history,
		Message:        userMsg,
		Sink:           sink,
	}
	if !c.adapter.SupportsInject() {
		req.Message.Content = cfg.RenderPrompt(userMsg.Content, userMsg.Injected)
		req.Message.Injected = nil
	}
	return c.adapter.Ask(ctx, req)
}

func (c *Conversation) acceptReplyLocked(reply convo.Message, userID string) convo.Message {
	if reply.ID == "" {
		reply.ID = uuid.Must(uuid.NewV7()).String()
	}
	if reply.CreatedAt.IsZero() {
		reply.CreatedAt = time.Now().UTC()
	}
	reply.Role = convo.RoleModel
	reply.ParentID = userID
	c.messages[reply.ID] = reply
	c.latestModel = reply.ID
	return reply
}

// rollbackLocked restores the graph after a failed turn. The FIFO lock
// excludes other writers while a turn is in flight, so the latest-user
// pointer must still name the provisional message; anything else means the
// exclusion was violated and the state cannot be trusted.
func (c *Conversation) rollbackLocked(provisionalID, prevUser, prevModel string) error {
	if c.latestUser != provisionalID {
		return fmt.Errorf("%w: latest user pointer moved from %s to %s during turn",
			ErrRollbackFailed, provisionalID, c.latestUser)
	}
	delete(c.messages, provisionalID)
	c.latestUser = prevUser
	c.latestModel = prevModel
	return nil
}

func (c *Conversation) seedLocked() {
	for _, prompt := range c.config.SystemPrompts {
		msg := convo.NewMessage(convo.RoleSystem, prompt)
		msg.ParentID = c.seedTail
		c.messages[msg.ID] = msg
		c.seedTail = msg.ID
	}
}

// chainTailLocked is the parent for the next user message: the latest model
// reply, or the last system seed for a fresh conversation.
func (c *Conversation) chainTailLocked() string {
	if c.latestModel != "" {
		return c.latestModel
	}
	return c.seedTail
}

func (c *Conversation) chainLocked(from string) []convo.Message {
	var chain []convo.Message
	for id := from; id != ""; {
		m, ok := c.messages[id]
		if !ok {
			break
		}
		chain = append(chain, m)
		id = m.ParentID
	}
	slices.Reverse(chain)
	return chain
}

func (c *Conversation) message(id string) convo.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.messages[id]
}

func (c *Conversation) dispatch(ctx context.Context, ev Event) {
	ev.ConversationID = c.id
	ev.Sender = c.sender

	c.mu.RLock()
	listeners := slices.Clone(c.listeners)
	c.mu.RUnlock()

	for _, l := range listeners {
		if l.kind != ev.Kind && l.kind != EventAll {
			continue
		}
		if err := l.handler(ctx, ev); err != nil {
			c.logger.Warn("conversation listener failed",
				"kind", ev.Kind, "conversation", c.id, "error", err)
		}
	}
}
