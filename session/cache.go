package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/conversekit/converse/adapter"
	"github.com/conversekit/converse/core/convo"
	"github.com/conversekit/converse/store"
)

// Table is the cold-tier namespace holding conversation snapshots.
const Table = "conversations"

// Cache is the two-tier conversation store: a hot in-process map of live
// conversations over a durable key-value collaborator. The hot map has its
// own mutex, distinct from any conversation's turn lock. Hot entries never
// expire; cold entries may carry a TTL. Write-through happens on every
// state-changing conversation event, after the turn lock is released.
type Cache struct {
	registry *adapter.Registry
	cold     store.Store
	runtime  Config
	ttl      time.Duration
	logger   *slog.Logger

	// Rehydrated, when set, runs on every conversation reconstructed from
	// the cold tier before it enters the hot map. The service layer uses it
	// to re-attach persistence and observer listeners, which are runtime
	// state and not part of the snapshot.
	Rehydrated func(key string, conv *Conversation)

	mu  sync.RWMutex
	hot map[string]*Conversation
}

// NewCache creates a Cache over the given cold store and adapter registry.
// The registry is needed to re-bind adapters when rehydrating snapshots. A
// zero ttl stores cold entries without expiry.
func NewCache(registry *adapter.Registry, cold store.Store, runtime Config, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		registry: registry,
		cold:     cold,
		runtime:  runtime,
		ttl:      ttl,
		logger:   logger,
		hot:      make(map[string]*Conversation),
	}
}

// Key derives the cache key for a sender and adapter label. A sender can
// hold one conversation per label.
func Key(sender, label string) string {
	return sender + "#" + label
}

// Get returns the live conversation for key. On a hot miss the cold tier is
// consulted; a hit is rehydrated (re-binding its adapter through the
// registry), inserted into the hot tier, and returned. A miss in both tiers
// is ErrConversationNotFound.
func (c *Cache) Get(ctx context.Context, key string) (*Conversation, error) {
	c.mu.RLock()
	conv, ok := c.hot[key]
	c.mu.RUnlock()
	if ok {
		return conv, nil
	}

	data, err := c.cold.Get(ctx, Table, key)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("cold tier get: %w", err)
	}

	snap, err := convo.DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", key, err)
	}

	a, err := c.registry.Select(snap.Config)
	if err != nil {
		return nil, fmt.Errorf("rebind adapter for %s: %w", key, err)
	}

	conv = NewFromSnapshot(snap, a, c.runtime, c.logger)
	if c.Rehydrated != nil {
		c.Rehydrated(key, conv)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another goroutine may have rehydrated the same key concurrently; the
	// first insert wins so both callers share one live conversation.
	if existing, ok := c.hot[key]; ok {
		return existing, nil
	}
	c.hot[key] = conv
	return conv, nil
}

// Put inserts a live conversation into the hot tier.
func (c *Cache) Put(key string, conv *Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hot[key] = conv
}

// WriteThrough persists the conversation's current snapshot to the cold
// tier. Callers invoke it after the turn lock is released so storage
// latency never couples to session throughput.
func (c *Cache) WriteThrough(ctx context.Context, key string, conv *Conversation) error {
	data, err := convo.EncodeSnapshot(conv.Snapshot())
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", key, err)
	}
	if err := c.cold.Set(ctx, Table, key, data, c.ttl); err != nil {
		return fmt.Errorf("cold tier set: %w", err)
	}
	return nil
}

// Delete removes the conversation from both tiers and invalidates the live
// object so stale references fail loudly.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	if conv, ok := c.hot[key]; ok {
		conv.Invalidate()
	}
	delete(c.hot, key)
	c.mu.Unlock()

	if err := c.cold.Delete(ctx, Table, key); err != nil {
		return fmt.Errorf("cold tier delete: %w", err)
	}
	return nil
}

// DeleteAll removes every conversation belonging to sender from both tiers
// and returns the removed cache keys.
func (c *Cache) DeleteAll(ctx context.Context, sender string) ([]string, error) {
	prefix := sender + "#"

	seen := make(map[string]bool)
	c.mu.Lock()
	for key, conv := range c.hot {
		if strings.HasPrefix(key, prefix) {
			conv.Invalidate()
			delete(c.hot, key)
			seen[key] = true
		}
	}
	c.mu.Unlock()

	coldKeys, err := c.cold.Keys(ctx, Table)
	if err != nil {
		return nil, fmt.Errorf("cold tier keys: %w", err)
	}
	for _, key := range coldKeys {
		if strings.HasPrefix(key, prefix) {
			seen[key] = true
		}
	}

	removed := make([]string, 0, len(seen))
	for key := range seen {
		if err := c.cold.Delete(ctx, Table, key); err != nil {
			return removed, fmt.Errorf("cold tier delete %s: %w", key, err)
		}
		removed = append(removed, key)
	}
	return removed, nil
}

// ResetHot drops every hot-tier entry without touching the cold tier,
// leaving live objects valid for callers already holding them. Subsequent
// Gets rehydrate from durable snapshots, which is exactly what a process
// restart does.
func (c *Cache) ResetHot() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hot = make(map[string]*Conversation)
}

// Len reports the number of hot-tier entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hot)
}
