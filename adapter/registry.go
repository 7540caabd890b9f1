package adapter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/conversekit/converse/core/convo"
)

// Registry tracks installed backend adapters and enforces the selection
// policy: a config naming a label must match exactly one adapter with that
// label; a config without a label must match exactly one default adapter.
// Thread-safe for concurrent access.
type Registry struct {
	mu       sync.RWMutex
	adapters []Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register installs an adapter and returns a disposer that removes it again
// and calls its Dispose hook.
func (r *Registry) Register(a Adapter) (func() error, error) {
	if a == nil {
		return nil, fmt.Errorf("register nil adapter")
	}

	r.mu.Lock()
	r.adapters = append(r.adapters, a)
	r.mu.Unlock()

	return func() error {
		r.mu.Lock()
		for i, installed := range r.adapters {
			if installed == a {
				r.adapters = append(r.adapters[:i], r.adapters[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		return a.Dispose()
	}, nil
}

// Select resolves the adapter for a conversation config. Zero matches yield
// ErrNoAdapter and multiple matches ErrAmbiguousAdapter, as distinct kinds
// so callers can give actionable guidance.
func (r *Registry) Select(cfg convo.Config) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []Adapter
	for _, a := range r.adapters {
		if cfg.AdapterLabel != "" {
			if a.Label() == cfg.AdapterLabel {
				matches = append(matches, a)
			}
			continue
		}
		if a.Default() {
			matches = append(matches, a)
		}
	}

	switch len(matches) {
	case 0:
		if cfg.AdapterLabel != "" {
			return nil, fmt.Errorf("%w: label %q", ErrNoAdapter, cfg.AdapterLabel)
		}
		return nil, fmt.Errorf("%w: no default adapter registered", ErrNoAdapter)
	case 1:
		return matches[0], nil
	default:
		if cfg.AdapterLabel != "" {
			return nil, fmt.Errorf("%w: %d adapters share label %q", ErrAmbiguousAdapter, len(matches), cfg.AdapterLabel)
		}
		return nil, fmt.Errorf("%w: %d adapters flagged default", ErrAmbiguousAdapter, len(matches))
	}
}

// ByLabel returns all adapters carrying the given label.
func (r *Registry) ByLabel(label string) []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Adapter
	for _, a := range r.adapters {
		if a.Label() == label {
			out = append(out, a)
		}
	}
	return out
}

// Labels returns the distinct labels of all registered adapters, sorted.
func (r *Registry) Labels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(r.adapters))
	var labels []string
	for _, a := range r.adapters {
		if !seen[a.Label()] {
			seen[a.Label()] = true
			labels = append(labels, a.Label())
		}
	}
	sort.Strings(labels)
	return labels
}
