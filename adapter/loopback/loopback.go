// Package loopback provides an in-process adapter that replays scripted
// snapshot sequences through the standard reconciliation path. It backs the
// daemon's dry-run mode and gives session and service tests a deterministic
// streaming backend.
package loopback

import (
	"context"
	"fmt"
	"strings"

	"github.com/conversekit/converse/adapter"
	"github.com/conversekit/converse/core/convo"
	"github.com/conversekit/converse/reconcile"
)

// Script produces the raw snapshot sequence the fake backend pushes for a
// prompt. Snapshots flow through a reconciler exactly as a remote stream
// would, so scripts may overlap, restart, or carry stop tokens.
type Script func(prompt string) []string

// EchoScript streams "echo: <prompt>" in three growing snapshots.
func EchoScript(prompt string) []string {
	full := "echo: " + prompt
	cut := len(full) / 2
	return []string{full[:cut/2], full[:cut], full}
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithScript replaces the default EchoScript.
func WithScript(s Script) Option {
	return func(a *Adapter) { a.script = s }
}

// WithStopTokens configures stop tokens for the reconciler.
func WithStopTokens(tokens ...string) Option {
	return func(a *Adapter) { a.stopTokens = tokens }
}

// WithDefault marks the adapter as the registry default.
func WithDefault() Option {
	return func(a *Adapter) { a.isDefault = true }
}

// Adapter is a deterministic streaming backend.
type Adapter struct {
	label      string
	isDefault  bool
	script     Script
	stopTokens []string
}

// New creates a loopback adapter with the given label.
func New(label string, opts ...Option) *Adapter {
	a := &Adapter{label: label, script: EchoScript}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Label() string        { return a.label }
func (a *Adapter) Default() bool        { return a.isDefault }
func (a *Adapter) SupportsInject() bool { return false }

func (a *Adapter) Init(ctx context.Context, cfg convo.Config) error { return nil }

func (a *Adapter) Ask(ctx context.Context, req adapter.Request) (convo.Message, error) {
	r := reconcile.New(reconcile.WithStopTokens(a.stopTokens...))

	last := ""
	for _, obs := range a.script(req.Message.Content) {
		if err := ctx.Err(); err != nil {
			return convo.Message{}, err
		}
		stopped := r.Observe(obs)
		if req.Sink != nil {
			if text := r.Text(); text != last {
				last = text
				req.Sink(text)
			}
		}
		if stopped {
			break
		}
	}
	r.Final()

	if strings.TrimSpace(r.Text()) == "" {
		return convo.Message{}, fmt.Errorf("script produced no visible text")
	}

	msg := convo.NewMessage(convo.RoleModel, r.Text())
	if r.StopTriggered() {
		msg.Extra = map[string]string{"stop_triggered": "true"}
	}
	return msg, nil
}

func (a *Adapter) Clear(ctx context.Context) error { return nil }
func (a *Adapter) Dispose() error                  { return nil }
