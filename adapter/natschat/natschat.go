// Package natschat implements a streaming backend adapter over NATS. The
// adapter publishes each turn to a request subject and listens on a
// per-turn inbox where the remote model relay pushes raw text snapshot
// frames. Frames may overlap, restart, or trail off into role markers; the
// adapter funnels every frame through a reconciler and cancels the
// subscription as soon as a stop token ends the visible answer.
package natschat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/conversekit/converse/adapter"
	"github.com/conversekit/converse/core/convo"
	"github.com/conversekit/converse/reconcile"
)

const (
	defaultSubject = "converse.model.ask"
	defaultTimeout = 2 * time.Minute

	// frameBuffer bounds the inbox channel; relays that outrun the
	// reconciler drop frames, which the snapshot protocol tolerates since
	// every frame carries the full text so far.
	frameBuffer = 64
)

// Config holds the adapter's connection and protocol settings. All state
// lives on the adapter instance; construction is explicit and teardown
// happens in Dispose.
type Config struct {
	Label     string
	IsDefault bool
	URL       string
	Token     string
	// Subject is the request subject the model relay listens on.
	Subject string
	// StopTokens end the visible answer when they appear in a frame.
	StopTokens []string
	// Timeout caps one turn end to end. The caller's context may cancel
	// sooner.
	Timeout time.Duration
}

// frame is one push from the relay. Text is the full raw snapshot so far,
// not a delta.
type frame struct {
	Text  string `json:"text"`
	Final bool   `json:"final,omitempty"`
	Error string `json:"error,omitempty"`
}

type wireMessage struct {
	Role    convo.Role `json:"role"`
	Content string     `json:"content"`
}

type askRequest struct {
	ConversationID string        `json:"conversation_id"`
	Inbox          string        `json:"inbox"`
	History        []wireMessage `json:"history,omitempty"`
	Message        string        `json:"message"`
}

// Adapter talks to a model relay over NATS.
type Adapter struct {
	cfg    Config
	nc     *nats.Conn
	logger *slog.Logger
}

// New connects to NATS and returns the adapter. The connection belongs to
// this instance and is closed by Dispose.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Subject == "" {
		cfg.Subject = defaultSubject
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "adapter", cfg.Label, "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected", "adapter", cfg.Label)
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Adapter{cfg: cfg, nc: nc, logger: logger}, nil
}

func (a *Adapter) Label() string        { return a.cfg.Label }
func (a *Adapter) Default() bool        { return a.cfg.IsDefault }
func (a *Adapter) SupportsInject() bool { return false }

func (a *Adapter) Init(ctx context.Context, cfg convo.Config) error {
	if !a.nc.IsConnected() && !a.nc.IsReconnecting() {
		return fmt.Errorf("nats connection is %s", a.nc.Status())
	}
	return nil
}

func (a *Adapter) Ask(ctx context.Context, req adapter.Request) (convo.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	inbox := nats.NewInbox()
	frames := make(chan frame, frameBuffer)

	sub, err := a.nc.Subscribe(inbox, func(msg *nats.Msg) {
		var f frame
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			a.logger.Warn("bad frame", "adapter", a.cfg.Label, "error", err)
			return
		}
		select {
		case frames <- f:
		default:
			a.logger.Warn("frame dropped, reconciler lagging", "adapter", a.cfg.Label)
		}
	})
	if err != nil {
		return convo.Message{}, fmt.Errorf("subscribe inbox: %w", err)
	}
	defer sub.Unsubscribe()

	if err := a.publishAsk(inbox, req); err != nil {
		return convo.Message{}, err
	}

	r := reconcile.New(reconcile.WithStopTokens(a.cfg.StopTokens...))
	last := ""

	for {
		select {
		case <-ctx.Done():
			r.Final()
			return convo.Message{}, ctx.Err()
		case f := <-frames:
			if f.Error != "" {
				r.Final()
				return convo.Message{}, fmt.Errorf("relay error: %s", f.Error)
			}

			stopped := r.Observe(f.Text)
			if req.Sink != nil {
				if text := r.Text(); text != last {
					last = text
					req.Sink(text)
				}
			}

			if stopped {
				// Stop token hit: cancel further reads for this turn.
				sub.Unsubscribe()
			}
			if stopped || f.Final {
				r.Final()
				return a.replyFrom(r)
			}
		}
	}
}

func (a *Adapter) Clear(ctx context.Context) error {
	return nil
}

func (a *Adapter) Dispose() error {
	a.nc.Close()
	return nil
}

func (a *Adapter) publishAsk(inbox string, req adapter.Request) error {
	wire := askRequest{
		ConversationID: req.ConversationID,
		Inbox:          inbox,
		Message:        req.Message.Content,
		History:        make([]wireMessage, 0, len(req.History)),
	}
	for _, m := range req.History {
		wire.History = append(wire.History, wireMessage{Role: m.Role, Content: m.Content})
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal ask request: %w", err)
	}
	if err := a.nc.Publish(a.cfg.Subject, payload); err != nil {
		return fmt.Errorf("publish ask request: %w", err)
	}
	return nil
}

func (a *Adapter) replyFrom(r *reconcile.Reconciler) (convo.Message, error) {
	text := r.Text()
	if text == "" {
		return convo.Message{}, fmt.Errorf("relay delivered no visible text")
	}

	msg := convo.NewMessage(convo.RoleModel, text)
	if r.StopTriggered() {
		msg.Extra = map[string]string{"stop_triggered": "true"}
	}
	return msg, nil
}
