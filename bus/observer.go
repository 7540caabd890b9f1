package bus

import (
	"context"
	"time"

	"github.com/conversekit/converse/observability"
)

// DefaultSubjectPrefix prefixes the event type in published subjects.
const DefaultSubjectPrefix = "converse.event"

// wireEvent is the published form of an engine event.
type wireEvent struct {
	Type      string         `json:"type"`
	Level     string         `json:"level"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data,omitempty"`
}

// Observer publishes engine events to NATS, one subject per event type
// (e.g. converse.event.turn.complete). Publish failures are logged and
// dropped; the bus is a mirror, never a dependency of the turn path.
type Observer struct {
	client *Client
	prefix string
}

// NewObserver creates an Observer over the given client. An empty prefix
// uses DefaultSubjectPrefix.
func NewObserver(client *Client, prefix string) *Observer {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Observer{client: client, prefix: prefix}
}

func (o *Observer) OnEvent(_ context.Context, event observability.Event) {
	subject := o.prefix + "." + string(event.Type)
	err := o.client.Publish(subject, wireEvent{
		Type:      string(event.Type),
		Level:     event.Level.String(),
		Timestamp: event.Timestamp,
		Source:    event.Source,
		Data:      event.Data,
	})
	if err != nil {
		o.client.logger.Warn("event publish failed", "subject", subject, "error", err)
	}
}
