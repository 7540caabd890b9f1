//go:build integration

package natschat_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/conversekit/converse/adapter"
	"github.com/conversekit/converse/adapter/natschat"
	"github.com/conversekit/converse/core/convo"
)

func natsURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}
	return url
}

type relayFrame struct {
	Text  string `json:"text"`
	Final bool   `json:"final,omitempty"`
	Error string `json:"error,omitempty"`
}

type relayRequest struct {
	ConversationID string `json:"conversation_id"`
	Inbox          string `json:"inbox"`
	Message        string `json:"message"`
}

// startRelay subscribes on subject and answers every ask with the given
// frame sequence pushed to the request's inbox.
func startRelay(t *testing.T, url, subject string, frames func(req relayRequest) []relayFrame) {
	t.Helper()

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("relay connect: %v", err)
	}
	t.Cleanup(nc.Close)

	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var req relayRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			t.Errorf("relay: bad request: %v", err)
			return
		}
		for _, f := range frames(req) {
			payload, _ := json.Marshal(f)
			if err := nc.Publish(req.Inbox, payload); err != nil {
				t.Errorf("relay: publish frame: %v", err)
				return
			}
		}
	})
	if err != nil {
		t.Fatalf("relay subscribe: %v", err)
	}
	t.Cleanup(func() { sub.Unsubscribe() })
}

func TestAskReconcilesStreamedFrames(t *testing.T) {
	url := natsURL(t)
	subject := "converse.test.ask." + t.Name()

	startRelay(t, url, subject, func(req relayRequest) []relayFrame {
		full := "you said: " + req.Message
		return []relayFrame{
			{Text: full[:len(full)/2]},
			{Text: full},
			{Text: full, Final: true},
		}
	})

	a, err := natschat.New(natschat.Config{
		Label:   "relay",
		URL:     url,
		Subject: subject,
		Timeout: 10 * time.Second,
	}, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Dispose()

	var partials []string
	reply, err := a.Ask(context.Background(), adapter.Request{
		ConversationID: "it-conv",
		Message:        convo.NewMessage(convo.RoleUser, "hello"),
		Sink:           func(text string) { partials = append(partials, text) },
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if got, want := reply.Content, "you said: hello"; got != want {
		t.Errorf("reply = %q, want %q", got, want)
	}
	if reply.Role != convo.RoleModel {
		t.Errorf("role = %q, want %q", reply.Role, convo.RoleModel)
	}
	if len(partials) == 0 {
		t.Error("sink saw no partial text")
	}
	for i := 1; i < len(partials); i++ {
		if !strings.HasPrefix(partials[i], partials[i-1]) {
			t.Errorf("partial %d = %q does not extend %q", i, partials[i], partials[i-1])
		}
	}
}

func TestAskStopTokenEndsTurn(t *testing.T) {
	url := natsURL(t)
	subject := "converse.test.stop." + t.Name()

	startRelay(t, url, subject, func(req relayRequest) []relayFrame {
		return []relayFrame{
			{Text: "The answer is 42."},
			{Text: "The answer is 42.\nUser: and now"},
			// Never sends final; the stop token has to end the turn.
		}
	})

	a, err := natschat.New(natschat.Config{
		Label:      "relay",
		URL:        url,
		Subject:    subject,
		StopTokens: []string{"User:"},
		Timeout:    10 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Dispose()

	reply, err := a.Ask(context.Background(), adapter.Request{
		ConversationID: "it-stop",
		Message:        convo.NewMessage(convo.RoleUser, "what is the answer"),
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if got, want := reply.Content, "The answer is 42.\n"; got != want {
		t.Errorf("reply = %q, want %q", got, want)
	}
	if reply.Extra["stop_triggered"] != "true" {
		t.Errorf("stop_triggered not recorded, extra = %v", reply.Extra)
	}
}

func TestAskRelayError(t *testing.T) {
	url := natsURL(t)
	subject := "converse.test.err." + t.Name()

	startRelay(t, url, subject, func(req relayRequest) []relayFrame {
		return []relayFrame{{Error: "model unavailable"}}
	})

	a, err := natschat.New(natschat.Config{
		Label:   "relay",
		URL:     url,
		Subject: subject,
		Timeout: 10 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Dispose()

	_, err = a.Ask(context.Background(), adapter.Request{
		ConversationID: "it-err",
		Message:        convo.NewMessage(convo.RoleUser, "hi"),
	})
	if err == nil || !strings.Contains(err.Error(), "model unavailable") {
		t.Errorf("err = %v, want relay error", err)
	}
}
