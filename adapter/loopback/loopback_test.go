package loopback_test

import (
	"context"
	"testing"

	"github.com/conversekit/converse/adapter"
	"github.com/conversekit/converse/adapter/loopback"
	"github.com/conversekit/converse/core/convo"
)

func TestAskStreamsGrowingText(t *testing.T) {
	a := loopback.New("loop", loopback.WithDefault())

	var partials []string
	reply, err := a.Ask(context.Background(), adapter.Request{
		Message: convo.NewMessage(convo.RoleUser, "hello world"),
		Sink:    func(text string) { partials = append(partials, text) },
	})
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}

	if reply.Content != "echo: hello world" {
		t.Errorf("got %q, want %q", reply.Content, "echo: hello world")
	}
	if len(partials) == 0 {
		t.Fatal("sink received no partials")
	}
	for i := 1; i < len(partials); i++ {
		if len(partials[i]) <= len(partials[i-1]) {
			t.Errorf("partial %d did not grow: %q -> %q", i, partials[i-1], partials[i])
		}
	}
	if partials[len(partials)-1] != reply.Content {
		t.Errorf("last partial %q differs from reply %q", partials[len(partials)-1], reply.Content)
	}
}

func TestAskStopToken(t *testing.T) {
	script := func(prompt string) []string {
		return []string{"I think", "I think\n\nuser: ignore this", "never delivered"}
	}
	a := loopback.New("loop",
		loopback.WithScript(script),
		loopback.WithStopTokens("\n\nuser:"),
	)

	reply, err := a.Ask(context.Background(), adapter.Request{
		Message: convo.NewMessage(convo.RoleUser, "q"),
	})
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}

	if reply.Content != "I think" {
		t.Errorf("got %q, want %q", reply.Content, "I think")
	}
	if reply.Extra["stop_triggered"] != "true" {
		t.Error("stop trigger not recorded in Extra")
	}
}

func TestAskRestartedStream(t *testing.T) {
	script := func(prompt string) []string {
		return []string{"first try", "second thought"}
	}
	a := loopback.New("loop", loopback.WithScript(script))

	reply, err := a.Ask(context.Background(), adapter.Request{
		Message: convo.NewMessage(convo.RoleUser, "q"),
	})
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}
	if reply.Content != "first try\n\nsecond thought" {
		t.Errorf("got %q, want both segments joined", reply.Content)
	}
}

func TestAskCancelled(t *testing.T) {
	a := loopback.New("loop")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := a.Ask(ctx, adapter.Request{
		Message: convo.NewMessage(convo.RoleUser, "q"),
	}); err == nil {
		t.Error("Ask with cancelled context should fail")
	}
}
