package observability_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/conversekit/converse/observability"
)

type captureObserver struct {
	events []observability.Event
}

func (c *captureObserver) OnEvent(_ context.Context, event observability.Event) {
	c.events = append(c.events, event)
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level observability.Level
		want  string
	}{
		{observability.LevelVerbose, "DEBUG"},
		{observability.LevelInfo, "INFO"},
		{observability.LevelWarning, "WARN"},
		{observability.LevelError, "ERROR"},
		{observability.Level(25), "FATAL"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestSlogLevelMapping(t *testing.T) {
	tests := []struct {
		level observability.Level
		want  slog.Level
	}{
		{observability.LevelVerbose, slog.LevelDebug},
		{observability.LevelInfo, slog.LevelInfo},
		{observability.LevelWarning, slog.LevelWarn},
		{observability.LevelError, slog.LevelError},
	}

	for _, tt := range tests {
		if got := tt.level.SlogLevel(); got != tt.want {
			t.Errorf("Level(%d).SlogLevel() = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestSlogObserverEmitsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	obs := observability.NewSlogObserver(logger)

	obs.OnEvent(context.Background(), observability.Event{
		Type:      "turn.complete",
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "service.Ask",
		Data:      map[string]any{"sender": "alice"},
	})

	out := buf.String()
	for _, want := range []string{"turn.complete", "source=service.Ask", "sender=alice"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestMultiObserverFansOut(t *testing.T) {
	first := &captureObserver{}
	second := &captureObserver{}
	multi := observability.NewMultiObserver(first, nil, second)

	multi.OnEvent(context.Background(), observability.Event{Type: "session.clear"})

	if len(first.events) != 1 || len(second.events) != 1 {
		t.Errorf("got %d and %d events, want 1 and 1", len(first.events), len(second.events))
	}
}
