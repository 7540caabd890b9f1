// conversed runs the conversational-session engine as a service: HTTP API
// in front, NATS model relay behind, Postgres (or local files) as the
// durable session tier.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/conversekit/converse/adapter"
	"github.com/conversekit/converse/adapter/loopback"
	"github.com/conversekit/converse/adapter/natschat"
	"github.com/conversekit/converse/api"
	"github.com/conversekit/converse/bus"
	"github.com/conversekit/converse/observability"
	"github.com/conversekit/converse/service"
	"github.com/conversekit/converse/store"
)

type runtimeConfig struct {
	Port        int
	ConfigFile  string
	DatabaseURL string
	DataDir     string
	NatsURL     string
	NatsToken   string
	AskSubject  string
	StopTokens  []string
	LogLevel    string
}

func loadRuntime() runtimeConfig {
	return runtimeConfig{
		Port:        envInt("PORT", 8760),
		ConfigFile:  envStr("CONVERSE_CONFIG", ""),
		DatabaseURL: envStr("DATABASE_URL", ""),
		DataDir:     envStr("DATA_DIR", ""),
		NatsURL:     envStr("NATS_URL", ""),
		NatsToken:   envStr("NATS_TOKEN", ""),
		AskSubject:  envStr("ASK_SUBJECT", ""),
		StopTokens:  envList("STOP_TOKENS"),
		LogLevel:    envStr("LOG_LEVEL", "info"),
	}
}

func main() {
	rc := loadRuntime()
	setupLogging(rc.LogLevel)

	slog.Info("conversed starting", "port", rc.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := service.DefaultConfig()
	if rc.ConfigFile != "" {
		loaded, err := service.LoadConfig(rc.ConfigFile)
		if err != nil {
			slog.Error("failed to load config", "file", rc.ConfigFile, "error", err)
			os.Exit(1)
		}
		cfg = *loaded
	}

	cold := openStore(ctx, rc)

	// NATS is optional: without it conversed serves the in-process echo
	// adapter, which is enough for local development.
	var busClient *bus.Client
	observer := observability.Observer(observability.NewSlogObserver(slog.Default()))
	if rc.NatsURL != "" {
		var err error
		busClient, err = bus.NewClient(rc.NatsURL, rc.NatsToken, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer busClient.Close()
		observer = observability.NewMultiObserver(observer, bus.NewObserver(busClient, ""))
		slog.Info("NATS connected", "url", rc.NatsURL)
	}

	registry := adapter.NewRegistry()
	if rc.NatsURL != "" {
		relay, err := natschat.New(natschat.Config{
			Label:      "relay",
			IsDefault:  true,
			URL:        rc.NatsURL,
			Token:      rc.NatsToken,
			Subject:    rc.AskSubject,
			StopTokens: rc.StopTokens,
		}, slog.Default())
		if err != nil {
			slog.Error("failed to create relay adapter", "error", err)
			os.Exit(1)
		}
		if _, err := registry.Register(relay); err != nil {
			slog.Error("failed to register relay adapter", "error", err)
			os.Exit(1)
		}
		if _, err := registry.Register(loopback.New("echo")); err != nil {
			slog.Error("failed to register echo adapter", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("NATS not configured, running with the echo adapter only")
		if _, err := registry.Register(loopback.New("echo", loopback.WithDefault())); err != nil {
			slog.Error("failed to register echo adapter", "error", err)
			os.Exit(1)
		}
	}

	svc := service.New(registry, cold, cfg, service.WithObserver(observer))

	srv := api.NewServer(rc.Port, svc)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	if busClient != nil {
		if err := busClient.Publish("converse.engine.started", map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"port":      rc.Port,
			"adapters":  registry.Labels(),
		}); err != nil {
			slog.Warn("failed to publish startup event", "error", err)
		}
	}

	slog.Info("conversed ready", "port", rc.Port, "adapters", registry.Labels())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
	cancel()
	slog.Info("conversed stopped")
}

// openStore picks the durable tier: Postgres when DATABASE_URL is set, a
// file store under DATA_DIR otherwise, and an in-memory store as the last
// resort for throwaway runs.
func openStore(ctx context.Context, rc runtimeConfig) store.Store {
	if rc.DatabaseURL != "" {
		pg, err := store.NewPGStore(ctx, rc.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("failed to ensure schema", "error", err)
			os.Exit(1)
		}
		slog.Info("database connected")
		return pg
	}
	if rc.DataDir != "" {
		slog.Info("using file store", "dir", rc.DataDir)
		return store.NewFileStore(rc.DataDir)
	}
	slog.Warn("no durable store configured, sessions will not survive restarts")
	return store.NewMemStore()
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
