package natsserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/lectern/internal/bus"
	"github.com/loqalabs/lectern/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, newLogger())
	if err != nil || srv != nil {
		t.Fatalf("expected no server, got %v %v", srv, err)
	}
	srv.Shutdown()
}

func TestStartAndConnect(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), "lectern-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if !client.Healthy() {
		t.Fatal("expected healthy client")
	}
}

func TestCredentialsAndPayloadLimit(t *testing.T) {
	cfg := config.BusConfig{
		Embedded:   true,
		Port:       -1,
		StoreDir:   t.TempDir(),
		Username:   "lectern",
		Password:   "secret",
		MaxPayload: 1024,
	}
	srv, err := Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	if _, err := bus.Connect(context.Background(), "anonymous", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger()); err == nil {
		t.Fatal("expected anonymous connect to be refused")
	}

	cfg.Servers = []string{srv.ClientURL()}
	cfg.ConnectTimeout = 2000
	client, err := bus.Connect(context.Background(), "lectern-test", cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	if err := client.PublishJSON("audio.chapter.job", map[string]string{"text": strings.Repeat("a", 2048)}); !errors.Is(err, nats.ErrMaxPayload) {
		t.Fatalf("expected ErrMaxPayload, got %v", err)
	}
	if err := client.PublishJSON("audio.chapter.job", map[string]string{"text": "short"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}
