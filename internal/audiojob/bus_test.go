package audiojob

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loqalabs/lectern/internal/bus"
	"github.com/loqalabs/lectern/internal/config"
	"github.com/loqalabs/lectern/internal/natsserver"
	"github.com/loqalabs/lectern/internal/protocol"
)

func connectBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), "lectern-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestBusRoundTrip(t *testing.T) {
	client := connectBus(t)
	slots := newMemSlots()
	pool := NewPool(context.Background(), 2, testDeps(failingSynth{}, newMemBlobs(), slots), newLogger())
	defer pool.Close()

	service := NewBusService(config.WorkersConfig{Enabled: true, QueueGroup: "audio-workers"}, client, pool, newLogger())
	if err := service.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	defer service.Close()
	if !service.Healthy() {
		t.Fatal("expected healthy service")
	}
	// Make sure the queue subscription is registered before publishing.
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	tracker := NewTracker(nil, newLogger())
	dispatcher := NewBusDispatcher(client, tracker, 5*time.Second, newLogger())
	defer dispatcher.Close()

	job := chapterJob(t, "bus-job", 1, "Remote narration works.")
	tracker.Begin("chapter", job)
	if err := dispatcher.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := tracker.Wait(ctx, job.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != protocol.StatusComplete || final.AudioPath == "" {
		t.Fatalf("unexpected final event %+v", final)
	}
	if slots.len() != 1 {
		t.Fatalf("expected the chapter slot written, got %d", slots.len())
	}
}

func TestBusDispatcherGivesUpWithoutWorker(t *testing.T) {
	client := connectBus(t)
	tracker := NewTracker(nil, newLogger())
	dispatcher := NewBusDispatcher(client, tracker, 50*time.Millisecond, newLogger())
	defer dispatcher.Close()

	job := chapterJob(t, "orphan", 0, "Nobody listens.")
	tracker.Begin("chapter", job)
	if err := dispatcher.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	final, err := tracker.Wait(ctx, job.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != protocol.StatusError || final.Success == nil || *final.Success {
		t.Fatalf("expected error event, got %+v", final)
	}
}

type fixedWorkers int

func (f fixedWorkers) Available() int { return int(f) }

func TestBusDispatcherRequiresWorkers(t *testing.T) {
	client := connectBus(t)
	dispatcher := NewBusDispatcher(client, NewTracker(nil, newLogger()), time.Second, newLogger()).
		RequireWorkers(fixedWorkers(0))
	defer dispatcher.Close()

	err := dispatcher.Dispatch(context.Background(), chapterJob(t, "unserved", 0, "Nobody home."))
	if !errors.Is(err, ErrNoWorkers) {
		t.Fatalf("expected ErrNoWorkers, got %v", err)
	}
}
