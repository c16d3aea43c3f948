package eventstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/lectern/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTimeline(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "jobs.db")
	}
	if cfg.RetentionMode == "" {
		cfg.RetentionMode = "session"
	}
	store, err := Open(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("open job timeline: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func at(day int) func() time.Time {
	return func() time.Time { return time.Date(2025, 1, day, 12, 0, 0, 0, time.UTC) }
}

func TestEphemeralDropsWrites(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, discardLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := store.Ensure(); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := store.AppendJob(ctx, Job{ID: "j1", Kind: "chapter", ContentID: "c1"}); err != nil {
		t.Fatalf("append job: %v", err)
	}
	if err := store.AppendEvent(ctx, Event{JobID: "j1", Status: "starting"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if _, err := store.GetJob(ctx, "j1"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	events, err := store.ListJobEvents(ctx, "j1", 0)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events, got %v %v", events, err)
	}
}

func TestJobTimeline(t *testing.T) {
	ctx := context.Background()
	store := openTimeline(t, config.EventStoreConfig{})

	job := Job{ID: "job-7", Kind: "chapter", ContentID: "book-1", ContentType: "book", ChapterIndex: 3, Voice: "alloy"}
	if err := store.AppendJob(ctx, job); err != nil {
		t.Fatalf("append job: %v", err)
	}
	// A second record of the same job keeps the original row.
	if err := store.AppendJob(ctx, Job{ID: "job-7", Kind: "chapter", ContentID: "other"}); err != nil {
		t.Fatalf("append duplicate job: %v", err)
	}
	steps := []Event{
		{JobID: job.ID, Status: "starting", Progress: 5},
		{JobID: job.ID, Status: "processing", Progress: 50, Message: "chunk 2 of 4"},
		{JobID: job.ID, Status: "complete", Progress: 100, Payload: []byte(`{"url":"x"}`)},
	}
	for _, evt := range steps {
		if err := store.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.ContentID != "book-1" || got.ChapterIndex != 3 || got.Voice != "alloy" || got.CreatedAt.IsZero() {
		t.Fatalf("unexpected job %+v", got)
	}

	events, err := store.ListJobEvents(ctx, job.ID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != len(steps) {
		t.Fatalf("expected %d events, got %d", len(steps), len(events))
	}
	for i, evt := range events {
		if evt.Status != steps[i].Status || evt.Progress != steps[i].Progress {
			t.Fatalf("event %d: got %+v", i, evt)
		}
	}
	if events[1].Message != "chunk 2 of 4" || string(events[2].Payload) != `{"url":"x"}` {
		t.Fatalf("unexpected event bodies %+v", events)
	}

	limited, err := store.ListJobEvents(ctx, job.ID, 1)
	if err != nil || len(limited) != 1 || limited[0].Status != "starting" {
		t.Fatalf("expected first event only, got %+v %v", limited, err)
	}

	if _, err := store.GetJob(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	cfg := config.EventStoreConfig{Path: path, RetentionMode: "persistent"}
	ctx := context.Background()

	first, err := Open(ctx, cfg, discardLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.AppendJob(ctx, Job{ID: "kept", Kind: "chapter", ContentID: "c"}); err != nil {
		t.Fatalf("append job: %v", err)
	}
	version, err := schemaVersion(ctx, first.db)
	if err != nil || version != len(migrations) {
		t.Fatalf("expected schema version %d, got %d (%v)", len(migrations), version, err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := openTimeline(t, cfg)
	if _, err := second.GetJob(ctx, "kept"); err != nil {
		t.Fatalf("job lost across reopen: %v", err)
	}
}

func TestPruneRetention(t *testing.T) {
	ctx := context.Background()
	store := openTimeline(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 2, MaxJobs: 2})

	for day, id := range map[int]string{1: "day-1", 4: "day-4", 5: "day-5", 6: "day-6"} {
		store.clock = at(day)
		if err := store.AppendJob(ctx, Job{ID: id, Kind: "chapter", ContentID: "c"}); err != nil {
			t.Fatalf("append job: %v", err)
		}
		if err := store.AppendEvent(ctx, Event{JobID: id, Status: "starting", Progress: 5}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	store.clock = at(6)
	if err := store.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	// day-1 is past retention and day-4 is over the job cap.
	for _, id := range []string{"day-1", "day-4"} {
		if _, err := store.GetJob(ctx, id); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("expected %s pruned, got %v", id, err)
		}
		if events, _ := store.ListJobEvents(ctx, id, 0); len(events) != 0 {
			t.Fatalf("expected events of %s pruned, got %d", id, len(events))
		}
	}
	for _, id := range []string{"day-5", "day-6"} {
		if _, err := store.GetJob(ctx, id); err != nil {
			t.Fatalf("expected %s kept: %v", id, err)
		}
	}
}

func TestStartPruningStopsOnClose(t *testing.T) {
	store, err := Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "jobs.db"),
		RetentionMode: "session",
		PruneInterval: 1,
	}, discardLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store.StartPruning(context.Background())
	if store.stop == nil {
		t.Fatal("expected pruner to be running")
	}

	done := make(chan struct{})
	go func() {
		_ = store.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not stop the pruner")
	}
}
