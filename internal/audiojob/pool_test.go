package audiojob

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/lectern/internal/config"
	"github.com/loqalabs/lectern/internal/eventstore"
	"github.com/loqalabs/lectern/internal/protocol"
	"github.com/loqalabs/lectern/internal/tts"
)

// gaugeNarrator records the highest number of concurrent Narrate calls.
type gaugeNarrator struct {
	active atomic.Int32
	peak   atomic.Int32
	hold   time.Duration
}

func (g *gaugeNarrator) Narrate(ctx context.Context, chunks []string, voice string, progress tts.ProgressFunc) ([]byte, error) {
	n := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		peak := g.peak.Load()
		if n <= peak || g.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	select {
	case <-time.After(g.hold):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []byte("audio"), nil
}

func TestPoolBoundsConcurrency(t *testing.T) {
	narrator := &gaugeNarrator{hold: 20 * time.Millisecond}
	deps := testDeps(failingSynth{}, newMemBlobs(), newMemSlots())
	deps.Narrator = narrator
	pool := NewPool(context.Background(), 2, deps, newLogger())
	defer pool.Close()

	var wg sync.WaitGroup
	var completed atomic.Int32
	for i := 0; i < 6; i++ {
		wg.Add(1)
		job := chapterJob(t, fmt.Sprintf("job-%d", i), i, "Some text.")
		err := pool.Submit(job, func(ev protocol.ProgressEvent) {
			if !ev.Terminal() {
				return
			}
			if ev.Status == protocol.StatusComplete {
				completed.Add(1)
			}
			wg.Done()
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	wg.Wait()

	if got := narrator.peak.Load(); got > 2 {
		t.Fatalf("expected at most 2 concurrent jobs, saw %d", got)
	}
	if completed.Load() != 6 {
		t.Fatalf("expected 6 completed jobs, got %d", completed.Load())
	}
}

func TestPoolRejectsAfterClose(t *testing.T) {
	pool := NewPool(context.Background(), 1, testDeps(failingSynth{}, newMemBlobs(), newMemSlots()), newLogger())
	pool.Close()
	if pool.Healthy() {
		t.Fatal("closed pool should not be healthy")
	}
	if err := pool.Submit(chapterJob(t, "late", 0, "x"), nil); err != ErrPoolClosed {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPoolCloseEndsRunningJobs(t *testing.T) {
	deps := testDeps(tts.NewMockSynth(time.Minute), newMemBlobs(), newMemSlots())
	pool := NewPool(context.Background(), 1, deps, newLogger())

	var log eventLog
	if err := pool.Submit(chapterJob(t, "job-1", 0, "Never finishes."), log.sink); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := pool.Submit(chapterJob(t, "job-2", 1, "Never starts."), log.sink); err != nil {
		t.Fatalf("submit: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	pool.Close()

	terminal := 0
	for _, ev := range log.snapshot() {
		if ev.Terminal() {
			terminal++
			if ev.Status != protocol.StatusError {
				t.Fatalf("expected error after shutdown, got %+v", ev)
			}
		}
	}
	if terminal != 2 {
		t.Fatalf("expected a terminal event per job, got %d", terminal)
	}
}

func openJournal(t *testing.T) *eventstore.Store {
	t.Helper()
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
	}, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestLocalDispatchJournalsTimeline(t *testing.T) {
	journal := openJournal(t)
	tracker := NewTracker(journal, newLogger())
	pool := NewPool(context.Background(), 1, testDeps(failingSynth{}, newMemBlobs(), newMemSlots()), newLogger())
	defer pool.Close()
	dispatcher := NewLocalDispatcher(pool, tracker)

	job := chapterJob(t, "job-journal", 0, "Hello there.")
	tracker.Begin("chapter", job)
	if ev, ok := tracker.Latest(job.ID); !ok || ev.Status != protocol.StatusQueued {
		t.Fatalf("expected queued status, got %+v", ev)
	}
	if err := dispatcher.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := tracker.Wait(ctx, job.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != protocol.StatusComplete || final.Progress != 100 {
		t.Fatalf("unexpected final event %+v", final)
	}

	stored, err := journal.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if stored.Kind != "chapter" || stored.Voice != "nova" {
		t.Fatalf("unexpected journaled job %+v", stored)
	}
	events, err := journal.ListJobEvents(context.Background(), job.ID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) < 5 {
		t.Fatalf("expected full timeline, got %d events", len(events))
	}
	last := events[len(events)-1]
	if last.Status != protocol.StatusComplete || last.Progress != 100 {
		t.Fatalf("expected complete as last journaled event, got %+v", last)
	}
}

func TestTrackerIgnoresEventsAfterTerminal(t *testing.T) {
	tracker := NewTracker(nil, newLogger())
	tracker.Record(protocol.ProgressEvent{JobID: "j", Status: protocol.StatusError, Progress: 10, Success: boolPtr(false)})
	tracker.Record(protocol.ProgressEvent{JobID: "j", Status: protocol.StatusSynthesizing, Progress: 50})

	ev, ok := tracker.Latest("j")
	if !ok || ev.Status != protocol.StatusError {
		t.Fatalf("terminal event must stick, got %+v", ev)
	}
	got, err := tracker.Wait(context.Background(), "j")
	if err != nil || got.Status != protocol.StatusError {
		t.Fatalf("wait on finished job: %+v %v", got, err)
	}
}

func TestTrackerWaitHonoursContext(t *testing.T) {
	tracker := NewTracker(nil, newLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := tracker.Wait(ctx, "never"); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
