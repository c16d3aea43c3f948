package audiojob

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/lectern/internal/config"
	"github.com/loqalabs/lectern/internal/content"
	"github.com/loqalabs/lectern/internal/protocol"
	"github.com/loqalabs/lectern/internal/tts"
)

type managerFixture struct {
	manager *Manager
	store   *content.Store
	blobs   *memBlobs
	pool    *Pool
	item    *content.Item
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	store, err := content.Open(context.Background(), config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "lectern.db")}, newLogger())
	if err != nil {
		t.Fatalf("open content store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	item := &content.Item{
		Type:  content.TypeBook,
		Title: "Tidal Pools",
		Chapters: []content.Chapter{
			{Title: "Low Tide", Content: "<p>Anemones close.</p>"},
			{Title: "High Tide", Content: "<p>Crabs hide.</p>"},
		},
	}
	if err := store.Create(context.Background(), item); err != nil {
		t.Fatalf("create item: %v", err)
	}

	blobs := newMemBlobs()
	deps := testDeps(failingSynth{}, blobs, store)
	pool := NewPool(context.Background(), 2, deps, newLogger())
	t.Cleanup(pool.Close)

	tracker := NewTracker(nil, newLogger())
	manager := NewManager(store, deps, NewLocalDispatcher(pool, tracker), tracker, nil, newLogger())
	return &managerFixture{manager: manager, store: store, blobs: blobs, pool: pool, item: item}
}

func TestManagerStartChapter(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	job, err := f.manager.StartChapter(ctx, content.TypeBook, f.item.ID, 1, "")
	if err != nil {
		t.Fatalf("start chapter: %v", err)
	}
	if job.Voice != "alloy" || job.ChapterIndex != 1 {
		t.Fatalf("unexpected job %+v", job)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	final, err := f.manager.Wait(waitCtx, job.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != protocol.StatusComplete {
		t.Fatalf("expected completion, got %+v", final)
	}
	if got := f.blobs.get("audio/book/" + f.item.ID + "/chapter_1.mp3"); string(got) != "High Tide\x00\x00Crabs hide." {
		t.Fatalf("unexpected chapter audio %q", got)
	}

	item, err := f.store.Get(ctx, f.item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.Audios[1] != final.AudioPath {
		t.Fatalf("expected slot 1 to hold %q, got %v", final.AudioPath, item.Audios)
	}
	if status, ok := f.manager.Status(job.ID); !ok || status.Status != protocol.StatusComplete {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestManagerStartChapterRejects(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	if _, err := f.manager.StartChapter(ctx, content.TypeBook, f.item.ID, 2, ""); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob for out of range chapter, got %v", err)
	}
	if _, err := f.manager.StartChapter(ctx, content.TypeCourse, f.item.ID, 0, ""); !errors.Is(err, content.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for wrong type, got %v", err)
	}
	if _, err := f.manager.StartChapter(ctx, content.TypeBook, f.item.ID, 0, "robot"); !errors.Is(err, tts.ErrUnsupportedVoice) {
		t.Fatalf("expected ErrUnsupportedVoice, got %v", err)
	}
}

func TestManagerDeleteChapter(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	url, err := f.blobs.Put(ctx, []byte("audio"), ChapterFilename(0), AudioFolder(content.TypeBook, f.item.ID), audioContentType)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := f.store.SetChapterAudio(ctx, f.item.ID, 0, url); err != nil {
		t.Fatalf("set slot: %v", err)
	}

	if err := f.manager.DeleteChapter(ctx, content.TypeBook, f.item.ID, 0); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if f.blobs.get(f.blobs.Key(url)) != nil {
		t.Fatal("expected audio object removed")
	}
	item, _ := f.store.Get(ctx, f.item.ID)
	if len(item.Audios) != 0 {
		t.Fatalf("expected slot cleared, got %v", item.Audios)
	}
	if err := f.manager.DeleteChapter(ctx, content.TypeBook, f.item.ID, 0); !errors.Is(err, content.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing audio, got %v", err)
	}
}

func TestManagerDeleteChapterToleratesMissingObject(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	if err := f.store.SetChapterAudio(ctx, f.item.ID, 1, "mem://audio/book/gone/chapter_1.mp3"); err != nil {
		t.Fatalf("set slot: %v", err)
	}
	if err := f.manager.DeleteChapter(ctx, content.TypeBook, f.item.ID, 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestManagerNarrateContent(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	url, err := f.manager.NarrateContent(ctx, content.TypeBook, f.item.ID, "nova")
	if err != nil {
		t.Fatalf("narrate: %v", err)
	}
	if url != "mem://audio/book/"+f.item.ID+"/full.mp3" {
		t.Fatalf("unexpected url %q", url)
	}
	item, _ := f.store.Get(ctx, f.item.ID)
	if item.AudioLocation != url {
		t.Fatalf("expected audio location %q, got %q", url, item.AudioLocation)
	}
}
