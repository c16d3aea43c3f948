package combiner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/lectern/internal/blob"
	"github.com/loqalabs/lectern/internal/config"
	"github.com/loqalabs/lectern/internal/content"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// countingBlobs wraps a local store and counts Open calls.
type countingBlobs struct {
	blob.Store
	mu    sync.Mutex
	opens int
	block bool
}

func (c *countingBlobs) Open(ctx context.Context, urlOrKey string) (io.ReadCloser, error) {
	c.mu.Lock()
	c.opens++
	block := c.block
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return c.Store.Open(ctx, urlOrKey)
}

func (c *countingBlobs) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

type fixture struct {
	combiner *Combiner
	store    *content.Store
	blobs    *countingBlobs
	item     *content.Item
	out      string
}

func newFixture(t *testing.T, cfg config.CombinerConfig) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := content.Open(ctx, config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "lectern.db")}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	local, err := blob.NewLocalStore(t.TempDir(), "http://media.test", newLogger())
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	item := &content.Item{Type: content.TypeCourse, Title: "Sourdough", Chapters: []content.Chapter{{Title: "a"}, {Title: "b"}, {Title: "c"}}}
	if err := store.Create(ctx, item); err != nil {
		t.Fatalf("create: %v", err)
	}

	if cfg.OutputDir == "" {
		cfg.OutputDir = t.TempDir()
	}
	cfg.PublicURL = "http://combined.test/"
	blobs := &countingBlobs{Store: local}
	c, err := New(cfg, store, blobs, newLogger())
	if err != nil {
		t.Fatalf("new combiner: %v", err)
	}
	return &fixture{combiner: c, store: store, blobs: blobs, item: item, out: cfg.OutputDir}
}

func (f *fixture) addChapter(t *testing.T, index int, data string) {
	t.Helper()
	ctx := context.Background()
	url, err := f.blobs.Put(ctx, []byte(data), "chapter_"+string(rune('0'+index))+".mp3", "audio/course/"+f.item.ID, "audio/mpeg")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := f.store.SetChapterAudio(ctx, f.item.ID, index, url); err != nil {
		t.Fatalf("set slot: %v", err)
	}
}

func (f *fixture) outputFiles(t *testing.T) []string {
	t.Helper()
	var files []string
	err := filepath.Walk(f.out, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	return files
}

func TestCombineCopiesInOrderAndCaches(t *testing.T) {
	f := newFixture(t, config.CombinerConfig{Mode: "copy"})
	f.addChapter(t, 2, "CCC")
	f.addChapter(t, 0, "AAA")
	f.addChapter(t, 1, "BBB")
	ctx := context.Background()

	first, err := f.combiner.Combine(ctx, content.TypeCourse, f.item.ID, Options{})
	if err != nil {
		t.Fatalf("combine: %v", err)
	}
	if first.IsExisting {
		t.Fatal("first combine should create the track")
	}
	data, err := os.ReadFile(first.Path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "AAABBBCCC" {
		t.Fatalf("expected chapters in order, got %q", data)
	}
	if first.ChapterCount != 3 || first.Size != 9 || first.Filename != OutputFilename {
		t.Fatalf("unexpected metadata %+v", first.CombinedAudio)
	}
	wantURL := "http://combined.test/course/" + f.item.ID + "/combined_audio.mp3"
	if first.URL != wantURL {
		t.Fatalf("expected url %q, got %q", wantURL, first.URL)
	}
	opens := f.blobs.openCount()

	second, err := f.combiner.Combine(ctx, content.TypeCourse, f.item.ID, Options{})
	if err != nil {
		t.Fatalf("second combine: %v", err)
	}
	if !second.IsExisting {
		t.Fatal("second combine should return the cached track")
	}
	if f.blobs.openCount() != opens {
		t.Fatal("cached combine must not read chapter audio again")
	}
	if second.Path != first.Path || second.Size != first.Size || second.ChapterCount != first.ChapterCount ||
		!second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("cached metadata differs: %+v vs %+v", second.CombinedAudio, first.CombinedAudio)
	}

	third, err := f.combiner.Combine(ctx, content.TypeCourse, f.item.ID, Options{Force: true})
	if err != nil {
		t.Fatalf("forced combine: %v", err)
	}
	if third.IsExisting || f.blobs.openCount() == opens {
		t.Fatal("forced combine must merge again")
	}
}

func TestCombineRegeneratesWhenFileGone(t *testing.T) {
	f := newFixture(t, config.CombinerConfig{})
	f.addChapter(t, 0, "AAA")
	ctx := context.Background()

	first, err := f.combiner.Combine(ctx, content.TypeCourse, f.item.ID, Options{})
	if err != nil {
		t.Fatalf("combine: %v", err)
	}
	if err := os.Remove(first.Path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	again, err := f.combiner.Combine(ctx, content.TypeCourse, f.item.ID, Options{})
	if err != nil {
		t.Fatalf("combine again: %v", err)
	}
	if again.IsExisting {
		t.Fatal("expected a new track when the cached file is gone")
	}
}

func TestCombineGapIsFatal(t *testing.T) {
	f := newFixture(t, config.CombinerConfig{Mode: "copy"})
	f.addChapter(t, 0, "AAA")
	f.addChapter(t, 2, "CCC")

	_, err := f.combiner.Combine(context.Background(), content.TypeCourse, f.item.ID, Options{})
	if !errors.Is(err, ErrMissingChapter) {
		t.Fatalf("expected ErrMissingChapter, got %v", err)
	}
	if files := f.outputFiles(t); len(files) != 0 {
		t.Fatalf("expected no output files, got %v", files)
	}
	item, _ := f.store.Get(context.Background(), f.item.ID)
	if item.Combined != nil {
		t.Fatal("metadata must not be written on failure")
	}
}

func TestCombineMissingObjectRemovesPartialOutput(t *testing.T) {
	f := newFixture(t, config.CombinerConfig{Mode: "copy"})
	f.addChapter(t, 0, "AAA")
	if err := f.store.SetChapterAudio(context.Background(), f.item.ID, 1, "http://media.test/audio/course/gone.mp3"); err != nil {
		t.Fatalf("set slot: %v", err)
	}

	_, err := f.combiner.Combine(context.Background(), content.TypeCourse, f.item.ID, Options{})
	if !errors.Is(err, ErrMissingChapter) {
		t.Fatalf("expected ErrMissingChapter, got %v", err)
	}
	if files := f.outputFiles(t); len(files) != 0 {
		t.Fatalf("expected partial output removed, got %v", files)
	}
}

func TestCombineWithoutAudio(t *testing.T) {
	f := newFixture(t, config.CombinerConfig{})
	_, err := f.combiner.Combine(context.Background(), content.TypeCourse, f.item.ID, Options{})
	if !errors.Is(err, ErrNoChapterAudio) {
		t.Fatalf("expected ErrNoChapterAudio, got %v", err)
	}
	if _, err := f.combiner.Combine(context.Background(), content.TypeBook, f.item.ID, Options{}); !errors.Is(err, content.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for wrong type, got %v", err)
	}
}

func TestCombineTimeout(t *testing.T) {
	f := newFixture(t, config.CombinerConfig{})
	f.addChapter(t, 0, "AAA")
	f.blobs.block = true

	_, err := f.combiner.Combine(context.Background(), content.TypeCourse, f.item.ID, Options{Timeout: 20 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout message, got %v", err)
	}
	if files := f.outputFiles(t); len(files) != 0 {
		t.Fatalf("expected no output after timeout, got %v", files)
	}
}

func TestCombineFFmpegMode(t *testing.T) {
	// Stand-in for ffmpeg: concatenates the files named in the concat list.
	script := filepath.Join(t.TempDir(), "ffmpeg.sh")
	body := `#!/bin/sh
list=""
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -i) list="$2"; shift ;;
  esac
  out="$1"
  shift
done
: > "$out"
sed -e "s/^file '\(.*\)'$/\1/" "$list" | while IFS= read -r f; do cat "$f" >> "$out"; done
`
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	f := newFixture(t, config.CombinerConfig{Mode: "ffmpeg", FFmpegCommand: "sh " + script})
	f.addChapter(t, 0, "one-")
	f.addChapter(t, 1, "two")

	res, err := f.combiner.Combine(context.Background(), content.TypeCourse, f.item.ID, Options{})
	if err != nil {
		t.Fatalf("combine: %v", err)
	}
	data, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(data, []byte("one-two")) {
		t.Fatalf("unexpected output %q", data)
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(config.CombinerConfig{Mode: "splice"}, nil, nil, newLogger()); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if _, err := New(config.CombinerConfig{Mode: "ffmpeg"}, nil, nil, newLogger()); err == nil {
		t.Fatal("expected error for empty ffmpeg command")
	}
}
