package audiojob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/lectern/internal/blob"
	"github.com/loqalabs/lectern/internal/content"
	"github.com/loqalabs/lectern/internal/protocol"
	"github.com/loqalabs/lectern/internal/textprep"
	"github.com/loqalabs/lectern/internal/tts"
)

const instrumentation = "github.com/loqalabs/lectern/audiojob"

// Progress checkpoints of a chapter job.
const (
	progressStart    = 5
	progressChunked  = 10
	progressSynthEnd = 90
	progressUpload   = 92
	progressUpdate   = 98
	progressComplete = 100
)

const (
	audioContentType  = "audio/mpeg"
	defaultJobTimeout = 30 * time.Minute
)

// Narrator synthesizes chunks into one audio buffer.
type Narrator interface {
	Narrate(ctx context.Context, chunks []string, voice string, progress tts.ProgressFunc) ([]byte, error)
}

// SlotWriter persists the audio URL of one chapter.
type SlotWriter interface {
	SetChapterAudio(ctx context.Context, id string, index int, url string) error
}

// Deps are the collaborators shared by every worker.
type Deps struct {
	Narrator     Narrator
	Blobs        blob.Store
	Slots        SlotWriter
	Voices       tts.Voices
	MaxChunkSize int
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Sink receives the events of one job in order.
type Sink func(protocol.ProgressEvent)

// Worker runs exactly one chapter job.
type Worker struct {
	job    protocol.AudioJob
	deps   Deps
	sink   Sink
	last   int
	done   bool
	logger *slog.Logger
	jobs   metric.Int64Counter
}

func NewWorker(job protocol.AudioJob, deps Deps, sink Sink) *Worker {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	jobs, _ := otel.Meter(instrumentation).Int64Counter("lectern.audio.jobs",
		metric.WithDescription("Chapter audio jobs by terminal status"))
	return &Worker{
		job:  job,
		deps: deps,
		sink: sink,
		logger: logger.With(
			slog.String("component", "audio-worker"),
			slog.String("job_id", job.ID),
			slog.Int("chapter", job.ChapterIndex),
		),
		jobs: jobs,
	}
}

// Run executes the job and returns its terminal event. It must be called once.
func (w *Worker) Run(ctx context.Context) protocol.ProgressEvent {
	if w.done {
		panic("audiojob: worker reused")
	}
	timeout := w.deps.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := otel.Tracer(instrumentation).Start(ctx, "audiojob.chapter")
	span.SetAttributes(
		attribute.String("job.id", w.job.ID),
		attribute.String("content.id", w.job.ContentID),
		attribute.Int("chapter.index", w.job.ChapterIndex),
	)
	defer span.End()

	url, err := w.run(ctx)
	var final protocol.ProgressEvent
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("chapter audio timed out after %s: %w", timeout, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.logger.Error("chapter audio failed", slogError(err))
		final = w.event(protocol.StatusError, w.last)
		final.Success = boolPtr(false)
		final.Error = err.Error()
	} else {
		final = w.event(protocol.StatusComplete, progressComplete)
		final.Success = boolPtr(true)
		final.AudioPath = url
		final.Message = fmt.Sprintf("Audio for chapter %d generated", w.job.ChapterIndex+1)
		w.logger.Info("chapter audio complete", slog.String("url", url))
	}
	if w.jobs != nil {
		w.jobs.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", final.Status)))
	}
	w.done = true
	w.publish(final)
	return final
}

func (w *Worker) run(ctx context.Context) (string, error) {
	job := w.job
	voice, err := validate(job, w.deps.Voices)
	if err != nil {
		return "", err
	}
	w.emit(protocol.StatusStarting, progressStart)

	var raw any
	if err := json.Unmarshal(job.ChapterContent, &raw); err != nil {
		return "", fmt.Errorf("%w: decode chapter content: %w", ErrInvalidJob, err)
	}
	text, err := textprep.Normalize(raw, textprep.Options{})
	if err != nil {
		return "", fmt.Errorf("normalize chapter %d: %w", job.ChapterIndex, err)
	}
	chunks := textprep.Chunk(text, w.deps.MaxChunkSize)
	if len(chunks) == 0 {
		return "", ErrNoText
	}
	w.logger.Debug("chapter chunked", slog.Int("chunks", len(chunks)), slog.Int("runes", len([]rune(text))))
	w.emit(protocol.StatusProcessing, progressChunked)

	audio, err := w.deps.Narrator.Narrate(ctx, chunks, voice, func(done, total int) {
		span := progressSynthEnd - progressChunked
		w.emit(protocol.StatusSynthesizing, progressChunked+done*span/total)
	})
	if err != nil {
		return "", fmt.Errorf("synthesize chapter %d: %w", job.ChapterIndex, err)
	}

	w.emit(protocol.StatusFinalizing, progressUpload)
	url, err := w.deps.Blobs.Put(ctx, audio, ChapterFilename(job.ChapterIndex), AudioFolder(job.ContentType, job.ContentID), audioContentType)
	if err != nil {
		return "", fmt.Errorf("upload chapter %d audio: %w", job.ChapterIndex, err)
	}

	w.emit(protocol.StatusUpdating, progressUpdate)
	if err := w.deps.Slots.SetChapterAudio(ctx, job.ContentID, job.ChapterIndex, url); err != nil {
		return "", fmt.Errorf("record chapter %d audio: %w", job.ChapterIndex, err)
	}
	return url, nil
}

func validate(job protocol.AudioJob, voices tts.Voices) (string, error) {
	switch {
	case job.ID == "":
		return "", fmt.Errorf("%w: missing job id", ErrInvalidJob)
	case job.ContentID == "":
		return "", fmt.Errorf("%w: missing content id", ErrInvalidJob)
	case !content.ValidType(job.ContentType):
		return "", fmt.Errorf("%w: unknown content type %q", ErrInvalidJob, job.ContentType)
	case job.ChapterIndex < 0:
		return "", fmt.Errorf("%w: negative chapter index", ErrInvalidJob)
	case len(job.ChapterContent) == 0:
		return "", fmt.Errorf("%w: missing chapter content", ErrInvalidJob)
	}
	return voices.Resolve(job.Voice)
}

// emit publishes a non-terminal event, never moving progress backwards.
func (w *Worker) emit(status string, progress int) {
	if progress < w.last {
		progress = w.last
	}
	w.last = progress
	w.publish(w.event(status, progress))
}

func (w *Worker) event(status string, progress int) protocol.ProgressEvent {
	return protocol.ProgressEvent{
		JobID:        w.job.ID,
		ChapterIndex: w.job.ChapterIndex,
		Progress:     progress,
		Status:       status,
		Timestamp:    time.Now().UTC(),
	}
}

func (w *Worker) publish(ev protocol.ProgressEvent) {
	if w.sink != nil {
		w.sink(ev)
	}
}

// AudioFolder is the storage folder of an item's audio.
func AudioFolder(contentType, contentID string) string {
	return fmt.Sprintf("audio/%s/%s", contentType, contentID)
}

// ChapterFilename is the object name of a chapter's audio.
func ChapterFilename(index int) string {
	return fmt.Sprintf("chapter_%d.mp3", index)
}

func boolPtr(b bool) *bool { return &b }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
