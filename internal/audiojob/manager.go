package audiojob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/lectern/internal/blob"
	"github.com/loqalabs/lectern/internal/content"
	"github.com/loqalabs/lectern/internal/eventstore"
	"github.com/loqalabs/lectern/internal/protocol"
	"github.com/loqalabs/lectern/internal/textprep"
)

// ContentStore is the persistence the manager needs.
type ContentStore interface {
	Find(ctx context.Context, contentType, id string) (*content.Item, error)
	ClearChapterAudio(ctx context.Context, id string, index int) (string, error)
	SetAudioLocation(ctx context.Context, id, url string) error
}

// EventLister reads a job's journaled events.
type EventLister interface {
	ListJobEvents(ctx context.Context, jobID string, limit int) ([]eventstore.Event, error)
}

// Manager starts, tracks and undoes audio work for content items.
type Manager struct {
	contents   ContentStore
	deps       Deps
	dispatcher Dispatcher
	tracker    *Tracker
	events     EventLister
	logger     *slog.Logger
}

func NewManager(contents ContentStore, deps Deps, dispatcher Dispatcher, tracker *Tracker, events EventLister, logger *slog.Logger) *Manager {
	return &Manager{
		contents:   contents,
		deps:       deps,
		dispatcher: dispatcher,
		tracker:    tracker,
		events:     events,
		logger:     logger.With(slog.String("component", "audio-manager")),
	}
}

// StartChapter dispatches a narration job for one chapter and returns it.
func (m *Manager) StartChapter(ctx context.Context, contentType, id string, index int, voice string) (protocol.AudioJob, error) {
	voice, err := m.deps.Voices.Resolve(voice)
	if err != nil {
		return protocol.AudioJob{}, err
	}
	item, err := m.contents.Find(ctx, contentType, id)
	if err != nil {
		return protocol.AudioJob{}, err
	}
	if index < 0 || index >= len(item.Chapters) {
		return protocol.AudioJob{}, fmt.Errorf("%w: chapter %d out of range (%d chapters)", ErrInvalidJob, index, len(item.Chapters))
	}
	chapter, err := json.Marshal(item.Chapters[index])
	if err != nil {
		return protocol.AudioJob{}, err
	}
	job := protocol.AudioJob{
		ID:             uuid.NewString(),
		ContentID:      item.ID,
		ContentType:    item.Type,
		ChapterIndex:   index,
		ChapterContent: chapter,
		Voice:          voice,
	}
	m.tracker.Begin("chapter", job)
	if err := m.dispatcher.Dispatch(ctx, job); err != nil {
		m.tracker.Record(protocol.ProgressEvent{
			JobID:        job.ID,
			ChapterIndex: index,
			Status:       protocol.StatusError,
			Success:      boolPtr(false),
			Error:        err.Error(),
			Timestamp:    time.Now().UTC(),
		})
		return protocol.AudioJob{}, fmt.Errorf("dispatch chapter %d: %w", index, err)
	}
	m.logger.Info("chapter audio job dispatched",
		slog.String("job_id", job.ID),
		slog.String("content_id", item.ID),
		slog.Int("chapter", index))
	return job, nil
}

// Status returns the latest event of a job known to this process.
func (m *Manager) Status(jobID string) (protocol.ProgressEvent, bool) {
	return m.tracker.Latest(jobID)
}

// Wait blocks until the job's terminal event.
func (m *Manager) Wait(ctx context.Context, jobID string) (protocol.ProgressEvent, error) {
	return m.tracker.Wait(ctx, jobID)
}

// Events returns the journaled history of a job.
func (m *Manager) Events(ctx context.Context, jobID string) ([]eventstore.Event, error) {
	if m.events == nil {
		return nil, nil
	}
	return m.events.ListJobEvents(ctx, jobID, 500)
}

// DeleteChapter removes a chapter's audio object and clears its slot.
func (m *Manager) DeleteChapter(ctx context.Context, contentType, id string, index int) error {
	item, err := m.contents.Find(ctx, contentType, id)
	if err != nil {
		return err
	}
	url, ok := item.Audios[index]
	if !ok {
		return fmt.Errorf("%w: chapter %d has no audio", content.ErrNotFound, index)
	}
	if err := m.deps.Blobs.Delete(ctx, url); err != nil {
		if !errors.Is(err, blob.ErrNotExist) {
			return fmt.Errorf("delete chapter %d audio: %w", index, err)
		}
		m.logger.Warn("chapter audio object already gone", slog.String("url", url))
	}
	if _, err := m.contents.ClearChapterAudio(ctx, item.ID, index); err != nil {
		return err
	}
	m.logger.Info("chapter audio deleted", slog.String("content_id", item.ID), slog.Int("chapter", index))
	return nil
}

// NarrateContent narrates every chapter of an item into one track and stores
// its URL as the item's audio location.
func (m *Manager) NarrateContent(ctx context.Context, contentType, id, voice string) (string, error) {
	voice, err := m.deps.Voices.Resolve(voice)
	if err != nil {
		return "", err
	}
	item, err := m.contents.Find(ctx, contentType, id)
	if err != nil {
		return "", err
	}
	timeout := m.deps.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	job := protocol.AudioJob{ID: uuid.NewString(), ContentID: item.ID, ContentType: item.Type, ChapterIndex: -1, Voice: voice}
	m.tracker.Begin("narration", job)

	url, err := m.narrate(ctx, item, voice)
	ev := protocol.ProgressEvent{JobID: job.ID, ChapterIndex: -1, Timestamp: time.Now().UTC()}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("narration timed out after %s: %w", timeout, err)
		}
		ev.Status, ev.Success, ev.Error = protocol.StatusError, boolPtr(false), err.Error()
		m.tracker.Record(ev)
		return "", err
	}
	ev.Status, ev.Success, ev.Progress, ev.AudioPath = protocol.StatusComplete, boolPtr(true), progressComplete, url
	m.tracker.Record(ev)
	return url, nil
}

func (m *Manager) narrate(ctx context.Context, item *content.Item, voice string) (string, error) {
	sections := []textprep.Section{{Title: item.Title}}
	for _, ch := range item.Chapters {
		sections = append(sections, textprep.Section{Title: ch.Title, Body: ch.Content})
	}
	chunks := textprep.Chunk(textprep.NormalizeSections(sections, textprep.Options{}), m.deps.MaxChunkSize)
	if len(chunks) == 0 {
		return "", ErrNoText
	}
	audio, err := m.deps.Narrator.Narrate(ctx, chunks, voice, nil)
	if err != nil {
		return "", fmt.Errorf("synthesize %s %s: %w", item.Type, item.ID, err)
	}
	url, err := m.deps.Blobs.Put(ctx, audio, "full.mp3", AudioFolder(item.Type, item.ID), audioContentType)
	if err != nil {
		return "", fmt.Errorf("upload narration: %w", err)
	}
	if err := m.contents.SetAudioLocation(ctx, item.ID, url); err != nil {
		return "", err
	}
	m.logger.Info("content narrated", slog.String("content_id", item.ID), slog.Int("chunks", len(chunks)))
	return url, nil
}
