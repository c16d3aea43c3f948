package audiojob

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/lectern/internal/eventstore"
	"github.com/loqalabs/lectern/internal/protocol"
)

// Journal records job timelines.
type Journal interface {
	AppendJob(ctx context.Context, job eventstore.Job) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// Tracker keeps the latest event of every job and journals each event.
type Tracker struct {
	journal Journal
	log     *slog.Logger

	mu     sync.RWMutex
	latest map[string]protocol.ProgressEvent
	waits  map[string][]chan protocol.ProgressEvent
}

func NewTracker(journal Journal, logger *slog.Logger) *Tracker {
	return &Tracker{
		journal: journal,
		log:     logger.With(slog.String("component", "audio-tracker")),
		latest:  make(map[string]protocol.ProgressEvent),
		waits:   make(map[string][]chan protocol.ProgressEvent),
	}
}

// Begin registers a job before it is dispatched.
func (t *Tracker) Begin(kind string, job protocol.AudioJob) {
	t.mu.Lock()
	t.latest[job.ID] = protocol.ProgressEvent{
		JobID:        job.ID,
		ChapterIndex: job.ChapterIndex,
		Status:       protocol.StatusQueued,
		Timestamp:    time.Now().UTC(),
	}
	t.mu.Unlock()

	if t.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := t.journal.AppendJob(ctx, eventstore.Job{
		ID:           job.ID,
		Kind:         kind,
		ContentID:    job.ContentID,
		ContentType:  job.ContentType,
		ChapterIndex: job.ChapterIndex,
		Voice:        job.Voice,
	})
	if err != nil {
		t.log.Warn("failed to journal job", slog.String("job_id", job.ID), slogError(err))
	}
}

// Record stores ev as the latest event of its job. Events arriving after a
// terminal event are ignored. Waiters are released once the event is journaled.
func (t *Tracker) Record(ev protocol.ProgressEvent) {
	t.mu.Lock()
	if prev, ok := t.latest[ev.JobID]; ok && prev.Terminal() {
		t.mu.Unlock()
		return
	}
	t.latest[ev.JobID] = ev
	var waiters []chan protocol.ProgressEvent
	if ev.Terminal() {
		waiters = t.waits[ev.JobID]
		delete(t.waits, ev.JobID)
	}
	t.mu.Unlock()

	t.journalEvent(ev)
	for _, ch := range waiters {
		ch <- ev
		close(ch)
	}
}

func (t *Tracker) journalEvent(ev protocol.ProgressEvent) {
	if t.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload, err := json.Marshal(ev)
	if err != nil {
		t.log.Warn("failed to marshal job event", slogError(err))
		return
	}
	message := ev.Message
	if ev.Error != "" {
		message = ev.Error
	}
	evt := eventstore.Event{
		JobID:    ev.JobID,
		Status:   ev.Status,
		Progress: ev.Progress,
		Message:  message,
		Payload:  payload,
	}
	if err := t.journal.AppendEvent(ctx, evt); err != nil {
		t.log.Warn("failed to journal job event", slog.String("job_id", ev.JobID), slogError(err))
	}
}

// Latest returns the most recent event of jobID.
func (t *Tracker) Latest(jobID string) (protocol.ProgressEvent, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ev, ok := t.latest[jobID]
	return ev, ok
}

// Wait blocks until jobID reaches a terminal event or ctx is done.
func (t *Tracker) Wait(ctx context.Context, jobID string) (protocol.ProgressEvent, error) {
	t.mu.Lock()
	if ev, ok := t.latest[jobID]; ok && ev.Terminal() {
		t.mu.Unlock()
		return ev, nil
	}
	ch := make(chan protocol.ProgressEvent, 1)
	t.waits[jobID] = append(t.waits[jobID], ch)
	t.mu.Unlock()

	select {
	case ev := <-ch:
		return ev, nil
	case <-ctx.Done():
		return protocol.ProgressEvent{}, ctx.Err()
	}
}
