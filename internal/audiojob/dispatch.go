package audiojob

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/lectern/internal/bus"
	"github.com/loqalabs/lectern/internal/protocol"
)

// Dispatcher hands a chapter job to a worker. Events flow into the tracker.
type Dispatcher interface {
	Dispatch(ctx context.Context, job protocol.AudioJob) error
}

var (
	_ Dispatcher = (*LocalDispatcher)(nil)
	_ Dispatcher = (*BusDispatcher)(nil)
)

// LocalDispatcher runs jobs on an in-process pool.
type LocalDispatcher struct {
	pool    *Pool
	tracker *Tracker
}

func NewLocalDispatcher(pool *Pool, tracker *Tracker) *LocalDispatcher {
	return &LocalDispatcher{pool: pool, tracker: tracker}
}

func (d *LocalDispatcher) Dispatch(_ context.Context, job protocol.AudioJob) error {
	return d.pool.Submit(job, d.tracker.Record)
}

// WorkerCounter reports the job slots of reachable workers.
type WorkerCounter interface {
	Available() int
}

// BusDispatcher publishes jobs to remote workers and relays their progress.
type BusDispatcher struct {
	bus     *bus.Client
	tracker *Tracker
	wait    time.Duration
	workers WorkerCounter
	log     *slog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewBusDispatcher gives up on a job whose terminal event has not arrived
// within wait.
func NewBusDispatcher(client *bus.Client, tracker *Tracker, wait time.Duration, logger *slog.Logger) *BusDispatcher {
	return &BusDispatcher{
		bus:     client,
		tracker: tracker,
		wait:    wait,
		log:     logger.With(slog.String("component", "audio-bus-dispatcher")),
		subs:    make(map[string]*nats.Subscription),
	}
}

// RequireWorkers makes Dispatch fail fast with ErrNoWorkers while workers
// reports no capacity.
func (d *BusDispatcher) RequireWorkers(workers WorkerCounter) *BusDispatcher {
	d.workers = workers
	return d
}

func (d *BusDispatcher) Dispatch(ctx context.Context, job protocol.AudioJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.workers != nil && d.workers.Available() == 0 {
		return ErrNoWorkers
	}
	sub, err := d.bus.Conn().Subscribe(protocol.ProgressSubject(job.ID), func(msg *nats.Msg) {
		var ev protocol.ProgressEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			d.log.Warn("failed to decode progress event", slogError(err))
			return
		}
		d.tracker.Record(ev)
		if ev.Terminal() {
			d.release(job.ID)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe progress: %w", err)
	}
	d.mu.Lock()
	d.subs[job.ID] = sub
	d.mu.Unlock()

	// The subscription must reach the server before a worker can answer.
	if err := d.bus.Conn().Flush(); err != nil {
		d.release(job.ID)
		return fmt.Errorf("flush progress subscription: %w", err)
	}
	if err := d.bus.PublishJSON(protocol.SubjectAudioJob, job); err != nil {
		d.release(job.ID)
		return fmt.Errorf("publish audio job: %w", err)
	}

	if d.wait > 0 {
		time.AfterFunc(d.wait, func() {
			if !d.release(job.ID) {
				return
			}
			d.log.Warn("no terminal event from worker", slog.String("job_id", job.ID))
			last, _ := d.tracker.Latest(job.ID)
			d.tracker.Record(protocol.ProgressEvent{
				JobID:        job.ID,
				ChapterIndex: job.ChapterIndex,
				Progress:     last.Progress,
				Status:       protocol.StatusError,
				Success:      boolPtr(false),
				Error:        fmt.Sprintf("no response from audio worker within %s", d.wait),
				Timestamp:    time.Now().UTC(),
			})
		})
	}
	return nil
}

// release drops the progress subscription of jobID. It reports whether one existed.
func (d *BusDispatcher) release(jobID string) bool {
	d.mu.Lock()
	sub, ok := d.subs[jobID]
	delete(d.subs, jobID)
	d.mu.Unlock()
	if ok {
		_ = sub.Unsubscribe()
	}
	return ok
}

// Close drops every outstanding progress subscription.
func (d *BusDispatcher) Close() {
	d.mu.Lock()
	subs := d.subs
	d.subs = make(map[string]*nats.Subscription)
	d.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}
