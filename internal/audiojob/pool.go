package audiojob

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/lectern/internal/protocol"
)

// Pool runs chapter jobs on at most concurrency workers. Each lease gets a
// fresh Worker and is released as soon as that worker emits its terminal event.
type Pool struct {
	deps   Deps
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sema   chan struct{}
	log    *slog.Logger
}

func NewPool(parent context.Context, concurrency int, deps Deps, logger *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(parent)
	if deps.Logger == nil {
		deps.Logger = logger
	}
	return &Pool{
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		sema:   make(chan struct{}, concurrency),
		log:    logger.With(slog.String("component", "audio-pool")),
	}
}

// Submit queues job. Events, including the terminal one, are delivered to sink
// from the worker goroutine.
func (p *Pool) Submit(job protocol.AudioJob, sink Sink) error {
	select {
	case <-p.ctx.Done():
		return ErrPoolClosed
	default:
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case p.sema <- struct{}{}:
		case <-p.ctx.Done():
			p.log.Warn("job dropped at shutdown", slog.String("job_id", job.ID))
			if sink != nil {
				sink(protocol.ProgressEvent{
					JobID:        job.ID,
					ChapterIndex: job.ChapterIndex,
					Status:       protocol.StatusError,
					Success:      boolPtr(false),
					Error:        ErrPoolClosed.Error(),
					Timestamp:    time.Now().UTC(),
				})
			}
			return
		}
		defer func() { <-p.sema }()
		NewWorker(job, p.deps, sink).Run(p.ctx)
	}()
	return nil
}

// Close cancels running jobs and waits for their terminal events.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}

// Healthy reports whether the pool accepts jobs.
func (p *Pool) Healthy() bool {
	return p != nil && p.ctx.Err() == nil
}
