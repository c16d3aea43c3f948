package audiojob

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/lectern/internal/bus"
	"github.com/loqalabs/lectern/internal/config"
	"github.com/loqalabs/lectern/internal/protocol"
)

// BusService consumes chapter jobs from the bus and runs them on a pool,
// publishing every event on the job's progress subject.
type BusService struct {
	cfg    config.WorkersConfig
	bus    *bus.Client
	pool   *Pool
	sub    *nats.Subscription
	logger *slog.Logger
}

func NewBusService(cfg config.WorkersConfig, busClient *bus.Client, pool *Pool, logger *slog.Logger) *BusService {
	return &BusService{
		cfg:    cfg,
		bus:    busClient,
		pool:   pool,
		logger: logger.With(slog.String("component", "audio-bus-service")),
	}
}

func (s *BusService) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectAudioJob, s.cfg.QueueGroup, s.handleJob)
	if err != nil {
		return fmt.Errorf("subscribe audio jobs: %w", err)
	}
	s.sub = sub
	s.logger.Info("audio worker subscribed", slog.String("subject", protocol.SubjectAudioJob), slog.String("queue", s.cfg.QueueGroup))
	return nil
}

func (s *BusService) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
}

func (s *BusService) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *BusService) handleJob(msg *nats.Msg) {
	var job protocol.AudioJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		s.logger.Warn("failed to decode audio job", slogError(err))
		return
	}
	subject := protocol.ProgressSubject(job.ID)
	publish := func(ev protocol.ProgressEvent) {
		if err := s.bus.PublishJSON(subject, ev); err != nil {
			s.logger.Warn("failed to publish progress", slog.String("job_id", job.ID), slogError(err))
		}
	}
	if err := s.pool.Submit(job, publish); err != nil {
		publish(protocol.ProgressEvent{
			JobID:        job.ID,
			ChapterIndex: job.ChapterIndex,
			Status:       protocol.StatusError,
			Success:      boolPtr(false),
			Error:        err.Error(),
		})
	}
}
