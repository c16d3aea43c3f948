package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/lectern/internal/api"
	"github.com/loqalabs/lectern/internal/audiojob"
	"github.com/loqalabs/lectern/internal/blob"
	"github.com/loqalabs/lectern/internal/bus"
	"github.com/loqalabs/lectern/internal/combiner"
	"github.com/loqalabs/lectern/internal/config"
	"github.com/loqalabs/lectern/internal/content"
	"github.com/loqalabs/lectern/internal/course"
	"github.com/loqalabs/lectern/internal/eventstore"
	"github.com/loqalabs/lectern/internal/llm"
	"github.com/loqalabs/lectern/internal/natsserver"
	"github.com/loqalabs/lectern/internal/presence"
	"github.com/loqalabs/lectern/internal/protocol"
	"github.com/loqalabs/lectern/internal/tts"
)

// busWaitSlack is added to the job timeout before a bus job is given up on.
const busWaitSlack = time.Minute

// services holds every long-lived component of the daemon.
type services struct {
	contents   *content.Store
	events     *eventstore.Store
	blobs      blob.Store
	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	pool       *audiojob.Pool
	busService *audiojob.BusService
	busDisp    *audiojob.BusDispatcher
	presence   *presence.Registry
	api        *api.Handler
}

func startServices(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *services, err error) {
	s := &services{}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	if s.contents, err = content.Open(ctx, cfg.Database, logger); err != nil {
		return nil, fmt.Errorf("open content store: %w", err)
	}
	if s.events, err = eventstore.Open(ctx, cfg.EventStore, logger); err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	if err = s.events.Ensure(); err != nil {
		return nil, err
	}
	s.events.StartPruning(ctx)
	if s.blobs, err = blob.New(ctx, cfg.Storage, logger); err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	synth, err := tts.FromConfig(cfg.TTS)
	if err != nil {
		return nil, fmt.Errorf("build speech backend: %w", err)
	}
	voices := tts.NewVoices(cfg.TTS.Voices, cfg.TTS.Voice)
	deps := audiojob.Deps{
		Narrator:     tts.NewNarrator(synth, cfg.TTS.PaddingBytes, 0, logger),
		Blobs:        s.blobs,
		Slots:        s.contents,
		Voices:       voices,
		MaxChunkSize: cfg.TTS.MaxChunkSize,
		Timeout:      time.Duration(cfg.TTS.JobTimeoutSeconds) * time.Second,
		Logger:       logger,
	}
	s.pool = audiojob.NewPool(ctx, cfg.Workers.Concurrency, deps, logger)

	if cfg.Bus.Enabled {
		busCfg := cfg.Bus
		if s.nats, err = natsserver.Start(busCfg, logger); err != nil {
			return nil, fmt.Errorf("start embedded nats: %w", err)
		}
		if s.nats != nil {
			busCfg.Servers = []string{s.nats.ClientURL()}
		}
		if s.bus, err = bus.Connect(ctx, cfg.RuntimeName, busCfg, logger); err != nil {
			return nil, fmt.Errorf("connect bus: %w", err)
		}
		s.busService = audiojob.NewBusService(cfg.Workers, s.bus, s.pool, logger)
		if err = s.busService.Start(); err != nil {
			return nil, err
		}
		if s.presence, err = presence.New(ctx, cfg.Workers, announcement(cfg, voices), s.bus, logger); err != nil {
			return nil, fmt.Errorf("start worker presence: %w", err)
		}
	}

	tracker := audiojob.NewTracker(s.events, logger)
	var dispatcher audiojob.Dispatcher
	switch cfg.Workers.Dispatch {
	case "bus":
		if s.bus == nil {
			return nil, errors.New("bus dispatch requires bus.enabled")
		}
		s.busDisp = audiojob.NewBusDispatcher(s.bus, tracker, deps.Timeout+busWaitSlack, logger).
			RequireWorkers(s.presence)
		dispatcher = s.busDisp
	default:
		dispatcher = audiojob.NewLocalDispatcher(s.pool, tracker)
	}
	manager := audiojob.NewManager(s.contents, deps, dispatcher, tracker, s.events, logger)

	comb, err := combiner.New(cfg.Combiner, s.contents, s.blobs, logger)
	if err != nil {
		return nil, err
	}
	gen, err := llm.FromConfig(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("build llm backend: %w", err)
	}
	courses := course.NewService(cfg.Course, cfg.LLM, gen, s.contents, logger)

	s.api = api.New(s.contents, manager, comb, courses, voices, logger)
	if s.presence != nil {
		s.api.WithWorkers(s.presence)
	}
	return s, nil
}

// announcement describes this process to other nodes, or returns nil when it
// runs no bus workers.
func announcement(cfg config.Config, voices tts.Voices) *protocol.WorkerAnnouncement {
	if !cfg.Workers.Enabled {
		return nil
	}
	id := cfg.Workers.NodeID
	if id == "" {
		id = cfg.RuntimeName + "-" + uuid.NewString()[:8]
	}
	// Node ids are a single subject token.
	id = strings.Map(func(r rune) rune {
		if r == '.' || r == '*' || r == '>' || r == ' ' {
			return '-'
		}
		return r
	}, id)
	return &protocol.WorkerAnnouncement{
		NodeID:      id,
		Concurrency: cfg.Workers.Concurrency,
		Voices:      voices.Names(),
	}
}

func (s *services) healthy() bool {
	if !s.pool.Healthy() {
		return false
	}
	if s.bus != nil && !s.bus.Healthy() {
		return false
	}
	if s.presence != nil && !s.presence.Healthy() {
		return false
	}
	return s.busService == nil || s.busService.Healthy()
}

// close stops components in reverse start order. Components never started are skipped.
func (s *services) close() {
	if s.busDisp != nil {
		s.busDisp.Close()
	}
	if s.presence != nil {
		s.presence.Close()
	}
	if s.busService != nil {
		s.busService.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.nats != nil {
		s.nats.Shutdown()
	}
	if s.events != nil {
		_ = s.events.Close()
	}
	if s.contents != nil {
		_ = s.contents.Close()
	}
}
