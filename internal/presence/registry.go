package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/lectern/internal/bus"
	"github.com/loqalabs/lectern/internal/config"
	"github.com/loqalabs/lectern/internal/protocol"
)

// Worker is an audio worker process seen on the bus.
type Worker struct {
	ID          string    `json:"id"`
	Concurrency int       `json:"concurrency"`
	Voices      []string  `json:"voices,omitempty"`
	LastSeen    time.Time `json:"lastSeen"`
	Healthy     bool      `json:"healthy"`
}

// Registry tracks audio workers through their announcements and heartbeats.
// When self is set the registry also advertises this process.
type Registry struct {
	cfg    config.WorkersConfig
	self   *protocol.WorkerAnnouncement
	bus    *bus.Client
	log    *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	workers map[string]*Worker
	subs    []*nats.Subscription
}

func New(ctx context.Context, cfg config.WorkersConfig, self *protocol.WorkerAnnouncement, busClient *bus.Client, logger *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:     cfg,
		self:    self,
		bus:     busClient,
		log:     logger.With(slog.String("component", "worker-presence")),
		cancel:  cancel,
		workers: make(map[string]*Worker),
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	r.wg.Add(1)
	go r.run(ctx)

	if self != nil {
		if err := r.publish(protocol.SubjectWorkerAnnounce); err != nil {
			r.log.Warn("failed to announce worker", slog.String("error", err.Error()))
		}
		r.update(*self, time.Now())
	}
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectWorkerAnnounce, r.handle)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	heartbeatSub, err := conn.Subscribe(protocol.SubjectWorkerHeartbeatPrefix+".*", r.handle)
	if err != nil {
		_ = announceSub.Unsubscribe()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.mu.Lock()
	r.subs = append(r.subs, announceSub, heartbeatSub)
	r.mu.Unlock()
	return conn.Flush()
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if r.self != nil {
				if err := r.publish(protocol.WorkerHeartbeatSubject(r.self.NodeID)); err != nil {
					r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
				}
			}
			r.evaluateHealth(time.Now())
		}
	}
}

func (r *Registry) publish(subject string) error {
	msg := *r.self
	msg.Timestamp = time.Now().UTC()
	return r.bus.PublishJSON(subject, msg)
}

func (r *Registry) handle(msg *nats.Msg) {
	var ann protocol.WorkerAnnouncement
	if err := json.Unmarshal(msg.Data, &ann); err != nil || ann.NodeID == "" {
		r.log.Warn("invalid worker presence message", slog.String("subject", msg.Subject))
		return
	}
	// Local receipt time keeps health independent of remote clocks.
	r.update(ann, time.Now())
}

func (r *Registry) update(ann protocol.WorkerAnnouncement, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[ann.NodeID]
	if !ok {
		w = &Worker{ID: ann.NodeID}
		r.workers[ann.NodeID] = w
		r.log.Info("audio worker joined", slog.String("node_id", ann.NodeID), slog.Int("concurrency", ann.Concurrency))
	}
	w.Concurrency = ann.Concurrency
	w.Voices = ann.Voices
	w.LastSeen = seen
	w.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, w := range r.workers {
		if w.Healthy && now.Sub(w.LastSeen) > timeout {
			w.Healthy = false
			r.log.Warn("audio worker lost", slog.String("node_id", w.ID), slog.Time("last_seen", w.LastSeen))
		}
	}
}

// Healthy reports whether this process is visible to itself on the bus.
// Registries that only observe are always healthy.
func (r *Registry) Healthy() bool {
	if r.self == nil {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[r.self.NodeID]
	return ok && w.Healthy
}

// Available is the combined concurrency of healthy workers.
func (r *Registry) Available() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, w := range r.workers {
		if w.Healthy {
			total += max(w.Concurrency, 1)
		}
	}
	return total
}

// Workers lists every known worker ordered by id.
func (r *Registry) Workers() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		cp := *w
		cp.Voices = append([]string(nil), w.Voices...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/lectern/presence")
	workers, err := meter.Int64ObservableGauge("lectern.audio.workers", metric.WithDescription("Healthy audio workers"))
	if err != nil {
		return err
	}
	slots, err := meter.Int64ObservableGauge("lectern.audio.worker_slots", metric.WithDescription("Job slots across healthy audio workers"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		healthy := 0
		for _, w := range r.Workers() {
			if w.Healthy {
				healthy++
			}
		}
		obs.ObserveInt64(workers, int64(healthy))
		obs.ObserveInt64(slots, int64(r.Available()))
		return nil
	}, workers, slots)
	return err
}
