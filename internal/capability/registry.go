// Package capability tracks generation daemons on the bus. Each daemon announces
// its backend once and then heartbeats; peers mark a worker unhealthy when its
// heartbeats stop.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Worker is the registry's view of one daemon.
type Worker struct {
	NodeID    string    `json:"node_id"`
	Backend   string    `json:"backend,omitempty"`
	Model     string    `json:"model,omitempty"`
	Tokenizes bool      `json:"tokenizes"`
	LastSeen  time.Time `json:"last_seen"`
	Healthy   bool      `json:"healthy"`
}

type Registry struct {
	cfg     config.NodeConfig
	self    *protocol.WorkerAnnounce
	log     *slog.Logger
	bus     *bus.Client
	now     func() time.Time
	mu      sync.RWMutex
	workers map[string]*Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	subs    []*nats.Subscription
}

// NewRegistry subscribes to worker traffic. When self is non-nil the registry
// also announces and heartbeats on behalf of this process.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, self *protocol.WorkerAnnounce, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:     cfg,
		self:    self,
		log:     log.With(slog.String("component", "worker-registry")),
		bus:     busClient,
		now:     time.Now,
		workers: make(map[string]*Worker),
		cancel:  cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}

	r.wg.Add(1)
	go r.loop(ctx)

	if self != nil {
		if err := r.announce(); err != nil {
			r.log.Warn("failed to announce worker", slog.String("error", err.Error()))
		}
	}
	return r, nil
}

func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.wg.Wait()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectWorkerAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectWorkerHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return conn.Flush()
}

func (r *Registry) loop(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if r.self != nil {
				if err := r.publishHeartbeat(); err != nil {
					r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
				}
			}
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := *r.self
	msg.NodeID = r.cfg.ID
	msg.Timestamp = r.now().UTC()
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(protocol.SubjectWorkerAnnounce, payload); err != nil {
		return err
	}
	r.update(msg, true)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.WorkerHeartbeat{NodeID: r.cfg.ID, Timestamp: r.now().UTC()}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(protocol.SubjectWorkerHeartbeat+"."+r.cfg.ID, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.WorkerAnnounce
	if err := json.Unmarshal(msg.Data, &announcement); err != nil || announcement.NodeID == "" {
		r.log.Warn("invalid announce message", slog.String("subject", msg.Subject))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.now().UTC()
	}
	r.update(announcement, true)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.WorkerHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message", slog.String("subject", msg.Subject))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now().UTC()
	}
	r.update(protocol.WorkerAnnounce{NodeID: hb.NodeID, Timestamp: hb.Timestamp}, false)
}

// update records a sighting. Heartbeats carry no backend details, so they only
// refresh liveness.
func (r *Registry) update(msg protocol.WorkerAnnounce, full bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[msg.NodeID]
	if !ok {
		w = &Worker{NodeID: msg.NodeID}
		r.workers[msg.NodeID] = w
	}
	if full {
		w.Backend = msg.Backend
		w.Model = msg.Model
		w.Tokenizes = msg.Tokenizes
	}
	if msg.Timestamp.After(w.LastSeen) {
		w.LastSeen = msg.Timestamp
	}
	w.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()
	for _, w := range r.workers {
		if now.Sub(w.LastSeen) > timeout {
			if w.Healthy {
				r.log.Warn("worker heartbeat lost", slog.String("node_id", w.NodeID))
			}
			w.Healthy = false
		}
	}
}

// Healthy reports whether this process is registered and live. An observing
// registry is always healthy.
func (r *Registry) Healthy() bool {
	if r == nil || r.self == nil {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[r.cfg.ID]
	return ok && w.Healthy
}

// Query returns known workers accepted by filter, sorted by node id.
func (r *Registry) Query(filter func(Worker) bool) []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []Worker
	for _, w := range r.workers {
		if filter == nil || filter(*w) {
			results = append(results, *w)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].NodeID < results[j].NodeID })
	return results
}

func WithBackend(name string) func(Worker) bool {
	return func(w Worker) bool { return w.Backend == name }
}

func OnlyHealthy(w Worker) bool { return w.Healthy }

func (r *Registry) initMetrics() error {
	gauge, err := otel.Meter("loqa-tts/capability").Int64ObservableGauge("generate.workers.healthy",
		metric.WithDescription("Generation workers with a live heartbeat"))
	if err != nil {
		return err
	}
	_, err = otel.Meter("loqa-tts/capability").RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(len(r.Query(OnlyHealthy))))
		return nil
	}, gauge)
	return err
}
