package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-vocoder/internal/bus"
	"github.com/loqalabs/loqa-vocoder/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// SynthCapability is advertised by every node able to serve vocoder.request.
const SynthCapability = "vocoder.synth"

const (
	subjectAnnounce        = "ctrl.node.announce"
	subjectHeartbeatPrefix = "ctrl.node.heartbeat."
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Worker is the registry's view of one vocoder node.
type Worker struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry announces the local worker on the bus and tracks the others.
type Registry struct {
	cfg     config.NodeConfig
	caps    []Capability
	log     *slog.Logger
	bus     *bus.Client
	mu      sync.RWMutex
	workers map[string]*Worker
	cancel  context.CancelFunc
	subs    []*nats.Subscription
	now     func() time.Time
}

// NewRegistry starts announcing cfg's capabilities. attrs, typically the
// loaded model's shape and sample rate, are merged into every capability.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, attrs map[string]string, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:     cfg,
		caps:    convertCapabilities(cfg.Capabilities, attrs),
		log:     log.With(slog.String("component", "capability-registry")),
		bus:     busClient,
		workers: make(map[string]*Worker),
		cancel:  cancel,
		now:     time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	go r.runHeartbeat(ctx, time.Duration(cfg.HeartbeatInterval)*time.Millisecond)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(subjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(subjectHeartbeatPrefix+"*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.caps,
		Timestamp:    r.now().UTC(),
	}
	if err := r.bus.PublishJSON(subjectAnnounce, msg); err != nil {
		return err
	}
	r.updateWorker(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:    r.cfg.ID,
		Timestamp: r.now().UTC(),
	}
	return r.bus.PublishJSON(subjectHeartbeatPrefix+r.cfg.ID, msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.now().UTC()
	}
	r.updateWorker(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now().UTC()
	}
	r.updateWorker(hb.NodeID, "", nil, hb.Timestamp)
}

func (r *Registry) updateWorker(id, role string, capabilities []Capability, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		w = &Worker{ID: id}
		r.workers[id] = w
	}
	if role != "" {
		w.Role = role
	}
	if len(capabilities) > 0 {
		w.Capabilities = capabilities
	}
	w.LastSeen = timestamp
	w.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()
	for _, w := range r.workers {
		if now.Sub(w.LastSeen) > timeout {
			w.Healthy = false
		}
	}
}

// Healthy reports whether the local worker is known and alive.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[r.cfg.ID]
	return ok && w.Healthy
}

// Query returns the workers accepted by every filter, ordered by id.
func (r *Registry) Query(filters ...func(Worker) bool) []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []Worker
next:
	for _, w := range r.workers {
		c := *w
		for _, f := range filters {
			if !f(c) {
				continue next
			}
		}
		results = append(results, c)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-vocoder/capability")
	workers, err := meter.Int64ObservableGauge("vocoder.workers.known", metric.WithDescription("Number of known vocoder nodes"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("vocoder.workers.healthy", metric.WithDescription("Number of vocoder nodes with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		known, alive := r.snapshotCounts()
		obs.ObserveInt64(workers, known)
		obs.ObserveInt64(healthy, alive)
		return nil
	}, workers, healthy)
	return err
}

func (r *Registry) snapshotCounts() (known, healthy int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, w := range r.workers {
		known++
		if w.Healthy {
			healthy++
		}
	}
	return known, healthy
}

// LocalCapabilities is what this node announces.
func (r *Registry) LocalCapabilities() []Capability {
	return append([]Capability(nil), r.caps...)
}

func convertCapabilities(source []config.NodeCapability, attrs map[string]string) []Capability {
	if len(source) == 0 {
		return nil
	}
	result := make([]Capability, 0, len(source))
	for _, c := range source {
		merged := make(map[string]string, len(c.Attributes)+len(attrs))
		maps.Copy(merged, attrs)
		maps.Copy(merged, c.Attributes)
		result = append(result, Capability{
			Name:       c.Name,
			Tier:       c.Tier,
			Attributes: merged,
		})
	}
	return result
}

func WithCapabilityFilter(name string) func(Worker) bool {
	return func(w Worker) bool {
		for _, c := range w.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

// WithAttribute keeps workers advertising a capability whose attribute key
// equals value, e.g. a matching sample rate.
func WithAttribute(key, value string) func(Worker) bool {
	return func(w Worker) bool {
		for _, c := range w.Capabilities {
			if c.Attributes[key] == value {
				return true
			}
		}
		return false
	}
}

func HealthyOnly(w Worker) bool { return w.Healthy }
