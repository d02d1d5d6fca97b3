package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

// Describer reports what this node currently offers. It is consulted on
// every heartbeat and a fresh announcement goes out when the answer changes.
type Describer func() []Capability

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

// Registry advertises this node on the bus and tracks its peers.
type Registry struct {
	cfg      config.NodeConfig
	describe Describer
	log      *slog.Logger
	bus      *bus.Client
	cancel   context.CancelFunc
	subs     []*nats.Subscription
	wg       sync.WaitGroup

	mu        sync.RWMutex
	nodes     map[string]*NodeInfo
	announced []byte
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, describe Describer, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	if describe == nil {
		describe = func() []Capability { return nil }
	}
	r := &Registry{
		cfg:      cfg,
		describe: describe,
		log:      log.With(slog.String("component", "capability-registry")),
		bus:      busClient,
		nodes:    make(map[string]*NodeInfo),
		cancel:   cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		r.unsubscribe()
		return nil, err
	}

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go r.run(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	r.unsubscribe()
}

func (r *Registry) unsubscribe() {
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.changed() {
				if err := r.announce(); err != nil {
					r.log.Warn("failed to announce node", slog.String("error", err.Error()))
				}
			}
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.evaluateHealth()
		}
	}
}

func (r *Registry) changed() bool {
	encoded, err := json.Marshal(r.describe())
	if err != nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !bytes.Equal(encoded, r.announced)
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.describe(),
		Timestamp:    time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(msg.Capabilities)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(protocol.SubjectNodeAnnounce, payload); err != nil {
		return err
	}
	r.mu.Lock()
	r.announced = encoded
	r.mu.Unlock()
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:    r.cfg.ID,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(protocol.SubjectNodeHeartbeat+"."+r.cfg.ID, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.NodeID == "" || announcement.NodeID == r.cfg.ID {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.mu.RLock()
	_, known := r.nodes[announcement.NodeID]
	r.mu.RUnlock()

	r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.Timestamp)

	// Newcomers have not heard our announcement yet.
	if !known {
		if err := r.announce(); err != nil {
			r.log.Warn("failed to announce node", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateNode(hb.NodeID, "", nil, hb.Timestamp)
}

func (r *Registry) updateNode(nodeID, role string, capabilities []Capability, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if capabilities != nil {
		node.Capabilities = capabilities
	}
	node.LastSeen = timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := time.Now()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node still hears its own heartbeats.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		snapshot := *node
		snapshot.Capabilities = append([]Capability(nil), node.Capabilities...)
		if filter == nil || filter(snapshot) {
			results = append(results, snapshot)
		}
	}
	return results
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/capability")
	nodes, err := meter.Int64ObservableGauge("scribe.nodes", metric.WithDescription("Known scribe nodes"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("scribe.nodes.healthy", metric.WithDescription("Scribe nodes with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		total, up := r.snapshotCounts()
		obs.ObserveInt64(nodes, total)
		obs.ObserveInt64(healthy, up)
		return nil
	}, nodes, healthy)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total, up int64
	for _, node := range r.nodes {
		total++
		if node.Healthy {
			up++
		}
	}
	return total, up
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}
