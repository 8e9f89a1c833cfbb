// Package gateway broadcasts approved incidents to websocket subscribers.
//
// Incidents are batched on a short flush interval rather than written
// per-event, so a burst of approvals costs each connection one frame. New
// subscribers receive a snapshot of recent incidents before any live
// traffic. Slow consumers are handled per the configured backpressure
// policy: disconnect them, or silently drop their oldest queued frames.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/c360/sentinelstreams/component"
	"github.com/c360/sentinelstreams/config"
	"github.com/c360/sentinelstreams/consensus"
	"github.com/c360/sentinelstreams/errors"
	"github.com/c360/sentinelstreams/health"
	"github.com/c360/sentinelstreams/metric"
	"github.com/c360/sentinelstreams/pkg/buffer"
	"github.com/c360/sentinelstreams/pkg/clock"
	"github.com/c360/sentinelstreams/store"
	"github.com/c360/sentinelstreams/types"
)

const (
	backpressureDisconnect = config.BackpressureDisconnect
	backpressureDropOldest = config.BackpressureDropOldest
)

// StatsProvider exposes consensus counters for the stats endpoint.
type StatsProvider interface {
	StatsSnapshot() consensus.Stats
}

// HealthProvider reports aggregate component health for /healthz.
type HealthProvider interface {
	CheckHealth() health.Status
}

// message is the envelope sent to websocket subscribers.
type message struct {
	Type      string           `json:"type"` // "snapshot" or "incidents"
	Incidents []types.Incident `json:"incidents"`
}

// Metrics holds Prometheus metrics for the gateway.
type Metrics struct {
	connections  prometheus.Gauge
	broadcasts   prometheus.Counter
	disconnects  prometheus.Counter
	sentMessages prometheus.Counter
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Currently connected websocket subscribers",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "gateway",
			Name:      "broadcasts_total",
			Help:      "Flush cycles that sent at least one incident",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "gateway",
			Name:      "slow_consumer_disconnects_total",
			Help:      "Clients disconnected for falling behind",
		}),
		sentMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "gateway",
			Name:      "messages_sent_total",
			Help:      "Frames enqueued to subscribers",
		}),
	}

	_ = registry.RegisterGauge("gateway", "connections", m.connections)
	_ = registry.RegisterCounter("gateway", "broadcasts", m.broadcasts)
	_ = registry.RegisterCounter("gateway", "slow_consumer_disconnects", m.disconnects)
	_ = registry.RegisterCounter("gateway", "messages_sent", m.sentMessages)

	return m
}

// Deps holds runtime dependencies for the gateway.
type Deps struct {
	Config          config.GatewayConfig
	Store           store.Store    // snapshot source, may be nil
	Stats           StatsProvider  // consensus stats endpoint, may be nil
	Health          HealthProvider // aggregate /healthz source, may be nil
	Clock           clock.Clock    // optional, defaults to the system clock
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// Gateway fans approved incidents out to websocket subscribers.
type Gateway struct {
	cfg    config.GatewayConfig
	store  store.Store
	stats  StatsProvider
	health HealthProvider
	clk    clock.Clock
	logger *slog.Logger

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	pendingMu sync.Mutex
	pending   []types.Incident

	cancel    context.CancelFunc
	group     *errgroup.Group
	running   atomic.Bool
	startTime time.Time
	mu        sync.Mutex

	errorCount atomic.Int64
	lastError  atomic.Value // stores string

	metrics *Metrics
	core    *metric.Core
}

var (
	_ component.Discoverable       = (*Gateway)(nil)
	_ component.LifecycleComponent = (*Gateway)(nil)
	_ consensus.IncidentSink       = (*Gateway)(nil)
)

// New creates a broadcast gateway.
func New(deps Deps) *Gateway {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.System
	}

	gw := &Gateway{
		cfg:    deps.Config,
		store:  deps.Store,
		stats:  deps.Stats,
		health: deps.Health,
		clk:    clk,
		logger: logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser dashboards connect from anywhere on the plant network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		metrics: newMetrics(deps.MetricsRegistry),
	}
	if deps.MetricsRegistry != nil {
		gw.core = deps.MetricsRegistry.CoreMetrics()
	}
	gw.lastError.Store("")
	return gw
}

// Meta returns the component metadata.
func (gw *Gateway) Meta() component.Metadata {
	return component.Metadata{
		Name:        "gateway",
		Type:        "output",
		Description: "Websocket incident broadcast gateway",
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component.
func (gw *Gateway) Health() component.HealthStatus {
	lastError, _ := gw.lastError.Load().(string)
	return component.HealthStatus{
		Healthy:    gw.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(gw.errorCount.Load()),
		LastError:  lastError,
		Uptime:     time.Since(gw.startTime),
	}
}

// Initialize validates the component configuration.
func (gw *Gateway) Initialize() error {
	if gw.cfg.ListenAddr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "gateway", "Initialize",
			"listen address required")
	}
	if gw.cfg.FlushInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "gateway", "Initialize",
			"flush interval must be positive")
	}
	if gw.cfg.ClientBufferSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "gateway", "Initialize",
			"client buffer size must be positive")
	}
	switch gw.cfg.Backpressure {
	case backpressureDisconnect, backpressureDropOldest:
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "gateway", "Initialize",
			"unknown backpressure policy "+gw.cfg.Backpressure)
	}
	return nil
}

// Start binds the listener and begins the flush loop.
func (gw *Gateway) Start(_ context.Context) error {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if gw.running.Load() {
		return nil // idempotent
	}

	listener, err := net.Listen("tcp", gw.cfg.ListenAddr)
	if err != nil {
		return errors.WrapTransient(err, "gateway", "Start", "bind listener")
	}
	gw.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.handleWS)
	mux.HandleFunc("/healthz", gw.handleHealthz)
	mux.HandleFunc("/consensus/stats", gw.handleStats)
	gw.server = &http.Server{Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	gw.cancel = cancel
	gw.running.Store(true)
	gw.startTime = time.Now()

	group, gctx := errgroup.WithContext(ctx)
	gw.group = group

	group.Go(func() error {
		gw.flushLoop(gctx)
		return nil
	})
	group.Go(func() error {
		if err := gw.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			gw.errorCount.Add(1)
			gw.lastError.Store(err.Error())
			gw.logger.Error("gateway server stopped", "error", err)
			return err
		}
		return nil
	})

	gw.logger.Info("gateway listening", "addr", listener.Addr().String())
	return nil
}

// Stop flushes pending incidents, closes every client, and shuts the
// server down.
func (gw *Gateway) Stop(timeout time.Duration) error {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if !gw.running.Load() {
		return nil
	}
	gw.running.Store(false)
	gw.cancel()
	gw.flush() // deliver anything still pending before clients go away

	gw.clientsMu.Lock()
	clients := make([]*client, 0, len(gw.clients))
	for c := range gw.clients {
		clients = append(clients, c)
	}
	gw.clientsMu.Unlock()
	for _, c := range clients {
		c.close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := gw.server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "gateway", "Stop", "shutdown server")
	}

	done := make(chan struct{})
	go func() {
		_ = gw.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
	return nil
}

// Addr returns the bound listener address.
func (gw *Gateway) Addr() string {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if gw.listener == nil {
		return ""
	}
	return gw.listener.Addr().String()
}

// Publish queues an approved incident for the next flush. It implements
// the consensus validator's IncidentSink.
func (gw *Gateway) Publish(incident types.Incident) {
	if !gw.running.Load() {
		return
	}
	gw.pendingMu.Lock()
	gw.pending = append(gw.pending, incident)
	gw.pendingMu.Unlock()
	if gw.core != nil {
		gw.core.RecordIncidentPublished("gateway", incident.Priority)
	}
}

// ConnectionCount returns the number of connected subscribers.
func (gw *Gateway) ConnectionCount() int {
	gw.clientsMu.RLock()
	defer gw.clientsMu.RUnlock()
	return len(gw.clients)
}

// flushLoop broadcasts pending incidents on every flush tick.
func (gw *Gateway) flushLoop(ctx context.Context) {
	ticker := gw.clk.NewTicker(gw.cfg.FlushInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			gw.flush()
		}
	}
}

// flush sends the accumulated batch, if any, to every client.
func (gw *Gateway) flush() {
	gw.pendingMu.Lock()
	batch := gw.pending
	gw.pending = nil
	gw.pendingMu.Unlock()

	if len(batch) == 0 {
		return
	}

	frame, err := json.Marshal(message{Type: "incidents", Incidents: batch})
	if err != nil {
		gw.errorCount.Add(1)
		gw.lastError.Store(err.Error())
		return
	}

	gw.clientsMu.RLock()
	clients := make([]*client, 0, len(gw.clients))
	for c := range gw.clients {
		clients = append(clients, c)
	}
	gw.clientsMu.RUnlock()

	for _, c := range clients {
		if err := c.enqueue(frame); err != nil {
			gw.errorCount.Add(1)
			gw.lastError.Store(err.Error())
			continue
		}
		if gw.metrics != nil {
			gw.metrics.sentMessages.Inc()
		}
	}
	if gw.metrics != nil {
		gw.metrics.broadcasts.Inc()
	}
}

// handleWS upgrades the connection and registers a new subscriber.
func (gw *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	if gw.cfg.MaxConnections > 0 && gw.ConnectionCount() >= gw.cfg.MaxConnections {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		gw.errorCount.Add(1)
		gw.lastError.Store(err.Error())
		return
	}

	outbound, err := buffer.NewCircular(gw.cfg.ClientBufferSize,
		buffer.WithOverflowPolicy[[]byte](buffer.DropOldest))
	if err != nil {
		_ = conn.Close()
		return
	}

	c := newClient(gw, conn, outbound)

	gw.clientsMu.Lock()
	gw.clients[c] = struct{}{}
	count := len(gw.clients)
	gw.clientsMu.Unlock()
	if gw.metrics != nil {
		gw.metrics.connections.Set(float64(count))
	}
	gw.logger.Info("subscriber connected", "client", c.addr, "connections", count)

	gw.sendSnapshot(c)

	pingInterval := 30 * time.Second
	if gw.cfg.PingInterval > 0 {
		pingInterval = gw.cfg.PingInterval.Std()
	}
	go c.writePump(pingInterval)
	go c.readPump()
}

// sendSnapshot queues the currently active incidents as the client's
// first frame so dashboards render open state before live updates arrive.
// Resolved incidents never appear in the snapshot.
func (gw *Gateway) sendSnapshot(c *client) {
	if gw.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	incidents, err := gw.store.Active(ctx)
	if err != nil {
		gw.errorCount.Add(1)
		gw.lastError.Store(err.Error())
		gw.logger.Warn("snapshot load failed", "client", c.addr, "error", err)
		return
	}
	if gw.cfg.SnapshotLimit > 0 && len(incidents) > gw.cfg.SnapshotLimit {
		incidents = incidents[:gw.cfg.SnapshotLimit]
	}
	if incidents == nil {
		incidents = []types.Incident{}
	}

	frame, err := json.Marshal(message{Type: "snapshot", Incidents: incidents})
	if err != nil {
		return
	}
	if err := c.enqueue(frame); err != nil {
		gw.errorCount.Add(1)
		gw.lastError.Store(err.Error())
	}
}

func (gw *Gateway) removeClient(c *client) {
	gw.clientsMu.Lock()
	_, present := gw.clients[c]
	delete(gw.clients, c)
	count := len(gw.clients)
	gw.clientsMu.Unlock()

	if !present {
		return
	}
	if gw.metrics != nil {
		gw.metrics.connections.Set(float64(count))
		gw.metrics.disconnects.Inc()
	}
	gw.logger.Info("subscriber disconnected", "client", c.addr, "connections", count)
}

// handleHealthz serves aggregate component health when a provider is
// wired, with 503 signalling an unhealthy platform to load balancers.
// Without a provider it reports the gateway alone.
func (gw *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if gw.health != nil {
		status := gw.health.CheckHealth()
		if !status.IsHealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
		return
	}

	_ = json.NewEncoder(w).Encode(map[string]any{
		"healthy":     gw.running.Load(),
		"connections": gw.ConnectionCount(),
	})
}

func (gw *Gateway) handleStats(w http.ResponseWriter, _ *http.Request) {
	if gw.stats == nil {
		http.Error(w, "stats unavailable", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(gw.stats.StatsSnapshot())
}
