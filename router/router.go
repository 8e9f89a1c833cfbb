// Package router implements the ingestion router: the single funnel between
// protocol adapters and the rule engine.
//
// Each source gets its own bounded queue so one chatty PLC cannot starve the
// rest of the plant. Queues drop their oldest reading under overload, which
// keeps the most recent value flowing. An optional dedup window suppresses
// identical readings produced by publish storms.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sentinelstreams/component"
	"github.com/c360/sentinelstreams/config"
	"github.com/c360/sentinelstreams/errors"
	"github.com/c360/sentinelstreams/metric"
	"github.com/c360/sentinelstreams/pkg/buffer"
	"github.com/c360/sentinelstreams/pkg/clock"
	"github.com/c360/sentinelstreams/types"
)

// Handler consumes readings the router has accepted.
type Handler interface {
	Handle(reading types.SensorReading)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(reading types.SensorReading)

// Handle calls f(reading).
func (f HandlerFunc) Handle(reading types.SensorReading) { f(reading) }

// Metrics holds Prometheus metrics for the router.
type Metrics struct {
	received   prometheus.Counter
	deduped    prometheus.Counter
	dropped    prometheus.Counter
	dispatched prometheus.Counter
	queueDepth *prometheus.GaugeVec
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "router",
			Name:      "readings_received_total",
			Help:      "Readings offered to the router",
		}),
		deduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "router",
			Name:      "readings_deduplicated_total",
			Help:      "Readings suppressed by the dedup window",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "router",
			Name:      "readings_dropped_total",
			Help:      "Readings dropped by queue overflow",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "router",
			Name:      "readings_dispatched_total",
			Help:      "Readings handed to the rule engine",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "router",
			Name:      "queue_depth",
			Help:      "Current depth of each per-source queue",
		}, []string{"source"}),
	}

	_ = registry.RegisterCounter("router", "readings_received", m.received)
	_ = registry.RegisterCounter("router", "readings_deduplicated", m.deduped)
	_ = registry.RegisterCounter("router", "readings_dropped", m.dropped)
	_ = registry.RegisterCounter("router", "readings_dispatched", m.dispatched)
	_ = registry.RegisterGaugeVec("router", "queue_depth", m.queueDepth)

	return m
}

// Deps holds runtime dependencies for the router.
type Deps struct {
	Config          config.RouterConfig
	Handler         Handler
	Clock           clock.Clock // optional, defaults to the system clock
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// sourceQueue pairs a bounded buffer with a wake channel for its worker.
type sourceQueue struct {
	buf    buffer.Buffer[types.SensorReading]
	signal chan struct{}
}

// Router fans readings from all inputs into the rule engine through
// per-source bounded queues.
type Router struct {
	cfg     config.RouterConfig
	handler Handler
	clk     clock.Clock
	logger  *slog.Logger

	mu     sync.RWMutex
	queues map[string]*sourceQueue

	dedupMu   sync.Mutex
	seen      map[string]time.Time
	lastPrune time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   atomic.Bool
	startTime time.Time

	receivedCount   atomic.Int64
	dispatchedCount atomic.Int64
	errorCount      atomic.Int64
	lastError       atomic.Value // stores string

	metrics *Metrics
	core    *metric.Core
}

var (
	_ component.Discoverable       = (*Router)(nil)
	_ component.LifecycleComponent = (*Router)(nil)
)

// New creates a new ingestion router.
func New(deps Deps) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.System
	}

	r := &Router{
		cfg:     deps.Config,
		handler: deps.Handler,
		clk:     clk,
		logger:  logger.With("component", "router"),
		queues:  make(map[string]*sourceQueue),
		seen:    make(map[string]time.Time),
		metrics: newMetrics(deps.MetricsRegistry),
	}
	if deps.MetricsRegistry != nil {
		r.core = deps.MetricsRegistry.CoreMetrics()
	}
	r.lastError.Store("")
	return r
}

// Meta returns the component metadata.
func (r *Router) Meta() component.Metadata {
	return component.Metadata{
		Name:        "router",
		Type:        "pipeline",
		Description: "Per-source queued ingestion router",
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component.
func (r *Router) Health() component.HealthStatus {
	lastError, _ := r.lastError.Load().(string)
	return component.HealthStatus{
		Healthy:    r.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(r.errorCount.Load()),
		LastError:  lastError,
		Uptime:     time.Since(r.startTime),
	}
}

// Initialize validates the component configuration.
func (r *Router) Initialize() error {
	if r.handler == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "router", "Initialize", "nil handler")
	}
	if r.cfg.QueueSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "router", "Initialize",
			"queue size must be positive")
	}
	if r.cfg.DedupWindow < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "router", "Initialize",
			"dedup window cannot be negative")
	}
	return nil
}

// Start begins accepting readings. Source workers are spawned lazily as
// sources appear.
func (r *Router) Start(_ context.Context) error {
	if r.running.Load() {
		return nil // idempotent
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.running.Store(true)
	r.startTime = time.Now()
	return nil
}

// Stop drains workers and closes all source queues.
func (r *Router) Stop(timeout time.Duration) error {
	if !r.running.Load() {
		return nil
	}
	r.running.Store(false)
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "router", "Stop",
			"workers did not drain")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for source, q := range r.queues {
		if err := q.buf.Close(); err != nil {
			r.logger.Warn("closing source queue", "source", source, "error", err)
		}
	}
	r.queues = make(map[string]*sourceQueue)
	return nil
}

// Ingest accepts a reading from a protocol adapter. It validates, applies
// the dedup window, then enqueues on the source's bounded queue. Ingest
// never blocks the caller: overload drops the oldest queued reading.
func (r *Router) Ingest(reading types.SensorReading) error {
	if !r.running.Load() {
		return errors.WrapInvalid(errors.ErrNotStarted, "router", "Ingest", "router not started")
	}

	r.receivedCount.Add(1)
	if r.metrics != nil {
		r.metrics.received.Inc()
	}
	if r.core != nil {
		r.core.RecordReadingReceived("router", reading.SourceID)
	}

	if err := reading.Validate(); err != nil {
		r.recordError(err)
		if r.core != nil {
			r.core.RecordReadingProcessed("router", reading.SourceID, "invalid")
		}
		return errors.WrapInvalid(err, "router", "Ingest", "invalid reading")
	}

	if r.isDuplicate(reading) {
		if r.metrics != nil {
			r.metrics.deduped.Inc()
		}
		return nil
	}

	q := r.queueFor(reading.SourceID)
	if err := q.buf.Write(reading); err != nil {
		r.recordError(err)
		return errors.WrapTransient(err, "router", "Ingest",
			fmt.Sprintf("enqueue for %s", reading.SourceID))
	}
	if r.metrics != nil {
		r.metrics.queueDepth.WithLabelValues(reading.SourceID).Set(float64(q.buf.Size()))
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// isDuplicate reports whether an identical reading was seen inside the
// dedup window. A zero window disables deduplication entirely.
func (r *Router) isDuplicate(reading types.SensorReading) bool {
	window := r.cfg.DedupWindow.Std()
	if window <= 0 {
		return false
	}

	key := reading.Key()
	now := r.clk.Now()

	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()

	if last, ok := r.seen[key]; ok && now.Sub(last) < window {
		return true
	}
	r.seen[key] = now

	// Prune expired keys at most once per window.
	if now.Sub(r.lastPrune) >= window {
		for k, ts := range r.seen {
			if now.Sub(ts) >= window {
				delete(r.seen, k)
			}
		}
		r.lastPrune = now
	}
	return false
}

// queueFor returns the queue for a source, creating it and its worker on
// first use.
func (r *Router) queueFor(source string) *sourceQueue {
	r.mu.RLock()
	q, ok := r.queues[source]
	r.mu.RUnlock()
	if ok {
		return q
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok = r.queues[source]; ok {
		return q
	}

	opts := []buffer.Option[types.SensorReading]{
		buffer.WithOverflowPolicy[types.SensorReading](buffer.DropOldest),
	}
	if r.metrics != nil {
		opts = append(opts, buffer.WithDropCallback[types.SensorReading](
			func(types.SensorReading) { r.metrics.dropped.Inc() }))
	}

	buf, err := buffer.NewCircular(r.cfg.QueueSize, opts...)
	if err != nil {
		// QueueSize was validated in Initialize, so this cannot happen
		// outside of programmer error.
		panic(fmt.Sprintf("router: create queue: %v", err))
	}

	q = &sourceQueue{buf: buf, signal: make(chan struct{}, 1)}
	r.queues[source] = q

	r.logger.Info("new source registered", "source", source, "queue_size", r.cfg.QueueSize)
	r.wg.Add(1)
	go r.worker(source, q)

	return q
}

// worker drains one source queue into the handler.
func (r *Router) worker(source string, q *sourceQueue) {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-q.signal:
		}

		for {
			batch := q.buf.ReadBatch(64)
			if len(batch) == 0 {
				break
			}
			for _, reading := range batch {
				r.handler.Handle(reading)
				r.dispatchedCount.Add(1)
				if r.metrics != nil {
					r.metrics.dispatched.Inc()
				}
				if r.core != nil {
					r.core.RecordReadingProcessed("router", source, "ok")
				}
			}
			if r.metrics != nil {
				r.metrics.queueDepth.WithLabelValues(source).Set(float64(q.buf.Size()))
			}
		}
	}
}

// Sources returns the IDs of all sources seen since start.
func (r *Router) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.queues))
	for source := range r.queues {
		out = append(out, source)
	}
	return out
}

func (r *Router) recordError(err error) {
	r.errorCount.Add(1)
	r.lastError.Store(err.Error())
}
