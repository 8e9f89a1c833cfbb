// Package bus publishes approved incidents onto a JetStream event stream
// so downstream consumers (historians, ticketing, notification services)
// can replay them independently of websocket subscribers. It also accepts
// resolve commands published on a plain NATS subject and applies them to
// the incident store.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sentinelstreams/component"
	"github.com/c360/sentinelstreams/config"
	"github.com/c360/sentinelstreams/consensus"
	"github.com/c360/sentinelstreams/errors"
	"github.com/c360/sentinelstreams/metric"
	"github.com/c360/sentinelstreams/types"
)

const publishTimeout = 5 * time.Second

// Broker is the slice of the NATS client this bus needs.
type Broker interface {
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	PublishToStream(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
}

// Resolver marks incidents resolved; satisfied by the incident store.
type Resolver interface {
	Resolve(ctx context.Context, incidentID string) error
}

// Metrics holds Prometheus metrics for the event bus.
type Metrics struct {
	published     prometheus.Counter
	publishErrors prometheus.Counter
	resolves      prometheus.Counter
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "bus",
			Name:      "incidents_published_total",
			Help:      "Approved incidents published to the event stream",
		}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "bus",
			Name:      "publish_errors_total",
			Help:      "Event stream publishes that failed",
		}),
		resolves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "bus",
			Name:      "resolves_received_total",
			Help:      "Resolve commands received on the resolve subject",
		}),
	}

	_ = registry.RegisterCounter("event_bus", "incidents_published", m.published)
	_ = registry.RegisterCounter("event_bus", "publish_errors", m.publishErrors)
	_ = registry.RegisterCounter("event_bus", "resolves_received", m.resolves)

	return m
}

// Deps holds runtime dependencies for the event bus.
type Deps struct {
	Config          config.EventsConfig
	Broker          Broker
	Resolver        Resolver // optional, disables resolve intake when nil
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// EventBus replicates approved incidents onto JetStream and feeds resolve
// commands back into the store.
type EventBus struct {
	cfg      config.EventsConfig
	broker   Broker
	resolver Resolver
	logger   *slog.Logger

	running   atomic.Bool
	startTime time.Time

	publishCount atomic.Int64
	errorCount   atomic.Int64
	lastError    atomic.Value // stores string

	metrics *Metrics
}

var (
	_ component.Discoverable       = (*EventBus)(nil)
	_ component.LifecycleComponent = (*EventBus)(nil)
	_ consensus.IncidentSink       = (*EventBus)(nil)
)

// New creates an event bus.
func New(deps Deps) *EventBus {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	eb := &EventBus{
		cfg:      deps.Config,
		broker:   deps.Broker,
		resolver: deps.Resolver,
		logger:   logger.With("component", "event-bus"),
		metrics:  newMetrics(deps.MetricsRegistry),
	}
	eb.lastError.Store("")
	return eb
}

// Meta returns the component metadata.
func (eb *EventBus) Meta() component.Metadata {
	return component.Metadata{
		Name:        "event-bus",
		Type:        "output",
		Description: "JetStream approved-incident event bus",
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component.
func (eb *EventBus) Health() component.HealthStatus {
	lastError, _ := eb.lastError.Load().(string)
	return component.HealthStatus{
		Healthy:    eb.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(eb.errorCount.Load()),
		LastError:  lastError,
		Uptime:     time.Since(eb.startTime),
	}
}

// Initialize validates the component configuration.
func (eb *EventBus) Initialize() error {
	if eb.broker == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "event-bus", "Initialize",
			"nil broker")
	}
	if eb.cfg.Stream == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "event-bus", "Initialize",
			"stream name required")
	}
	if eb.cfg.Subject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "event-bus", "Initialize",
			"subject required")
	}
	return nil
}

// Start ensures the incident stream exists and subscribes to the resolve
// subject when a resolver is wired.
func (eb *EventBus) Start(ctx context.Context) error {
	if eb.running.Load() {
		return nil // idempotent
	}

	if _, err := eb.broker.CreateStream(ctx, jetstream.StreamConfig{
		Name:        eb.cfg.Stream,
		Description: "SentinelStreams approved incidents",
		Subjects:    []string{eb.cfg.Subject},
	}); err != nil {
		return errors.WrapTransient(err, "event-bus", "Start", "create stream")
	}

	if eb.resolver != nil && eb.cfg.ResolveSubject != "" {
		if err := eb.broker.Subscribe(ctx, eb.cfg.ResolveSubject, eb.handleResolve); err != nil {
			return errors.WrapTransient(err, "event-bus", "Start", "subscribe resolve subject")
		}
	}

	eb.running.Store(true)
	eb.startTime = time.Now()
	eb.logger.Info("event bus started",
		"stream", eb.cfg.Stream, "subject", eb.cfg.Subject)
	return nil
}

// Stop marks the bus stopped. Subscriptions are torn down when the owning
// NATS client closes.
func (eb *EventBus) Stop(time.Duration) error {
	eb.running.Store(false)
	return nil
}

// Publish replicates one approved incident onto the event stream. It
// implements the consensus validator's IncidentSink; publish failures are
// recorded but never block the pipeline.
func (eb *EventBus) Publish(incident types.Incident) {
	if !eb.running.Load() {
		return
	}

	data, err := json.Marshal(incident)
	if err != nil {
		eb.recordError(err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := eb.broker.PublishToStream(ctx, eb.cfg.Subject, data); err != nil {
		eb.recordError(err)
		if eb.metrics != nil {
			eb.metrics.publishErrors.Inc()
		}
		eb.logger.Warn("incident publish failed",
			"incident_id", incident.IncidentID, "error", err)
		return
	}

	eb.publishCount.Add(1)
	if eb.metrics != nil {
		eb.metrics.published.Inc()
	}
}

// handleResolve applies one resolve command. The payload is the incident
// ID; anything else is counted and dropped.
func (eb *EventBus) handleResolve(ctx context.Context, data []byte) {
	if eb.metrics != nil {
		eb.metrics.resolves.Inc()
	}

	incidentID := strings.TrimSpace(string(data))
	if incidentID == "" {
		eb.recordError(errors.WrapInvalid(errors.ErrMalformedReading, "event-bus",
			"handleResolve", "empty incident ID"))
		return
	}

	if err := eb.resolver.Resolve(ctx, incidentID); err != nil {
		eb.recordError(err)
		eb.logger.Warn("resolve command failed", "incident_id", incidentID, "error", err)
		return
	}
	eb.logger.Info("incident resolved via bus", "incident_id", incidentID)
}

func (eb *EventBus) recordError(err error) {
	eb.errorCount.Add(1)
	eb.lastError.Store(err.Error())
}
