// Package mqtt provides an MQTT input component that subscribes to factory
// telemetry topics and feeds readings into the ingestion router.
//
// Topics follow the layout {prefix}/{site}/{line}/{equipment}/{metric}. The
// component subscribes to {prefix}/# and converts each publish into a
// types.SensorReading, with the source identified as {site}/{line}.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sentinelstreams/component"
	"github.com/c360/sentinelstreams/config"
	"github.com/c360/sentinelstreams/errors"
	"github.com/c360/sentinelstreams/metric"
	"github.com/c360/sentinelstreams/types"
)

// Sink receives readings produced by this input.
type Sink interface {
	Ingest(reading types.SensorReading) error
}

// Metrics holds Prometheus metrics for the MQTT input component.
type Metrics struct {
	messagesReceived prometheus.Counter
	messagesInvalid  prometheus.Counter
	lastActivity     prometheus.Gauge
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "mqtt",
			Name:      "messages_received_total",
			Help:      "Total MQTT messages received",
		}),
		messagesInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "mqtt",
			Name:      "messages_invalid_total",
			Help:      "MQTT messages rejected as malformed",
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "mqtt",
			Name:      "last_activity_timestamp",
			Help:      "Unix timestamp of last received message",
		}),
	}

	_ = registry.RegisterCounter("mqtt_input", "messages_received", m.messagesReceived)
	_ = registry.RegisterCounter("mqtt_input", "messages_invalid", m.messagesInvalid)
	_ = registry.RegisterGauge("mqtt_input", "last_activity", m.lastActivity)

	return m
}

// payload is the JSON body expected on telemetry topics. A bare numeric
// payload is also accepted.
type payload struct {
	Value     float64       `json:"value"`
	Unit      string        `json:"unit"`
	Timestamp time.Time     `json:"timestamp"`
	Quality   types.Quality `json:"quality"`
}

// InputDeps holds runtime dependencies for the MQTT input component.
type InputDeps struct {
	Name            string
	Config          config.MQTTConfig
	Sink            Sink
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// Input subscribes to an MQTT broker and forwards telemetry readings.
type Input struct {
	name   string
	cfg    config.MQTTConfig
	sink   Sink
	logger *slog.Logger

	cm *autopaho.ConnectionManager

	running   atomic.Bool
	connected atomic.Bool
	startTime time.Time
	mu        sync.RWMutex

	messagesReceived atomic.Int64
	errorCount       atomic.Int64
	lastError        atomic.Value // stores string

	metrics *Metrics
}

var (
	_ component.Discoverable       = (*Input)(nil)
	_ component.LifecycleComponent = (*Input)(nil)
)

// NewInput creates a new MQTT input component.
func NewInput(deps InputDeps) *Input {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	in := &Input{
		name:    deps.Name,
		cfg:     deps.Config,
		sink:    deps.Sink,
		logger:  logger.With("component", "mqtt-input"),
		metrics: newMetrics(deps.MetricsRegistry),
	}
	in.lastError.Store("")
	return in
}

// Meta returns the component metadata.
func (in *Input) Meta() component.Metadata {
	name := in.name
	if name == "" {
		name = "mqtt-input"
	}
	return component.Metadata{
		Name:        name,
		Type:        "input",
		Description: fmt.Sprintf("MQTT subscriber for %s/#", in.cfg.TopicPrefix),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component. A running
// input that has lost its broker connection reports unhealthy.
func (in *Input) Health() component.HealthStatus {
	lastError, _ := in.lastError.Load().(string)
	return component.HealthStatus{
		Healthy:    in.running.Load() && in.connected.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(in.errorCount.Load()),
		LastError:  lastError,
		Uptime:     time.Since(in.startTime),
	}
}

// Initialize validates the component configuration.
func (in *Input) Initialize() error {
	if in.cfg.BrokerURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "mqtt-input", "Initialize",
			"broker URL required")
	}
	if _, err := url.Parse(in.cfg.BrokerURL); err != nil {
		return errors.WrapInvalid(err, "mqtt-input", "Initialize", "parse broker URL")
	}
	if in.cfg.TopicPrefix == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "mqtt-input", "Initialize",
			"topic prefix required")
	}
	if in.sink == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "mqtt-input", "Initialize",
			"nil sink")
	}
	return nil
}

// Start connects to the broker and subscribes to the telemetry topic tree.
func (in *Input) Start(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.running.Load() {
		return nil // idempotent
	}

	brokerURL, err := url.Parse(in.cfg.BrokerURL)
	if err != nil {
		return errors.WrapInvalid(err, "mqtt-input", "Start", "parse broker URL")
	}

	topicFilter := in.cfg.TopicPrefix + "/#"

	keepAlive := uint16(30)
	if in.cfg.KeepAlive > 0 {
		keepAlive = uint16(in.cfg.KeepAlive.Std() / time.Second)
	}

	clientCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     keepAlive,
		CleanStartOnInitialConnection: false,
		SessionExpiryInterval:         60,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			in.connected.Store(true)
			in.logger.Info("MQTT connection up, subscribing", "topic", topicFilter)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: topicFilter, QoS: in.cfg.QoS},
				},
			}); err != nil {
				in.recordError(err)
				in.logger.Error("MQTT subscribe failed", "topic", topicFilter, "error", err)
			}
		},
		OnConnectError: func(err error) {
			in.connected.Store(false)
			in.recordError(err)
			in.logger.Warn("MQTT connect error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: in.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					in.handlePublish(pr.Packet)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				in.connected.Store(false)
				in.recordError(err)
				in.logger.Warn("MQTT client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				in.connected.Store(false)
				in.logger.Warn("MQTT server disconnect", "reason_code", d.ReasonCode)
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, clientCfg)
	if err != nil {
		return errors.WrapTransient(err, "mqtt-input", "Start", "create connection")
	}

	in.cm = cm
	in.running.Store(true)
	in.startTime = time.Now()

	return nil
}

// Stop disconnects from the broker.
func (in *Input) Stop(timeout time.Duration) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if !in.running.Load() {
		return nil
	}
	in.running.Store(false)
	in.connected.Store(false)

	if in.cm != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := in.cm.Disconnect(ctx); err != nil {
			return errors.WrapTransient(err, "mqtt-input", "Stop", "disconnect")
		}
		in.cm = nil
	}
	return nil
}

// handlePublish converts an MQTT publish into a reading and hands it to the
// sink. Malformed messages are counted and dropped.
func (in *Input) handlePublish(pub *paho.Publish) {
	in.messagesReceived.Add(1)
	if in.metrics != nil {
		in.metrics.messagesReceived.Inc()
		in.metrics.lastActivity.SetToCurrentTime()
	}

	reading, err := in.parseMessage(pub.Topic, pub.Payload)
	if err != nil {
		in.recordError(err)
		if in.metrics != nil {
			in.metrics.messagesInvalid.Inc()
		}
		in.logger.Debug("dropping malformed MQTT message",
			"topic", pub.Topic, "error", err)
		return
	}

	if err := in.sink.Ingest(reading); err != nil {
		in.recordError(err)
	}
}

// parseMessage maps topic segments and payload to a SensorReading.
func (in *Input) parseMessage(topic string, body []byte) (types.SensorReading, error) {
	var zero types.SensorReading

	rest, ok := strings.CutPrefix(topic, in.cfg.TopicPrefix+"/")
	if !ok {
		return zero, errors.WrapInvalid(errors.ErrMalformedReading, "mqtt-input", "parseMessage",
			fmt.Sprintf("topic %q outside prefix %q", topic, in.cfg.TopicPrefix))
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 4 {
		return zero, errors.WrapInvalid(errors.ErrMalformedReading, "mqtt-input", "parseMessage",
			fmt.Sprintf("topic %q: want site/line/equipment/metric", topic))
	}
	site, line, equipment, metricName := parts[0], parts[1], parts[2], parts[3]

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		// Bare numeric payloads are common from lightweight publishers.
		value, convErr := strconv.ParseFloat(strings.TrimSpace(string(body)), 64)
		if convErr != nil {
			return zero, errors.WrapInvalid(err, "mqtt-input", "parseMessage", "decode payload")
		}
		p = payload{Value: value}
	}

	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	if p.Quality == "" {
		p.Quality = types.QualityGood
	}

	reading := types.SensorReading{
		SourceID:    site + "/" + line,
		EquipmentID: equipment,
		Metric:      metricName,
		Value:       p.Value,
		Unit:        p.Unit,
		Timestamp:   p.Timestamp,
		Quality:     p.Quality,
	}
	if err := reading.Validate(); err != nil {
		return zero, err
	}
	return reading, nil
}

func (in *Input) recordError(err error) {
	in.errorCount.Add(1)
	in.lastError.Store(err.Error())
}
