// Package config defines the application configuration, its defaults, and
// validation. Configuration is loaded from a YAML file with environment
// variable overrides and can be hot-reloaded while the service runs.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/sentinelstreams/errors"
	"github.com/c360/sentinelstreams/types"
)

// Backpressure policies for slow websocket clients.
const (
	BackpressureDisconnect = "disconnect"
	BackpressureDropOldest = "drop_oldest"
)

// Storage mode constants.
const (
	StorageModeMemory = "memory" // in-memory only
	StorageModeKV     = "kv"     // NATS JetStream KV
)

// Duration wraps time.Duration so YAML configs can use strings like "500ms".
type Duration time.Duration

// UnmarshalYAML accepts a Go duration string or an integer nanosecond count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value at line %d", value.Line)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the complete application configuration.
type Config struct {
	Platform     PlatformConfig     `yaml:"platform"`
	NATS         NATSConfig         `yaml:"nats"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Inputs       InputsConfig       `yaml:"inputs"`
	Router       RouterConfig       `yaml:"router"`
	RuleDefaults RuleDefaultsConfig `yaml:"rule_defaults"`
	Rules        []types.Rule       `yaml:"rules"`
	Consensus    ConsensusConfig    `yaml:"consensus"`
	Store        StoreConfig        `yaml:"store"`
	Events       EventsConfig       `yaml:"events"`
	Gateway      GatewayConfig      `yaml:"gateway"`
}

// PlatformConfig defines platform identity.
type PlatformConfig struct {
	Org         string `yaml:"org"`
	ID          string `yaml:"id"`
	Environment string `yaml:"environment"` // "prod", "dev", "test"
}

// NATSConfig defines NATS connection settings.
type NATSConfig struct {
	URLs          []string `yaml:"urls"`
	MaxReconnects int      `yaml:"max_reconnects"`
	ReconnectWait Duration `yaml:"reconnect_wait"`
	Username      string   `yaml:"username"`
	Password      string   `yaml:"password"`
	Token         string   `yaml:"token"`
	JetStream     bool     `yaml:"jetstream"`
}

// MetricsConfig defines the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// InputsConfig groups the protocol adapter configurations.
type InputsConfig struct {
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Modbus   ModbusConfig   `yaml:"modbus"`
	HTTPPush HTTPPushConfig `yaml:"http_push"`
}

// MQTTConfig configures the MQTT subscriber input.
type MQTTConfig struct {
	Enabled     bool     `yaml:"enabled"`
	BrokerURL   string   `yaml:"broker_url"`
	ClientID    string   `yaml:"client_id"`
	TopicPrefix string   `yaml:"topic_prefix"`
	QoS         byte     `yaml:"qos"`
	KeepAlive   Duration `yaml:"keep_alive"`
}

// RegisterMapping maps one Modbus holding register to a metric.
type RegisterMapping struct {
	Address     uint16  `yaml:"address"`
	EquipmentID string  `yaml:"equipment_id"`
	Metric      string  `yaml:"metric"`
	Unit        string  `yaml:"unit"`
	Scale       float64 `yaml:"scale"` // raw register value multiplier, 0 means 1
}

// ModbusConfig configures the Modbus TCP polling input.
type ModbusConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Address      string            `yaml:"address"` // host:port
	UnitID       byte              `yaml:"unit_id"`
	PollInterval Duration          `yaml:"poll_interval"`
	Timeout      Duration          `yaml:"timeout"`
	Registers    []RegisterMapping `yaml:"registers"`
}

// HTTPPushConfig configures the HTTP push input.
type HTTPPushConfig struct {
	Enabled     bool     `yaml:"enabled"`
	ListenAddr  string   `yaml:"listen_addr"`
	MaxBodySize int64    `yaml:"max_body_size"`
	AuthToken   string   `yaml:"auth_token"`
	ReadTimeout Duration `yaml:"read_timeout"`
	RateLimit   float64  `yaml:"rate_limit"` // requests/sec, 0 uses the default
	RateBurst   int      `yaml:"rate_burst"`
}

// RuleDefaultsConfig supplies duration and cooldown for rules that omit
// them.
type RuleDefaultsConfig struct {
	Duration Duration `yaml:"duration"`
	Cooldown Duration `yaml:"cooldown"`
}

// RouterConfig configures the ingestion router.
type RouterConfig struct {
	QueueSize   int      `yaml:"queue_size"`   // per-source bounded queue capacity
	DedupWindow Duration `yaml:"dedup_window"` // 0 disables deduplication
}

// ConsensusConfig configures the consensus validator.
type ConsensusConfig struct {
	Predictors          []types.Predictor `yaml:"predictors"`
	Quorum              int               `yaml:"quorum"` // 0 means majority of enabled predictors
	ConfidenceThreshold float64           `yaml:"confidence_threshold"`
	CallTimeout         Duration          `yaml:"call_timeout"`
	OverallDeadline     Duration          `yaml:"overall_deadline"`
}

// StoreConfig configures incident persistence.
type StoreConfig struct {
	Mode         string `yaml:"mode"` // "memory" or "kv"
	Bucket       string `yaml:"bucket"`
	MaxIncidents int    `yaml:"max_incidents"` // memory mode retention cap
}

// EventsConfig configures the approved-incident event bus on JetStream.
type EventsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Stream         string `yaml:"stream"`
	Subject        string `yaml:"subject"`
	ResolveSubject string `yaml:"resolve_subject"` // empty disables resolve intake
}

// GatewayConfig configures the websocket broadcast gateway.
type GatewayConfig struct {
	ListenAddr       string   `yaml:"listen_addr"`
	FlushInterval    Duration `yaml:"flush_interval"`
	ClientBufferSize int      `yaml:"client_buffer_size"`
	Backpressure     string   `yaml:"backpressure"` // "disconnect" or "drop_oldest"
	MaxConnections   int      `yaml:"max_connections"`
	SnapshotLimit    int      `yaml:"snapshot_limit"`
	PingInterval     Duration `yaml:"ping_interval"`
}

// Default returns a configuration populated with production defaults.
func Default() *Config {
	return &Config{
		Platform: PlatformConfig{
			Org:         "c360",
			ID:          "sentinel",
			Environment: "dev",
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			JetStream:     true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Inputs: InputsConfig{
			MQTT: MQTTConfig{
				BrokerURL:   "mqtt://localhost:1883",
				ClientID:    "sentinel-ingest",
				TopicPrefix: "factory",
				QoS:         1,
				KeepAlive:   Duration(30 * time.Second),
			},
			Modbus: ModbusConfig{
				PollInterval: Duration(5 * time.Second),
				Timeout:      Duration(2 * time.Second),
			},
			HTTPPush: HTTPPushConfig{
				ListenAddr:  ":8088",
				MaxBodySize: 1 << 20,
				ReadTimeout: Duration(10 * time.Second),
				RateLimit:   100,
				RateBurst:   20,
			},
		},
		Router: RouterConfig{
			QueueSize: 1024,
		},
		Consensus: ConsensusConfig{
			ConfidenceThreshold: 0.90,
			CallTimeout:         Duration(2 * time.Second),
			OverallDeadline:     Duration(500 * time.Millisecond),
		},
		Store: StoreConfig{
			Mode:         StorageModeMemory,
			Bucket:       "incidents",
			MaxIncidents: 10000,
		},
		Events: EventsConfig{
			Stream:         "SENTINEL_INCIDENTS",
			Subject:        "sentinel.incidents.approved",
			ResolveSubject: "sentinel.incidents.resolve",
		},
		Gateway: GatewayConfig{
			ListenAddr:       ":8080",
			FlushInterval:    Duration(100 * time.Millisecond),
			ClientBufferSize: 256,
			Backpressure:     BackpressureDisconnect,
			MaxConnections:   1024,
			SnapshotLimit:    100,
			PingInterval:     Duration(30 * time.Second),
		},
	}
}

// ApplyRuleDefaults fills in duration and cooldown for rules that leave
// them unset.
func (c *Config) ApplyRuleDefaults() {
	for i := range c.Rules {
		if c.Rules[i].Duration == 0 {
			c.Rules[i].Duration = c.RuleDefaults.Duration.Std()
		}
		if c.Rules[i].Cooldown == 0 {
			c.Rules[i].Cooldown = c.RuleDefaults.Cooldown.Std()
		}
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if len(c.NATS.URLs) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"nats.urls must not be empty")
	}

	if c.Router.QueueSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"router.queue_size must be positive")
	}
	if c.Router.DedupWindow < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"router.dedup_window must not be negative")
	}

	seen := make(map[string]bool, len(c.Rules))
	for i := range c.Rules {
		rule := &c.Rules[i]
		if err := rule.Validate(); err != nil {
			return errors.WrapInvalid(err, "Config", "Validate",
				fmt.Sprintf("rules[%d]", i))
		}
		if seen[rule.RuleID] {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("duplicate rule_id %q", rule.RuleID))
		}
		seen[rule.RuleID] = true
	}

	if c.Consensus.ConfidenceThreshold <= 0 || c.Consensus.ConfidenceThreshold > 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"consensus.confidence_threshold must be in (0, 1]")
	}
	if c.Consensus.Quorum < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"consensus.quorum must not be negative")
	}
	if c.Consensus.CallTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"consensus.call_timeout must be positive")
	}
	if c.Consensus.OverallDeadline <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"consensus.overall_deadline must be positive")
	}
	for i, p := range c.Consensus.Predictors {
		if err := p.Validate(); err != nil {
			return errors.WrapInvalid(err, "Config", "Validate",
				fmt.Sprintf("consensus.predictors[%d]", i))
		}
	}

	switch c.Store.Mode {
	case StorageModeMemory, StorageModeKV:
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("store.mode must be %q or %q", StorageModeMemory, StorageModeKV))
	}

	if c.Events.Enabled {
		if c.Events.Stream == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
				"events.stream required when the event bus is enabled")
		}
		if c.Events.Subject == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
				"events.subject required when the event bus is enabled")
		}
	}

	switch c.Gateway.Backpressure {
	case BackpressureDisconnect, BackpressureDropOldest:
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("gateway.backpressure must be %q or %q",
				BackpressureDisconnect, BackpressureDropOldest))
	}
	if c.Gateway.FlushInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"gateway.flush_interval must be positive")
	}
	if c.Gateway.ClientBufferSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"gateway.client_buffer_size must be positive")
	}

	if c.Inputs.Modbus.Enabled {
		if c.Inputs.Modbus.Address == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
				"inputs.modbus.address required when modbus input is enabled")
		}
		if len(c.Inputs.Modbus.Registers) == 0 {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
				"inputs.modbus.registers required when modbus input is enabled")
		}
	}
	if c.Inputs.MQTT.Enabled && c.Inputs.MQTT.BrokerURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"inputs.mqtt.broker_url required when mqtt input is enabled")
	}

	return nil
}
