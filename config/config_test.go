package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sentinelstreams/types"
)

const sampleConfig = `
platform:
  org: acme
  id: plant-7
  environment: test

nats:
  urls: ["nats://nats-1:4222"]

router:
  queue_size: 512
  dedup_window: 2s

rules:
  - rule_id: high-temp
    source_filter: "factory-a/*"
    metric: temperature
    operator: ">"
    threshold: 90
    duration: 30s
    cooldown: 5m
    incident_template:
      title: "High temperature on {{equipment_id}}"
      description: "{{metric}} reached {{value}}{{unit}}"
      priority: high
      category: thermal

consensus:
  confidence_threshold: 0.92
  call_timeout: 2s
  overall_deadline: 500ms
  predictors:
    - name: model-a
      url: http://model-a:8000/predict
      weight: 1.0
      enabled: true
    - name: model-b
      url: http://model-b:8000/predict
      weight: 2.0
      enabled: true

gateway:
  listen_addr: ":9001"
  flush_interval: 100ms
  client_buffer_size: 128
  backpressure: drop_oldest
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1024, cfg.Router.QueueSize)
	assert.Equal(t, time.Duration(0), cfg.Router.DedupWindow.Std())
	assert.Equal(t, 0.90, cfg.Consensus.ConfidenceThreshold)
	assert.Equal(t, 2*time.Second, cfg.Consensus.CallTimeout.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.Consensus.OverallDeadline.Std())
	assert.Equal(t, 100*time.Millisecond, cfg.Gateway.FlushInterval.Std())
	assert.Equal(t, BackpressureDisconnect, cfg.Gateway.Backpressure)
}

func TestApplyRuleDefaults(t *testing.T) {
	cfg := Default()
	cfg.RuleDefaults = RuleDefaultsConfig{
		Duration: Duration(45 * time.Second),
		Cooldown: Duration(10 * time.Minute),
	}
	cfg.Rules = []types.Rule{
		{RuleID: "bare", Metric: "temperature", Operator: types.OpGreater, Threshold: 90},
		{RuleID: "explicit", Metric: "pressure", Operator: types.OpLess, Threshold: 2,
			Duration: time.Second, Cooldown: time.Minute},
	}

	cfg.ApplyRuleDefaults()

	assert.Equal(t, 45*time.Second, cfg.Rules[0].Duration)
	assert.Equal(t, 10*time.Minute, cfg.Rules[0].Cooldown)
	assert.Equal(t, time.Second, cfg.Rules[1].Duration, "explicit values untouched")
	assert.Equal(t, time.Minute, cfg.Rules[1].Cooldown)
}

func TestLoaderReadsFile(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	loader, err := NewLoader(path, nil)
	require.NoError(t, err)

	cfg := loader.Config()
	assert.Equal(t, "acme", cfg.Platform.Org)
	assert.Equal(t, []string{"nats://nats-1:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 512, cfg.Router.QueueSize)
	assert.Equal(t, 2*time.Second, cfg.Router.DedupWindow.Std())

	require.Len(t, cfg.Rules, 1)
	rule := cfg.Rules[0]
	assert.Equal(t, "high-temp", rule.RuleID)
	assert.True(t, rule.Enabled, "rules default to enabled when field omitted")
	assert.Equal(t, 30*time.Second, rule.Duration)
	assert.Equal(t, 5*time.Minute, rule.Cooldown)
	assert.Equal(t, "High temperature on {{equipment_id}}", rule.Template.Title)

	require.Len(t, cfg.Consensus.Predictors, 2)
	assert.Equal(t, 0.92, cfg.Consensus.ConfidenceThreshold)
	assert.Equal(t, 2.0, cfg.Consensus.Predictors[1].Weight)

	assert.Equal(t, BackpressureDropOldest, cfg.Gateway.Backpressure)

	// Fields absent from the file keep their defaults.
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, StorageModeMemory, cfg.Store.Mode)
}

func TestLoaderRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "invalid operator",
			content: `
rules:
  - rule_id: bad
    metric: temperature
    operator: ">="
    threshold: 1
`,
		},
		{
			name: "duplicate rule ids",
			content: `
rules:
  - rule_id: dup
    metric: temperature
    operator: ">"
    threshold: 1
  - rule_id: dup
    metric: pressure
    operator: "<"
    threshold: 2
`,
		},
		{
			name: "threshold out of range",
			content: `
consensus:
  confidence_threshold: 1.5
`,
		},
		{
			name: "bad backpressure policy",
			content: `
gateway:
  backpressure: panic
`,
		},
		{
			name: "bad duration string",
			content: `
router:
  dedup_window: "2 parsecs"
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := NewLoader(path, nil)
			assert.Error(t, err)
		})
	}
}

func TestLoaderEnvOverrides(t *testing.T) {
	t.Setenv("SENTINEL_NATS_URL", "nats://a:4222,nats://b:4222")
	t.Setenv("SENTINEL_GATEWAY_LISTEN", ":7777")
	t.Setenv("SENTINEL_PCT_THRESHOLD", "0.95")

	loader, err := NewLoader("", nil)
	require.NoError(t, err)

	cfg := loader.Config()
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, ":7777", cfg.Gateway.ListenAddr)
	assert.Equal(t, 0.95, cfg.Consensus.ConfidenceThreshold)
}

func TestLoaderReloadNotifiesCallbacks(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	loader, err := NewLoader(path, nil)
	require.NoError(t, err)

	var got *Config
	loader.OnChange(func(cfg *Config) { got = cfg })

	updated := sampleConfig + `
store:
  mode: memory
  max_incidents: 42
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	cfg, err := loader.Reload()
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Store.MaxIncidents)
	require.NotNil(t, got)
	assert.Equal(t, 42, got.Store.MaxIncidents)
}

func TestLoaderReloadKeepsOldConfigOnError(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	loader, err := NewLoader(path, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("rules: {not valid"), 0o644))

	_, err = loader.Reload()
	assert.Error(t, err)

	// Previous config still served.
	assert.Equal(t, "acme", loader.Config().Platform.Org)
}

func TestLoaderWatchDetectsChanges(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	loader, err := NewLoader(path, nil)
	require.NoError(t, err)
	defer loader.Stop()

	changed := make(chan *Config, 1)
	loader.OnChange(func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})

	require.NoError(t, loader.Watch())

	updated := sampleConfig + `
metrics:
  enabled: true
  port: 9999
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case cfg := <-changed:
		assert.Equal(t, 9999, cfg.Metrics.Port)
	case <-time.After(3 * time.Second):
		t.Fatal("config change not detected")
	}
}
