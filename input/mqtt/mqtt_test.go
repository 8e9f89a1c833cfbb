package mqtt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sentinelstreams/config"
	"github.com/c360/sentinelstreams/types"
)

type captureSink struct {
	readings []types.SensorReading
	err      error
}

func (s *captureSink) Ingest(r types.SensorReading) error {
	s.readings = append(s.readings, r)
	return s.err
}

func testInput(t *testing.T, sink Sink) *Input {
	t.Helper()
	return NewInput(InputDeps{
		Name: "mqtt-test",
		Config: config.MQTTConfig{
			Enabled:     true,
			BrokerURL:   "tcp://localhost:1883",
			ClientID:    "sentinel-test",
			TopicPrefix: "factory",
			QoS:         1,
		},
		Sink: sink,
	})
}

func TestInitializeValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Input)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(*Input) {},
		},
		{
			name:    "missing broker URL",
			mutate:  func(in *Input) { in.cfg.BrokerURL = "" },
			wantErr: "broker URL required",
		},
		{
			name:    "missing topic prefix",
			mutate:  func(in *Input) { in.cfg.TopicPrefix = "" },
			wantErr: "topic prefix required",
		},
		{
			name:    "nil sink",
			mutate:  func(in *Input) { in.sink = nil },
			wantErr: "nil sink",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := testInput(t, &captureSink{})
			tt.mutate(in)
			err := in.Initialize()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestParseMessageJSON(t *testing.T) {
	in := testInput(t, &captureSink{})

	ts := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	body, err := json.Marshal(payload{
		Value:     91.5,
		Unit:      "C",
		Timestamp: ts,
		Quality:   types.QualityGood,
	})
	require.NoError(t, err)

	reading, err := in.parseMessage("factory/plant-a/line-3/press-01/temperature", body)
	require.NoError(t, err)

	assert.Equal(t, "plant-a/line-3", reading.SourceID)
	assert.Equal(t, "press-01", reading.EquipmentID)
	assert.Equal(t, "temperature", reading.Metric)
	assert.Equal(t, 91.5, reading.Value)
	assert.Equal(t, "C", reading.Unit)
	assert.Equal(t, ts, reading.Timestamp)
	assert.Equal(t, types.QualityGood, reading.Quality)
}

func TestParseMessageBareNumber(t *testing.T) {
	in := testInput(t, &captureSink{})

	reading, err := in.parseMessage("factory/plant-a/line-3/press-01/pressure", []byte(" 4.2 \n"))
	require.NoError(t, err)

	assert.Equal(t, 4.2, reading.Value)
	assert.Equal(t, types.QualityGood, reading.Quality, "quality defaults to good")
	assert.False(t, reading.Timestamp.IsZero(), "timestamp defaults to receive time")
}

func TestParseMessageRejectsMalformed(t *testing.T) {
	in := testInput(t, &captureSink{})

	tests := []struct {
		name  string
		topic string
		body  string
	}{
		{"topic outside prefix", "warehouse/a/b/c/d", "1"},
		{"too few segments", "factory/plant-a/line-3/temperature", "1"},
		{"too many segments", "factory/plant-a/line-3/press-01/temperature/raw", "1"},
		{"garbage payload", "factory/plant-a/line-3/press-01/temperature", "not a number"},
		{"unknown quality", "factory/plant-a/line-3/press-01/temperature", `{"value":1,"quality":"excellent"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := in.parseMessage(tt.topic, []byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestHandlePublishFeedsSink(t *testing.T) {
	sink := &captureSink{}
	in := testInput(t, sink)

	in.handlePublish(&paho.Publish{
		Topic:   "factory/plant-a/line-3/press-01/temperature",
		Payload: []byte(`{"value": 88.0, "unit": "C"}`),
	})
	in.handlePublish(&paho.Publish{
		Topic:   "factory/bad-topic",
		Payload: []byte(`{"value": 1}`),
	})

	require.Len(t, sink.readings, 1)
	assert.Equal(t, 88.0, sink.readings[0].Value)
	assert.Equal(t, int64(2), in.messagesReceived.Load())
	assert.Equal(t, int64(1), in.errorCount.Load())
}

func TestMetaAndHealth(t *testing.T) {
	in := testInput(t, &captureSink{})

	meta := in.Meta()
	assert.Equal(t, "mqtt-test", meta.Name)
	assert.Equal(t, "input", meta.Type)

	health := in.Health()
	assert.False(t, health.Healthy, "not healthy before Start")
	assert.Equal(t, 0, health.ErrorCount)
}

func TestHealthRequiresConnection(t *testing.T) {
	in := testInput(t, &captureSink{})

	in.running.Store(true)
	assert.False(t, in.Health().Healthy, "running without a broker connection")

	in.connected.Store(true)
	assert.True(t, in.Health().Healthy)

	in.connected.Store(false)
	assert.False(t, in.Health().Healthy, "lost connection turns unhealthy")
}

func TestStopBeforeStart(t *testing.T) {
	in := testInput(t, &captureSink{})
	assert.NoError(t, in.Stop(time.Second))
}
