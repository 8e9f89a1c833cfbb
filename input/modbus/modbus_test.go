package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sentinelstreams/config"
	"github.com/c360/sentinelstreams/pkg/clock"
	"github.com/c360/sentinelstreams/types"
)

type captureSink struct {
	mu       sync.Mutex
	readings []types.SensorReading
}

func (s *captureSink) Ingest(r types.SensorReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, r)
	return nil
}

func (s *captureSink) snapshot() []types.SensorReading {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.SensorReading, len(s.readings))
	copy(out, s.readings)
	return out
}

// fakeDevice serves register values from a map, in Modbus wire format.
type fakeDevice struct {
	mu        sync.Mutex
	registers map[uint16]uint16
	failAddrs map[uint16]bool
}

func (d *fakeDevice) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAddrs[address] {
		return nil, fmt.Errorf("modbus: exception '4' (server device failure)")
	}
	buf := make([]byte, 2*quantity)
	for i := uint16(0); i < quantity; i++ {
		binary.BigEndian.PutUint16(buf[2*i:], d.registers[address+i])
	}
	return buf, nil
}

func testConfig() config.ModbusConfig {
	return config.ModbusConfig{
		Enabled:      true,
		Address:      "10.0.0.20:502",
		UnitID:       1,
		PollInterval: config.Duration(time.Second),
		Registers: []config.RegisterMapping{
			{Address: 100, EquipmentID: "press-01", Metric: "temperature", Unit: "C", Scale: 0.1},
			{Address: 101, EquipmentID: "press-01", Metric: "pressure", Unit: "bar"},
		},
	}
}

func TestInitializeValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.ModbusConfig)
		wantErr string
	}{
		{"valid", func(*config.ModbusConfig) {}, ""},
		{"missing address", func(c *config.ModbusConfig) { c.Address = "" }, "device address required"},
		{"zero poll interval", func(c *config.ModbusConfig) { c.PollInterval = 0 }, "poll interval"},
		{"no registers", func(c *config.ModbusConfig) { c.Registers = nil }, "no register mappings"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			in := NewInput(InputDeps{Config: cfg, Sink: &captureSink{}})
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

func TestPollOnceScalesAndForwards(t *testing.T) {
	device := &fakeDevice{registers: map[uint16]uint16{100: 915, 101: 42}}
	sink := &captureSink{}
	fake := clock.NewFake(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC))

	in := NewInput(InputDeps{
		Config: testConfig(),
		Sink:   sink,
		Reader: device,
		Clock:  fake,
	})
	in.pollOnce()

	readings := sink.snapshot()
	require.Len(t, readings, 2)

	assert.Equal(t, "modbus/10.0.0.20:502", readings[0].SourceID)
	assert.Equal(t, "press-01", readings[0].EquipmentID)
	assert.Equal(t, "temperature", readings[0].Metric)
	assert.InDelta(t, 91.5, readings[0].Value, 1e-9, "scale 0.1 applied")
	assert.Equal(t, fake.Now(), readings[0].Timestamp)
	assert.Equal(t, types.QualityGood, readings[0].Quality)

	assert.Equal(t, 42.0, readings[1].Value, "zero scale means unscaled")
}

func TestPollOnceSkipsFailedRegister(t *testing.T) {
	device := &fakeDevice{
		registers: map[uint16]uint16{101: 7},
		failAddrs: map[uint16]bool{100: true},
	}
	sink := &captureSink{}

	in := NewInput(InputDeps{
		Config: testConfig(),
		Sink:   sink,
		Reader: device,
		Clock:  clock.NewFake(time.Now()),
	})
	in.pollOnce()

	readings := sink.snapshot()
	require.Len(t, readings, 1, "failing register must not block the others")
	assert.Equal(t, "pressure", readings[0].Metric)
	assert.Equal(t, int64(1), in.errorCount.Load())
}

func TestPollLoopFollowsTicker(t *testing.T) {
	device := &fakeDevice{registers: map[uint16]uint16{100: 1, 101: 2}}
	sink := &captureSink{}
	fake := clock.NewFake(time.Now())

	in := NewInput(InputDeps{
		Config: testConfig(),
		Sink:   sink,
		Reader: device,
		Clock:  fake,
	})
	require.NoError(t, in.Initialize())
	require.NoError(t, in.Start(context.Background()))

	// Startup poll is immediate.
	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	fake.Advance(time.Second)
	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 4
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, in.Stop(time.Second))

	count := len(sink.snapshot())
	fake.Advance(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, count, len(sink.snapshot()), "no polls after Stop")
}

func TestHealthTracksDeviceReachability(t *testing.T) {
	device := &fakeDevice{
		registers: map[uint16]uint16{100: 1, 101: 2},
		failAddrs: map[uint16]bool{},
	}
	in := NewInput(InputDeps{
		Config: testConfig(),
		Sink:   &captureSink{},
		Reader: device,
		Clock:  clock.NewFake(time.Now()),
	})
	require.NoError(t, in.Initialize())
	require.NoError(t, in.Start(context.Background()))
	t.Cleanup(func() { _ = in.Stop(time.Second) })

	require.Eventually(t, func() bool { return in.Health().Healthy },
		time.Second, 5*time.Millisecond, "healthy once the first poll lands")

	// Every register failing means the device is unreachable.
	device.mu.Lock()
	device.failAddrs[100] = true
	device.failAddrs[101] = true
	device.mu.Unlock()
	in.pollOnce()
	assert.False(t, in.Health().Healthy, "unreachable device turns unhealthy")

	// One register recovering is enough to call the device reachable.
	device.mu.Lock()
	device.failAddrs[101] = false
	device.mu.Unlock()
	in.pollOnce()
	assert.True(t, in.Health().Healthy)
}

func TestStopIdempotent(t *testing.T) {
	in := NewInput(InputDeps{Config: testConfig(), Sink: &captureSink{}})
	assert.NoError(t, in.Stop(time.Second))
	assert.NoError(t, in.Stop(time.Second))
}

func TestMeta(t *testing.T) {
	in := NewInput(InputDeps{Name: "modbus-line-3", Config: testConfig(), Sink: &captureSink{}})
	meta := in.Meta()
	assert.Equal(t, "modbus-line-3", meta.Name)
	assert.Equal(t, "input", meta.Type)
	assert.Contains(t, meta.Description, "2 registers")
}
