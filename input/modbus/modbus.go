// Package modbus provides a Modbus TCP input component that polls holding
// registers on an industrial device and converts them into sensor readings.
package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mb "github.com/goburrow/modbus"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sentinelstreams/component"
	"github.com/c360/sentinelstreams/config"
	"github.com/c360/sentinelstreams/errors"
	"github.com/c360/sentinelstreams/metric"
	"github.com/c360/sentinelstreams/pkg/clock"
	"github.com/c360/sentinelstreams/pkg/retry"
	"github.com/c360/sentinelstreams/types"
)

// Sink receives readings produced by this input.
type Sink interface {
	Ingest(reading types.SensorReading) error
}

// RegisterReader abstracts the Modbus function this input uses. The
// production implementation is a goburrow/modbus client over TCP.
type RegisterReader interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
}

// Metrics holds Prometheus metrics for the Modbus input component.
type Metrics struct {
	pollsTotal   prometheus.Counter
	pollErrors   prometheus.Counter
	lastActivity prometheus.Gauge
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		pollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "modbus",
			Name:      "polls_total",
			Help:      "Total register poll cycles",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "modbus",
			Name:      "poll_errors_total",
			Help:      "Register reads that failed",
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "modbus",
			Name:      "last_activity_timestamp",
			Help:      "Unix timestamp of last successful poll",
		}),
	}

	_ = registry.RegisterCounter("modbus_input", "polls", m.pollsTotal)
	_ = registry.RegisterCounter("modbus_input", "poll_errors", m.pollErrors)
	_ = registry.RegisterGauge("modbus_input", "last_activity", m.lastActivity)

	return m
}

// InputDeps holds runtime dependencies for the Modbus input component.
type InputDeps struct {
	Name            string
	Config          config.ModbusConfig
	Sink            Sink
	Reader          RegisterReader // optional, defaults to a TCP client
	Clock           clock.Clock    // optional, defaults to the system clock
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// Input polls Modbus holding registers on a fixed interval.
type Input struct {
	name   string
	cfg    config.ModbusConfig
	sink   Sink
	reader RegisterReader
	clk    clock.Clock
	logger *slog.Logger

	handler *mb.TCPClientHandler // non-nil only when we own the connection

	running   atomic.Bool
	connected atomic.Bool // last poll reached the device
	startTime time.Time
	mu        sync.Mutex
	wg        sync.WaitGroup
	cancel    context.CancelFunc

	pollCount  atomic.Int64
	errorCount atomic.Int64
	lastError  atomic.Value // stores string

	metrics *Metrics
}

var (
	_ component.Discoverable       = (*Input)(nil)
	_ component.LifecycleComponent = (*Input)(nil)
)

// NewInput creates a new Modbus input component.
func NewInput(deps InputDeps) *Input {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.System
	}

	in := &Input{
		name:    deps.Name,
		cfg:     deps.Config,
		sink:    deps.Sink,
		reader:  deps.Reader,
		clk:     clk,
		logger:  logger.With("component", "modbus-input"),
		metrics: newMetrics(deps.MetricsRegistry),
	}
	in.lastError.Store("")
	return in
}

// Meta returns the component metadata.
func (in *Input) Meta() component.Metadata {
	name := in.name
	if name == "" {
		name = "modbus-input"
	}
	return component.Metadata{
		Name:        name,
		Type:        "input",
		Description: fmt.Sprintf("Modbus TCP poller for %d registers", len(in.cfg.Registers)),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component. A running
// poller whose last cycle could not reach the device reports unhealthy.
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
	if in.cfg.Address == "" && in.reader == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "modbus-input", "Initialize",
			"device address required")
	}
	if in.cfg.PollInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "modbus-input", "Initialize",
			"poll interval must be positive")
	}
	if len(in.cfg.Registers) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "modbus-input", "Initialize",
			"no register mappings configured")
	}
	if in.sink == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "modbus-input", "Initialize",
			"nil sink")
	}
	return nil
}

// Start connects to the device and begins the poll loop.
func (in *Input) Start(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.running.Load() {
		return nil // idempotent
	}

	if in.reader == nil {
		handler := mb.NewTCPClientHandler(in.cfg.Address)
		handler.SlaveId = in.cfg.UnitID
		if in.cfg.Timeout > 0 {
			handler.Timeout = in.cfg.Timeout.Std()
		}
		// PLCs reboot; a briefly unreachable device should not fail startup.
		if err := retry.Do(ctx, retry.Quick(), handler.Connect); err != nil {
			return errors.WrapTransient(err, "modbus-input", "Start",
				"connect to device")
		}
		in.handler = handler
		in.reader = mb.NewClient(handler)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	in.cancel = cancel
	in.running.Store(true)
	in.startTime = time.Now()

	in.wg.Add(1)
	go in.pollLoop(pollCtx)

	// Respect caller cancellation as a stop signal.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-pollCtx.Done():
		}
	}()

	return nil
}

// Stop terminates the poll loop and closes the device connection.
func (in *Input) Stop(timeout time.Duration) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if !in.running.Load() {
		return nil
	}
	in.running.Store(false)
	in.connected.Store(false)

	if in.cancel != nil {
		in.cancel()
	}

	done := make(chan struct{})
	go func() {
		in.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "modbus-input", "Stop",
			"poll loop did not exit")
	}

	if in.handler != nil {
		if err := in.handler.Close(); err != nil {
			return errors.WrapTransient(err, "modbus-input", "Stop", "close connection")
		}
		in.handler = nil
	}
	return nil
}

// pollLoop reads every mapped register each tick until the context ends.
func (in *Input) pollLoop(ctx context.Context) {
	defer in.wg.Done()

	ticker := in.clk.NewTicker(in.cfg.PollInterval.Std())
	defer ticker.Stop()

	// First poll happens immediately so health reflects reality fast.
	in.pollOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			in.pollOnce()
		}
	}
}

// pollOnce reads all configured registers and forwards readings. A failed
// register read is logged and skipped so one bad mapping cannot starve the
// rest of the cycle.
func (in *Input) pollOnce() {
	in.pollCount.Add(1)
	if in.metrics != nil {
		in.metrics.pollsTotal.Inc()
	}

	now := in.clk.Now()
	failed := 0

	for _, reg := range in.cfg.Registers {
		value, err := in.readRegister(reg)
		if err != nil {
			failed++
			in.recordError(err)
			in.logger.Warn("register read failed",
				"address", reg.Address, "metric", reg.Metric, "error", err)
			continue
		}

		reading := types.SensorReading{
			SourceID:    "modbus/" + in.cfg.Address,
			EquipmentID: reg.EquipmentID,
			Metric:      reg.Metric,
			Value:       value,
			Unit:        reg.Unit,
			Timestamp:   now,
			Quality:     types.QualityGood,
		}
		if err := in.sink.Ingest(reading); err != nil {
			in.recordError(err)
		}
	}

	// Every register failing in one cycle means the device itself is
	// unreachable, not a bad mapping.
	in.connected.Store(failed < len(in.cfg.Registers))

	if in.metrics != nil {
		if failed > 0 {
			in.metrics.pollErrors.Add(float64(failed))
		}
		if failed < len(in.cfg.Registers) {
			in.metrics.lastActivity.SetToCurrentTime()
		}
	}
}

// readRegister fetches one holding register and applies the mapping scale.
func (in *Input) readRegister(reg config.RegisterMapping) (float64, error) {
	raw, err := in.reader.ReadHoldingRegisters(reg.Address, 1)
	if err != nil {
		return 0, errors.WrapTransient(err, "modbus-input", "readRegister",
			fmt.Sprintf("register %d", reg.Address))
	}
	if len(raw) < 2 {
		return 0, errors.WrapInvalid(errors.ErrMalformedReading, "modbus-input", "readRegister",
			fmt.Sprintf("register %d: short response (%d bytes)", reg.Address, len(raw)))
	}

	value := float64(binary.BigEndian.Uint16(raw))
	scale := reg.Scale
	if scale == 0 {
		scale = 1
	}
	return value * scale, nil
}

func (in *Input) recordError(err error) {
	in.errorCount.Add(1)
	in.lastError.Store(err.Error())
}
