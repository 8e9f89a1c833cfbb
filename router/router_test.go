package router

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sentinelstreams/config"
	"github.com/c360/sentinelstreams/metric"
	"github.com/c360/sentinelstreams/pkg/clock"
	"github.com/c360/sentinelstreams/types"
)

type captureHandler struct {
	mu       sync.Mutex
	readings []types.SensorReading
}

func (h *captureHandler) Handle(r types.SensorReading) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readings = append(h.readings, r)
}

func (h *captureHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.readings)
}

func (h *captureHandler) snapshot() []types.SensorReading {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.SensorReading, len(h.readings))
	copy(out, h.readings)
	return out
}

func testReading(source, metricName string, value float64) types.SensorReading {
	return types.SensorReading{
		SourceID:  source,
		Metric:    metricName,
		Value:     value,
		Timestamp: time.Now(),
		Quality:   types.QualityGood,
	}
}

func startedRouter(t *testing.T, cfg config.RouterConfig, h Handler, clk clock.Clock) *Router {
	t.Helper()
	r := New(Deps{Config: cfg, Handler: h, Clock: clk})
	require.NoError(t, r.Initialize())
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(time.Second) })
	return r
}

func TestInitializeValidation(t *testing.T) {
	r := New(Deps{Config: config.RouterConfig{QueueSize: 8}})
	assert.Error(t, r.Initialize(), "nil handler rejected")

	r = New(Deps{Config: config.RouterConfig{QueueSize: 0}, Handler: &captureHandler{}})
	assert.Error(t, r.Initialize(), "zero queue size rejected")

	r = New(Deps{Config: config.RouterConfig{QueueSize: 8}, Handler: &captureHandler{}})
	assert.NoError(t, r.Initialize())
}

func TestIngestDispatchesToHandler(t *testing.T) {
	h := &captureHandler{}
	r := startedRouter(t, config.RouterConfig{QueueSize: 16}, h, nil)

	require.NoError(t, r.Ingest(testReading("plant-a/line-1", "temperature", 90)))
	require.NoError(t, r.Ingest(testReading("plant-a/line-1", "temperature", 91)))

	require.Eventually(t, func() bool { return h.count() == 2 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 90.0, h.snapshot()[0].Value)
	assert.Equal(t, 91.0, h.snapshot()[1].Value)
}

func TestIngestRejectsInvalidReading(t *testing.T) {
	h := &captureHandler{}
	r := startedRouter(t, config.RouterConfig{QueueSize: 16}, h, nil)

	err := r.Ingest(types.SensorReading{Metric: "temperature", Value: 1})
	assert.Error(t, err, "reading without source_id rejected")
	assert.Equal(t, 0, h.count())
}

func TestIngestBeforeStart(t *testing.T) {
	r := New(Deps{Config: config.RouterConfig{QueueSize: 8}, Handler: &captureHandler{}})
	require.NoError(t, r.Initialize())
	assert.Error(t, r.Ingest(testReading("plant-a/line-1", "rpm", 1)))
}

func TestPerSourceQueues(t *testing.T) {
	h := &captureHandler{}
	r := startedRouter(t, config.RouterConfig{QueueSize: 16}, h, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Ingest(testReading("plant-a/line-1", "rpm", float64(i))))
		require.NoError(t, r.Ingest(testReading("plant-b/line-9", "rpm", float64(i))))
	}

	require.Eventually(t, func() bool { return h.count() == 10 },
		time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"plant-a/line-1", "plant-b/line-9"}, r.Sources())
}

func TestDedupWindow(t *testing.T) {
	h := &captureHandler{}
	fake := clock.NewFake(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC))
	r := startedRouter(t, config.RouterConfig{
		QueueSize:   16,
		DedupWindow: config.Duration(5 * time.Second),
	}, h, fake)

	reading := testReading("plant-a/line-1", "temperature", 95)

	require.NoError(t, r.Ingest(reading))
	require.NoError(t, r.Ingest(reading), "duplicate accepted silently")
	require.NoError(t, r.Ingest(reading))

	require.Eventually(t, func() bool { return h.count() == 1 },
		time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.count(), "duplicates inside the window suppressed")

	// Outside the window the same reading flows again.
	fake.Advance(6 * time.Second)
	require.NoError(t, r.Ingest(reading))
	require.Eventually(t, func() bool { return h.count() == 2 },
		time.Second, 5*time.Millisecond)
}

func TestDedupDisabledByDefault(t *testing.T) {
	h := &captureHandler{}
	r := startedRouter(t, config.RouterConfig{QueueSize: 16}, h, nil)

	reading := testReading("plant-a/line-1", "temperature", 95)
	require.NoError(t, r.Ingest(reading))
	require.NoError(t, r.Ingest(reading))

	require.Eventually(t, func() bool { return h.count() == 2 },
		time.Second, 5*time.Millisecond)
}

func TestDistinctValuesNotDeduped(t *testing.T) {
	h := &captureHandler{}
	r := startedRouter(t, config.RouterConfig{
		QueueSize:   16,
		DedupWindow: config.Duration(5 * time.Second),
	}, h, clock.NewFake(time.Now()))

	ts := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Ingest(types.SensorReading{
			SourceID:  "plant-a/line-1",
			Metric:    "temperature",
			Value:     float64(90 + i),
			Timestamp: ts,
			Quality:   types.QualityGood,
		}))
	}

	require.Eventually(t, func() bool { return h.count() == 3 },
		time.Second, 5*time.Millisecond)
}

func TestOverflowDropsOldest(t *testing.T) {
	// A handler that blocks until released, so the queue can fill.
	release := make(chan struct{})
	var mu sync.Mutex
	var seen []float64
	h := HandlerFunc(func(r types.SensorReading) {
		<-release
		mu.Lock()
		seen = append(seen, r.Value)
		mu.Unlock()
	})

	r := startedRouter(t, config.RouterConfig{QueueSize: 4}, h, nil)

	// First reading is consumed by the worker and parks on release; the
	// queue then holds at most 4, dropping oldest beyond that.
	for i := 0; i < 10; i++ {
		require.NoError(t, r.Ingest(testReading("plant-a/line-1", "rpm", float64(i))))
	}
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == 9.0
	}, time.Second, 5*time.Millisecond, "newest reading survives overload")

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, len(seen), 10)
	assert.Contains(t, seen, 9.0)
}

func TestStopDrainsWorkers(t *testing.T) {
	h := &captureHandler{}
	r := New(Deps{Config: config.RouterConfig{QueueSize: 16}, Handler: h})
	require.NoError(t, r.Initialize())
	require.NoError(t, r.Start(context.Background()))

	require.NoError(t, r.Ingest(testReading("plant-a/line-1", "rpm", 1)))
	require.NoError(t, r.Stop(time.Second))
	assert.NoError(t, r.Stop(time.Second), "stop is idempotent")

	assert.Error(t, r.Ingest(testReading("plant-a/line-1", "rpm", 2)),
		"ingest after stop rejected")
}

func TestPipelineCountersRecorded(t *testing.T) {
	registry := metric.NewRegistry()
	h := &captureHandler{}
	r := New(Deps{
		Config:          config.RouterConfig{QueueSize: 16},
		Handler:         h,
		MetricsRegistry: registry,
	})
	require.NoError(t, r.Initialize())
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(time.Second) })

	require.NoError(t, r.Ingest(testReading("plant-a/line-1", "temperature", 90)))
	require.Error(t, r.Ingest(types.SensorReading{Metric: "temperature", Value: 1}))
	require.Eventually(t, func() bool { return h.count() == 1 },
		time.Second, 5*time.Millisecond)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	samples := make(map[string]int)
	for _, fam := range families {
		samples[fam.GetName()] = len(fam.GetMetric())
	}
	assert.Equal(t, 2, samples["sentinel_readings_received_total"],
		"every offered reading counts, keyed by source")
	assert.Equal(t, 2, samples["sentinel_readings_processed_total"],
		"one ok sample and one invalid sample")
}

func TestConcurrentIngest(t *testing.T) {
	h := &captureHandler{}
	r := startedRouter(t, config.RouterConfig{QueueSize: 1024}, h, nil)

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			source := fmt.Sprintf("plant-%d/line-1", w)
			for i := 0; i < perWriter; i++ {
				_ = r.Ingest(testReading(source, "rpm", float64(i)))
			}
		}(w)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return h.count() == writers*perWriter },
		2*time.Second, 5*time.Millisecond)
}
