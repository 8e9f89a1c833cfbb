package rule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sentinelstreams/pkg/clock"
	"github.com/c360/sentinelstreams/types"
)

type captureSink struct {
	mu         sync.Mutex
	candidates []types.IncidentCandidate
}

func (s *captureSink) Submit(c types.IncidentCandidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, c)
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candidates)
}

func (s *captureSink) last() types.IncidentCandidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candidates[len(s.candidates)-1]
}

func tempRule() types.Rule {
	return types.Rule{
		RuleID:    "high-temp",
		Enabled:   true,
		Metric:    "temperature",
		Operator:  types.OpGreater,
		Threshold: 90,
		Duration:  30 * time.Second,
		Cooldown:  5 * time.Minute,
		Template: types.IncidentTemplate{
			Title:       "Overheating on {{equipment_id}}",
			Description: "{{metric}} reached {{value}}{{unit}}, threshold {{threshold}}",
			Priority:    "high",
			Category:    "thermal",
		},
	}
}

func reading(metricName string, value float64, ts time.Time) types.SensorReading {
	return types.SensorReading{
		SourceID:    "plant-a/line-3",
		EquipmentID: "press-01",
		Metric:      metricName,
		Value:       value,
		Unit:        "C",
		Timestamp:   ts,
		Quality:     types.QualityGood,
	}
}

func startedEngine(t *testing.T, rules []types.Rule, sink CandidateSink, clk clock.Clock) *Engine {
	t.Helper()
	e := New(Deps{Rules: rules, Sink: sink, Clock: clk})
	require.NoError(t, e.Initialize())
	require.NoError(t, e.Start(context.Background()))
	return e
}

func TestTriggerAfterSustainedCondition(t *testing.T) {
	sink := &captureSink{}
	fake := clock.NewFake(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC))
	e := startedEngine(t, []types.Rule{tempRule()}, sink, fake)

	// Condition true but not yet sustained.
	e.Handle(reading("temperature", 95, fake.Now()))
	assert.Equal(t, 0, sink.count())

	fake.Advance(10 * time.Second)
	e.Handle(reading("temperature", 96, fake.Now()))
	assert.Equal(t, 0, sink.count(), "10s of 30s sustained")

	fake.Advance(25 * time.Second)
	e.Handle(reading("temperature", 97, fake.Now()))
	require.Equal(t, 1, sink.count(), "condition held 35s, rule fires")

	c := sink.last()
	assert.Equal(t, "high-temp", c.RuleID)
	assert.Equal(t, types.CandidatePending, c.Status)
	assert.Equal(t, "high", c.Priority)
	assert.NotEmpty(t, c.CandidateID)
	assert.Equal(t, "Overheating on press-01", c.Title)
	assert.Equal(t, "temperature reached 97C, threshold 90", c.Description)
}

func TestConditionBreakResetsSustain(t *testing.T) {
	sink := &captureSink{}
	fake := clock.NewFake(time.Now())
	e := startedEngine(t, []types.Rule{tempRule()}, sink, fake)

	e.Handle(reading("temperature", 95, fake.Now()))
	fake.Advance(25 * time.Second)
	e.Handle(reading("temperature", 85, fake.Now())) // dips below threshold
	fake.Advance(10 * time.Second)
	e.Handle(reading("temperature", 95, fake.Now()))

	assert.Equal(t, 0, sink.count(), "no partial credit after the dip")

	fake.Advance(30 * time.Second)
	e.Handle(reading("temperature", 95, fake.Now()))
	assert.Equal(t, 1, sink.count(), "fresh sustained period triggers")
}

func TestCooldownSuppressesRetrigger(t *testing.T) {
	r := tempRule()
	r.Duration = 0 // immediate trigger
	sink := &captureSink{}
	fake := clock.NewFake(time.Now())
	e := startedEngine(t, []types.Rule{r}, sink, fake)

	e.Handle(reading("temperature", 95, fake.Now()))
	require.Equal(t, 1, sink.count())

	fake.Advance(time.Minute)
	e.Handle(reading("temperature", 96, fake.Now()))
	assert.Equal(t, 1, sink.count(), "inside 5m cooldown")

	fake.Advance(5 * time.Minute)
	e.Handle(reading("temperature", 97, fake.Now()))
	assert.Equal(t, 2, sink.count(), "cooldown elapsed")
}

func TestZeroDurationTriggersImmediately(t *testing.T) {
	r := tempRule()
	r.Duration = 0
	sink := &captureSink{}
	e := startedEngine(t, []types.Rule{r}, sink, clock.NewFake(time.Now()))

	e.Handle(reading("temperature", 91, time.Now()))
	assert.Equal(t, 1, sink.count())
}

func TestDisabledRuleNeverFires(t *testing.T) {
	r := tempRule()
	r.Enabled = false
	r.Duration = 0
	sink := &captureSink{}
	e := startedEngine(t, []types.Rule{r}, sink, clock.NewFake(time.Now()))

	e.Handle(reading("temperature", 99, time.Now()))
	assert.Equal(t, 0, sink.count())
}

func TestBadQualityIgnored(t *testing.T) {
	r := tempRule()
	r.Duration = 0
	sink := &captureSink{}
	e := startedEngine(t, []types.Rule{r}, sink, clock.NewFake(time.Now()))

	bad := reading("temperature", 99, time.Now())
	bad.Quality = types.QualityBad
	e.Handle(bad)
	assert.Equal(t, 0, sink.count())
}

func TestSourceFilterGlob(t *testing.T) {
	r := tempRule()
	r.Duration = 0
	r.SourceFilter = "plant-a/*"
	sink := &captureSink{}
	e := startedEngine(t, []types.Rule{r}, sink, clock.NewFake(time.Now()))

	match := reading("temperature", 95, time.Now())
	e.Handle(match)
	require.Equal(t, 1, sink.count())

	other := reading("temperature", 95, time.Now())
	other.SourceID = "plant-b/line-1"
	e.Handle(other)
	assert.Equal(t, 1, sink.count(), "filter excludes plant-b")
}

func TestInitializeRejectsBadRuleset(t *testing.T) {
	dup := tempRule()
	e := New(Deps{Rules: []types.Rule{tempRule(), dup}, Sink: &captureSink{}})
	assert.Error(t, e.Initialize(), "duplicate rule ids rejected")

	bad := tempRule()
	bad.Operator = ">="
	e = New(Deps{Rules: []types.Rule{bad}, Sink: &captureSink{}})
	assert.Error(t, e.Initialize(), "unknown operator rejected")

	e = New(Deps{Rules: []types.Rule{tempRule()}})
	assert.Error(t, e.Initialize(), "nil sink rejected")
}

func TestReloadKeepsCooldownState(t *testing.T) {
	r := tempRule()
	r.Duration = 0
	sink := &captureSink{}
	fake := clock.NewFake(time.Now())
	e := startedEngine(t, []types.Rule{r}, sink, fake)

	e.Handle(reading("temperature", 95, fake.Now()))
	require.Equal(t, 1, sink.count())

	// Reload with the same rule id: cooldown must survive.
	require.NoError(t, e.Reload([]types.Rule{r}))
	fake.Advance(time.Minute)
	e.Handle(reading("temperature", 96, fake.Now()))
	assert.Equal(t, 1, sink.count(), "cooldown survives reload")

	state, ok := e.State("high-temp")
	require.True(t, ok)
	assert.NotNil(t, state.LastTriggeredAt)
}

func TestCooldownDefaultsWhenUnset(t *testing.T) {
	r := tempRule()
	r.Duration = 0
	r.Cooldown = 0 // falls back to the minimum window
	sink := &captureSink{}
	fake := clock.NewFake(time.Now())
	e := startedEngine(t, []types.Rule{r}, sink, fake)

	e.Handle(reading("temperature", 95, fake.Now()))
	require.Equal(t, 1, sink.count())

	fake.Advance(100 * time.Millisecond)
	e.Handle(reading("temperature", 96, fake.Now()))
	assert.Equal(t, 1, sink.count(), "inside the minimum cooldown window")

	fake.Advance(2 * time.Second)
	e.Handle(reading("temperature", 97, fake.Now()))
	assert.Equal(t, 2, sink.count(), "cooldown expired")
}

func TestReloadResetsChangedRuleState(t *testing.T) {
	r := tempRule()
	r.Duration = 0
	sink := &captureSink{}
	fake := clock.NewFake(time.Now())
	e := startedEngine(t, []types.Rule{r}, sink, fake)

	e.Handle(reading("temperature", 95, fake.Now()))
	require.Equal(t, 1, sink.count())

	changed := r
	changed.Threshold = 80
	require.NoError(t, e.Reload([]types.Rule{changed}))

	fake.Advance(time.Second)
	e.Handle(reading("temperature", 96, fake.Now()))
	assert.Equal(t, 2, sink.count(), "redefined rule starts fresh")
}

func TestReloadDropsRemovedRuleState(t *testing.T) {
	r := tempRule()
	r.Duration = 0
	sink := &captureSink{}
	fake := clock.NewFake(time.Now())
	e := startedEngine(t, []types.Rule{r}, sink, fake)

	e.Handle(reading("temperature", 95, fake.Now()))
	require.Equal(t, 1, sink.count())

	other := tempRule()
	other.RuleID = "other-rule"
	require.NoError(t, e.Reload([]types.Rule{other}))

	_, ok := e.State("high-temp")
	assert.False(t, ok, "state for removed rules discarded")
}

func TestReloadRejectsInvalidRuleset(t *testing.T) {
	sink := &captureSink{}
	e := startedEngine(t, []types.Rule{tempRule()}, sink, clock.NewFake(time.Now()))

	bad := tempRule()
	bad.Metric = ""
	assert.Error(t, e.Reload([]types.Rule{bad}))
	assert.Error(t, e.Reload([]types.Rule{tempRule(), tempRule()}))
}

func TestStoppedEngineIgnoresReadings(t *testing.T) {
	r := tempRule()
	r.Duration = 0
	sink := &captureSink{}
	e := startedEngine(t, []types.Rule{r}, sink, clock.NewFake(time.Now()))

	require.NoError(t, e.Stop(time.Second))
	e.Handle(reading("temperature", 99, time.Now()))
	assert.Equal(t, 0, sink.count())
}

func TestConcurrentEvaluateAndReload(t *testing.T) {
	rules := []types.Rule{}
	metrics := []string{"temperature", "pressure", "vibration", "rpm"}
	for _, m := range metrics {
		r := tempRule()
		r.RuleID = "high-" + m
		r.Metric = m
		r.Duration = 0
		rules = append(rules, r)
	}

	sink := &captureSink{}
	e := startedEngine(t, rules, sink, clock.NewFake(time.Now()))
	t.Cleanup(func() { _ = e.Stop(time.Second) })

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(metricName string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				e.Handle(reading(metricName, 95, time.Now()))
			}
		}(metrics[w])
	}
	// Reloads with the same ruleset contend for the write lock mid-stream.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			assert.NoError(t, e.Reload(rules))
		}
	}()
	wg.Wait()

	// Each rule fires at least once; cooldown bounds the total.
	fired := make(map[string]bool)
	sink.mu.Lock()
	for _, c := range sink.candidates {
		fired[c.RuleID] = true
	}
	sink.mu.Unlock()
	for _, m := range metrics {
		assert.True(t, fired["high-"+m], "rule for %s fired", m)
	}
}

func TestInterpolate(t *testing.T) {
	ctx := map[string]string{
		"metric": "temperature",
		"value":  "97.5",
		"unit":   "C",
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"plain text", "no placeholders here", "no placeholders here"},
		{"single field", "{{metric}} alert", "temperature alert"},
		{"adjacent fields", "{{value}}{{unit}}", "97.5C"},
		{"spaces inside braces", "{{ metric }} ok", "temperature ok"},
		{"unknown field kept", "{{nope}} and {{metric}}", "{{nope}} and temperature"},
		{"unterminated braces", "{{metric", "{{metric"},
		{"empty template", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, interpolate(tt.template, ctx))
		})
	}
}
