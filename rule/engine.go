// Package rule implements the threshold rule engine. Each rule is a small
// state machine over time: a condition must hold continuously for the
// rule's duration before it triggers, and after a trigger the rule stays
// quiet for its cooldown. Triggers produce incident candidates, never
// incidents; promotion is the consensus validator's job.
package rule

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sentinelstreams/component"
	"github.com/c360/sentinelstreams/errors"
	"github.com/c360/sentinelstreams/metric"
	"github.com/c360/sentinelstreams/pkg/clock"
	"github.com/c360/sentinelstreams/types"
)

// CandidateSink receives incident candidates for validation.
type CandidateSink interface {
	Submit(candidate types.IncidentCandidate)
}

// CandidateSinkFunc adapts a function to the CandidateSink interface.
type CandidateSinkFunc func(candidate types.IncidentCandidate)

// Submit calls f(candidate).
func (f CandidateSinkFunc) Submit(candidate types.IncidentCandidate) { f(candidate) }

// Metrics holds Prometheus metrics for the rule engine.
type Metrics struct {
	evaluations prometheus.Counter
	triggers    *prometheus.CounterVec
	suppressed  *prometheus.CounterVec
	activeRules prometheus.Gauge
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		evaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "rules",
			Name:      "evaluations_total",
			Help:      "Rule evaluations performed",
		}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "rules",
			Name:      "triggers_total",
			Help:      "Rule triggers producing incident candidates",
		}, []string{"rule_id"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "rules",
			Name:      "suppressed_total",
			Help:      "Triggers suppressed by cooldown",
		}, []string{"rule_id"}),
		activeRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "rules",
			Name:      "active_rules",
			Help:      "Enabled rules currently loaded",
		}),
	}

	_ = registry.RegisterCounter("rules", "evaluations", m.evaluations)
	_ = registry.RegisterCounterVec("rules", "triggers", m.triggers)
	_ = registry.RegisterCounterVec("rules", "suppressed", m.suppressed)
	_ = registry.RegisterGauge("rules", "active_rules", m.activeRules)

	return m
}

// Deps holds runtime dependencies for the rule engine.
type Deps struct {
	Rules           []types.Rule
	Sink            CandidateSink
	Clock           clock.Clock // optional, defaults to the system clock
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// Engine evaluates readings against loaded rules and emits incident
// candidates to its sink.
type Engine struct {
	sink   CandidateSink
	clk    clock.Clock
	logger *slog.Logger

	mu     sync.RWMutex
	rules  []types.Rule
	states map[string]*types.RuleState

	running   atomic.Bool
	startTime time.Time

	evalCount    atomic.Int64
	triggerCount atomic.Int64
	errorCount   atomic.Int64
	lastError    atomic.Value // stores string

	metrics *Metrics
}

var (
	_ component.Discoverable       = (*Engine)(nil)
	_ component.LifecycleComponent = (*Engine)(nil)
)

// New creates a rule engine with the given initial ruleset.
func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.System
	}

	e := &Engine{
		sink:    deps.Sink,
		clk:     clk,
		logger:  logger.With("component", "rules"),
		rules:   deps.Rules,
		states:  make(map[string]*types.RuleState),
		metrics: newMetrics(deps.MetricsRegistry),
	}
	e.lastError.Store("")
	return e
}

// Meta returns the component metadata.
func (e *Engine) Meta() component.Metadata {
	return component.Metadata{
		Name:        "rules",
		Type:        "pipeline",
		Description: "Stateful threshold rule engine",
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component.
func (e *Engine) Health() component.HealthStatus {
	lastError, _ := e.lastError.Load().(string)
	return component.HealthStatus{
		Healthy:    e.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(e.errorCount.Load()),
		LastError:  lastError,
		Uptime:     time.Since(e.startTime),
	}
}

// Initialize validates the loaded ruleset.
func (e *Engine) Initialize() error {
	if e.sink == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "rules", "Initialize", "nil sink")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	seen := make(map[string]bool, len(e.rules))
	for _, r := range e.rules {
		if err := r.Validate(); err != nil {
			return errors.WrapInvalid(err, "rules", "Initialize", "invalid rule")
		}
		if seen[r.RuleID] {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "rules", "Initialize",
				"duplicate rule_id "+r.RuleID)
		}
		seen[r.RuleID] = true
	}
	return nil
}

// Start marks the engine ready to evaluate readings.
func (e *Engine) Start(_ context.Context) error {
	e.running.Store(true)
	e.startTime = time.Now()
	if e.metrics != nil {
		e.metrics.activeRules.Set(float64(e.enabledCount()))
	}
	return nil
}

// Stop marks the engine stopped. Rule state is retained so a restart does
// not re-trigger rules that are inside their cooldown.
func (e *Engine) Stop(_ time.Duration) error {
	e.running.Store(false)
	return nil
}

// Handle evaluates one reading against every matching rule. It implements
// the router's Handler interface.
func (e *Engine) Handle(reading types.SensorReading) {
	if !e.running.Load() {
		return
	}
	if reading.Quality == types.QualityBad {
		return // bad-quality data never drives incidents
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clk.Now()
	for i := range e.rules {
		r := e.rules[i]
		if !r.Matches(reading) {
			continue
		}

		e.evalCount.Add(1)
		if e.metrics != nil {
			e.metrics.evaluations.Inc()
		}

		e.evaluate(r, reading, now)
	}
}

// evaluate advances one rule's state machine for one reading. Caller holds
// e.mu.
func (e *Engine) evaluate(r types.Rule, reading types.SensorReading, now time.Time) {
	state, ok := e.states[r.RuleID]
	if !ok {
		state = &types.RuleState{RuleID: r.RuleID}
		e.states[r.RuleID] = state
	}

	if !r.Operator.Compare(reading.Value, r.Threshold) {
		// Condition broke: the sustain clock restarts from zero.
		state.ConditionSince = nil
		return
	}

	if state.ConditionSince == nil {
		since := now
		state.ConditionSince = &since
	}
	if now.Sub(*state.ConditionSince) < r.Duration {
		return // not sustained long enough yet
	}

	if state.LastTriggeredAt != nil && now.Sub(*state.LastTriggeredAt) < r.CooldownWindow() {
		if e.metrics != nil {
			e.metrics.suppressed.WithLabelValues(r.RuleID).Inc()
		}
		return
	}

	triggered := now
	state.LastTriggeredAt = &triggered
	state.ConditionSince = nil // re-trigger requires a fresh sustained period

	e.emit(r, reading, now)
}

// emit renders the incident templates and hands the candidate to the sink.
func (e *Engine) emit(r types.Rule, reading types.SensorReading, now time.Time) {
	ctx := templateContext(r, reading)

	candidate := types.IncidentCandidate{
		CandidateID: uuid.NewString(),
		RuleID:      r.RuleID,
		Title:       interpolate(r.Template.Title, ctx),
		Description: interpolate(r.Template.Description, ctx),
		Status:      types.CandidatePending,
		Priority:    r.Template.Priority,
		Category:    r.Template.Category,
		SourceContext: map[string]string{
			"source_id":    reading.SourceID,
			"equipment_id": reading.EquipmentID,
			"metric":       reading.Metric,
			"value":        ctx["value"],
			"unit":         reading.Unit,
			"threshold":    ctx["threshold"],
			"operator":     string(r.Operator),
		},
		CreatedAt: now,
	}

	e.triggerCount.Add(1)
	if e.metrics != nil {
		e.metrics.triggers.WithLabelValues(r.RuleID).Inc()
	}
	e.logger.Info("rule triggered",
		"rule_id", r.RuleID,
		"candidate_id", candidate.CandidateID,
		"source", reading.SourceID,
		"metric", reading.Metric,
		"value", reading.Value)

	e.sink.Submit(candidate)
}

// Reload atomically replaces the ruleset. State is retained for rules whose
// definition is unchanged, so a config touch does not reset cooldowns; state
// for removed or redefined rules is discarded.
func (e *Engine) Reload(rules []types.Rule) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return errors.WrapInvalid(err, "rules", "Reload", "invalid rule")
		}
		if seen[r.RuleID] {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "rules", "Reload",
				"duplicate rule_id "+r.RuleID)
		}
		seen[r.RuleID] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	previous := make(map[string]types.Rule, len(e.rules))
	for _, r := range e.rules {
		previous[r.RuleID] = r
	}

	e.rules = rules
	for id := range e.states {
		if !seen[id] {
			delete(e.states, id)
		}
	}
	for _, r := range rules {
		if prev, ok := previous[r.RuleID]; ok && prev != r {
			delete(e.states, r.RuleID)
		}
	}

	if e.metrics != nil {
		e.metrics.activeRules.Set(float64(e.enabledCountLocked()))
	}
	e.logger.Info("ruleset reloaded", "rules", len(rules))
	return nil
}

// State returns a copy of the state for one rule, or false if the rule has
// never evaluated.
func (e *Engine) State(ruleID string) (types.RuleState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.states[ruleID]
	if !ok {
		return types.RuleState{}, false
	}
	return *state, true
}

func (e *Engine) enabledCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabledCountLocked()
}

func (e *Engine) enabledCountLocked() int {
	n := 0
	for _, r := range e.rules {
		if r.Enabled {
			n++
		}
	}
	return n
}
