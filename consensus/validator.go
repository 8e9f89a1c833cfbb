// Package consensus implements the incident consensus validator. Every
// candidate the rule engine produces is scored by a set of external
// predictor services in parallel; a weighted confidence statistic decides
// promotion. The validator fails closed: any ambiguity about what the
// predictors think rejects the candidate with a recorded reason.
package consensus

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sentinelstreams/component"
	"github.com/c360/sentinelstreams/config"
	"github.com/c360/sentinelstreams/errors"
	"github.com/c360/sentinelstreams/metric"
	"github.com/c360/sentinelstreams/pkg/clock"
	"github.com/c360/sentinelstreams/types"
)

// IncidentSink receives incidents promoted by consensus approval.
type IncidentSink interface {
	Publish(incident types.Incident)
}

// IncidentSinkFunc adapts a function to the IncidentSink interface.
type IncidentSinkFunc func(incident types.Incident)

// Publish calls f(incident).
func (f IncidentSinkFunc) Publish(incident types.Incident) { f(incident) }

// PredictorStats aggregates per-predictor call outcomes.
type PredictorStats struct {
	Requests     int64   `json:"requests"`
	Success      int64   `json:"success"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// Stats is a point-in-time snapshot of validator activity, served on the
// gateway's stats endpoint.
type Stats struct {
	Validated     int64                        `json:"total_validations"`
	Approved      int64                        `json:"approved"`
	Rejected      int64                        `json:"rejected"`
	ApprovalRate  float64                      `json:"approval_rate"`
	AvgPCT        float64                      `json:"avg_pct"`
	AvgLatencyMS  float64                      `json:"avg_latency_ms"`
	RejectReasons map[types.RejectReason]int64 `json:"reject_reasons"`
	LastPCT       float64                      `json:"last_pct"`
	LastDecision  time.Time                    `json:"last_decision,omitempty"`
	Predictors    map[string]PredictorStats    `json:"predictors,omitempty"`
}

// predictorAccum backs the per-predictor averages.
type predictorAccum struct {
	requests     int64
	success      int64
	latencySumMS float64
}

// Metrics holds Prometheus metrics for the consensus validator.
type Metrics struct {
	decisions     *prometheus.CounterVec
	rejectReasons *prometheus.CounterVec
	pct           prometheus.Histogram
	roundDuration prometheus.Histogram
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "consensus",
			Name:      "decisions_total",
			Help:      "Consensus decisions by outcome",
		}, []string{"outcome"}),
		rejectReasons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "consensus",
			Name:      "rejections_total",
			Help:      "Rejections by fail-closed reason",
		}, []string{"reason"}),
		pct: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sentinel",
			Subsystem: "consensus",
			Name:      "pct",
			Help:      "Distribution of computed confidence statistics",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sentinel",
			Subsystem: "consensus",
			Name:      "round_duration_seconds",
			Help:      "Wall time of complete validation rounds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5},
		}),
	}

	_ = registry.RegisterCounterVec("consensus", "decisions", m.decisions)
	_ = registry.RegisterCounterVec("consensus", "rejections", m.rejectReasons)
	_ = registry.RegisterHistogram("consensus", "pct", m.pct)
	_ = registry.RegisterHistogram("consensus", "round_duration", m.roundDuration)

	return m
}

// Deps holds runtime dependencies for the consensus validator.
type Deps struct {
	Config          config.ConsensusConfig
	Caller          Caller       // optional, defaults to an HTTP caller
	Sink            IncidentSink // receives approved incidents
	Clock           clock.Clock  // optional, defaults to the system clock
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// Validator scores candidates against predictor services and promotes the
// approved ones to incidents.
type Validator struct {
	caller Caller
	sink   IncidentSink
	clk    clock.Clock
	logger *slog.Logger

	mu         sync.RWMutex
	predictors []types.Predictor
	quorum     int // configured quorum, 0 means simple majority
	threshold  float64
	callTO     time.Duration
	overallTO  time.Duration

	running   atomic.Bool
	startTime time.Time
	wg        sync.WaitGroup

	statsMu      sync.Mutex
	stats        Stats
	pctSum       float64
	pctRounds    int64
	latencySumMS float64
	perPredictor map[string]*predictorAccum

	errorCount atomic.Int64
	lastError  atomic.Value // stores string

	metrics *Metrics
	core    *metric.Core
}

var (
	_ component.Discoverable       = (*Validator)(nil)
	_ component.LifecycleComponent = (*Validator)(nil)
)

// New creates a consensus validator.
func New(deps Deps) *Validator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.System
	}
	caller := deps.Caller
	if caller == nil {
		caller = NewHTTPCaller(nil)
	}

	v := &Validator{
		caller:       caller,
		sink:         deps.Sink,
		clk:          clk,
		logger:       logger.With("component", "consensus"),
		predictors:   deps.Config.Predictors,
		quorum:       deps.Config.Quorum,
		threshold:    deps.Config.ConfidenceThreshold,
		callTO:       deps.Config.CallTimeout.Std(),
		overallTO:    deps.Config.OverallDeadline.Std(),
		stats:        Stats{RejectReasons: make(map[types.RejectReason]int64)},
		perPredictor: make(map[string]*predictorAccum),
		metrics:      newMetrics(deps.MetricsRegistry),
	}
	if deps.MetricsRegistry != nil {
		v.core = deps.MetricsRegistry.CoreMetrics()
	}
	v.lastError.Store("")
	return v
}

// Meta returns the component metadata.
func (v *Validator) Meta() component.Metadata {
	return component.Metadata{
		Name:        "consensus",
		Type:        "pipeline",
		Description: "Fail-closed predictor consensus validator",
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component.
func (v *Validator) Health() component.HealthStatus {
	lastError, _ := v.lastError.Load().(string)
	return component.HealthStatus{
		Healthy:    v.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(v.errorCount.Load()),
		LastError:  lastError,
		Uptime:     time.Since(v.startTime),
	}
}

// Initialize validates the component configuration.
func (v *Validator) Initialize() error {
	if v.sink == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "consensus", "Initialize", "nil sink")
	}
	if v.threshold <= 0 || v.threshold > 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "consensus", "Initialize",
			"confidence threshold must be in (0, 1]")
	}
	if v.callTO <= 0 || v.overallTO <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "consensus", "Initialize",
			"timeouts must be positive")
	}
	for _, p := range v.predictors {
		if err := p.Validate(); err != nil {
			return errors.WrapInvalid(err, "consensus", "Initialize", "invalid predictor")
		}
	}
	return nil
}

// Start marks the validator ready to accept candidates.
func (v *Validator) Start(_ context.Context) error {
	v.running.Store(true)
	v.startTime = time.Now()
	return nil
}

// Stop waits for in-flight validation rounds to complete.
func (v *Validator) Stop(timeout time.Duration) error {
	v.running.Store(false)

	done := make(chan struct{})
	go func() {
		v.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "consensus", "Stop",
			"validation rounds still in flight")
	}
}

// Submit accepts a candidate from the rule engine and validates it
// asynchronously. It implements the rule engine's CandidateSink.
func (v *Validator) Submit(candidate types.IncidentCandidate) {
	if !v.running.Load() {
		return
	}
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		record, _ := v.Validate(context.Background(), candidate)
		if record.Approved {
			v.sink.Publish(types.Incident{
				IncidentID:  uuid.NewString(),
				Title:       candidate.Title,
				Description: candidate.Description,
				Status:      types.IncidentActive,
				Priority:    candidate.Priority,
				Category:    candidate.Category,
				CreatedAt:   record.DecidedAt,
				Consensus:   record,
			})
		}
	}()
}

// Validate runs one complete validation round and returns its audit
// record. Exactly one record is produced per candidate. Rejected rounds
// also return the sentinel error matching the fail-closed reason so
// callers can branch with errors.Is.
func (v *Validator) Validate(ctx context.Context, candidate types.IncidentCandidate) (types.ConsensusRecord, error) {
	start := time.Now()

	v.mu.RLock()
	predictors := enabledPredictors(v.predictors)
	quorum := v.quorum
	threshold := v.threshold
	callTO := v.callTO
	overallTO := v.overallTO
	v.mu.RUnlock()

	record := types.ConsensusRecord{CandidateID: candidate.CandidateID}

	if len(predictors) == 0 {
		record.Reason = types.ReasonNoPredictors
		v.finish(&record, start)
		return record, v.rejectError(record.Reason)
	}
	if quorum <= 0 {
		quorum = len(predictors)/2 + 1
	}

	roundCtx, cancel := context.WithTimeout(ctx, overallTO)
	defer cancel()

	results := v.poll(roundCtx, predictors, candidate, callTO)
	record.PredictorResults = results

	responded := 0
	for _, r := range results {
		if r.Responded {
			responded++
		}
	}

	if responded < quorum {
		// Ambiguity about cause matters for operators: a deadline cut is
		// an infrastructure problem, a completed round with too few
		// answers is a predictor problem.
		if roundCtx.Err() != nil {
			record.Reason = types.ReasonDeadlineExceeded
		} else {
			record.Reason = types.ReasonQuorumNotMet
		}
		v.finish(&record, start)
		return record, v.rejectError(record.Reason)
	}

	pct, ok := confidenceStatistic(results)
	if !ok {
		record.Reason = types.ReasonDegenerateMean
		v.finish(&record, start)
		return record, v.rejectError(record.Reason)
	}
	record.PCT = pct

	if pct < threshold {
		record.Reason = types.ReasonBelowThreshold
		v.finish(&record, start)
		return record, v.rejectError(record.Reason)
	}

	record.Approved = true
	v.finish(&record, start)
	return record, nil
}

// rejectError maps a fail-closed reason to its sentinel error.
func (v *Validator) rejectError(reason types.RejectReason) error {
	var sentinel error
	switch reason {
	case types.ReasonNoPredictors:
		sentinel = errors.ErrNoPredictors
	case types.ReasonQuorumNotMet:
		sentinel = errors.ErrQuorumNotMet
	case types.ReasonDegenerateMean:
		sentinel = errors.ErrDegenerateMean
	case types.ReasonBelowThreshold:
		sentinel = errors.ErrBelowThreshold
	case types.ReasonDeadlineExceeded:
		sentinel = errors.ErrConnectionTimeout
	default:
		sentinel = errors.ErrInvalidConfig
	}
	return errors.WrapTransient(sentinel, "consensus", "Validate", string(reason))
}

// poll fans out to every predictor concurrently and collects results until
// all calls finish or the round context expires.
func (v *Validator) poll(ctx context.Context, predictors []types.Predictor, candidate types.IncidentCandidate, callTO time.Duration) []types.PredictorResult {
	results := make([]types.PredictorResult, len(predictors))

	var wg sync.WaitGroup
	for i, p := range predictors {
		wg.Add(1)
		go func(i int, p types.Predictor) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, callTO)
			defer cancel()

			callStart := time.Now()
			confidence, err := v.caller.Predict(callCtx, p, candidate)
			latency := time.Since(callStart)

			result := types.PredictorResult{
				PredictorName: p.Name,
				Weight:        p.Weight,
				LatencyMS:     float64(latency.Microseconds()) / 1000,
			}
			if err != nil {
				result.Error = err.Error()
				v.errorCount.Add(1)
				v.lastError.Store(err.Error())
			} else {
				result.Confidence = confidence
				result.Responded = true
			}
			results[i] = result
		}(i, p)
	}
	wg.Wait()

	return results
}

// finish records stats and metrics for a completed round and stamps the
// decision time.
func (v *Validator) finish(record *types.ConsensusRecord, start time.Time) {
	record.DecidedAt = v.clk.Now()
	elapsed := time.Since(start)

	v.statsMu.Lock()
	v.stats.Validated++
	if record.Approved {
		v.stats.Approved++
	} else {
		v.stats.Rejected++
		v.stats.RejectReasons[record.Reason]++
	}
	v.stats.LastPCT = record.PCT
	v.stats.LastDecision = record.DecidedAt
	v.latencySumMS += float64(elapsed.Microseconds()) / 1000
	if record.Approved || record.Reason == types.ReasonBelowThreshold {
		// Only rounds that reached the statistic contribute to the average.
		v.pctSum += record.PCT
		v.pctRounds++
	}
	for _, r := range record.PredictorResults {
		acc, ok := v.perPredictor[r.PredictorName]
		if !ok {
			acc = &predictorAccum{}
			v.perPredictor[r.PredictorName] = acc
		}
		acc.requests++
		if r.Responded {
			acc.success++
		}
		acc.latencySumMS += r.LatencyMS
	}
	v.statsMu.Unlock()

	outcome := "rejected"
	if record.Approved {
		outcome = "approved"
	}
	if v.metrics != nil {
		v.metrics.decisions.WithLabelValues(outcome).Inc()
		if !record.Approved {
			v.metrics.rejectReasons.WithLabelValues(string(record.Reason)).Inc()
		}
		v.metrics.pct.Observe(record.PCT)
		v.metrics.roundDuration.Observe(elapsed.Seconds())
	}
	if v.core != nil {
		v.core.RecordProcessingDuration("consensus", "validate", elapsed)
	}

	v.logger.Info("consensus decision",
		"candidate_id", record.CandidateID,
		"approved", record.Approved,
		"pct", record.PCT,
		"reason", string(record.Reason),
		"duration", elapsed)
}

// Reload atomically replaces the predictor set, threshold, quorum, and
// timeouts. In-flight rounds keep the values they started with.
func (v *Validator) Reload(cfg config.ConsensusConfig) error {
	for _, p := range cfg.Predictors {
		if err := p.Validate(); err != nil {
			return errors.WrapInvalid(err, "consensus", "Reload", "invalid predictor")
		}
	}
	if cfg.ConfidenceThreshold <= 0 || cfg.ConfidenceThreshold > 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "consensus", "Reload",
			"confidence threshold must be in (0, 1]")
	}

	v.mu.Lock()
	v.predictors = cfg.Predictors
	v.quorum = cfg.Quorum
	v.threshold = cfg.ConfidenceThreshold
	if cfg.CallTimeout > 0 {
		v.callTO = cfg.CallTimeout.Std()
	}
	if cfg.OverallDeadline > 0 {
		v.overallTO = cfg.OverallDeadline.Std()
	}
	v.mu.Unlock()

	v.logger.Info("consensus config reloaded",
		"predictors", len(cfg.Predictors),
		"threshold", cfg.ConfidenceThreshold)
	return nil
}

// StatsSnapshot returns a copy of the validator's counters with derived
// rates and averages filled in.
func (v *Validator) StatsSnapshot() Stats {
	v.statsMu.Lock()
	defer v.statsMu.Unlock()

	out := v.stats
	out.RejectReasons = make(map[types.RejectReason]int64, len(v.stats.RejectReasons))
	for k, n := range v.stats.RejectReasons {
		out.RejectReasons[k] = n
	}

	if out.Validated > 0 {
		out.ApprovalRate = float64(out.Approved) / float64(out.Validated)
		out.AvgLatencyMS = v.latencySumMS / float64(out.Validated)
	}
	if v.pctRounds > 0 {
		out.AvgPCT = v.pctSum / float64(v.pctRounds)
	}

	out.Predictors = make(map[string]PredictorStats, len(v.perPredictor))
	for name, acc := range v.perPredictor {
		ps := PredictorStats{Requests: acc.requests, Success: acc.success}
		if acc.requests > 0 {
			ps.AvgLatencyMS = acc.latencySumMS / float64(acc.requests)
		}
		out.Predictors[name] = ps
	}
	return out
}

func enabledPredictors(all []types.Predictor) []types.Predictor {
	out := make([]types.Predictor, 0, len(all))
	for _, p := range all {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// confidenceStatistic computes the weighted consensus confidence
// PCT = 1 - sigma/mu over responded predictors, clamped to [0, 1].
// A non-positive mean makes the coefficient of variation meaningless, so
// the round fails closed with ok == false.
func confidenceStatistic(results []types.PredictorResult) (float64, bool) {
	var sumW, sumWC float64
	for _, r := range results {
		if !r.Responded {
			continue
		}
		sumW += r.Weight
		sumWC += r.Weight * r.Confidence
	}
	if sumW == 0 {
		return 0, false
	}

	mean := sumWC / sumW
	if mean <= 0 {
		return 0, false
	}

	var sumWD float64
	for _, r := range results {
		if !r.Responded {
			continue
		}
		d := r.Confidence - mean
		sumWD += r.Weight * d * d
	}
	sigma := math.Sqrt(sumWD / sumW)

	pct := 1 - sigma/mean
	if pct < 0 {
		pct = 0
	}
	if pct > 1 {
		pct = 1
	}
	return pct, true
}
