// Package httppush provides an HTTP input component that accepts telemetry
// readings pushed by devices or edge gateways as JSON over POST.
package httppush

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/c360/sentinelstreams/component"
	"github.com/c360/sentinelstreams/config"
	"github.com/c360/sentinelstreams/errors"
	"github.com/c360/sentinelstreams/metric"
	"github.com/c360/sentinelstreams/types"
)

const (
	defaultMaxBodySize = 1 << 20 // 1MB
	defaultRateLimit   = 100     // requests/sec
	defaultRateBurst   = 20
)

// Sink receives readings produced by this input.
type Sink interface {
	Ingest(reading types.SensorReading) error
}

// Metrics holds Prometheus metrics for the HTTP push input component.
type Metrics struct {
	requestsTotal    prometheus.Counter
	requestsRejected prometheus.Counter
	readingsAccepted prometheus.Counter
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "httppush",
			Name:      "requests_total",
			Help:      "Total push requests received",
		}),
		requestsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "httppush",
			Name:      "requests_rejected_total",
			Help:      "Push requests rejected before ingestion",
		}),
		readingsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "httppush",
			Name:      "readings_accepted_total",
			Help:      "Readings accepted into the pipeline",
		}),
	}

	_ = registry.RegisterCounter("httppush_input", "requests", m.requestsTotal)
	_ = registry.RegisterCounter("httppush_input", "requests_rejected", m.requestsRejected)
	_ = registry.RegisterCounter("httppush_input", "readings_accepted", m.readingsAccepted)

	return m
}

// InputDeps holds runtime dependencies for the HTTP push input component.
type InputDeps struct {
	Name            string
	Config          config.HTTPPushConfig
	Sink            Sink
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// Input runs an HTTP server accepting pushed readings on POST /readings.
type Input struct {
	name    string
	cfg     config.HTTPPushConfig
	sink    Sink
	logger  *slog.Logger
	limiter *rate.Limiter

	server   *http.Server
	listener net.Listener

	running   atomic.Bool
	startTime time.Time
	mu        sync.Mutex

	requestCount atomic.Int64
	errorCount   atomic.Int64
	lastError    atomic.Value // stores string

	metrics *Metrics
}

var (
	_ component.Discoverable       = (*Input)(nil)
	_ component.LifecycleComponent = (*Input)(nil)
)

// NewInput creates a new HTTP push input component.
func NewInput(deps InputDeps) *Input {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limit := deps.Config.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	burst := deps.Config.RateBurst
	if burst <= 0 {
		burst = defaultRateBurst
	}

	in := &Input{
		name:    deps.Name,
		cfg:     deps.Config,
		sink:    deps.Sink,
		logger:  logger.With("component", "httppush-input"),
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
		metrics: newMetrics(deps.MetricsRegistry),
	}
	in.lastError.Store("")
	return in
}

// Meta returns the component metadata.
func (in *Input) Meta() component.Metadata {
	name := in.name
	if name == "" {
		name = "httppush-input"
	}
	return component.Metadata{
		Name:        name,
		Type:        "input",
		Description: fmt.Sprintf("HTTP push receiver on %s", in.cfg.ListenAddr),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component.
func (in *Input) Health() component.HealthStatus {
	lastError, _ := in.lastError.Load().(string)
	return component.HealthStatus{
		Healthy:    in.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(in.errorCount.Load()),
		LastError:  lastError,
		Uptime:     time.Since(in.startTime),
	}
}

// Initialize validates the component configuration.
func (in *Input) Initialize() error {
	if in.cfg.ListenAddr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "httppush-input", "Initialize",
			"listen address required")
	}
	if in.sink == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "httppush-input", "Initialize",
			"nil sink")
	}
	return nil
}

// Start binds the listener and begins serving push requests.
func (in *Input) Start(_ context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.running.Load() {
		return nil // idempotent
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/readings", in.handlePush)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	readTimeout := 10 * time.Second
	if in.cfg.ReadTimeout > 0 {
		readTimeout = in.cfg.ReadTimeout.Std()
	}

	listener, err := net.Listen("tcp", in.cfg.ListenAddr)
	if err != nil {
		return errors.WrapTransient(err, "httppush-input", "Start", "bind listener")
	}
	in.listener = listener

	in.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: 10 * time.Second,
	}

	in.running.Store(true)
	in.startTime = time.Now()

	go func() {
		if err := in.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			in.recordError(err)
			in.logger.Error("push server stopped", "error", err)
		}
	}()

	in.logger.Info("HTTP push input listening", "addr", listener.Addr().String())
	return nil
}

// Stop shuts the server down, waiting up to timeout for in-flight requests.
func (in *Input) Stop(timeout time.Duration) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if !in.running.Load() {
		return nil
	}
	in.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := in.server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "httppush-input", "Stop", "shutdown server")
	}
	return nil
}

// Addr returns the bound listener address, useful when ListenAddr uses
// port 0.
func (in *Input) Addr() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.listener == nil {
		return ""
	}
	return in.listener.Addr().String()
}

// pushResponse is returned for every push request.
type pushResponse struct {
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handlePush accepts a single reading object or an array of readings.
func (in *Input) handlePush(w http.ResponseWriter, r *http.Request) {
	in.requestCount.Add(1)
	if in.metrics != nil {
		in.metrics.requestsTotal.Inc()
	}

	if r.Method != http.MethodPost {
		in.reject(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if !in.limiter.Allow() {
		in.reject(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if !in.authorized(r) {
		in.reject(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	maxBody := in.cfg.MaxBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxBodySize
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		in.reject(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if int64(len(body)) > maxBody {
		in.reject(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("body exceeds %d bytes", maxBody))
		return
	}

	readings, err := decodeReadings(body)
	if err != nil {
		in.reject(w, http.StatusBadRequest, err.Error())
		return
	}

	accepted, rejected := 0, 0
	for _, reading := range readings {
		if reading.Timestamp.IsZero() {
			reading.Timestamp = time.Now()
		}
		if reading.Quality == "" {
			reading.Quality = types.QualityGood
		}
		if err := reading.Validate(); err != nil {
			rejected++
			continue
		}
		if err := in.sink.Ingest(reading); err != nil {
			in.recordError(err)
			rejected++
			continue
		}
		accepted++
	}

	if in.metrics != nil {
		in.metrics.readingsAccepted.Add(float64(accepted))
	}

	status := http.StatusAccepted
	if accepted == 0 {
		status = http.StatusBadRequest
		if in.metrics != nil {
			in.metrics.requestsRejected.Inc()
		}
	}
	writeJSON(w, status, pushResponse{Accepted: accepted, Rejected: rejected})
}

// authorized checks the bearer token when one is configured. With no token
// configured the endpoint is open, which suits air-gapped plant networks.
func (in *Input) authorized(r *http.Request) bool {
	if in.cfg.AuthToken == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+in.cfg.AuthToken
}

// decodeReadings accepts either a JSON array or a single JSON object.
func decodeReadings(body []byte) ([]types.SensorReading, error) {
	var batch []types.SensorReading
	if err := json.Unmarshal(body, &batch); err == nil {
		return batch, nil
	}

	var single types.SensorReading
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, errors.WrapInvalid(err, "httppush-input", "decodeReadings",
			"body is neither a reading nor an array of readings")
	}
	return []types.SensorReading{single}, nil
}

func (in *Input) reject(w http.ResponseWriter, status int, msg string) {
	if in.metrics != nil {
		in.metrics.requestsRejected.Inc()
	}
	writeJSON(w, status, pushResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (in *Input) recordError(err error) {
	in.errorCount.Add(1)
	in.lastError.Store(err.Error())
}
