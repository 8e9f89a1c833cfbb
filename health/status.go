// Package health provides health monitoring for pipeline components.
package health

import (
	"regexp"
	"time"

	"github.com/c360/sentinelstreams/component"
)

// Level is the coarse health classification of a component.
type Level string

const (
	// Healthy means the component is fully operational.
	Healthy Level = "healthy"
	// Degraded means the component is operating with reduced capability.
	Degraded Level = "degraded"
	// Unhealthy means the component is not operational.
	Unhealthy Level = "unhealthy"
)

// Status represents the health state of a component or system.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Level       Level     `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics contains health-related metrics.
type Metrics struct {
	Uptime       time.Duration `json:"uptime"`
	ErrorCount   int           `json:"error_count"`
	Processed    int64         `json:"processed,omitempty"`
	LastActivity time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy returns true if the status level is healthy.
func (s Status) IsHealthy() bool { return s.Level == Healthy }

// IsDegraded returns true if the status level is degraded.
func (s Status) IsDegraded() bool { return s.Level == Degraded }

// IsUnhealthy returns true if the status level is unhealthy.
func (s Status) IsUnhealthy() bool { return s.Level == Unhealthy }

// WithMetrics returns a copy of the status with metrics attached.
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// New creates a status at the given level.
func New(level Level, component, message string) Status {
	return Status{
		Component: component,
		Healthy:   level == Healthy,
		Level:     level,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy creates a healthy status.
func NewHealthy(component, message string) Status {
	return New(Healthy, component, message)
}

// NewDegraded creates a degraded status.
func NewDegraded(component, message string) Status {
	return New(Degraded, component, message)
}

// NewUnhealthy creates an unhealthy status.
func NewUnhealthy(component, message string) Status {
	return New(Unhealthy, component, message)
}

// Aggregate creates a status by aggregating sub-statuses:
//   - if any sub-status is unhealthy the aggregate is unhealthy
//   - otherwise if any sub-status is degraded the aggregate is degraded
//   - otherwise the aggregate is healthy
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "No sub-components to aggregate")
	}

	hasUnhealthy := false
	hasDegraded := false
	for _, sub := range subStatuses {
		switch {
		case sub.IsUnhealthy():
			hasUnhealthy = true
		case sub.IsDegraded():
			hasDegraded = true
		}
	}

	var status Status
	switch {
	case hasUnhealthy:
		status = NewUnhealthy(component, "One or more sub-components are unhealthy")
	case hasDegraded:
		status = NewDegraded(component, "One or more sub-components are degraded")
	default:
		status = NewHealthy(component, "All sub-components are healthy")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)
	return status
}

// Patterns stripped from error messages before they are exposed in health
// responses. URLs must be removed before bare paths since they contain them.
var sanitizePatterns = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?:https?|nats|wss?|tcp)://\S+`), "[URL]"},
	{regexp.MustCompile(`(?i)(password|token|key|secret|credential)\s*[:=]\s*\S+`), "[REDACTED]"},
	{regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`), "[PATH]"},
	{regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), "[IP]"},
	{regexp.MustCompile(`:\d{2,5}\b`), "[PORT]"},
}

// sanitizeErrorMessage removes connection details and credentials from error
// text so they never leak through health endpoints.
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}
	sanitized := err
	for _, p := range sanitizePatterns {
		sanitized = p.re.ReplaceAllString(sanitized, p.replacement)
	}
	return sanitized
}

// FromComponentHealth converts a component.HealthStatus to a health.Status.
func FromComponentHealth(name string, ch component.HealthStatus) Status {
	level := Unhealthy
	if ch.Healthy {
		level = Healthy
	}

	message := "Component healthy"
	if ch.LastError != "" {
		message = sanitizeErrorMessage(ch.LastError)
	}

	status := New(level, name, message)
	status.Metrics = &Metrics{
		Uptime:       ch.Uptime,
		ErrorCount:   ch.ErrorCount,
		LastActivity: ch.LastCheck,
	}
	return status
}
