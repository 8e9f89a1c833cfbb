// Package types defines the core data model shared across the
// SentinelStreams pipeline: sensor readings, threshold rules, incident
// candidates, consensus records, and approved incidents.
package types

import (
	"fmt"
	"time"
)

// Quality indicates how trustworthy a sensor reading is at the source.
type Quality string

// Recognized reading qualities.
const (
	QualityGood      Quality = "good"
	QualityUncertain Quality = "uncertain"
	QualityBad       Quality = "bad"
)

// Valid reports whether q is a recognized quality value.
func (q Quality) Valid() bool {
	switch q {
	case QualityGood, QualityUncertain, QualityBad:
		return true
	}
	return false
}

// SensorReading is a normalized telemetry sample produced by a protocol
// adapter. Readings are immutable value types: created once during
// normalization, consumed by the rule engine, then discarded.
type SensorReading struct {
	SourceID    string    `json:"source_id"`
	EquipmentID string    `json:"equipment_id,omitempty"`
	Metric      string    `json:"metric"`
	Value       float64   `json:"value"`
	Unit        string    `json:"unit,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Quality     Quality   `json:"quality"`
}

// Validate checks that a reading carries the minimum fields the router
// and rule engine depend on.
func (r SensorReading) Validate() error {
	if r.SourceID == "" {
		return fmt.Errorf("reading missing source_id")
	}
	if r.Metric == "" {
		return fmt.Errorf("reading missing metric")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("reading missing timestamp")
	}
	if r.Quality != "" && !r.Quality.Valid() {
		return fmt.Errorf("reading has unknown quality %q", r.Quality)
	}
	return nil
}

// Key returns the dedup identity of a reading. Two readings with the same
// key inside the router's dedup window are treated as one burst.
func (r SensorReading) Key() string {
	return fmt.Sprintf("%s|%s|%g|%d", r.SourceID, r.Metric, r.Value, r.Timestamp.UnixNano())
}
