package types

import (
	"fmt"
	"path"
	"time"
)

// Operator is a threshold comparison operator.
type Operator string

// Supported rule operators.
const (
	OpGreater  Operator = ">"
	OpLess     Operator = "<"
	OpEqual    Operator = "=="
	OpNotEqual Operator = "!="
)

// Valid reports whether op is a supported operator.
func (op Operator) Valid() bool {
	switch op {
	case OpGreater, OpLess, OpEqual, OpNotEqual:
		return true
	}
	return false
}

// Compare applies the operator to (value, threshold).
// Equality uses a small epsilon so float noise does not defeat == rules.
func (op Operator) Compare(value, threshold float64) bool {
	const epsilon = 1e-9
	switch op {
	case OpGreater:
		return value > threshold
	case OpLess:
		return value < threshold
	case OpEqual:
		return value > threshold-epsilon && value < threshold+epsilon
	case OpNotEqual:
		return value <= threshold-epsilon || value >= threshold+epsilon
	}
	return false
}

// IncidentTemplate carries the title/description templates interpolated
// with {{field}} placeholders from the triggering reading and rule context.
type IncidentTemplate struct {
	Title       string `json:"title"        yaml:"title"`
	Description string `json:"description"  yaml:"description"`
	Priority    string `json:"priority"     yaml:"priority"`
	Category    string `json:"category"     yaml:"category"`
}

// Rule is a stateful threshold rule definition. Rules are configuration
// objects owned by the rule engine and mutated only via explicit reload,
// never by evaluation.
type Rule struct {
	RuleID       string           `json:"rule_id"        yaml:"rule_id"`
	Enabled      bool             `json:"enabled"        yaml:"enabled"`
	SourceFilter string           `json:"source_filter"  yaml:"source_filter"`
	Metric       string           `json:"metric"         yaml:"metric"`
	Operator     Operator         `json:"operator"       yaml:"operator"`
	Threshold    float64          `json:"threshold"      yaml:"threshold"`
	Duration     time.Duration    `json:"duration"       yaml:"duration"`
	Cooldown     time.Duration    `json:"cooldown"       yaml:"cooldown"`
	Template     IncidentTemplate `json:"incident_template" yaml:"incident_template"`
}

// Validate checks rule invariants before the engine accepts it.
func (r Rule) Validate() error {
	if r.RuleID == "" {
		return fmt.Errorf("rule missing rule_id")
	}
	if r.Metric == "" {
		return fmt.Errorf("rule %s missing metric", r.RuleID)
	}
	if !r.Operator.Valid() {
		return fmt.Errorf("rule %s has unknown operator %q", r.RuleID, r.Operator)
	}
	if r.Duration < 0 {
		return fmt.Errorf("rule %s has negative duration", r.RuleID)
	}
	if r.Cooldown < 0 {
		return fmt.Errorf("rule %s has negative cooldown", r.RuleID)
	}
	return nil
}

// MinCooldown is the floor for a rule's effective cooldown window.
const MinCooldown = time.Second

// CooldownWindow returns the effective cooldown: the configured value,
// defaulting to the rule's duration, never below MinCooldown. A single
// sustained excursion must not double-trigger.
func (r Rule) CooldownWindow() time.Duration {
	cd := r.Cooldown
	if cd <= 0 {
		cd = r.Duration
	}
	if cd < MinCooldown {
		cd = MinCooldown
	}
	return cd
}

// Matches reports whether the rule applies to the given reading.
// SourceFilter supports glob patterns ("motor*", "" matches everything).
func (r Rule) Matches(reading SensorReading) bool {
	if !r.Enabled {
		return false
	}
	if r.Metric != reading.Metric {
		return false
	}
	if r.SourceFilter == "" || r.SourceFilter == "*" {
		return true
	}
	ok, err := path.Match(r.SourceFilter, reading.SourceID)
	return err == nil && ok
}

// RuleState is the per-rule temporal state mutated exclusively by the rule
// engine. ConditionSince is nil while the condition is false; it is reset
// to nil the moment the condition breaks, with no partial-credit carryover.
type RuleState struct {
	RuleID          string     `json:"rule_id"`
	ConditionSince  *time.Time `json:"condition_since,omitempty"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
}
