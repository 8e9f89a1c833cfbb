package types

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML decodes a rule from YAML, accepting Go duration strings
// ("30s", "5m") for the duration and cooldown fields. A rule with no
// enabled field defaults to enabled.
func (r *Rule) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		RuleID       string           `yaml:"rule_id"`
		Enabled      *bool            `yaml:"enabled"`
		SourceFilter string           `yaml:"source_filter"`
		Metric       string           `yaml:"metric"`
		Operator     Operator         `yaml:"operator"`
		Threshold    float64          `yaml:"threshold"`
		Duration     string           `yaml:"duration"`
		Cooldown     string           `yaml:"cooldown"`
		Template     IncidentTemplate `yaml:"incident_template"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	duration, err := parseOptionalDuration(raw.Duration)
	if err != nil {
		return fmt.Errorf("rule %s: invalid duration: %w", raw.RuleID, err)
	}
	cooldown, err := parseOptionalDuration(raw.Cooldown)
	if err != nil {
		return fmt.Errorf("rule %s: invalid cooldown: %w", raw.RuleID, err)
	}

	enabled := true
	if raw.Enabled != nil {
		enabled = *raw.Enabled
	}

	*r = Rule{
		RuleID:       raw.RuleID,
		Enabled:      enabled,
		SourceFilter: raw.SourceFilter,
		Metric:       raw.Metric,
		Operator:     raw.Operator,
		Threshold:    raw.Threshold,
		Duration:     duration,
		Cooldown:     cooldown,
		Template:     raw.Template,
	}
	return nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
