package rule

import (
	"strconv"
	"strings"
	"time"

	"github.com/c360/sentinelstreams/types"
)

// templateContext builds the interpolation fields available to incident
// templates from a rule and the reading that triggered it.
func templateContext(r types.Rule, reading types.SensorReading) map[string]string {
	return map[string]string{
		"rule_id":      r.RuleID,
		"source_id":    reading.SourceID,
		"equipment_id": reading.EquipmentID,
		"metric":       reading.Metric,
		"value":        strconv.FormatFloat(reading.Value, 'g', -1, 64),
		"unit":         reading.Unit,
		"threshold":    strconv.FormatFloat(r.Threshold, 'g', -1, 64),
		"operator":     string(r.Operator),
		"timestamp":    reading.Timestamp.Format(time.RFC3339),
	}
}

// interpolate replaces {{field}} placeholders with values from ctx.
// Placeholders with no matching field are left untouched so typos surface
// in the rendered text instead of disappearing silently.
func interpolate(template string, ctx map[string]string) string {
	var b strings.Builder
	b.Grow(len(template))

	rest := template
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end += start

		b.WriteString(rest[:start])
		field := strings.TrimSpace(rest[start+2 : end])
		if value, ok := ctx[field]; ok {
			b.WriteString(value)
		} else {
			b.WriteString(rest[start : end+2])
		}
		rest = rest[end+2:]
	}
}
