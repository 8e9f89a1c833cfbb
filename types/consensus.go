package types

import (
	"fmt"
	"time"
)

// Predictor is the registration of one external prediction service that
// scores candidate incidents with a confidence value.
type Predictor struct {
	Name    string  `json:"name"    yaml:"name"`
	URL     string  `json:"url"     yaml:"url"`
	Weight  float64 `json:"weight"  yaml:"weight"`
	Enabled bool    `json:"enabled" yaml:"enabled"`
}

// Validate checks predictor registration fields.
func (p Predictor) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("predictor missing name")
	}
	if p.URL == "" {
		return fmt.Errorf("predictor %s missing url", p.Name)
	}
	if p.Weight <= 0 {
		return fmt.Errorf("predictor %s has non-positive weight %g", p.Name, p.Weight)
	}
	return nil
}

// PredictorResult is one predictor's answer for a single validation round.
// A predictor that timed out or was unreachable has Responded == false and
// is excluded from the consensus statistic rather than scored as zero.
type PredictorResult struct {
	PredictorName string  `json:"predictor_name"`
	Confidence    float64 `json:"confidence"`
	Weight        float64 `json:"weight"`
	LatencyMS     float64 `json:"latency_ms"`
	Responded     bool    `json:"responded"`
	Error         string  `json:"error,omitempty"`
}

// RejectReason explains why a candidate failed closed.
type RejectReason string

// Fail-closed reasons recorded on rejected consensus decisions.
const (
	ReasonQuorumNotMet     RejectReason = "QUORUM_NOT_MET"
	ReasonDegenerateMean   RejectReason = "DEGENERATE_MEAN"
	ReasonNoPredictors     RejectReason = "NO_PREDICTORS"
	ReasonBelowThreshold   RejectReason = "BELOW_THRESHOLD"
	ReasonDeadlineExceeded RejectReason = "DEADLINE_EXCEEDED"
)

// ConsensusRecord is the full audit record of one validation round,
// produced exactly once per candidate and retained for metrics/audit.
type ConsensusRecord struct {
	CandidateID      string            `json:"candidate_id"`
	PCT              float64           `json:"pct"`
	Approved         bool              `json:"approved"`
	Reason           RejectReason      `json:"reason,omitempty"`
	PredictorResults []PredictorResult `json:"predictor_results"`
	DecidedAt        time.Time         `json:"decided_at"`
}
