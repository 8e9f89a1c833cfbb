package types

import "time"

// CandidateStatus tracks an incident candidate through validation.
type CandidateStatus string

// Candidate lifecycle statuses.
const (
	CandidatePending  CandidateStatus = "pending"
	CandidateApproved CandidateStatus = "approved"
	CandidateRejected CandidateStatus = "rejected"
)

// IncidentCandidate is created by the rule engine on trigger and consumed
// exactly once by the consensus validator, which either promotes it to an
// Incident or discards it.
type IncidentCandidate struct {
	CandidateID   string            `json:"candidate_id"`
	RuleID        string            `json:"rule_id"`
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	Status        CandidateStatus   `json:"status"`
	Priority      string            `json:"priority"`
	Category      string            `json:"category"`
	SourceContext map[string]string `json:"source_context,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// IncidentStatus is the lifecycle status of an approved incident.
type IncidentStatus string

// Incident statuses.
const (
	IncidentActive   IncidentStatus = "active"
	IncidentResolved IncidentStatus = "resolved"
)

// Incident is an approved, actionable event derived from sensor data after
// passing consensus validation. The only path that creates an Incident is a
// ConsensusRecord with Approved == true.
type Incident struct {
	IncidentID  string          `json:"incident_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Status      IncidentStatus  `json:"status"`
	Priority    string          `json:"priority"`
	Category    string          `json:"category"`
	CreatedAt   time.Time       `json:"created_at"`
	Consensus   ConsensusRecord `json:"consensus"`
}
