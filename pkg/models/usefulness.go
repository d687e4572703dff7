package models

import "time"

// Recognized proof work types.
var WorkTypes = map[string]bool{
	"compute":    true,
	"memory":     true,
	"routing":    true,
	"learning":   true,
	"validation": true,
}

// UsefulnessProof is one immutable record of useful work. Scores feed the
// 30-day rolling mean that discovery reads from cache.
type UsefulnessProof struct {
	ID           string             `json:"id"`
	IntentID     string             `json:"intent_id"`
	AgentDID     string             `json:"agent_did"`
	WorkType     string             `json:"work_type"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Attestations []Attestation      `json:"attestations,omitempty"`
	TraceID      string             `json:"trace_id,omitempty"`
	Score        float64            `json:"usefulness_score"` // [0,100]
	CreatedAt    time.Time          `json:"created_at"`
}

// UsefulnessSummary is the aggregate view returned per agent.
type UsefulnessSummary struct {
	AgentDID   string             `json:"agent_did"`
	Score      float64            `json:"usefulness_score"`
	ProofCount int                `json:"proof_count"`
	ByWorkType map[string]float64 `json:"by_work_type"`
	WindowDays int                `json:"window_days"`
}
