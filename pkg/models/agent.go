package models

import (
	"math"
	"time"
)

// Agent is one registered participant, identified by its DID.
type Agent struct {
	ID         int64     `json:"-"`
	DID        string    `json:"did"`
	PublicKey  string    `json:"public_key"` // base64 raw Ed25519
	Endpoint   string    `json:"endpoint,omitempty"`
	TTLSeconds int64     `json:"ttl_seconds"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Capability is one embeddable description of something an agent can do.
// (agent, description) is unique; re-registering an agent replaces the set.
type Capability struct {
	ID           int64     `json:"-"`
	AgentDID     string    `json:"agent_did"`
	Description  string    `json:"description"`
	Tags         []string  `json:"tags"`
	Version      string    `json:"version,omitempty"`
	CredentialID string    `json:"credential_id,omitempty"`
	Embedding    []float32 `json:"-"` // 1536-dim, cosine-normalized
	UpdatedAt    time.Time `json:"updated_at"`
}

// TrustRecord is the per-agent 4-vector plus its linear aggregate.
// The aggregate decays on read: Score·DecayRate^days_since_update.
type TrustRecord struct {
	AgentDID    string    `json:"agent_did"`
	Reliability float64   `json:"reliability"`
	Honesty     float64   `json:"honesty"`
	Competence  float64   `json:"competence"`
	Timeliness  float64   `json:"timeliness"`
	Score       float64   `json:"score"`
	DecayRate   float64   `json:"decay_rate"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Aggregate recomputes the weighted trust score from the four dimensions.
func (t *TrustRecord) Aggregate() float64 {
	return t.Reliability*0.35 + t.Honesty*0.35 + t.Competence*0.20 + t.Timeliness*0.10
}

// DecayedScore applies exponential decay since the last update.
func (t *TrustRecord) DecayedScore(now time.Time) float64 {
	days := now.Sub(t.UpdatedAt).Hours() / 24
	if days <= 0 {
		return t.Score
	}
	rate := t.DecayRate
	if rate <= 0 || rate > 1 {
		rate = 0.977
	}
	return t.Score * math.Pow(rate, days)
}

// AgentAddress is the discovery-facing view of an agent: identity plus
// capabilities plus trust and cached usefulness.
type AgentAddress struct {
	DID          string       `json:"did"`
	Endpoint     string       `json:"endpoint,omitempty"`
	Capabilities []Capability `json:"capabilities"`
	Trust        *TrustRecord `json:"trust,omitempty"`
	Usefulness   float64      `json:"usefulness_score"`
	Similarity   float64      `json:"similarity,omitempty"`
	RankScore    float64      `json:"rank_score,omitempty"`
}
