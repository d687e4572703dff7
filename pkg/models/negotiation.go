package models

import "time"

// Negotiation states. Accepted, rejected and expired are sinks; any
// transition out of a sink fails InvalidStateTransition.
const (
	NegInitiated       = "initiated"
	NegProposed        = "proposed"
	NegCounterProposed = "counter_proposed"
	NegAccepted        = "accepted"
	NegRejected        = "rejected"
	NegExpired         = "expired"
	NegSettled         = "settled"
)

// SinkState reports whether state permits no further rounds.
func SinkState(state string) bool {
	switch state {
	case NegAccepted, NegRejected, NegExpired, NegSettled:
		return true
	}
	return false
}

// Proposal carries the recognized numeric terms plus open custom terms.
// Price is in external token units; escrow multiplies by 1000 for atomic
// credit units.
type Proposal struct {
	Price          float64        `json:"price,omitempty"`
	DeliveryTimeMS float64        `json:"delivery_time_ms,omitempty"`
	QualitySLA     float64        `json:"quality_sla,omitempty"`
	CustomTerms    map[string]any `json:"custom_terms,omitempty"`
}

// Round is one append-only step in a negotiation.
type Round struct {
	Number           int       `json:"round_number"`
	ProposerDID      string    `json:"proposer_did"`
	Proposal         Proposal  `json:"proposal"`
	Timestamp        time.Time `json:"timestamp"`
	ConvergenceDelta float64   `json:"convergence_delta"`
	Rejected         bool      `json:"rejected,omitempty"`
	Reason           string    `json:"reason,omitempty"`
}

// IncentiveSplit divides a settled amount; shares must sum to 1 within 1e-6.
type IncentiveSplit struct {
	Agent     float64 `json:"agent"`
	Broker    float64 `json:"broker"`
	Validator float64 `json:"validator"`
	Pool      float64 `json:"pool"`
}

// DefaultIncentiveSplit is applied when a negotiation does not carry one.
var DefaultIncentiveSplit = IncentiveSplit{Agent: 0.7, Broker: 0.1, Validator: 0.1, Pool: 0.1}

// Negotiation is one multi-round session between two agents over an intent.
type Negotiation struct {
	ID               string         `json:"id"`
	IntentID         string         `json:"intent_id"`
	InitiatorDID     string         `json:"initiator_did"`
	ResponderDID     string         `json:"responder_did"`
	State            string         `json:"state"`
	MaxRounds        int            `json:"max_rounds"`
	CreatedAt        time.Time      `json:"created_at"`
	ExpiresAt        time.Time      `json:"expires_at"`
	Rounds           []Round        `json:"rounds"`
	CurrentProposal  *Proposal      `json:"current_proposal,omitempty"`
	FinalProposal    *Proposal      `json:"final_proposal,omitempty"`
	ConvergenceScore float64        `json:"convergence_score"`
	Split            IncentiveSplit `json:"incentive_split"`
	ReservedCredits  int64          `json:"reserved_credits,omitempty"`
}

// LastProposer returns the DID that proposed most recently, or "" before the
// first round.
func (n *Negotiation) LastProposer() string {
	if len(n.Rounds) == 0 {
		return ""
	}
	return n.Rounds[len(n.Rounds)-1].ProposerDID
}

// Participant reports whether did is one of the two parties.
func (n *Negotiation) Participant(did string) bool {
	return did == n.InitiatorDID || did == n.ResponderDID
}

// Counterparty returns the other side of the session.
func (n *Negotiation) Counterparty(did string) string {
	if did == n.InitiatorDID {
		return n.ResponderDID
	}
	return n.InitiatorDID
}
