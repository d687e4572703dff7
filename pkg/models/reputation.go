package models

import "time"

// Attestation outcome types. ACCEPTED and AUDIT_PASS count as the
// accept-class outcome for finalization; AUDIT_FAIL and REJECTED as the
// fail-class.
const (
	AttAccepted  = "ACCEPTED"
	AttRejected  = "REJECTED"
	AttAuditPass = "AUDIT_PASS"
	AttAuditFail = "AUDIT_FAIL"
)

// AcceptClass reports whether an attestation type counts toward the
// accept-class outcome.
func AcceptClass(attType string) bool {
	return attType == AttAccepted || attType == AttAuditPass
}

// Attestation is one committee or client vote on a task receipt.
type Attestation struct {
	ByDID       string    `json:"by_did"`
	Type        string    `json:"type"`
	Score       float64   `json:"score"`
	Confidence  float64   `json:"confidence"`
	EvidenceRef string    `json:"evidence_ref,omitempty"`
	Signature   string    `json:"signature,omitempty"`
	At          time.Time `json:"at"`
}

// Task receipt states; pending→finalized happens exactly once.
const (
	ReceiptPending   = "pending"
	ReceiptFinalized = "finalized"
	ReceiptDisputed  = "disputed"
)

// TaskReceipt records the settlement of a negotiation's work, finalized by
// k matching committee attestations plus the client attestation.
type TaskReceipt struct {
	ID            string        `json:"id"`
	NegotiationID string        `json:"negotiation_id"`
	AgentDID      string        `json:"agent_did"`
	ClientDID     string        `json:"client_did"`
	K             int           `json:"k"`
	M             int           `json:"m"`
	Committee     []string      `json:"committee"`
	Attestations  []Attestation `json:"attestations"`
	Status        string        `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	FinalizedAt   *time.Time    `json:"finalized_at,omitempty"`
}

// Reputation holds the seven EMA-updated dimensions per agent.
type Reputation struct {
	AgentDID  string    `json:"agent_did"`
	Q         float64   `json:"q"` // quality
	T         float64   `json:"t"` // timeliness
	R         float64   `json:"r"` // reliability
	S         float64   `json:"s"` // safety
	V         float64   `json:"v"` // value
	I         float64   `json:"i"` // integrity
	E         float64   `json:"e"` // efficiency
	UpdatedAt time.Time `json:"updated_at"`
}
