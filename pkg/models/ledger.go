package models

import "time"

// Ledger entry types. Entries are append-only; the signed sum reconciles to
// the account snapshot at all times.
const (
	EntryDeposit = "deposit"
	EntryReserve = "reserve"
	EntryRelease = "release"
	EntryEarn    = "earn"
	EntrySpend   = "spend"
)

// CreditAccount is the per-agent balance snapshot. Amounts are atomic credit
// units (1 external token = 1000 atomic units).
type CreditAccount struct {
	OwnerDID       string    `json:"owner_did"`
	Balance        int64     `json:"balance"`
	Reserved       int64     `json:"reserved"`
	LifetimeEarned int64     `json:"lifetime_earned"`
	LifetimeSpent  int64     `json:"lifetime_spent"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// LedgerEntry is one journal row.
type LedgerEntry struct {
	ID       string    `json:"id"`
	OwnerDID string    `json:"owner_did"`
	Type     string    `json:"type"`
	Amount   int64     `json:"amount"`
	IntentID string    `json:"intent_id,omitempty"`
	ProofID  string    `json:"proof_id,omitempty"`
	At       time.Time `json:"at"`
}

// Payment request states.
const (
	PaymentPending = "pending"
	PaymentPaid    = "paid"
	PaymentExpired = "expired"
	PaymentFailed  = "failed"
)

// PaymentRequest is a pending top-up through an external provider.
type PaymentRequest struct {
	ID           string    `json:"id"`
	OwnerDID     string    `json:"owner_did"`
	AmountAtomic int64     `json:"amount_atomic"`
	Currency     string    `json:"currency"`
	Method       string    `json:"method"`
	State        string    `json:"state"`
	PaymentURL   string    `json:"payment_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}
