package models

// Message types carried in Envelope.MsgType. The set is open; the broker
// routes anything structurally valid but applies the email guard stack only
// to EMAIL_MESSAGE payloads.
const (
	MsgDiscover       = "DISCOVER"
	MsgDiscoverResult = "DISCOVER_RESULT"
	MsgNegotiate      = "NEGOTIATE"
	MsgIntent         = "INTENT"
	MsgResult         = "RESULT"
	MsgNotification   = "NOTIFICATION"
	MsgEmail          = "EMAIL_MESSAGE"
)

// Envelope is the signed top-level unit exchanged between agents. The
// signature covers the canonical JSON form of every field except "signature"
// itself (see identity.CanonicalBytes).
type Envelope struct {
	ID         string         `json:"id"`
	TraceID    string         `json:"trace_id,omitempty"`
	FromDID    string         `json:"from_did"`
	ToDID      string         `json:"to_did,omitempty"` // absent = broadcast via discovery
	MsgType    string         `json:"msg_type"`
	TTLSeconds int64          `json:"ttl_seconds"`
	Timestamp  int64          `json:"timestamp_ms"` // unix milliseconds
	Signature  string         `json:"signature,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// Broadcast reports whether the envelope must be routed through discovery.
func (e *Envelope) Broadcast() bool { return e.ToDID == "" }

// Message is the persisted per-recipient copy of an envelope.
type Message struct {
	OwnerDID       string         `json:"owner_did"`
	EnvelopeID     string         `json:"envelope_id"`
	ConversationID string         `json:"conversation_id"`
	FromDID        string         `json:"from_did"`
	MsgType        string         `json:"msg_type"`
	Payload        map[string]any `json:"payload"`
	Read           bool           `json:"read"`
	Labels         []string       `json:"labels"`
	CreatedAt      int64          `json:"created_at_ms"`
}

// Thread is the derived per-conversation aggregate, updated in the same
// transaction as every message insert.
type Thread struct {
	ConversationID string   `json:"conversation_id"`
	OwnerDID       string   `json:"owner_did"`
	Participants   []string `json:"participants"`
	LastMessageAt  int64    `json:"last_message_at_ms"`
	MessageCount   int      `json:"message_count"`
	UnreadCount    int      `json:"unread_count"`
}

// Consent states on a contact edge.
const (
	ConsentUnknown = "unknown"
	ConsentAllowed = "allowed"
	ConsentBlocked = "blocked"
)

// Contact is one ordered (owner, peer) edge.
type Contact struct {
	OwnerDID         string `json:"owner_did"`
	PeerDID          string `json:"peer_did"`
	FirstSeenAt      int64  `json:"first_seen_at_ms"`
	InteractionCount int    `json:"interaction_count"`
	Consent          string `json:"consent"`
}
