package mailbox

import (
	"testing"
	"time"

	"github.com/servesys-labs/ainp-broker/pkg/models"
)

func TestConversationID(t *testing.T) {
	// An explicit conversation_id wins.
	env := &models.Envelope{
		FromDID: "did:key:alice",
		Payload: map[string]any{"conversation_id": "conv-42"},
	}
	if got := ConversationID(env, "did:key:bob"); got != "conv-42" {
		t.Errorf("got %q, want conv-42", got)
	}

	// Otherwise the unordered pair: both directions share one thread.
	a := &models.Envelope{FromDID: "did:key:alice", Payload: map[string]any{}}
	b := &models.Envelope{FromDID: "did:key:bob", Payload: map[string]any{}}
	ab := ConversationID(a, "did:key:bob")
	ba := ConversationID(b, "did:key:alice")
	if ab != ba {
		t.Errorf("directions disagree: %q vs %q", ab, ba)
	}
	if ab != "did:key:alice|did:key:bob" {
		t.Errorf("pair id = %q", ab)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 589000, time.UTC)
	cursor := encodeCursor(at, "env-123")

	gotAt, gotID, err := decodeCursor(cursor)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !gotAt.Equal(at) {
		t.Errorf("time = %v, want %v", gotAt, at)
	}
	if gotID != "env-123" {
		t.Errorf("id = %q", gotID)
	}
}

func TestTrimPage_CursorKeepsStoredPrecision(t *testing.T) {
	// Three rows in the same millisecond, microseconds apart. The cursor must
	// carry the stored microsecond stamp: a millisecond-truncated cursor sits
	// before every row of that millisecond, so the next page's keyset
	// predicate (created_at, envelope_id) < cursor would skip row c.
	base := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	stamps := []time.Time{
		base.Add(500 * time.Microsecond),
		base.Add(350 * time.Microsecond),
		base.Add(200 * time.Microsecond),
	}
	page := &InboxPage{Messages: []models.Message{
		{EnvelopeID: "env-a", CreatedAt: stamps[0].UnixMilli()},
		{EnvelopeID: "env-b", CreatedAt: stamps[1].UnixMilli()},
		{EnvelopeID: "env-c", CreatedAt: stamps[2].UnixMilli()},
	}}

	trimPage(page, stamps, 2)

	if len(page.Messages) != 2 {
		t.Fatalf("page size = %d, want 2", len(page.Messages))
	}
	at, id, err := decodeCursor(page.NextCursor)
	if err != nil {
		t.Fatal(err)
	}
	if id != "env-b" {
		t.Errorf("cursor id = %q, want env-b", id)
	}
	if !at.Equal(stamps[1]) {
		t.Errorf("cursor time = %v, want the stored %v", at, stamps[1])
	}
	// The next keyset comparison must still admit the remaining row.
	if !stamps[2].Before(at) {
		t.Error("cursor does not order the remaining same-millisecond row after the page")
	}
}

func TestTrimPage_NoLookaheadRowMeansNoCursor(t *testing.T) {
	page := &InboxPage{Messages: []models.Message{{EnvelopeID: "env-a"}}}
	trimPage(page, []time.Time{time.Now()}, 2)
	if page.NextCursor != "" {
		t.Errorf("cursor = %q on a final page", page.NextCursor)
	}
}

func TestDecodeCursor_Malformed(t *testing.T) {
	cases := []string{"", "!!!not-base64!!!", "bm9wZQ"} // last decodes to "nope", no separator
	for _, c := range cases {
		if _, _, err := decodeCursor(c); err == nil {
			t.Errorf("cursor %q accepted", c)
		}
	}
}

func TestCursorSurvivesIDsWithSeparators(t *testing.T) {
	at := time.Now()
	_, gotID, err := decodeCursor(encodeCursor(at, "a|b|c"))
	if err != nil {
		t.Fatal(err)
	}
	if gotID != "a|b|c" {
		t.Errorf("id = %q, want a|b|c", gotID)
	}
}
