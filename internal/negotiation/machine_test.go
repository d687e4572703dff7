package negotiation

import (
	"math"
	"testing"
	"time"

	"github.com/servesys-labs/ainp-broker/internal/apperr"
	"github.com/servesys-labs/ainp-broker/pkg/models"
)

const (
	initiator = "did:key:initiator"
	responder = "did:key:responder"
)

func newTestSession(t *testing.T, maxRounds int) *models.Negotiation {
	t.Helper()
	n, err := NewSession(InitiateParams{
		IntentID:     "intent-1",
		InitiatorDID: initiator,
		ResponderDID: responder,
		Proposal:     models.Proposal{Price: 100, DeliveryTimeMS: 5000, QualitySLA: 0.99},
		MaxRounds:    maxRounds,
	}, time.Now())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return n
}

func TestNewSession_InitialProposalIsRoundOne(t *testing.T) {
	n := newTestSession(t, 10)
	if n.State != models.NegInitiated {
		t.Errorf("state = %s, want initiated", n.State)
	}
	if len(n.Rounds) != 1 || n.Rounds[0].Number != 1 || n.Rounds[0].ProposerDID != initiator {
		t.Errorf("round 1 not attributed to initiator: %+v", n.Rounds)
	}
	if n.CurrentProposal == nil || n.CurrentProposal.Price != 100 {
		t.Error("current proposal not set from the initial proposal")
	}
}

func TestNewSession_Validation(t *testing.T) {
	cases := []struct {
		name string
		p    InitiateParams
	}{
		{"same parties", InitiateParams{InitiatorDID: initiator, ResponderDID: initiator}},
		{"max_rounds too high", InitiateParams{InitiatorDID: initiator, ResponderDID: responder, MaxRounds: 21}},
		{"max_rounds negative", InitiateParams{InitiatorDID: initiator, ResponderDID: responder, MaxRounds: -1}},
	}
	for _, tc := range cases {
		if _, err := NewSession(tc.p, time.Now()); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestApplyPropose_MaxRoundsTwo(t *testing.T) {
	// With max_rounds=2 the initial proposal is round 1, the responder's
	// counter is round 2, and the initiator's next attempt must fail.
	n := newTestSession(t, 2)

	if err := ApplyPropose(n, responder, models.Proposal{Price: 80}, time.Now()); err != nil {
		t.Fatalf("round 2 by responder: %v", err)
	}
	if n.State != models.NegProposed {
		t.Errorf("state = %s, want proposed", n.State)
	}

	err := ApplyPropose(n, initiator, models.Proposal{Price: 90}, time.Now())
	if err == nil {
		t.Fatal("expected MaxRoundsExceeded on round 3")
	}
	if apperr.AsError(err).Reason != ReasonMaxRounds {
		t.Errorf("reason = %q, want %q", apperr.AsError(err).Reason, ReasonMaxRounds)
	}
}

func TestApplyPropose_Alternation(t *testing.T) {
	n := newTestSession(t, 10)

	// The initiator already holds the last proposal (round 1).
	if err := ApplyPropose(n, initiator, models.Proposal{Price: 95}, time.Now()); err == nil {
		t.Error("expected rejection when proposing twice in a row")
	}

	if err := ApplyPropose(n, responder, models.Proposal{Price: 80}, time.Now()); err != nil {
		t.Fatalf("responder counter: %v", err)
	}
	if err := ApplyPropose(n, initiator, models.Proposal{Price: 90}, time.Now()); err != nil {
		t.Fatalf("initiator counter: %v", err)
	}
	if n.State != models.NegCounterProposed {
		t.Errorf("state = %s, want counter_proposed", n.State)
	}
	if err := ApplyPropose(n, responder, models.Proposal{Price: 85}, time.Now()); err != nil {
		t.Fatalf("second responder counter: %v", err)
	}
	if n.State != models.NegProposed {
		t.Errorf("state = %s, want proposed after alternation", n.State)
	}
}

func TestNewSession_TTLBoundaries(t *testing.T) {
	now := time.Now()

	// Omitted TTL means the one-hour default.
	n := newTestSession(t, 10)
	if n.ExpiresAt.Sub(n.CreatedAt) != 60*time.Minute {
		t.Errorf("default ttl = %v, want 1h", n.ExpiresAt.Sub(n.CreatedAt))
	}

	// An explicit zero expires immediately, it is not the default.
	zero := 0
	n, err := NewSession(InitiateParams{
		InitiatorDID: initiator,
		ResponderDID: responder,
		Proposal:     models.Proposal{Price: 100},
		TTLMinutes:   &zero,
	}, now)
	if err != nil {
		t.Fatalf("NewSession ttl=0: %v", err)
	}
	if !n.ExpiresAt.Equal(now) {
		t.Errorf("expires_at = %v, want %v", n.ExpiresAt, now)
	}

	neg := -1
	if _, err := NewSession(InitiateParams{
		InitiatorDID: initiator,
		ResponderDID: responder,
		TTLMinutes:   &neg,
	}, now); err == nil {
		t.Error("negative ttl accepted")
	}
}

func TestZeroTTL_RejectStillLands(t *testing.T) {
	// With ttl=0 the session is born expired: proposing fails, but the
	// session can still be rejected rather than lingering until the sweep.
	zero := 0
	now := time.Now()
	n, err := NewSession(InitiateParams{
		InitiatorDID: initiator,
		ResponderDID: responder,
		Proposal:     models.Proposal{Price: 100},
		TTLMinutes:   &zero,
	}, now)
	if err != nil {
		t.Fatal(err)
	}

	later := now.Add(time.Second)
	err = ApplyPropose(n, responder, models.Proposal{Price: 80}, later)
	if apperr.AsError(err).Reason != ReasonExpired {
		t.Errorf("propose after expiry: %v, want %s", err, ReasonExpired)
	}
	if err := ApplyReject(n, responder, "declined", later); err != nil {
		t.Errorf("reject after expiry blocked: %v", err)
	}
}

func TestApplyAccept_StandingProposalSurvivesExpiry(t *testing.T) {
	// Expiry blocks new proposals only; until the sweep sinks the session the
	// counter-party may still accept the proposal already on the table.
	n := newTestSession(t, 10)
	if err := ApplyPropose(n, responder, models.Proposal{Price: 80}, time.Now()); err != nil {
		t.Fatal(err)
	}

	later := n.ExpiresAt.Add(time.Minute)
	if err := ApplyAccept(n, initiator, later); err != nil {
		t.Fatalf("accept past expiry blocked: %v", err)
	}
	if n.State != models.NegAccepted {
		t.Errorf("state = %s, want accepted", n.State)
	}
}

func TestApplyPropose_Expired(t *testing.T) {
	n := newTestSession(t, 10)
	later := n.ExpiresAt.Add(time.Second)

	err := ApplyPropose(n, responder, models.Proposal{Price: 80}, later)
	if err == nil {
		t.Fatal("expected ExpiredNegotiation")
	}
	if apperr.AsError(err).Code != apperr.CodeGone {
		t.Errorf("code = %s, want GONE", apperr.AsError(err).Code)
	}
}

func TestApplyAccept(t *testing.T) {
	n := newTestSession(t, 10)

	// Cannot accept from initiated.
	if err := ApplyAccept(n, responder, time.Now()); err == nil {
		t.Error("expected rejection from initiated state")
	}

	if err := ApplyPropose(n, responder, models.Proposal{Price: 80}, time.Now()); err != nil {
		t.Fatal(err)
	}

	// The responder cannot accept its own latest proposal.
	if err := ApplyAccept(n, responder, time.Now()); err == nil {
		t.Error("expected rejection of self-accept")
	}

	if err := ApplyAccept(n, initiator, time.Now()); err != nil {
		t.Fatalf("initiator accept: %v", err)
	}
	if n.State != models.NegAccepted {
		t.Errorf("state = %s, want accepted", n.State)
	}
	if n.FinalProposal == nil || n.FinalProposal.Price != 80 {
		t.Error("final proposal not copied from current")
	}

	// Sink: no further transitions.
	if err := ApplyPropose(n, responder, models.Proposal{Price: 70}, time.Now()); err == nil {
		t.Error("expected rejection of propose after accept")
	}
}

func TestApplyReject(t *testing.T) {
	n := newTestSession(t, 10)

	if err := ApplyReject(n, responder, "too expensive", time.Now()); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if n.State != models.NegRejected {
		t.Errorf("state = %s, want rejected", n.State)
	}
	last := n.Rounds[len(n.Rounds)-1]
	if !last.Rejected || last.Reason != "too expensive" {
		t.Errorf("terminal round not recorded: %+v", last)
	}

	if err := ApplyReject(n, initiator, "", time.Now()); err == nil {
		t.Error("expected rejection of reject from a sink state")
	}
}

func TestEscrowAmount(t *testing.T) {
	if got := EscrowAmount(models.Proposal{Price: 100}); got != 100000 {
		t.Errorf("price 100 → %d, want 100000", got)
	}
	if got := EscrowAmount(models.Proposal{Price: 0.0015}); got != 2 {
		t.Errorf("price 0.0015 → %d, want 2 (rounded)", got)
	}
	if got := EscrowAmount(models.Proposal{}); got != 0 {
		t.Errorf("zero price → %d, want 0", got)
	}
}

func TestConvergence(t *testing.T) {
	// Identical proposals converge fully.
	p := models.Proposal{Price: 100, DeliveryTimeMS: 5000, QualitySLA: 0.99}
	if got := Convergence(p, p); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("identical proposals: %g, want 1.0", got)
	}

	// Single shared term: price 100 vs 80 → 1 - 20/100 = 0.8.
	a := models.Proposal{Price: 100}
	b := models.Proposal{Price: 80}
	if got := Convergence(a, b); math.Abs(got-0.8) > 1e-9 {
		t.Errorf("price-only: %g, want 0.8", got)
	}

	// Terms absent on one side are skipped, not counted as zero.
	a = models.Proposal{Price: 100, DeliveryTimeMS: 5000}
	b = models.Proposal{Price: 80}
	if got := Convergence(a, b); math.Abs(got-0.8) > 1e-9 {
		t.Errorf("mixed terms: %g, want 0.8", got)
	}

	// Nothing comparable.
	if got := Convergence(models.Proposal{}, models.Proposal{Price: 10}); got != 0 {
		t.Errorf("no shared terms: %g, want 0", got)
	}
}

func TestConvergence_RecordedPerRound(t *testing.T) {
	n := newTestSession(t, 10)
	if err := ApplyPropose(n, responder, models.Proposal{Price: 80, DeliveryTimeMS: 5000, QualitySLA: 0.99}, time.Now()); err != nil {
		t.Fatal(err)
	}
	// price: 1-20/100=0.8, delivery: 1, sla: 1 → mean 0.9333…
	want := (0.8 + 1 + 1) / 3
	if math.Abs(n.ConvergenceScore-want) > 1e-9 {
		t.Errorf("convergence = %g, want %g", n.ConvergenceScore, want)
	}
	if math.Abs(n.Rounds[1].ConvergenceDelta-want) > 1e-9 {
		t.Errorf("round delta = %g, want %g", n.Rounds[1].ConvergenceDelta, want)
	}
}
