package negotiation

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/servesys-labs/ainp-broker/internal/apperr"
	"github.com/servesys-labs/ainp-broker/pkg/models"
)

// Transition failure reasons.
const (
	ReasonInvalidTransition = "InvalidStateTransition"
	ReasonExpired           = "ExpiredNegotiation"
	ReasonMaxRounds         = "MaxRoundsExceeded"
)

const (
	maxRoundsCap      = 20
	defaultMaxRounds  = 10
	defaultTTLMinutes = 60

	// External token units → atomic credit units.
	atomicPerToken = 1000
)

// InitiateParams describes a new session. The initial proposal counts as
// round 1 by the initiator. TTLMinutes nil means the 60-minute default; an
// explicit 0 expires the session immediately, so only accept or reject can
// follow the opening proposal.
type InitiateParams struct {
	IntentID     string
	InitiatorDID string
	ResponderDID string
	Proposal     models.Proposal
	MaxRounds    int
	TTLMinutes   *int
	Split        *models.IncentiveSplit
}

// NewSession builds the initiated state. Pure: callers persist the result.
func NewSession(p InitiateParams, now time.Time) (*models.Negotiation, error) {
	if p.InitiatorDID == p.ResponderDID {
		return nil, apperr.Validation("initiator and responder must differ")
	}
	if p.MaxRounds == 0 {
		p.MaxRounds = defaultMaxRounds
	}
	if p.MaxRounds < 1 || p.MaxRounds > maxRoundsCap {
		return nil, apperr.Validation("max_rounds must be in [1,%d]", maxRoundsCap)
	}
	ttl := defaultTTLMinutes
	if p.TTLMinutes != nil {
		if *p.TTLMinutes < 0 {
			return nil, apperr.Validation("ttl_minutes must be non-negative")
		}
		ttl = *p.TTLMinutes
	}
	split := models.DefaultIncentiveSplit
	if p.Split != nil {
		split = *p.Split
	}

	proposal := p.Proposal
	n := &models.Negotiation{
		ID:           uuid.NewString(),
		IntentID:     p.IntentID,
		InitiatorDID: p.InitiatorDID,
		ResponderDID: p.ResponderDID,
		State:        models.NegInitiated,
		MaxRounds:    p.MaxRounds,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Duration(ttl) * time.Minute),
		Rounds: []models.Round{{
			Number:      1,
			ProposerDID: p.InitiatorDID,
			Proposal:    proposal,
			Timestamp:   now,
		}},
		CurrentProposal: &proposal,
		Split:           split,
	}
	return n, nil
}

// ApplyPropose appends a round and advances initiated→proposed, then
// alternates proposed↔counter_proposed.
func ApplyPropose(n *models.Negotiation, proposerDID string, proposal models.Proposal, now time.Time) error {
	if models.SinkState(n.State) {
		return apperr.Conflict(ReasonInvalidTransition, "negotiation is %s", n.State)
	}
	if now.After(n.ExpiresAt) {
		return apperr.New(apperr.CodeGone, "negotiation expired").WithReason(ReasonExpired)
	}
	if !n.Participant(proposerDID) {
		return apperr.New(apperr.CodeAuthorization, "%s is not a participant", proposerDID)
	}
	if len(n.Rounds) >= n.MaxRounds {
		return apperr.Conflict(ReasonMaxRounds, "max rounds (%d) reached", n.MaxRounds)
	}
	if n.LastProposer() == proposerDID {
		return apperr.Conflict(ReasonInvalidTransition, "waiting for the counter-party to respond")
	}

	round := models.Round{
		Number:      len(n.Rounds) + 1,
		ProposerDID: proposerDID,
		Proposal:    proposal,
		Timestamp:   now,
	}
	if n.CurrentProposal != nil {
		round.ConvergenceDelta = Convergence(*n.CurrentProposal, proposal)
		n.ConvergenceScore = round.ConvergenceDelta
	}
	n.Rounds = append(n.Rounds, round)
	n.CurrentProposal = &proposal

	switch n.State {
	case models.NegInitiated:
		n.State = models.NegProposed
	case models.NegProposed:
		n.State = models.NegCounterProposed
	case models.NegCounterProposed:
		n.State = models.NegProposed
	}
	return nil
}

// ApplyAccept validates the accept transition. Credit reservation happens in
// the service; this only mutates state. The acceptor cannot accept its own
// most recent proposal. Expiry does not block an accept: until the sweep
// sinks the session, the standing proposal stays acceptable.
func ApplyAccept(n *models.Negotiation, acceptorDID string, now time.Time) error {
	if n.State != models.NegProposed && n.State != models.NegCounterProposed {
		return apperr.Conflict(ReasonInvalidTransition, "cannot accept from %s", n.State)
	}
	if !n.Participant(acceptorDID) {
		return apperr.New(apperr.CodeAuthorization, "%s is not a participant", acceptorDID)
	}
	if n.CurrentProposal == nil {
		return apperr.Conflict(ReasonInvalidTransition, "no proposal to accept")
	}
	if n.LastProposer() == acceptorDID {
		return apperr.Conflict(ReasonInvalidTransition, "cannot accept own proposal")
	}

	n.State = models.NegAccepted
	final := *n.CurrentProposal
	n.FinalProposal = &final
	return nil
}

// ApplyReject sinks the session from any live state.
func ApplyReject(n *models.Negotiation, rejectorDID, reason string, now time.Time) error {
	if models.SinkState(n.State) {
		return apperr.Conflict(ReasonInvalidTransition, "negotiation is %s", n.State)
	}
	if !n.Participant(rejectorDID) {
		return apperr.New(apperr.CodeAuthorization, "%s is not a participant", rejectorDID)
	}
	n.Rounds = append(n.Rounds, models.Round{
		Number:      len(n.Rounds) + 1,
		ProposerDID: rejectorDID,
		Timestamp:   now,
		Rejected:    true,
		Reason:      reason,
	})
	n.State = models.NegRejected
	return nil
}

// EscrowAmount is the atomic credit reservation implied by a proposal.
func EscrowAmount(p models.Proposal) int64 {
	return int64(math.Round(p.Price * atomicPerToken))
}

// Convergence compares the numeric terms present in both proposals:
// mean over keys of 1 - |a-b|/max(|a|,|b|,ε); 0 when nothing is comparable.
func Convergence(prev, next models.Proposal) float64 {
	const eps = 1e-9
	var sum float64
	var n int

	pairs := [][2]float64{
		{prev.Price, next.Price},
		{prev.DeliveryTimeMS, next.DeliveryTimeMS},
		{prev.QualitySLA, next.QualitySLA},
	}
	for _, pair := range pairs {
		a, b := pair[0], pair[1]
		if a == 0 || b == 0 {
			continue // term absent on one side
		}
		denom := math.Max(math.Max(math.Abs(a), math.Abs(b)), eps)
		sum += 1 - math.Abs(a-b)/denom
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
