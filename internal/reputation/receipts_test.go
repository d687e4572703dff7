package reputation

import (
	"math"
	"testing"

	"github.com/servesys-labs/ainp-broker/pkg/models"
)

func pendingReceipt(k int, committee ...string) *models.TaskReceipt {
	return &models.TaskReceipt{
		ID:        "r-1",
		AgentDID:  "did:key:agent",
		ClientDID: "did:key:client",
		K:         k,
		M:         5,
		Committee: committee,
		Status:    models.ReceiptPending,
	}
}

func TestMeetsFinalization(t *testing.T) {
	r := pendingReceipt(2, "did:key:c1", "did:key:c2", "did:key:c3")

	// Two committee accepts without the client: not final.
	r.Attestations = []models.Attestation{
		{ByDID: "did:key:c1", Type: models.AttAccepted, Score: 0.9},
		{ByDID: "did:key:c2", Type: models.AttAuditPass, Score: 0.8},
	}
	if met, _ := MeetsFinalization(r); met {
		t.Error("finalized without client attestation")
	}

	// Client joins: final with accept outcome.
	r.Attestations = append(r.Attestations,
		models.Attestation{ByDID: "did:key:client", Type: models.AttAccepted, Score: 1})
	met, accept := MeetsFinalization(r)
	if !met || !accept {
		t.Errorf("met=%v accept=%v, want true/true", met, accept)
	}
}

func TestMeetsFinalization_FailClass(t *testing.T) {
	r := pendingReceipt(2, "did:key:c1", "did:key:c2")
	r.Attestations = []models.Attestation{
		{ByDID: "did:key:client", Type: models.AttRejected, Score: 0.2},
		{ByDID: "did:key:c1", Type: models.AttAuditFail, Score: 0.1},
		{ByDID: "did:key:c2", Type: models.AttRejected, Score: 0.3},
	}
	met, accept := MeetsFinalization(r)
	if !met || accept {
		t.Errorf("met=%v accept=%v, want true/false", met, accept)
	}
}

func TestMeetsFinalization_SplitVotesDoNotCount(t *testing.T) {
	// One accept, one fail: neither class reaches k=2.
	r := pendingReceipt(2, "did:key:c1", "did:key:c2")
	r.Attestations = []models.Attestation{
		{ByDID: "did:key:client", Type: models.AttAccepted, Score: 1},
		{ByDID: "did:key:c1", Type: models.AttAccepted, Score: 0.9},
		{ByDID: "did:key:c2", Type: models.AttAuditFail, Score: 0.2},
	}
	if met, _ := MeetsFinalization(r); met {
		t.Error("split committee finalized")
	}
}

func TestMeetsFinalization_OutsiderVotesIgnored(t *testing.T) {
	r := pendingReceipt(2, "did:key:c1", "did:key:c2")
	r.Attestations = []models.Attestation{
		{ByDID: "did:key:client", Type: models.AttAccepted, Score: 1},
		{ByDID: "did:key:c1", Type: models.AttAccepted, Score: 0.9},
		{ByDID: "did:key:outsider", Type: models.AttAccepted, Score: 1},
	}
	if met, _ := MeetsFinalization(r); met {
		t.Error("outsider vote counted toward quorum")
	}
}

func TestUpdatedDimensions_Accept(t *testing.T) {
	r := pendingReceipt(2, "did:key:c1", "did:key:c2")
	r.Attestations = []models.Attestation{
		{ByDID: "did:key:client", Type: models.AttAccepted, Score: 1.0},
		{ByDID: "did:key:c1", Type: models.AttAccepted, Score: 0.8},
		{ByDID: "did:key:c2", Type: models.AttAuditPass, Score: 0.9},
	}

	rep := &models.Reputation{Q: 0.5, T: 0.5, R: 0.5, S: 0.5, V: 0.5, I: 0.5, E: 0.5}
	UpdatedDimensions(rep, r, true)

	// target = mean(1.0, 0.8, 0.9) = 0.9; new = 0.2*0.9 + 0.8*0.5 = 0.58
	want := 0.2*0.9 + 0.8*0.5
	for name, got := range map[string]float64{
		"q": rep.Q, "t": rep.T, "r": rep.R, "s": rep.S, "v": rep.V, "i": rep.I, "e": rep.E,
	} {
		if math.Abs(got-want) > 1e-9 {
			t.Errorf("%s = %g, want %g", name, got, want)
		}
	}
}

func TestUpdatedDimensions_FailNeverRaises(t *testing.T) {
	r := pendingReceipt(2, "did:key:c1", "did:key:c2")
	r.Attestations = []models.Attestation{
		{ByDID: "did:key:client", Type: models.AttRejected, Score: 0.0},
		{ByDID: "did:key:c1", Type: models.AttAuditFail, Score: 0.1},
		{ByDID: "did:key:c2", Type: models.AttRejected, Score: 0.0},
	}

	rep := &models.Reputation{Q: 0.9, T: 0.9, R: 0.9, S: 0.9, V: 0.9, I: 0.9, E: 0.9}
	UpdatedDimensions(rep, r, false)

	// Inverted target would be 1-0.0333…=0.967 but is capped at 0.5 so a
	// failed task can only pull scores down.
	want := 0.2*0.5 + 0.8*0.9
	if math.Abs(rep.Q-want) > 1e-9 {
		t.Errorf("q = %g, want %g", rep.Q, want)
	}
	if rep.Q >= 0.9 {
		t.Error("failed task raised reputation")
	}
}
