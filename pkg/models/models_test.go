package models

import (
	"math"
	"testing"
	"time"
)

func TestTrustAggregate(t *testing.T) {
	rec := TrustRecord{Reliability: 0.8, Honesty: 0.6, Competence: 0.9, Timeliness: 0.5}
	want := 0.8*0.35 + 0.6*0.35 + 0.9*0.20 + 0.5*0.10
	if got := rec.Aggregate(); math.Abs(got-want) > 1e-9 {
		t.Errorf("Aggregate = %g, want %g", got, want)
	}
}

func TestDecayedScore(t *testing.T) {
	now := time.Now()
	rec := TrustRecord{Score: 0.8, DecayRate: 0.977, UpdatedAt: now.Add(-10 * 24 * time.Hour)}

	want := 0.8 * math.Pow(0.977, 10)
	if got := rec.DecayedScore(now); math.Abs(got-want) > 1e-9 {
		t.Errorf("10-day decay = %g, want %g", got, want)
	}

	// A fresh record does not decay.
	rec.UpdatedAt = now
	if got := rec.DecayedScore(now); got != 0.8 {
		t.Errorf("fresh record decayed to %g", got)
	}

	// A missing rate falls back to the default instead of zeroing trust.
	rec = TrustRecord{Score: 0.8, UpdatedAt: now.Add(-24 * time.Hour)}
	want = 0.8 * 0.977
	if got := rec.DecayedScore(now); math.Abs(got-want) > 1e-9 {
		t.Errorf("default-rate decay = %g, want %g", got, want)
	}
}

func TestSinkState(t *testing.T) {
	sinks := []string{NegAccepted, NegRejected, NegExpired, NegSettled}
	for _, s := range sinks {
		if !SinkState(s) {
			t.Errorf("%s not a sink", s)
		}
	}
	live := []string{NegInitiated, NegProposed, NegCounterProposed}
	for _, s := range live {
		if SinkState(s) {
			t.Errorf("%s wrongly a sink", s)
		}
	}
}

func TestEnvelopeBroadcast(t *testing.T) {
	if !(&Envelope{}).Broadcast() {
		t.Error("empty to_did should broadcast")
	}
	if (&Envelope{ToDID: "did:key:bob"}).Broadcast() {
		t.Error("addressed envelope should not broadcast")
	}
}

func TestDefaultIncentiveSplitSumsToOne(t *testing.T) {
	s := DefaultIncentiveSplit
	if math.Abs(s.Agent+s.Broker+s.Validator+s.Pool-1.0) > 1e-9 {
		t.Errorf("default split sums to %g", s.Agent+s.Broker+s.Validator+s.Pool)
	}
}
