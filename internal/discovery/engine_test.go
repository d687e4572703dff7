package discovery

import (
	"math"
	"testing"
	"time"
)

func TestCombineScore(t *testing.T) {
	// Usefulness arrives on a 0-100 scale and is normalized before weighting.
	got := CombineScore(0.9, 0.5, 20, DefaultWeights)
	if math.Abs(got-0.71) > 1e-9 {
		t.Errorf("CombineScore = %g, want 0.71", got)
	}

	// Absent factors contribute nothing.
	got = CombineScore(1.0, 0, 0, DefaultWeights)
	if math.Abs(got-0.6) > 1e-9 {
		t.Errorf("similarity only = %g, want 0.6", got)
	}
}

func TestRank_CombinedWithTieBreak(t *testing.T) {
	// B and C both score 0.77; B holds the more recent trust update and must
	// rank first. A scores 0.71 and comes last.
	now := time.Now()
	cands := []Candidate{
		{DID: "did:key:a", Similarity: 0.9, TrustScore: 0.5, Usefulness: 20, TrustUpdated: now},
		{DID: "did:key:b", Similarity: 0.7, TrustScore: 0.9, Usefulness: 80, TrustUpdated: now},
		{DID: "did:key:c", Similarity: 0.8, TrustScore: 0.8, Usefulness: 50, TrustUpdated: now.Add(-time.Hour)},
	}

	ranked := Rank(cands, DefaultWeights, true)

	want := []string{"did:key:b", "did:key:c", "did:key:a"}
	for i, did := range want {
		if ranked[i].DID != did {
			t.Fatalf("position %d = %s, want %s", i, ranked[i].DID, did)
		}
	}
	if math.Abs(ranked[0].RankScore-0.77) > 1e-9 {
		t.Errorf("top score = %g, want 0.77", ranked[0].RankScore)
	}
}

func TestRank_CombinedOff(t *testing.T) {
	// With combined ranking disabled, similarity alone decides.
	cands := []Candidate{
		{DID: "did:key:b", Similarity: 0.7, TrustScore: 0.9, Usefulness: 80},
		{DID: "did:key:a", Similarity: 0.9, TrustScore: 0.1, Usefulness: 0},
	}
	ranked := Rank(cands, DefaultWeights, false)
	if ranked[0].DID != "did:key:a" {
		t.Errorf("top = %s, want the most similar candidate", ranked[0].DID)
	}
}

func TestApplyTrustDecay(t *testing.T) {
	// Two candidates stored with the same aggregate: the stale one must rank
	// on its decayed value, not the value it held ten days ago.
	now := time.Now()
	cands := []Candidate{
		{DID: "did:key:fresh", Similarity: 0.8, TrustScore: 0.8, TrustDecay: 0.977, TrustUpdated: now},
		{DID: "did:key:stale", Similarity: 0.8, TrustScore: 0.8, TrustDecay: 0.977, TrustUpdated: now.Add(-10 * 24 * time.Hour)},
	}

	ApplyTrustDecay(cands, now)

	if cands[0].TrustScore != 0.8 {
		t.Errorf("fresh trust decayed to %g", cands[0].TrustScore)
	}
	want := 0.8 * math.Pow(0.977, 10)
	if math.Abs(cands[1].TrustScore-want) > 1e-9 {
		t.Errorf("stale trust = %g, want %g", cands[1].TrustScore, want)
	}

	ranked := Rank(cands, DefaultWeights, true)
	if ranked[0].DID != "did:key:fresh" {
		t.Errorf("top = %s, want the fresh candidate", ranked[0].DID)
	}
}

func TestFilter_MinTrustSeesDecayedValue(t *testing.T) {
	// Stored 0.8 decayed over ten days falls under a 0.7 floor.
	now := time.Now()
	cands := []Candidate{
		{DID: "did:key:stale", TrustScore: 0.8, TrustDecay: 0.977, TrustUpdated: now.Add(-10 * 24 * time.Hour)},
	}
	ApplyTrustDecay(cands, now)

	out := Filter(cands, Query{MinTrust: 0.7})
	if len(out) != 0 {
		t.Errorf("stale candidate passed the trust floor: %+v", out)
	}
}

func TestFilter(t *testing.T) {
	cands := []Candidate{
		{DID: "did:key:a", TrustScore: 0.9, Tags: []string{"translation", "nlp"}},
		{DID: "did:key:b", TrustScore: 0.3, Tags: []string{"translation"}},
		{DID: "did:key:c", TrustScore: 0.8, Tags: []string{"vision"}},
	}

	// No constraints passes everything through. Filter works in place, so
	// the unconstrained check runs first.
	out := Filter(cands, Query{})
	if len(out) != 3 {
		t.Errorf("unconstrained filter dropped candidates: %d", len(out))
	}

	out = Filter(cands, Query{MinTrust: 0.5, Tags: []string{"NLP", "translation"}})
	if len(out) != 1 || out[0].DID != "did:key:a" {
		t.Errorf("filter result = %+v, want only did:key:a", out)
	}
}

func TestCacheKey_Normalization(t *testing.T) {
	a := cacheKey(Query{Description: "  Translate TEXT ", Tags: []string{"b", "a"}})
	b := cacheKey(Query{Description: "translate text", Tags: []string{"a", "b"}})
	if a != b {
		t.Error("equivalent queries should share a cache key")
	}

	c := cacheKey(Query{Description: "translate text", Tags: []string{"a", "b"}, MinTrust: 0.5})
	if a == c {
		t.Error("different constraints must not share a cache key")
	}
}
