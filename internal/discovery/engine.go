package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/servesys-labs/ainp-broker/internal/apperr"
	"github.com/servesys-labs/ainp-broker/internal/db"
	"github.com/servesys-labs/ainp-broker/pkg/models"
)

const (
	candidateCap  = 50
	minSimilarity = 0.7
	resultTTL     = 5 * time.Minute
)

// Weights combine similarity, trust and usefulness into the final rank.
type Weights struct {
	Sim   float64
	Trust float64
	Use   float64
}

// DefaultWeights per the canonical 0.6/0.3/0.1 split.
var DefaultWeights = Weights{Sim: 0.6, Trust: 0.3, Use: 0.1}

// Query is one discovery request. Either Description or Embedding must be
// set; a provided embedding skips the upstream call.
type Query struct {
	Description  string    `json:"description"`
	Embedding    []float32 `json:"-"`
	Tags         []string  `json:"tags,omitempty"`
	MinTrust     float64   `json:"min_trust,omitempty"`
	MaxLatencyMS float64   `json:"max_latency_ms,omitempty"`
	MaxCost      float64   `json:"max_cost,omitempty"`
	Limit        int       `json:"limit,omitempty"`
}

// Candidate is one vector-store row joined with trust and cached usefulness.
// TrustScore carries the stored aggregate until ApplyTrustDecay rewrites it
// with the decayed-on-read value.
type Candidate struct {
	DID          string    `json:"did"`
	Endpoint     string    `json:"endpoint"`
	Description  string    `json:"description"`
	Tags         []string  `json:"tags"`
	Similarity   float64   `json:"similarity"`
	TrustScore   float64   `json:"trust_score"`
	TrustDecay   float64   `json:"-"`
	TrustUpdated time.Time `json:"trust_updated"`
	Usefulness   float64   `json:"usefulness"` // cached, [0,100]
	RankScore    float64   `json:"rank_score"`
}

// Embedder provides query vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ResultCache stores ranked result sets for a short TTL.
type ResultCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Engine runs vector search with trust/usefulness weighted ranking.
type Engine struct {
	pool     *db.Pool
	embedder Embedder
	cache    ResultCache
	weights  Weights
	web4     bool // combined ranking on/off
	log      *zap.Logger
}

func NewEngine(pool *db.Pool, embedder Embedder, cache ResultCache, weights Weights, web4 bool, log *zap.Logger) *Engine {
	if weights == (Weights{}) {
		weights = DefaultWeights
	}
	return &Engine{pool: pool, embedder: embedder, cache: cache, weights: weights, web4: web4, log: log}
}

// CombineScore is the ranking law: similarity·w_sim + trust·w_trust +
// (usefulness/100)·w_use. Absent factors contribute 0.
func CombineScore(sim, trust, usefulness float64, w Weights) float64 {
	return sim*w.Sim + trust*w.Trust + (usefulness/100)*w.Use
}

// Rank orders candidates. With combined ranking off, pure similarity wins.
// Ties break toward the most recently updated trust record.
func Rank(cands []Candidate, w Weights, combined bool) []Candidate {
	for i := range cands {
		if combined {
			cands[i].RankScore = CombineScore(cands[i].Similarity, cands[i].TrustScore, cands[i].Usefulness, w)
		} else {
			cands[i].RankScore = cands[i].Similarity
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].RankScore != cands[j].RankScore {
			return cands[i].RankScore > cands[j].RankScore
		}
		return cands[i].TrustUpdated.After(cands[j].TrustUpdated)
	})
	return cands
}

// ApplyTrustDecay rewrites each candidate's trust score with its
// decayed-on-read value, so stale records rank and filter on what the trust
// is worth now rather than what it was at the last update.
func ApplyTrustDecay(cands []Candidate, now time.Time) {
	for i := range cands {
		rec := models.TrustRecord{
			Score:     cands[i].TrustScore,
			DecayRate: cands[i].TrustDecay,
			UpdatedAt: cands[i].TrustUpdated,
		}
		cands[i].TrustScore = rec.DecayedScore(now)
	}
}

// Filter drops candidates below min_trust or with disjoint tags.
func Filter(cands []Candidate, q Query) []Candidate {
	out := cands[:0]
	for _, c := range cands {
		if q.MinTrust > 0 && c.TrustScore < q.MinTrust {
			continue
		}
		if len(q.Tags) > 0 && !tagsIntersect(c.Tags, q.Tags) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func tagsIntersect(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[strings.ToLower(t)] = true
	}
	for _, t := range want {
		if set[strings.ToLower(t)] {
			return true
		}
	}
	return false
}

// cacheKey hashes the normalized query so identical searches share results.
func cacheKey(q Query) string {
	norm := struct {
		D  string   `json:"d"`
		T  []string `json:"t"`
		MT float64  `json:"mt"`
		ML float64  `json:"ml"`
		MC float64  `json:"mc"`
		L  int      `json:"l"`
	}{strings.TrimSpace(strings.ToLower(q.Description)), q.Tags, q.MinTrust, q.MaxLatencyMS, q.MaxCost, q.Limit}
	sort.Strings(norm.T)
	b, _ := json.Marshal(norm)
	sum := sha256.Sum256(b)
	return "disc:" + hex.EncodeToString(sum[:])
}

// Search executes the full discovery procedure: embed, vector search with
// trust/usefulness join, post-filter, rank, short-TTL result cache.
func (e *Engine) Search(ctx context.Context, q Query) ([]Candidate, error) {
	if q.Description == "" && q.Embedding == nil {
		return nil, apperr.Validation("description is required").WithReason("InvalidQuery")
	}
	if q.Limit <= 0 || q.Limit > candidateCap {
		q.Limit = candidateCap
	}

	key := cacheKey(q)
	if e.cache != nil && q.Embedding == nil {
		if raw, ok, err := e.cache.Get(ctx, key); err == nil && ok {
			var cached []Candidate
			if json.Unmarshal([]byte(raw), &cached) == nil {
				return cached, nil
			}
		}
	}

	vec := q.Embedding
	if vec == nil {
		var err error
		vec, err = e.embedder.Embed(ctx, q.Description)
		if err != nil {
			if apperr.Is(err, apperr.CodeDependency) {
				return nil, apperr.Dependency(err, "embedding unavailable").WithReason("EmbeddingUnavailable")
			}
			return nil, err
		}
	}

	cands, err := e.vectorSearch(ctx, vec)
	if err != nil {
		return nil, err
	}

	ApplyTrustDecay(cands, time.Now())
	cands = Filter(cands, q)
	cands = Rank(cands, e.weights, e.web4)
	if len(cands) > q.Limit {
		cands = cands[:q.Limit]
	}

	if e.cache != nil && q.Embedding == nil {
		if b, err := json.Marshal(cands); err == nil {
			if err := e.cache.Set(ctx, key, string(b), resultTTL); err != nil {
				e.log.Debug("discovery cache write failed", zap.Error(err))
			}
		}
	}
	return cands, nil
}

func (e *Engine) vectorSearch(ctx context.Context, vec []float32) ([]Candidate, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT a.did, a.endpoint, c.description, c.tags,
		       1 - (c.embedding <=> $1::vector) AS similarity,
		       COALESCE(t.score, 0), COALESCE(t.decay_rate, 0.977),
		       COALESCE(t.updated_at, to_timestamp(0)),
		       COALESCE(t.usefulness_score_cached, 0)
		FROM capabilities c
		JOIN agents a ON a.id = c.agent_id
		LEFT JOIN trust_scores t ON t.agent_did = a.did
		WHERE c.embedding IS NOT NULL
		  AND 1 - (c.embedding <=> $1::vector) >= $2
		ORDER BY c.embedding <=> $1::vector
		LIMIT $3`,
		db.VectorLiteral(vec), minSimilarity, candidateCap)
	if err != nil {
		return nil, apperr.Dependency(err, "vector search failed")
	}
	defer rows.Close()

	var cands []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.DID, &c.Endpoint, &c.Description, &c.Tags,
			&c.Similarity, &c.TrustScore, &c.TrustDecay, &c.TrustUpdated, &c.Usefulness); err != nil {
			return nil, apperr.Dependency(err, "candidate scan failed")
		}
		cands = append(cands, c)
	}
	return cands, rows.Err()
}

// Addresses converts ranked candidates to the API's address shape.
func Addresses(cands []Candidate) []models.AgentAddress {
	out := make([]models.AgentAddress, 0, len(cands))
	for _, c := range cands {
		out = append(out, models.AgentAddress{
			DID:        c.DID,
			Endpoint:   c.Endpoint,
			Similarity: c.Similarity,
			RankScore:  c.RankScore,
			Usefulness: c.Usefulness,
		})
	}
	return out
}
