package usefulness

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/servesys-labs/ainp-broker/internal/apperr"
	"github.com/servesys-labs/ainp-broker/internal/db"
	"github.com/servesys-labs/ainp-broker/pkg/models"
)

const windowDays = 30

// Aggregator ingests usefulness proofs and maintains the cached per-agent
// rolling score that discovery ranks with. Discovery never reads live
// proofs; the hot path depends only on the cache.
type Aggregator struct {
	pool *db.Pool
	log  *zap.Logger
}

func New(pool *db.Pool, log *zap.Logger) *Aggregator {
	return &Aggregator{pool: pool, log: log}
}

// SubmitProof validates and persists one immutable proof, then marks the
// agent's cached score stale by bumping usefulness_last_updated backwards.
func (a *Aggregator) SubmitProof(ctx context.Context, proof *models.UsefulnessProof) error {
	if !models.WorkTypes[proof.WorkType] {
		return apperr.Validation("unknown work_type %q", proof.WorkType)
	}
	if proof.Score < 0 || proof.Score > 100 {
		return apperr.Validation("usefulness_score must be in [0,100]")
	}
	if proof.AgentDID == "" || proof.IntentID == "" {
		return apperr.Validation("agent_did and intent_id are required")
	}
	if proof.ID == "" {
		proof.ID = uuid.NewString()
	}
	proof.CreatedAt = time.Now()

	metrics, _ := json.Marshal(proof.Metrics)
	atts, _ := json.Marshal(proof.Attestations)

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return apperr.Dependency(err, "database unavailable")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO usefulness_proofs (id, intent_id, agent_did, work_type, metrics, attestations, trace_id, usefulness_score, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		proof.ID, proof.IntentID, proof.AgentDID, proof.WorkType,
		metrics, atts, proof.TraceID, proof.Score, proof.CreatedAt); err != nil {
		return apperr.Dependency(err, "proof insert failed")
	}

	// Invalidate the cached score so the next refresh recomputes it.
	if _, err := tx.Exec(ctx, `
		UPDATE trust_scores SET usefulness_last_updated = NULL WHERE agent_did = $1`,
		proof.AgentDID); err != nil {
		return apperr.Dependency(err, "cache invalidation failed")
	}
	return tx.Commit(ctx)
}

// Score computes the live 30-day rolling mean plus per-work-type means.
// Returns zeros when the agent has no proofs in the window.
func (a *Aggregator) Score(ctx context.Context, agentDID string) (*models.UsefulnessSummary, error) {
	summary := &models.UsefulnessSummary{
		AgentDID:   agentDID,
		ByWorkType: map[string]float64{},
		WindowDays: windowDays,
	}

	rows, err := a.pool.Query(ctx, `
		SELECT work_type, AVG(usefulness_score), COUNT(*)
		FROM usefulness_proofs
		WHERE agent_did = $1 AND created_at > NOW() - INTERVAL '30 days'
		GROUP BY work_type`, agentDID)
	if err != nil {
		return nil, apperr.Dependency(err, "score query failed")
	}
	defer rows.Close()

	var weighted float64
	for rows.Next() {
		var workType string
		var mean float64
		var count int
		if err := rows.Scan(&workType, &mean, &count); err != nil {
			return nil, apperr.Dependency(err, "score scan failed")
		}
		summary.ByWorkType[workType] = mean
		weighted += mean * float64(count)
		summary.ProofCount += count
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Dependency(err, "score read failed")
	}
	if summary.ProofCount > 0 {
		summary.Score = weighted / float64(summary.ProofCount)
	}
	return summary, nil
}

// RefreshCache recomputes usefulness_score_cached for every agent with at
// least one proof in the rolling window, in a single statement.
func (a *Aggregator) RefreshCache(ctx context.Context) (int, error) {
	tag, err := a.pool.Exec(ctx, `
		UPDATE trust_scores t SET
			usefulness_score_cached = p.avg_score,
			usefulness_last_updated = NOW()
		FROM (
			SELECT agent_did, AVG(usefulness_score) AS avg_score
			FROM usefulness_proofs
			WHERE created_at > NOW() - INTERVAL '30 days'
			GROUP BY agent_did
		) p
		WHERE t.agent_did = p.agent_did`)
	if err != nil {
		return 0, apperr.Dependency(err, "cache refresh failed")
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		a.log.Debug("usefulness cache refreshed", zap.Int("agents", n))
	}
	return n, nil
}

// TopAgents returns the top-M DIDs by cached usefulness, excluding the given
// parties. The reputation committee draws from this.
func (a *Aggregator) TopAgents(ctx context.Context, m int, exclude []string) ([]string, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT agent_did FROM trust_scores
		WHERE usefulness_score_cached > 0 AND NOT (agent_did = ANY($2))
		ORDER BY usefulness_score_cached DESC, agent_did ASC
		LIMIT $1`, m, exclude)
	if err != nil {
		return nil, apperr.Dependency(err, "top agents query failed")
	}
	defer rows.Close()

	var dids []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, apperr.Dependency(err, "top agents scan failed")
		}
		dids = append(dids, did)
	}
	return dids, rows.Err()
}
