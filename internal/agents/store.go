package agents

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/servesys-labs/ainp-broker/internal/apperr"
	"github.com/servesys-labs/ainp-broker/internal/db"
	"github.com/servesys-labs/ainp-broker/internal/identity"
	"github.com/servesys-labs/ainp-broker/pkg/models"
)

// Embedder turns capability descriptions into vectors at registration time.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Store persists agents, capabilities and trust records.
type Store struct {
	pool     *db.Pool
	embedder Embedder
	log      *zap.Logger
}

func NewStore(pool *db.Pool, embedder Embedder, log *zap.Logger) *Store {
	return &Store{pool: pool, embedder: embedder, log: log}
}

// RegisterAddress is the inbound registration body.
type RegisterAddress struct {
	DID          string              `json:"did"`
	PublicKey    string              `json:"public_key"`
	Endpoint     string              `json:"endpoint,omitempty"`
	Capabilities []models.Capability `json:"capabilities"`
}

// Register upserts the agent and replaces its capability set with the latest
// address. Registering twice yields a single agent whose capabilities match
// the most recent call. A trust record is bootstrapped at 0.5 per dimension.
func (s *Store) Register(ctx context.Context, addr RegisterAddress, ttlSeconds int64) error {
	if !identity.ValidDID(addr.DID) {
		return apperr.Validation("invalid DID %q", addr.DID)
	}
	if key, err := base64.StdEncoding.DecodeString(addr.PublicKey); err != nil || len(key) != ed25519.PublicKeySize {
		return apperr.Validation("public_key must be base64 raw Ed25519")
	}
	if ttlSeconds <= 0 {
		ttlSeconds = 86400
	}

	// Embed every capability description before opening the transaction so a
	// slow upstream never holds row locks.
	var vectors [][]float32
	if len(addr.Capabilities) > 0 {
		texts := make([]string, len(addr.Capabilities))
		for i, cap := range addr.Capabilities {
			if cap.Description == "" {
				return apperr.Validation("capability %d has no description", i)
			}
			texts[i] = cap.Description
		}
		var err error
		vectors, err = s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Dependency(err, "database unavailable")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var agentID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO agents (did, public_key, endpoint, ttl_seconds, last_seen_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (did) DO UPDATE SET
			public_key = EXCLUDED.public_key,
			endpoint = EXCLUDED.endpoint,
			ttl_seconds = EXCLUDED.ttl_seconds,
			last_seen_at = NOW()
		RETURNING id`,
		addr.DID, addr.PublicKey, addr.Endpoint, ttlSeconds).Scan(&agentID)
	if err != nil {
		return apperr.Dependency(err, "agent upsert failed")
	}

	// Replace, not merge: the latest address is authoritative.
	if _, err := tx.Exec(ctx, `DELETE FROM capabilities WHERE agent_id = $1`, agentID); err != nil {
		return apperr.Dependency(err, "capability reset failed")
	}
	for i, cap := range addr.Capabilities {
		if _, err := tx.Exec(ctx, `
			INSERT INTO capabilities (agent_id, description, tags, version, credential_id, embedding, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
			agentID, cap.Description, cap.Tags, cap.Version, cap.CredentialID, db.VectorLiteral(vectors[i])); err != nil {
			return apperr.Dependency(err, "capability insert failed")
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO trust_scores (agent_did) VALUES ($1)
		ON CONFLICT (agent_did) DO NOTHING`, addr.DID); err != nil {
		return apperr.Dependency(err, "trust bootstrap failed")
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO reputation (agent_did) VALUES ($1)
		ON CONFLICT (agent_did) DO NOTHING`, addr.DID); err != nil {
		return apperr.Dependency(err, "reputation bootstrap failed")
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Dependency(err, "registration commit failed")
	}
	s.log.Info("agent registered",
		zap.String("did", addr.DID), zap.Int("capabilities", len(addr.Capabilities)))
	return nil
}

// PublicKey implements identity.KeyLookup.
func (s *Store) PublicKey(ctx context.Context, did string) (ed25519.PublicKey, error) {
	var encoded string
	err := s.pool.QueryRow(ctx, `SELECT public_key FROM agents WHERE did = $1`, did).Scan(&encoded)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("agent %s not registered", did)
	}
	if err != nil {
		return nil, apperr.Dependency(err, "key lookup failed")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return nil, apperr.New(apperr.CodeInternal, "stored key for %s is corrupt", did)
	}
	return ed25519.PublicKey(key), nil
}

// Get returns the full address for one agent.
func (s *Store) Get(ctx context.Context, did string) (*models.AgentAddress, error) {
	var addr models.AgentAddress
	var agentID int64
	err := s.pool.QueryRow(ctx, `SELECT id, did, endpoint FROM agents WHERE did = $1`, did).
		Scan(&agentID, &addr.DID, &addr.Endpoint)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("agent %s not found", did)
	}
	if err != nil {
		return nil, apperr.Dependency(err, "agent lookup failed")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT description, tags, version, credential_id, updated_at
		FROM capabilities WHERE agent_id = $1 ORDER BY id`, agentID)
	if err != nil {
		return nil, apperr.Dependency(err, "capability lookup failed")
	}
	defer rows.Close()
	for rows.Next() {
		var cap models.Capability
		cap.AgentDID = did
		if err := rows.Scan(&cap.Description, &cap.Tags, &cap.Version, &cap.CredentialID, &cap.UpdatedAt); err != nil {
			return nil, apperr.Dependency(err, "capability scan failed")
		}
		addr.Capabilities = append(addr.Capabilities, cap)
	}

	trust, err := s.Trust(ctx, did)
	if err == nil {
		addr.Trust = trust
		addr.Usefulness = 0
	}
	var cached float64
	if err := s.pool.QueryRow(ctx,
		`SELECT usefulness_score_cached FROM trust_scores WHERE agent_did = $1`, did).Scan(&cached); err == nil {
		addr.Usefulness = cached
	}
	return &addr, nil
}

// Trust loads the trust record with decay applied to the aggregate score.
func (s *Store) Trust(ctx context.Context, did string) (*models.TrustRecord, error) {
	var t models.TrustRecord
	err := s.pool.QueryRow(ctx, `
		SELECT agent_did, reliability, honesty, competence, timeliness, score, decay_rate, updated_at
		FROM trust_scores WHERE agent_did = $1`, did).
		Scan(&t.AgentDID, &t.Reliability, &t.Honesty, &t.Competence, &t.Timeliness,
			&t.Score, &t.DecayRate, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("no trust record for %s", did)
	}
	if err != nil {
		return nil, apperr.Dependency(err, "trust lookup failed")
	}
	t.Score = t.DecayedScore(time.Now())
	return &t, nil
}

// UpdateTrust writes new dimension values and recomputes the aggregate.
func (s *Store) UpdateTrust(ctx context.Context, t *models.TrustRecord) error {
	t.Score = t.Aggregate()
	_, err := s.pool.Exec(ctx, `
		UPDATE trust_scores SET reliability=$2, honesty=$3, competence=$4, timeliness=$5,
			score=$6, updated_at=NOW()
		WHERE agent_did=$1`,
		t.AgentDID, t.Reliability, t.Honesty, t.Competence, t.Timeliness, t.Score)
	if err != nil {
		return apperr.Dependency(err, "trust update failed")
	}
	return nil
}
