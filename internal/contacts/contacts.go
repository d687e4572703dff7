package contacts

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/servesys-labs/ainp-broker/internal/apperr"
	"github.com/servesys-labs/ainp-broker/internal/db"
	"github.com/servesys-labs/ainp-broker/pkg/models"
)

// Service tracks (owner, peer) contact edges and consent. The anti-fraud
// greylist short-circuits on an allowed edge.
type Service struct {
	pool *db.Pool
	log  *zap.Logger
}

func NewService(pool *db.Pool, log *zap.Logger) *Service {
	return &Service{pool: pool, log: log}
}

// RecordInteraction creates the edge on first contact (consent unknown) and
// increments the counter on every subsequent delivery.
func (s *Service) RecordInteraction(ctx context.Context, ownerDID, peerDID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO contacts (owner_did, peer_did, interaction_count)
		VALUES ($1, $2, 1)
		ON CONFLICT (owner_did, peer_did) DO UPDATE SET
			interaction_count = contacts.interaction_count + 1`,
		ownerDID, peerDID)
	if err != nil {
		return apperr.Dependency(err, "contact upsert failed")
	}
	return nil
}

// Get returns the edge, or nil when the pair has never interacted.
func (s *Service) Get(ctx context.Context, ownerDID, peerDID string) (*models.Contact, error) {
	var c models.Contact
	var firstSeen time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT owner_did, peer_did, first_seen_at, interaction_count, consent
		FROM contacts WHERE owner_did = $1 AND peer_did = $2`,
		ownerDID, peerDID).
		Scan(&c.OwnerDID, &c.PeerDID, &firstSeen, &c.InteractionCount, &c.Consent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Dependency(err, "contact lookup failed")
	}
	c.FirstSeenAt = firstSeen.UnixMilli()
	return &c, nil
}

// SetConsent flips the edge to allowed or blocked, creating it if absent.
func (s *Service) SetConsent(ctx context.Context, ownerDID, peerDID, consent string) error {
	if consent != models.ConsentAllowed && consent != models.ConsentBlocked {
		return apperr.Validation("consent must be allowed or blocked")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO contacts (owner_did, peer_did, consent)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_did, peer_did) DO UPDATE SET consent = EXCLUDED.consent`,
		ownerDID, peerDID, consent)
	if err != nil {
		return apperr.Dependency(err, "consent update failed")
	}
	s.log.Info("consent updated",
		zap.String("owner", ownerDID), zap.String("peer", peerDID), zap.String("consent", consent))
	return nil
}

// List returns every edge owned by ownerDID.
func (s *Service) List(ctx context.Context, ownerDID string) ([]models.Contact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT owner_did, peer_did, first_seen_at, interaction_count, consent
		FROM contacts WHERE owner_did = $1 ORDER BY first_seen_at DESC`, ownerDID)
	if err != nil {
		return nil, apperr.Dependency(err, "contact list failed")
	}
	defer rows.Close()

	contacts := make([]models.Contact, 0)
	for rows.Next() {
		var c models.Contact
		var firstSeen time.Time
		if err := rows.Scan(&c.OwnerDID, &c.PeerDID, &firstSeen, &c.InteractionCount, &c.Consent); err != nil {
			return nil, apperr.Dependency(err, "contact scan failed")
		}
		c.FirstSeenAt = firstSeen.UnixMilli()
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}
