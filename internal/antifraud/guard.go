package antifraud

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/servesys-labs/ainp-broker/internal/apperr"
	"github.com/servesys-labs/ainp-broker/pkg/models"
)

// Guard denial reasons.
const (
	ReasonDuplicateEnvelope = "DuplicateEnvelope"
	ReasonDuplicateContent  = "DuplicateContent"
	ReasonGreylisted        = "Greylisted"
)

// Cache is the subset of cache operations the guard needs.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	GetDel(ctx context.Context, key string) (string, bool, error)
}

// ContactReader resolves consent edges; nil contact means first contact.
type ContactReader interface {
	Get(ctx context.Context, ownerDID, peerDID string) (*models.Contact, error)
}

// PostageLedger debits postage credits.
type PostageLedger interface {
	Spend(ctx context.Context, did string, amount int64, intentID string) error
}

// Config gates each sub-check independently.
type Config struct {
	ReplayEnabled    bool
	DedupeEnabled    bool
	GreylistEnabled  bool
	PostageEnabled   bool
	ReplayWindow     time.Duration
	DedupeWindow     time.Duration
	GreylistRetrySec int
	PostageCredits   int64
}

// Guard runs the four anti-fraud sub-checks: replay, content dedupe,
// greylist and postage bypass. Checks are read-only; the replay and dedupe
// keys are committed with MarkReplay/MarkEmail once the envelope actually
// routes, so a denied submission (greylist, rate limit) can be retried with
// the same envelope id.
type Guard struct {
	cache    Cache
	contacts ContactReader
	ledger   PostageLedger
	cfg      Config
	log      *zap.Logger
}

func NewGuard(cache Cache, contacts ContactReader, ledger PostageLedger, cfg Config, log *zap.Logger) *Guard {
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 5 * time.Minute
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = time.Hour
	}
	if cfg.GreylistRetrySec < 60 {
		cfg.GreylistRetrySec = 60
	}
	return &Guard{cache: cache, contacts: contacts, ledger: ledger, cfg: cfg, log: log}
}

func replayKey(env *models.Envelope) string {
	return fmt.Sprintf("replay:%s|%s|%s", env.ID, env.FromDID, env.TraceID)
}

// CheckReplay denies a second submission of (id, from, trace) inside the
// replay window. A cache outage allows the envelope through; replay defense
// degrades rather than blocking all traffic.
func (g *Guard) CheckReplay(ctx context.Context, env *models.Envelope) error {
	if !g.cfg.ReplayEnabled {
		return nil
	}
	_, seen, err := g.cache.Get(ctx, replayKey(env))
	if err != nil {
		g.log.Warn("replay check degraded, allowing", zap.Error(err))
		return nil
	}
	if seen {
		return apperr.Conflict(ReasonDuplicateEnvelope, "envelope %s already seen", env.ID)
	}
	return nil
}

// MarkReplay commits the replay key once the envelope has routed.
func (g *Guard) MarkReplay(ctx context.Context, env *models.Envelope) error {
	if !g.cfg.ReplayEnabled {
		return nil
	}
	_, err := g.cache.SetNX(ctx, replayKey(env), "1", g.cfg.ReplayWindow)
	return err
}

// NormalizeBody lowercases and collapses whitespace so trivially mutated
// copies dedupe to the same key.
func NormalizeBody(body string) string {
	return strings.Join(strings.Fields(strings.ToLower(body)), " ")
}

func contentKey(fromDID, toDID, body string) string {
	sum := sha256.Sum256([]byte(fromDID + "|" + toDID + "|" + NormalizeBody(body)))
	return "dedupe:" + hex.EncodeToString(sum[:])
}

// CheckEmail runs the email-facet guards for one recipient: content dedupe
// first, then the first-contact greylist with its postage bypass. The
// returned bool is true when a postage token was consumed; the caller then
// records the contact with consent allowed.
func (g *Guard) CheckEmail(ctx context.Context, env *models.Envelope, recipientDID string) (bool, error) {
	if g.cfg.DedupeEnabled {
		body, _ := env.Payload["body"].(string)
		if body != "" {
			_, seen, err := g.cache.Get(ctx, contentKey(env.FromDID, recipientDID, body))
			if err != nil {
				g.log.Warn("dedupe check degraded, allowing", zap.Error(err))
			} else if seen {
				return false, apperr.Conflict(ReasonDuplicateContent, "duplicate content to %s", recipientDID)
			}
		}
	}

	if !g.cfg.GreylistEnabled {
		return false, nil
	}

	contact, err := g.contacts.Get(ctx, recipientDID, env.FromDID)
	if err != nil {
		return false, err
	}
	if contact != nil {
		if contact.Consent == models.ConsentBlocked {
			return false, apperr.New(apperr.CodeAuthorization, "recipient has blocked sender")
		}
		// Allowed, or known-but-unconfirmed: a prior delivery already got the
		// pair through the greylist.
		return false, nil
	}

	// First contact. A previously minted postage token lifts the greylist.
	if g.cfg.PostageEnabled {
		if _, ok, err := g.cache.GetDel(ctx, bypassKey(env.FromDID, recipientDID, env.ID)); err == nil && ok {
			return true, nil
		}
	}
	return false, apperr.New(apperr.CodeGreylisted, "first contact requires allowlisting or postage").
		WithReason(ReasonGreylisted).WithRetryAfter(g.cfg.GreylistRetrySec)
}

// MarkEmail commits the content-dedupe key after a delivery to recipientDID.
func (g *Guard) MarkEmail(ctx context.Context, env *models.Envelope, recipientDID string) error {
	if !g.cfg.DedupeEnabled {
		return nil
	}
	body, _ := env.Payload["body"].(string)
	if body == "" {
		return nil
	}
	_, err := g.cache.SetNX(ctx, contentKey(env.FromDID, recipientDID, body), "1", g.cfg.DedupeWindow)
	return err
}

func bypassKey(fromDID, toDID, envelopeID string) string {
	return fmt.Sprintf("postage:%s|%s|%s", fromDID, toDID, envelopeID)
}

// PayPostage spends the configured credits and mints a one-shot bypass token
// for (from, to, envelope.id), valid for the replay window.
func (g *Guard) PayPostage(ctx context.Context, fromDID, toDID, envelopeID string) error {
	if !g.cfg.PostageEnabled {
		return apperr.New(apperr.CodeFeatureDisabled, "postage bypass is disabled")
	}
	if err := g.ledger.Spend(ctx, fromDID, g.cfg.PostageCredits, envelopeID); err != nil {
		return err
	}
	if _, err := g.cache.SetNX(ctx, bypassKey(fromDID, toDID, envelopeID), "1", g.cfg.ReplayWindow); err != nil {
		// Credits were spent but the token could not be minted. Surface as a
		// dependency failure so the sender retries postage rather than the send.
		return apperr.Dependency(err, "postage token mint failed")
	}
	g.log.Info("postage paid",
		zap.String("from", fromDID), zap.String("to", toDID), zap.Int64("credits", g.cfg.PostageCredits))
	return nil
}
