package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/servesys-labs/ainp-broker/internal/apperr"
	"github.com/servesys-labs/ainp-broker/internal/db"
	"github.com/servesys-labs/ainp-broker/pkg/models"
)

const emaAlpha = 0.2

// CommitteeSource supplies the usefulness-ranked candidate pool the
// committee is drawn from.
type CommitteeSource interface {
	TopAgents(ctx context.Context, m int, exclude []string) ([]string, error)
}

// Service manages task receipts, attestations and reputation updates.
type Service struct {
	pool      *db.Pool
	committee CommitteeSource
	k, m      int
	log       *zap.Logger
}

func NewService(pool *db.Pool, committee CommitteeSource, k, m int, log *zap.Logger) *Service {
	if k <= 0 {
		k = 3
	}
	if m < k {
		m = 5
	}
	return &Service{pool: pool, committee: committee, k: k, m: m, log: log}
}

// OpenReceipt creates a pending receipt for a settled negotiation. The
// committee is drawn deterministically from the top-M usefulness-ranked
// agents, excluding the two parties.
func (s *Service) OpenReceipt(ctx context.Context, negotiationID, agentDID, clientDID string) error {
	committee, err := s.committee.TopAgents(ctx, s.m, []string{agentDID, clientDID})
	if err != nil {
		return err
	}
	k := s.k
	if len(committee) < k {
		// Thin network: require everyone available rather than blocking
		// finalization forever.
		k = len(committee)
		if k == 0 {
			k = 1
		}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO task_receipts (id, negotiation_id, agent_did, client_did, k, m, committee, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'pending')`,
		uuid.NewString(), negotiationID, agentDID, clientDID, k, s.m, committee)
	if err != nil {
		return apperr.Dependency(err, "receipt insert failed")
	}
	return nil
}

// Get loads one receipt.
func (s *Service) Get(ctx context.Context, id string) (*models.TaskReceipt, error) {
	row := s.pool.QueryRow(ctx, receiptSQL+` WHERE id = $1`, id)
	return scanReceipt(row)
}

// Attest appends one attestation and finalizes when the rule is met. Only
// committee members and the client may attest; one vote per DID.
func (s *Service) Attest(ctx context.Context, receiptID string, att models.Attestation) (*models.TaskReceipt, error) {
	switch att.Type {
	case models.AttAccepted, models.AttRejected, models.AttAuditPass, models.AttAuditFail:
	default:
		return nil, apperr.Validation("unknown attestation type %q", att.Type)
	}
	att.At = time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Dependency(err, "database unavailable")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, receiptSQL+` WHERE id = $1 FOR UPDATE`, receiptID)
	r, err := scanReceipt(row)
	if err != nil {
		return nil, err
	}
	if r.Status != models.ReceiptPending {
		return nil, apperr.Conflict("AlreadyFinalized", "receipt is %s", r.Status)
	}
	if !eligible(r, att.ByDID) {
		return nil, apperr.New(apperr.CodeAuthorization, "%s is not on the committee", att.ByDID)
	}
	for _, existing := range r.Attestations {
		if existing.ByDID == att.ByDID {
			return nil, apperr.Conflict("DuplicateAttestation", "%s already attested", att.ByDID)
		}
	}
	r.Attestations = append(r.Attestations, att)

	finalized, acceptOutcome := MeetsFinalization(r)
	if finalized {
		now := time.Now()
		r.Status = models.ReceiptFinalized
		r.FinalizedAt = &now
	}

	atts, _ := json.Marshal(r.Attestations)
	if _, err := tx.Exec(ctx, `
		UPDATE task_receipts SET attestations = $2, status = $3, finalized_at = $4 WHERE id = $1`,
		r.ID, atts, r.Status, r.FinalizedAt); err != nil {
		return nil, apperr.Dependency(err, "receipt update failed")
	}

	if finalized {
		if err := s.updateReputation(ctx, tx, r, acceptOutcome); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Dependency(err, "receipt commit failed")
	}

	if finalized {
		s.log.Info("task receipt finalized",
			zap.String("receipt", r.ID), zap.Bool("accepted", acceptOutcome))
	}
	return r, nil
}

// FinalizePending sweeps receipts whose rule is already met (e.g. the rule
// configuration changed, or a finalizing attest crashed between update and
// reputation write). Idempotent per receipt.
func (s *Service) FinalizePending(ctx context.Context) (int, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM task_receipts WHERE status = 'pending'`)
	if err != nil {
		return 0, apperr.Dependency(err, "pending scan failed")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, apperr.Dependency(err, "pending scan failed")
		}
		ids = append(ids, id)
	}
	rows.Close()

	finalized := 0
	for _, id := range ids {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return finalized, apperr.Dependency(err, "database unavailable")
		}
		r, err := scanReceipt(tx.QueryRow(ctx, receiptSQL+` WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			_ = tx.Rollback(ctx)
			continue
		}
		ok, accept := MeetsFinalization(r)
		if !ok || r.Status != models.ReceiptPending {
			_ = tx.Rollback(ctx)
			continue
		}
		now := time.Now()
		r.Status = models.ReceiptFinalized
		r.FinalizedAt = &now
		if _, err := tx.Exec(ctx, `
			UPDATE task_receipts SET status = $2, finalized_at = $3 WHERE id = $1`,
			r.ID, r.Status, r.FinalizedAt); err != nil {
			_ = tx.Rollback(ctx)
			continue
		}
		if err := s.updateReputation(ctx, tx, r, accept); err != nil {
			_ = tx.Rollback(ctx)
			continue
		}
		if err := tx.Commit(ctx); err == nil {
			finalized++
		}
	}
	return finalized, nil
}

// MeetsFinalization applies the rule: at least k committee attestations of
// the same outcome class by distinct DIDs, plus the client attestation.
// Returns (met, accept-class outcome).
func MeetsFinalization(r *models.TaskReceipt) (bool, bool) {
	committee := make(map[string]bool, len(r.Committee))
	for _, did := range r.Committee {
		committee[did] = true
	}

	var clientAttested bool
	acceptVotes := map[string]bool{}
	failVotes := map[string]bool{}
	for _, att := range r.Attestations {
		if att.ByDID == r.ClientDID {
			clientAttested = true
			continue
		}
		if !committee[att.ByDID] {
			continue
		}
		if models.AcceptClass(att.Type) {
			acceptVotes[att.ByDID] = true
		} else {
			failVotes[att.ByDID] = true
		}
	}
	if !clientAttested {
		return false, false
	}
	if len(acceptVotes) >= r.K {
		return true, true
	}
	if len(failVotes) >= r.K {
		return true, false
	}
	return false, false
}

// UpdatedDimensions applies the EMA law to a reputation snapshot: every
// dimension moves toward the mean attestation score with α=0.2. A fail
// outcome drives toward 1-score to penalize.
func UpdatedDimensions(rep *models.Reputation, r *models.TaskReceipt, accept bool) {
	var sum float64
	var n int
	for _, att := range r.Attestations {
		if att.ByDID == r.ClientDID || models.AcceptClass(att.Type) == accept {
			sum += clamp01(att.Score)
			n++
		}
	}
	target := 0.0
	if n > 0 {
		target = sum / float64(n)
	}
	if !accept {
		target = 1 - target
		if target > 0.5 {
			target = 0.5 // a failed task never raises reputation
		}
	}
	ema := func(old float64) float64 { return emaAlpha*target + (1-emaAlpha)*old }
	rep.Q = ema(rep.Q)
	rep.T = ema(rep.T)
	rep.R = ema(rep.R)
	rep.S = ema(rep.S)
	rep.V = ema(rep.V)
	rep.I = ema(rep.I)
	rep.E = ema(rep.E)
}

func (s *Service) updateReputation(ctx context.Context, tx pgx.Tx, r *models.TaskReceipt, accept bool) error {
	var rep models.Reputation
	rep.AgentDID = r.AgentDID
	err := tx.QueryRow(ctx, `
		SELECT q, t, r, s, v, i, e FROM reputation WHERE agent_did = $1 FOR UPDATE`, r.AgentDID).
		Scan(&rep.Q, &rep.T, &rep.R, &rep.S, &rep.V, &rep.I, &rep.E)
	if errors.Is(err, pgx.ErrNoRows) {
		rep = models.Reputation{AgentDID: r.AgentDID, Q: 0.5, T: 0.5, R: 0.5, S: 0.5, V: 0.5, I: 0.5, E: 0.5}
	} else if err != nil {
		return apperr.Dependency(err, "reputation lookup failed")
	}

	UpdatedDimensions(&rep, r, accept)

	if _, err := tx.Exec(ctx, `
		INSERT INTO reputation (agent_did, q, t, r, s, v, i, e, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
		ON CONFLICT (agent_did) DO UPDATE SET
			q=EXCLUDED.q, t=EXCLUDED.t, r=EXCLUDED.r, s=EXCLUDED.s,
			v=EXCLUDED.v, i=EXCLUDED.i, e=EXCLUDED.e, updated_at=NOW()`,
		rep.AgentDID, rep.Q, rep.T, rep.R, rep.S, rep.V, rep.I, rep.E); err != nil {
		return apperr.Dependency(err, "reputation update failed")
	}
	return nil
}

// Reputation loads the current dimensions for one agent.
func (s *Service) Reputation(ctx context.Context, agentDID string) (*models.Reputation, error) {
	var rep models.Reputation
	err := s.pool.QueryRow(ctx, `
		SELECT agent_did, q, t, r, s, v, i, e, updated_at FROM reputation WHERE agent_did = $1`, agentDID).
		Scan(&rep.AgentDID, &rep.Q, &rep.T, &rep.R, &rep.S, &rep.V, &rep.I, &rep.E, &rep.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("no reputation for %s", agentDID)
	}
	if err != nil {
		return nil, apperr.Dependency(err, "reputation lookup failed")
	}
	return &rep, nil
}

func eligible(r *models.TaskReceipt, did string) bool {
	if did == r.ClientDID {
		return true
	}
	for _, member := range r.Committee {
		if member == did {
			return true
		}
	}
	return false
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

const receiptSQL = `
	SELECT id, negotiation_id, agent_did, client_did, k, m, committee, attestations, status, created_at, finalized_at
	FROM task_receipts`

func scanReceipt(row pgx.Row) (*models.TaskReceipt, error) {
	var r models.TaskReceipt
	var atts []byte
	err := row.Scan(&r.ID, &r.NegotiationID, &r.AgentDID, &r.ClientDID, &r.K, &r.M,
		&r.Committee, &atts, &r.Status, &r.CreatedAt, &r.FinalizedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("task receipt not found")
	}
	if err != nil {
		return nil, apperr.Dependency(err, "receipt scan failed")
	}
	if len(atts) > 0 {
		if err := json.Unmarshal(atts, &r.Attestations); err != nil {
			return nil, apperr.New(apperr.CodeInternal, "corrupt attestations on %s", r.ID)
		}
	}
	return &r, nil
}
