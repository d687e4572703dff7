package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/servesys-labs/ainp-broker/internal/apperr"
	"github.com/servesys-labs/ainp-broker/internal/db"
	"github.com/servesys-labs/ainp-broker/internal/ledger"
	"github.com/servesys-labs/ainp-broker/pkg/models"
)

// Escrow is the slice of the ledger the state machine drives. The tx-scoped
// forms run on the transition's transaction, so the credit movement and the
// negotiation row commit or roll back as one.
type Escrow interface {
	ReserveIn(ctx context.Context, tx pgx.Tx, did string, amount int64, intentID string) error
	ReleaseIn(ctx context.Context, tx pgx.Tx, did string, reservedAmount, spendAmount int64, intentID string) error
}

// Distributor pays out the settled amount on the caller's transaction.
type Distributor interface {
	DistributeIn(ctx context.Context, tx pgx.Tx, dist ledger.Distribution) (ledger.Shares, error)
}

// Notifier pushes negotiation events to live sessions and the durable
// stream. Implementations must not block the transition.
type Notifier interface {
	NegotiationEvent(n *models.Negotiation, event string)
}

// ReceiptOpener creates the task receipt that settlement hands to the
// reputation subsystem.
type ReceiptOpener interface {
	OpenReceipt(ctx context.Context, negotiationID, agentDID, clientDID string) error
}

// Service runs negotiation transitions serialized per session by row lock.
type Service struct {
	pool      *db.Pool
	escrow    Escrow
	dist      Distributor
	notifier  Notifier
	receipts  ReceiptOpener
	brokerDID string
	now       func() time.Time
	log       *zap.Logger
}

func NewService(pool *db.Pool, escrow Escrow, dist Distributor, notifier Notifier, receipts ReceiptOpener, brokerDID string, log *zap.Logger) *Service {
	return &Service{
		pool: pool, escrow: escrow, dist: dist, notifier: notifier,
		receipts: receipts, brokerDID: brokerDID, now: time.Now, log: log,
	}
}

// Initiate creates a session with round 1 by the initiator.
func (s *Service) Initiate(ctx context.Context, p InitiateParams) (*models.Negotiation, error) {
	n, err := NewSession(p, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.insert(ctx, n); err != nil {
		return nil, err
	}
	s.notify(n, "initiated")
	return n, nil
}

// Propose appends a counter-proposal round.
func (s *Service) Propose(ctx context.Context, id, proposerDID string, proposal models.Proposal) (*models.Negotiation, error) {
	n, err := s.transition(ctx, id, func(_ pgx.Tx, n *models.Negotiation) error {
		return ApplyPropose(n, proposerDID, proposal, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.notify(n, "proposed")
	return n, nil
}

// Accept sinks the session to accepted and reserves price·1000 atomic
// credits from the initiator. A failed reservation aborts the transition.
func (s *Service) Accept(ctx context.Context, id, acceptorDID string) (*models.Negotiation, error) {
	n, err := s.transition(ctx, id, s.acceptStep(ctx, acceptorDID))
	if err != nil {
		return nil, err
	}
	s.notify(n, "accepted")
	return n, nil
}

func (s *Service) acceptStep(ctx context.Context, acceptorDID string) func(pgx.Tx, *models.Negotiation) error {
	return func(tx pgx.Tx, n *models.Negotiation) error {
		if err := ApplyAccept(n, acceptorDID, s.now()); err != nil {
			return err
		}
		amount := EscrowAmount(*n.FinalProposal)
		if amount > 0 {
			if err := s.escrow.ReserveIn(ctx, tx, n.InitiatorDID, amount, n.IntentID); err != nil {
				return err
			}
			n.ReservedCredits = amount
			if n.FinalProposal.CustomTerms == nil {
				n.FinalProposal.CustomTerms = map[string]any{}
			}
			n.FinalProposal.CustomTerms["reserved_credits"] = amount
		}
		return nil
	}
}

// Reject sinks the session from any live state.
func (s *Service) Reject(ctx context.Context, id, rejectorDID, reason string) (*models.Negotiation, error) {
	n, err := s.transition(ctx, id, func(_ pgx.Tx, n *models.Negotiation) error {
		return ApplyReject(n, rejectorDID, reason, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.notify(n, "rejected")
	return n, nil
}

// Settle releases the escrow as spend, distributes it per the incentive
// split, and opens the task receipt.
func (s *Service) Settle(ctx context.Context, id, callerDID, validatorDID, proofID string) (*models.Negotiation, error) {
	n, err := s.transition(ctx, id, s.settleStep(ctx, callerDID, validatorDID, proofID))
	if err != nil {
		return nil, err
	}

	if s.receipts != nil {
		if err := s.receipts.OpenReceipt(ctx, n.ID, n.ResponderDID, n.InitiatorDID); err != nil {
			s.log.Warn("task receipt open failed", zap.String("negotiation", n.ID), zap.Error(err))
		}
	}
	s.notify(n, "settled")
	return n, nil
}

func (s *Service) settleStep(ctx context.Context, callerDID, validatorDID, proofID string) func(pgx.Tx, *models.Negotiation) error {
	return func(tx pgx.Tx, n *models.Negotiation) error {
		if n.State != models.NegAccepted {
			return apperr.Conflict(ReasonInvalidTransition, "cannot settle from %s", n.State)
		}
		if callerDID != "" && !n.Participant(callerDID) {
			return apperr.New(apperr.CodeAuthorization, "%s is not a participant", callerDID)
		}
		reserved := n.ReservedCredits
		if reserved > 0 {
			if err := s.escrow.ReleaseIn(ctx, tx, n.InitiatorDID, reserved, reserved, n.IntentID); err != nil {
				return err
			}
			if _, err := s.dist.DistributeIn(ctx, tx, ledger.Distribution{
				IntentID:     n.IntentID,
				Total:        reserved,
				AgentDID:     n.ResponderDID,
				BrokerDID:    s.brokerDID,
				ValidatorDID: validatorDID,
				Split:        n.Split,
				ProofID:      proofID,
			}); err != nil {
				return err
			}
		}
		n.State = models.NegSettled
		n.ReservedCredits = 0
		return nil
	}
}

// Get loads one session.
func (s *Service) Get(ctx context.Context, id string) (*models.Negotiation, error) {
	row := s.pool.QueryRow(ctx, selectSQL+` WHERE id = $1`, id)
	return scanNegotiation(row)
}

// List filters sessions by participant and/or state.
func (s *Service) List(ctx context.Context, agentDID, state string, limit int) ([]*models.Negotiation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := selectSQL + ` WHERE ($1 = '' OR initiator_did = $1 OR responder_did = $1)
		AND ($2 = '' OR state = $2)
		ORDER BY created_at DESC LIMIT $3`
	rows, err := s.pool.Query(ctx, query, agentDID, state, limit)
	if err != nil {
		return nil, apperr.Dependency(err, "negotiation list failed")
	}
	defer rows.Close()

	out := make([]*models.Negotiation, 0, limit)
	for rows.Next() {
		n, err := scanNegotiation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ExpireStale sinks every live session past its deadline and releases any
// reservation back to the initiator. Returns the number expired.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM negotiations
		WHERE state NOT IN ('accepted','rejected','expired','settled') AND expires_at < NOW()`)
	if err != nil {
		return 0, apperr.Dependency(err, "stale scan failed")
	}
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, apperr.Dependency(err, "stale scan failed")
		}
		ids = append(ids, id)
	}
	rows.Close()

	expired := 0
	for _, id := range ids {
		n, err := s.transition(ctx, id, func(tx pgx.Tx, n *models.Negotiation) error {
			if models.SinkState(n.State) || s.now().Before(n.ExpiresAt) {
				return apperr.Conflict(ReasonInvalidTransition, "no longer stale")
			}
			if n.ReservedCredits > 0 {
				if err := s.escrow.ReleaseIn(ctx, tx, n.InitiatorDID, n.ReservedCredits, 0, n.IntentID); err != nil {
					return err
				}
				n.ReservedCredits = 0
			}
			n.State = models.NegExpired
			return nil
		})
		if err != nil {
			continue
		}
		expired++
		s.notify(n, "expired")
	}
	return expired, nil
}

// notify fans out to sessions and the durable stream; best-effort.
func (s *Service) notify(n *models.Negotiation, event string) {
	if s.notifier != nil {
		s.notifier.NegotiationEvent(n, event)
	}
}

// transition loads the row FOR UPDATE, applies fn, and writes back. The row
// lock serializes concurrent transitions; first writer wins. fn receives the
// transaction so ledger side effects commit with the state change.
func (s *Service) transition(ctx context.Context, id string, fn func(pgx.Tx, *models.Negotiation) error) (*models.Negotiation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Dependency(err, "database unavailable")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, selectSQL+` WHERE id = $1 FOR UPDATE`, id)
	n, err := scanNegotiation(row)
	if err != nil {
		return nil, err
	}

	if err := fn(tx, n); err != nil {
		return nil, err
	}

	rounds, _ := json.Marshal(n.Rounds)
	split, _ := json.Marshal(n.Split)
	current := marshalProposal(n.CurrentProposal)
	final := marshalProposal(n.FinalProposal)

	if _, err := tx.Exec(ctx, `
		UPDATE negotiations SET state=$2, rounds=$3, current_proposal=$4, final_proposal=$5,
			convergence=$6, incentive_split=$7, reserved_credits=$8
		WHERE id=$1`,
		n.ID, n.State, rounds, current, final, n.ConvergenceScore, split, n.ReservedCredits); err != nil {
		return nil, apperr.Dependency(err, "negotiation update failed")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Dependency(err, "negotiation commit failed")
	}
	return n, nil
}

func (s *Service) insert(ctx context.Context, n *models.Negotiation) error {
	rounds, _ := json.Marshal(n.Rounds)
	split, _ := json.Marshal(n.Split)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO negotiations
			(id, intent_id, initiator_did, responder_did, state, max_rounds,
			 created_at, expires_at, rounds, current_proposal, incentive_split, reserved_credits)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		n.ID, n.IntentID, n.InitiatorDID, n.ResponderDID, n.State, n.MaxRounds,
		n.CreatedAt, n.ExpiresAt, rounds, marshalProposal(n.CurrentProposal), split, n.ReservedCredits)
	if err != nil {
		return apperr.Dependency(err, "negotiation insert failed")
	}
	return nil
}

const selectSQL = `
	SELECT id, intent_id, initiator_did, responder_did, state, max_rounds,
	       created_at, expires_at, rounds, current_proposal, final_proposal,
	       convergence, incentive_split, reserved_credits
	FROM negotiations`

func marshalProposal(p *models.Proposal) []byte {
	if p == nil {
		return nil
	}
	b, _ := json.Marshal(p)
	return b
}

func scanNegotiation(row pgx.Row) (*models.Negotiation, error) {
	var n models.Negotiation
	var rounds, split []byte
	var current, final []byte
	err := row.Scan(&n.ID, &n.IntentID, &n.InitiatorDID, &n.ResponderDID, &n.State, &n.MaxRounds,
		&n.CreatedAt, &n.ExpiresAt, &rounds, &current, &final,
		&n.ConvergenceScore, &split, &n.ReservedCredits)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("negotiation not found")
	}
	if err != nil {
		return nil, apperr.Dependency(err, "negotiation scan failed")
	}
	if err := json.Unmarshal(rounds, &n.Rounds); err != nil {
		return nil, fmt.Errorf("corrupt rounds: %w", err)
	}
	if err := json.Unmarshal(split, &n.Split); err != nil {
		return nil, fmt.Errorf("corrupt split: %w", err)
	}
	if len(current) > 0 {
		n.CurrentProposal = &models.Proposal{}
		if err := json.Unmarshal(current, n.CurrentProposal); err != nil {
			return nil, fmt.Errorf("corrupt current proposal: %w", err)
		}
	}
	if len(final) > 0 {
		n.FinalProposal = &models.Proposal{}
		if err := json.Unmarshal(final, n.FinalProposal); err != nil {
			return nil, fmt.Errorf("corrupt final proposal: %w", err)
		}
	}
	return &n, nil
}
