package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/servesys-labs/ainp-broker/internal/apperr"
	"github.com/servesys-labs/ainp-broker/internal/db"
	"github.com/servesys-labs/ainp-broker/pkg/models"
)

// Ledger error reasons.
const (
	ReasonAccountNotFound      = "AccountNotFound"
	ReasonInsufficientBalance  = "InsufficientBalance"
	ReasonInsufficientReserved = "InsufficientReserved"
	ReasonInvalidAmount        = "InvalidAmount"
)

// Service is the credit ledger. Every operation locks the account row, so
// per-account history is linearizable, and appends a journal entry in the
// same transaction.
type Service struct {
	pool *db.Pool
	log  *zap.Logger
}

func NewService(pool *db.Pool, log *zap.Logger) *Service {
	return &Service{pool: pool, log: log}
}

// CreateAccount is idempotent; an existing account is left untouched.
func (s *Service) CreateAccount(ctx context.Context, did string, initialBalance int64) error {
	if initialBalance < 0 {
		return apperr.Validation("initial balance must be non-negative").WithReason(ReasonInvalidAmount)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Dependency(err, "database unavailable")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO credit_accounts (owner_did, balance) VALUES ($1, $2)
		ON CONFLICT (owner_did) DO NOTHING`, did, initialBalance)
	if err != nil {
		return apperr.Dependency(err, "account create failed")
	}
	if tag.RowsAffected() > 0 && initialBalance > 0 {
		if err := appendEntry(ctx, tx, did, models.EntryDeposit, initialBalance, "", ""); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Account returns the current snapshot.
func (s *Service) Account(ctx context.Context, did string) (*models.CreditAccount, error) {
	var a models.CreditAccount
	err := s.pool.QueryRow(ctx, `
		SELECT owner_did, balance, reserved, lifetime_earned, lifetime_spent, updated_at
		FROM credit_accounts WHERE owner_did = $1`, did).
		Scan(&a.OwnerDID, &a.Balance, &a.Reserved, &a.LifetimeEarned, &a.LifetimeSpent, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("account %s not found", did).WithReason(ReasonAccountNotFound)
	}
	if err != nil {
		return nil, apperr.Dependency(err, "account lookup failed")
	}
	return &a, nil
}

// Entries lists the journal newest first.
func (s *Service) Entries(ctx context.Context, did string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_did, type, amount, COALESCE(intent_id,''), COALESCE(proof_id,''), at
		FROM ledger_entries WHERE owner_did = $1 ORDER BY at DESC LIMIT $2`, did, limit)
	if err != nil {
		return nil, apperr.Dependency(err, "journal query failed")
	}
	defer rows.Close()

	entries := make([]models.LedgerEntry, 0, limit)
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.OwnerDID, &e.Type, &e.Amount, &e.IntentID, &e.ProofID, &e.At); err != nil {
			return nil, apperr.Dependency(err, "journal scan failed")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Deposit credits the balance.
func (s *Service) Deposit(ctx context.Context, did string, amount int64, source string) error {
	if amount <= 0 {
		return apperr.Validation("deposit amount must be positive").WithReason(ReasonInvalidAmount)
	}
	return s.withAccount(ctx, did, func(tx pgx.Tx, a *models.CreditAccount) error {
		if _, err := tx.Exec(ctx, `
			UPDATE credit_accounts SET balance = balance + $2, updated_at = NOW()
			WHERE owner_did = $1`, did, amount); err != nil {
			return apperr.Dependency(err, "deposit failed")
		}
		return appendEntry(ctx, tx, did, models.EntryDeposit, amount, source, "")
	})
}

// Reserve moves amount from balance to reserved for an intent.
func (s *Service) Reserve(ctx context.Context, did string, amount int64, intentID string) error {
	return s.InTx(ctx, func(tx pgx.Tx) error {
		return s.ReserveIn(ctx, tx, did, amount, intentID)
	})
}

// ReserveIn is Reserve on the caller's transaction: the reservation commits
// or rolls back together with whatever state change required it.
func (s *Service) ReserveIn(ctx context.Context, tx pgx.Tx, did string, amount int64, intentID string) error {
	if amount <= 0 {
		return apperr.Validation("reserve amount must be positive").WithReason(ReasonInvalidAmount)
	}
	a, err := lockAccount(ctx, tx, did)
	if err != nil {
		return err
	}
	if a.Balance < amount {
		return apperr.Conflict(ReasonInsufficientBalance,
			"balance %d is below required %d", a.Balance, amount)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE credit_accounts SET balance = balance - $2, reserved = reserved + $2, updated_at = NOW()
		WHERE owner_did = $1`, did, amount); err != nil {
		return apperr.Dependency(err, "reserve failed")
	}
	return appendEntry(ctx, tx, did, models.EntryReserve, amount, intentID, "")
}

// Release settles a reservation: spendAmount is consumed, the remainder is
// refunded to balance.
func (s *Service) Release(ctx context.Context, did string, reservedAmount, spendAmount int64, intentID string) error {
	return s.InTx(ctx, func(tx pgx.Tx) error {
		return s.ReleaseIn(ctx, tx, did, reservedAmount, spendAmount, intentID)
	})
}

// ReleaseIn is Release on the caller's transaction.
func (s *Service) ReleaseIn(ctx context.Context, tx pgx.Tx, did string, reservedAmount, spendAmount int64, intentID string) error {
	if reservedAmount <= 0 || spendAmount < 0 || spendAmount > reservedAmount {
		return apperr.Validation("invalid release amounts").WithReason(ReasonInvalidAmount)
	}
	a, err := lockAccount(ctx, tx, did)
	if err != nil {
		return err
	}
	if a.Reserved < reservedAmount {
		return apperr.Conflict(ReasonInsufficientReserved,
			"reserved %d is below released %d", a.Reserved, reservedAmount)
	}
	refund := reservedAmount - spendAmount
	if _, err := tx.Exec(ctx, `
		UPDATE credit_accounts SET
			reserved = reserved - $2,
			balance = balance + $3,
			lifetime_spent = lifetime_spent + $4,
			updated_at = NOW()
		WHERE owner_did = $1`, did, reservedAmount, refund, spendAmount); err != nil {
		return apperr.Dependency(err, "release failed")
	}
	if err := appendEntry(ctx, tx, did, models.EntryRelease, reservedAmount, intentID, ""); err != nil {
		return err
	}
	if spendAmount > 0 {
		return appendEntry(ctx, tx, did, models.EntrySpend, spendAmount, intentID, "")
	}
	return nil
}

// Earn credits income from settled work.
func (s *Service) Earn(ctx context.Context, did string, amount int64, intentID, proofID string) error {
	return s.InTx(ctx, func(tx pgx.Tx) error {
		return s.EarnIn(ctx, tx, did, amount, intentID, proofID)
	})
}

// EarnIn is Earn on the caller's transaction. Recipients may not have an
// account yet (e.g. the pool DID); earning implicitly creates one.
func (s *Service) EarnIn(ctx context.Context, tx pgx.Tx, did string, amount int64, intentID, proofID string) error {
	if amount <= 0 {
		return apperr.Validation("earn amount must be positive").WithReason(ReasonInvalidAmount)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO credit_accounts (owner_did, balance) VALUES ($1, 0)
		ON CONFLICT (owner_did) DO NOTHING`, did); err != nil {
		return apperr.Dependency(err, "account create failed")
	}
	if _, err := lockAccount(ctx, tx, did); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE credit_accounts SET balance = balance + $2, lifetime_earned = lifetime_earned + $2, updated_at = NOW()
		WHERE owner_did = $1`, did, amount); err != nil {
		return apperr.Dependency(err, "earn failed")
	}
	return appendEntry(ctx, tx, did, models.EntryEarn, amount, intentID, proofID)
}

// Spend debits the balance directly without a prior reservation. Used for
// postage, where the payment and the bypass grant happen in one step.
func (s *Service) Spend(ctx context.Context, did string, amount int64, intentID string) error {
	if amount <= 0 {
		return apperr.Validation("spend amount must be positive").WithReason(ReasonInvalidAmount)
	}
	return s.withAccount(ctx, did, func(tx pgx.Tx, a *models.CreditAccount) error {
		if a.Balance < amount {
			return apperr.Conflict(ReasonInsufficientBalance,
				"balance %d is below required %d", a.Balance, amount)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE credit_accounts SET balance = balance - $2, lifetime_spent = lifetime_spent + $2, updated_at = NOW()
			WHERE owner_did = $1`, did, amount); err != nil {
			return apperr.Dependency(err, "spend failed")
		}
		return appendEntry(ctx, tx, did, models.EntrySpend, amount, intentID, "")
	})
}

// InTx runs fn inside one transaction: commit on nil, rollback on error.
func (s *Service) InTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Dependency(err, "database unavailable")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// withAccount runs fn with the account row locked, serializing all mutations
// per account.
func (s *Service) withAccount(ctx context.Context, did string, fn func(pgx.Tx, *models.CreditAccount) error) error {
	return s.InTx(ctx, func(tx pgx.Tx) error {
		a, err := lockAccount(ctx, tx, did)
		if err != nil {
			return err
		}
		return fn(tx, a)
	})
}

// lockAccount loads the account row FOR UPDATE.
func lockAccount(ctx context.Context, tx pgx.Tx, did string) (*models.CreditAccount, error) {
	var a models.CreditAccount
	err := tx.QueryRow(ctx, `
		SELECT owner_did, balance, reserved, lifetime_earned, lifetime_spent, updated_at
		FROM credit_accounts WHERE owner_did = $1 FOR UPDATE`, did).
		Scan(&a.OwnerDID, &a.Balance, &a.Reserved, &a.LifetimeEarned, &a.LifetimeSpent, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("account %s not found", did).WithReason(ReasonAccountNotFound)
	}
	if err != nil {
		return nil, apperr.Dependency(err, "account lock failed")
	}
	return &a, nil
}

func appendEntry(ctx context.Context, tx pgx.Tx, did, entryType string, amount int64, intentID, proofID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, owner_did, type, amount, intent_id, proof_id, at)
		VALUES ($1, $2, $3, $4, NULLIF($5,''), NULLIF($6,''), $7)`,
		uuid.NewString(), did, entryType, amount, intentID, proofID, time.Now())
	if err != nil {
		return apperr.Dependency(err, "journal append failed")
	}
	return nil
}
