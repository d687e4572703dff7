package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/servesys-labs/ainp-broker/internal/apperr"
	"github.com/servesys-labs/ainp-broker/internal/db"
	"github.com/servesys-labs/ainp-broker/pkg/models"
)

const requestTTL = 30 * time.Minute

// Depositor credits the ledger once a payment clears.
type Depositor interface {
	Deposit(ctx context.Context, did string, amount int64, source string) error
}

// Service tracks payment requests and ingests provider webhooks. The
// provider itself is pluggable; the broker only stores the request, hands
// out the payment URL and waits for the webhook.
type Service struct {
	pool    *db.Pool
	ledger  Depositor
	baseURL string
	log     *zap.Logger
}

func NewService(pool *db.Pool, ledger Depositor, baseURL string, log *zap.Logger) *Service {
	return &Service{pool: pool, ledger: ledger, baseURL: baseURL, log: log}
}

// CreateRequest opens a pending payment request.
func (s *Service) CreateRequest(ctx context.Context, ownerDID string, amountAtomic int64, currency, method string) (*models.PaymentRequest, error) {
	if amountAtomic <= 0 {
		return nil, apperr.Validation("amount_atomic must be positive")
	}
	if currency == "" {
		currency = "USD"
	}
	if method == "" {
		method = "card"
	}

	req := &models.PaymentRequest{
		ID:           uuid.NewString(),
		OwnerDID:     ownerDID,
		AmountAtomic: amountAtomic,
		Currency:     currency,
		Method:       method,
		State:        models.PaymentPending,
		CreatedAt:    time.Now(),
		ExpiresAt:    time.Now().Add(requestTTL),
	}
	req.PaymentURL = fmt.Sprintf("%s/pay/%s", s.baseURL, req.ID)

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO payment_requests (id, owner_did, amount_atomic, currency, method, state, payment_url, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		req.ID, req.OwnerDID, req.AmountAtomic, req.Currency, req.Method,
		req.State, req.PaymentURL, req.CreatedAt, req.ExpiresAt); err != nil {
		return nil, apperr.Dependency(err, "payment request insert failed")
	}
	return req, nil
}

// Get loads one request.
func (s *Service) Get(ctx context.Context, id string) (*models.PaymentRequest, error) {
	var req models.PaymentRequest
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_did, amount_atomic, currency, method, state, payment_url, created_at, expires_at
		FROM payment_requests WHERE id = $1`, id).
		Scan(&req.ID, &req.OwnerDID, &req.AmountAtomic, &req.Currency, &req.Method,
			&req.State, &req.PaymentURL, &req.CreatedAt, &req.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("payment request not found")
	}
	if err != nil {
		return nil, apperr.Dependency(err, "payment request lookup failed")
	}
	return &req, nil
}

// WebhookEvent is the provider-agnostic shape of a payment notification.
type WebhookEvent struct {
	RequestID   string `json:"request_id"`
	ProviderRef string `json:"provider_ref"`
	Status      string `json:"status"` // "paid" or "failed"
}

// HandleWebhook marks the request paid (crediting the ledger) or failed.
// Idempotent: a repeated webhook for a settled request is a no-op.
func (s *Service) HandleWebhook(ctx context.Context, provider string, ev WebhookEvent) error {
	if ev.RequestID == "" {
		return apperr.Validation("request_id is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Dependency(err, "database unavailable")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var ownerDID, state string
	var amount int64
	var expiresAt time.Time
	err = tx.QueryRow(ctx, `
		SELECT owner_did, amount_atomic, state, expires_at
		FROM payment_requests WHERE id = $1 FOR UPDATE`, ev.RequestID).
		Scan(&ownerDID, &amount, &state, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("payment request %s not found", ev.RequestID)
	}
	if err != nil {
		return apperr.Dependency(err, "payment request lock failed")
	}
	if state != models.PaymentPending {
		return tx.Commit(ctx)
	}

	next := models.PaymentFailed
	if ev.Status == "paid" {
		next = models.PaymentPaid
		if time.Now().After(expiresAt) {
			// A payment that lands after expiry still credits; the provider
			// already took the money.
			s.log.Warn("payment settled after expiry", zap.String("request", ev.RequestID))
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE payment_requests SET state = $2 WHERE id = $1`, ev.RequestID, next); err != nil {
		return apperr.Dependency(err, "payment state update failed")
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO payment_receipts (request_id, provider, provider_ref) VALUES ($1,$2,$3)`,
		ev.RequestID, provider, ev.ProviderRef); err != nil {
		return apperr.Dependency(err, "payment receipt insert failed")
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Dependency(err, "payment commit failed")
	}

	if next == models.PaymentPaid {
		if err := s.ledger.Deposit(ctx, ownerDID, amount, "payment:"+ev.RequestID); err != nil {
			// The request row is already paid; the deposit retries via the
			// expiry sweep would be lost, so surface loudly.
			s.log.Error("deposit after payment failed",
				zap.String("request", ev.RequestID), zap.Error(err))
			return err
		}
	}
	return nil
}

// ExpireStale marks pending requests past their deadline as expired.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payment_requests SET state = 'expired'
		WHERE state = 'pending' AND expires_at < NOW()`)
	if err != nil {
		return 0, apperr.Dependency(err, "payment expiry failed")
	}
	return int(tag.RowsAffected()), nil
}
