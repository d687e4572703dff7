package ledger

import (
	"context"
	"math"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/servesys-labs/ainp-broker/internal/apperr"
	"github.com/servesys-labs/ainp-broker/pkg/models"
)

const splitTolerance = 1e-6

// Shares is the computed atomic-unit allocation of one distribution. The
// four amounts always sum bit-exactly to the input total.
type Shares struct {
	Agent     int64 `json:"agent"`
	Broker    int64 `json:"broker"`
	Validator int64 `json:"validator"`
	Pool      int64 `json:"pool"`
}

// ComputeShares floors each named share and sends the remainder to the pool.
// A share whose recipient DID is absent also collapses into the pool, so the
// sum is exact regardless of who is present.
func ComputeShares(total int64, split models.IncentiveSplit, haveAgent, haveBroker, haveValidator bool) (Shares, error) {
	sum := split.Agent + split.Broker + split.Validator + split.Pool
	if math.Abs(sum-1.0) > splitTolerance {
		return Shares{}, apperr.Validation("incentive split sums to %g, not 1.0", sum).WithReason("InvalidSplit")
	}
	if total < 0 {
		return Shares{}, apperr.Validation("total must be non-negative").WithReason(ReasonInvalidAmount)
	}

	var s Shares
	if haveAgent {
		s.Agent = int64(math.Floor(float64(total) * split.Agent))
	}
	if haveBroker {
		s.Broker = int64(math.Floor(float64(total) * split.Broker))
	}
	if haveValidator {
		s.Validator = int64(math.Floor(float64(total) * split.Validator))
	}
	s.Pool = total - s.Agent - s.Broker - s.Validator
	return s, nil
}

// Distribution is one settled-amount split request.
type Distribution struct {
	IntentID     string
	Total        int64
	AgentDID     string
	BrokerDID    string
	ValidatorDID string
	Split        models.IncentiveSplit
	ProofID      string
}

// Distributor pays out a settled amount through the ledger.
type Distributor struct {
	ledger  *Service
	poolDID string
	log     *zap.Logger
}

func NewDistributor(ledger *Service, poolDID string, log *zap.Logger) *Distributor {
	return &Distributor{ledger: ledger, poolDID: poolDID, log: log}
}

// Distribute computes shares and pays every non-zero recipient in one
// transaction of its own.
func (d *Distributor) Distribute(ctx context.Context, dist Distribution) (Shares, error) {
	var shares Shares
	err := d.ledger.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		shares, err = d.DistributeIn(ctx, tx, dist)
		return err
	})
	return shares, err
}

// DistributeIn runs the payout on the caller's transaction, so settlement and
// its distribution commit atomically.
func (d *Distributor) DistributeIn(ctx context.Context, tx pgx.Tx, dist Distribution) (Shares, error) {
	shares, err := ComputeShares(dist.Total, dist.Split,
		dist.AgentDID != "", dist.BrokerDID != "", dist.ValidatorDID != "")
	if err != nil {
		return Shares{}, err
	}

	type payout struct {
		did    string
		amount int64
	}
	payouts := []payout{
		{dist.AgentDID, shares.Agent},
		{dist.BrokerDID, shares.Broker},
		{dist.ValidatorDID, shares.Validator},
		{d.poolDID, shares.Pool},
	}
	for _, p := range payouts {
		if p.amount <= 0 || p.did == "" {
			continue
		}
		if err := d.ledger.EarnIn(ctx, tx, p.did, p.amount, dist.IntentID, dist.ProofID); err != nil {
			return shares, err
		}
	}

	d.log.Info("incentive distributed",
		zap.String("intent", dist.IntentID),
		zap.Int64("total", dist.Total),
		zap.Int64("agent", shares.Agent),
		zap.Int64("broker", shares.Broker),
		zap.Int64("validator", shares.Validator),
		zap.Int64("pool", shares.Pool))
	return shares, nil
}
