package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/tradeyard/tradeyard-backend/pkg/logger"
)

const escrowReleaseJobName = "escrow_release"

const defaultSchedulerBatchSize = 200

type escrowLedger interface {
	ExpireDue(ctx context.Context, now time.Time, limit int) (int, error)
	PromoteDue(ctx context.Context, now time.Time, limit int) (int, error)
}

// EscrowReleaseJobParams configures the escrow release job.
type EscrowReleaseJobParams struct {
	Logger    *logger.Logger
	Ledger    escrowLedger
	BatchSize int
}

type escrowReleaseJob struct {
	logger    *logger.Logger
	ledger    escrowLedger
	batchSize int
	now       func() time.Time
}

// NewEscrowReleaseJob builds the job that sweeps time-based holds:
// it expires overdue AVAILABLE credits first, then promotes PENDING
// credits whose maturity date has passed. Expiry runs first so a credit
// cannot be promoted and expired in the same sweep.
func NewEscrowReleaseJob(params EscrowReleaseJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger service is required")
	}
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = defaultSchedulerBatchSize
	}
	return &escrowReleaseJob{
		logger:    params.Logger,
		ledger:    params.Ledger,
		batchSize: batchSize,
		now:       time.Now,
	}, nil
}

func (j *escrowReleaseJob) Name() string {
	return escrowReleaseJobName
}

func (j *escrowReleaseJob) Run(ctx context.Context) error {
	now := j.now().UTC()

	expired, err := j.ledger.ExpireDue(ctx, now, j.batchSize)
	if err != nil {
		return fmt.Errorf("escrow release: expiring due credits: %w", err)
	}

	promoted, err := j.ledger.PromoteDue(ctx, now, j.batchSize)
	if err != nil {
		return fmt.Errorf("escrow release: promoting due credits: %w", err)
	}

	if expired > 0 || promoted > 0 {
		j.logger.Info(j.logger.WithFields(ctx, map[string]any{
			"expired":  expired,
			"promoted": promoted,
		}), "escrow sweep released credits")
	}
	return nil
}
