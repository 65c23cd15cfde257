package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/tradeyard/tradeyard-backend/pkg/db/models"
	"github.com/tradeyard/tradeyard-backend/pkg/logger"
	"github.com/tradeyard/tradeyard-backend/pkg/metrics"
)

const stalledWithdrawalsJobName = "stalled_withdrawals"

const defaultStalledSince = 24 * time.Hour

type withdrawalLister interface {
	ListStalled(ctx context.Context, olderThan time.Duration) ([]models.Withdrawal, error)
}

// StalledWithdrawalsJobParams configures the stalled withdrawals job.
type StalledWithdrawalsJobParams struct {
	Logger      *logger.Logger
	Withdrawals withdrawalLister
	Metrics     *metrics.LedgerMetrics
	Since       time.Duration
}

type stalledWithdrawalsJob struct {
	logger      *logger.Logger
	withdrawals withdrawalLister
	metrics     *metrics.LedgerMetrics
	since       time.Duration
}

// NewStalledWithdrawalsJob builds the job that surfaces withdrawals stuck
// in PROCESSING. It only reports; money attached to a processing payout
// is never moved automatically.
func NewStalledWithdrawalsJob(params StalledWithdrawalsJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if params.Withdrawals == nil {
		return nil, fmt.Errorf("withdrawals service is required")
	}
	since := params.Since
	if since <= 0 {
		since = defaultStalledSince
	}
	return &stalledWithdrawalsJob{
		logger:      params.Logger,
		withdrawals: params.Withdrawals,
		metrics:     params.Metrics,
		since:       since,
	}, nil
}

func (j *stalledWithdrawalsJob) Name() string {
	return stalledWithdrawalsJobName
}

func (j *stalledWithdrawalsJob) Run(ctx context.Context) error {
	stalled, err := j.withdrawals.ListStalled(ctx, j.since)
	if err != nil {
		return fmt.Errorf("stalled withdrawals: %w", err)
	}
	j.metrics.SetStalledWithdrawals(len(stalled))
	if len(stalled) == 0 {
		return nil
	}
	j.logger.Warn(j.logger.WithField(ctx, "stalled_count", len(stalled)),
		"withdrawals stuck in processing beyond threshold")
	return nil
}
