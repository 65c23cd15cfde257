package cron

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/tradeyard/tradeyard-backend/internal/ledger"
	"github.com/tradeyard/tradeyard-backend/pkg/logger"
)

const reconcileJobName = "ledger_reconcile"

type reconcileLedger interface {
	ListAccountIDs(ctx context.Context) ([]uuid.UUID, error)
	GetBalance(ctx context.Context, accountID uuid.UUID) (ledger.Balance, error)
	Recompute(ctx context.Context, accountID uuid.UUID) (ledger.Balance, error)
	FlagDrift(ctx context.Context, accountID uuid.UUID, stored, recomputed ledger.Balance) error
}

// ReconcileJobParams configures the reconciliation job.
type ReconcileJobParams struct {
	Logger *logger.Logger
	Ledger reconcileLedger
}

type reconcileJob struct {
	logger *logger.Logger
	ledger reconcileLedger
}

// NewReconcileJob builds the job that replays every account's transaction
// log and compares the result against the stored buckets. A mismatch
// freezes the account for investigation; a failure on one account never
// stops the sweep over the rest.
func NewReconcileJob(params ReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger service is required")
	}
	return &reconcileJob{
		logger: params.Logger,
		ledger: params.Ledger,
	}, nil
}

func (j *reconcileJob) Name() string {
	return reconcileJobName
}

func (j *reconcileJob) Run(ctx context.Context) error {
	accountIDs, err := j.ledger.ListAccountIDs(ctx)
	if err != nil {
		return fmt.Errorf("ledger reconcile: listing accounts: %w", err)
	}

	var errs error
	drifted := 0
	for _, accountID := range accountIDs {
		flagged, err := j.reconcileAccount(ctx, accountID)
		if err != nil {
			accountCtx := j.logger.WithAccountID(ctx, accountID.String())
			j.logger.Error(accountCtx, "failed to reconcile account", err)
			errs = multierr.Append(errs, fmt.Errorf("account %s: %w", accountID, err))
			continue
		}
		if flagged {
			drifted++
		}
	}

	if drifted > 0 {
		j.logger.Warn(j.logger.WithField(ctx, "drifted_accounts", drifted),
			"reconciliation flagged drifted accounts")
	}
	if errs != nil {
		return fmt.Errorf("ledger reconcile: %w", errs)
	}
	return nil
}

func (j *reconcileJob) reconcileAccount(ctx context.Context, accountID uuid.UUID) (bool, error) {
	stored, err := j.ledger.GetBalance(ctx, accountID)
	if err != nil {
		return false, fmt.Errorf("reading stored balance: %w", err)
	}
	recomputed, err := j.ledger.Recompute(ctx, accountID)
	if err != nil {
		return false, fmt.Errorf("recomputing balance: %w", err)
	}
	if stored == recomputed {
		return false, nil
	}
	if err := j.ledger.FlagDrift(ctx, accountID, stored, recomputed); err != nil {
		return false, fmt.Errorf("flagging drift: %w", err)
	}
	return true, nil
}
