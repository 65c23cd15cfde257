package withdrawals

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tradeyard/tradeyard-backend/internal/ledger"
	dbpkg "github.com/tradeyard/tradeyard-backend/pkg/db"
	"github.com/tradeyard/tradeyard-backend/pkg/enums"
	pkgerrors "github.com/tradeyard/tradeyard-backend/pkg/errors"
	"github.com/tradeyard/tradeyard-backend/pkg/logger"
	"github.com/tradeyard/tradeyard-backend/pkg/outbox"
)

func setupWithdrawalsTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	statements := []string{`
CREATE TABLE IF NOT EXISTS ledger_accounts (
  id TEXT PRIMARY KEY,
  owner_type TEXT NOT NULL,
  owner_id TEXT NOT NULL,
  available_cents INTEGER NOT NULL DEFAULT 0,
  pending_cents INTEGER NOT NULL DEFAULT 0,
  blocked_cents INTEGER NOT NULL DEFAULT 0,
  total_earned_cents INTEGER NOT NULL DEFAULT 0,
  total_withdrawn_cents INTEGER NOT NULL DEFAULT 0,
  drift_flagged_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME,
  UNIQUE (owner_type, owner_id)
);`, `
CREATE TABLE IF NOT EXISTS ledger_transactions (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL,
  type TEXT NOT NULL,
  status TEXT NOT NULL,
  bucket TEXT NOT NULL,
  amount_cents INTEGER NOT NULL,
  balance_before_cents INTEGER NOT NULL,
  balance_after_cents INTEGER NOT NULL,
  source_type TEXT NOT NULL,
  source_ref TEXT NOT NULL,
  available_at DATETIME,
  expires_at DATETIME,
  status_changed_at DATETIME,
  metadata TEXT,
  created_at DATETIME,
  UNIQUE (account_id, source_type, source_ref, type)
);`, `
CREATE TABLE IF NOT EXISTS withdrawals (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL,
  amount_cents INTEGER NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  requested_at DATETIME NOT NULL,
  processed_at DATETIME,
  processed_by TEXT,
  transaction_reference TEXT,
  reject_reason TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`}
	for _, statement := range statements {
		require.NoError(t, conn.Exec(statement).Error)
	}
	return conn
}

type fakeOutbox struct {
	events []outbox.DomainEvent
}

func (f *fakeOutbox) Emit(_ context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	if tx == nil {
		return fmt.Errorf("transaction required")
	}
	f.events = append(f.events, event)
	return nil
}

type testHarness struct {
	conn        *gorm.DB
	client      *dbpkg.Client
	ledgerSvc   ledger.Service
	withdrawSvc Service
	sink        *fakeOutbox
	accountID   uuid.UUID
}

// newHarness builds the real ledger gateway and withdrawal service over
// sqlite and seeds one seller account with available funds.
func newHarness(t *testing.T, availableCents int64) *testHarness {
	t.Helper()

	conn := setupWithdrawalsTestDB(t)
	client, err := dbpkg.NewWithConn(conn)
	require.NoError(t, err)

	logg := logger.New(logger.Options{ServiceName: "withdrawals-test", Output: io.Discard})
	sink := &fakeOutbox{}

	ledgerSvc, err := ledger.NewService(ledger.ServiceParams{
		Repository: ledger.NewRepository(conn),
		Tx:         client,
		Outbox:     sink,
		Logger:     logg,
	})
	require.NoError(t, err)

	withdrawSvc, err := NewService(ServiceParams{
		Repository:           NewRepository(conn),
		Tx:                   client,
		Ledger:               ledgerSvc,
		Outbox:               sink,
		Logger:               logg,
		MinimumWithdrawCents: 1000,
	})
	require.NoError(t, err)

	harness := &testHarness{
		conn:        conn,
		client:      client,
		ledgerSvc:   ledgerSvc,
		withdrawSvc: withdrawSvc,
		sink:        sink,
	}

	if availableCents > 0 {
		ctx := context.Background()
		ownerID := uuid.New()
		_, err = ledgerSvc.Credit(ctx, ledger.CreditInput{
			OwnerType:   enums.OwnerTypeSeller,
			OwnerID:     ownerID,
			Type:        enums.LedgerTransactionTypeCreditSale,
			AmountCents: availableCents,
			SourceType:  enums.SourceTypeOrder,
			SourceRef:   uuid.NewString(),
			Hold:        ledger.Immediate(),
		})
		require.NoError(t, err)

		account, err := ledgerSvc.GetAccountByOwner(ctx, enums.OwnerTypeSeller, ownerID)
		require.NoError(t, err)
		harness.accountID = account.ID
	}
	return harness
}

func (h *testHarness) balance(t *testing.T) ledger.Balance {
	t.Helper()
	balance, err := h.ledgerSvc.GetBalance(context.Background(), h.accountID)
	require.NoError(t, err)
	return balance
}

func TestWithdrawal_HappyPath(t *testing.T) {
	h := newHarness(t, 10000)
	ctx := context.Background()
	operator := uuid.New()

	withdrawal, err := h.withdrawSvc.Request(ctx, RequestInput{
		AccountID:   h.accountID,
		AmountCents: 3000,
		RequestedBy: uuid.New(),
	})
	require.NoError(t, err)
	require.Equal(t, enums.WithdrawalStatusPending, withdrawal.Status)
	assert.Equal(t, ledger.Balance{AvailableCents: 7000, BlockedCents: 3000}, h.balance(t))

	_, err = h.withdrawSvc.Approve(ctx, ActionInput{WithdrawalID: withdrawal.ID, OperatorID: operator})
	require.NoError(t, err)
	// Approval moves no money.
	assert.Equal(t, ledger.Balance{AvailableCents: 7000, BlockedCents: 3000}, h.balance(t))

	_, err = h.withdrawSvc.StartProcessing(ctx, ActionInput{WithdrawalID: withdrawal.ID, OperatorID: operator})
	require.NoError(t, err)

	completed, err := h.withdrawSvc.Complete(ctx, CompleteInput{
		WithdrawalID:         withdrawal.ID,
		OperatorID:           operator,
		TransactionReference: "payout-ref-42",
	})
	require.NoError(t, err)
	require.Equal(t, enums.WithdrawalStatusCompleted, completed.Status)
	assert.Equal(t, ledger.Balance{AvailableCents: 7000}, h.balance(t))

	stored, err := h.withdrawSvc.Get(ctx, withdrawal.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.TransactionReference)
	assert.Equal(t, "payout-ref-42", *stored.TransactionReference)
	require.NotNil(t, stored.ProcessedAt)

	account, err := h.ledgerSvc.GetAccount(ctx, h.accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), account.TotalWithdrawnCents)

	recomputed, err := h.ledgerSvc.Recompute(ctx, h.accountID)
	require.NoError(t, err)
	assert.Equal(t, recomputed, h.balance(t))
}

func TestRequest_BelowMinimumRejected(t *testing.T) {
	h := newHarness(t, 10000)

	_, err := h.withdrawSvc.Request(context.Background(), RequestInput{
		AccountID:   h.accountID,
		AmountCents: 500,
		RequestedBy: uuid.New(),
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))
	assert.Equal(t, ledger.Balance{AvailableCents: 10000}, h.balance(t))
}

func TestRequest_InsufficientFundsRollsBackWithdrawalRow(t *testing.T) {
	h := newHarness(t, 2000)

	_, err := h.withdrawSvc.Request(context.Background(), RequestInput{
		AccountID:   h.accountID,
		AmountCents: 5000,
		RequestedBy: uuid.New(),
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInsufficientFunds))

	var count int64
	require.NoError(t, h.conn.Table("withdrawals").Count(&count).Error)
	assert.Zero(t, count, "failed request must leave no withdrawal row")
	assert.Equal(t, ledger.Balance{AvailableCents: 2000}, h.balance(t))
}

func TestReject_RestoresFundsAndRecordsReason(t *testing.T) {
	h := newHarness(t, 5000)
	ctx := context.Background()

	withdrawal, err := h.withdrawSvc.Request(ctx, RequestInput{
		AccountID:   h.accountID,
		AmountCents: 2000,
		RequestedBy: uuid.New(),
	})
	require.NoError(t, err)

	rejected, err := h.withdrawSvc.Reject(ctx, RejectInput{
		WithdrawalID: withdrawal.ID,
		OperatorID:   uuid.New(),
		Reason:       "payout details failed verification",
	})
	require.NoError(t, err)
	require.Equal(t, enums.WithdrawalStatusRejected, rejected.Status)
	assert.Equal(t, ledger.Balance{AvailableCents: 5000}, h.balance(t))

	stored, err := h.withdrawSvc.Get(ctx, withdrawal.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.RejectReason)
	assert.Equal(t, "payout details failed verification", *stored.RejectReason)
}

func TestCancel_FromApprovedReleasesReservation(t *testing.T) {
	h := newHarness(t, 5000)
	ctx := context.Background()

	withdrawal, err := h.withdrawSvc.Request(ctx, RequestInput{
		AccountID:   h.accountID,
		AmountCents: 2000,
		RequestedBy: uuid.New(),
	})
	require.NoError(t, err)

	_, err = h.withdrawSvc.Approve(ctx, ActionInput{WithdrawalID: withdrawal.ID, OperatorID: uuid.New()})
	require.NoError(t, err)

	cancelled, err := h.withdrawSvc.Cancel(ctx, CancelInput{WithdrawalID: withdrawal.ID, CancelledBy: uuid.New()})
	require.NoError(t, err)
	require.Equal(t, enums.WithdrawalStatusCancelled, cancelled.Status)
	assert.Equal(t, ledger.Balance{AvailableCents: 5000}, h.balance(t))

	recomputed, err := h.ledgerSvc.Recompute(ctx, h.accountID)
	require.NoError(t, err)
	assert.Equal(t, recomputed, h.balance(t))
}

func TestTransition_IllegalMovesRejected(t *testing.T) {
	h := newHarness(t, 10000)
	ctx := context.Background()
	operator := uuid.New()

	withdrawal, err := h.withdrawSvc.Request(ctx, RequestInput{
		AccountID:   h.accountID,
		AmountCents: 2000,
		RequestedBy: uuid.New(),
	})
	require.NoError(t, err)

	// Completing straight from PENDING skips approval.
	_, err = h.withdrawSvc.Complete(ctx, CompleteInput{
		WithdrawalID:         withdrawal.ID,
		OperatorID:           operator,
		TransactionReference: "ref",
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeStateConflict))

	_, err = h.withdrawSvc.Approve(ctx, ActionInput{WithdrawalID: withdrawal.ID, OperatorID: operator})
	require.NoError(t, err)
	_, err = h.withdrawSvc.Complete(ctx, CompleteInput{
		WithdrawalID:         withdrawal.ID,
		OperatorID:           operator,
		TransactionReference: "ref",
	})
	require.NoError(t, err)

	// Terminal states accept nothing further.
	_, err = h.withdrawSvc.Complete(ctx, CompleteInput{
		WithdrawalID:         withdrawal.ID,
		OperatorID:           operator,
		TransactionReference: "ref-2",
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeStateConflict))

	_, err = h.withdrawSvc.Cancel(ctx, CancelInput{WithdrawalID: withdrawal.ID, CancelledBy: uuid.New()})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeStateConflict))

	assert.Equal(t, ledger.Balance{AvailableCents: 8000}, h.balance(t))
}

func TestListStalled_SurfacesOldProcessingRows(t *testing.T) {
	h := newHarness(t, 10000)
	ctx := context.Background()
	operator := uuid.New()

	withdrawal, err := h.withdrawSvc.Request(ctx, RequestInput{
		AccountID:   h.accountID,
		AmountCents: 2000,
		RequestedBy: uuid.New(),
	})
	require.NoError(t, err)
	_, err = h.withdrawSvc.Approve(ctx, ActionInput{WithdrawalID: withdrawal.ID, OperatorID: operator})
	require.NoError(t, err)
	_, err = h.withdrawSvc.StartProcessing(ctx, ActionInput{WithdrawalID: withdrawal.ID, OperatorID: operator})
	require.NoError(t, err)

	// Age the row past the operational timeout.
	stale := time.Now().Add(-48 * time.Hour)
	require.NoError(t, h.conn.Exec(
		"UPDATE withdrawals SET updated_at = ? WHERE id = ?", stale, withdrawal.ID).Error)

	stalled, err := h.withdrawSvc.ListStalled(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, withdrawal.ID, stalled[0].ID)

	// Still blocked: nothing is auto-cancelled.
	assert.Equal(t, ledger.Balance{AvailableCents: 8000, BlockedCents: 2000}, h.balance(t))
}
