package ledger

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

	dbpkg "github.com/tradeyard/tradeyard-backend/pkg/db"
	"github.com/tradeyard/tradeyard-backend/pkg/enums"
	pkgerrors "github.com/tradeyard/tradeyard-backend/pkg/errors"
	"github.com/tradeyard/tradeyard-backend/pkg/logger"
	"github.com/tradeyard/tradeyard-backend/pkg/outbox"
)

func setupLedgerTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	accounts := `
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
);`
	transactions := `
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
);`
	require.NoError(t, conn.Exec(accounts).Error)
	require.NoError(t, conn.Exec(transactions).Error)
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

func newTestService(t *testing.T) (Service, *dbpkg.Client, *fakeOutbox) {
	t.Helper()

	conn := setupLedgerTestDB(t)
	client, err := dbpkg.NewWithConn(conn)
	require.NoError(t, err)

	sink := &fakeOutbox{}
	svc, err := NewService(ServiceParams{
		Repository: NewRepository(conn),
		Tx:         client,
		Outbox:     sink,
		Logger:     logger.New(logger.Options{ServiceName: "ledger-test", Output: io.Discard}),
	})
	require.NoError(t, err)
	return svc, client, sink
}

func requireClosure(t *testing.T, svc Service, accountID uuid.UUID) {
	t.Helper()

	stored, err := svc.GetBalance(context.Background(), accountID)
	require.NoError(t, err)
	recomputed, err := svc.Recompute(context.Background(), accountID)
	require.NoError(t, err)
	require.Equal(t, recomputed, stored, "stored buckets must equal the log fold")
}

func TestCredit_HeldThenPromotedAndWithdrawn(t *testing.T) {
	svc, client, _ := newTestService(t)
	ctx := context.Background()
	sellerID := uuid.New()
	orderID := uuid.NewString()

	row, err := svc.Credit(ctx, CreditInput{
		OwnerType:   enums.OwnerTypeSeller,
		OwnerID:     sellerID,
		Type:        enums.LedgerTransactionTypeCreditCommission,
		AmountCents: 5000,
		SourceType:  enums.SourceTypeOrder,
		SourceRef:   orderID,
		Hold:        HoldUntilEvent(),
	})
	require.NoError(t, err)
	require.Equal(t, enums.LedgerTransactionStatusPending, row.Status)

	account, err := svc.GetAccountByOwner(ctx, enums.OwnerTypeSeller, sellerID)
	require.NoError(t, err)

	balance, err := svc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, Balance{PendingCents: 5000}, balance)
	requireClosure(t, svc, account.ID)

	promoted, err := svc.PromoteBySource(ctx, enums.SourceTypeOrder, orderID, enums.LedgerTransactionTypeCreditCommission)
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	balance, err = svc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, Balance{AvailableCents: 5000}, balance)

	withdrawalID := uuid.New()
	err = client.WithTx(ctx, func(tx *gorm.DB) error {
		_, reserveErr := svc.Reserve(ctx, tx, ReservationInput{
			AccountID:    account.ID,
			WithdrawalID: withdrawalID,
			AmountCents:  3000,
		})
		return reserveErr
	})
	require.NoError(t, err)

	balance, err = svc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, Balance{AvailableCents: 2000, BlockedCents: 3000}, balance)
	requireClosure(t, svc, account.ID)

	err = client.WithTx(ctx, func(tx *gorm.DB) error {
		return svc.Settle(ctx, tx, ReservationInput{
			AccountID:    account.ID,
			WithdrawalID: withdrawalID,
			AmountCents:  3000,
		})
	})
	require.NoError(t, err)

	balance, err = svc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, Balance{AvailableCents: 2000}, balance)
	requireClosure(t, svc, account.ID)

	account, err = svc.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), account.TotalWithdrawnCents)
	assert.Equal(t, int64(5000), account.TotalEarnedCents)
}

func TestCredit_DuplicateSourceIsSilentSuccess(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	input := CreditInput{
		OwnerType:   enums.OwnerTypeSeller,
		OwnerID:     uuid.New(),
		Type:        enums.LedgerTransactionTypeCreditSale,
		AmountCents: 2500,
		SourceType:  enums.SourceTypeOrder,
		SourceRef:   uuid.NewString(),
		Hold:        Immediate(),
	}

	first, err := svc.Credit(ctx, input)
	require.NoError(t, err)
	second, err := svc.Credit(ctx, input)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	account, err := svc.GetAccountByOwner(ctx, input.OwnerType, input.OwnerID)
	require.NoError(t, err)
	balance, err := svc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, Balance{AvailableCents: 2500}, balance)
	assert.Equal(t, int64(2500), account.TotalEarnedCents)

	rows, _, err := svc.ListTransactions(ctx, ListTransactionsInput{AccountID: account.ID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestReserve_InsufficientFundsRejectedWithoutStateChange(t *testing.T) {
	svc, client, _ := newTestService(t)
	ctx := context.Background()
	sellerID := uuid.New()

	_, err := svc.Credit(ctx, CreditInput{
		OwnerType:   enums.OwnerTypeSeller,
		OwnerID:     sellerID,
		Type:        enums.LedgerTransactionTypeCreditSale,
		AmountCents: 1000,
		SourceType:  enums.SourceTypeOrder,
		SourceRef:   uuid.NewString(),
		Hold:        Immediate(),
	})
	require.NoError(t, err)

	account, err := svc.GetAccountByOwner(ctx, enums.OwnerTypeSeller, sellerID)
	require.NoError(t, err)

	err = client.WithTx(ctx, func(tx *gorm.DB) error {
		_, reserveErr := svc.Reserve(ctx, tx, ReservationInput{
			AccountID:    account.ID,
			WithdrawalID: uuid.New(),
			AmountCents:  2000,
		})
		return reserveErr
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInsufficientFunds))

	balance, err := svc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, Balance{AvailableCents: 1000}, balance)
	requireClosure(t, svc, account.ID)
}

func TestRelease_RestoresAvailableExactlyOnce(t *testing.T) {
	svc, client, _ := newTestService(t)
	ctx := context.Background()
	sellerID := uuid.New()

	_, err := svc.Credit(ctx, CreditInput{
		OwnerType:   enums.OwnerTypeSeller,
		OwnerID:     sellerID,
		Type:        enums.LedgerTransactionTypeCreditSale,
		AmountCents: 5000,
		SourceType:  enums.SourceTypeOrder,
		SourceRef:   uuid.NewString(),
		Hold:        Immediate(),
	})
	require.NoError(t, err)

	account, err := svc.GetAccountByOwner(ctx, enums.OwnerTypeSeller, sellerID)
	require.NoError(t, err)

	withdrawalID := uuid.New()
	reservation := ReservationInput{AccountID: account.ID, WithdrawalID: withdrawalID, AmountCents: 3000}
	err = client.WithTx(ctx, func(tx *gorm.DB) error {
		_, reserveErr := svc.Reserve(ctx, tx, reservation)
		return reserveErr
	})
	require.NoError(t, err)

	err = client.WithTx(ctx, func(tx *gorm.DB) error {
		return svc.Release(ctx, tx, reservation)
	})
	require.NoError(t, err)

	balance, err := svc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, Balance{AvailableCents: 5000}, balance)
	requireClosure(t, svc, account.ID)

	// The reserve row is already cancelled; a second release must not
	// double-restore.
	err = client.WithTx(ctx, func(tx *gorm.DB) error {
		return svc.Release(ctx, tx, reservation)
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeStateConflict))

	balance, err = svc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, Balance{AvailableCents: 5000}, balance)
}

func TestPromoteDue_IsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	affiliateID := uuid.New()

	due := time.Now().Add(-time.Hour)
	_, err := svc.Credit(ctx, CreditInput{
		OwnerType:   enums.OwnerTypeAffiliate,
		OwnerID:     affiliateID,
		Type:        enums.LedgerTransactionTypeCreditCommission,
		AmountCents: 700,
		SourceType:  enums.SourceTypeOrder,
		SourceRef:   uuid.NewString(),
		Hold:        HoldUntil(due),
	})
	require.NoError(t, err)

	promoted, err := svc.PromoteDue(ctx, time.Now(), 50)
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	promoted, err = svc.PromoteDue(ctx, time.Now(), 50)
	require.NoError(t, err)
	require.Equal(t, 0, promoted)

	account, err := svc.GetAccountByOwner(ctx, enums.OwnerTypeAffiliate, affiliateID)
	require.NoError(t, err)
	balance, err := svc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, Balance{AvailableCents: 700}, balance)
	requireClosure(t, svc, account.ID)
}

func TestExpireDue_ClawsBackUnspentCashback(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	customerID := uuid.New()

	expired := time.Now().Add(-time.Minute)
	_, err := svc.Credit(ctx, CreditInput{
		OwnerType:   enums.OwnerTypeCustomerCashback,
		OwnerID:     customerID,
		Type:        enums.LedgerTransactionTypeCreditCashback,
		AmountCents: 1200,
		SourceType:  enums.SourceTypeOrder,
		SourceRef:   uuid.NewString(),
		Hold:        ImmediateWithExpiry(expired),
	})
	require.NoError(t, err)

	account, err := svc.GetAccountByOwner(ctx, enums.OwnerTypeCustomerCashback, customerID)
	require.NoError(t, err)
	balance, err := svc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, Balance{AvailableCents: 1200}, balance)

	count, err := svc.ExpireDue(ctx, time.Now(), 50)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	balance, err = svc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, Balance{}, balance)
	requireClosure(t, svc, account.ID)

	// Replaying the sweep applies nothing.
	count, err = svc.ExpireDue(ctx, time.Now(), 50)
	require.NoError(t, err)
	require.Equal(t, 0, count)

	rows, _, err := svc.ListTransactions(ctx, ListTransactionsInput{AccountID: account.ID})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	types := []enums.LedgerTransactionType{rows[0].Type, rows[1].Type}
	assert.Contains(t, types, enums.LedgerTransactionTypeExpiry)
}

func TestReverseBySource_CancelsPendingAndAdjustsAvailable(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	orderID := uuid.NewString()
	sellerID := uuid.New()
	customerID := uuid.New()

	_, err := svc.Credit(ctx, CreditInput{
		OwnerType:   enums.OwnerTypeSeller,
		OwnerID:     sellerID,
		Type:        enums.LedgerTransactionTypeCreditSale,
		AmountCents: 4000,
		SourceType:  enums.SourceTypeOrder,
		SourceRef:   orderID,
		Hold:        HoldUntilEvent(),
	})
	require.NoError(t, err)

	_, err = svc.Credit(ctx, CreditInput{
		OwnerType:   enums.OwnerTypeCustomerCashback,
		OwnerID:     customerID,
		Type:        enums.LedgerTransactionTypeCreditCashback,
		AmountCents: 300,
		SourceType:  enums.SourceTypeOrder,
		SourceRef:   orderID,
		Hold:        ImmediateWithExpiry(time.Now().Add(24 * time.Hour)),
	})
	require.NoError(t, err)

	reversed, err := svc.ReverseBySource(ctx, enums.SourceTypeOrder, orderID)
	require.NoError(t, err)
	require.Equal(t, 2, reversed)

	seller, err := svc.GetAccountByOwner(ctx, enums.OwnerTypeSeller, sellerID)
	require.NoError(t, err)
	balance, err := svc.GetBalance(ctx, seller.ID)
	require.NoError(t, err)
	assert.Equal(t, Balance{}, balance)
	requireClosure(t, svc, seller.ID)

	customer, err := svc.GetAccountByOwner(ctx, enums.OwnerTypeCustomerCashback, customerID)
	require.NoError(t, err)
	balance, err = svc.GetBalance(ctx, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, Balance{}, balance)
	requireClosure(t, svc, customer.ID)

	// Replay is harmless; everything is already cancelled.
	reversed, err = svc.ReverseBySource(ctx, enums.SourceTypeOrder, orderID)
	require.NoError(t, err)
	require.Equal(t, 0, reversed)
}

func TestReverseBySource_UnderflowIsRejectedNotClamped(t *testing.T) {
	svc, client, _ := newTestService(t)
	ctx := context.Background()
	orderID := uuid.NewString()
	sellerID := uuid.New()

	_, err := svc.Credit(ctx, CreditInput{
		OwnerType:   enums.OwnerTypeSeller,
		OwnerID:     sellerID,
		Type:        enums.LedgerTransactionTypeCreditSale,
		AmountCents: 1000,
		SourceType:  enums.SourceTypeOrder,
		SourceRef:   orderID,
		Hold:        Immediate(),
	})
	require.NoError(t, err)

	account, err := svc.GetAccountByOwner(ctx, enums.OwnerTypeSeller, sellerID)
	require.NoError(t, err)

	// Most of the credit has already been withdrawn.
	withdrawalID := uuid.New()
	reservation := ReservationInput{AccountID: account.ID, WithdrawalID: withdrawalID, AmountCents: 800}
	err = client.WithTx(ctx, func(tx *gorm.DB) error {
		_, reserveErr := svc.Reserve(ctx, tx, reservation)
		return reserveErr
	})
	require.NoError(t, err)
	err = client.WithTx(ctx, func(tx *gorm.DB) error {
		return svc.Settle(ctx, tx, reservation)
	})
	require.NoError(t, err)

	_, err = svc.ReverseBySource(ctx, enums.SourceTypeOrder, orderID)
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInsufficientFunds))

	balance, err := svc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, Balance{AvailableCents: 200}, balance)
	requireClosure(t, svc, account.ID)
}

func TestStampAvailableAt_OnlySetsUnstampedRows(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	orderID := uuid.NewString()

	_, err := svc.Credit(ctx, CreditInput{
		OwnerType:   enums.OwnerTypeAffiliate,
		OwnerID:     uuid.New(),
		Type:        enums.LedgerTransactionTypeCreditCommission,
		AmountCents: 900,
		SourceType:  enums.SourceTypeOrder,
		SourceRef:   orderID,
		Hold:        HoldUntilEvent(),
	})
	require.NoError(t, err)

	grace := time.Now().Add(7 * 24 * time.Hour)
	stamped, err := svc.StampAvailableAt(ctx, enums.SourceTypeOrder, orderID, enums.LedgerTransactionTypeCreditCommission, grace)
	require.NoError(t, err)
	require.Equal(t, 1, stamped)

	// A replayed delivery webhook must not move the date.
	stamped, err = svc.StampAvailableAt(ctx, enums.SourceTypeOrder, orderID, enums.LedgerTransactionTypeCreditCommission, grace.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 0, stamped)
}

func TestFrozenAccount_RejectsAutomatedMutation(t *testing.T) {
	svc, _, sink := newTestService(t)
	ctx := context.Background()
	sellerID := uuid.New()
	orderID := uuid.NewString()

	_, err := svc.Credit(ctx, CreditInput{
		OwnerType:   enums.OwnerTypeSeller,
		OwnerID:     sellerID,
		Type:        enums.LedgerTransactionTypeCreditSale,
		AmountCents: 1000,
		SourceType:  enums.SourceTypeOrder,
		SourceRef:   orderID,
		Hold:        Immediate(),
	})
	require.NoError(t, err)

	account, err := svc.GetAccountByOwner(ctx, enums.OwnerTypeSeller, sellerID)
	require.NoError(t, err)

	stored, err := svc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	require.NoError(t, svc.FlagDrift(ctx, account.ID, stored, Balance{}))

	_, err = svc.Credit(ctx, CreditInput{
		OwnerType:   enums.OwnerTypeSeller,
		OwnerID:     sellerID,
		Type:        enums.LedgerTransactionTypeCreditSale,
		AmountCents: 500,
		SourceType:  enums.SourceTypeOrder,
		SourceRef:   uuid.NewString(),
		Hold:        Immediate(),
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeLedgerDrift))

	var sawDrift bool
	for _, event := range sink.events {
		if event.EventType == enums.EventLedgerDriftDetected {
			sawDrift = true
		}
	}
	require.True(t, sawDrift, "drift event should be emitted")
}

func TestListTransactions_PagesNewestFirst(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	sellerID := uuid.New()

	for i := 0; i < 5; i++ {
		_, err := svc.Credit(ctx, CreditInput{
			OwnerType:   enums.OwnerTypeSeller,
			OwnerID:     sellerID,
			Type:        enums.LedgerTransactionTypeCreditSale,
			AmountCents: int64(100 * (i + 1)),
			SourceType:  enums.SourceTypeOrder,
			SourceRef:   uuid.NewString(),
			Hold:        Immediate(),
		})
		require.NoError(t, err)
	}

	account, err := svc.GetAccountByOwner(ctx, enums.OwnerTypeSeller, sellerID)
	require.NoError(t, err)

	page, next, err := svc.ListTransactions(ctx, ListTransactionsInput{AccountID: account.ID, Limit: 3})
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.NotEmpty(t, next)

	rest, _, err := svc.ListTransactions(ctx, ListTransactionsInput{AccountID: account.ID, Limit: 3, Cursor: next})
	require.NoError(t, err)
	require.Len(t, rest, 2)

	seen := map[uuid.UUID]bool{}
	for _, row := range append(page, rest...) {
		require.False(t, seen[row.ID], "no row may appear on two pages")
		seen[row.ID] = true
	}
}
