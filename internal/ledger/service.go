package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/tradeyard/tradeyard-backend/pkg/db"
	"github.com/tradeyard/tradeyard-backend/pkg/db/models"
	"github.com/tradeyard/tradeyard-backend/pkg/enums"
	pkgerrors "github.com/tradeyard/tradeyard-backend/pkg/errors"
	"github.com/tradeyard/tradeyard-backend/pkg/logger"
	"github.com/tradeyard/tradeyard-backend/pkg/metrics"
	"github.com/tradeyard/tradeyard-backend/pkg/outbox"
	"github.com/tradeyard/tradeyard-backend/pkg/pagination"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service is the single mutation gateway for ledger accounts. Every bucket
// change pairs a log append with the account update inside one database
// transaction; no other code path may touch the balance columns.
type Service interface {
	Credit(ctx context.Context, input CreditInput) (*models.LedgerTransaction, error)
	Reserve(ctx context.Context, tx *gorm.DB, input ReservationInput) (*models.LedgerTransaction, error)
	Settle(ctx context.Context, tx *gorm.DB, input ReservationInput) error
	Release(ctx context.Context, tx *gorm.DB, input ReservationInput) error

	PromoteBySource(ctx context.Context, sourceType enums.SourceType, sourceRef string, txType enums.LedgerTransactionType) (int, error)
	StampAvailableAt(ctx context.Context, sourceType enums.SourceType, sourceRef string, txType enums.LedgerTransactionType, at time.Time) (int, error)
	ReverseBySource(ctx context.Context, sourceType enums.SourceType, sourceRef string) (int, error)
	PromoteDue(ctx context.Context, now time.Time, limit int) (int, error)
	ExpireDue(ctx context.Context, now time.Time, limit int) (int, error)

	GetAccount(ctx context.Context, accountID uuid.UUID) (*models.LedgerAccount, error)
	GetAccountByOwner(ctx context.Context, ownerType enums.OwnerType, ownerID uuid.UUID) (*models.LedgerAccount, error)
	GetBalance(ctx context.Context, accountID uuid.UUID) (Balance, error)
	Recompute(ctx context.Context, accountID uuid.UUID) (Balance, error)
	ListTransactions(ctx context.Context, input ListTransactionsInput) ([]models.LedgerTransaction, string, error)
	ListAccountIDs(ctx context.Context) ([]uuid.UUID, error)
	FlagDrift(ctx context.Context, accountID uuid.UUID, stored, recomputed Balance) error
}

type service struct {
	repo    Repository
	tx      txRunner
	outbox  outboxPublisher
	logg    *logger.Logger
	metrics *metrics.LedgerMetrics
}

// ServiceParams wires the ledger gateway dependencies.
type ServiceParams struct {
	Repository Repository
	Tx         txRunner
	Outbox     outboxPublisher
	Logger     *logger.Logger
	Metrics    *metrics.LedgerMetrics
}

// Balance is the bucket triple for one account.
type Balance struct {
	AvailableCents int64 `json:"available_cents"`
	PendingCents   int64 `json:"pending_cents"`
	BlockedCents   int64 `json:"blocked_cents"`
}

// Equal reports whether two balances agree bucket for bucket.
func (b Balance) Equal(other Balance) bool {
	return b == other
}

// CreditInput captures one earning event entering an account.
type CreditInput struct {
	OwnerType   enums.OwnerType
	OwnerID     uuid.UUID
	Type        enums.LedgerTransactionType
	AmountCents int64
	SourceType  enums.SourceType
	SourceRef   string
	Hold        HoldPolicy
	Metadata    json.RawMessage
}

// ReservationInput drives the withdrawal-side bucket moves. The withdrawal
// service calls Reserve/Settle/Release inside its own transaction so the
// withdrawal row and the ledger rows commit together.
type ReservationInput struct {
	AccountID    uuid.UUID
	WithdrawalID uuid.UUID
	AmountCents  int64
}

// ListTransactionsInput narrows and pages the per-account log read.
type ListTransactionsInput struct {
	AccountID uuid.UUID
	Filter    TransactionFilter
	Limit     int
	Cursor    string
}

// CreditRecordedEvent is emitted when a credit lands in an account.
type CreditRecordedEvent struct {
	AccountID     uuid.UUID                   `json:"account_id"`
	TransactionID uuid.UUID                   `json:"transaction_id"`
	Type          enums.LedgerTransactionType `json:"type"`
	AmountCents   int64                       `json:"amount_cents"`
	SourceType    enums.SourceType            `json:"source_type"`
	SourceRef     string                      `json:"source_ref"`
}

// CreditPromotedEvent is emitted when a pending credit becomes spendable.
type CreditPromotedEvent struct {
	AccountID     uuid.UUID `json:"account_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	AmountCents   int64     `json:"amount_cents"`
}

// CreditsExpiredEvent is emitted once per account per expiry run.
type CreditsExpiredEvent struct {
	AccountID   uuid.UUID `json:"account_id"`
	AmountCents int64     `json:"amount_cents"`
	Count       int       `json:"count"`
	RunID       string    `json:"run_id"`
}

// CreditReversedEvent is emitted when a refund claws a credit back.
type CreditReversedEvent struct {
	AccountID     uuid.UUID `json:"account_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	AmountCents   int64     `json:"amount_cents"`
	SourceRef     string    `json:"source_ref"`
}

// DriftDetectedEvent is emitted when reconciliation freezes an account.
type DriftDetectedEvent struct {
	AccountID  uuid.UUID `json:"account_id"`
	Stored     Balance   `json:"stored"`
	Recomputed Balance   `json:"recomputed"`
}

var errDuplicateCredit = errors.New("duplicate credit")

// NewService builds the ledger mutation gateway.
func NewService(params ServiceParams) (Service, error) {
	if params.Repository == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:    params.Repository,
		tx:      params.Tx,
		outbox:  params.Outbox,
		logg:    params.Logger,
		metrics: params.Metrics,
	}, nil
}

func (input CreditInput) validate() error {
	if !input.OwnerType.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid owner type %q", input.OwnerType))
	}
	if input.OwnerID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "owner id is required")
	}
	if !input.Type.IsCredit() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("type %q is not a credit", input.Type))
	}
	if input.AmountCents <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "credit amount must be positive").
			WithDetails(map[string]any{"amount_cents": input.AmountCents})
	}
	if !input.SourceType.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid source type %q", input.SourceType))
	}
	if input.SourceRef == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "source ref is required")
	}
	return input.Hold.Validate()
}

// Credit appends one immutable log row and moves exactly one bucket.
// Replaying the same (account, sourceType, sourceRef, type) is a silent
// success returning the already-recorded row, so upstream retries are safe.
func (s *service) Credit(ctx context.Context, input CreditInput) (*models.LedgerTransaction, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	var row *models.LedgerTransaction
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		account, err := s.lockAccountByOwner(ctx, repo, input.OwnerType, input.OwnerID)
		if err != nil {
			return err
		}
		if account.Frozen() {
			return frozenError(account)
		}

		existing, err := repo.FindTransactionBySource(ctx, account.ID, input.SourceType, input.SourceRef, input.Type)
		if err == nil {
			row = existing
			return errDuplicateCredit
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check duplicate credit")
		}

		bucket := enums.LedgerBucketAvailable
		status := enums.LedgerTransactionStatusAvailable
		before := account.AvailableCents
		if input.Hold.holds() {
			bucket = enums.LedgerBucketPending
			status = enums.LedgerTransactionStatusPending
			before = account.PendingCents
		}

		row = &models.LedgerTransaction{
			AccountID:          account.ID,
			Type:               input.Type,
			Status:             status,
			Bucket:             bucket,
			AmountCents:        input.AmountCents,
			BalanceBeforeCents: before,
			BalanceAfterCents:  before + input.AmountCents,
			SourceType:         input.SourceType,
			SourceRef:          input.SourceRef,
			AvailableAt:        input.Hold.AvailableAt,
			ExpiresAt:          input.Hold.ExpiresAt,
			Metadata:           input.Metadata,
		}
		if err := repo.CreateTransaction(ctx, row); err != nil {
			if dbpkg.IsUniqueViolation(err, "ux_ledger_transactions_source") {
				row = nil
				return errDuplicateCredit
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append credit row")
		}

		if bucket == enums.LedgerBucketPending {
			account.PendingCents += input.AmountCents
		} else {
			account.AvailableCents += input.AmountCents
		}
		account.TotalEarnedCents += input.AmountCents
		if err := repo.SaveAccountBuckets(ctx, account); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update account buckets")
		}

		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventLedgerCredited,
			AggregateType: enums.AggregateLedgerTransaction,
			AggregateID:   row.ID,
			Data: CreditRecordedEvent{
				AccountID:     account.ID,
				TransactionID: row.ID,
				Type:          input.Type,
				AmountCents:   input.AmountCents,
				SourceType:    input.SourceType,
				SourceRef:     input.SourceRef,
			},
			Version: 1,
		})
	})
	if errors.Is(err, errDuplicateCredit) {
		if row == nil {
			// Lost the insert race; the winning row is committed.
			account, lookupErr := s.repo.FindAccountByOwner(ctx, input.OwnerType, input.OwnerID)
			if lookupErr != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, lookupErr, "find account after duplicate credit")
			}
			existing, lookupErr := s.repo.FindTransactionBySource(ctx, account.ID, input.SourceType, input.SourceRef, input.Type)
			if lookupErr != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, lookupErr, "find credit after duplicate")
			}
			row = existing
		}
		return row, nil
	}
	if err != nil {
		return nil, err
	}

	s.metrics.IncCredit(string(input.Type))
	return row, nil
}

// Reserve earmarks funds for an in-flight withdrawal, moving amount from
// available to blocked. Exactly one reserve row can exist per withdrawal.
func (s *service) Reserve(ctx context.Context, tx *gorm.DB, input ReservationInput) (*models.LedgerTransaction, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "transaction required")
	}

	repo := s.repo.WithTx(tx)
	account, err := repo.FindAccountForUpdate(ctx, input.AccountID)
	if err != nil {
		return nil, accountLookupError(err, input.AccountID)
	}
	if account.Frozen() {
		return nil, frozenError(account)
	}
	if account.AvailableCents < input.AmountCents {
		return nil, pkgerrors.New(pkgerrors.CodeInsufficientFunds, "available balance below requested amount").
			WithDetails(map[string]any{
				"account_id":       account.ID.String(),
				"requested_cents":  input.AmountCents,
				"available_cents":  account.AvailableCents,
				"pending_cents":    account.PendingCents,
				"blocked_cents":    account.BlockedCents,
			})
	}

	row := &models.LedgerTransaction{
		AccountID:          account.ID,
		Type:               enums.LedgerTransactionTypeWithdrawalReserve,
		Status:             enums.LedgerTransactionStatusPending,
		Bucket:             enums.LedgerBucketBlocked,
		AmountCents:        input.AmountCents,
		BalanceBeforeCents: account.BlockedCents,
		BalanceAfterCents:  account.BlockedCents + input.AmountCents,
		SourceType:         enums.SourceTypeWithdrawal,
		SourceRef:          input.WithdrawalID.String(),
	}
	if err := repo.CreateTransaction(ctx, row); err != nil {
		if dbpkg.IsUniqueViolation(err, "ux_ledger_transactions_source") {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "withdrawal already has a reservation").
				WithDetails(map[string]any{"withdrawal_id": input.WithdrawalID.String()})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append reserve row")
	}

	account.AvailableCents -= input.AmountCents
	account.BlockedCents += input.AmountCents
	if err := repo.SaveAccountBuckets(ctx, account); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update account buckets")
	}
	return row, nil
}

// Settle permanently removes reserved funds from the ledger after a
// successful external payout. The reserve row flips to settled and an
// audit row records the debit.
func (s *service) Settle(ctx context.Context, tx *gorm.DB, input ReservationInput) error {
	if err := input.validate(); err != nil {
		return err
	}
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "transaction required")
	}

	repo := s.repo.WithTx(tx)
	account, err := repo.FindAccountForUpdate(ctx, input.AccountID)
	if err != nil {
		return accountLookupError(err, input.AccountID)
	}
	reserve, err := s.findReserveRow(ctx, repo, account.ID, input.WithdrawalID)
	if err != nil {
		return err
	}

	now := time.Now()
	flipped, err := repo.UpdateTransactionStatus(ctx, reserve.ID,
		enums.LedgerTransactionStatusPending, enums.LedgerTransactionStatusSettled, now)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "settle reserve row")
	}
	if !flipped {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "reservation is not in-flight").
			WithDetails(map[string]any{"withdrawal_id": input.WithdrawalID.String(), "status": reserve.Status})
	}

	if account.BlockedCents < input.AmountCents {
		return pkgerrors.New(pkgerrors.CodeInsufficientFunds, "blocked balance below settlement amount").
			WithDetails(map[string]any{
				"account_id":    account.ID.String(),
				"amount_cents":  input.AmountCents,
				"blocked_cents": account.BlockedCents,
			})
	}

	audit := &models.LedgerTransaction{
		AccountID:          account.ID,
		Type:               enums.LedgerTransactionTypeWithdrawalSettle,
		Status:             enums.LedgerTransactionStatusSettled,
		Bucket:             enums.LedgerBucketBlocked,
		AmountCents:        -input.AmountCents,
		BalanceBeforeCents: account.BlockedCents,
		BalanceAfterCents:  account.BlockedCents - input.AmountCents,
		SourceType:         enums.SourceTypeWithdrawal,
		SourceRef:          input.WithdrawalID.String(),
		StatusChangedAt:    &now,
	}
	if err := repo.CreateTransaction(ctx, audit); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append settle row")
	}

	account.BlockedCents -= input.AmountCents
	account.TotalWithdrawnCents += input.AmountCents
	if err := repo.SaveAccountBuckets(ctx, account); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update account buckets")
	}
	return nil
}

// Release returns reserved funds to the available bucket when a withdrawal
// is cancelled or rejected.
func (s *service) Release(ctx context.Context, tx *gorm.DB, input ReservationInput) error {
	if err := input.validate(); err != nil {
		return err
	}
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "transaction required")
	}

	repo := s.repo.WithTx(tx)
	account, err := repo.FindAccountForUpdate(ctx, input.AccountID)
	if err != nil {
		return accountLookupError(err, input.AccountID)
	}
	reserve, err := s.findReserveRow(ctx, repo, account.ID, input.WithdrawalID)
	if err != nil {
		return err
	}

	now := time.Now()
	flipped, err := repo.UpdateTransactionStatus(ctx, reserve.ID,
		enums.LedgerTransactionStatusPending, enums.LedgerTransactionStatusCancelled, now)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel reserve row")
	}
	if !flipped {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "reservation is not in-flight").
			WithDetails(map[string]any{"withdrawal_id": input.WithdrawalID.String(), "status": reserve.Status})
	}

	if account.BlockedCents < input.AmountCents {
		return pkgerrors.New(pkgerrors.CodeInsufficientFunds, "blocked balance below release amount").
			WithDetails(map[string]any{
				"account_id":    account.ID.String(),
				"amount_cents":  input.AmountCents,
				"blocked_cents": account.BlockedCents,
			})
	}

	audit := &models.LedgerTransaction{
		AccountID:          account.ID,
		Type:               enums.LedgerTransactionTypeWithdrawalRelease,
		Status:             enums.LedgerTransactionStatusCancelled,
		Bucket:             enums.LedgerBucketBlocked,
		AmountCents:        -input.AmountCents,
		BalanceBeforeCents: account.BlockedCents,
		BalanceAfterCents:  account.BlockedCents - input.AmountCents,
		SourceType:         enums.SourceTypeWithdrawal,
		SourceRef:          input.WithdrawalID.String(),
		StatusChangedAt:    &now,
	}
	if err := repo.CreateTransaction(ctx, audit); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append release row")
	}

	account.BlockedCents -= input.AmountCents
	account.AvailableCents += input.AmountCents
	if err := repo.SaveAccountBuckets(ctx, account); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update account buckets")
	}
	return nil
}

// PromoteBySource promotes all pending rows recorded against a source,
// used when the triggering business event (order delivered) fires.
func (s *service) PromoteBySource(ctx context.Context, sourceType enums.SourceType, sourceRef string, txType enums.LedgerTransactionType) (int, error) {
	rows, err := s.repo.ListTransactionsBySource(ctx, sourceType, sourceRef, []enums.LedgerTransactionType{txType})
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list source rows")
	}

	promoted := 0
	for _, row := range rows {
		if row.Status != enums.LedgerTransactionStatusPending {
			continue
		}
		applied, err := s.promoteRow(ctx, row)
		if err != nil {
			return promoted, err
		}
		if applied {
			promoted++
		}
	}
	return promoted, nil
}

// StampAvailableAt sets the promotion instant on pending rows that were
// credited under an event hold, converting them to a time hold. Rows that
// already carry an instant are left alone so replays cannot move the date.
func (s *service) StampAvailableAt(ctx context.Context, sourceType enums.SourceType, sourceRef string, txType enums.LedgerTransactionType, at time.Time) (int, error) {
	rows, err := s.repo.ListTransactionsBySource(ctx, sourceType, sourceRef, []enums.LedgerTransactionType{txType})
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list source rows")
	}

	stamped := 0
	for _, row := range rows {
		applied, err := s.repo.SetTransactionAvailableAt(ctx, row.ID, at)
		if err != nil {
			return stamped, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "stamp available_at")
		}
		if applied {
			stamped++
		}
	}
	return stamped, nil
}

// ReverseBySource claws back the credits recorded against a source when the
// originating order is refunded. Pending credits cancel outright; available
// credits cancel with an adjustment audit row, and the whole reversal fails
// if an account no longer holds enough available funds.
func (s *service) ReverseBySource(ctx context.Context, sourceType enums.SourceType, sourceRef string) (int, error) {
	rows, err := s.repo.ListTransactionsBySource(ctx, sourceType, sourceRef, []enums.LedgerTransactionType{
		enums.LedgerTransactionTypeCreditSale,
		enums.LedgerTransactionTypeCreditCommission,
		enums.LedgerTransactionTypeCreditCashback,
	})
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list source rows")
	}

	reversed := 0
	for _, row := range rows {
		if row.Status.IsTerminal() || row.Status == enums.LedgerTransactionStatusSettled {
			continue
		}
		applied, err := s.reverseRow(ctx, row, sourceRef)
		if err != nil {
			return reversed, err
		}
		if applied {
			reversed++
		}
	}
	return reversed, nil
}

// PromoteDue promotes pending rows whose availableAt has passed. Safe to
// run concurrently with itself; the guarded status flip applies once.
func (s *service) PromoteDue(ctx context.Context, now time.Time, limit int) (int, error) {
	rows, err := s.repo.ListPromotableDue(ctx, now, limit)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list promotable rows")
	}

	promoted := 0
	for _, row := range rows {
		applied, err := s.promoteRow(ctx, row)
		if err != nil {
			return promoted, err
		}
		if applied {
			promoted++
		}
	}
	return promoted, nil
}

// ExpireDue claws back available rows whose expiresAt has passed, batching
// the decrement into one expiry audit row per account per run.
func (s *service) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	rows, err := s.repo.ListExpirableDue(ctx, now, limit)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list expirable rows")
	}
	if len(rows) == 0 {
		return 0, nil
	}

	byAccount := map[uuid.UUID][]models.LedgerTransaction{}
	for _, row := range rows {
		byAccount[row.AccountID] = append(byAccount[row.AccountID], row)
	}

	runID := uuid.NewString()
	expired := 0
	for accountID, due := range byAccount {
		count, err := s.expireAccountRows(ctx, accountID, due, runID)
		if err != nil {
			return expired, err
		}
		expired += count
	}
	return expired, nil
}

func (s *service) GetAccount(ctx context.Context, accountID uuid.UUID) (*models.LedgerAccount, error) {
	account, err := s.repo.FindAccount(ctx, accountID)
	if err != nil {
		return nil, accountLookupError(err, accountID)
	}
	return account, nil
}

func (s *service) GetAccountByOwner(ctx context.Context, ownerType enums.OwnerType, ownerID uuid.UUID) (*models.LedgerAccount, error) {
	account, err := s.repo.FindAccountByOwner(ctx, ownerType, ownerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "ledger account not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find account by owner")
	}
	return account, nil
}

// GetBalance is the cheap read of the denormalized account row.
func (s *service) GetBalance(ctx context.Context, accountID uuid.UUID) (Balance, error) {
	account, err := s.repo.FindAccount(ctx, accountID)
	if err != nil {
		return Balance{}, accountLookupError(err, accountID)
	}
	return Balance{
		AvailableCents: account.AvailableCents,
		PendingCents:   account.PendingCents,
		BlockedCents:   account.BlockedCents,
	}, nil
}

// Recompute independently derives the bucket triple by folding the full
// transaction log. A correct ledger always agrees with GetBalance; the
// reconciliation job compares the two to catch drift.
func (s *service) Recompute(ctx context.Context, accountID uuid.UUID) (Balance, error) {
	rows, err := s.repo.ListTransactionsByAccount(ctx, accountID)
	if err != nil {
		return Balance{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list account rows")
	}
	return foldTransactions(rows), nil
}

func (s *service) ListTransactions(ctx context.Context, input ListTransactionsInput) ([]models.LedgerTransaction, string, error) {
	if input.AccountID == uuid.Nil {
		return nil, "", pkgerrors.New(pkgerrors.CodeValidation, "account id is required")
	}
	limit := pagination.NormalizeLimit(input.Limit)

	var cursor *pagination.Cursor
	if input.Cursor != "" {
		parsed, err := pagination.ParseCursor(input.Cursor)
		if err != nil {
			return nil, "", pkgerrors.New(pkgerrors.CodeValidation, "invalid cursor")
		}
		cursor = parsed
	}

	rows, err := s.repo.ListTransactions(ctx, input.AccountID, input.Filter, pagination.LimitWithBuffer(limit), cursor)
	if err != nil {
		return nil, "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list transactions")
	}

	next := ""
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[limit-1]
		next = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return rows, next, nil
}

func (s *service) ListAccountIDs(ctx context.Context) ([]uuid.UUID, error) {
	ids, err := s.repo.ListAccountIDs(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list account ids")
	}
	return ids, nil
}

// FlagDrift freezes an account whose stored buckets diverge from the log.
// Frozen accounts are rejected from automated mutation until an operator
// corrects them.
func (s *service) FlagDrift(ctx context.Context, accountID uuid.UUID, stored, recomputed Balance) error {
	account, err := s.repo.FindAccount(ctx, accountID)
	if err != nil {
		return accountLookupError(err, accountID)
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.FlagAccountDrift(ctx, accountID, time.Now()); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "flag account drift")
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventLedgerDriftDetected,
			AggregateType: enums.AggregateLedgerAccount,
			AggregateID:   accountID,
			Data: DriftDetectedEvent{
				AccountID:  accountID,
				Stored:     stored,
				Recomputed: recomputed,
			},
			Version: 1,
		})
	})
	if err != nil {
		return err
	}

	s.metrics.IncDrift(string(account.OwnerType))
	logCtx := s.logg.WithAccountID(ctx, accountID.String())
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"stored_available":     stored.AvailableCents,
		"stored_pending":       stored.PendingCents,
		"stored_blocked":       stored.BlockedCents,
		"recomputed_available": recomputed.AvailableCents,
		"recomputed_pending":   recomputed.PendingCents,
		"recomputed_blocked":   recomputed.BlockedCents,
	})
	s.logg.Error(logCtx, "ledger drift detected, account frozen", nil)
	return nil
}

func (input ReservationInput) validate() error {
	if input.AccountID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "account id is required")
	}
	if input.WithdrawalID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "withdrawal id is required")
	}
	if input.AmountCents <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive").
			WithDetails(map[string]any{"amount_cents": input.AmountCents})
	}
	return nil
}

// lockAccountByOwner finds or lazily creates the owner's account, then
// re-reads it under a row lock.
func (s *service) lockAccountByOwner(ctx context.Context, repo Repository, ownerType enums.OwnerType, ownerID uuid.UUID) (*models.LedgerAccount, error) {
	account, err := repo.FindAccountByOwner(ctx, ownerType, ownerID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		account = &models.LedgerAccount{OwnerType: ownerType, OwnerID: ownerID}
		if createErr := repo.CreateAccount(ctx, account); createErr != nil {
			if !dbpkg.IsUniqueViolation(createErr, "ux_ledger_accounts_owner") {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, createErr, "create ledger account")
			}
			account, err = repo.FindAccountByOwner(ctx, ownerType, ownerID)
			if err != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find account after create race")
			}
		}
	} else if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find account by owner")
	}

	locked, err := repo.FindAccountForUpdate(ctx, account.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock ledger account")
	}
	return locked, nil
}

func (s *service) findReserveRow(ctx context.Context, repo Repository, accountID, withdrawalID uuid.UUID) (*models.LedgerTransaction, error) {
	reserve, err := repo.FindTransactionBySource(ctx, accountID,
		enums.SourceTypeWithdrawal, withdrawalID.String(), enums.LedgerTransactionTypeWithdrawalReserve)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "reservation not found").
				WithDetails(map[string]any{"withdrawal_id": withdrawalID.String()})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find reserve row")
	}
	return reserve, nil
}

// promoteRow flips one pending row to available and moves its amount from
// pending to available inside a single transaction.
func (s *service) promoteRow(ctx context.Context, row models.LedgerTransaction) (bool, error) {
	applied := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		account, err := repo.FindAccountForUpdate(ctx, row.AccountID)
		if err != nil {
			return accountLookupError(err, row.AccountID)
		}
		if account.Frozen() {
			logCtx := s.logg.WithAccountID(ctx, account.ID.String())
			s.logg.Warn(logCtx, "skipping promotion for frozen account")
			return nil
		}

		flipped, err := repo.UpdateTransactionStatus(ctx, row.ID,
			enums.LedgerTransactionStatusPending, enums.LedgerTransactionStatusAvailable, time.Now())
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "promote row")
		}
		if !flipped {
			return nil
		}

		if account.PendingCents < row.AmountCents {
			return pkgerrors.New(pkgerrors.CodeLedgerDrift, "pending bucket below promoted amount").
				WithDetails(map[string]any{
					"account_id":     account.ID.String(),
					"amount_cents":   row.AmountCents,
					"pending_cents":  account.PendingCents,
					"transaction_id": row.ID.String(),
				})
		}
		account.PendingCents -= row.AmountCents
		account.AvailableCents += row.AmountCents
		if err := repo.SaveAccountBuckets(ctx, account); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update account buckets")
		}

		applied = true
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventLedgerPromoted,
			AggregateType: enums.AggregateLedgerTransaction,
			AggregateID:   row.ID,
			Data: CreditPromotedEvent{
				AccountID:     account.ID,
				TransactionID: row.ID,
				AmountCents:   row.AmountCents,
			},
			Version: 1,
		})
	})
	return applied, err
}

func (s *service) expireAccountRows(ctx context.Context, accountID uuid.UUID, due []models.LedgerTransaction, runID string) (int, error) {
	expired := 0
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		account, err := repo.FindAccountForUpdate(ctx, accountID)
		if err != nil {
			return accountLookupError(err, accountID)
		}
		if account.Frozen() {
			logCtx := s.logg.WithAccountID(ctx, account.ID.String())
			s.logg.Warn(logCtx, "skipping expiry for frozen account")
			return nil
		}

		now := time.Now()
		var clawedBack int64
		for _, row := range due {
			flipped, err := repo.UpdateTransactionStatus(ctx, row.ID,
				enums.LedgerTransactionStatusAvailable, enums.LedgerTransactionStatusExpired, now)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "expire row")
			}
			if flipped {
				clawedBack += row.AmountCents
				expired++
			}
		}
		if clawedBack == 0 {
			return nil
		}
		if account.AvailableCents < clawedBack {
			return pkgerrors.New(pkgerrors.CodeLedgerDrift, "available bucket below expired amount").
				WithDetails(map[string]any{
					"account_id":      account.ID.String(),
					"amount_cents":    clawedBack,
					"available_cents": account.AvailableCents,
				})
		}

		audit := &models.LedgerTransaction{
			AccountID:          account.ID,
			Type:               enums.LedgerTransactionTypeExpiry,
			Status:             enums.LedgerTransactionStatusExpired,
			Bucket:             enums.LedgerBucketAvailable,
			AmountCents:        -clawedBack,
			BalanceBeforeCents: account.AvailableCents,
			BalanceAfterCents:  account.AvailableCents - clawedBack,
			SourceType:         enums.SourceTypeExpiryRun,
			SourceRef:          runID,
			StatusChangedAt:    &now,
		}
		if err := repo.CreateTransaction(ctx, audit); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append expiry row")
		}

		account.AvailableCents -= clawedBack
		if err := repo.SaveAccountBuckets(ctx, account); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update account buckets")
		}

		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventLedgerExpired,
			AggregateType: enums.AggregateLedgerAccount,
			AggregateID:   account.ID,
			Data: CreditsExpiredEvent{
				AccountID:   account.ID,
				AmountCents: clawedBack,
				Count:       expired,
				RunID:       runID,
			},
			Version: 1,
		})
	})
	if err != nil {
		return 0, err
	}
	return expired, nil
}

func (s *service) reverseRow(ctx context.Context, row models.LedgerTransaction, sourceRef string) (bool, error) {
	applied := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		account, err := repo.FindAccountForUpdate(ctx, row.AccountID)
		if err != nil {
			return accountLookupError(err, row.AccountID)
		}
		if account.Frozen() {
			logCtx := s.logg.WithAccountID(ctx, account.ID.String())
			s.logg.Warn(logCtx, "skipping reversal for frozen account")
			return nil
		}

		now := time.Now()
		switch row.Status {
		case enums.LedgerTransactionStatusPending:
			flipped, err := repo.UpdateTransactionStatus(ctx, row.ID,
				enums.LedgerTransactionStatusPending, enums.LedgerTransactionStatusCancelled, now)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel pending credit")
			}
			if !flipped {
				return nil
			}
			if account.PendingCents < row.AmountCents {
				return pkgerrors.New(pkgerrors.CodeLedgerDrift, "pending bucket below reversed amount").
					WithDetails(map[string]any{"account_id": account.ID.String(), "amount_cents": row.AmountCents})
			}
			account.PendingCents -= row.AmountCents
		case enums.LedgerTransactionStatusAvailable:
			if account.AvailableCents < row.AmountCents {
				return pkgerrors.New(pkgerrors.CodeInsufficientFunds, "available balance below reversed amount").
					WithDetails(map[string]any{
						"account_id":      account.ID.String(),
						"amount_cents":    row.AmountCents,
						"available_cents": account.AvailableCents,
					})
			}
			flipped, err := repo.UpdateTransactionStatus(ctx, row.ID,
				enums.LedgerTransactionStatusAvailable, enums.LedgerTransactionStatusCancelled, now)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel available credit")
			}
			if !flipped {
				return nil
			}
			audit := &models.LedgerTransaction{
				AccountID:          account.ID,
				Type:               enums.LedgerTransactionTypeAdjustment,
				Status:             enums.LedgerTransactionStatusSettled,
				Bucket:             enums.LedgerBucketAvailable,
				AmountCents:        -row.AmountCents,
				BalanceBeforeCents: account.AvailableCents,
				BalanceAfterCents:  account.AvailableCents - row.AmountCents,
				SourceType:         enums.SourceTypeRefund,
				// Keyed by the reversed row so one refund can adjust
				// several credits on the same account.
				SourceRef:       sourceRef + "/" + row.ID.String(),
				StatusChangedAt: &now,
				Metadata:        reversalMetadata(row.ID),
			}
			if err := repo.CreateTransaction(ctx, audit); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append adjustment row")
			}
			account.AvailableCents -= row.AmountCents
		default:
			return nil
		}

		if err := repo.SaveAccountBuckets(ctx, account); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update account buckets")
		}

		applied = true
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventLedgerReversed,
			AggregateType: enums.AggregateLedgerTransaction,
			AggregateID:   row.ID,
			Data: CreditReversedEvent{
				AccountID:     account.ID,
				TransactionID: row.ID,
				AmountCents:   row.AmountCents,
				SourceRef:     sourceRef,
			},
			Version: 1,
		})
	})
	return applied, err
}

func reversalMetadata(reversedID uuid.UUID) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"reversed_transaction_id": reversedID.String()})
	return raw
}

// foldTransactions derives the bucket triple from the log alone. Each row
// contributes by its (type, status) pair, so the fold is order-free:
//   - credits count toward pending or available by current status;
//     cancelled and expired credits contribute nothing.
//   - an in-flight reserve moves amount from available to blocked; a
//     settled reserve removes it from available outright.
//   - settle, release, expiry and adjustment rows are audit records whose
//     balance effect is already carried by the row they finalize.
func foldTransactions(rows []models.LedgerTransaction) Balance {
	var b Balance
	for _, row := range rows {
		switch {
		case row.Type.IsCredit():
			switch row.Status {
			case enums.LedgerTransactionStatusPending:
				b.PendingCents += row.AmountCents
			case enums.LedgerTransactionStatusAvailable:
				b.AvailableCents += row.AmountCents
			}
		case row.Type == enums.LedgerTransactionTypeWithdrawalReserve:
			switch row.Status {
			case enums.LedgerTransactionStatusPending:
				b.AvailableCents -= row.AmountCents
				b.BlockedCents += row.AmountCents
			case enums.LedgerTransactionStatusSettled:
				b.AvailableCents -= row.AmountCents
			}
		}
	}
	return b
}

func frozenError(account *models.LedgerAccount) error {
	return pkgerrors.New(pkgerrors.CodeLedgerDrift, "account is frozen pending drift correction").
		WithDetails(map[string]any{"account_id": account.ID.String()})
}

func accountLookupError(err error, accountID uuid.UUID) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "ledger account not found").
			WithDetails(map[string]any{"account_id": accountID.String()})
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find ledger account")
}
