package withdrawals

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tradeyard/tradeyard-backend/internal/ledger"
	"github.com/tradeyard/tradeyard-backend/pkg/db/models"
	"github.com/tradeyard/tradeyard-backend/pkg/enums"
	pkgerrors "github.com/tradeyard/tradeyard-backend/pkg/errors"
	"github.com/tradeyard/tradeyard-backend/pkg/logger"
	"github.com/tradeyard/tradeyard-backend/pkg/metrics"
	"github.com/tradeyard/tradeyard-backend/pkg/outbox"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// ledgerGateway is the slice of the ledger mutation gateway the state
// machine drives. Reserve/Settle/Release run inside the withdrawal's own
// transaction so the status change and the bucket moves commit together.
type ledgerGateway interface {
	Reserve(ctx context.Context, tx *gorm.DB, input ledger.ReservationInput) (*models.LedgerTransaction, error)
	Settle(ctx context.Context, tx *gorm.DB, input ledger.ReservationInput) error
	Release(ctx context.Context, tx *gorm.DB, input ledger.ReservationInput) error
}

// Action names a withdrawal state-machine move.
type Action string

const (
	ActionApprove         Action = "approve"
	ActionStartProcessing Action = "start_processing"
	ActionComplete        Action = "complete"
	ActionReject          Action = "reject"
	ActionCancel          Action = "cancel"
)

// allowedPredecessors is the transition table: an action is legal only when
// the row's current status appears in its predecessor list. Every action
// re-reads the row inside its transaction before consulting this table, so
// double-completion and double-cancellation lose the race cleanly.
var allowedPredecessors = map[Action][]enums.WithdrawalStatus{
	ActionApprove:         {enums.WithdrawalStatusPending},
	ActionStartProcessing: {enums.WithdrawalStatusApproved},
	ActionComplete:        {enums.WithdrawalStatusApproved, enums.WithdrawalStatusProcessing},
	ActionReject:          {enums.WithdrawalStatusPending},
	ActionCancel:          {enums.WithdrawalStatusPending, enums.WithdrawalStatusApproved},
}

// Service orchestrates payout requests against ledger accounts.
type Service interface {
	Request(ctx context.Context, input RequestInput) (*models.Withdrawal, error)
	Approve(ctx context.Context, input ActionInput) (*models.Withdrawal, error)
	StartProcessing(ctx context.Context, input ActionInput) (*models.Withdrawal, error)
	Complete(ctx context.Context, input CompleteInput) (*models.Withdrawal, error)
	Reject(ctx context.Context, input RejectInput) (*models.Withdrawal, error)
	Cancel(ctx context.Context, input CancelInput) (*models.Withdrawal, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]models.Withdrawal, error)
	ListStalled(ctx context.Context, olderThan time.Duration) ([]models.Withdrawal, error)
}

type service struct {
	repo         Repository
	tx           txRunner
	ledger       ledgerGateway
	outbox       outboxPublisher
	logg         *logger.Logger
	metrics      *metrics.LedgerMetrics
	minimumCents int64
}

// ServiceParams wires the withdrawal service dependencies.
type ServiceParams struct {
	Repository           Repository
	Tx                   txRunner
	Ledger               ledgerGateway
	Outbox               outboxPublisher
	Logger               *logger.Logger
	Metrics              *metrics.LedgerMetrics
	MinimumWithdrawCents int64
}

// RequestInput is the owner-initiated payout request.
type RequestInput struct {
	AccountID   uuid.UUID
	AmountCents int64
	RequestedBy uuid.UUID
}

// ActionInput carries an operator action against a withdrawal.
type ActionInput struct {
	WithdrawalID uuid.UUID
	OperatorID   uuid.UUID
}

// CompleteInput finalizes a withdrawal after the external payout succeeded.
type CompleteInput struct {
	WithdrawalID         uuid.UUID
	OperatorID           uuid.UUID
	TransactionReference string
}

// RejectInput declines a pending withdrawal with an operator-visible reason.
type RejectInput struct {
	WithdrawalID uuid.UUID
	OperatorID   uuid.UUID
	Reason       string
}

// CancelInput is the owner-initiated cancellation.
type CancelInput struct {
	WithdrawalID uuid.UUID
	CancelledBy  uuid.UUID
}

// WithdrawalEvent is the outbox payload for every state-machine move.
type WithdrawalEvent struct {
	WithdrawalID uuid.UUID              `json:"withdrawal_id"`
	AccountID    uuid.UUID              `json:"account_id"`
	AmountCents  int64                  `json:"amount_cents"`
	Status       enums.WithdrawalStatus `json:"status"`
	ActorID      uuid.UUID              `json:"actor_id"`
	Reference    string                 `json:"reference,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
}

// NewService builds the withdrawal state machine.
func NewService(params ServiceParams) (Service, error) {
	if params.Repository == nil {
		return nil, fmt.Errorf("withdrawals repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger gateway required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.MinimumWithdrawCents <= 0 {
		return nil, fmt.Errorf("minimum withdrawal must be positive")
	}
	return &service{
		repo:         params.Repository,
		tx:           params.Tx,
		ledger:       params.Ledger,
		outbox:       params.Outbox,
		logg:         params.Logger,
		metrics:      params.Metrics,
		minimumCents: params.MinimumWithdrawCents,
	}, nil
}

// Request creates a withdrawal and reserves its funds atomically: the row,
// the reserve ledger entry and the bucket move commit together or not at
// all.
func (s *service) Request(ctx context.Context, input RequestInput) (*models.Withdrawal, error) {
	if input.AccountID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "account id is required")
	}
	if input.RequestedBy == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "requesting user is required")
	}
	if input.AmountCents < s.minimumCents {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount below minimum withdrawal").
			WithDetails(map[string]any{
				"amount_cents":  input.AmountCents,
				"minimum_cents": s.minimumCents,
			})
	}

	withdrawal := &models.Withdrawal{
		AccountID:   input.AccountID,
		AmountCents: input.AmountCents,
		Status:      enums.WithdrawalStatusPending,
		RequestedAt: time.Now(),
	}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, withdrawal); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create withdrawal")
		}
		if _, err := s.ledger.Reserve(ctx, tx, ledger.ReservationInput{
			AccountID:    input.AccountID,
			WithdrawalID: withdrawal.ID,
			AmountCents:  input.AmountCents,
		}); err != nil {
			return err
		}
		return s.emit(ctx, tx, enums.EventWithdrawalRequested, withdrawal, input.RequestedBy, "", "")
	})
	if err != nil {
		s.metrics.IncTransition("request", "rejected")
		return nil, err
	}

	s.metrics.IncTransition("request", "ok")
	logCtx := s.logg.WithWithdrawalID(ctx, withdrawal.ID.String())
	s.logg.Info(logCtx, "withdrawal requested")
	return withdrawal, nil
}

// Approve moves PENDING to APPROVED. No balance movement.
func (s *service) Approve(ctx context.Context, input ActionInput) (*models.Withdrawal, error) {
	return s.transition(ctx, ActionApprove, input.WithdrawalID, input.OperatorID,
		func(tx *gorm.DB, w *models.Withdrawal) (map[string]any, enums.WithdrawalStatus, error) {
			return map[string]any{
				"status":       enums.WithdrawalStatusApproved,
				"processed_by": input.OperatorID,
			}, enums.WithdrawalStatusApproved, nil
		}, enums.EventWithdrawalApproved, "", "")
}

// StartProcessing marks an approved withdrawal as handed to the external
// payout rail.
func (s *service) StartProcessing(ctx context.Context, input ActionInput) (*models.Withdrawal, error) {
	return s.transition(ctx, ActionStartProcessing, input.WithdrawalID, input.OperatorID,
		func(tx *gorm.DB, w *models.Withdrawal) (map[string]any, enums.WithdrawalStatus, error) {
			return map[string]any{
				"status":       enums.WithdrawalStatusProcessing,
				"processed_by": input.OperatorID,
			}, enums.WithdrawalStatusProcessing, nil
		}, enums.EventWithdrawalProcessing, "", "")
}

// Complete settles the reservation and permanently removes the funds. The
// external payout must already have succeeded; this records its reference.
func (s *service) Complete(ctx context.Context, input CompleteInput) (*models.Withdrawal, error) {
	reference := strings.TrimSpace(input.TransactionReference)
	if reference == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "transaction reference is required")
	}
	now := time.Now()
	return s.transition(ctx, ActionComplete, input.WithdrawalID, input.OperatorID,
		func(tx *gorm.DB, w *models.Withdrawal) (map[string]any, enums.WithdrawalStatus, error) {
			if err := s.ledger.Settle(ctx, tx, ledger.ReservationInput{
				AccountID:    w.AccountID,
				WithdrawalID: w.ID,
				AmountCents:  w.AmountCents,
			}); err != nil {
				return nil, "", err
			}
			return map[string]any{
				"status":                enums.WithdrawalStatusCompleted,
				"processed_at":          now,
				"processed_by":          input.OperatorID,
				"transaction_reference": reference,
			}, enums.WithdrawalStatusCompleted, nil
		}, enums.EventWithdrawalCompleted, reference, "")
}

// Reject declines a pending withdrawal and returns its funds.
func (s *service) Reject(ctx context.Context, input RejectInput) (*models.Withdrawal, error) {
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "reject reason is required")
	}
	now := time.Now()
	return s.transition(ctx, ActionReject, input.WithdrawalID, input.OperatorID,
		func(tx *gorm.DB, w *models.Withdrawal) (map[string]any, enums.WithdrawalStatus, error) {
			if err := s.ledger.Release(ctx, tx, ledger.ReservationInput{
				AccountID:    w.AccountID,
				WithdrawalID: w.ID,
				AmountCents:  w.AmountCents,
			}); err != nil {
				return nil, "", err
			}
			return map[string]any{
				"status":        enums.WithdrawalStatusRejected,
				"processed_at":  now,
				"processed_by":  input.OperatorID,
				"reject_reason": reason,
			}, enums.WithdrawalStatusRejected, nil
		}, enums.EventWithdrawalRejected, "", reason)
}

// Cancel is the owner abandoning a not-yet-processing withdrawal; the
// reservation is released back to the available bucket.
func (s *service) Cancel(ctx context.Context, input CancelInput) (*models.Withdrawal, error) {
	now := time.Now()
	return s.transition(ctx, ActionCancel, input.WithdrawalID, input.CancelledBy,
		func(tx *gorm.DB, w *models.Withdrawal) (map[string]any, enums.WithdrawalStatus, error) {
			if err := s.ledger.Release(ctx, tx, ledger.ReservationInput{
				AccountID:    w.AccountID,
				WithdrawalID: w.ID,
				AmountCents:  w.AmountCents,
			}); err != nil {
				return nil, "", err
			}
			return map[string]any{
				"status":       enums.WithdrawalStatusCancelled,
				"processed_at": now,
			}, enums.WithdrawalStatusCancelled, nil
		}, enums.EventWithdrawalCancelled, "", "")
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	withdrawal, err := s.repo.Find(ctx, id)
	if err != nil {
		return nil, withdrawalLookupError(err, id)
	}
	return withdrawal, nil
}

func (s *service) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]models.Withdrawal, error) {
	if accountID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "account id is required")
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.repo.ListByAccount(ctx, accountID, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list withdrawals")
	}
	return rows, nil
}

// ListStalled surfaces withdrawals sitting in PROCESSING beyond the
// operational timeout. This is visibility only: the external payout may
// have succeeded, so nothing is auto-cancelled.
func (s *service) ListStalled(ctx context.Context, olderThan time.Duration) ([]models.Withdrawal, error) {
	since := time.Now().Add(-olderThan)
	rows, err := s.repo.ListStalledProcessing(ctx, since)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list stalled withdrawals")
	}
	s.metrics.SetStalledWithdrawals(len(rows))
	for _, row := range rows {
		logCtx := s.logg.WithWithdrawalID(ctx, row.ID.String())
		logCtx = s.logg.WithAccountID(logCtx, row.AccountID.String())
		s.logg.Warn(logCtx, "withdrawal stalled in processing, operator action required")
	}
	return rows, nil
}

type mutateFn func(tx *gorm.DB, w *models.Withdrawal) (map[string]any, enums.WithdrawalStatus, error)

// transition re-reads the withdrawal inside the transaction, validates the
// current status against the predecessor table, applies the mutation, and
// flips the status with a guarded update.
func (s *service) transition(ctx context.Context, action Action, withdrawalID, actorID uuid.UUID, mutate mutateFn, eventType enums.OutboxEventType, reference, reason string) (*models.Withdrawal, error) {
	if withdrawalID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "withdrawal id is required")
	}
	if actorID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "actor id is required")
	}

	var result *models.Withdrawal
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		withdrawal, err := repo.FindForUpdate(ctx, withdrawalID)
		if err != nil {
			return withdrawalLookupError(err, withdrawalID)
		}

		if !predecessorAllowed(action, withdrawal.Status) {
			return pkgerrors.New(pkgerrors.CodeStateConflict,
				fmt.Sprintf("cannot %s a %s withdrawal", action, withdrawal.Status)).
				WithDetails(map[string]any{
					"withdrawal_id":  withdrawal.ID.String(),
					"current_status": withdrawal.Status,
					"action":         action,
				})
		}

		from := withdrawal.Status
		updates, next, err := mutate(tx, withdrawal)
		if err != nil {
			return err
		}
		applied, err := repo.UpdateGuarded(ctx, withdrawal.ID, from, updates)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update withdrawal")
		}
		if !applied {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "withdrawal changed concurrently").
				WithDetails(map[string]any{"withdrawal_id": withdrawal.ID.String()})
		}

		withdrawal.Status = next
		result = withdrawal
		return s.emit(ctx, tx, eventType, withdrawal, actorID, reference, reason)
	})
	if err != nil {
		s.metrics.IncTransition(string(action), "rejected")
		return nil, err
	}

	s.metrics.IncTransition(string(action), "ok")
	logCtx := s.logg.WithWithdrawalID(ctx, result.ID.String())
	s.logg.Info(logCtx, fmt.Sprintf("withdrawal %s", result.Status))
	return result, nil
}

func (s *service) emit(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, w *models.Withdrawal, actorID uuid.UUID, reference, reason string) error {
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateWithdrawal,
		AggregateID:   w.ID,
		Actor:         &outbox.ActorRef{UserID: actorID},
		Data: WithdrawalEvent{
			WithdrawalID: w.ID,
			AccountID:    w.AccountID,
			AmountCents:  w.AmountCents,
			Status:       w.Status,
			ActorID:      actorID,
			Reference:    reference,
			Reason:       reason,
		},
		Version: 1,
	})
}

func predecessorAllowed(action Action, current enums.WithdrawalStatus) bool {
	for _, candidate := range allowedPredecessors[action] {
		if candidate == current {
			return true
		}
	}
	return false
}

func withdrawalLookupError(err error, id uuid.UUID) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "withdrawal not found").
			WithDetails(map[string]any{"withdrawal_id": id.String()})
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find withdrawal")
}
