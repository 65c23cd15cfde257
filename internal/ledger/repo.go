package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tradeyard/tradeyard-backend/pkg/db/models"
	"github.com/tradeyard/tradeyard-backend/pkg/enums"
	"github.com/tradeyard/tradeyard-backend/pkg/pagination"
)

// TransactionFilter narrows ListTransactions.
type TransactionFilter struct {
	Type   *enums.LedgerTransactionType
	Status *enums.LedgerTransactionStatus
}

// Repository manages persistence for ledger accounts and their append-only
// transaction log.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	FindAccount(ctx context.Context, id uuid.UUID) (*models.LedgerAccount, error)
	FindAccountForUpdate(ctx context.Context, id uuid.UUID) (*models.LedgerAccount, error)
	FindAccountByOwner(ctx context.Context, ownerType enums.OwnerType, ownerID uuid.UUID) (*models.LedgerAccount, error)
	CreateAccount(ctx context.Context, account *models.LedgerAccount) error
	SaveAccountBuckets(ctx context.Context, account *models.LedgerAccount) error
	FlagAccountDrift(ctx context.Context, accountID uuid.UUID, at time.Time) error
	ListAccountIDs(ctx context.Context) ([]uuid.UUID, error)

	CreateTransaction(ctx context.Context, row *models.LedgerTransaction) error
	FindTransactionBySource(ctx context.Context, accountID uuid.UUID, sourceType enums.SourceType, sourceRef string, txType enums.LedgerTransactionType) (*models.LedgerTransaction, error)
	ListTransactionsBySource(ctx context.Context, sourceType enums.SourceType, sourceRef string, types []enums.LedgerTransactionType) ([]models.LedgerTransaction, error)
	ListTransactionsByAccount(ctx context.Context, accountID uuid.UUID) ([]models.LedgerTransaction, error)
	ListTransactions(ctx context.Context, accountID uuid.UUID, filter TransactionFilter, limit int, cursor *pagination.Cursor) ([]models.LedgerTransaction, error)
	ListPromotableDue(ctx context.Context, now time.Time, limit int) ([]models.LedgerTransaction, error)
	ListExpirableDue(ctx context.Context, now time.Time, limit int) ([]models.LedgerTransaction, error)
	UpdateTransactionStatus(ctx context.Context, id uuid.UUID, from, to enums.LedgerTransactionStatus, at time.Time) (bool, error)
	SetTransactionAvailableAt(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindAccount(ctx context.Context, id uuid.UUID) (*models.LedgerAccount, error) {
	var account models.LedgerAccount
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repository) FindAccountForUpdate(ctx context.Context, id uuid.UUID) (*models.LedgerAccount, error) {
	query := r.db.WithContext(ctx)
	// sqlite (tests) has no row locks; its writes are serialized anyway.
	if r.db.Dialector.Name() != "sqlite" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var account models.LedgerAccount
	if err := query.
		Where("id = ?", id).
		First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repository) FindAccountByOwner(ctx context.Context, ownerType enums.OwnerType, ownerID uuid.UUID) (*models.LedgerAccount, error) {
	var account models.LedgerAccount
	if err := r.db.WithContext(ctx).
		Where("owner_type = ? AND owner_id = ?", ownerType, ownerID).
		First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repository) CreateAccount(ctx context.Context, account *models.LedgerAccount) error {
	return r.db.WithContext(ctx).Create(account).Error
}

// SaveAccountBuckets persists the bucket columns and lifetime counters of
// an already-locked account row.
func (r *repository) SaveAccountBuckets(ctx context.Context, account *models.LedgerAccount) error {
	return r.db.WithContext(ctx).
		Model(&models.LedgerAccount{}).
		Where("id = ?", account.ID).
		Updates(map[string]any{
			"available_cents":       account.AvailableCents,
			"pending_cents":         account.PendingCents,
			"blocked_cents":         account.BlockedCents,
			"total_earned_cents":    account.TotalEarnedCents,
			"total_withdrawn_cents": account.TotalWithdrawnCents,
		}).Error
}

func (r *repository) FlagAccountDrift(ctx context.Context, accountID uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.LedgerAccount{}).
		Where("id = ? AND drift_flagged_at IS NULL", accountID).
		Update("drift_flagged_at", at).Error
}

func (r *repository) ListAccountIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := r.db.WithContext(ctx).
		Model(&models.LedgerAccount{}).
		Order("created_at ASC").
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repository) CreateTransaction(ctx context.Context, row *models.LedgerTransaction) error {
	return r.db.WithContext(ctx).Create(row).Error
}

func (r *repository) FindTransactionBySource(ctx context.Context, accountID uuid.UUID, sourceType enums.SourceType, sourceRef string, txType enums.LedgerTransactionType) (*models.LedgerTransaction, error) {
	var row models.LedgerTransaction
	if err := r.db.WithContext(ctx).
		Where("account_id = ? AND source_type = ? AND source_ref = ? AND type = ?",
			accountID, sourceType, sourceRef, txType).
		First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) ListTransactionsBySource(ctx context.Context, sourceType enums.SourceType, sourceRef string, types []enums.LedgerTransactionType) ([]models.LedgerTransaction, error) {
	query := r.db.WithContext(ctx).
		Where("source_type = ? AND source_ref = ?", sourceType, sourceRef)
	if len(types) > 0 {
		query = query.Where("type IN ?", types)
	}
	var rows []models.LedgerTransaction
	if err := query.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) ListTransactionsByAccount(ctx context.Context, accountID uuid.UUID) ([]models.LedgerTransaction, error) {
	var rows []models.LedgerTransaction
	if err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) ListTransactions(ctx context.Context, accountID uuid.UUID, filter TransactionFilter, limit int, cursor *pagination.Cursor) ([]models.LedgerTransaction, error) {
	query := r.db.WithContext(ctx).
		Where("account_id = ?", accountID)
	if filter.Type != nil {
		query = query.Where("type = ?", *filter.Type)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if cursor != nil {
		query = query.Where(
			"(created_at < ?) OR (created_at = ? AND id < ?)",
			cursor.CreatedAt, cursor.CreatedAt, cursor.ID,
		)
	}
	var rows []models.LedgerTransaction
	if err := query.
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) ListPromotableDue(ctx context.Context, now time.Time, limit int) ([]models.LedgerTransaction, error) {
	var rows []models.LedgerTransaction
	if err := r.db.WithContext(ctx).
		Where("status = ? AND available_at IS NOT NULL AND available_at <= ?",
			enums.LedgerTransactionStatusPending, now).
		Order("available_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) ListExpirableDue(ctx context.Context, now time.Time, limit int) ([]models.LedgerTransaction, error) {
	var rows []models.LedgerTransaction
	if err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?",
			enums.LedgerTransactionStatusAvailable, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// UpdateTransactionStatus flips a row's status only when it still holds the
// expected predecessor, reporting whether the flip happened. Running it
// twice for the same move applies once.
func (r *repository) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, from, to enums.LedgerTransactionStatus, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.LedgerTransaction{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{
			"status":            to,
			"status_changed_at": at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) SetTransactionAvailableAt(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.LedgerTransaction{}).
		Where("id = ? AND status = ? AND available_at IS NULL",
			id, enums.LedgerTransactionStatusPending).
		Update("available_at", at)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
