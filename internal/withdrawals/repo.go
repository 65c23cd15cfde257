package withdrawals

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tradeyard/tradeyard-backend/pkg/db/models"
	"github.com/tradeyard/tradeyard-backend/pkg/enums"
)

// Repository manages persistence for withdrawal requests.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, withdrawal *models.Withdrawal) error
	Find(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error)
	FindForUpdate(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]models.Withdrawal, error)
	ListStalledProcessing(ctx context.Context, since time.Time) ([]models.Withdrawal, error)
	UpdateGuarded(ctx context.Context, id uuid.UUID, from enums.WithdrawalStatus, updates map[string]any) (bool, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a withdrawal repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, withdrawal *models.Withdrawal) error {
	return r.db.WithContext(ctx).Create(withdrawal).Error
}

func (r *repository) Find(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	var withdrawal models.Withdrawal
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&withdrawal).Error; err != nil {
		return nil, err
	}
	return &withdrawal, nil
}

func (r *repository) FindForUpdate(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	query := r.db.WithContext(ctx)
	// sqlite (tests) has no row locks; its writes are serialized anyway.
	if r.db.Dialector.Name() != "sqlite" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var withdrawal models.Withdrawal
	if err := query.
		Where("id = ?", id).
		First(&withdrawal).Error; err != nil {
		return nil, err
	}
	return &withdrawal, nil
}

func (r *repository) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]models.Withdrawal, error) {
	var rows []models.Withdrawal
	if err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("requested_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) ListStalledProcessing(ctx context.Context, since time.Time) ([]models.Withdrawal, error) {
	var rows []models.Withdrawal
	if err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at <= ?", enums.WithdrawalStatusProcessing, since).
		Order("updated_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// UpdateGuarded applies updates only while the row still holds the expected
// status, reporting whether the write landed. Concurrent operator actions
// race here; the loser sees no rows affected.
func (r *repository) UpdateGuarded(ctx context.Context, id uuid.UUID, from enums.WithdrawalStatus, updates map[string]any) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Withdrawal{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
