package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tradeyard/tradeyard-backend/pkg/enums"
)

// LedgerAccount holds the denormalized balance buckets for one owner.
// Accounts are created lazily on first credit and never deleted; every
// bucket change is paired with a LedgerTransaction append in the same
// database transaction.
type LedgerAccount struct {
	ID                  uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OwnerType           enums.OwnerType `gorm:"column:owner_type;type:owner_type_enum;not null;uniqueIndex:ux_ledger_accounts_owner"`
	OwnerID             uuid.UUID       `gorm:"column:owner_id;type:uuid;not null;uniqueIndex:ux_ledger_accounts_owner"`
	AvailableCents      int64           `gorm:"column:available_cents;not null;default:0"`
	PendingCents        int64           `gorm:"column:pending_cents;not null;default:0"`
	BlockedCents        int64           `gorm:"column:blocked_cents;not null;default:0"`
	TotalEarnedCents    int64           `gorm:"column:total_earned_cents;not null;default:0"`
	TotalWithdrawnCents int64           `gorm:"column:total_withdrawn_cents;not null;default:0"`
	DriftFlaggedAt      *time.Time      `gorm:"column:drift_flagged_at"`
	CreatedAt           time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// BeforeCreate assigns the id app-side so drivers without a uuid default
// (the sqlite test driver) still get one.
func (a *LedgerAccount) BeforeCreate(*gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// Frozen reports whether the reconciliation job flagged this account;
// flagged accounts are excluded from automated mutation until corrected.
func (a *LedgerAccount) Frozen() bool {
	return a != nil && a.DriftFlaggedAt != nil
}
