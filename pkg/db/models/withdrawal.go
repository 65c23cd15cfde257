package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tradeyard/tradeyard-backend/pkg/enums"
)

// Withdrawal tracks one payout request against a ledger account. Exactly
// one withdrawal_reserve ledger entry exists per withdrawal, created in
// the same transaction as this row.
type Withdrawal struct {
	ID                   uuid.UUID              `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	AccountID            uuid.UUID              `gorm:"column:account_id;type:uuid;not null;index:ix_withdrawals_account"`
	AmountCents          int64                  `gorm:"column:amount_cents;not null"`
	Status               enums.WithdrawalStatus `gorm:"column:status;type:withdrawal_status_enum;not null;default:'pending'"`
	RequestedAt          time.Time              `gorm:"column:requested_at;not null"`
	ProcessedAt          *time.Time             `gorm:"column:processed_at"`
	ProcessedBy          *uuid.UUID             `gorm:"column:processed_by;type:uuid"`
	TransactionReference *string                `gorm:"column:transaction_reference"`
	RejectReason         *string                `gorm:"column:reject_reason"`
	CreatedAt            time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}

// BeforeCreate assigns the id app-side so drivers without a uuid default
// (the sqlite test driver) still get one.
func (w *Withdrawal) BeforeCreate(*gorm.DB) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	return nil
}
