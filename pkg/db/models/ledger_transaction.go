package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tradeyard/tradeyard-backend/pkg/enums"
)

// LedgerTransaction is one immutable row of the append-only money log.
// Amount, account and source never change after insert; only Status (and
// StatusChangedAt) may move, and only along the legal transitions the
// enums package defines. BalanceBefore/BalanceAfter snapshot the bucket
// named by Bucket at write time for audit and point-in-time replay.
type LedgerTransaction struct {
	ID                 uuid.UUID                     `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	AccountID          uuid.UUID                     `gorm:"column:account_id;type:uuid;not null;index:ix_ledger_transactions_account;uniqueIndex:ux_ledger_transactions_source"`
	Type               enums.LedgerTransactionType   `gorm:"column:type;type:ledger_transaction_type_enum;not null;uniqueIndex:ux_ledger_transactions_source"`
	Status             enums.LedgerTransactionStatus `gorm:"column:status;type:ledger_transaction_status_enum;not null"`
	Bucket             enums.LedgerBucket            `gorm:"column:bucket;type:ledger_bucket_enum;not null"`
	AmountCents        int64                         `gorm:"column:amount_cents;not null"`
	BalanceBeforeCents int64                         `gorm:"column:balance_before_cents;not null"`
	BalanceAfterCents  int64                         `gorm:"column:balance_after_cents;not null"`
	SourceType         enums.SourceType              `gorm:"column:source_type;type:source_type_enum;not null;uniqueIndex:ux_ledger_transactions_source"`
	SourceRef          string                        `gorm:"column:source_ref;not null;uniqueIndex:ux_ledger_transactions_source"`
	AvailableAt        *time.Time                    `gorm:"column:available_at;index"`
	ExpiresAt          *time.Time                    `gorm:"column:expires_at;index"`
	StatusChangedAt    *time.Time                    `gorm:"column:status_changed_at"`
	Metadata           json.RawMessage               `gorm:"column:metadata;type:jsonb"`
	CreatedAt          time.Time                     `gorm:"column:created_at;autoCreateTime"`
}

// BeforeCreate assigns the id app-side so drivers without a uuid default
// (the sqlite test driver) still get one.
func (t *LedgerTransaction) BeforeCreate(*gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}
