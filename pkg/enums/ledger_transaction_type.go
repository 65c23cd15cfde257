package enums

import "fmt"

// LedgerTransactionType maps to the ledger_transaction_type_enum in Postgres.
type LedgerTransactionType string

const (
	LedgerTransactionTypeCreditSale        LedgerTransactionType = "credit_sale"
	LedgerTransactionTypeCreditCommission  LedgerTransactionType = "credit_commission"
	LedgerTransactionTypeCreditCashback    LedgerTransactionType = "credit_cashback"
	LedgerTransactionTypeWithdrawalReserve LedgerTransactionType = "withdrawal_reserve"
	LedgerTransactionTypeWithdrawalSettle  LedgerTransactionType = "withdrawal_settle"
	LedgerTransactionTypeWithdrawalRelease LedgerTransactionType = "withdrawal_release"
	LedgerTransactionTypeExpiry            LedgerTransactionType = "expiry"
	LedgerTransactionTypeAdjustment        LedgerTransactionType = "adjustment"
)

var validLedgerTransactionTypes = []LedgerTransactionType{
	LedgerTransactionTypeCreditSale,
	LedgerTransactionTypeCreditCommission,
	LedgerTransactionTypeCreditCashback,
	LedgerTransactionTypeWithdrawalReserve,
	LedgerTransactionTypeWithdrawalSettle,
	LedgerTransactionTypeWithdrawalRelease,
	LedgerTransactionTypeExpiry,
	LedgerTransactionTypeAdjustment,
}

// IsValid reports whether the value matches the canonical transaction type enum.
func (t LedgerTransactionType) IsValid() bool {
	for _, candidate := range validLedgerTransactionTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// IsCredit reports whether the type records earned funds entering an account.
func (t LedgerTransactionType) IsCredit() bool {
	switch t {
	case LedgerTransactionTypeCreditSale,
		LedgerTransactionTypeCreditCommission,
		LedgerTransactionTypeCreditCashback:
		return true
	default:
		return false
	}
}

// ParseLedgerTransactionType converts raw input into LedgerTransactionType.
func ParseLedgerTransactionType(value string) (LedgerTransactionType, error) {
	for _, candidate := range validLedgerTransactionTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid ledger transaction type %q", value)
}
