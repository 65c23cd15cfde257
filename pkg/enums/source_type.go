package enums

import "fmt"

// SourceType classifies the business event a ledger entry traces back to.
type SourceType string

const (
	SourceTypeOrder      SourceType = "order"
	SourceTypeRefund     SourceType = "refund"
	SourceTypeWithdrawal SourceType = "withdrawal"
	SourceTypeExpiryRun  SourceType = "expiry_run"
	SourceTypeManual     SourceType = "manual"
)

var validSourceTypes = []SourceType{
	SourceTypeOrder,
	SourceTypeRefund,
	SourceTypeWithdrawal,
	SourceTypeExpiryRun,
	SourceTypeManual,
}

// IsValid reports whether the value matches the canonical source type enum.
func (t SourceType) IsValid() bool {
	for _, candidate := range validSourceTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseSourceType converts raw input into SourceType.
func ParseSourceType(value string) (SourceType, error) {
	for _, candidate := range validSourceTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid source type %q", value)
}
