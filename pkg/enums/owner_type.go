package enums

import "fmt"

// OwnerType identifies which kind of participant holds a ledger account.
type OwnerType string

const (
	OwnerTypeSeller           OwnerType = "seller"
	OwnerTypeAffiliate        OwnerType = "affiliate"
	OwnerTypeCustomerCashback OwnerType = "customer_cashback"
)

var validOwnerTypes = []OwnerType{
	OwnerTypeSeller,
	OwnerTypeAffiliate,
	OwnerTypeCustomerCashback,
}

// IsValid reports whether the value matches the canonical owner type enum.
func (t OwnerType) IsValid() bool {
	for _, candidate := range validOwnerTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseOwnerType converts raw input into OwnerType.
func ParseOwnerType(value string) (OwnerType, error) {
	for _, candidate := range validOwnerTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid owner type %q", value)
}
