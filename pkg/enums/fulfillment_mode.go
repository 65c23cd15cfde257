package enums

import "fmt"

// FulfillmentMode distinguishes self-fulfilled stock from supplier-fulfilled
// dropshipping. The two modes settle under different commission formulas.
type FulfillmentMode string

const (
	FulfillmentModeStock        FulfillmentMode = "stock"
	FulfillmentModeDropshipping FulfillmentMode = "dropshipping"
)

var validFulfillmentModes = []FulfillmentMode{
	FulfillmentModeStock,
	FulfillmentModeDropshipping,
}

// IsValid reports whether the value matches the canonical fulfillment enum.
func (m FulfillmentMode) IsValid() bool {
	for _, candidate := range validFulfillmentModes {
		if candidate == m {
			return true
		}
	}
	return false
}

// ParseFulfillmentMode converts raw input into FulfillmentMode.
func ParseFulfillmentMode(value string) (FulfillmentMode, error) {
	for _, candidate := range validFulfillmentModes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid fulfillment mode %q", value)
}
