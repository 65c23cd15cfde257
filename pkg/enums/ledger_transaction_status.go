package enums

import "fmt"

// LedgerTransactionStatus tracks where a log entry sits in its lifecycle.
// Amount, account and source of an entry never change; status is the only
// mutable column and it moves along a fixed set of transitions.
type LedgerTransactionStatus string

const (
	LedgerTransactionStatusPending   LedgerTransactionStatus = "pending"
	LedgerTransactionStatusAvailable LedgerTransactionStatus = "available"
	LedgerTransactionStatusSettled   LedgerTransactionStatus = "settled"
	LedgerTransactionStatusExpired   LedgerTransactionStatus = "expired"
	LedgerTransactionStatusCancelled LedgerTransactionStatus = "cancelled"
)

var validLedgerTransactionStatuses = []LedgerTransactionStatus{
	LedgerTransactionStatusPending,
	LedgerTransactionStatusAvailable,
	LedgerTransactionStatusSettled,
	LedgerTransactionStatusExpired,
	LedgerTransactionStatusCancelled,
}

// legalStatusTransitions enumerates the permitted status moves.
var legalStatusTransitions = map[LedgerTransactionStatus][]LedgerTransactionStatus{
	LedgerTransactionStatusPending:   {LedgerTransactionStatusAvailable, LedgerTransactionStatusCancelled, LedgerTransactionStatusSettled},
	LedgerTransactionStatusAvailable: {LedgerTransactionStatusExpired, LedgerTransactionStatusCancelled},
}

// IsValid reports whether the value matches the canonical status enum.
func (s LedgerTransactionStatus) IsValid() bool {
	for _, candidate := range validLedgerTransactionStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s LedgerTransactionStatus) CanTransitionTo(next LedgerTransactionStatus) bool {
	for _, candidate := range legalStatusTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further status change is permitted.
func (s LedgerTransactionStatus) IsTerminal() bool {
	return len(legalStatusTransitions[s]) == 0
}

// ParseLedgerTransactionStatus converts raw input into LedgerTransactionStatus.
func ParseLedgerTransactionStatus(value string) (LedgerTransactionStatus, error) {
	for _, candidate := range validLedgerTransactionStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid ledger transaction status %q", value)
}
