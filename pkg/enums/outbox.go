package enums

import "fmt"

// OutboxAggregateType maps to the aggregate_type_enum in Postgres.
type OutboxAggregateType string

const (
	AggregateLedgerAccount     OutboxAggregateType = "ledger_account"
	AggregateLedgerTransaction OutboxAggregateType = "ledger_transaction"
	AggregateWithdrawal        OutboxAggregateType = "withdrawal"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateLedgerAccount,
	AggregateLedgerTransaction,
	AggregateWithdrawal,
}

// IsValid reports whether the value matches the canonical aggregate_type enum.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType maps to the event_type_enum in Postgres.
type OutboxEventType string

const (
	EventLedgerCredited       OutboxEventType = "ledger_credited"
	EventLedgerPromoted       OutboxEventType = "ledger_promoted"
	EventLedgerExpired        OutboxEventType = "ledger_expired"
	EventLedgerReversed       OutboxEventType = "ledger_reversed"
	EventLedgerDriftDetected  OutboxEventType = "ledger_drift_detected"
	EventWithdrawalRequested  OutboxEventType = "withdrawal_requested"
	EventWithdrawalApproved   OutboxEventType = "withdrawal_approved"
	EventWithdrawalProcessing OutboxEventType = "withdrawal_processing"
	EventWithdrawalCompleted  OutboxEventType = "withdrawal_completed"
	EventWithdrawalRejected   OutboxEventType = "withdrawal_rejected"
	EventWithdrawalCancelled  OutboxEventType = "withdrawal_cancelled"
)

var validOutboxEventTypes = []OutboxEventType{
	EventLedgerCredited,
	EventLedgerPromoted,
	EventLedgerExpired,
	EventLedgerReversed,
	EventLedgerDriftDetected,
	EventWithdrawalRequested,
	EventWithdrawalApproved,
	EventWithdrawalProcessing,
	EventWithdrawalCompleted,
	EventWithdrawalRejected,
	EventWithdrawalCancelled,
}

// IsValid reports whether the value matches the canonical event_type enum.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
