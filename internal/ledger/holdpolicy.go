package ledger

import (
	"time"

	pkgerrors "github.com/tradeyard/tradeyard-backend/pkg/errors"
)

// HoldKind names the rule that decides when a credited amount becomes
// spendable.
type HoldKind string

const (
	// HoldKindNone lands the credit in the available bucket immediately.
	HoldKindNone HoldKind = "none"
	// HoldKindOnEvent parks the credit as pending until an external event
	// (order delivered) promotes it by source reference.
	HoldKindOnEvent HoldKind = "on_event"
	// HoldKindAtTime parks the credit as pending until AvailableAt, after
	// which the scheduler promotes it.
	HoldKindAtTime HoldKind = "at_time"
	// HoldKindExpiring lands the credit as available immediately but claws
	// it back once ExpiresAt passes.
	HoldKindExpiring HoldKind = "expiring"
)

// HoldPolicy decides which bucket a credit lands in and when it moves.
// This is the one place the event-driven and time-driven hold rules stay
// distinguishable instead of being collapsed into a single delay.
type HoldPolicy struct {
	Kind        HoldKind
	AvailableAt *time.Time
	ExpiresAt   *time.Time
}

// Immediate grants the credit with no hold and no expiry.
func Immediate() HoldPolicy {
	return HoldPolicy{Kind: HoldKindNone}
}

// HoldUntilEvent parks the credit until its source event fires.
func HoldUntilEvent() HoldPolicy {
	return HoldPolicy{Kind: HoldKindOnEvent}
}

// HoldUntil parks the credit until the given instant.
func HoldUntil(at time.Time) HoldPolicy {
	return HoldPolicy{Kind: HoldKindAtTime, AvailableAt: &at}
}

// ImmediateWithExpiry grants the credit now and claws back whatever is
// still unspent at the given instant.
func ImmediateWithExpiry(expiresAt time.Time) HoldPolicy {
	return HoldPolicy{Kind: HoldKindExpiring, ExpiresAt: &expiresAt}
}

// Validate rejects policies whose kind and timestamps disagree.
func (p HoldPolicy) Validate() error {
	switch p.Kind {
	case HoldKindNone, HoldKindOnEvent:
		if p.AvailableAt != nil || p.ExpiresAt != nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "hold policy carries timestamps its kind does not use")
		}
	case HoldKindAtTime:
		if p.AvailableAt == nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "time-based hold requires available_at")
		}
		if p.ExpiresAt != nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "time-based hold does not expire")
		}
	case HoldKindExpiring:
		if p.ExpiresAt == nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "expiring hold requires expires_at")
		}
		if p.AvailableAt != nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "expiring hold is available immediately")
		}
	default:
		return pkgerrors.New(pkgerrors.CodeValidation, "unknown hold policy kind")
	}
	return nil
}

// holds reports whether the credit starts in the pending bucket.
func (p HoldPolicy) holds() bool {
	return p.Kind == HoldKindOnEvent || p.Kind == HoldKindAtTime
}
