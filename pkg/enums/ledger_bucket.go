package enums

import "fmt"

// LedgerBucket names the balance bucket a log entry snapshots.
type LedgerBucket string

const (
	LedgerBucketAvailable LedgerBucket = "available"
	LedgerBucketPending   LedgerBucket = "pending"
	LedgerBucketBlocked   LedgerBucket = "blocked"
)

var validLedgerBuckets = []LedgerBucket{
	LedgerBucketAvailable,
	LedgerBucketPending,
	LedgerBucketBlocked,
}

// IsValid reports whether the value matches the canonical bucket enum.
func (b LedgerBucket) IsValid() bool {
	for _, candidate := range validLedgerBuckets {
		if candidate == b {
			return true
		}
	}
	return false
}

// ParseLedgerBucket converts raw input into LedgerBucket.
func ParseLedgerBucket(value string) (LedgerBucket, error) {
	for _, candidate := range validLedgerBuckets {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid ledger bucket %q", value)
}
