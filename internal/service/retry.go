package service

import "time"

// RetryPolicy decides when a failed payment attempt runs again
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy is three attempts with 5s base backoff
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Second}
}

// NextRetryDelay returns the delay before the attempt following attempt
// (1-based), doubling from BaseDelay. ok is false once attempts are exhausted.
func (p RetryPolicy) NextRetryDelay(attempt int) (delay time.Duration, ok bool) {
	if attempt < 1 || attempt >= p.MaxAttempts {
		return 0, false
	}
	return p.BaseDelay << (attempt - 1), true
}
