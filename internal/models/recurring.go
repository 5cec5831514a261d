package models

import (
	"fmt"
	"time"
)

// Frequency is the cadence of a recurring payment
type Frequency string

const (
	FrequencyWeekly   Frequency = "WEEKLY"
	FrequencyBiweekly Frequency = "BIWEEKLY"
	FrequencyMonthly  Frequency = "MONTHLY"
)

// RecurringStatus is the state of a recurring payment. PAUSED is only left
// through external reactivation.
type RecurringStatus string

const (
	RecurringActive RecurringStatus = "ACTIVE"
	RecurringPaused RecurringStatus = "PAUSED"
)

// Pause reasons for failed preconditions
const (
	PauseNoEscrow            = "No escrow account"
	PauseInsufficientBalance = "Insufficient balance"
	PauseNoWallet            = "No wallet address"
)

// RecurringPayment is a salary obligation paid on a fixed cadence
type RecurringPayment struct {
	ID              string          `json:"id"`
	UserRoleID      string          `json:"user_role_id"`
	ProjectID       string          `json:"project_id"`
	Amount          int64           `json:"amount"`
	Frequency       Frequency       `json:"frequency"`
	StartDate       time.Time       `json:"start_date"`
	EndDate         *time.Time      `json:"end_date,omitempty"`
	NextPaymentDate time.Time       `json:"next_payment_date"`
	LastPaidDate    *time.Time      `json:"last_paid_date,omitempty"`
	TotalPaid       int64           `json:"total_paid"`
	PaymentCount    int             `json:"payment_count"`
	Status          RecurringStatus `json:"status"`
	PauseReason     string          `json:"pause_reason,omitempty"`
}

// NextPaymentDate advances from by one frequency unit. Monthly steps keep the
// day of month, clamped to the last day of the target month.
func NextPaymentDate(from time.Time, freq Frequency) (time.Time, error) {
	switch freq {
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7), nil
	case FrequencyBiweekly:
		return from.AddDate(0, 0, 14), nil
	case FrequencyMonthly:
		return addMonthClamped(from), nil
	default:
		return time.Time{}, fmt.Errorf("unknown frequency %q", freq)
	}
}

func addMonthClamped(t time.Time) time.Time {
	y, m, d := t.Date()
	firstOfNext := time.Date(y, m+1, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := firstOfNext.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	return time.Date(firstOfNext.Year(), firstOfNext.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
