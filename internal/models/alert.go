package models

import "time"

// AlertType names the events the engine emits for notification delivery
type AlertType string

const (
	AlertLowBalance        AlertType = "LOW_BALANCE"
	AlertRecurringPaused   AlertType = "RECURRING_PAUSED"
	AlertTaskPaymentFailed AlertType = "TASK_PAYMENT_FAILED"
	AlertStalePendingTx    AlertType = "STALE_PENDING_TX"
)

// Alert is an engine event. Delivery is up to the configured sink.
type Alert struct {
	Type      AlertType         `json:"type"`
	ProjectID string            `json:"project_id"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	At        time.Time         `json:"at"`
}
