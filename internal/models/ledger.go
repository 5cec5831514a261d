package models

import "time"

// PaymentStatus is the payment state of a task
type PaymentStatus string

const (
	PaymentUnpaid     PaymentStatus = "UNPAID"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentPaid       PaymentStatus = "PAID"
	PaymentFailed     PaymentStatus = "FAILED"
)

// Task holds the payment-relevant columns of a task row
type Task struct {
	ID            string        `json:"id"`
	ProjectID     string        `json:"project_id"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	PaymentTxHash string        `json:"payment_tx_hash,omitempty"`
	PaymentJobID  string        `json:"payment_job_id,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Project holds the payment-relevant columns of a project row
type Project struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ReleasedFunds  int64  `json:"released_funds"`
	MinimumBalance *int64 `json:"minimum_balance,omitempty"`
	EscrowFunded   bool   `json:"escrow_funded"`
}

// ProjectEscrow is the custodial account of a project. CurrentBalance is a
// cached mirror of the chain balance.
type ProjectEscrow struct {
	ProjectID            string `json:"project_id"`
	EscrowAddress        string `json:"escrow_address"`
	EncryptedKeyMaterial string `json:"-"`
	CurrentBalance       int64  `json:"current_balance"`
}

// BalanceWatch is a project enrolled in the low-balance sweep
type BalanceWatch struct {
	ProjectID      string
	ProjectName    string
	EscrowAddress  string
	MinimumBalance int64
}

// TransactionType distinguishes the two payment paths
type TransactionType string

const (
	TxTaskPayment   TransactionType = "TASK_PAYMENT"
	TxSalaryPayment TransactionType = "SALARY_PAYMENT"
)

// TransactionStatus is the chain state of a recorded transaction
type TransactionStatus string

const (
	TxPending   TransactionStatus = "PENDING"
	TxConfirmed TransactionStatus = "CONFIRMED"
	TxFailed    TransactionStatus = "FAILED"
)

// BlockchainTransaction is the ledger record of a submitted transfer. TxHash is
// globally unique and is the reconciliation key against chain history.
type BlockchainTransaction struct {
	ID                 string            `json:"id"`
	TxHash             string            `json:"tx_hash"`
	Type               TransactionType   `json:"type"`
	Amount             int64             `json:"amount"`
	Fee                int64             `json:"fee"`
	FromAddress        string            `json:"from_address"`
	ToAddress          string            `json:"to_address"`
	ProjectID          string            `json:"project_id"`
	TaskID             string            `json:"task_id,omitempty"`
	RecurringPaymentID string            `json:"recurring_payment_id,omitempty"`
	Status             TransactionStatus `json:"status"`
	BlockNumber        *uint64           `json:"block_number,omitempty"`
	Confirmations      int               `json:"confirmations"`
	ErrorMessage       string            `json:"error_message,omitempty"`
	SubmittedAt        time.Time         `json:"submitted_at"`
	ConfirmedAt        *time.Time        `json:"confirmed_at,omitempty"`
	EscalatedAt        *time.Time        `json:"escalated_at,omitempty"`
}

// Confirmation carries the chain data written when a transaction confirms
type Confirmation struct {
	BlockNumber   uint64
	Confirmations int
	ConfirmedAt   time.Time
}
