package chain

import (
	"context"
	"errors"
)

var (
	// ErrConfirmationTimeout means the transfer was not confirmed within the
	// client's wait window. The transfer may still land; callers retry.
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	// ErrTransactionFailed means the chain rejected or reverted the transfer.
	ErrTransactionFailed = errors.New("transaction failed on chain")
)

// TransferRequest asks the signing gateway to move funds out of an escrow
type TransferRequest struct {
	FromAddress  string `json:"from_address"`
	EncryptedKey string `json:"encrypted_key"`
	ToAddress    string `json:"to_address"`
	Amount       int64  `json:"amount"`
	Note         string `json:"note,omitempty"`
}

// Submission is the result of an accepted transfer
type Submission struct {
	TxHash string `json:"tx_hash"`
	Fee    int64  `json:"fee"`
}

// Confirmation is returned once a transfer is included in a block
type Confirmation struct {
	BlockNumber   uint64 `json:"block_number"`
	Confirmations int    `json:"confirmations"`
}

// Status is a point-in-time view of a transaction on chain
type Status struct {
	Confirmed     bool   `json:"confirmed"`
	Failed        bool   `json:"failed"`
	BlockNumber   uint64 `json:"block_number,omitempty"`
	Confirmations int    `json:"confirmations"`
	Reason        string `json:"reason,omitempty"`
}

// Client is the chain collaborator used by the payment engine
type Client interface {
	SubmitTransfer(ctx context.Context, req TransferRequest) (*Submission, error)
	AwaitConfirmation(ctx context.Context, txHash string) (*Confirmation, error)
	GetTransactionStatus(ctx context.Context, txHash string) (*Status, error)
	GetBalance(ctx context.Context, address string) (int64, error)
}
