package wallet

import "errors"

var (
	// ErrInvalidAmount means the amount is zero or negative.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInsufficientFunds means the debited account cannot cover the amount.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrSelfTransfer means sender and receiver are the same account.
	ErrSelfTransfer = errors.New("cannot send payment to yourself")
	// ErrAccountNotFound means a referenced account does not exist.
	ErrAccountNotFound = errors.New("account not found")
	// ErrTransactionNotFound means the referenced transaction does not exist.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrNotRefundable means the transaction is not a completed payment.
	ErrNotRefundable = errors.New("transaction cannot be refunded")
	// ErrAlreadyRefunded means a refund for the transaction already exists.
	ErrAlreadyRefunded = errors.New("transaction already refunded")
)
