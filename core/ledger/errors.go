package ledger

import "errors"

var (
	// ErrInvalidAmount is returned when a grant or consumption amount is not positive.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrInsufficientCredits is returned when the owner's non-expired balance
	// cannot cover the requested consumption.
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	// ErrTransactionNotFound is returned when a refund references an unknown transaction.
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
	// ErrNotOwnedByOwner is returned when a refund references a transaction
	// belonging to a different owner.
	ErrNotOwnedByOwner = errors.New("ledger: transaction not owned by owner")
	// ErrNotAConsumption is returned when a refund references a transaction
	// whose delta is not negative.
	ErrNotAConsumption = errors.New("ledger: transaction is not a consumption")
	// ErrAlreadyRefunded is returned when a refund references a consumption
	// that has already been reversed, including a duplicate id within one call.
	ErrAlreadyRefunded = errors.New("ledger: transaction already refunded")
)
