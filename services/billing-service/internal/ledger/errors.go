package ledger

import "errors"

var (
	ErrNotFound          = errors.New("transaction not found")
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrClaimLost means the lease expired and another worker now owns the row.
	ErrClaimLost = errors.New("claim lost")
)
