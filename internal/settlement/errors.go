package settlement

import "github.com/cockroachdb/errors"

var (
	// ErrInsufficientFunds is returned by Transfer when the sender cannot cover
	// the amount plus fees.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrUnknownAccount is returned when an address or handle was not created
	// through this backend.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrBatchNotFound is returned by GetBatch for an unknown ref.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrInvalidHandle is returned when a handle of another backend is passed in.
	ErrInvalidHandle = errors.New("handle does not belong to this backend")
)

// IsInsufficientFunds reports whether err is, or wraps, ErrInsufficientFunds.
func IsInsufficientFunds(err error) bool {
	return errors.Is(err, ErrInsufficientFunds)
}
