package ledger

import "errors"

var (
	// ErrDatabaseError is returned when a database operation fails.
	ErrDatabaseError = errors.New("database error")

	// ErrInvalidEvent is returned for events without a name or kind.
	ErrInvalidEvent = errors.New("invalid instance event")
)
