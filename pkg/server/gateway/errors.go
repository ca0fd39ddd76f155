package gateway

import "errors"

var (
	// ErrInvalidJSON is returned when a request body is not valid JSON.
	ErrInvalidJSON = errors.New("invalid JSON body")

	// ErrMissingID is returned when an item route has an empty id.
	ErrMissingID = errors.New("id parameter is required")

	// ErrLedgerDisabled is returned by the events route without a ledger.
	ErrLedgerDisabled = errors.New("event ledger is disabled")
)

// InputError reports a client request the gateway could not decode.
type InputError struct {
	Err error
}

func (e *InputError) Error() string {
	return e.Err.Error()
}

func (e *InputError) Unwrap() error {
	return e.Err
}
