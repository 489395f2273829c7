package status

import "errors"

var (
	// ErrBadStatusWord is returned when a get_state reply is not an integer.
	ErrBadStatusWord = errors.New("status: malformed status word")
	// ErrQueryFailed is returned when the status word could not be queried.
	ErrQueryFailed = errors.New("status: get_state failed")
)
