package protocol

import "errors"

var (
	// ErrSend is returned when a command could not be written to the server.
	ErrSend = errors.New("protocol: send failed")
	// ErrReceive is returned when a reply could not be read from the server.
	ErrReceive = errors.New("protocol: receive failed")
	// ErrTimeout is returned when no complete reply line arrived in time.
	ErrTimeout = errors.New("protocol: reply timeout")
	// ErrClosed is returned when the client has been closed.
	ErrClosed = errors.New("protocol: client closed")
	// ErrLineTooLong is returned when a reply line exceeds the configured maximum length.
	ErrLineTooLong = errors.New("protocol: reply line too long")
	// ErrBadReply is returned when a reply does not have the expected format.
	ErrBadReply = errors.New("protocol: malformed reply")
)
