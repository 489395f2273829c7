package imagefile

import "errors"

var (
	// ErrCreateTimeout is returned when no fresh file appeared within the timeout.
	ErrCreateTimeout = errors.New("imagefile: timeout waiting for file to be created")
	// ErrIncompleteTimeout is returned when the file did not become a complete,
	// valid image within the timeout.
	ErrIncompleteTimeout = errors.New("imagefile: timeout waiting for file to be complete")
	// ErrDimensionMismatch is reported when the file's image size differs from the destination buffer.
	ErrDimensionMismatch = errors.New("imagefile: image dimensions mismatch")
	// ErrSizeMismatch is reported when the decoded pixel data does not fill the destination buffer.
	ErrSizeMismatch = errors.New("imagefile: pixel data size mismatch")
	// ErrNoFileName is returned when there is no file to read.
	ErrNoFileName = errors.New("imagefile: no file name")
)
