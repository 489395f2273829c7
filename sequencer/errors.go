package sequencer

import "errors"

var (
	// ErrAborted is returned when an acquisition was stopped on request.
	ErrAborted = errors.New("sequencer: acquisition aborted")
	// ErrInvalidFrameType is returned for an unknown frame type.
	ErrInvalidFrameType = errors.New("sequencer: invalid frame type")
	// ErrInvalidExposure is returned for a non-positive exposure time.
	ErrInvalidExposure = errors.New("sequencer: invalid exposure")
)
