package sequencer

import (
	"fmt"
	"strconv"
	"time"
)

// FrameType selects the command sequence of one acquisition.
type FrameType int

const (
	// FrameNormal is a corrected image: expose, then read out into the data buffer.
	FrameNormal FrameType = 0
	// FrameBackground refreshes the server's background image from two dark frames.
	FrameBackground FrameType = 1
	// FrameRaw is an uncorrected image.
	FrameRaw FrameType = 2
	// FrameDoubleCorrelation splits the exposure in two halves and dezingers them.
	FrameDoubleCorrelation FrameType = 3
)

// String returns string representation of the frame type.
func (t FrameType) String() string {
	switch t {
	case FrameNormal:
		return "normal"
	case FrameBackground:
		return "background"
	case FrameRaw:
		return "raw"
	case FrameDoubleCorrelation:
		return "double-correlation"
	default:
		return "frame-type(" + strconv.Itoa(int(t)) + ")"
	}
}

// IsValid returns if t is a known frame type.
func (t FrameType) IsValid() bool {
	return t >= FrameNormal && t <= FrameDoubleCorrelation
}

// Corrected reports whether files of this frame type are written with
// corrections applied. Only raw frames are written uncorrected.
func (t FrameType) Corrected() bool { return t != FrameRaw }

// Shutter describes whether and how the detector server drives the shutter
// during an exposure.
type Shutter struct {
	Enabled    bool
	OpenDelay  time.Duration
	CloseDelay time.Duration
}

// FrameRequest is the snapshot of acquisition parameters taken at the start of
// one acquisition. It does not change while the acquisition runs.
type FrameRequest struct {
	FrameType    FrameType
	ExposureTime time.Duration
	AutoSave     bool
	// Overlap lets the next exposure start while the server is still writing
	// the previous file.
	Overlap bool
	Shutter Shutter
}

// Validate checks the request. Background frames use a fixed exposure and
// accept any ExposureTime.
func (r FrameRequest) Validate() error {
	if !r.FrameType.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidFrameType, int(r.FrameType))
	}
	if r.FrameType != FrameBackground && r.ExposureTime <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidExposure, r.ExposureTime)
	}
	if r.Shutter.OpenDelay < 0 || r.Shutter.CloseDelay < 0 {
		return fmt.Errorf("%w: shutter delays must not be negative", ErrInvalidExposure)
	}

	return nil
}
