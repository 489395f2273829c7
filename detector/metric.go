package detector

import "sync/atomic"

// Metrics counts acquisition outcomes.
type Metrics struct {
	// CompletedCount indicates the number of images handed to consumers.
	CompletedCount atomic.Uint64
	// AbortedCount indicates the number of acquisitions stopped by an abort.
	AbortedCount atomic.Uint64
	// FailedCount indicates the number of acquisitions that ended with an error.
	FailedCount atomic.Uint64
}
