// Package pool holds reusable timers for the polling loops of the detector
// packages.
package pool

import (
	"sync"
	"time"
)

var timers = sync.Pool{
	New: func() any {
		t := time.NewTimer(time.Hour)
		t.Stop()

		return t
	},
}

// AcquireTimer returns a stopped-and-rearmed timer that fires after d.
// Hand it back with ReleaseTimer once the wait is over.
func AcquireTimer(d time.Duration) *time.Timer {
	t, _ := timers.Get().(*time.Timer)
	// Since Go 1.23 Reset discards any value left in t.C.
	t.Reset(d)

	return t
}

// ReleaseTimer stops t and puts it back in the pool. t must not be used afterwards.
func ReleaseTimer(t *time.Timer) {
	t.Stop()
	timers.Put(t)
}
