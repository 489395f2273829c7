package journal

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-marccd/internal/queue"
	"github.com/arloliu/go-marccd/ndarray"
)

// DefaultMaxPending is the number of arrays a Recorder holds before dropping.
const DefaultMaxPending = 4

// Recorder records arrays on its own goroutine so that the detector worker
// is not held up by database writes.
//
// HandleArray reserves the array and queues it. The array is released once
// recorded. When MaxPending arrays are waiting, new arrays are dropped.
type Recorder struct {
	journal    *Journal
	maxPending int
	pending    *queue.LockFreeQueue[*ndarray.Array]
	wake       chan struct{}
	stop       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once

	recorded atomic.Uint64
	dropped  atomic.Uint64
}

// NewRecorder starts a Recorder writing to j. maxPending <= 0 uses DefaultMaxPending.
func (j *Journal) NewRecorder(maxPending int) *Recorder {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}

	r := &Recorder{
		journal:    j,
		maxPending: maxPending,
		pending:    newArrayQueue(),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go r.run()

	return r
}

// HandleArray queues arr for recording. It has the signature of a detector
// array handler.
func (r *Recorder) HandleArray(arr *ndarray.Array) {
	select {
	case <-r.stop:
		r.dropped.Add(1)
		return
	default:
	}

	if r.pending.Length() >= r.maxPending {
		r.dropped.Add(1)
		r.journal.logger.Warn("journal recorder full, array dropped", "image_counter", arr.UniqueID)
		return
	}

	arr.Reserve()
	r.pending.Enqueue(arr)

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Recorded returns the number of arrays recorded.
func (r *Recorder) Recorded() uint64 { return r.recorded.Load() }

// Dropped returns the number of arrays dropped.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Close records the queued arrays and stops the recorder.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)

	for {
		r.drain()

		select {
		case <-r.stop:
			r.drain()
			return
		case <-r.wake:
		}
	}
}

func (r *Recorder) drain() {
	for {
		arr, ok := r.pending.Dequeue()
		if !ok {
			return
		}

		if _, err := r.journal.Add(context.Background(), arr); err != nil {
			r.journal.logger.Error("failed to record acquisition", "image_counter", arr.UniqueID, "error", err)
		} else {
			r.recorded.Add(1)
		}
		arr.Release()
	}
}

func newArrayQueue() *queue.LockFreeQueue[*ndarray.Array] {
	return queue.NewLockFreeQueue[*ndarray.Array]()
}
