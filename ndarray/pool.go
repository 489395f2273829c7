package ndarray

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrNoBuffers is returned when the pool reached its buffer count limit.
	ErrNoBuffers = errors.New("ndarray: buffer limit reached")
	// ErrNoMemory is returned when the pool reached its memory limit.
	ErrNoMemory = errors.New("ndarray: memory limit reached")
	// ErrInvalidSize is returned for non-positive dimensions.
	ErrInvalidSize = errors.New("ndarray: invalid array size")
)

// Pool hands out arrays within a buffer count and memory budget and recycles
// released arrays. A zero limit means unlimited.
type Pool struct {
	maxBuffers int
	maxMemory  int64

	mu      sync.Mutex
	free    []*Array
	buffers int
	memory  int64

	allocCount atomic.Uint64
	reuseCount atomic.Uint64
}

// PoolStats is a snapshot of the pool usage.
type PoolStats struct {
	Buffers     int
	FreeBuffers int
	Memory      int64
	AllocCount  uint64
	ReuseCount  uint64
}

// NewPool creates a pool limited to maxBuffers arrays and maxMemory bytes of pixel data.
func NewPool(maxBuffers int, maxMemory int64) *Pool {
	return &Pool{maxBuffers: maxBuffers, maxMemory: maxMemory}
}

// Alloc returns an array of width x height pixels holding one reference.
// The pixel content of a recycled array is unspecified.
func (p *Pool) Alloc(width, height int) (*Array, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}
	n := width * height

	p.mu.Lock()
	defer p.mu.Unlock()

	if a := p.takeFree(n); a != nil {
		p.reuseCount.Add(1)
		return p.prepare(a, width, height), nil
	}

	need := int64(n * BytesPerPixel)
	for len(p.free) > 0 && (p.bufferLimitReached() || p.memoryLimitReached(need)) {
		p.dropFree()
	}
	if p.bufferLimitReached() {
		return nil, fmt.Errorf("%w: %d buffers", ErrNoBuffers, p.maxBuffers)
	}
	if p.memoryLimitReached(need) {
		return nil, fmt.Errorf("%w: %d of %d bytes in use", ErrNoMemory, p.memory, p.maxMemory)
	}

	p.buffers++
	p.memory += need
	p.allocCount.Add(1)

	return p.prepare(&Array{Pix: make([]uint16, n), pool: p}, width, height), nil
}

// Stats returns a snapshot of the pool usage.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		Buffers:     p.buffers,
		FreeBuffers: len(p.free),
		Memory:      p.memory,
		AllocCount:  p.allocCount.Load(),
		ReuseCount:  p.reuseCount.Load(),
	}
}

func (p *Pool) prepare(a *Array, width, height int) *Array {
	a.Width = width
	a.Height = height
	a.Pix = a.Pix[:width*height]
	a.UniqueID = 0
	a.Timestamp = time.Time{}
	a.Source = ""
	a.refs.Store(1)

	return a
}

// takeFree removes and returns the smallest free array with room for n pixels.
func (p *Pool) takeFree(n int) *Array {
	best := -1
	for i, a := range p.free {
		if cap(a.Pix) >= n && (best < 0 || cap(a.Pix) < cap(p.free[best].Pix)) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}

	a := p.free[best]
	p.free = append(p.free[:best], p.free[best+1:]...)

	return a
}

func (p *Pool) dropFree() {
	a := p.free[0]
	p.free = p.free[1:]
	p.buffers--
	p.memory -= int64(cap(a.Pix) * BytesPerPixel)
}

func (p *Pool) bufferLimitReached() bool {
	return p.maxBuffers > 0 && p.buffers >= p.maxBuffers
}

func (p *Pool) memoryLimitReached(need int64) bool {
	return p.maxMemory > 0 && p.memory+need > p.maxMemory
}

func (p *Pool) put(a *Array) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, a)
}
