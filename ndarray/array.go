// Package ndarray provides the reference counted image buffers handed from the
// detector worker to image consumers, and the bounded pool they come from.
package ndarray

import (
	"encoding/binary"
	"image"
	"sync/atomic"
	"time"
)

// BytesPerPixel is the size of one unsigned 16-bit sample.
const BytesPerPixel = 2

// Array is a two dimensional unsigned 16-bit image in row-major order.
//
// An Array returned by Pool.Alloc holds one reference. Every additional holder
// calls Reserve, and every holder calls Release exactly once when done.
type Array struct {
	Width  int
	Height int
	Pix    []uint16

	// UniqueID is the image counter value at the time the image was produced.
	UniqueID int
	// Timestamp is the acquisition start time of the image.
	Timestamp time.Time
	// Source is the path of the file the image was read from.
	Source string

	pool *Pool
	refs atomic.Int32
}

// NewArray allocates an unpooled array. Release on it is a no-op once the
// last reference is dropped.
func NewArray(width, height int) *Array {
	a := &Array{Width: width, Height: height, Pix: make([]uint16, width*height)}
	a.refs.Store(1)

	return a
}

// Len returns the number of pixels.
func (a *Array) Len() int { return a.Width * a.Height }

// Size returns the pixel data size in bytes.
func (a *Array) Size() int { return a.Len() * BytesPerPixel }

// At returns the pixel at column x, row y.
func (a *Array) At(x, y int) uint16 { return a.Pix[y*a.Width+x] }

// Reserve adds a reference to the array.
func (a *Array) Reserve() { a.refs.Add(1) }

// Release drops a reference. The last release returns the array to its pool.
func (a *Array) Release() {
	n := a.refs.Add(-1)
	switch {
	case n == 0 && a.pool != nil:
		a.pool.put(a)
	case n < 0:
		panic("ndarray: release of unreferenced array")
	}
}

// RefCount returns the current number of references.
func (a *Array) RefCount() int { return int(a.refs.Load()) }

// Zero clears all pixels.
func (a *Array) Zero() { clear(a.Pix) }

// FromGray16 copies img into the array. It returns the number of bytes copied,
// which is smaller than Size when img is smaller than the array.
func (a *Array) FromGray16(img *image.Gray16) int {
	b := img.Bounds()
	rows := min(b.Dy(), a.Height)
	cols := min(b.Dx(), a.Width)

	copied := 0
	for y := range rows {
		src := img.Pix[y*img.Stride : y*img.Stride+cols*BytesPerPixel]
		dst := a.Pix[y*a.Width : y*a.Width+cols]
		for x := range dst {
			dst[x] = binary.BigEndian.Uint16(src[x*BytesPerPixel:])
		}
		copied += len(src)
	}

	return copied
}

// Gray16 returns a copy of the array as an image.Gray16.
func (a *Array) Gray16() *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, a.Width, a.Height))
	for i, v := range a.Pix {
		binary.BigEndian.PutUint16(img.Pix[i*BytesPerPixel:], v)
	}

	return img
}
