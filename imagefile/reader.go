// Package imagefile reads the image files written out-of-band by the detector
// server.
//
// The server creates the file some time after the readout command returns and
// keeps writing it for a while, so a Reader first waits for a fresh file to
// appear and then retries decoding until the file is a complete TIFF image of
// the expected size.
package imagefile

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"time"

	"golang.org/x/image/tiff"

	"github.com/arloliu/go-marccd/internal/pool"
	"github.com/arloliu/go-marccd/logger"
	"github.com/arloliu/go-marccd/ndarray"
)

const (
	// DefaultPollInterval is the delay between two attempts of either phase.
	DefaultPollInterval = 10 * time.Millisecond
	// DefaultClockSkew is how much older than the reference time a file may be
	// and still count as fresh.
	DefaultClockSkew = 10 * time.Second
)

// Reader waits for and reads detector image files.
type Reader struct {
	pollInterval time.Duration
	clockSkew    time.Duration
	logger       logger.Logger
}

// Option configures a Reader.
type Option func(*Reader)

// WithPollInterval sets the delay between two attempts.
func WithPollInterval(d time.Duration) Option {
	return func(r *Reader) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithClockSkew sets the tolerated difference between the file modification
// time and the reference time.
func WithClockSkew(d time.Duration) Option {
	return func(r *Reader) {
		if d >= 0 {
			r.clockSkew = d
		}
	}
}

// WithLogger sets the logger of the reader.
func WithLogger(l logger.Logger) Option {
	return func(r *Reader) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewReader creates a Reader.
func NewReader(opts ...Option) *Reader {
	r := &Reader{
		pollInterval: DefaultPollInterval,
		clockSkew:    DefaultClockSkew,
		logger:       logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// ReadImage waits for path to be created and then reads it into dst.
//
// A file is fresh when its modification time is no more than the clock skew
// older than referenceTime. Each of the two phases, waiting for a fresh file
// and waiting for a complete image, is bounded by timeout. A zero timeout
// skips the freshness check and makes a single attempt per phase.
//
// When ctx ends first, ReadImage returns context.Cause(ctx). On any error the
// content of dst is zeroed.
func (r *Reader) ReadImage(ctx context.Context, path string, referenceTime time.Time, timeout time.Duration, dst *ndarray.Array) error {
	if path == "" {
		return ErrNoFileName
	}

	if err := r.waitCreated(ctx, path, referenceTime, timeout); err != nil {
		dst.Zero()
		return err
	}

	if err := r.waitComplete(ctx, path, timeout, dst); err != nil {
		dst.Zero()
		return err
	}

	return nil
}

func (r *Reader) waitCreated(ctx context.Context, path string, referenceTime time.Time, timeout time.Duration) error {
	start := time.Now()
	staleSeen := false

	for {
		info, err := os.Stat(path)
		if err == nil && info.Mode().IsRegular() {
			if timeout == 0 || info.ModTime().Sub(referenceTime) > -r.clockSkew {
				return nil
			}
			if !staleSeen {
				staleSeen = true
				r.logger.Debug("file older than acquisition start", "path", path,
					"mtime", info.ModTime(), "reference", referenceTime)
			}
		}

		if time.Since(start) >= timeout {
			if staleSeen {
				return fmt.Errorf("%w: %s is older than the acquisition start, check the clocks of this host and the server", ErrCreateTimeout, path)
			}
			return fmt.Errorf("%w: %s", ErrCreateTimeout, path)
		}

		if err := pool.Sleep(ctx, r.pollInterval); err != nil {
			return err
		}
	}
}

func (r *Reader) waitComplete(ctx context.Context, path string, timeout time.Duration, dst *ndarray.Array) error {
	start := time.Now()
	attempts := 0

	for {
		attempts++
		err := r.decodeInto(path, dst)
		if err == nil {
			r.logger.Debug("image file read", "path", path, "attempts", attempts, "elapsed", time.Since(start))
			return nil
		}
		r.logger.Debug("image file not ready", "path", path, "attempt", attempts, "error", err)

		if time.Since(start) >= timeout {
			return fmt.Errorf("%w: %s after %d attempts: %w", ErrIncompleteTimeout, path, attempts, err)
		}

		if err := pool.Sleep(ctx, r.pollInterval); err != nil {
			return err
		}
	}
}

// decodeInto makes one attempt to read path into dst.
func (r *Reader) decodeInto(path string, dst *ndarray.Array) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	cfg, err := tiff.DecodeConfig(f)
	if err != nil {
		return fmt.Errorf("decode header: %w", err)
	}
	if cfg.Width != dst.Width || cfg.Height != dst.Height {
		return fmt.Errorf("%w: file %dx%d, buffer %dx%d", ErrDimensionMismatch, cfg.Width, cfg.Height, dst.Width, dst.Height)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	img, err := tiff.Decode(f)
	if err != nil {
		return fmt.Errorf("decode strips: %w", err)
	}

	gray, ok := img.(*image.Gray16)
	if !ok {
		return fmt.Errorf("%w: %T is not 16-bit grayscale", ErrSizeMismatch, img)
	}

	if n := dst.FromGray16(gray); n != dst.Size() {
		return fmt.Errorf("%w: read %d of %d bytes", ErrSizeMismatch, n, dst.Size())
	}

	return nil
}
