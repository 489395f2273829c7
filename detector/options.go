package detector

import (
	"time"

	"github.com/arloliu/go-marccd/logger"
	"github.com/arloliu/go-marccd/ndarray"
)

const (
	DefaultPortName   = "marccd"
	DefaultMaxSize    = 2048
	DefaultMaxBuffers = 8
	// DefaultMaxMemory is 0, meaning the pool memory is not limited.
	DefaultMaxMemory    = 0
	DefaultPollInterval = 10 * time.Millisecond
	DefaultTiffTimeout  = 20.0 // seconds
)

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the logger of the detector and of the components it creates.
func WithLogger(l logger.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithPortName sets the name the detector reports itself under.
func WithPortName(name string) Option {
	return func(d *Detector) {
		if name != "" {
			d.portName = name
		}
	}
}

// WithMaxSize sets the sensor size published as MAX_SIZE_X and MAX_SIZE_Y.
func WithMaxSize(x, y int) Option {
	return func(d *Detector) {
		if x > 0 && y > 0 {
			d.maxSizeX, d.maxSizeY = x, y
		}
	}
}

// WithPollInterval sets the interval of the status polls and file read attempts.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Detector) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// WithPool sets the array pool images are allocated from.
func WithPool(p *ndarray.Pool) Option {
	return func(d *Detector) {
		if p != nil {
			d.pool = p
		}
	}
}

// WithFileNamer replaces the TemplateNamer.
func WithFileNamer(n FileNamer) Option {
	return func(d *Detector) {
		if n != nil {
			d.namer = n
		}
	}
}

// WithClockSkew sets how much older than the acquisition start an image file
// may be and still be accepted.
func WithClockSkew(skew time.Duration) Option {
	return func(d *Detector) {
		if skew > 0 {
			d.clockSkew = skew
		}
	}
}
