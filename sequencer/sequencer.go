// Package sequencer drives the detector server through the command sequences of
// one acquisition: exposure, readout, dezinger and file writing.
//
// Every step waits for the server's task pipeline by polling the status word at
// a fixed interval. Waits have no deadline of their own, they end when the task
// reaches the expected state, when a command fails, or when the context is
// cancelled. Cancelling the context with ErrAborted as cause aborts the
// acquisition, the error returned then matches ErrAborted.
package sequencer

import (
	"context"
	"fmt"
	"time"

	"github.com/arloliu/go-marccd/internal/pool"
	"github.com/arloliu/go-marccd/logger"
	"github.com/arloliu/go-marccd/param"
	"github.com/arloliu/go-marccd/protocol"
	"github.com/arloliu/go-marccd/status"
)

const (
	// DefaultPollInterval is the delay between two status polls.
	DefaultPollInterval = 10 * time.Millisecond
	// BackgroundExposure is the exposure of each dark frame of a background acquisition.
	BackgroundExposure = time.Millisecond
	// minShutterDelay keeps the shutter command and the exposure wait apart.
	minShutterDelay = time.Millisecond
)

// Frame buffers of the detector server.
const (
	BufferData       = 0
	BufferBackground = 1
	BufferScratch    = 2
	BufferRaw        = 3
)

// Dezinger modes.
const (
	DezingerToData       = 0
	DezingerToBackground = 1
)

// Commander sends commands to the detector server.
//
// *protocol.Client satisfies this interface.
type Commander interface {
	Send(cmd string) error
	SendAndReceive(cmd string, timeout time.Duration) (string, error)
}

// StatusReader queries the current server status word.
//
// *status.Decoder satisfies this interface.
type StatusReader interface {
	GetStatus() (status.Word, error)
}

// Sequencer executes acquisition sequences.
//
// A Sequencer is driven by one goroutine at a time. Only the status and
// progress parameters of the registry are written.
type Sequencer struct {
	cmd          Commander
	status       StatusReader
	params       *param.Registry
	pollInterval time.Duration
	timeout      time.Duration
	logger       logger.Logger
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithPollInterval sets the delay between two status polls.
func WithPollInterval(d time.Duration) Option {
	return func(s *Sequencer) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithTimeout sets the reply timeout of get_size.
func WithTimeout(d time.Duration) Option {
	return func(s *Sequencer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger of the sequencer.
func WithLogger(l logger.Logger) Option {
	return func(s *Sequencer) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Sequencer sending commands with cmd and polling st.
func New(cmd Commander, st StatusReader, params *param.Registry, opts ...Option) *Sequencer {
	s := &Sequencer{
		cmd:          cmd,
		status:       st,
		params:       params,
		pollInterval: DefaultPollInterval,
		timeout:      protocol.DefaultTimeout,
		logger:       logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run executes the command sequence of req. path is the file the image is
// written to, or empty when the server should not write a file.
func (s *Sequencer) Run(ctx context.Context, req FrameRequest, path string) error {
	if err := req.Validate(); err != nil {
		return err
	}

	s.logger.Info("acquisition sequence started", "frame_type", req.FrameType,
		"exposure", req.ExposureTime, "path", path, "shutter", req.Shutter.Enabled)

	switch req.FrameType {
	case FrameNormal, FrameRaw:
		buffer := BufferData
		if req.FrameType == FrameRaw {
			buffer = BufferRaw
		}
		if err := s.Acquire(ctx, req.ExposureTime, req.Shutter); err != nil {
			return err
		}

		return s.Readout(ctx, buffer, path, !req.Overlap)

	case FrameBackground:
		if err := s.Acquire(ctx, BackgroundExposure, Shutter{}); err != nil {
			return err
		}
		if err := s.Readout(ctx, BufferBackground, "", true); err != nil {
			return err
		}
		if err := s.Acquire(ctx, BackgroundExposure, Shutter{}); err != nil {
			return err
		}
		if err := s.Readout(ctx, BufferScratch, "", true); err != nil {
			return err
		}

		return s.Dezinger(ctx, DezingerToBackground)

	case FrameDoubleCorrelation:
		half := req.ExposureTime / 2
		if err := s.Acquire(ctx, half, req.Shutter); err != nil {
			return err
		}
		if err := s.Readout(ctx, BufferScratch, "", true); err != nil {
			return err
		}
		if err := s.Acquire(ctx, half, req.Shutter); err != nil {
			return err
		}
		if err := s.Readout(ctx, BufferData, "", true); err != nil {
			return err
		}
		if err := s.Dezinger(ctx, DezingerToData); err != nil {
			return err
		}
		if !req.AutoSave {
			return nil
		}

		return s.SaveFile(ctx, path, true, true)
	}

	return fmt.Errorf("%w: %d", ErrInvalidFrameType, int(req.FrameType))
}

// Acquire starts one exposure of the given length and waits for it to end.
//
// When the shutter is enabled it is opened once the server reports the acquire
// task executing and closed after the exposure, also when the exposure was aborted.
func (s *Sequencer) Acquire(ctx context.Context, exposure time.Duration, shutter Shutter) error {
	err := s.waitFor(ctx, func(w status.Word) bool { return w.TaskIdle(status.TaskAcquire) })
	if err != nil {
		return err
	}

	s.params.SetString(param.StatusMessage, "Starting exposure")
	s.params.SetInt(param.Status, int(status.DetectorAcquire))
	if err := s.cmd.Send(protocol.CmdStart); err != nil {
		return err
	}

	err = s.waitFor(ctx, func(w status.Word) bool {
		return w.Task(status.TaskAcquire).Executing() && !w.IsBusy()
	})
	if err != nil {
		return err
	}

	if shutter.Enabled {
		if err := s.cmd.Send(protocol.Shutter(true)); err != nil {
			return err
		}
		delay := max(shutter.OpenDelay-shutter.CloseDelay, minShutterDelay)
		if err := pool.Sleep(ctx, delay); err != nil {
			_ = s.closeShutter()
			return err
		}
	}

	s.params.SetString(param.StatusMessage, "Exposing")
	err = s.expose(ctx, exposure)

	if shutter.Enabled {
		if closeErr := s.closeShutter(); err == nil && closeErr != nil {
			return closeErr
		}
		if err == nil {
			err = pool.Sleep(ctx, shutter.CloseDelay)
		}
	}

	return err
}

// Readout reads the CCD into buffer. A non-empty fileName makes the server
// write the image file, and with wait set Readout also waits for that write.
func (s *Sequencer) Readout(ctx context.Context, buffer int, fileName string, wait bool) error {
	err := s.waitFor(ctx, func(w status.Word) bool { return w.TaskIdle(status.TaskRead) })
	if err != nil {
		return err
	}

	s.params.SetString(param.StatusMessage, fmt.Sprintf("Reading out buffer %d", buffer))
	s.params.SetInt(param.Status, int(status.DetectorReadout))
	if err := s.cmd.Send(protocol.Readout(buffer, fileName)); err != nil {
		return err
	}

	err = s.waitFor(ctx, func(w status.Word) bool { return !w.Task(status.TaskRead).Active() })
	if err != nil {
		return err
	}

	if !wait || fileName == "" {
		return nil
	}

	return s.waitFor(ctx, func(w status.Word) bool { return w.TaskIdle(status.TaskWrite) })
}

// SaveFile makes the server write the current data buffer to path, corrected
// or raw. With wait set it returns once the write task is done.
func (s *Sequencer) SaveFile(ctx context.Context, path string, corrected bool, wait bool) error {
	err := s.waitFor(ctx, func(w status.Word) bool { return w.TaskIdle(status.TaskWrite) })
	if err != nil {
		return err
	}

	s.params.SetString(param.StatusMessage, "Saving "+path)
	if err := s.cmd.Send(protocol.WriteFile(path, corrected)); err != nil {
		return err
	}

	if !wait {
		return nil
	}

	return s.waitFor(ctx, func(w status.Word) bool { return w.TaskIdle(status.TaskWrite) })
}

// Dezinger combines the two most recent frame buffers and waits for the task to finish.
func (s *Sequencer) Dezinger(ctx context.Context, mode int) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}

	s.params.SetString(param.StatusMessage, "Dezingering")
	if err := s.cmd.Send(protocol.Dezinger(mode)); err != nil {
		return err
	}

	return s.waitFor(ctx, func(w status.Word) bool { return w.TaskIdle(status.TaskDezinger) })
}

// ImageSize queries the dimensions of the current image and publishes them.
func (s *Sequencer) ImageSize(ctx context.Context) (width int, height int, err error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, context.Cause(ctx)
	}

	reply, err := s.cmd.SendAndReceive(protocol.CmdGetSize, s.timeout)
	if err != nil {
		return 0, 0, err
	}

	width, height, err = protocol.ParseSize(reply)
	if err != nil {
		return 0, 0, err
	}

	s.params.SetInt(param.ImageSizeX, width)
	s.params.SetInt(param.ImageSizeY, height)
	s.params.SetInt(param.ImageSize, width*height*2)

	return width, height, nil
}

// expose waits for the exposure time, publishing the remaining time each poll.
func (s *Sequencer) expose(ctx context.Context, exposure time.Duration) error {
	start := time.Now()
	for {
		remaining := exposure - time.Since(start)
		if remaining <= 0 {
			s.params.SetFloat(param.TimeRemaining, 0)
			return nil
		}
		s.params.SetFloat(param.TimeRemaining, remaining.Seconds())

		if err := pool.Sleep(ctx, min(s.pollInterval, remaining)); err != nil {
			return err
		}
	}
}

func (s *Sequencer) closeShutter() error {
	err := s.cmd.Send(protocol.Shutter(false))
	if err != nil {
		s.logger.Error("failed to close shutter", "error", err)
	}

	return err
}

// waitFor polls the status word until done reports true.
func (s *Sequencer) waitFor(ctx context.Context, done func(status.Word) bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}

		w, err := s.status.GetStatus()
		if err != nil {
			return err
		}
		if done(w) {
			return nil
		}

		if err := pool.Sleep(ctx, s.pollInterval); err != nil {
			return err
		}
	}
}
