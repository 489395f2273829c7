// Package detector implements the MAR CCD detector driver: a worker goroutine
// that runs one acquisition per acquire request and a command dispatcher that
// turns parameter writes into server commands and worker signals.
//
// Typical use:
//
//	client, err := protocol.Dial(ctx, cfg)
//	det := detector.New(client, param.NewRegistry())
//	det.AddArrayHandler(func(arr *ndarray.Array) { ... })
//	go det.Run(ctx)
//	err = det.WriteInt(ctx, param.Acquire, 1)
package detector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-marccd/imagefile"
	"github.com/arloliu/go-marccd/logger"
	"github.com/arloliu/go-marccd/ndarray"
	"github.com/arloliu/go-marccd/param"
	"github.com/arloliu/go-marccd/protocol"
	"github.com/arloliu/go-marccd/sequencer"
	"github.com/arloliu/go-marccd/status"
)

// ErrAlreadyRunning is returned by Run when the worker loop is already running.
var ErrAlreadyRunning = errors.New("detector: worker already running")

// Client sends commands to the detector server.
//
// *protocol.Client satisfies this interface.
type Client interface {
	Send(cmd string) error
	SendAndReceive(cmd string, timeout time.Duration) (string, error)
}

type exchangeObserver interface {
	AddExchangeHandler(handlers ...protocol.ExchangeHandler)
}

type metricsProvider interface {
	Metrics() *protocol.ClientMetrics
}

// timeoutProvider is implemented by clients with a configured reply timeout.
type timeoutProvider interface {
	Timeout() time.Duration
}

// ArrayHandler receives every acquired image.
//
// The array is only valid during the call. A handler keeping it must call
// Reserve and later Release.
type ArrayHandler func(arr *ndarray.Array)

// Detector drives one MAR CCD detector server.
type Detector struct {
	client  Client
	params  *param.Registry
	decoder *status.Decoder
	seq     *sequencer.Sequencer
	reader  *imagefile.Reader
	pool    *ndarray.Pool
	namer   FileNamer
	logger  logger.Logger

	portName     string
	maxSizeX     int
	maxSizeY     int
	pollInterval time.Duration
	clockSkew    time.Duration

	// mu serializes the acquire decision, the frame request snapshot, the image
	// counter and the file numbering.
	mu        sync.Mutex
	acquiring bool // guarded by mu

	start *signal
	abort *signal

	handlersMu sync.RWMutex
	handlers   []ArrayHandler

	running atomic.Bool
	metrics Metrics
}

// New creates a Detector talking to the server through client and publishing
// its state in params.
//
// Parameters not yet present in params get their defaults, then the server
// status is queried once. A failing query is logged and does not fail New.
func New(client Client, params *param.Registry, opts ...Option) *Detector {
	d := &Detector{
		client:       client,
		params:       params,
		logger:       logger.GetLogger(),
		portName:     DefaultPortName,
		maxSizeX:     DefaultMaxSize,
		maxSizeY:     DefaultMaxSize,
		pollInterval: DefaultPollInterval,
		clockSkew:    imagefile.DefaultClockSkew,
		start:        newSignal(),
		abort:        newSignal(),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.logger = d.logger.With("port", d.portName)
	if d.pool == nil {
		d.pool = ndarray.NewPool(DefaultMaxBuffers, DefaultMaxMemory)
	}
	if d.namer == nil {
		d.namer = NewTemplateNamer(params)
	}

	decoderOpts := []status.DecoderOption{status.WithLogger(d.logger)}
	seqOpts := []sequencer.Option{
		sequencer.WithPollInterval(d.pollInterval),
		sequencer.WithLogger(d.logger),
	}
	if tp, ok := client.(timeoutProvider); ok {
		decoderOpts = append(decoderOpts, status.WithTimeout(tp.Timeout()))
		seqOpts = append(seqOpts, sequencer.WithTimeout(tp.Timeout()))
	}

	d.decoder = status.NewDecoder(client, params, decoderOpts...)
	d.seq = sequencer.New(client, d.decoder, params, seqOpts...)
	d.reader = imagefile.NewReader(
		imagefile.WithPollInterval(d.pollInterval),
		imagefile.WithClockSkew(d.clockSkew),
		imagefile.WithLogger(d.logger),
	)

	if obs, ok := client.(exchangeObserver); ok {
		obs.AddExchangeHandler(d.mirrorExchange)
	}

	d.setDefaults()

	if _, err := d.decoder.GetStatus(); err != nil {
		d.logger.Warn("initial status query failed", "error", err)
	}

	return d
}

func (d *Detector) setDefaults() {
	p := d.params
	p.SetDefault(param.Manufacturer, "MAR")
	p.SetDefault(param.Model, "CCD")
	p.SetDefault(param.MaxSizeX, d.maxSizeX)
	p.SetDefault(param.MaxSizeY, d.maxSizeY)
	p.SetDefault(param.SizeX, d.maxSizeX)
	p.SetDefault(param.SizeY, d.maxSizeY)
	p.SetDefault(param.ImageSizeX, d.maxSizeX)
	p.SetDefault(param.ImageSizeY, d.maxSizeY)
	p.SetDefault(param.ImageSize, 0)
	p.SetDefault(param.DataType, DataTypeUInt16)
	p.SetDefault(param.ImageMode, int(ImageContinuous))
	p.SetDefault(param.TriggerMode, int(TriggerInternal))
	p.SetDefault(param.NumImages, 1)
	p.SetDefault(param.AcquireTime, 1.0)
	p.SetDefault(param.AcquirePeriod, 0.0)
	p.SetDefault(param.Acquire, 0)
	p.SetDefault(param.ImageCounter, 0)
	p.SetDefault(param.TimeRemaining, 0.0)
	p.SetDefault(param.BinX, 1)
	p.SetDefault(param.BinY, 1)
	p.SetDefault(param.FrameType, int(sequencer.FrameNormal))
	p.SetDefault(param.AutoSave, 0)
	p.SetDefault(param.Overlap, 0)
	p.SetDefault(param.FilePath, "")
	p.SetDefault(param.FileName, "")
	p.SetDefault(param.FileNumber, 1)
	p.SetDefault(param.FileTemplate, DefaultFileTemplate)
	p.SetDefault(param.AutoIncrement, 1)
	p.SetDefault(param.FullFileName, "")
	p.SetDefault(param.ShutterMode, int(ShutterNone))
	p.SetDefault(param.ShutterOpenDelay, 0.0)
	p.SetDefault(param.ShutterCloseDelay, 0.0)
	p.SetDefault(param.TiffTimeout, DefaultTiffTimeout)
	p.SetDefault(param.StatusMessage, "")
}

func (d *Detector) mirrorExchange(dir protocol.Direction, line string) {
	if dir == protocol.DirectionSent {
		d.params.SetString(param.StringToServer, line)
	} else {
		d.params.SetString(param.StringFromServer, line)
	}
}

// Params returns the parameter registry of the detector.
func (d *Detector) Params() *param.Registry { return d.params }

// Metrics returns the acquisition counters.
func (d *Detector) Metrics() *Metrics { return &d.metrics }

// Pool returns the array pool images are allocated from.
func (d *Detector) Pool() *ndarray.Pool { return d.pool }

// AddArrayHandler registers handlers receiving every acquired image.
func (d *Detector) AddArrayHandler(handlers ...ArrayHandler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers = append(d.handlers, handlers...)
}

// Run runs the worker loop until ctx is done, one acquisition per acquire request.
//
// Acquisition failures are published in STATUS and STATUS_MESSAGE and do not end
// the loop. Run returns the context error, or ErrAlreadyRunning.
func (d *Detector) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer d.running.Store(false)

	d.logger.Info("worker started")
	defer d.logger.Info("worker stopped")

	// keepMessage leaves the outcome of an aborted or failed acquisition visible,
	// failed also keeps STATUS at Error until the next start.
	keepMessage, failed := false, false
	for {
		if !d.params.Bool(param.Acquire) {
			if !failed {
				d.params.SetInt(param.Status, int(status.DetectorIdle))
			}
			if !keepMessage {
				d.params.SetString(param.StatusMessage, "Waiting for acquire command")
			}
			d.logger.Debug("waiting for acquire command")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.start.C():
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		d.abort.Clear()
		d.mu.Lock()
		if !d.params.Bool(param.Acquire) {
			d.mu.Unlock()
			continue
		}
		d.acquiring = true
		d.mu.Unlock()

		err := d.acquire(ctx)
		if ctx.Err() != nil {
			d.mu.Lock()
			d.acquiring = false
			d.mu.Unlock()

			return ctx.Err()
		}
		keepMessage = err != nil
		failed = err != nil && !errors.Is(err, sequencer.ErrAborted)

		// STATUS and ACQUIRE change together under d.mu, so an acquire request
		// either sees the acquisition still running or finds the worker ready.
		d.mu.Lock()
		if !failed {
			d.params.SetInt(param.Status, int(status.DetectorIdle))
		}
		d.params.SetInt(param.Acquire, 0)
		d.acquiring = false
		d.mu.Unlock()
	}
}

// acquire runs one acquisition and publishes its outcome. It returns nil when
// an image was delivered, or the error that ended the acquisition.
func (d *Detector) acquire(ctx context.Context) error {
	d.mu.Lock()
	req, path, err := d.snapshot()
	d.mu.Unlock()
	if err != nil {
		return d.fail(err)
	}

	startTime := time.Now()
	actx, cancel := d.armAbort(ctx)
	defer cancel(nil)

	arr, err := d.acquireImage(actx, req, path, startTime)
	if err != nil {
		if ctx.Err() != nil {
			d.logger.Info("acquisition interrupted by shutdown")
			return err
		}
		if errors.Is(err, sequencer.ErrAborted) {
			d.metrics.AbortedCount.Add(1)
			d.logger.Info("acquisition aborted")
			d.params.SetString(param.StatusMessage, "Acquisition aborted")

			return err
		}

		return d.fail(err)
	}
	if arr == nil {
		d.metrics.CompletedCount.Add(1)
		d.params.SetString(param.StatusMessage, "Acquisition complete")

		return nil
	}

	d.mu.Lock()
	counter := d.params.Int(param.ImageCounter) + 1
	d.params.SetInt(param.ImageCounter, counter)
	d.mu.Unlock()

	arr.UniqueID = counter
	arr.Timestamp = startTime

	source := arr.Source
	d.publish(arr)
	arr.Release()

	d.metrics.CompletedCount.Add(1)
	d.params.SetString(param.StatusMessage, "Acquisition complete")
	d.logger.Info("acquisition complete", "image_counter", counter, "file", source)

	return nil
}

// snapshot takes the frame request and, for auto-saved frames, the file name.
// The caller holds d.mu.
func (d *Detector) snapshot() (sequencer.FrameRequest, string, error) {
	p := d.params
	req := sequencer.FrameRequest{
		FrameType:    sequencer.FrameType(p.Int(param.FrameType)),
		ExposureTime: seconds(p.Float(param.AcquireTime)),
		AutoSave:     p.Bool(param.AutoSave),
		Overlap:      p.Bool(param.Overlap),
		Shutter: sequencer.Shutter{
			Enabled:    ShutterMode(p.Int(param.ShutterMode)) == ShutterDetector,
			OpenDelay:  seconds(p.Float(param.ShutterOpenDelay)),
			CloseDelay: seconds(p.Float(param.ShutterCloseDelay)),
		},
	}
	if err := req.Validate(); err != nil {
		return req, "", err
	}

	if !req.AutoSave {
		return req, "", nil
	}

	path, err := d.namer.CreateFileName()
	if err != nil {
		return req, "", err
	}

	return req, path, nil
}

// acquireImage runs the command sequence and reads the resulting image.
// Background frames only refresh the server's background buffer and return a nil array.
func (d *Detector) acquireImage(ctx context.Context, req sequencer.FrameRequest, path string, startTime time.Time) (*ndarray.Array, error) {
	if err := d.seq.Run(ctx, req, path); err != nil {
		return nil, err
	}
	if req.FrameType == sequencer.FrameBackground {
		return nil, nil
	}

	width, height, err := d.seq.ImageSize(ctx)
	if err != nil {
		return nil, err
	}

	if path == "" {
		path = d.params.String(param.FullFileName)
	}
	if path == "" {
		return nil, imagefile.ErrNoFileName
	}

	arr, err := d.pool.Alloc(width, height)
	if err != nil {
		return nil, err
	}

	d.params.SetString(param.StatusMessage, "Reading TIFF file "+path)
	timeout := seconds(d.params.Float(param.TiffTimeout))
	if err := d.reader.ReadImage(ctx, path, startTime, timeout, arr); err != nil {
		arr.Release()
		return nil, err
	}
	arr.Source = path

	return arr, nil
}

// armAbort derives a context cancelled with ErrAborted when the abort signal is raised.
func (d *Detector) armAbort(ctx context.Context) (context.Context, context.CancelCauseFunc) {
	actx, cancel := context.WithCancelCause(ctx)
	go func() {
		select {
		case <-d.abort.C():
			cancel(sequencer.ErrAborted)
			// a manual save and an acquisition may both be waiting
			d.abort.Post()
		case <-actx.Done():
		}
	}()

	return actx, cancel
}

func (d *Detector) fail(err error) error {
	d.metrics.FailedCount.Add(1)
	d.logger.Error("acquisition failed", "error", err)
	d.params.SetInt(param.Status, int(status.DetectorError))
	d.params.SetString(param.StatusMessage, fmt.Sprintf("Acquisition failed: %v", err))

	return err
}

// publish hands arr to every handler. d.mu must not be held.
func (d *Detector) publish(arr *ndarray.Array) {
	d.handlersMu.RLock()
	handlers := d.handlers
	d.handlersMu.RUnlock()

	for _, h := range handlers {
		h(arr)
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
