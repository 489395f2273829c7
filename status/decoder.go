package status

import (
	"fmt"
	"time"

	"github.com/arloliu/go-marccd/logger"
	"github.com/arloliu/go-marccd/param"
	"github.com/arloliu/go-marccd/protocol"
)

// Querier sends a command and returns the single reply line.
//
// *protocol.Client satisfies this interface.
type Querier interface {
	SendAndReceive(cmd string, timeout time.Duration) (string, error)
}

// taskParams maps each task to the registry parameter mirroring its flags.
var taskParams = [...]string{
	TaskAcquire:  param.AcquireTaskStatus,
	TaskRead:     param.ReadoutTaskStatus,
	TaskCorrect:  param.CorrectTaskStatus,
	TaskWrite:    param.WritingTaskStatus,
	TaskDezinger: param.DezingerTaskStatus,
}

// Decoder queries the server status word and publishes its decoded form.
type Decoder struct {
	querier Querier
	params  *param.Registry
	timeout time.Duration
	logger  logger.Logger
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithTimeout sets the get_state reply timeout. The default is protocol.DefaultTimeout.
func WithTimeout(d time.Duration) DecoderOption {
	return func(dec *Decoder) {
		if d > 0 {
			dec.timeout = d
		}
	}
}

// WithLogger sets the logger of the decoder.
func WithLogger(l logger.Logger) DecoderOption {
	return func(dec *Decoder) {
		if l != nil {
			dec.logger = l
		}
	}
}

// NewDecoder creates a decoder that queries q and publishes into params.
func NewDecoder(q Querier, params *param.Registry, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		querier: q,
		params:  params,
		timeout: protocol.DefaultTimeout,
		logger:  logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// GetStatus issues get_state, publishes the per-task flags and the coarse
// detector status, and returns the raw word.
//
// On failure the coarse status is published as DetectorError.
func (d *Decoder) GetStatus() (Word, error) {
	reply, err := d.querier.SendAndReceive(protocol.CmdGetState, d.timeout)
	if err != nil {
		d.params.SetInt(param.Status, int(DetectorError))
		return 0, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	w, err := ParseWord(reply)
	if err != nil {
		d.params.SetInt(param.Status, int(DetectorError))
		return 0, err
	}

	d.Publish(w)
	d.logger.Debug("status word", "word", w.String())

	return w, nil
}

// Publish writes the decoded form of w into the registry.
func (d *Decoder) Publish(w Word) {
	for _, t := range Tasks {
		d.params.SetInt(taskParams[t], int(w.Task(t)))
	}
	d.params.SetInt(param.Status, int(Classify(w)))
}
