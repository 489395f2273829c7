package detector

import (
	"context"
	"errors"

	"github.com/arloliu/go-marccd/param"
	"github.com/arloliu/go-marccd/protocol"
	"github.com/arloliu/go-marccd/sequencer"
	"github.com/arloliu/go-marccd/status"
)

// WriteInt stores an integer parameter and performs its side effect.
//
//   - ACQUIRE 1 wakes the worker when no acquisition runs and STATUS is Idle
//     or Error. ACQUIRE 0 aborts the running acquisition or manual save and
//     sends abort to the server.
//   - BIN_X and BIN_Y send the current binning to the server.
//   - WRITE_FILE saves the current server image under the next file name and
//     waits for the write to finish.
//
// Other names are only stored.
func (d *Detector) WriteInt(ctx context.Context, name string, value int) error {
	d.mu.Lock()
	d.params.SetInt(name, value)

	switch name {
	case param.Acquire:
		if value != 0 {
			st := status.DetectorStatus(d.params.Int(param.Status))
			ready := !d.acquiring && (st.IsIdle() || st.IsError())
			d.mu.Unlock()
			if ready {
				d.start.Post()
			} else {
				d.logger.Warn("acquire request ignored, detector not idle", "status", st)
			}

			return nil
		}
		d.mu.Unlock()
		d.abort.Post()

		return d.client.Send(protocol.CmdAbort)

	case param.BinX, param.BinY:
		x, y := d.params.Int(param.BinX), d.params.Int(param.BinY)
		d.mu.Unlock()

		return d.client.Send(protocol.SetBin(x, y))

	case param.WriteFile:
		frameType := sequencer.FrameType(d.params.Int(param.FrameType))
		path, err := d.namer.CreateFileName()
		if !d.acquiring {
			// a leftover abort must not cancel the save before it starts
			d.abort.Clear()
		}
		d.mu.Unlock()
		if err != nil {
			return err
		}

		return d.saveFile(ctx, path, frameType.Corrected())
	}

	d.mu.Unlock()

	return nil
}

// saveFile writes the current server image to path. ACQUIRE 0 cancels the waits.
func (d *Detector) saveFile(ctx context.Context, path string, corrected bool) error {
	d.logger.Info("saving file", "path", path, "corrected", corrected)

	actx, cancel := d.armAbort(ctx)
	defer cancel(nil)

	err := d.seq.SaveFile(actx, path, corrected, true)
	if errors.Is(err, sequencer.ErrAborted) && ctx.Err() == nil {
		d.logger.Info("file save aborted", "path", path)
		d.params.SetString(param.StatusMessage, "File save aborted")

		return nil
	}
	if err != nil {
		d.logger.Error("file save failed", "path", path, "error", err)
		return err
	}

	return nil
}

// WriteFloat stores a float parameter.
func (d *Detector) WriteFloat(_ context.Context, name string, value float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params.SetFloat(name, value)

	return nil
}

// WriteString stores a string parameter.
func (d *Detector) WriteString(_ context.Context, name string, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params.SetString(name, value)

	return nil
}
