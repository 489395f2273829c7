package detector

import (
	"fmt"
	"io"

	"github.com/arloliu/go-marccd/param"
	"github.com/arloliu/go-marccd/status"
)

// Report writes a description of the detector to w. A details level above zero
// adds sizes, counters and pool usage, above one the protocol counters.
func (d *Detector) Report(w io.Writer, details int) {
	fmt.Fprintf(w, "MAR-CCD detector %s\n", d.portName)
	if details <= 0 {
		return
	}

	p := d.params
	fmt.Fprintf(w, "  NX, NY:            %d  %d\n", p.Int(param.SizeX), p.Int(param.SizeY))
	fmt.Fprintf(w, "  Data type:         %d\n", p.Int(param.DataType))
	fmt.Fprintf(w, "  Status:            %s (%s)\n",
		status.DetectorStatus(p.Int(param.Status)), p.String(param.StatusMessage))
	fmt.Fprintf(w, "  Image counter:     %d\n", p.Int(param.ImageCounter))
	fmt.Fprintf(w, "  Acquisitions:      completed=%d aborted=%d failed=%d\n",
		d.metrics.CompletedCount.Load(), d.metrics.AbortedCount.Load(), d.metrics.FailedCount.Load())

	stats := d.pool.Stats()
	fmt.Fprintf(w, "  Array pool:        buffers=%d free=%d memory=%d\n",
		stats.Buffers, stats.FreeBuffers, stats.Memory)

	if details <= 1 {
		return
	}

	if mp, ok := d.client.(metricsProvider); ok {
		m := mp.Metrics()
		fmt.Fprintf(w, "  Protocol:          sent=%d received=%d timeouts=%d errors=%d flushed=%d\n",
			m.CommandSendCount.Load(), m.ReplyRecvCount.Load(), m.TimeoutCount.Load(),
			m.ErrCount.Load(), m.FlushedBytes.Load())
	}
}
