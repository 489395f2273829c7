package protocol

import (
	"sync/atomic"
)

// ClientMetrics contains atomic metrics for a client.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type ClientMetrics struct {
	// CommandSendCount indicates the number of command lines sent.
	CommandSendCount atomic.Uint64
	// ReplyRecvCount indicates the number of reply lines received.
	ReplyRecvCount atomic.Uint64
	// TimeoutCount indicates the number of replies that did not arrive in time.
	TimeoutCount atomic.Uint64
	// ErrCount indicates the number of send and receive errors, timeouts excluded.
	ErrCount atomic.Uint64
	// FlushedBytes indicates the number of stale input bytes discarded before sending.
	FlushedBytes atomic.Uint64
}

func (m *ClientMetrics) incCommandSendCount() {
	m.CommandSendCount.Add(1)
}

func (m *ClientMetrics) incReplyRecvCount() {
	m.ReplyRecvCount.Add(1)
}

func (m *ClientMetrics) incTimeoutCount() {
	m.TimeoutCount.Add(1)
}

func (m *ClientMetrics) incErrCount() {
	m.ErrCount.Add(1)
}

func (m *ClientMetrics) addFlushedBytes(n int) {
	if n > 0 {
		m.FlushedBytes.Add(uint64(n))
	}
}
