package protocol

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// Transport is a reliable byte stream to the detector server.
//
// net.Conn satisfies this interface.
type Transport interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// inputResetter is implemented by transports that can purge pending input
// without reading it.
type inputResetter interface {
	ResetInput() error
}

// openTransport opens the transport described by cfg.
func openTransport(ctx context.Context, cfg *ConnectionConfig) (Transport, error) {
	switch cfg.Network() {
	case NetworkSerial:
		return openSerial(cfg.Address(), cfg.SerialOptions())
	default:
		dialer := net.Dialer{Timeout: cfg.ConnectTimeout()}
		conn, err := dialer.DialContext(ctx, "tcp", cfg.Address())
		if err != nil {
			return nil, fmt.Errorf("protocol: dial %s: %w", cfg.Address(), err)
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}

		return conn, nil
	}
}
