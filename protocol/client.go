// Package protocol implements the client side of the detector server's
// remote-mode protocol: newline terminated ASCII commands, at most one reply
// line per command.
//
// A Client never retries. Stale input is discarded immediately before every
// command so that a reply always belongs to the command that preceded it.
package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-marccd/logger"
)

// Direction tells whether a line was sent to or received from the server.
type Direction uint8

const (
	DirectionSent Direction = iota
	DirectionReceived
)

// String returns string representation of the direction.
func (d Direction) String() string {
	if d == DirectionSent {
		return "sent"
	}
	return "received"
}

// ExchangeHandler observes every line exchanged with the server.
//
// Note: the handler will be invoked in a blocking mode while the client lock is held.
// It must not call back into the client.
type ExchangeHandler func(dir Direction, line string)

// Client is a line oriented command client of the detector server.
//
// All methods are safe for concurrent use, each call is one atomic exchange.
type Client struct {
	cfg       *ConnectionConfig
	transport Transport
	reader    *bufio.Reader
	logger    logger.Logger

	mu     sync.Mutex
	closed atomic.Bool

	handlersMu sync.RWMutex
	handlers   []ExchangeHandler

	metrics ClientMetrics
}

// Dial opens the connection described by cfg and returns a client using it.
func Dial(ctx context.Context, cfg *ConnectionConfig, handlers ...ExchangeHandler) (*Client, error) {
	t, err := openTransport(ctx, cfg)
	if err != nil {
		return nil, err
	}

	cfg.GetLogger().Info("connected to detector server", "network", cfg.Network(), "address", cfg.Address())

	return NewClient(t, cfg, handlers...), nil
}

// NewClient creates a client on an already opened transport.
//
// A nil cfg uses the default configuration.
func NewClient(t Transport, cfg *ConnectionConfig, handlers ...ExchangeHandler) *Client {
	if cfg == nil {
		cfg, _ = NewConnectionConfig("localhost")
	}

	return &Client{
		cfg:       cfg,
		transport: t,
		reader:    bufio.NewReaderSize(t, cfg.MaxLineLength()),
		logger:    cfg.GetLogger(),
		handlers:  slices.Clone(handlers),
	}
}

// AddExchangeHandler adds handlers observing the exchanged lines.
func (c *Client) AddExchangeHandler(handlers ...ExchangeHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, handlers...)
}

// Config returns the connection configuration of the client.
func (c *Client) Config() *ConnectionConfig { return c.cfg }

// Timeout returns the default reply timeout.
func (c *Client) Timeout() time.Duration { return c.cfg.Timeout() }

// Metrics returns the client metrics.
func (c *Client) Metrics() *ClientMetrics { return &c.metrics }

// Send discards stale input and writes cmd followed by the output terminator.
func (c *Client) Send(cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}

	c.flush()

	return c.write(cmd)
}

// Receive reads one reply line, waiting at most timeout. The line terminator is
// stripped.
func (c *Client) Receive(timeout time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return "", ErrClosed
	}

	return c.readLine(timeout)
}

// SendAndReceive discards stale input, sends cmd and reads its single reply
// line, waiting at most timeout for it.
func (c *Client) SendAndReceive(cmd string, timeout time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return "", ErrClosed
	}

	c.flush()
	if err := c.write(cmd); err != nil {
		return "", err
	}

	return c.readLine(timeout)
}

// Close closes the underlying transport. Pending and later calls fail with ErrClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	return c.transport.Close()
}

func (c *Client) write(cmd string) error {
	c.notify(DirectionSent, cmd)

	if err := c.transport.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout())); err != nil {
		c.metrics.incErrCount()
		return fmt.Errorf("%w: %w", ErrSend, err)
	}

	if _, err := io.WriteString(c.transport, cmd+c.cfg.OutputEOS()); err != nil {
		c.metrics.incErrCount()
		c.logger.Debug("failed to send command", "command", cmd, "error", err)

		return fmt.Errorf("%w: %q: %w", ErrSend, cmd, err)
	}

	c.metrics.incCommandSendCount()
	c.logger.Debug("command sent", "command", cmd)

	return nil
}

func (c *Client) readLine(timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = c.cfg.Timeout()
	}

	if err := c.transport.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		c.metrics.incErrCount()
		return "", fmt.Errorf("%w: %w", ErrReceive, err)
	}

	raw, err := c.reader.ReadSlice('\n')
	if err != nil {
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			c.metrics.incTimeoutCount()
			c.logger.Debug("reply timeout", "timeout", timeout, "partial", string(raw))

			return "", fmt.Errorf("%w after %v", ErrTimeout, timeout)
		case errors.Is(err, bufio.ErrBufferFull):
			c.metrics.incErrCount()
			return "", fmt.Errorf("%w: more than %d bytes", ErrLineTooLong, c.cfg.MaxLineLength())
		default:
			c.metrics.incErrCount()
			return "", fmt.Errorf("%w: %w", ErrReceive, err)
		}
	}

	line := strings.TrimRight(string(raw), "\r\n")
	c.metrics.incReplyRecvCount()
	c.notify(DirectionReceived, line)
	c.logger.Debug("reply received", "reply", line)

	return line, nil
}

// flush discards buffered input and whatever arrives within the flush window.
func (c *Client) flush() {
	discarded := c.reader.Buffered()
	if discarded > 0 {
		_, _ = c.reader.Discard(discarded)
	}

	if r, ok := c.transport.(inputResetter); ok {
		_ = r.ResetInput()
	}

	if err := c.transport.SetReadDeadline(time.Now().Add(c.cfg.FlushWindow())); err == nil {
		var buf [256]byte
		for {
			n, err := c.transport.Read(buf[:])
			discarded += n
			if err != nil || n == 0 {
				break
			}
		}
	}
	c.reader.Reset(c.transport)

	if discarded > 0 {
		c.metrics.addFlushedBytes(discarded)
		c.logger.Debug("discarded stale input", "bytes", discarded)
	}
}

func (c *Client) notify(dir Direction, line string) {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()

	for _, h := range c.handlers {
		h(dir, line)
	}
}
