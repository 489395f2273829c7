package simserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-marccd/protocol"
)

// LocalClient calls a Server directly, without a transport. It has the
// command methods of protocol.Client.
type LocalClient struct {
	srv *Server

	mu       sync.Mutex
	handlers []protocol.ExchangeHandler
}

// NewLocalClient returns a client executing commands on srv.
func NewLocalClient(srv *Server) *LocalClient {
	return &LocalClient{srv: srv}
}

// AddExchangeHandler registers handlers observing every exchanged line.
func (c *LocalClient) AddExchangeHandler(handlers ...protocol.ExchangeHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handlers...)
}

// Send executes cmd and drops any reply.
func (c *LocalClient) Send(cmd string) error {
	c.notify(protocol.DirectionSent, cmd)
	c.srv.Exec(cmd)

	return nil
}

// SendAndReceive executes cmd and returns its reply. A command without reply
// fails with protocol.ErrTimeout, without waiting.
func (c *LocalClient) SendAndReceive(cmd string, timeout time.Duration) (string, error) {
	c.notify(protocol.DirectionSent, cmd)
	reply, ok := c.srv.Exec(cmd)
	if !ok {
		return "", fmt.Errorf("%w: no reply to %q within %v", protocol.ErrTimeout, cmd, timeout)
	}
	c.notify(protocol.DirectionReceived, reply)

	return reply, nil
}

func (c *LocalClient) notify(dir protocol.Direction, line string) {
	c.mu.Lock()
	handlers := c.handlers
	c.mu.Unlock()

	for _, h := range handlers {
		h(dir, line)
	}
}
