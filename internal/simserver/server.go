// Package simserver emulates a MAR CCD detector server in remote mode.
//
// The emulation is time driven: commands queue server tasks synchronously and
// timers move them through executing to done, writing TIFF files the way the
// real server does, first partially and complete at the end of the write task.
package simserver

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arloliu/go-marccd/logger"
	"github.com/arloliu/go-marccd/protocol"
	"github.com/arloliu/go-marccd/status"
)

// Config holds the sensor size and the task timings of a Server.
// Zero fields take the Default* values.
type Config struct {
	Width        int
	Height       int
	QueueDelay   time.Duration
	ReadoutTime  time.Duration
	CorrectTime  time.Duration
	WriteTime    time.Duration
	DezingerTime time.Duration
	Logger       logger.Logger
}

const (
	DefaultWidth        = 256
	DefaultHeight       = 256
	DefaultQueueDelay   = 2 * time.Millisecond
	DefaultReadoutTime  = 10 * time.Millisecond
	DefaultCorrectTime  = 5 * time.Millisecond
	DefaultWriteTime    = 10 * time.Millisecond
	DefaultDezingerTime = 5 * time.Millisecond
)

func (c *Config) normalize() {
	if c.Width <= 0 {
		c.Width = DefaultWidth
	}
	if c.Height <= 0 {
		c.Height = DefaultHeight
	}
	if c.QueueDelay <= 0 {
		c.QueueDelay = DefaultQueueDelay
	}
	if c.ReadoutTime <= 0 {
		c.ReadoutTime = DefaultReadoutTime
	}
	if c.CorrectTime <= 0 {
		c.CorrectTime = DefaultCorrectTime
	}
	if c.WriteTime <= 0 {
		c.WriteTime = DefaultWriteTime
	}
	if c.DezingerTime <= 0 {
		c.DezingerTime = DefaultDezingerTime
	}
	if c.Logger == nil {
		c.Logger = logger.GetLogger()
	}
}

// Server is an emulated detector server.
type Server struct {
	cfg    Config
	logger logger.Logger

	mu     sync.Mutex
	flags  [len(status.Tasks)]status.TaskFlags
	errs   [len(status.Tasks)]bool
	busy   bool
	muted  bool
	gen    uint64
	closed bool

	binX, binY  int
	shutterOpen bool
	frames      int
	buffers     map[int]int
	commands    []string
	files       []string
	timers      map[*time.Timer]struct{}

	ln    net.Listener
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// New creates a Server.
func New(cfg Config) *Server {
	cfg.normalize()

	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "simserver"),
		binX:    1,
		binY:    1,
		buffers: make(map[int]int),
		timers:  make(map[*time.Timer]struct{}),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Exec executes one command line. ok reports whether the command produces a
// reply line. Unknown commands are logged and ignored, like the real server does.
func (s *Server) Exec(line string) (reply string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	s.commands = append(s.commands, line)

	name, args, _ := strings.Cut(line, ",")
	switch name {
	case protocol.CmdGetState:
		if s.muted {
			return "", false
		}
		return fmt.Sprintf("0x%08x", uint32(s.word())), true
	case protocol.CmdGetSize:
		if s.muted {
			return "", false
		}
		w, h := s.imageSize()
		return fmt.Sprintf("%d,%d", w, h), true
	case protocol.CmdStart:
		s.start()
	case protocol.CmdAbort:
		s.abort()
	case "shutter":
		s.shutterOpen = args == "1"
	case "set_bin":
		s.setBin(args)
	case "readout":
		s.readout(args)
	case "writefile":
		s.writeFile(args)
	case "dezinger":
		s.dezinger()
	default:
		s.logger.Warn("unknown command", "command", line)
	}

	return "", false
}

// Word returns the current status word.
func (s *Server) Word() status.Word {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.word()
}

// Commands returns the command lines received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.commands...)
}

// Files returns the paths of the completely written image files.
func (s *Server) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.files...)
}

// ShutterOpen reports whether the shutter is open.
func (s *Server) ShutterOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.shutterOpen
}

// SetBusy forces the machine state into the busy range.
func (s *Server) SetBusy(busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = busy
}

// SetMuted makes the server swallow get_state and get_size queries.
func (s *Server) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

// SetTaskError raises or clears the error flag of task t.
func (s *Server) SetTaskError(t status.Task, raised bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[t] = raised
}

// Listen starts serving on a TCP listener bound to addr and returns its address.
func (s *Server) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(ln)
	}()

	return ln.Addr(), nil
}

func (s *Server) serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("accept failed", "error", err)
			}
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(conn)
		}()
	}
}

// ServeConn serves one connection until the peer closes it.
func (s *Server) ServeConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	s.logger.Info("client connected", "remote", conn.RemoteAddr())
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		reply, ok := s.Exec(scanner.Text())
		if !ok {
			continue
		}
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			s.logger.Warn("write reply failed", "error", err)
			return
		}
	}
	s.logger.Info("client disconnected", "remote", conn.RemoteAddr())
}

// Close stops the listener, drops the connections and the pending tasks.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen++
	for t := range s.timers {
		t.Stop()
	}
	clear(s.timers)

	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	return err
}

func (s *Server) word() status.Word {
	var w status.Word
	for i, t := range status.Tasks {
		f := s.flags[i]
		if s.errs[i] {
			f |= status.FlagError
		}
		w = w.WithTask(t, f)
	}

	switch {
	case s.busy:
		w = w.WithState(status.StateBusy)
	case s.flags[status.TaskAcquire].Executing():
		w = w.WithState(status.StateAcquiring)
	case s.flags[status.TaskRead].Executing():
		w = w.WithState(status.StateReading)
	case s.flags[status.TaskCorrect].Executing():
		w = w.WithState(status.StateCorrecting)
	case s.flags[status.TaskWrite].Executing():
		w = w.WithState(status.StateWriting)
	}

	return w
}

func (s *Server) imageSize() (int, int) {
	return s.cfg.Width / s.binX, s.cfg.Height / s.binY
}

func (s *Server) setBin(args string) {
	xs, ys, _ := strings.Cut(args, ",")
	x, errX := strconv.Atoi(xs)
	y, errY := strconv.Atoi(ys)
	if errX != nil || errY != nil || x <= 0 || y <= 0 {
		s.logger.Warn("bad set_bin arguments", "args", args)
		return
	}
	s.binX, s.binY = x, y
}

// after runs fn with s.mu held once d elapsed, unless an abort or Close happened first.
func (s *Server) after(d time.Duration, fn func()) {
	gen := s.gen
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.timers, t)
		if s.gen != gen || s.closed {
			return
		}
		fn()
	})
	s.timers[t] = struct{}{}
}
