package protocol

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/arloliu/go-marccd/logger"
)

// Default values of a ConnectionConfig.
const (
	DefaultTimeout        = 1 * time.Second      // reply timeout of a command
	DefaultConnectTimeout = 3 * time.Second      // TCP dial timeout
	DefaultFlushWindow    = 2 * time.Millisecond // how long a flush waits for stale bytes
	DefaultWriteTimeout   = 1 * time.Second      // write deadline of a command line
	DefaultMaxLineLength  = 256                  // longest accepted reply line
	DefaultOutputEOS      = "\n"                 // terminator appended to each command
	DefaultPort           = 2222                 // marccd remote-mode TCP port
)

// Range limits of a ConnectionConfig.
const (
	MinTimeout = 10 * time.Millisecond
	MaxTimeout = 60 * time.Second

	MinMaxLineLength = 16
	MaxMaxLineLength = 64 * 1024
)

// Network identifies the kind of byte stream a client runs on.
type Network string

const (
	NetworkTCP    Network = "tcp"
	NetworkSerial Network = "serial"
)

// ConnectionConfig holds the configuration of a detector server connection.
type ConnectionConfig struct {
	network Network
	// address is "host:port" for TCP or the device path for serial.
	address string
	serial  SerialOptions

	timeout        time.Duration
	connectTimeout time.Duration
	writeTimeout   time.Duration
	flushWindow    time.Duration

	maxLineLength int
	outputEOS     string

	logger logger.Logger
}

// NewConnectionConfig creates a new connection configuration.
//
// address is "host:port" of the detector server, a bare host uses DefaultPort.
// With the WithSerial option, address is the serial device path instead.
func NewConnectionConfig(address string, opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		network:        NetworkTCP,
		address:        strings.TrimSpace(address),
		timeout:        DefaultTimeout,
		connectTimeout: DefaultConnectTimeout,
		writeTimeout:   DefaultWriteTimeout,
		flushWindow:    DefaultFlushWindow,
		maxLineLength:  DefaultMaxLineLength,
		outputEOS:      DefaultOutputEOS,
		logger:         logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.validateAddress(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (cfg *ConnectionConfig) validateAddress() error {
	if cfg.address == "" {
		return errors.New("protocol: empty address")
	}

	if cfg.network == NetworkSerial {
		return nil
	}

	host, portStr, err := net.SplitHostPort(cfg.address)
	if err != nil {
		// bare host without port
		host, portStr = cfg.address, strconv.Itoa(DefaultPort)
	}
	if host == "" {
		return fmt.Errorf("protocol: invalid address %q", cfg.address)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("protocol: port %q out of range [1, 65535]", portStr)
	}
	cfg.address = net.JoinHostPort(host, strconv.Itoa(port))

	return nil
}

// --- Getters ---

// Network returns the network of the connection.
func (cfg *ConnectionConfig) Network() Network { return cfg.network }

// Address returns "host:port" for TCP or the device path for serial.
func (cfg *ConnectionConfig) Address() string { return cfg.address }

// SerialOptions returns the normalized serial options.
func (cfg *ConnectionConfig) SerialOptions() SerialOptions { return cfg.serial }

// Timeout returns the default reply timeout.
func (cfg *ConnectionConfig) Timeout() time.Duration { return cfg.timeout }

// ConnectTimeout returns the TCP dial timeout.
func (cfg *ConnectionConfig) ConnectTimeout() time.Duration { return cfg.connectTimeout }

// WriteTimeout returns the write deadline of one command line.
func (cfg *ConnectionConfig) WriteTimeout() time.Duration { return cfg.writeTimeout }

// FlushWindow returns how long a flush waits for stale input.
func (cfg *ConnectionConfig) FlushWindow() time.Duration { return cfg.flushWindow }

// MaxLineLength returns the longest accepted reply line in bytes.
func (cfg *ConnectionConfig) MaxLineLength() int { return cfg.maxLineLength }

// OutputEOS returns the terminator appended to each command.
func (cfg *ConnectionConfig) OutputEOS() string { return cfg.outputEOS }

// GetLogger returns the configured logger.
func (cfg *ConnectionConfig) GetLogger() logger.Logger { return cfg.logger }

// --- ConnOption ---

// ConnOption is a functional option for configuring a ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc func(*ConnectionConfig) error

func (f connOptFunc) apply(cfg *ConnectionConfig) error { return f(cfg) }

// WithSerial makes the address a serial device path opened with opts.
func WithSerial(opts SerialOptions) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		normalized, err := opts.Normalize()
		if err != nil {
			return err
		}
		cfg.network = NetworkSerial
		cfg.serial = normalized

		return nil
	})
}

// WithTimeout sets the default reply timeout, range [10ms, 60s].
func WithTimeout(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if d < MinTimeout || d > MaxTimeout {
			return fmt.Errorf("protocol: timeout %v out of range [%v, %v]", d, MinTimeout, MaxTimeout)
		}
		cfg.timeout = d

		return nil
	})
}

// WithConnectTimeout sets the TCP dial timeout.
func WithConnectTimeout(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if d <= 0 {
			return errors.New("protocol: connect timeout must be positive")
		}
		cfg.connectTimeout = d

		return nil
	})
}

// WithWriteTimeout sets the write deadline of one command line.
func WithWriteTimeout(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if d <= 0 {
			return errors.New("protocol: write timeout must be positive")
		}
		cfg.writeTimeout = d

		return nil
	})
}

// WithFlushWindow sets how long a flush waits for stale input before sending.
func WithFlushWindow(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if d <= 0 || d > MaxTimeout {
			return fmt.Errorf("protocol: flush window %v out of range (0, %v]", d, MaxTimeout)
		}
		cfg.flushWindow = d

		return nil
	})
}

// WithMaxLineLength sets the longest accepted reply line.
func WithMaxLineLength(n int) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if n < MinMaxLineLength || n > MaxMaxLineLength {
			return fmt.Errorf("protocol: max line length %d out of range [%d, %d]", n, MinMaxLineLength, MaxMaxLineLength)
		}
		cfg.maxLineLength = n

		return nil
	})
}

// WithOutputEOS sets the terminator appended to each command.
func WithOutputEOS(eos string) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if eos == "" {
			return errors.New("protocol: output terminator must not be empty")
		}
		cfg.outputEOS = eos

		return nil
	})
}

// WithLogger sets the logger for the connection.
func WithLogger(l logger.Logger) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if l == nil {
			return errors.New("protocol: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
