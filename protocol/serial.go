package protocol

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.bug.st/serial"
)

// SerialOptions describes the serial line parameters used when the detector
// server is reached through a terminal server or a local serial port.
type SerialOptions struct {
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o SerialOptions) Normalize() (SerialOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 9600
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("protocol: invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("protocol: invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch parity := strings.ToUpper(strings.TrimSpace(opts.Parity)); parity {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("protocol: unsupported parity %q: expected N, E, or O", o.Parity)
	}

	return opts, nil
}

// Mode converts the options into the serial.Mode used to open a port.
func (o SerialOptions) Mode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}

	return mode, nil
}

// serialPort is the subset of serial.Port used by the client.
type serialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// serialTransport adapts a serial port to the deadline based Transport.
type serialTransport struct {
	port serialPort
}

var _ Transport = (*serialTransport)(nil)

func openSerial(path string, opts SerialOptions) (*serialTransport, error) {
	mode, err := opts.Mode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("protocol: open serial port %s: %w", path, err)
	}

	return &serialTransport{port: port}, nil
}

// Read returns os.ErrDeadlineExceeded when the port read timeout expires
// without data, matching the behavior of a net.Conn.
func (t *serialTransport) Read(p []byte) (int, error) {
	n, err := t.port.Read(p)
	if n == 0 && err == nil {
		return 0, os.ErrDeadlineExceeded
	}

	return n, err
}

func (t *serialTransport) Write(p []byte) (int, error) { return t.port.Write(p) }

func (t *serialTransport) Close() error { return t.port.Close() }

// SetReadDeadline converts the deadline into a port read timeout.
// A zero deadline disables the timeout.
func (t *serialTransport) SetReadDeadline(deadline time.Time) error {
	if deadline.IsZero() {
		return t.port.SetReadTimeout(serial.NoTimeout)
	}

	d := time.Until(deadline)
	if d < time.Millisecond {
		d = time.Millisecond
	}

	return t.port.SetReadTimeout(d)
}

// SetWriteDeadline is a no-op, serial writes are bounded by the line speed.
func (t *serialTransport) SetWriteDeadline(time.Time) error { return nil }

// ResetInput purges the port receive buffer.
func (t *serialTransport) ResetInput() error { return t.port.ResetInputBuffer() }
