package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// Transport describes one Modbus communication channel in the blocking
// execution style. A transport serializes concurrent Exchange calls
// internally, so a single instance may be shared by multiple goroutines;
// calls proceed one at a time in arrival order. Distinct instances are
// fully independent.
type Transport interface {
	// Open establishes the channel. Opening an already open transport is
	// an error.
	Open() error

	// Close releases the channel. Closing a closed transport is a no-op.
	Close() error

	// IsOpen reports whether the channel is currently usable.
	IsOpen() bool

	// Exchange performs a single request-response cycle with the given
	// unit: exactly one request frame is sent, and exactly one matching
	// response frame is awaited. Nothing is ever retried. A broadcast
	// request (unit 0, serial lines only) is sent without awaiting a
	// response and yields an empty PDU.
	Exchange(unit UnitID, req PDU) (PDU, error)
}

// AsyncTransport is the context-aware counterpart of Transport. Its
// methods suspend only at channel I/O; cancellation or expiry of the
// context interrupts an exchange at those points. Concurrent Exchange
// calls are serialized in submission order.
type AsyncTransport interface {
	// Open establishes the channel.
	Open(ctx context.Context) error

	// Close releases the channel. Closing a closed transport is a no-op.
	Close() error

	// IsOpen reports whether the channel is currently usable.
	IsOpen() bool

	// Exchange performs a single request-response cycle with the given
	// unit, honouring ctx.
	Exchange(ctx context.Context, unit UnitID, req PDU) (PDU, error)
}

// Default transport parameters.
const (
	// defaultBaudRate is the serial line speed assumed when none is
	// configured.
	defaultBaudRate = 9600

	// defaultSerialTimeout is the response timeout for serial exchanges.
	defaultSerialTimeout = time.Second

	// defaultTCPExchangeTimeout is the response timeout for TCP
	// exchanges.
	defaultTCPExchangeTimeout = 5 * time.Second

	// broadcastTurnaround is the silent interval after a broadcast frame.
	// No device answers a broadcast, so the requester has to grant all of
	// them time to execute it before the next frame may go out.
	broadcastTurnaround = 100 * time.Millisecond
)

// errNotOpen reports use of a transport which is not open.
var errNotOpen = errors.New("transport not open")

// serialLink is the byte-level channel beneath the serial transports and
// listeners. A net.Conn satisfies it directly, which lets tests drive the
// framing over in-memory pipes; real serial ports are adapted by
// portLink.
type serialLink interface {
	io.ReadWriteCloser

	// SetDeadline arms an absolute deadline for subsequent reads and
	// writes.
	SetDeadline(t time.Time) error
}

// SerialConfig collects the line parameters of a serial Modbus channel.
// Zero fields select defaults.
type SerialConfig struct {
	// Device is the platform specific port name, e. g. "/dev/ttyUSB0" or
	// "COM3".
	Device string

	// BaudRate is the line speed in bits per second. Defaults to 9600.
	BaudRate int

	// DataBits is the number of data bits per character. Defaults to 8.
	DataBits int

	// Parity is the parity scheme of the line. Defaults to
	// serial.NoParity. Even parity is the conventional choice for ASCII
	// lines.
	Parity serial.Parity

	// StopBits is the number of stop bits per character. Defaults to
	// serial.OneStopBit.
	StopBits serial.StopBits
}

// Validate performs cursory validation of this configuration.
// It also fills in default values where appropriate.
func (c *SerialConfig) Validate() error {
	if c.Device == "" {
		return errors.New("empty device name")
	}
	if c.BaudRate == 0 {
		c.BaudRate = defaultBaudRate
	}
	if c.BaudRate < 0 {
		return fmt.Errorf("negative baud rate %d", c.BaudRate)
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	return nil
}

// mode returns the port mode for this configuration.
func (c *SerialConfig) mode() *serial.Mode {
	return &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		Parity:   c.Parity,
		StopBits: c.StopBits,
	}
}

// transportOptions describes options common to all transports.
type transportOptions struct {
	// timeout bounds a single request-response cycle.
	timeout time.Duration

	// logger is the diagnostics sink.
	logger logrus.FieldLogger
}

// Validate performs cursory validation of these transport options.
// It also fills in default values where appropriate; the zero timeout is
// left for the transport to default by binding.
func (opt *transportOptions) Validate() error {
	if opt.logger == nil {
		opt.logger = discardLogger()
	}
	return nil
}

// TransportOption describes an option to be passed to a transport
// constructor.
type TransportOption func(*transportOptions) error

// WithExchangeTimeout bounds each request-response cycle of the transport
// by the given duration. The default is one second for serial transports
// and five seconds for TCP transports.
func WithExchangeTimeout(timeout time.Duration) TransportOption {
	return func(opt *transportOptions) error {
		if timeout <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", timeout)
		}
		if opt.timeout != 0 {
			return errors.New("WithExchangeTimeout specified multiple times")
		}
		opt.timeout = timeout
		return nil
	}
}

// WithTransportLogger directs the transport's diagnostics to the given
// sink. By default, diagnostics are discarded.
func WithTransportLogger(logger logrus.FieldLogger) TransportOption {
	return func(opt *transportOptions) error {
		if logger == nil {
			return errors.New("nil logger")
		}
		if opt.logger != nil {
			return errors.New("WithTransportLogger specified multiple times")
		}
		opt.logger = logger
		return nil
	}
}

// discardLogger returns the default diagnostics sink, which drops
// everything.
func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// charTime returns the time one character occupies a serial line at the
// given baud rate: one start bit, eight data bits, parity or first stop
// bit, and stop bit.
func charTime(baudRate int) time.Duration {
	return 11 * time.Second / time.Duration(baudRate)
}

// interFrameDelay returns the silent interval which must separate two
// frames on a serial line: 3.5 character times, fixed at 1750 µs at
// 19200 baud and above.
func interFrameDelay(baudRate int) time.Duration {
	if baudRate >= 19200 {
		return 1750 * time.Microsecond
	}
	return 35 * charTime(baudRate) / 10
}

// isTimeout determines whether err stems from an expired I/O deadline.
func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return os.IsTimeout(err)
}

// mapLinkError converts a raw link I/O error into the engine taxonomy.
func mapLinkError(op string, err error) error {
	if isTimeout(err) {
		return &TimeoutError{Op: op}
	}
	return &ConnectionError{Op: op, Err: err}
}

// slot is a single-occupancy token channel serializing exchanges on one
// transport. Goroutines blocked on a channel receive their token in FIFO
// order, which preserves submission order.
type slot chan struct{}

// newSlot returns a free slot.
func newSlot() slot {
	return make(slot, 1)
}

// acquire blocks until the slot is free or ctx is done. Expiry of the
// context is reported as a TimeoutError, cancellation as the context's
// own error.
func (s slot) acquire(ctx context.Context) error {
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Op: "queue wait"}
		}
		return ctx.Err()
	}
}

// release frees the slot.
func (s slot) release() {
	<-s
}

// deadlineInterrupter forces pending I/O on link to fail promptly once
// ctx is done by moving the link deadline into the past. The returned
// stop function releases the watcher and must be called when the
// guarded I/O is over.
func deadlineInterrupter(ctx context.Context, link interface {
	SetDeadline(time.Time) error
}) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			link.SetDeadline(time.Unix(1, 0))
		case <-done:
		}
	}()
	return func() { close(done) }
}

// discard drains whatever is sitting in the link's receive buffer, eating
// up to 1 kB, so that the next frame starts on a clean line.
func discard(link serialLink) {
	buf := make([]byte, 1024)
	link.SetDeadline(time.Now().Add(500 * time.Microsecond))
	io.ReadFull(link, buf)
}
