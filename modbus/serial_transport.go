package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// portPollInterval is the slice length for port reads. go.bug.st ports
// support only relative read timeouts, so portLink approximates absolute
// deadlines by polling at this granularity.
const portPollInterval = 50 * time.Millisecond

// AvailablePorts lists the serial port names present on this machine,
// e. g. for presenting a port choice to an operator.
func AvailablePorts() ([]string, error) {
	return serial.GetPortsList()
}

// portLink adapts a serial.Port to the serialLink interface.
type portLink struct {
	port serial.Port

	// mu guards deadline, which a deadlineInterrupter may move while a
	// read is in flight.
	mu       sync.Mutex
	deadline time.Time
}

// SetDeadline implements serialLink.
func (l *portLink) SetDeadline(t time.Time) error {
	l.mu.Lock()
	l.deadline = t
	l.mu.Unlock()
	return nil
}

// getDeadline returns the currently armed deadline.
func (l *portLink) getDeadline() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deadline
}

// Read implements serialLink. The port reads in short slices so that the
// armed deadline is honoured even while the line is silent; a zero-byte
// port read means the port-level timeout expired.
func (l *portLink) Read(p []byte) (int, error) {
	for {
		wait := portPollInterval
		if d := l.getDeadline(); !d.IsZero() {
			remaining := time.Until(d)
			if remaining <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
			if remaining < wait {
				wait = remaining
			}
		}
		if err := l.port.SetReadTimeout(wait); err != nil {
			return 0, err
		}
		n, err := l.port.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

// Write implements serialLink.
func (l *portLink) Write(p []byte) (int, error) {
	return l.port.Write(p)
}

// Close implements serialLink.
func (l *portLink) Close() error {
	return l.port.Close()
}

// serialFraming describes one of the two serial framings. It is shared
// between the transports and the serial listeners, so every frame is
// encoded and decoded by exactly one implementation.
type serialFraming interface {
	// protocol returns the framing name, "rtu" or "ascii".
	protocol() string

	// appendFrame appends the encoded ADU to dst.
	appendFrame(dst []byte, unit UnitID, p PDU) []byte

	// readResponse reads one response frame from r.
	readResponse(r io.Reader) (UnitID, PDU, error)

	// readRequest reads one request frame from r.
	readRequest(r io.Reader) (UnitID, PDU, error)

	// maxFrameLen returns the size of the largest possible frame.
	maxFrameLen() int
}

// rtuFraming is the RTU rendering of serialFraming.
type rtuFraming struct{}

func (rtuFraming) protocol() string {
	return "rtu"
}

func (rtuFraming) appendFrame(dst []byte, unit UnitID, p PDU) []byte {
	return appendRTUFrame(dst, unit, p)
}

func (rtuFraming) readResponse(r io.Reader) (UnitID, PDU, error) {
	return readRTUResponse(r)
}

func (rtuFraming) readRequest(r io.Reader) (UnitID, PDU, error) {
	return readRTURequest(r)
}

func (rtuFraming) maxFrameLen() int {
	return maxRTUFrameLen
}

// asciiFraming is the ASCII rendering of serialFraming. ASCII frames are
// self-delimiting, so requests and responses share one reader.
type asciiFraming struct{}

func (asciiFraming) protocol() string {
	return "ascii"
}

func (asciiFraming) appendFrame(dst []byte, unit UnitID, p PDU) []byte {
	return appendASCIIFrame(dst, unit, p)
}

func (asciiFraming) readResponse(r io.Reader) (UnitID, PDU, error) {
	return readASCIIFrame(r)
}

func (asciiFraming) readRequest(r io.Reader) (UnitID, PDU, error) {
	return readASCIIFrame(r)
}

func (asciiFraming) maxFrameLen() int {
	return maxASCIIFrameLen
}

// serialCore implements the request-response cycle shared by the RTU and
// ASCII transports in both execution styles.
type serialCore struct {
	cfg     SerialConfig
	framing serialFraming
	timeout time.Duration
	log     logrus.FieldLogger

	// t1 is the time one character occupies the line, t35 the inter-frame
	// silent interval.
	t1  time.Duration
	t35 time.Duration

	// use serializes exchanges in submission order.
	use slot

	// mu guards link and opened.
	mu     sync.Mutex
	link   serialLink
	opened bool

	// lastActivity estimates when the line last went quiet. It is only
	// touched while holding the exchange slot.
	lastActivity time.Time
}

// newSerialCore validates cfg and opts and assembles the state shared by
// the serial transports.
func newSerialCore(
	cfg SerialConfig, framing serialFraming, opts []TransportOption,
) (*serialCore, error) {
	localOpts := &transportOptions{}
	for _, opt := range opts {
		if err := opt(localOpts); err != nil {
			return nil, err
		}
	}
	if err := localOpts.Validate(); err != nil {
		return nil, err
	}
	if localOpts.timeout == 0 {
		localOpts.timeout = defaultSerialTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &serialCore{
		cfg:     cfg,
		framing: framing,
		timeout: localOpts.timeout,
		log: localOpts.logger.WithFields(logrus.Fields{
			"proto":  framing.protocol(),
			"device": cfg.Device,
		}),
		t1:  charTime(cfg.BaudRate),
		t35: interFrameDelay(cfg.BaudRate),
		use: newSlot(),
	}, nil
}

// open opens the configured serial port.
func (c *serialCore) open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened {
		return &ConnectionError{Op: "open", Err: errors.New("already open")}
	}
	port, err := serial.Open(c.cfg.Device, c.cfg.mode())
	if err != nil {
		return &ConnectionError{Op: "open", Err: err}
	}
	c.link = &portLink{port: port}
	c.opened = true
	c.log.WithField("baud", c.cfg.BaudRate).Info("serial port opened")
	return nil
}

// close closes the serial port. An in-flight exchange is interrupted.
func (c *serialCore) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return nil
	}
	c.opened = false
	err := c.link.Close()
	c.link = nil
	c.log.Info("serial port closed")
	if err != nil {
		return &ConnectionError{Op: "close", Err: err}
	}
	return nil
}

// isOpen reports whether the port is open.
func (c *serialCore) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

// waitIdle sleeps until the line has been silent for the inter-frame
// interval.
func (c *serialCore) waitIdle() {
	if wait := time.Until(c.lastActivity.Add(c.t35)); wait > 0 {
		time.Sleep(wait)
	}
}

// exchange performs one request-response cycle. Broadcast requests are
// sent without awaiting a response and yield an empty PDU. Framed serial
// channels stay usable after timeouts and checksum failures: the line is
// drained and the next exchange starts fresh.
func (c *serialCore) exchange(
	ctx context.Context, unit UnitID, req PDU,
) (PDU, error) {
	if req.Length() > maxPDULen {
		return PDU{}, fmt.Errorf("PDU length %d exceeds %d bytes: %w",
			req.Length(), maxPDULen, ErrInvalidArgument)
	}
	if unit != UnitBroadcast && !unit.IsValidSerial() {
		return PDU{}, fmt.Errorf("unit %d not addressable on a serial line: %w",
			unit, ErrInvalidArgument)
	}
	if err := c.use.acquire(ctx); err != nil {
		return PDU{}, err
	}
	defer c.use.release()
	c.mu.Lock()
	link, opened := c.link, c.opened
	c.mu.Unlock()
	if !opened {
		return PDU{}, &ConnectionError{Op: "exchange", Err: errNotOpen}
	}
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := link.SetDeadline(deadline); err != nil {
		return PDU{}, &ConnectionError{Op: "exchange", Err: err}
	}
	stop := deadlineInterrupter(ctx, link)
	defer stop()
	c.waitIdle()
	frame := c.framing.appendFrame(nil, unit, req)
	ts := time.Now()
	n, err := link.Write(frame)
	if err != nil {
		return PDU{}, mapLinkError("write", err)
	}
	// Writes are usually buffered, so estimate how long the line is busy
	// from the byte count rather than the write duration.
	c.lastActivity = ts.Add(time.Duration(n) * c.t1)
	c.log.Debugf("tx % X", frame)
	if unit == UnitBroadcast {
		// Every listening device executes a broadcast; none answers. The
		// turnaround delay postpones the next frame so they have time to
		// do it.
		c.lastActivity = c.lastActivity.Add(broadcastTurnaround)
		return PDU{}, nil
	}
	respUnit, resp, err := c.framing.readResponse(link)
	if err != nil {
		switch err.(type) {
		case *CRCError, *InvalidResponseError:
			// Let any cut-off frame trickle in fully, then flush it, so
			// the next exchange starts on a quiet line.
			time.Sleep(time.Duration(c.framing.maxFrameLen()) * c.t1)
			discard(link)
			c.lastActivity = time.Now()
			c.log.Warnf("frame discarded: %v", err)
		case *TimeoutError:
			// A response arriving after the deadline must not be mistaken
			// for the answer to the next request.
			discard(link)
			c.lastActivity = time.Now()
			c.log.Warnf("no response from unit %d", unit)
		}
		return PDU{}, err
	}
	c.lastActivity = time.Now()
	c.log.Debugf("rx unit %d function %d", respUnit, resp.Function)
	if respUnit != unit {
		return PDU{}, &InvalidResponseError{
			Reason: fmt.Sprintf("response from unit %d to a request for unit %d",
				respUnit, unit),
		}
	}
	return resp, nil
}

// RTUTransport is a blocking Transport speaking Modbus RTU over a serial
// line.
type RTUTransport struct {
	core *serialCore
}

// NewRTUTransport returns a blocking transport speaking Modbus RTU over
// the serial line described by cfg.
func NewRTUTransport(
	cfg SerialConfig, opts ...TransportOption,
) (*RTUTransport, error) {
	core, err := newSerialCore(cfg, rtuFraming{}, opts)
	if err != nil {
		return nil, err
	}
	return &RTUTransport{core: core}, nil
}

// Open implements Transport.
func (t *RTUTransport) Open() error {
	return t.core.open()
}

// Close implements Transport.
func (t *RTUTransport) Close() error {
	return t.core.close()
}

// IsOpen implements Transport.
func (t *RTUTransport) IsOpen() bool {
	return t.core.isOpen()
}

// Exchange implements Transport.
func (t *RTUTransport) Exchange(unit UnitID, req PDU) (PDU, error) {
	return t.core.exchange(context.Background(), unit, req)
}

// ASCIITransport is a blocking Transport speaking Modbus ASCII over a
// serial line.
type ASCIITransport struct {
	core *serialCore
}

// NewASCIITransport returns a blocking transport speaking Modbus ASCII
// over the serial line described by cfg.
func NewASCIITransport(
	cfg SerialConfig, opts ...TransportOption,
) (*ASCIITransport, error) {
	core, err := newSerialCore(cfg, asciiFraming{}, opts)
	if err != nil {
		return nil, err
	}
	return &ASCIITransport{core: core}, nil
}

// Open implements Transport.
func (t *ASCIITransport) Open() error {
	return t.core.open()
}

// Close implements Transport.
func (t *ASCIITransport) Close() error {
	return t.core.close()
}

// IsOpen implements Transport.
func (t *ASCIITransport) IsOpen() bool {
	return t.core.isOpen()
}

// Exchange implements Transport.
func (t *ASCIITransport) Exchange(unit UnitID, req PDU) (PDU, error) {
	return t.core.exchange(context.Background(), unit, req)
}

// AsyncRTUTransport is a context-aware AsyncTransport speaking Modbus RTU
// over a serial line.
type AsyncRTUTransport struct {
	core *serialCore
}

// NewAsyncRTUTransport returns a context-aware transport speaking Modbus
// RTU over the serial line described by cfg.
func NewAsyncRTUTransport(
	cfg SerialConfig, opts ...TransportOption,
) (*AsyncRTUTransport, error) {
	core, err := newSerialCore(cfg, rtuFraming{}, opts)
	if err != nil {
		return nil, err
	}
	return &AsyncRTUTransport{core: core}, nil
}

// Open implements AsyncTransport. Opening a serial port does not block
// meaningfully, so ctx is not consulted.
func (t *AsyncRTUTransport) Open(ctx context.Context) error {
	return t.core.open()
}

// Close implements AsyncTransport.
func (t *AsyncRTUTransport) Close() error {
	return t.core.close()
}

// IsOpen implements AsyncTransport.
func (t *AsyncRTUTransport) IsOpen() bool {
	return t.core.isOpen()
}

// Exchange implements AsyncTransport.
func (t *AsyncRTUTransport) Exchange(
	ctx context.Context, unit UnitID, req PDU,
) (PDU, error) {
	return t.core.exchange(ctx, unit, req)
}

// AsyncASCIITransport is a context-aware AsyncTransport speaking Modbus
// ASCII over a serial line.
type AsyncASCIITransport struct {
	core *serialCore
}

// NewAsyncASCIITransport returns a context-aware transport speaking
// Modbus ASCII over the serial line described by cfg.
func NewAsyncASCIITransport(
	cfg SerialConfig, opts ...TransportOption,
) (*AsyncASCIITransport, error) {
	core, err := newSerialCore(cfg, asciiFraming{}, opts)
	if err != nil {
		return nil, err
	}
	return &AsyncASCIITransport{core: core}, nil
}

// Open implements AsyncTransport. Opening a serial port does not block
// meaningfully, so ctx is not consulted.
func (t *AsyncASCIITransport) Open(ctx context.Context) error {
	return t.core.open()
}

// Close implements AsyncTransport.
func (t *AsyncASCIITransport) Close() error {
	return t.core.close()
}

// IsOpen implements AsyncTransport.
func (t *AsyncASCIITransport) IsOpen() bool {
	return t.core.isOpen()
}

// Exchange implements AsyncTransport.
func (t *AsyncASCIITransport) Exchange(
	ctx context.Context, unit UnitID, req PDU,
) (PDU, error) {
	return t.core.exchange(ctx, unit, req)
}
