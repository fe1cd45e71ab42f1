package modbus

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// serialAddress describes the address of a serial line endpoint.
type serialAddress struct {
	// protocol is "rtu" or "ascii".
	protocol string

	// device is the serial device name.
	device string
}

// Protocol implements Address.
func (addr *serialAddress) Protocol() string {
	return addr.protocol
}

// String implements Address.
func (addr *serialAddress) String() string {
	return fmt.Sprintf("%s://%s", addr.protocol, addr.device)
}

// serialMessage describes a message received on a serial line. The line
// is half duplex, so origin and destination carry the same address.
type serialMessage struct {
	// protocol and device identify the line.
	protocol, device string

	// unit is the unit the request is dispatched for. For a broadcast
	// frame this is a configured unit rather than the wire unit zero.
	unit UnitID

	// pdu is the request PDU.
	pdu PDU
}

// From implements Message.
func (m *serialMessage) From() Address {
	return &serialAddress{
		protocol: m.protocol,
		device:   m.device,
	}
}

// To implements Message.
func (m *serialMessage) To() Address {
	return &serialAddress{
		protocol: m.protocol,
		device:   m.device,
	}
}

// ADU implements Message.
func (m *serialMessage) ADU() ADU {
	return m
}

// UnitID implements ADU.
func (m *serialMessage) UnitID() UnitID {
	return m.unit
}

// Function implements ADU.
func (m *serialMessage) Function() FunctionCode {
	return m.pdu.Function
}

// Data implements ADU.
func (m *serialMessage) Data() []byte {
	return m.pdu.Data
}

// serialOptions describes options for serial line listeners.
type serialOptions struct {
	// units are the unit identifiers the listener answers for.
	units []UnitID

	// timeout is the request processing timeout.
	timeout time.Duration

	// logger receives the listener diagnostics.
	logger logrus.FieldLogger
}

// Validate performs cursory validation of these serial options.
// It also fills in default values where appropriate.
func (opt *serialOptions) Validate() error {
	if len(opt.units) == 0 {
		return errors.New("need WithUnits() option with at least one unit")
	}
	if opt.timeout == 0 {
		opt.timeout = defaultSerialTimeout
	}
	if opt.logger == nil {
		opt.logger = discardLogger()
	}
	return nil
}

// SerialOption describes an option to be passed to ListenRTU, ListenASCII,
// ServeRTU, or ServeASCII.
type SerialOption func(*serialOptions) error

// WithUnits selects the unit identifiers this listener answers for. Frames
// addressed to other units are left unanswered so that the devices they
// belong to can answer them. At least one unit is required.
func WithUnits(units ...UnitID) SerialOption {
	return func(opt *serialOptions) error {
		if opt.units != nil {
			return errors.New("WithUnits specified multiple times")
		}
		if len(units) == 0 {
			return errors.New("need at least one unit")
		}
		seen := make(map[UnitID]struct{}, len(units))
		for _, unit := range units {
			if !unit.IsValidSerial() {
				return fmt.Errorf("unit %d not addressable on a serial line", unit)
			}
			if _, ok := seen[unit]; ok {
				return fmt.Errorf("duplicate unit %d", unit)
			}
			seen[unit] = struct{}{}
		}
		opt.units = units
		return nil
	}
}

// WithSerialTimeout limits the processing time of a single request. If it
// is exceeded, ExceptionServerDeviceBusy is sent back to the client.
func WithSerialTimeout(timeout time.Duration) SerialOption {
	return func(opt *serialOptions) error {
		if timeout <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", timeout)
		}
		if opt.timeout != 0 {
			return errors.New("WithSerialTimeout specified multiple times")
		}
		opt.timeout = timeout
		return nil
	}
}

// WithSerialLogger directs the listener diagnostics to the given logger.
// By default, diagnostics are discarded.
func WithSerialLogger(logger logrus.FieldLogger) SerialOption {
	return func(opt *serialOptions) error {
		if logger == nil {
			return errors.New("nil logger")
		}
		if opt.logger != nil {
			return errors.New("WithSerialLogger specified multiple times")
		}
		opt.logger = logger
		return nil
	}
}

// SerialListener is a Modbus listener on a serial line, speaking either
// the RTU or the ASCII framing. Requests are processed one at a time, the
// line being physically half duplex.
type SerialListener struct {
	link    serialLink
	framing serialFraming
	device  string

	// units holds the configured unit identifiers for lookup, unitList
	// preserves their order for broadcast dispatch.
	units    map[UnitID]struct{}
	unitList []UnitID

	// timeout is the request processing timeout.
	timeout time.Duration

	// log receives the listener diagnostics.
	log logrus.FieldLogger

	// t1 is the time one character occupies the line, t35 the inter-frame
	// silent interval.
	t1  time.Duration
	t35 time.Duration

	// lastActivity estimates when the line last went quiet. It is only
	// touched by the serve goroutine.
	lastActivity time.Time

	// closed is a sentry channel which will be closed when this listener is
	// closed.
	closed chan struct{}

	// serving tracks the serve goroutine.
	serving sync.WaitGroup
}

// ListenRTU opens the serial line described by cfg and serves Modbus RTU
// requests on it.
func ListenRTU(
	srv *Server, cfg SerialConfig, opts ...SerialOption,
) (*SerialListener, error) {
	return listenSerial(srv, cfg, rtuFraming{}, opts)
}

// ListenASCII opens the serial line described by cfg and serves Modbus
// ASCII requests on it.
func ListenASCII(
	srv *Server, cfg SerialConfig, opts ...SerialOption,
) (*SerialListener, error) {
	return listenSerial(srv, cfg, asciiFraming{}, opts)
}

// listenSerial opens the configured port and serves the given framing on
// it.
func listenSerial(
	srv *Server, cfg SerialConfig, framing serialFraming, opts []SerialOption,
) (*SerialListener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	port, err := serial.Open(cfg.Device, cfg.mode())
	if err != nil {
		return nil, fmt.Errorf("open serial device '%s': %w", cfg.Device, err)
	}
	link := &portLink{port: port}
	l, err := serveSerial(srv, link, cfg.Device, cfg.BaudRate, framing, opts)
	if err != nil {
		port.Close()
		return nil, err
	}
	return l, nil
}

// ServeRTU serves Modbus RTU requests on a caller provided channel, e. g.
// one end of a network connection bridging a serial line.
func ServeRTU(
	srv *Server, conn net.Conn, opts ...SerialOption,
) (*SerialListener, error) {
	return serveSerial(srv, conn, connName(conn), defaultBaudRate,
		rtuFraming{}, opts)
}

// ServeASCII serves Modbus ASCII requests on a caller provided channel,
// e. g. one end of a network connection bridging a serial line.
func ServeASCII(
	srv *Server, conn net.Conn, opts ...SerialOption,
) (*SerialListener, error) {
	return serveSerial(srv, conn, connName(conn), defaultBaudRate,
		asciiFraming{}, opts)
}

// connName derives a device name from a network connection.
func connName(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// serveSerial assembles a listener around the given link and starts its
// serve goroutine.
func serveSerial(
	srv *Server, link serialLink, device string, baudRate int,
	framing serialFraming, opts []SerialOption,
) (*SerialListener, error) {
	if srv == nil {
		return nil, fmt.Errorf("nil server: %w", ErrInvalidArgument)
	}
	if link == nil {
		return nil, fmt.Errorf("nil link: %w", ErrInvalidArgument)
	}
	localOpts := &serialOptions{}
	for _, opt := range opts {
		if err := opt(localOpts); err != nil {
			return nil, err
		}
	}
	if err := localOpts.Validate(); err != nil {
		return nil, err
	}
	units := make(map[UnitID]struct{}, len(localOpts.units))
	for _, unit := range localOpts.units {
		units[unit] = struct{}{}
	}
	result := &SerialListener{
		link:     link,
		framing:  framing,
		device:   device,
		units:    units,
		unitList: localOpts.units,
		timeout:  localOpts.timeout,
		log: localOpts.logger.WithFields(logrus.Fields{
			"proto":  framing.protocol(),
			"device": device,
		}),
		t1:     charTime(baudRate),
		t35:    interFrameDelay(baudRate),
		closed: make(chan struct{}),
	}
	result.serving.Add(1)
	go func() {
		defer result.serving.Done()
		result.serveRequests(srv)
	}()
	return result, nil
}

// Close implements Listener.
func (l *SerialListener) Close() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("already closed")
		}
		l.serving.Wait()
	}()
	err = l.link.Close()
	close(l.closed)
	return
}

// waitIdle sleeps until the line has been silent for the inter-frame
// interval.
func (l *SerialListener) waitIdle() {
	if wait := time.Until(l.lastActivity.Add(l.t35)); wait > 0 {
		time.Sleep(wait)
	}
}

// resync waits long enough for a cut-off frame to trickle in fully and
// flushes it, so the next read starts at a frame boundary.
func (l *SerialListener) resync() {
	time.Sleep(time.Duration(l.framing.maxFrameLen()) * l.t1)
	discard(l.link)
	l.link.SetDeadline(time.Time{})
	l.lastActivity = time.Now()
}

// serveRequests reads and answers one frame at a time until the listener
// is closed or the link fails.
func (l *SerialListener) serveRequests(srv *Server) {
	for {
		select {
		case <-l.closed:
			return
		default:
		}
		unit, req, err := l.framing.readRequest(l.link)
		if err != nil {
			switch err.(type) {
			case *CRCError, *InvalidResponseError:
				l.log.WithError(err).Debug("frame discarded")
				l.resync()
				continue
			case *TimeoutError:
				continue
			default:
				return
			}
		}
		l.lastActivity = time.Now()
		deadline := time.Now().Add(l.timeout)
		if unit == UnitBroadcast {
			// Each configured unit executes the broadcast. No response is
			// ever sent for a broadcast.
			for _, u := range l.unitList {
				dispatchToServer(srv, l.makeMessage(u, req), deadline)
			}
			continue
		}
		if _, ok := l.units[unit]; !ok {
			// Addressed to another device on the line, which will answer
			// by itself.
			continue
		}
		response, answer, exception := dispatchToServer(srv,
			l.makeMessage(unit, req), deadline)
		if !answer {
			continue
		}
		var resp PDU
		if response == nil {
			resp = exceptionResponse(req.Function, exception)
		} else {
			resp = PDU{Function: req.Function, Data: response}
		}
		l.waitIdle()
		frame := l.framing.appendFrame(nil, unit, resp)
		ts := time.Now()
		n, err := l.link.Write(frame)
		if err != nil {
			l.log.WithError(err).Warn("response write failed")
			return
		}
		l.lastActivity = ts.Add(time.Duration(n) * l.t1)
	}
}

// makeMessage assembles a serial message dispatched for the given unit.
func (l *SerialListener) makeMessage(unit UnitID, req PDU) *serialMessage {
	return &serialMessage{
		protocol: l.framing.protocol(),
		device:   l.device,
		unit:     unit,
		pdu:      req,
	}
}
