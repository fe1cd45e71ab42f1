package modbus

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// tcpCore implements the request-response cycle shared by the TCP
// transports in both execution styles.
type tcpCore struct {
	addr    string
	timeout time.Duration
	log     logrus.FieldLogger

	// use serializes exchanges in submission order.
	use slot

	// txn numbers requests so responses can be matched to them. It is
	// only touched while holding the exchange slot.
	txn uint16

	// mu guards conn, rd and opened.
	mu     sync.Mutex
	conn   net.Conn
	rd     *bufio.Reader
	opened bool
}

// newTCPCore validates addr and opts and assembles the state shared by
// the TCP transports.
func newTCPCore(addr string, opts []TransportOption) (*tcpCore, error) {
	if addr == "" {
		return nil, fmt.Errorf("empty address: %w", ErrInvalidArgument)
	}
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
		localOpts.timeout = defaultTCPExchangeTimeout
	}
	return &tcpCore{
		addr:    addr,
		timeout: localOpts.timeout,
		log:     localOpts.logger.WithField("server", addr),
		use:     newSlot(),
	}, nil
}

// open establishes the connection.
func (c *tcpCore) open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened {
		return &ConnectionError{Op: "open", Err: errors.New("already open")}
	}
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return &ConnectionError{Op: "open", Err: err}
	}
	c.conn = conn
	c.rd = bufio.NewReader(conn)
	c.opened = true
	c.log.Info("connection established")
	return nil
}

// close closes the connection. An in-flight exchange is interrupted.
func (c *tcpCore) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return nil
	}
	c.opened = false
	err := c.conn.Close()
	c.conn = nil
	c.rd = nil
	c.log.Info("connection closed")
	if err != nil {
		return &ConnectionError{Op: "close", Err: err}
	}
	return nil
}

// isOpen reports whether the connection is up.
func (c *tcpCore) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

// poison tears down the connection after a fault that leaves the stream
// position unknown. Whatever arrives late would be mistaken for the next
// response, so the next exchange must start on a fresh connection.
func (c *tcpCore) poison(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened || c.conn != conn {
		return
	}
	c.opened = false
	c.conn.Close()
	c.conn = nil
	c.rd = nil
	c.log.Warn("connection poisoned")
}

// exchange performs one request-response cycle.
func (c *tcpCore) exchange(
	ctx context.Context, unit UnitID, req PDU,
) (PDU, error) {
	if req.Length() > maxPDULen {
		return PDU{}, fmt.Errorf("PDU length %d exceeds %d bytes: %w",
			req.Length(), maxPDULen, ErrInvalidArgument)
	}
	if err := c.use.acquire(ctx); err != nil {
		return PDU{}, err
	}
	defer c.use.release()
	c.mu.Lock()
	conn, rd, opened := c.conn, c.rd, c.opened
	c.mu.Unlock()
	if !opened {
		return PDU{}, &ConnectionError{Op: "exchange", Err: errNotOpen}
	}
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return PDU{}, &ConnectionError{Op: "exchange", Err: err}
	}
	stop := deadlineInterrupter(ctx, conn)
	defer stop()
	c.txn++
	txn := c.txn
	var header mbap
	header.SetTransaction(txn)
	header.SetPDULen(req.Length())
	header.SetUnit(unit)
	frame := make([]byte, 0, mbapLen+req.Length())
	frame = append(frame, header[:]...)
	frame = req.appendTo(frame)
	if _, err := conn.Write(frame); err != nil {
		c.poison(conn)
		return PDU{}, mapLinkError("write", err)
	}
	c.log.Debugf("tx txn %d unit %d function %d", txn, unit, req.Function)
	resp, err := c.readResponse(rd, txn, unit)
	if err != nil {
		c.poison(conn)
		return PDU{}, err
	}
	c.log.Debugf("rx txn %d unit %d function %d", txn, unit, resp.Function)
	return resp, nil
}

// readResponse reads one MBAP frame and checks it against the request
// identifiers.
func (c *tcpCore) readResponse(
	rd *bufio.Reader, txn uint16, unit UnitID,
) (PDU, error) {
	var header mbap
	if _, err := io.ReadFull(rd, header[:]); err != nil {
		return PDU{}, mapLinkError("read", err)
	}
	if err := header.Validate(); err != nil {
		return PDU{}, &InvalidResponseError{Reason: err.Error()}
	}
	buf := make([]byte, header.PDULen())
	if _, err := io.ReadFull(rd, buf); err != nil {
		return PDU{}, mapLinkError("read", err)
	}
	resp, err := pduFromBytes(buf)
	if err != nil {
		return PDU{}, err
	}
	if got := header.Transaction(); got != txn {
		return PDU{}, &InvalidResponseError{
			Reason: fmt.Sprintf("transaction identifier %d in a response to transaction %d",
				got, txn),
		}
	}
	if got := header.Unit(); got != unit {
		return PDU{}, &InvalidResponseError{
			Reason: fmt.Sprintf("response from unit %d to a request for unit %d",
				got, unit),
		}
	}
	return resp, nil
}

// TCPTransport is a blocking Transport speaking Modbus/TCP.
type TCPTransport struct {
	core *tcpCore
}

// NewTCPTransport returns a blocking transport speaking Modbus/TCP with
// the server at addr, given as "host:port".
func NewTCPTransport(addr string, opts ...TransportOption) (*TCPTransport, error) {
	core, err := newTCPCore(addr, opts)
	if err != nil {
		return nil, err
	}
	return &TCPTransport{core: core}, nil
}

// Open implements Transport.
func (t *TCPTransport) Open() error {
	return t.core.open(context.Background())
}

// Close implements Transport.
func (t *TCPTransport) Close() error {
	return t.core.close()
}

// IsOpen implements Transport.
func (t *TCPTransport) IsOpen() bool {
	return t.core.isOpen()
}

// Exchange implements Transport.
func (t *TCPTransport) Exchange(unit UnitID, req PDU) (PDU, error) {
	return t.core.exchange(context.Background(), unit, req)
}

// AsyncTCPTransport is a context-aware AsyncTransport speaking
// Modbus/TCP.
type AsyncTCPTransport struct {
	core *tcpCore
}

// NewAsyncTCPTransport returns a context-aware transport speaking
// Modbus/TCP with the server at addr, given as "host:port".
func NewAsyncTCPTransport(
	addr string, opts ...TransportOption,
) (*AsyncTCPTransport, error) {
	core, err := newTCPCore(addr, opts)
	if err != nil {
		return nil, err
	}
	return &AsyncTCPTransport{core: core}, nil
}

// Open implements AsyncTransport.
func (t *AsyncTCPTransport) Open(ctx context.Context) error {
	return t.core.open(ctx)
}

// Close implements AsyncTransport.
func (t *AsyncTCPTransport) Close() error {
	return t.core.close()
}

// IsOpen implements AsyncTransport.
func (t *AsyncTCPTransport) IsOpen() bool {
	return t.core.isOpen()
}

// Exchange implements AsyncTransport.
func (t *AsyncTCPTransport) Exchange(
	ctx context.Context, unit UnitID, req PDU,
) (PDU, error) {
	return t.core.exchange(ctx, unit, req)
}
