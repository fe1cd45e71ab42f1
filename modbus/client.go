package modbus

import (
	"errors"
	"fmt"
	"sync"
)

// Client issues Modbus requests through a blocking Transport and decodes
// the responses into typed values. All validation happens before any
// transport I/O, and no request is ever retried. A Client is safe for
// concurrent use; the transport serializes the actual exchanges.
type Client struct {
	transport Transport

	// mx protects the register encoding, which SetEncoding may change
	// between calls.
	mx        sync.Mutex
	byteOrder ByteOrder
	wordOrder WordOrder
}

// clientOptions describes the client configuration options.
type clientOptions struct {
	byteOrder ByteOrder
	wordOrder WordOrder

	haveByteOrder bool
	haveWordOrder bool
}

// ClientOption describes an option to be passed to NewClient or
// NewAsyncClient.
type ClientOption func(*clientOptions) error

// WithByteOrder selects the byte order within each register for the
// extended data types. The default is BigEndian.
func WithByteOrder(bo ByteOrder) ClientOption {
	return func(opt *clientOptions) error {
		if bo > LittleEndian {
			return fmt.Errorf("unknown byte order %d: %w", bo, ErrInvalidArgument)
		}
		if opt.haveByteOrder {
			return errors.New("WithByteOrder specified multiple times")
		}
		opt.byteOrder = bo
		opt.haveByteOrder = true
		return nil
	}
}

// WithWordOrder selects the register order for the extended data types
// spanning multiple registers. The default is HighWordFirst.
func WithWordOrder(wo WordOrder) ClientOption {
	return func(opt *clientOptions) error {
		if wo > LowWordFirst {
			return fmt.Errorf("unknown word order %d: %w", wo, ErrInvalidArgument)
		}
		if opt.haveWordOrder {
			return errors.New("WithWordOrder specified multiple times")
		}
		opt.wordOrder = wo
		opt.haveWordOrder = true
		return nil
	}
}

// NewClient returns a client issuing its requests through the given
// transport. The caller remains responsible for opening and closing the
// transport.
func NewClient(transport Transport, opts ...ClientOption) (*Client, error) {
	if transport == nil {
		return nil, fmt.Errorf("nil transport: %w", ErrInvalidArgument)
	}
	localOpts := &clientOptions{}
	for _, opt := range opts {
		if err := opt(localOpts); err != nil {
			return nil, err
		}
	}
	return &Client{
		transport: transport,
		byteOrder: localOpts.byteOrder,
		wordOrder: localOpts.wordOrder,
	}, nil
}

// SetEncoding changes the register encoding used by the extended data
// type operations. It does not affect calls already in flight.
func (c *Client) SetEncoding(bo ByteOrder, wo WordOrder) error {
	if bo > LittleEndian {
		return fmt.Errorf("unknown byte order %d: %w", bo, ErrInvalidArgument)
	}
	if wo > LowWordFirst {
		return fmt.Errorf("unknown word order %d: %w", wo, ErrInvalidArgument)
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	c.byteOrder = bo
	c.wordOrder = wo
	return nil
}

// encoding returns the current register encoding.
func (c *Client) encoding() (ByteOrder, WordOrder) {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.byteOrder, c.wordOrder
}

// ReadCoils reads n coils starting at address start from the given unit.
func (c *Client) ReadCoils(unit UnitID, start uint16, n int) ([]bool, error) {
	return c.readBits(FunctionReadCoils, unit, start, n)
}

// ReadDiscreteInputs reads n discrete inputs starting at address start
// from the given unit.
func (c *Client) ReadDiscreteInputs(
	unit UnitID, start uint16, n int,
) ([]bool, error) {
	return c.readBits(FunctionReadDiscreteInputs, unit, start, n)
}

// ReadHoldingRegisters reads n holding registers starting at address
// start from the given unit.
func (c *Client) ReadHoldingRegisters(
	unit UnitID, start uint16, n int,
) ([]uint16, error) {
	return c.readWords(FunctionReadHoldingRegisters, unit, start, n)
}

// ReadInputRegisters reads n input registers starting at address start
// from the given unit.
func (c *Client) ReadInputRegisters(
	unit UnitID, start uint16, n int,
) ([]uint16, error) {
	return c.readWords(FunctionReadInputRegisters, unit, start, n)
}

// WriteSingleCoil sets the coil at the given address on or off.
func (c *Client) WriteSingleCoil(unit UnitID, addr uint16, value bool) error {
	return c.write(unit, buildWriteSingleCoil(addr, value))
}

// WriteSingleRegister sets the holding register at the given address.
func (c *Client) WriteSingleRegister(unit UnitID, addr, value uint16) error {
	return c.write(unit, buildWriteSingleRegister(addr, value))
}

// WriteMultipleCoils sets the coils starting at address start to the
// given values.
func (c *Client) WriteMultipleCoils(
	unit UnitID, start uint16, values []bool,
) error {
	req, err := buildWriteMultipleCoils(start, values)
	if err != nil {
		return err
	}
	return c.write(unit, req)
}

// WriteMultipleRegisters sets the holding registers starting at address
// start to the given values.
func (c *Client) WriteMultipleRegisters(
	unit UnitID, start uint16, values []uint16,
) error {
	req, err := buildWriteMultipleRegisters(start, values)
	if err != nil {
		return err
	}
	return c.write(unit, req)
}

// ReadFloat32 reads a single-precision floating point value from two
// holding registers starting at addr.
func (c *Client) ReadFloat32(unit UnitID, addr uint16) (float32, error) {
	bo, wo := c.encoding()
	words, err := c.ReadHoldingRegisters(unit, addr, 2)
	if err != nil {
		return 0, err
	}
	return float32FromWords(words, bo, wo), nil
}

// WriteFloat32 writes a single-precision floating point value to two
// holding registers starting at addr.
func (c *Client) WriteFloat32(unit UnitID, addr uint16, value float32) error {
	bo, wo := c.encoding()
	return c.WriteMultipleRegisters(unit, addr, wordsFromFloat32(value, bo, wo))
}

// ReadFloat64 reads a double-precision floating point value from four
// holding registers starting at addr.
func (c *Client) ReadFloat64(unit UnitID, addr uint16) (float64, error) {
	bo, wo := c.encoding()
	words, err := c.ReadHoldingRegisters(unit, addr, 4)
	if err != nil {
		return 0, err
	}
	return float64FromWords(words, bo, wo), nil
}

// WriteFloat64 writes a double-precision floating point value to four
// holding registers starting at addr.
func (c *Client) WriteFloat64(unit UnitID, addr uint16, value float64) error {
	bo, wo := c.encoding()
	return c.WriteMultipleRegisters(unit, addr, wordsFromFloat64(value, bo, wo))
}

// ReadInt32 reads a 2's complement signed 32-bit integer from two holding
// registers starting at addr.
func (c *Client) ReadInt32(unit UnitID, addr uint16) (int32, error) {
	v, err := c.ReadUint32(unit, addr)
	return int32(v), err
}

// WriteInt32 writes a 2's complement signed 32-bit integer to two holding
// registers starting at addr.
func (c *Client) WriteInt32(unit UnitID, addr uint16, value int32) error {
	return c.WriteUint32(unit, addr, uint32(value))
}

// ReadUint32 reads an unsigned 32-bit integer from two holding registers
// starting at addr.
func (c *Client) ReadUint32(unit UnitID, addr uint16) (uint32, error) {
	bo, wo := c.encoding()
	words, err := c.ReadHoldingRegisters(unit, addr, 2)
	if err != nil {
		return 0, err
	}
	return uint32FromWords(words, bo, wo), nil
}

// WriteUint32 writes an unsigned 32-bit integer to two holding registers
// starting at addr.
func (c *Client) WriteUint32(unit UnitID, addr uint16, value uint32) error {
	bo, wo := c.encoding()
	return c.WriteMultipleRegisters(unit, addr, wordsFromUint32(value, bo, wo))
}

// ReadString reads a string of the given length in bytes from the holding
// registers starting at addr. The registers beyond the requested length
// are not inspected, so a NUL padding byte is never part of the result.
func (c *Client) ReadString(unit UnitID, addr uint16, length int) (string, error) {
	if length < 1 || length > 2*maxReadWords {
		return "", fmt.Errorf("string length %d outside [1,%d]: %w",
			length, 2*maxReadWords, ErrInvalidArgument)
	}
	bo, _ := c.encoding()
	words, err := c.ReadHoldingRegisters(unit, addr, (length+1)/2)
	if err != nil {
		return "", err
	}
	return stringFromWords(words, length, bo), nil
}

// WriteString writes a string to the holding registers starting at addr,
// two bytes per register. A string of odd length is padded with a NUL
// byte.
func (c *Client) WriteString(unit UnitID, addr uint16, value string) error {
	if len(value) < 1 || len(value) > 2*maxWriteWords {
		return fmt.Errorf("string length %d outside [1,%d]: %w",
			len(value), 2*maxWriteWords, ErrInvalidArgument)
	}
	bo, _ := c.encoding()
	return c.WriteMultipleRegisters(unit, addr, wordsFromString(value, bo))
}

// readBits performs a ReadCoils or ReadDiscreteInputs request.
func (c *Client) readBits(
	fc FunctionCode, unit UnitID, start uint16, n int,
) ([]bool, error) {
	req, err := buildReadRequest(fc, start, n, maxReadBits)
	if err != nil {
		return nil, err
	}
	if unit == UnitBroadcast {
		return nil, fmt.Errorf("cannot read from the broadcast unit: %w",
			ErrInvalidArgument)
	}
	resp, err := c.transport.Exchange(unit, req)
	if err != nil {
		return nil, err
	}
	return parseReadBitsResponse(req, resp, n)
}

// readWords performs a ReadHoldingRegisters or ReadInputRegisters
// request.
func (c *Client) readWords(
	fc FunctionCode, unit UnitID, start uint16, n int,
) ([]uint16, error) {
	req, err := buildReadRequest(fc, start, n, maxReadWords)
	if err != nil {
		return nil, err
	}
	if unit == UnitBroadcast {
		return nil, fmt.Errorf("cannot read from the broadcast unit: %w",
			ErrInvalidArgument)
	}
	resp, err := c.transport.Exchange(unit, req)
	if err != nil {
		return nil, err
	}
	return parseReadWordsResponse(req, resp, n)
}

// write performs one of the four write requests and validates the echoed
// response. A broadcast write elicits no response on serial lines, which
// the transport signals with an empty PDU.
func (c *Client) write(unit UnitID, req PDU) error {
	resp, err := c.transport.Exchange(unit, req)
	if err != nil {
		return err
	}
	if unit == UnitBroadcast && resp.Function == 0 {
		return nil
	}
	return checkEchoResponse(req, resp)
}
