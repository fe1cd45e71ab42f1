package modbus

import (
	"context"
	"fmt"
	"sync"
)

// AsyncClient issues Modbus requests through an AsyncTransport. Every
// operation takes a context which bounds the time spent waiting for the
// transport, and an optional completion callback which, when non-nil, is
// invoked exactly once with the typed result before the operation
// returns. As with Client, validation happens before any transport I/O
// and no request is ever retried.
type AsyncClient struct {
	transport AsyncTransport

	// mx protects the register encoding, which SetEncoding may change
	// between calls.
	mx        sync.Mutex
	byteOrder ByteOrder
	wordOrder WordOrder
}

// NewAsyncClient returns a client issuing its requests through the given
// transport. The caller remains responsible for opening and closing the
// transport.
func NewAsyncClient(
	transport AsyncTransport, opts ...ClientOption,
) (*AsyncClient, error) {
	if transport == nil {
		return nil, fmt.Errorf("nil transport: %w", ErrInvalidArgument)
	}
	localOpts := &clientOptions{}
	for _, opt := range opts {
		if err := opt(localOpts); err != nil {
			return nil, err
		}
	}
	return &AsyncClient{
		transport: transport,
		byteOrder: localOpts.byteOrder,
		wordOrder: localOpts.wordOrder,
	}, nil
}

// SetEncoding changes the register encoding used by the extended data
// type operations. It does not affect calls already in flight.
func (c *AsyncClient) SetEncoding(bo ByteOrder, wo WordOrder) error {
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
func (c *AsyncClient) encoding() (ByteOrder, WordOrder) {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.byteOrder, c.wordOrder
}

// ReadCoils reads n coils starting at address start from the given unit.
func (c *AsyncClient) ReadCoils(
	ctx context.Context, unit UnitID, start uint16, n int,
	done func([]bool, error),
) ([]bool, error) {
	values, err := c.readBits(ctx, FunctionReadCoils, unit, start, n)
	if done != nil {
		done(values, err)
	}
	return values, err
}

// ReadDiscreteInputs reads n discrete inputs starting at address start
// from the given unit.
func (c *AsyncClient) ReadDiscreteInputs(
	ctx context.Context, unit UnitID, start uint16, n int,
	done func([]bool, error),
) ([]bool, error) {
	values, err := c.readBits(ctx, FunctionReadDiscreteInputs, unit, start, n)
	if done != nil {
		done(values, err)
	}
	return values, err
}

// ReadHoldingRegisters reads n holding registers starting at address
// start from the given unit.
func (c *AsyncClient) ReadHoldingRegisters(
	ctx context.Context, unit UnitID, start uint16, n int,
	done func([]uint16, error),
) ([]uint16, error) {
	values, err := c.readWords(ctx, FunctionReadHoldingRegisters, unit, start, n)
	if done != nil {
		done(values, err)
	}
	return values, err
}

// ReadInputRegisters reads n input registers starting at address start
// from the given unit.
func (c *AsyncClient) ReadInputRegisters(
	ctx context.Context, unit UnitID, start uint16, n int,
	done func([]uint16, error),
) ([]uint16, error) {
	values, err := c.readWords(ctx, FunctionReadInputRegisters, unit, start, n)
	if done != nil {
		done(values, err)
	}
	return values, err
}

// WriteSingleCoil sets the coil at the given address on or off.
func (c *AsyncClient) WriteSingleCoil(
	ctx context.Context, unit UnitID, addr uint16, value bool,
	done func(error),
) error {
	err := c.write(ctx, unit, buildWriteSingleCoil(addr, value))
	if done != nil {
		done(err)
	}
	return err
}

// WriteSingleRegister sets the holding register at the given address.
func (c *AsyncClient) WriteSingleRegister(
	ctx context.Context, unit UnitID, addr, value uint16,
	done func(error),
) error {
	err := c.write(ctx, unit, buildWriteSingleRegister(addr, value))
	if done != nil {
		done(err)
	}
	return err
}

// WriteMultipleCoils sets the coils starting at address start to the
// given values.
func (c *AsyncClient) WriteMultipleCoils(
	ctx context.Context, unit UnitID, start uint16, values []bool,
	done func(error),
) error {
	err := c.writeMultipleCoils(ctx, unit, start, values)
	if done != nil {
		done(err)
	}
	return err
}

func (c *AsyncClient) writeMultipleCoils(
	ctx context.Context, unit UnitID, start uint16, values []bool,
) error {
	req, err := buildWriteMultipleCoils(start, values)
	if err != nil {
		return err
	}
	return c.write(ctx, unit, req)
}

// WriteMultipleRegisters sets the holding registers starting at address
// start to the given values.
func (c *AsyncClient) WriteMultipleRegisters(
	ctx context.Context, unit UnitID, start uint16, values []uint16,
	done func(error),
) error {
	err := c.writeMultipleRegisters(ctx, unit, start, values)
	if done != nil {
		done(err)
	}
	return err
}

func (c *AsyncClient) writeMultipleRegisters(
	ctx context.Context, unit UnitID, start uint16, values []uint16,
) error {
	req, err := buildWriteMultipleRegisters(start, values)
	if err != nil {
		return err
	}
	return c.write(ctx, unit, req)
}

// ReadFloat32 reads a single-precision floating point value from two
// holding registers starting at addr.
func (c *AsyncClient) ReadFloat32(
	ctx context.Context, unit UnitID, addr uint16,
	done func(float32, error),
) (float32, error) {
	bo, wo := c.encoding()
	var value float32
	words, err := c.readWords(ctx, FunctionReadHoldingRegisters, unit, addr, 2)
	if err == nil {
		value = float32FromWords(words, bo, wo)
	}
	if done != nil {
		done(value, err)
	}
	return value, err
}

// WriteFloat32 writes a single-precision floating point value to two
// holding registers starting at addr.
func (c *AsyncClient) WriteFloat32(
	ctx context.Context, unit UnitID, addr uint16, value float32,
	done func(error),
) error {
	bo, wo := c.encoding()
	err := c.writeMultipleRegisters(ctx, unit, addr,
		wordsFromFloat32(value, bo, wo))
	if done != nil {
		done(err)
	}
	return err
}

// ReadFloat64 reads a double-precision floating point value from four
// holding registers starting at addr.
func (c *AsyncClient) ReadFloat64(
	ctx context.Context, unit UnitID, addr uint16,
	done func(float64, error),
) (float64, error) {
	bo, wo := c.encoding()
	var value float64
	words, err := c.readWords(ctx, FunctionReadHoldingRegisters, unit, addr, 4)
	if err == nil {
		value = float64FromWords(words, bo, wo)
	}
	if done != nil {
		done(value, err)
	}
	return value, err
}

// WriteFloat64 writes a double-precision floating point value to four
// holding registers starting at addr.
func (c *AsyncClient) WriteFloat64(
	ctx context.Context, unit UnitID, addr uint16, value float64,
	done func(error),
) error {
	bo, wo := c.encoding()
	err := c.writeMultipleRegisters(ctx, unit, addr,
		wordsFromFloat64(value, bo, wo))
	if done != nil {
		done(err)
	}
	return err
}

// ReadInt32 reads a 2's complement signed 32-bit integer from two holding
// registers starting at addr.
func (c *AsyncClient) ReadInt32(
	ctx context.Context, unit UnitID, addr uint16,
	done func(int32, error),
) (int32, error) {
	value, err := c.readUint32(ctx, unit, addr)
	if done != nil {
		done(int32(value), err)
	}
	return int32(value), err
}

// WriteInt32 writes a 2's complement signed 32-bit integer to two holding
// registers starting at addr.
func (c *AsyncClient) WriteInt32(
	ctx context.Context, unit UnitID, addr uint16, value int32,
	done func(error),
) error {
	bo, wo := c.encoding()
	err := c.writeMultipleRegisters(ctx, unit, addr,
		wordsFromUint32(uint32(value), bo, wo))
	if done != nil {
		done(err)
	}
	return err
}

// ReadUint32 reads an unsigned 32-bit integer from two holding registers
// starting at addr.
func (c *AsyncClient) ReadUint32(
	ctx context.Context, unit UnitID, addr uint16,
	done func(uint32, error),
) (uint32, error) {
	value, err := c.readUint32(ctx, unit, addr)
	if done != nil {
		done(value, err)
	}
	return value, err
}

func (c *AsyncClient) readUint32(
	ctx context.Context, unit UnitID, addr uint16,
) (uint32, error) {
	bo, wo := c.encoding()
	words, err := c.readWords(ctx, FunctionReadHoldingRegisters, unit, addr, 2)
	if err != nil {
		return 0, err
	}
	return uint32FromWords(words, bo, wo), nil
}

// WriteUint32 writes an unsigned 32-bit integer to two holding registers
// starting at addr.
func (c *AsyncClient) WriteUint32(
	ctx context.Context, unit UnitID, addr uint16, value uint32,
	done func(error),
) error {
	bo, wo := c.encoding()
	err := c.writeMultipleRegisters(ctx, unit, addr,
		wordsFromUint32(value, bo, wo))
	if done != nil {
		done(err)
	}
	return err
}

// ReadString reads a string of the given length in bytes from the holding
// registers starting at addr. The registers beyond the requested length
// are not inspected, so a NUL padding byte is never part of the result.
func (c *AsyncClient) ReadString(
	ctx context.Context, unit UnitID, addr uint16, length int,
	done func(string, error),
) (string, error) {
	value, err := c.readString(ctx, unit, addr, length)
	if done != nil {
		done(value, err)
	}
	return value, err
}

func (c *AsyncClient) readString(
	ctx context.Context, unit UnitID, addr uint16, length int,
) (string, error) {
	if length < 1 || length > 2*maxReadWords {
		return "", fmt.Errorf("string length %d outside [1,%d]: %w",
			length, 2*maxReadWords, ErrInvalidArgument)
	}
	bo, _ := c.encoding()
	words, err := c.readWords(ctx, FunctionReadHoldingRegisters,
		unit, addr, (length+1)/2)
	if err != nil {
		return "", err
	}
	return stringFromWords(words, length, bo), nil
}

// WriteString writes a string to the holding registers starting at addr,
// two bytes per register. A string of odd length is padded with a NUL
// byte.
func (c *AsyncClient) WriteString(
	ctx context.Context, unit UnitID, addr uint16, value string,
	done func(error),
) error {
	err := c.writeString(ctx, unit, addr, value)
	if done != nil {
		done(err)
	}
	return err
}

func (c *AsyncClient) writeString(
	ctx context.Context, unit UnitID, addr uint16, value string,
) error {
	if len(value) < 1 || len(value) > 2*maxWriteWords {
		return fmt.Errorf("string length %d outside [1,%d]: %w",
			len(value), 2*maxWriteWords, ErrInvalidArgument)
	}
	bo, _ := c.encoding()
	return c.writeMultipleRegisters(ctx, unit, addr, wordsFromString(value, bo))
}

// readBits performs a ReadCoils or ReadDiscreteInputs request.
func (c *AsyncClient) readBits(
	ctx context.Context, fc FunctionCode, unit UnitID, start uint16, n int,
) ([]bool, error) {
	req, err := buildReadRequest(fc, start, n, maxReadBits)
	if err != nil {
		return nil, err
	}
	if unit == UnitBroadcast {
		return nil, fmt.Errorf("cannot read from the broadcast unit: %w",
			ErrInvalidArgument)
	}
	resp, err := c.transport.Exchange(ctx, unit, req)
	if err != nil {
		return nil, err
	}
	return parseReadBitsResponse(req, resp, n)
}

// readWords performs a ReadHoldingRegisters or ReadInputRegisters
// request.
func (c *AsyncClient) readWords(
	ctx context.Context, fc FunctionCode, unit UnitID, start uint16, n int,
) ([]uint16, error) {
	req, err := buildReadRequest(fc, start, n, maxReadWords)
	if err != nil {
		return nil, err
	}
	if unit == UnitBroadcast {
		return nil, fmt.Errorf("cannot read from the broadcast unit: %w",
			ErrInvalidArgument)
	}
	resp, err := c.transport.Exchange(ctx, unit, req)
	if err != nil {
		return nil, err
	}
	return parseReadWordsResponse(req, resp, n)
}

// write performs one of the four write requests and validates the echoed
// response. A broadcast write elicits no response on serial lines, which
// the transport signals with an empty PDU.
func (c *AsyncClient) write(ctx context.Context, unit UnitID, req PDU) error {
	resp, err := c.transport.Exchange(ctx, unit, req)
	if err != nil {
		return err
	}
	if unit == UnitBroadcast && resp.Function == 0 {
		return nil
	}
	return checkEchoResponse(req, resp)
}
