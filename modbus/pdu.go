package modbus

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// minPDULen is the minimum PDU length, in bytes.
	minPDULen = 1

	// maxPDULen is the maximum PDU length, in bytes.
	maxPDULen = 253
)

const (
	// maxReadBits is the maximum number of bits which can be read in a single
	// ReadCoils or ReadDiscreteInputs request.
	maxReadBits = 2000

	// maxWriteBits is the maximum number of bits which can be written in a
	// single WriteMultipleCoils request.
	maxWriteBits = 1968

	// maxReadWords is the maximum number of words which can be read in a single
	// ReadHoldingRegisters or ReadInputRegisters request.
	maxReadWords = 125

	// maxWriteWords is the maximum number of words which can be written in a
	// single WriteMultipleRegisters request.
	maxWriteWords = 123
)

// PDU describes a Modbus protocol data unit: a function code followed by
// up to 252 bytes of data. A PDU is independent of the framing used to
// carry it over a particular transport.
type PDU struct {
	// Function is the function code.
	Function FunctionCode

	// Data is the payload without the function code.
	Data []byte
}

// Length returns the encoded length of this PDU in bytes, including the
// function code.
func (p PDU) Length() int {
	return 1 + len(p.Data)
}

// IsException determines whether this PDU is an exception response.
func (p PDU) IsException() bool {
	return p.Function.IsError()
}

// appendTo appends the wire encoding of this PDU to dst.
func (p PDU) appendTo(dst []byte) []byte {
	dst = append(dst, byte(p.Function))
	return append(dst, p.Data...)
}

// pduFromBytes interprets raw as a PDU. The slice is not copied.
func pduFromBytes(raw []byte) (PDU, error) {
	if len(raw) < minPDULen || len(raw) > maxPDULen {
		return PDU{}, &InvalidResponseError{
			Reason: fmt.Sprintf("PDU length %d outside [%d,%d]",
				len(raw), minPDULen, maxPDULen),
		}
	}
	return PDU{Function: FunctionCode(raw[0]), Data: raw[1:]}, nil
}

// exceptionResponse builds the exception response PDU for the given
// request function code and exception.
func exceptionResponse(fc FunctionCode, ec ExceptionCode) PDU {
	return PDU{Function: fc.AsError(), Data: []byte{byte(ec)}}
}

// packBits packs bit values into bytes, lower addresses in less
// significant bits, unused bits of the last byte zero.
func packBits(values []bool) []byte {
	packed := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			packed[i/8] |= 1 << (i % 8)
		}
	}
	return packed
}

// unpackBits unpacks n bit values from data, which must hold at least
// (n+7)/8 bytes.
func unpackBits(data []byte, n int) []bool {
	values := make([]bool, n)
	for i := range values {
		values[i] = data[i/8]>>(i%8)&1 == 1
	}
	return values
}

// buildReadRequest builds the common 4-byte read request (2 bytes start
// address, 2 bytes number of values) after validating the quantity
// against the given per-function limit and the address space.
func buildReadRequest(fc FunctionCode, start uint16, n, max int) (PDU, error) {
	if n < 1 || n > max {
		return PDU{}, fmt.Errorf("quantity %d outside [1,%d]: %w",
			n, max, ErrInvalidArgument)
	}
	if int(start)+n > 1<<16 {
		return PDU{}, fmt.Errorf("range %d+%d exceeds address space: %w",
			start, n, ErrInvalidArgument)
	}
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], start)
	binary.BigEndian.PutUint16(data[2:4], uint16(n))
	return PDU{Function: fc, Data: data}, nil
}

// buildWriteSingleCoil builds a WriteSingleCoil request. An on coil is
// encoded as 0xFF00, an off coil as 0x0000.
func buildWriteSingleCoil(addr uint16, value bool) PDU {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], addr)
	if value {
		binary.BigEndian.PutUint16(data[2:4], 0xFF00)
	}
	return PDU{Function: FunctionWriteSingleCoil, Data: data}
}

// buildWriteSingleRegister builds a WriteSingleRegister request.
func buildWriteSingleRegister(addr, value uint16) PDU {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], addr)
	binary.BigEndian.PutUint16(data[2:4], value)
	return PDU{Function: FunctionWriteSingleRegister, Data: data}
}

// buildWriteMultipleCoils builds a WriteMultipleCoils request from the
// given bit values.
func buildWriteMultipleCoils(start uint16, values []bool) (PDU, error) {
	n := len(values)
	if n < 1 || n > maxWriteBits {
		return PDU{}, fmt.Errorf("quantity %d outside [1,%d]: %w",
			n, maxWriteBits, ErrInvalidArgument)
	}
	if int(start)+n > 1<<16 {
		return PDU{}, fmt.Errorf("range %d+%d exceeds address space: %w",
			start, n, ErrInvalidArgument)
	}
	packed := packBits(values)
	data := make([]byte, 5, 5+len(packed))
	binary.BigEndian.PutUint16(data[0:2], start)
	binary.BigEndian.PutUint16(data[2:4], uint16(n))
	data[4] = byte(len(packed))
	data = append(data, packed...)
	return PDU{Function: FunctionWriteMultipleCoils, Data: data}, nil
}

// buildWriteMultipleRegisters builds a WriteMultipleRegisters request
// from the given register values.
func buildWriteMultipleRegisters(start uint16, values []uint16) (PDU, error) {
	n := len(values)
	if n < 1 || n > maxWriteWords {
		return PDU{}, fmt.Errorf("quantity %d outside [1,%d]: %w",
			n, maxWriteWords, ErrInvalidArgument)
	}
	if int(start)+n > 1<<16 {
		return PDU{}, fmt.Errorf("range %d+%d exceeds address space: %w",
			start, n, ErrInvalidArgument)
	}
	data := make([]byte, 5, 5+2*n)
	binary.BigEndian.PutUint16(data[0:2], start)
	binary.BigEndian.PutUint16(data[2:4], uint16(n))
	data[4] = byte(2 * n)
	for _, v := range values {
		data = append(data, byte(v>>8), byte(v))
	}
	return PDU{Function: FunctionWriteMultipleRegisters, Data: data}, nil
}

// checkResponse validates the generic shape of a response PDU against its
// request. An exception response is surfaced as the carried
// ExceptionCode. A response to a different function is an
// InvalidResponseError.
func checkResponse(req, resp PDU) error {
	if resp.Function == req.Function.AsError() {
		if len(resp.Data) != 1 {
			return &InvalidResponseError{Reason: "malformed exception response"}
		}
		return ExceptionCode(resp.Data[0])
	}
	if resp.Function != req.Function {
		return &InvalidResponseError{
			Reason: fmt.Sprintf("function code %d in response to function %d",
				resp.Function, req.Function),
		}
	}
	return nil
}

// parseReadBitsResponse extracts n bit values from a ReadCoils or
// ReadDiscreteInputs response.
func parseReadBitsResponse(req, resp PDU, n int) ([]bool, error) {
	if err := checkResponse(req, resp); err != nil {
		return nil, err
	}
	numBytes := (n + 7) / 8
	if len(resp.Data) != 1+numBytes || int(resp.Data[0]) != numBytes {
		return nil, &InvalidResponseError{Reason: "byte count mismatch"}
	}
	return unpackBits(resp.Data[1:], n), nil
}

// parseReadWordsResponse extracts n register values from a
// ReadHoldingRegisters or ReadInputRegisters response.
func parseReadWordsResponse(req, resp PDU, n int) ([]uint16, error) {
	if err := checkResponse(req, resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != 1+2*n || int(resp.Data[0]) != 2*n {
		return nil, &InvalidResponseError{Reason: "byte count mismatch"}
	}
	values := make([]uint16, n)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(resp.Data[1+2*i:])
	}
	return values, nil
}

// checkEchoResponse validates a write response which echoes the first
// four request data bytes (single writes echo address and value, multiple
// writes echo address and quantity).
func checkEchoResponse(req, resp PDU) error {
	if err := checkResponse(req, resp); err != nil {
		return err
	}
	if len(resp.Data) != 4 || !bytes.Equal(resp.Data, req.Data[:4]) {
		return &InvalidResponseError{Reason: "write echo mismatch"}
	}
	return nil
}

// Parser describes a parser of Modbus request data, for use by server
// side function handlers. Its methods validate quantities, byte counts,
// and address ranges, and report violations as ExceptionCode errors ready
// to be returned to the client.
type Parser struct {
}

// parseReadRequest parses a Modbus read request with the common 4-byte
// structure (2 bytes start address, 2 bytes number of values to read).
func (p *Parser) parseReadRequest(data []byte, maxNumValues int) (
	start uint16, n int, err error,
) {
	if len(data) != 4 {
		return 0, 0, ExceptionIllegalDataValue
	}
	start = binary.BigEndian.Uint16(data[0:2])
	n = int(binary.BigEndian.Uint16(data[2:4]))
	if n <= 0 || n > maxNumValues {
		return 0, 0, ExceptionIllegalDataValue
	}
	if int(start)+n > 1<<16 {
		return 0, 0, ExceptionIllegalDataAddress
	}
	return
}

// ParseReadBits parses a Modbus ReadCoils or ReadDiscreteInputs request.
// The given data should be the request data without the function code.
// It returns the start address and the number of bits to read.
func (p *Parser) ParseReadBits(data []byte) (start uint16, n int, err error) {
	return p.parseReadRequest(data, maxReadBits)
}

// ParseReadWords parses a Modbus ReadHoldingRegisters or
// ReadInputRegisters request. The given data should be the request data
// without the function code. It returns the start address and the number
// of registers to read.
func (p *Parser) ParseReadWords(data []byte) (start uint16, n int, err error) {
	return p.parseReadRequest(data, maxReadWords)
}

// ParseWriteSingleCoil parses a Modbus WriteSingleCoil request.
// The given data should be the request data without the function code.
// It returns the coil address and the value which should be written.
func (p *Parser) ParseWriteSingleCoil(data []byte) (
	addr uint16, value bool, err error,
) {
	if len(data) != 4 {
		return 0, false, ExceptionIllegalDataValue
	}
	addr = binary.BigEndian.Uint16(data[0:2])
	switch binary.BigEndian.Uint16(data[2:4]) {
	case 0x0000:
	case 0xFF00:
		value = true
	default:
		return 0, false, ExceptionIllegalDataValue
	}
	return
}

// ParseWriteSingleRegister parses a Modbus WriteSingleRegister request.
// The given data should be the request data without the function code.
// It returns the holding register address and the value which should be
// written.
func (p *Parser) ParseWriteSingleRegister(data []byte) (
	addr uint16, value uint16, err error,
) {
	if len(data) != 4 {
		return 0, 0, ExceptionIllegalDataValue
	}
	addr = binary.BigEndian.Uint16(data[0:2])
	value = binary.BigEndian.Uint16(data[2:4])
	return
}

// ParseWriteMultipleCoils parses a Modbus WriteMultipleCoils request.
// The given data should be the request data without the function code.
// It returns the start address and the bit values which should be
// written. If the bit count is not divisible by 8, the unused bits of the
// last request byte must be zero.
func (p *Parser) ParseWriteMultipleCoils(data []byte) (
	start uint16, values []bool, err error,
) {
	if len(data) < 5 {
		return 0, nil, ExceptionIllegalDataValue
	}
	start = binary.BigEndian.Uint16(data[0:2])
	n := int(binary.BigEndian.Uint16(data[2:4]))
	numBytes := (n + 7) / 8
	if n <= 0 || n > maxWriteBits ||
		numBytes != int(data[4]) || len(data)-5 != numBytes {
		return 0, nil, ExceptionIllegalDataValue
	}
	if n%8 != 0 && data[len(data)-1]>>(n%8) != 0 {
		return 0, nil, ExceptionIllegalDataValue
	}
	if int(start)+n > 1<<16 {
		return 0, nil, ExceptionIllegalDataAddress
	}
	return start, unpackBits(data[5:], n), nil
}

// ParseWriteMultipleRegisters parses a Modbus WriteMultipleRegisters
// request. The given data should be the request data without the function
// code. It returns the start address and the register values which should
// be written.
func (p *Parser) ParseWriteMultipleRegisters(data []byte) (
	start uint16, values []uint16, err error,
) {
	if len(data) < 5 {
		return 0, nil, ExceptionIllegalDataValue
	}
	start = binary.BigEndian.Uint16(data[0:2])
	n := int(binary.BigEndian.Uint16(data[2:4]))
	numBytes := int(data[4])
	if n <= 0 || n > maxWriteWords ||
		2*n != numBytes || len(data)-5 != numBytes {
		return 0, nil, ExceptionIllegalDataValue
	}
	if int(start)+n > 1<<16 {
		return 0, nil, ExceptionIllegalDataAddress
	}
	values = make([]uint16, n)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[5+2*i:])
	}
	return
}
