package modbus

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// crcLen is the length of the RTU frame checksum, in bytes.
	crcLen = 2

	// maxRTUFrameLen is the largest possible RTU frame: unit identifier,
	// PDU, and checksum.
	maxRTUFrameLen = 1 + maxPDULen + crcLen
)

// appendRTUFrame appends the RTU encoding of the given ADU to dst:
// unit identifier, PDU, and CRC-16 low byte first.
func appendRTUFrame(dst []byte, unit UnitID, p PDU) []byte {
	start := len(dst)
	dst = append(dst, byte(unit))
	dst = p.appendTo(dst)
	sum := crcOf(dst[start:])
	return append(dst, byte(sum), byte(sum>>8))
}

// rtuResponseTail returns the number of frame bytes remaining after the
// first three (unit identifier, function code, lead byte) of an RTU
// response. RTU frames carry no length field, so the remainder must be
// derived from the function code, with the lead byte serving as byte
// count for the read functions.
func rtuResponseTail(fc FunctionCode, lead byte) (int, error) {
	switch fc {
	case FunctionReadCoils, FunctionReadDiscreteInputs,
		FunctionReadHoldingRegisters, FunctionReadInputRegisters:
		return int(lead) + crcLen, nil
	case FunctionWriteSingleCoil, FunctionWriteSingleRegister,
		FunctionWriteMultipleCoils, FunctionWriteMultipleRegisters:
		return 3 + crcLen, nil
	}
	if fc.IsError() {
		return crcLen, nil
	}
	return 0, &InvalidResponseError{
		Reason: fmt.Sprintf("unexpected function code %d", fc),
	}
}

// readRTUResponse reads one RTU response frame from r and returns the
// responding unit and the carried PDU. The caller is responsible for
// arming a deadline on the underlying link.
func readRTUResponse(r io.Reader) (UnitID, PDU, error) {
	buf := make([]byte, 3, maxRTUFrameLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, PDU{}, mapLinkError("read", err)
	}
	need, err := rtuResponseTail(FunctionCode(buf[1]), buf[2])
	if err != nil {
		return 0, PDU{}, err
	}
	if len(buf)+need > maxRTUFrameLen {
		return 0, PDU{}, &InvalidResponseError{Reason: "frame too long"}
	}
	n := len(buf)
	buf = buf[:n+need]
	if _, err := io.ReadFull(r, buf[n:]); err != nil {
		return 0, PDU{}, mapLinkError("read", err)
	}
	return finishRTUFrame(buf)
}

// readRTURequest reads one RTU request frame from r and returns the
// addressed unit and the carried PDU. Request shapes differ from response
// shapes: the write multiple functions carry their byte count in the
// sixth PDU byte, all other supported functions have a fixed four data
// bytes.
func readRTURequest(r io.Reader) (UnitID, PDU, error) {
	buf := make([]byte, 2, maxRTUFrameLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, PDU{}, mapLinkError("read", err)
	}
	var need int
	switch fc := FunctionCode(buf[1]); fc {
	case FunctionReadCoils, FunctionReadDiscreteInputs,
		FunctionReadHoldingRegisters, FunctionReadInputRegisters,
		FunctionWriteSingleCoil, FunctionWriteSingleRegister:
		need = 4 + crcLen
	case FunctionWriteMultipleCoils, FunctionWriteMultipleRegisters:
		buf = buf[:7]
		if _, err := io.ReadFull(r, buf[2:]); err != nil {
			return 0, PDU{}, mapLinkError("read", err)
		}
		need = int(buf[6]) + crcLen
	default:
		// Without a known shape the frame boundary cannot be found and
		// the line has to be resynchronized.
		return 0, PDU{}, &InvalidResponseError{
			Reason: fmt.Sprintf("unsupported request function %d", fc),
		}
	}
	if len(buf)+need > maxRTUFrameLen {
		return 0, PDU{}, &InvalidResponseError{Reason: "frame too long"}
	}
	n := len(buf)
	buf = buf[:n+need]
	if _, err := io.ReadFull(r, buf[n:]); err != nil {
		return 0, PDU{}, mapLinkError("read", err)
	}
	return finishRTUFrame(buf)
}

// finishRTUFrame verifies the trailing checksum of a complete RTU frame
// and splits it into unit identifier and PDU.
func finishRTUFrame(frame []byte) (UnitID, PDU, error) {
	body, trailer := frame[:len(frame)-crcLen], frame[len(frame)-crcLen:]
	want := crcOf(body)
	got := binary.LittleEndian.Uint16(trailer)
	if want != got {
		return 0, PDU{}, &CRCError{Want: want, Got: got}
	}
	p, err := pduFromBytes(body[1:])
	if err != nil {
		return 0, PDU{}, err
	}
	return UnitID(body[0]), p, nil
}
