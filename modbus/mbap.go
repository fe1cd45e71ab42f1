package modbus

import (
	"encoding/binary"
	"errors"
)

// mbapLen is the length of the MBAP header, in bytes.
const mbapLen = 7

// mbap is the Modbus application protocol header which precedes each PDU
// on a TCP connection: transaction identifier, protocol identifier
// (always zero), remaining length, and unit identifier.
type mbap [mbapLen]byte

// Validate validates this MBAP.
func (m *mbap) Validate() error {
	// Check protocol identifier
	if m[2] != 0 || m[3] != 0 {
		return errors.New("bad protocol identifier")
	}
	// Check length (encoded length is PDU length + 1 byte for the unit
	// identifier).
	l := binary.BigEndian.Uint16(m[4:6])
	if l < minPDULen+1 || l > maxPDULen+1 {
		return errors.New("bad length")
	}
	return nil
}

// Transaction returns the transaction identifier encoded in this MBAP.
func (m *mbap) Transaction() uint16 {
	return binary.BigEndian.Uint16(m[0:2])
}

// SetTransaction sets the transaction identifier in this MBAP.
func (m *mbap) SetTransaction(txn uint16) {
	binary.BigEndian.PutUint16(m[0:2], txn)
}

// PDULen returns the PDU length encoded in this MBAP.
// Assumes a valid MBAP.
func (m *mbap) PDULen() int {
	return int(binary.BigEndian.Uint16(m[4:6])) - 1 // subtract unit id byte
}

// SetPDULen sets the PDU length in this MBAP. The specified size is not
// checked for validity.
func (m *mbap) SetPDULen(size int) {
	binary.BigEndian.PutUint16(m[4:6], uint16(size+1))
}

// Unit returns the unit identifier encoded in this MBAP.
func (m *mbap) Unit() UnitID {
	return UnitID(m[6])
}

// SetUnit sets the unit identifier in this MBAP.
func (m *mbap) SetUnit(unit UnitID) {
	m[6] = byte(unit)
}
