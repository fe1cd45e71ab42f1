package modbus

import (
	"github.com/sigurn/crc16"
)

// crcTable is the lookup table for the CRC-16/MODBUS checksum
// (polynomial 0xA001 in reflected form, initial value 0xFFFF).
var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// crcOf computes the CRC-16/MODBUS checksum over data. On the wire the
// checksum follows the frame low byte first.
func crcOf(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// lrcOf computes the longitudinal redundancy check over data: the two's
// complement of the sum of all bytes. ASCII frames carry it as the last
// hex-encoded byte before the trailing CRLF.
func lrcOf(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return ^sum + 1
}
