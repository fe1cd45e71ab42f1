package modbus

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendASCIIFrame(t *testing.T) {
	req, err := buildReadRequest(FunctionReadHoldingRegisters, 0, 2, maxReadWords)
	require.NoError(t, err)
	frame := appendASCIIFrame(nil, 1, req)
	assert.Equal(t, ":010300000002FA\r\n", string(frame))
}

func TestReadASCIIFrame(t *testing.T) {
	tests := []struct {
		name string
		unit UnitID
		pdu  PDU
	}{
		{
			name: "read holding registers request",
			unit: 1,
			pdu:  PDU{Function: FunctionReadHoldingRegisters, Data: []byte{0, 0, 0, 2}},
		},
		{
			name: "read holding registers response",
			unit: 17,
			pdu: PDU{
				Function: FunctionReadHoldingRegisters,
				Data:     []byte{6, 0xAE, 0x41, 0x56, 0x52, 0x43, 0x71},
			},
		},
		{
			name: "write single coil",
			unit: 9,
			pdu:  PDU{Function: FunctionWriteSingleCoil, Data: []byte{0, 4, 0xFF, 0}},
		},
		{
			name: "exception response",
			unit: 1,
			pdu:  PDU{Function: 0x83, Data: []byte{2}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := appendASCIIFrame(nil, tt.unit, tt.pdu)
			unit, pdu, err := readASCIIFrame(bytes.NewReader(frame))
			require.NoError(t, err)
			assert.Equal(t, tt.unit, unit)
			assert.Equal(t, tt.pdu, pdu)
		})
	}
}

func TestReadASCIIFrameSkipsLineNoise(t *testing.T) {
	frame := appendASCIIFrame(nil, 1,
		PDU{Function: FunctionReadCoils, Data: []byte{0, 0x13, 0, 0x13}})
	noisy := append([]byte("\x00\xFFnoise"), frame...)
	unit, pdu, err := readASCIIFrame(bytes.NewReader(noisy))
	require.NoError(t, err)
	assert.Equal(t, UnitID(1), unit)
	assert.Equal(t, FunctionReadCoils, pdu.Function)
}

// TestASCIIChecksumSensitivity substitutes every hex character of a valid
// frame, including the LRC characters, by every other hex digit and
// expects each substitution to be caught by the checksum.
func TestASCIIChecksumSensitivity(t *testing.T) {
	req, err := buildReadRequest(FunctionReadHoldingRegisters, 0, 2, maxReadWords)
	require.NoError(t, err)
	frame := appendASCIIFrame(nil, 1, req)
	// Hex characters occupy the region between the colon and CRLF.
	for i := 1; i < len(frame)-2; i++ {
		for _, c := range []byte(hexDigits) {
			if c == frame[i] {
				continue
			}
			mangled := make([]byte, len(frame))
			copy(mangled, frame)
			mangled[i] = c
			_, _, err := readASCIIFrame(bytes.NewReader(mangled))
			var crcErr *CRCError
			assert.ErrorAs(t, err, &crcErr,
				"substituting %c at %d went undetected", c, i)
		}
	}
}

func TestReadASCIIFrameMalformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"missing carriage return", ":010300000002FA\n"},
		{"odd hex count", ":010300000002F\r\n"},
		{"non-hex character", ":01030000000GFA\r\n"},
		{"too short", ":0103\r\n"},
		{"empty frame", ":\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := readASCIIFrame(strings.NewReader(tt.in))
			var respErr *InvalidResponseError
			assert.ErrorAs(t, err, &respErr)
		})
	}
}

func TestReadASCIIFrameTooLong(t *testing.T) {
	in := ":" + strings.Repeat("A", maxASCIIFrameLen+2)
	_, _, err := readASCIIFrame(strings.NewReader(in))
	var respErr *InvalidResponseError
	assert.ErrorAs(t, err, &respErr)
}

func TestReadASCIIFrameTruncated(t *testing.T) {
	_, _, err := readASCIIFrame(strings.NewReader(":01030000"))
	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)
}
