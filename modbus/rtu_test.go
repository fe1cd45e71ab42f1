package modbus

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendRTUFrame(t *testing.T) {
	req, err := buildReadRequest(FunctionReadHoldingRegisters, 0, 2, maxReadWords)
	require.NoError(t, err)
	frame := appendRTUFrame(nil, 1, req)
	assert.Equal(t,
		[]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x02, 0xC4, 0x0B}, frame)
}

func TestReadRTURequest(t *testing.T) {
	tests := []struct {
		name string
		unit UnitID
		pdu  PDU
	}{
		{
			name: "read holding registers",
			unit: 1,
			pdu:  PDU{Function: FunctionReadHoldingRegisters, Data: []byte{0, 0, 0, 2}},
		},
		{
			name: "write single coil",
			unit: 9,
			pdu:  PDU{Function: FunctionWriteSingleCoil, Data: []byte{0, 4, 0xFF, 0}},
		},
		{
			name: "write multiple registers",
			unit: 17,
			pdu: PDU{
				Function: FunctionWriteMultipleRegisters,
				Data:     []byte{0, 1, 0, 2, 4, 0, 0x0A, 1, 2},
			},
		},
		{
			name: "write multiple coils",
			unit: 11,
			pdu: PDU{
				Function: FunctionWriteMultipleCoils,
				Data:     []byte{0, 0x13, 0, 0x0A, 2, 0xCD, 1},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := appendRTUFrame(nil, tt.unit, tt.pdu)
			unit, pdu, err := readRTURequest(bytes.NewReader(frame))
			require.NoError(t, err)
			assert.Equal(t, tt.unit, unit)
			assert.Equal(t, tt.pdu, pdu)
		})
	}
}

func TestReadRTUResponse(t *testing.T) {
	tests := []struct {
		name string
		unit UnitID
		pdu  PDU
	}{
		{
			name: "read holding registers",
			unit: 17,
			pdu: PDU{
				Function: FunctionReadHoldingRegisters,
				Data:     []byte{6, 0xAE, 0x41, 0x56, 0x52, 0x43, 0x71},
			},
		},
		{
			name: "read coils",
			unit: 1,
			pdu:  PDU{Function: FunctionReadCoils, Data: []byte{2, 0xCD, 0x01}},
		},
		{
			name: "write single register echo",
			unit: 1,
			pdu:  PDU{Function: FunctionWriteSingleRegister, Data: []byte{0, 1, 0, 3}},
		},
		{
			name: "write multiple coils echo",
			unit: 1,
			pdu:  PDU{Function: FunctionWriteMultipleCoils, Data: []byte{0, 0x13, 0, 0x0A}},
		},
		{
			name: "exception response",
			unit: 1,
			pdu:  PDU{Function: 0x83, Data: []byte{2}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := appendRTUFrame(nil, tt.unit, tt.pdu)
			unit, pdu, err := readRTUResponse(bytes.NewReader(frame))
			require.NoError(t, err)
			assert.Equal(t, tt.unit, unit)
			assert.Equal(t, tt.pdu, pdu)
		})
	}
}

// TestRTUChecksumSensitivity flips every bit of the unit identifier and
// the PDU data of a valid frame and expects each flip to be caught by the
// checksum. The function code and count bytes are left alone since
// changing them also changes the expected frame shape.
func TestRTUChecksumSensitivity(t *testing.T) {
	resp := PDU{
		Function: FunctionReadHoldingRegisters,
		Data:     []byte{6, 0xAE, 0x41, 0x56, 0x52, 0x43, 0x71},
	}
	frame := appendRTUFrame(nil, 17, resp)
	for _, i := range []int{0, 3, 4, 5, 6, 7, 8} {
		for bit := 0; bit != 8; bit++ {
			mangled := make([]byte, len(frame))
			copy(mangled, frame)
			mangled[i] ^= 1 << bit
			_, _, err := readRTUResponse(bytes.NewReader(mangled))
			var crcErr *CRCError
			assert.ErrorAs(t, err, &crcErr,
				"flip of byte %d bit %d went undetected", i, bit)
		}
	}
}

func TestReadRTUResponseUnknownFunction(t *testing.T) {
	frame := appendRTUFrame(nil, 1, PDU{Function: 0x2B, Data: []byte{0x0E, 1, 0}})
	_, _, err := readRTUResponse(bytes.NewReader(frame))
	var respErr *InvalidResponseError
	assert.ErrorAs(t, err, &respErr)
}

func TestReadRTURequestUnknownFunction(t *testing.T) {
	frame := appendRTUFrame(nil, 1, PDU{Function: 0x08, Data: []byte{0, 0, 0, 0}})
	_, _, err := readRTURequest(bytes.NewReader(frame))
	var respErr *InvalidResponseError
	assert.ErrorAs(t, err, &respErr)
}

func TestReadRTUResponseTruncated(t *testing.T) {
	frame := appendRTUFrame(nil, 1,
		PDU{Function: FunctionReadCoils, Data: []byte{2, 0xCD, 0x01}})
	_, _, err := readRTUResponse(bytes.NewReader(frame[:4]))
	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestRTUResponseTail(t *testing.T) {
	n, err := rtuResponseTail(FunctionReadHoldingRegisters, 6)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	n, err = rtuResponseTail(FunctionWriteSingleCoil, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = rtuResponseTail(FunctionReadCoils.AsError(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = rtuResponseTail(0x2B, 0)
	assert.Error(t, err)
}
