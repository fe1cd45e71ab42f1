package modbus

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMBAPHeader(t *testing.T) {
	var h mbap
	h.SetTransaction(1)
	h.SetPDULen(5)
	h.SetUnit(1)
	// Reference header for transaction 1, unit 1, five PDU bytes: the
	// length field counts the unit identifier as well.
	assert.Equal(t, mbap{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01}, h)
	require.NoError(t, h.Validate())
	assert.Equal(t, uint16(1), h.Transaction())
	assert.Equal(t, 5, h.PDULen())
	assert.Equal(t, UnitID(1), h.Unit())

	h.SetTransaction(0xBEEF)
	assert.Equal(t, uint16(0xBEEF), h.Transaction())
	h.SetUnit(247)
	assert.Equal(t, UnitID(247), h.Unit())
}

func TestMBAPValidate(t *testing.T) {
	valid := mbap{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01}

	t.Run("protocol identifier must be zero", func(t *testing.T) {
		h := valid
		h[3] = 1
		assert.Error(t, h.Validate())
		h = valid
		h[2] = 1
		assert.Error(t, h.Validate())
	})
	t.Run("length bounds", func(t *testing.T) {
		h := valid
		binary.BigEndian.PutUint16(h[4:6], 0)
		assert.Error(t, h.Validate())
		binary.BigEndian.PutUint16(h[4:6], 1)
		assert.Error(t, h.Validate())
		binary.BigEndian.PutUint16(h[4:6], 2)
		assert.NoError(t, h.Validate())
		binary.BigEndian.PutUint16(h[4:6], maxPDULen+1)
		assert.NoError(t, h.Validate())
		binary.BigEndian.PutUint16(h[4:6], maxPDULen+2)
		assert.Error(t, h.Validate())
	})
}
