package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// orderCombinations covers every supported register encoding.
var orderCombinations = []struct {
	name string
	bo   ByteOrder
	wo   WordOrder
}{
	{"big/high", BigEndian, HighWordFirst},
	{"big/low", BigEndian, LowWordFirst},
	{"little/high", LittleEndian, HighWordFirst},
	{"little/low", LittleEndian, LowWordFirst},
}

func TestUint32Words(t *testing.T) {
	// The four classic layouts of 0x12345678, often written ABCD, CDAB,
	// BADC, and DCBA.
	tests := []struct {
		bo    ByteOrder
		wo    WordOrder
		words []uint16
	}{
		{BigEndian, HighWordFirst, []uint16{0x1234, 0x5678}},
		{BigEndian, LowWordFirst, []uint16{0x5678, 0x1234}},
		{LittleEndian, HighWordFirst, []uint16{0x3412, 0x7856}},
		{LittleEndian, LowWordFirst, []uint16{0x7856, 0x3412}},
	}
	for _, tt := range tests {
		t.Run(tt.bo.String()+"/"+tt.wo.String(), func(t *testing.T) {
			words := wordsFromUint32(0x12345678, tt.bo, tt.wo)
			assert.Equal(t, tt.words, words)
			assert.Equal(t, uint32(0x12345678), uint32FromWords(words, tt.bo, tt.wo))
		})
	}
}

func TestUint64Words(t *testing.T) {
	const v = uint64(0x0123456789ABCDEF)
	for _, tt := range orderCombinations {
		t.Run(tt.name, func(t *testing.T) {
			words := wordsFromUint64(v, tt.bo, tt.wo)
			require.Len(t, words, 4)
			assert.Equal(t, v, uint64FromWords(words, tt.bo, tt.wo))
		})
	}
	words := wordsFromUint64(v, BigEndian, HighWordFirst)
	assert.Equal(t, []uint16{0x0123, 0x4567, 0x89AB, 0xCDEF}, words)
	words = wordsFromUint64(v, BigEndian, LowWordFirst)
	assert.Equal(t, []uint16{0xCDEF, 0x89AB, 0x4567, 0x0123}, words)
}

func TestFloat32Words(t *testing.T) {
	// 25.6 encodes as 0x41CCCCCD.
	words := wordsFromFloat32(25.6, BigEndian, HighWordFirst)
	assert.Equal(t, []uint16{0x41CC, 0xCCCD}, words)

	values := []float32{0, 1, -1, 25.6, 3.1415926, -2.5e-12, 6.02e23}
	for _, tt := range orderCombinations {
		t.Run(tt.name, func(t *testing.T) {
			for _, v := range values {
				words := wordsFromFloat32(v, tt.bo, tt.wo)
				require.Len(t, words, 2)
				assert.Equal(t, v, float32FromWords(words, tt.bo, tt.wo))
			}
		})
	}
}

func TestFloat64Words(t *testing.T) {
	values := []float64{0, 1, -1, 25.6, 3.141592653589793, -2.5e-120, 6.02e230}
	for _, tt := range orderCombinations {
		t.Run(tt.name, func(t *testing.T) {
			for _, v := range values {
				words := wordsFromFloat64(v, tt.bo, tt.wo)
				require.Len(t, words, 4)
				assert.Equal(t, v, float64FromWords(words, tt.bo, tt.wo))
			}
		})
	}
}

func TestStringWords(t *testing.T) {
	words := wordsFromString("AB", BigEndian)
	assert.Equal(t, []uint16{0x4142}, words)
	words = wordsFromString("AB", LittleEndian)
	assert.Equal(t, []uint16{0x4241}, words)

	// Odd length pads with NUL.
	words = wordsFromString("ABC", BigEndian)
	assert.Equal(t, []uint16{0x4142, 0x4300}, words)
	assert.Equal(t, "ABC", stringFromWords(words, 3, BigEndian))

	// Embedded NULs survive; the cut happens at the declared length only.
	words = wordsFromString("A\x00B\x00C", BigEndian)
	assert.Equal(t, "A\x00B\x00C", stringFromWords(words, 5, BigEndian))

	for _, bo := range []ByteOrder{BigEndian, LittleEndian} {
		s := "Hello, Modbus!"
		assert.Equal(t, s, stringFromWords(wordsFromString(s, bo), len(s), bo))
	}
}

func TestOrderStrings(t *testing.T) {
	assert.Equal(t, "big", BigEndian.String())
	assert.Equal(t, "little", LittleEndian.String())
	assert.Equal(t, "high", HighWordFirst.String())
	assert.Equal(t, "low", LowWordFirst.String())
}
