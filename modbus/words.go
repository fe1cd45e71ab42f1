package modbus

import (
	"encoding/binary"
	"math"
)

// ByteOrder selects the order of the two bytes within each 16-bit
// register when an extended value is packed into registers.
type ByteOrder uint8

// Byte order constants.
const (
	// BigEndian places the most significant byte of each register first.
	// This is the conventional Modbus encoding.
	BigEndian ByteOrder = iota

	// LittleEndian places the least significant byte of each register
	// first.
	LittleEndian
)

// String renders this byte order as a string.
func (bo ByteOrder) String() string {
	if bo == LittleEndian {
		return "little"
	}
	return "big"
}

// WordOrder selects the order of the registers an extended value spans.
type WordOrder uint8

// Word order constants.
const (
	// HighWordFirst places the most significant register at the lowest
	// address. This is the conventional Modbus encoding.
	HighWordFirst WordOrder = iota

	// LowWordFirst places the least significant register at the lowest
	// address.
	LowWordFirst
)

// String renders this word order as a string.
func (wo WordOrder) String() string {
	if wo == LowWordFirst {
		return "low"
	}
	return "high"
}

// packWords packs raw, the big-endian bytes of an extended value, into
// len(raw)/2 registers according to the given orders. Byte order operates
// within each register, word order across registers, so the two compose
// independently.
func packWords(raw []byte, bo ByteOrder, wo WordOrder) []uint16 {
	n := len(raw) / 2
	words := make([]uint16, n)
	for i := 0; i != n; i++ {
		hi, lo := raw[2*i], raw[2*i+1]
		if bo == LittleEndian {
			hi, lo = lo, hi
		}
		words[i] = uint16(hi)<<8 | uint16(lo)
	}
	if wo == LowWordFirst {
		for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
			words[i], words[j] = words[j], words[i]
		}
	}
	return words
}

// unpackWords recovers the big-endian bytes of an extended value from its
// registers. It is the inverse of packWords for every order combination.
func unpackWords(words []uint16, bo ByteOrder, wo WordOrder) []byte {
	n := len(words)
	raw := make([]byte, 0, 2*n)
	for i := 0; i != n; i++ {
		w := words[i]
		if wo == LowWordFirst {
			w = words[n-1-i]
		}
		hi, lo := byte(w>>8), byte(w)
		if bo == LittleEndian {
			hi, lo = lo, hi
		}
		raw = append(raw, hi, lo)
	}
	return raw
}

// wordsFromUint32 encodes v into two registers.
func wordsFromUint32(v uint32, bo ByteOrder, wo WordOrder) []uint16 {
	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], v)
	return packWords(raw[:], bo, wo)
}

// uint32FromWords decodes two registers into an unsigned 32-bit integer.
func uint32FromWords(words []uint16, bo ByteOrder, wo WordOrder) uint32 {
	return binary.BigEndian.Uint32(unpackWords(words, bo, wo))
}

// wordsFromUint64 encodes v into four registers.
func wordsFromUint64(v uint64, bo ByteOrder, wo WordOrder) []uint16 {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], v)
	return packWords(raw[:], bo, wo)
}

// uint64FromWords decodes four registers into an unsigned 64-bit integer.
func uint64FromWords(words []uint16, bo ByteOrder, wo WordOrder) uint64 {
	return binary.BigEndian.Uint64(unpackWords(words, bo, wo))
}

// wordsFromFloat32 encodes the IEEE 754 bits of v into two registers.
func wordsFromFloat32(v float32, bo ByteOrder, wo WordOrder) []uint16 {
	return wordsFromUint32(math.Float32bits(v), bo, wo)
}

// float32FromWords decodes two registers into a single-precision float.
func float32FromWords(words []uint16, bo ByteOrder, wo WordOrder) float32 {
	return math.Float32frombits(uint32FromWords(words, bo, wo))
}

// wordsFromFloat64 encodes the IEEE 754 bits of v into four registers.
func wordsFromFloat64(v float64, bo ByteOrder, wo WordOrder) []uint16 {
	return wordsFromUint64(math.Float64bits(v), bo, wo)
}

// float64FromWords decodes four registers into a double-precision float.
func float64FromWords(words []uint16, bo ByteOrder, wo WordOrder) float64 {
	return math.Float64frombits(uint64FromWords(words, bo, wo))
}

// wordsFromString encodes s into (len(s)+1)/2 registers, two characters
// per register, padding an odd length with a trailing null byte. Byte
// order selects which half of each register carries the earlier
// character; word order does not apply to character sequences.
func wordsFromString(s string, bo ByteOrder) []uint16 {
	raw := make([]byte, (len(s)+1)&^1)
	copy(raw, s)
	return packWords(raw, bo, HighWordFirst)
}

// stringFromWords decodes exactly length bytes from the given registers.
// The cut happens at the declared length only, never by scanning for null
// bytes, so embedded nulls survive and only an odd-length pad byte is
// dropped.
func stringFromWords(words []uint16, length int, bo ByteOrder) string {
	raw := unpackWords(words, bo, HighWordFirst)
	return string(raw[:length])
}
