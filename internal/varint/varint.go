// Package varint implements the QUIC variable-length integer encoding
// from RFC 9000 section 16.
package varint

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrOutOfRange is returned when encoding a value that does not fit in
// the 62-bit range the varint encoding supports.
var ErrOutOfRange = errors.New("varint: value out of range")

// ErrTruncated is returned when the buffer ends before a varint's
// declared length class has been fully read.
var ErrTruncated = errors.New("varint: truncated")

// Length classes, selected by the two high bits of the first byte.
const (
	max1 = 1<<6 - 1
	max2 = 1<<14 - 1
	max4 = 1<<30 - 1
	max8 = 1<<62 - 1
)

// Encode writes the QUIC varint encoding of n into the smallest length
// class that fits it. It fails for n >= 2^62.
func Encode(n uint64) ([]byte, error) {
	switch {
	case n <= max1:
		return []byte{byte(n)}, nil
	case n <= max2:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(n))
		b[0] |= 0b01 << 6
		return b, nil
	case n <= max4:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(n))
		b[0] |= 0b10 << 6
		return b, nil
	case n <= max8:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, n)
		b[0] |= 0b11 << 6
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrOutOfRange, n)
	}
}

// Decode reads a single varint from the start of b and returns its
// value along with the number of bytes consumed. Non-canonical
// encodings (a value written in a longer length class than necessary)
// are accepted.
func Decode(b []byte) (value uint64, n int, err error) {
	if len(b) < 1 {
		return 0, 0, ErrTruncated
	}

	prefix := b[0] >> 6
	length := 1 << prefix
	if len(b) < length {
		return 0, 0, ErrTruncated
	}

	v := uint64(b[0] & 0b00111111)
	for i := 1; i < length; i++ {
		v = (v << 8) | uint64(b[i])
	}

	return v, length, nil
}
