// Package capsule implements the RFC 9298 CONNECT-UDP capsule framing:
// a type-length-value unit, type 0, carrying a single UDP datagram
// payload, with type and length encoded as RFC 9000 varints.
package capsule

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/postalsys/wireskip/internal/varint"
)

// DatagramType is the capsule type for a UDP datagram payload.
const DatagramType = 0

// ErrUnrecognizedType is returned when decoding a capsule whose type
// is not DatagramType.
var ErrUnrecognizedType = errors.New("capsule: unrecognized capsule type")

// MaxDatagramSize is the largest UDP payload RFC 9298 permits.
const MaxDatagramSize = 65527

// Encode writes a type-0 capsule wrapping payload to w.
func Encode(w io.Writer, payload []byte) error {
	typ, err := varint.Encode(DatagramType)
	if err != nil {
		return err
	}
	length, err := varint.Encode(uint64(len(payload)))
	if err != nil {
		return err
	}

	if _, err := w.Write(typ); err != nil {
		return err
	}
	if _, err := w.Write(length); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// Decode reads a single capsule from r and returns its payload. Each
// call allocates a fresh bufio.Reader, so Decode is meant for one-shot
// use (e.g. tests); a stream that carries many capsules should use
// Reader instead so buffered bytes aren't dropped between calls.
func Decode(r io.Reader) ([]byte, error) {
	return NewReader(r).ReadCapsule()
}

// Reader decodes a sequence of capsules from a byte stream, such as an
// upgraded HTTP/2 CONNECT-UDP stream that carries one capsule per UDP
// datagram for the lifetime of the association.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r for repeated capsule reads.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// ReadCapsule reads the next capsule and returns its payload. It fails
// with ErrUnrecognizedType if the capsule's type is not DatagramType.
func (cr *Reader) ReadCapsule() ([]byte, error) {
	typ, err := readVarint(cr.br)
	if err != nil {
		return nil, fmt.Errorf("capsule: read type: %w", err)
	}

	length, err := readVarint(cr.br)
	if err != nil {
		return nil, fmt.Errorf("capsule: read length: %w", err)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(cr.br, payload); err != nil {
		return nil, fmt.Errorf("capsule: read payload: %w", err)
	}

	// The length is always consumed first so the stream stays framed even
	// when the type is one ReadCapsule's caller wants to skip.
	if typ != DatagramType {
		return nil, fmt.Errorf("%w: %d", ErrUnrecognizedType, typ)
	}
	return payload, nil
}

// readVarint reads one RFC 9000 varint a byte at a time from br,
// since the encoding's length class is only known after the first byte.
func readVarint(br *bufio.Reader) (uint64, error) {
	first, err := br.ReadByte()
	if err != nil {
		return 0, err
	}

	length := 1 << (first >> 6)
	buf := make([]byte, length)
	buf[0] = first
	for i := 1; i < length; i++ {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		buf[i] = b
	}

	v, _, err := varint.Decode(buf)
	return v, err
}
