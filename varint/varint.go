// Package varint implements the unsigned LEB128 varint encoding used to
// length-prefix messages throughout the connection stack (multistream-select
// proposals, mplex frame headers), plus a resumable framed-message reader
// built on top of it, per spec.md §4.1.
package varint

import (
	"errors"
	"io"
)

// ErrOverflow is returned when a varint runs past 9 bytes (63 bits of value,
// so values of 2^63 and above are rejected) or a decoded body length exceeds
// the caller-supplied maximum.
var ErrOverflow = errors.New("varint: overflow")

const maxVarintBytes = 9 // 9 × 7 = 63 value bits

// Encode appends the varint encoding of x to buf and returns the result.
func Encode(buf []byte, x uint64) []byte {
	for x >= 0x80 {
		buf = append(buf, byte(x)|0x80)
		x >>= 7
	}
	return append(buf, byte(x))
}

// Size returns the number of bytes Encode would append for x.
func Size(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}

// Decode reads a varint from buf, returning the value, the number of bytes
// consumed, and an error if buf does not contain a complete, valid varint.
func Decode(buf []byte) (uint64, int, error) {
	var x uint64
	var s uint
	for i, b := range buf {
		if i == maxVarintBytes {
			return 0, 0, ErrOverflow
		}
		if b < 0x80 {
			return x | uint64(b)<<s, i + 1, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, 0, io.ErrUnexpectedEOF
}

// ReadUvarint reads a single varint from r one byte at a time, matching the
// shape of encoding/binary.ReadUvarint but bounding the number of bytes read
// to maxVarintBytes so a malicious peer cannot force an unbounded read.
func ReadUvarint(r io.ByteReader) (uint64, error) {
	var x uint64
	var s uint
	for i := 0; ; i++ {
		if i == maxVarintBytes {
			return 0, ErrOverflow
		}
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if b < 0x80 {
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
}

// state is the framed-reader state machine of spec.md §4.1.
type state int

const (
	stateReadingLength state = iota
	stateReadingBody
	stateMessageReady
	stateOverflow
	stateError
)

// Reader decodes a stream of varint-length-prefixed messages from an
// underlying io.Reader, enforcing a maximum body length. It is not
// goroutine-safe; callers serialize their own reads, matching every other
// single-reader-loop component in this module.
type Reader struct {
	r       io.Reader
	br      io.ByteReader // r wrapped in a bufio.Reader-compatible ByteReader
	maxSize int

	state state
	err   error
}

// byteReader adapts an io.Reader lacking ReadByte into one with it, reading
// exactly one byte at a time. Callers are expected to pass an already
// buffered io.Reader (e.g. *bufio.Reader) for efficiency; this fallback
// exists so Reader never panics on a bare net.Conn.
type byteReader struct{ io.Reader }

func (br byteReader) ReadByte() (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(br.Reader, b[:])
	return b[0], err
}

// NewReader constructs a Reader that rejects any message whose declared
// length exceeds maxSize, putting it into the permanent overflow/error state
// (per spec.md §4.1: "On overflow the reader reports a fatal framing error
// and the connection closes").
func NewReader(r io.Reader, maxSize int) *Reader {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = byteReader{r}
	}
	return &Reader{r: r, br: br, maxSize: maxSize}
}

// ReadMessage reads one length-prefixed message. Once the Reader has
// returned an error it is permanently broken (state machine reaches
// stateOverflow or stateError and stays there); every subsequent call
// returns the same error.
func (fr *Reader) ReadMessage() ([]byte, error) {
	if fr.state == stateOverflow || fr.state == stateError {
		return nil, fr.err
	}
	fr.state = stateReadingLength
	n, err := ReadUvarint(fr.br)
	if err != nil {
		fr.state = stateError
		fr.err = err
		return nil, err
	}
	if n > uint64(fr.maxSize) {
		fr.state = stateOverflow
		fr.err = ErrOverflow
		return nil, fr.err
	}
	fr.state = stateReadingBody
	buf := make([]byte, n)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		fr.state = stateError
		fr.err = err
		return nil, err
	}
	fr.state = stateMessageReady
	return buf, nil
}

// WriteMessage writes a single varint-length-prefixed message to w.
func WriteMessage(w io.Writer, msg []byte) error {
	buf := Encode(nil, uint64(len(msg)))
	buf = append(buf, msg...)
	_, err := w.Write(buf)
	return err
}
