package protocol

import (
	"errors"
)

// ErrTruncated is returned when a frame ends before a field could be read.
var ErrTruncated = errors.New("uplink frame truncated")

// Reader consumes big-endian fields from a raw uplink buffer, advancing a
// cursor. The cursor never backtracks; a failed read leaves it unchanged.
type Reader struct {
	buf []byte
	pos int
}

// NewReader creates a reader over a raw frame buffer.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Uint reads an unsigned big-endian integer of the given byte width.
func (r *Reader) Uint(width int) (uint64, error) {
	if r.pos+width > len(r.buf) {
		return 0, ErrTruncated
	}
	var v uint64
	for _, b := range r.buf[r.pos : r.pos+width] {
		v = v<<8 | uint64(b)
	}
	r.pos += width
	return v, nil
}

// Int reads a two's-complement signed big-endian integer of the given byte
// width. When the sign bit is set the value is -(u XOR ones) - 1.
func (r *Reader) Int(width int) (int64, error) {
	u, err := r.Uint(width)
	if err != nil {
		return 0, err
	}
	bits := uint(width * 8)
	if u&(1<<(bits-1)) == 0 {
		return int64(u), nil
	}
	ones := uint64(1)<<bits - 1
	return -int64(u^ones) - 1, nil
}

// Byte reads a single byte.
func (r *Reader) Byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, ErrTruncated
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// Bytes reads n raw bytes.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, ErrTruncated
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}
