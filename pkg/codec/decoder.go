package codec

import "errors"

var (
	// ErrShortBuffer is returned when the Reader has fewer bytes than the
	// value being decoded requires. It means "need more bytes", not
	// malformed input: callers reading from a stream should buffer more
	// data and retry with a fresh Reader.
	ErrShortBuffer = errors.New("codec: insufficient data in buffer")

	// ErrVarintOverflow is returned when a VLQ integer does not fit in
	// 32 bits.
	ErrVarintOverflow = errors.New("codec: varint overflows 32 bits")
)

// Reader provides sequential, zero-copy decoding of uplink-encoded data.
type Reader struct {
	data   []byte
	offset int
}

// NewReader wraps an existing byte slice for decoding.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.offset
}

// Offset returns the current read position.
func (r *Reader) Offset() int {
	return r.offset
}

// need checks that at least n bytes remain and returns the current offset.
func (r *Reader) need(n int) (int, error) {
	if r.offset+n > len(r.data) {
		return 0, ErrShortBuffer
	}
	off := r.offset
	r.offset += n
	return off, nil
}

// ReadUint8 reads a single byte.
func (r *Reader) ReadUint8() (uint8, error) {
	off, err := r.need(1)
	if err != nil {
		return 0, err
	}
	return r.data[off], nil
}

// ReadVarUint reads a VLQ-encoded 32-bit unsigned integer.
func (r *Reader) ReadVarUint() (uint32, error) {
	var v uint32
	var shift uint
	for i := 0; i < 5; i++ {
		c, err := r.ReadUint8()
		if err != nil {
			return 0, err
		}
		// The fifth byte may only carry the top four value bits.
		if i == 4 && c > 0x0F {
			return 0, ErrVarintOverflow
		}
		v |= uint32(c&0x7F) << shift
		if c&0x80 == 0 {
			return v, nil
		}
		shift += 7
	}
	return 0, ErrVarintOverflow
}

// ReadRaw reads n bytes. The returned slice is a sub-slice of the Reader's
// underlying buffer (zero-copy).
func (r *Reader) ReadRaw(n int) ([]byte, error) {
	off, err := r.need(n)
	if err != nil {
		return nil, err
	}
	return r.data[off : off+n], nil
}
