package codec

// Buffer is a growable byte buffer used for uplink wire encoding.
// Variable-length integers are written as VLQ: 7 value bits per byte,
// least-significant group first, continuation flag in the high bit.
type Buffer struct {
	data []byte
}

// NewBuffer returns a Buffer pre-allocated with the given capacity.
func NewBuffer(cap int) *Buffer {
	return &Buffer{data: make([]byte, 0, cap)}
}

// Bytes returns the accumulated encoded bytes.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the number of bytes written so far.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Reset clears the buffer for reuse.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
}

// grow ensures room for n additional bytes, returning the write offset.
func (b *Buffer) grow(n int) int {
	off := len(b.data)
	need := off + n
	if need <= cap(b.data) {
		b.data = b.data[:need]
		return off
	}
	newCap := cap(b.data) * 2
	if newCap < need {
		newCap = need
	}
	tmp := make([]byte, need, newCap)
	copy(tmp, b.data)
	b.data = tmp
	return off
}

// WriteUint8 appends a single byte.
func (b *Buffer) WriteUint8(v uint8) {
	off := b.grow(1)
	b.data[off] = v
}

// WriteVarUint appends a 32-bit unsigned integer in VLQ form. Values below
// 128 cost one byte; the maximum is five bytes.
func (b *Buffer) WriteVarUint(v uint32) {
	for v >= 0x80 {
		b.WriteUint8(uint8(v) | 0x80)
		v >>= 7
	}
	b.WriteUint8(uint8(v))
}

// WriteRaw appends p verbatim, with no length prefix.
func (b *Buffer) WriteRaw(p []byte) {
	off := b.grow(len(p))
	copy(b.data[off:], p)
}

// WriteRawString appends s verbatim, with no length prefix.
func (b *Buffer) WriteRawString(s string) {
	off := b.grow(len(s))
	copy(b.data[off:], s)
}
