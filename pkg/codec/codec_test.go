package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestVarUintRoundTrip(t *testing.T) {
	buf := NewBuffer(32)
	values := []uint32{0, 1, 127, 128, 16383, 16384, 2097151, 2097152, 0xFFFFFFFF}
	for _, v := range values {
		buf.WriteVarUint(v)
	}

	r := NewReader(buf.Bytes())
	for _, want := range values {
		got, err := r.ReadVarUint()
		if err != nil {
			t.Fatalf("ReadVarUint: %v", err)
		}
		if got != want {
			t.Errorf("ReadVarUint = %d, want %d", got, want)
		}
	}
	if r.Remaining() != 0 {
		t.Errorf("Remaining = %d, want 0", r.Remaining())
	}
}

func TestVarUintEncodedSizes(t *testing.T) {
	cases := []struct {
		value uint32
		size  int
	}{
		{0, 1},
		{127, 1},
		{128, 2},
		{16383, 2},
		{16384, 3},
		{0xFFFFFFFF, 5},
	}
	for _, c := range cases {
		buf := NewBuffer(8)
		buf.WriteVarUint(c.value)
		if buf.Len() != c.size {
			t.Errorf("WriteVarUint(%d) wrote %d bytes, want %d", c.value, buf.Len(), c.size)
		}
	}
}

func TestVarUintOverflow(t *testing.T) {
	// Five continuation bytes never terminate within 32 bits.
	r := NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	if _, err := r.ReadVarUint(); !errors.Is(err, ErrVarintOverflow) {
		t.Errorf("got %v, want ErrVarintOverflow", err)
	}

	// The fifth byte may only carry four value bits.
	r = NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x10})
	if _, err := r.ReadVarUint(); !errors.Is(err, ErrVarintOverflow) {
		t.Errorf("fifth byte 0x10: got %v, want ErrVarintOverflow", err)
	}

	// 0x0F in the fifth byte is exactly the top of the range.
	r = NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x0F})
	v, err := r.ReadVarUint()
	if err != nil {
		t.Fatalf("max varint: %v", err)
	}
	if v != 0xFFFFFFFF {
		t.Errorf("max varint = %d, want 0xFFFFFFFF", v)
	}
}

func TestVarUintTruncated(t *testing.T) {
	// A continuation flag with no following byte means the stream needs
	// more data, not that it is malformed.
	r := NewReader([]byte{0x80})
	if _, err := r.ReadVarUint(); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("got %v, want ErrShortBuffer", err)
	}
}

func TestValueRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		value Value
	}{
		{"absent", Absent()},
		{"text", Text("hello")},
		{"text empty", Text("")},
		{"text unicode", Text("unicode: äöü☃")},
		{"bytes", Bytes([]byte{0xDE, 0xAD, 0xBE, 0xEF})},
		{"bytes empty", Bytes([]byte{})},
		{"int zero", Int(0)},
		{"int small", Int(42)},
		{"int max", Int(0xFFFFFFFF)},
		{"record", Record([]byte(`{"version":1,"token":"abc"}`))},
		{"record empty object", Record([]byte(`{}`))},
		{"list empty", List()},
		{"list flat", List(Int(1), Text("two"), Bytes([]byte{3}))},
		{"list nested", List(List(Int(1), Int(2)), List(), Absent())},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			buf := NewBuffer(64)
			c.value.Encode(buf)

			got, err := DecodeValue(NewReader(buf.Bytes()))
			if err != nil {
				t.Fatalf("DecodeValue: %v", err)
			}
			if diff := cmp.Diff(c.value, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}

			// Re-encoding the decoded value must reproduce the
			// original bytes exactly.
			buf2 := NewBuffer(64)
			got.Encode(buf2)
			if !bytes.Equal(buf.Bytes(), buf2.Bytes()) {
				t.Errorf("re-encode mismatch:\n  first:  %x\n  second: %x", buf.Bytes(), buf2.Bytes())
			}
		})
	}
}

func TestAbsentEncodesSingleByte(t *testing.T) {
	buf := NewBuffer(4)
	Absent().Encode(buf)
	if buf.Len() != 1 {
		t.Errorf("absent encoded as %d bytes, want 1", buf.Len())
	}
}

func TestSequentialHeterogeneousScan(t *testing.T) {
	// Values are self-delimiting: a sequence decodes without an index.
	buf := NewBuffer(64)
	seq := []Value{Int(7), Text("mid"), Absent(), Bytes([]byte{1, 2}), List(Int(9))}
	for _, v := range seq {
		v.Encode(buf)
	}

	r := NewReader(buf.Bytes())
	for i, want := range seq {
		got, err := DecodeValue(r)
		if err != nil {
			t.Fatalf("DecodeValue[%d]: %v", i, err)
		}
		if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("value[%d] mismatch (-want +got):\n%s", i, diff)
		}
	}
	if r.Remaining() != 0 {
		t.Errorf("Remaining = %d, want 0", r.Remaining())
	}
}

func TestRecordMarshalUnmarshal(t *testing.T) {
	type hello struct {
		Version int    `json:"version"`
		Token   string `json:"token"`
	}
	v, err := MarshalRecord(hello{Version: 1, Token: "t-123"})
	if err != nil {
		t.Fatalf("MarshalRecord: %v", err)
	}

	buf := NewBuffer(64)
	v.Encode(buf)
	decoded, err := DecodeValue(NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}

	var got hello
	if err := decoded.UnmarshalRecord(&got); err != nil {
		t.Fatalf("UnmarshalRecord: %v", err)
	}
	if got.Version != 1 || got.Token != "t-123" {
		t.Errorf("got %+v, want {1 t-123}", got)
	}

	// Unmarshal on a non-record kind is an error.
	if err := Int(5).UnmarshalRecord(&got); err == nil {
		t.Error("UnmarshalRecord on int: expected error")
	}
}

// ---------------------------------------------------------------------------
// Boundary condition tests
// ---------------------------------------------------------------------------

func TestTruncatedValueNeedsMoreBytes(t *testing.T) {
	// Every strict prefix of a valid encoding must report ErrShortBuffer,
	// never a hard failure: stream callers buffer and retry.
	values := []Value{
		Text("hello world"),
		Bytes([]byte{1, 2, 3, 4, 5}),
		Int(1 << 30),
		Record([]byte(`{"k":"v"}`)),
		List(Int(1), Text("two"), List(Int(3))),
	}
	for _, v := range values {
		buf := NewBuffer(64)
		v.Encode(buf)
		full := buf.Bytes()
		for n := 0; n < len(full); n++ {
			_, err := DecodeValue(NewReader(full[:n]))
			if !errors.Is(err, ErrShortBuffer) {
				t.Fatalf("prefix %d/%d of %s: got %v, want ErrShortBuffer",
					n, len(full), KindNames[v.Kind], err)
			}
		}
	}
}

func TestListCountBeyondRemaining(t *testing.T) {
	// A declared element count larger than the remaining bytes can never
	// complete; report short buffer instead of allocating.
	r := NewReader([]byte{byte(KindList), 0xFF, 0xFF, 0xFF, 0xFF, 0x0F})
	if _, err := DecodeValue(r); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("got %v, want ErrShortBuffer", err)
	}
}

func TestUnknownKindRejected(t *testing.T) {
	r := NewReader([]byte{0x7E, 0x00})
	if _, err := DecodeValue(r); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("got %v, want ErrUnknownKind", err)
	}
}

func TestDeepNestingRejected(t *testing.T) {
	deep := make([]byte, 0, 256)
	for i := 0; i < 100; i++ {
		deep = append(deep, byte(KindList), 0x01)
	}
	deep = append(deep, byte(KindInt), 0x00)
	if _, err := DecodeValue(NewReader(deep)); !errors.Is(err, ErrValueTooDeep) {
		t.Errorf("100 levels: got %v, want ErrValueTooDeep", err)
	}

	// Ten levels is comfortably within the limit.
	v := Int(1)
	for i := 0; i < 10; i++ {
		v = List(v)
	}
	buf := NewBuffer(64)
	v.Encode(buf)
	if _, err := DecodeValue(NewReader(buf.Bytes())); err != nil {
		t.Errorf("10 levels: %v", err)
	}
}

func TestBufferGrowth(t *testing.T) {
	buf := NewBuffer(1) // tiny initial capacity
	for i := 0; i < 1000; i++ {
		buf.WriteVarUint(uint32(i))
	}

	r := NewReader(buf.Bytes())
	for i := 0; i < 1000; i++ {
		got, err := r.ReadVarUint()
		if err != nil {
			t.Fatalf("ReadVarUint[%d]: %v", i, err)
		}
		if got != uint32(i) {
			t.Errorf("ReadVarUint[%d] = %d, want %d", i, got, i)
		}
	}
}

func TestBufferReset(t *testing.T) {
	buf := NewBuffer(16)
	Text("scratch").Encode(buf)
	if buf.Len() == 0 {
		t.Fatal("before reset: empty buffer")
	}
	buf.Reset()
	if buf.Len() != 0 {
		t.Fatalf("after reset: Len = %d", buf.Len())
	}
	Int(99).Encode(buf)
	got, err := DecodeValue(NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("DecodeValue after reset: %v", err)
	}
	if got.Int != 99 {
		t.Errorf("got %d, want 99", got.Int)
	}
}

func TestReadRawZeroCopy(t *testing.T) {
	// Decoded byte buffers alias the Reader's underlying storage.
	buf := NewBuffer(16)
	Bytes([]byte{0xAA, 0xBB, 0xCC}).Encode(buf)
	backing := buf.Bytes()

	v, err := DecodeValue(NewReader(backing))
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	v.Bytes[0] = 0xFF
	if backing[2] != 0xFF {
		t.Error("decoded bytes are not a zero-copy sub-slice")
	}
}
