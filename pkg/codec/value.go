package codec

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies the wire type of a Value.
type Kind uint8

const (
	KindAbsent Kind = 0
	KindText   Kind = 1
	KindBytes  Kind = 2
	KindList   Kind = 3
	KindRecord Kind = 4
	KindInt    Kind = 5
)

// KindNames maps value kinds to human-readable names for logging.
var KindNames = map[Kind]string{
	KindAbsent: "absent",
	KindText:   "text",
	KindBytes:  "bytes",
	KindList:   "list",
	KindRecord: "record",
	KindInt:    "int",
}

// maxValueDepth bounds list nesting while decoding so hostile input cannot
// exhaust the stack.
const maxValueDepth = 64

var (
	// ErrUnknownKind is returned when decoding meets a tag outside the
	// supported set.
	ErrUnknownKind = errors.New("codec: unknown value kind")

	// ErrValueTooDeep is returned when decoded list nesting exceeds
	// maxValueDepth.
	ErrValueTooDeep = errors.New("codec: value nesting exceeds limit")
)

// Value is one self-delimiting wire value. Exactly the field selected by
// Kind is meaningful; the rest stay zero. Record payloads are canonical JSON
// bytes, kept raw so encoding and decoding are byte-exact inverses.
type Value struct {
	Kind   Kind
	Text   string
	Bytes  []byte
	List   []Value
	Record json.RawMessage
	Int    uint32
}

// Absent returns the absent value.
func Absent() Value {
	return Value{Kind: KindAbsent}
}

// Text returns a text value.
func Text(s string) Value {
	return Value{Kind: KindText, Text: s}
}

// Bytes returns a raw byte-buffer value. The slice is not copied.
func Bytes(p []byte) Value {
	return Value{Kind: KindBytes, Bytes: p}
}

// List returns an ordered list value.
func List(elems ...Value) Value {
	return Value{Kind: KindList, List: elems}
}

// Record returns a structured record value holding raw JSON bytes.
func Record(raw json.RawMessage) Value {
	return Value{Kind: KindRecord, Record: raw}
}

// Int returns an integer value.
func Int(v uint32) Value {
	return Value{Kind: KindInt, Int: v}
}

// MarshalRecord builds a record value from any JSON-marshalable Go value.
func MarshalRecord(v any) (Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("codec: marshal record: %w", err)
	}
	return Record(raw), nil
}

// UnmarshalRecord decodes a record value's JSON payload into dst.
func (v Value) UnmarshalRecord(dst any) error {
	if v.Kind != KindRecord {
		return fmt.Errorf("codec: value is %s, not record", KindNames[v.Kind])
	}
	if err := json.Unmarshal(v.Record, dst); err != nil {
		return fmt.Errorf("codec: unmarshal record: %w", err)
	}
	return nil
}

// Encode appends the wire form of v to b. Every encoded value is
// self-delimiting, so heterogeneous sequences can be scanned back without an
// index.
func (v Value) Encode(b *Buffer) {
	b.WriteUint8(uint8(v.Kind))
	switch v.Kind {
	case KindAbsent:
	case KindText:
		b.WriteVarUint(uint32(len(v.Text)))
		b.WriteRawString(v.Text)
	case KindBytes:
		b.WriteVarUint(uint32(len(v.Bytes)))
		b.WriteRaw(v.Bytes)
	case KindList:
		b.WriteVarUint(uint32(len(v.List)))
		for _, e := range v.List {
			e.Encode(b)
		}
	case KindRecord:
		b.WriteVarUint(uint32(len(v.Record)))
		b.WriteRaw(v.Record)
	case KindInt:
		b.WriteVarUint(v.Int)
	}
}

// DecodeValue reads one value from r. A truncated input yields
// ErrShortBuffer; callers buffering a stream should accumulate more bytes
// and retry from the value boundary.
func DecodeValue(r *Reader) (Value, error) {
	return decodeValue(r, 0)
}

func decodeValue(r *Reader, depth int) (Value, error) {
	if depth > maxValueDepth {
		return Value{}, ErrValueTooDeep
	}
	tag, err := r.ReadUint8()
	if err != nil {
		return Value{}, err
	}
	switch Kind(tag) {
	case KindAbsent:
		return Absent(), nil
	case KindText:
		n, err := r.ReadVarUint()
		if err != nil {
			return Value{}, err
		}
		p, err := r.ReadRaw(int(n))
		if err != nil {
			return Value{}, err
		}
		return Text(string(p)), nil
	case KindBytes:
		n, err := r.ReadVarUint()
		if err != nil {
			return Value{}, err
		}
		p, err := r.ReadRaw(int(n))
		if err != nil {
			return Value{}, err
		}
		return Bytes(p), nil
	case KindList:
		n, err := r.ReadVarUint()
		if err != nil {
			return Value{}, err
		}
		// Each element needs at least its tag byte, so a count beyond
		// the remaining bytes can never complete.
		if int(n) > r.Remaining() {
			return Value{}, ErrShortBuffer
		}
		if n == 0 {
			return Value{Kind: KindList}, nil
		}
		elems := make([]Value, 0, n)
		for i := uint32(0); i < n; i++ {
			e, err := decodeValue(r, depth+1)
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, e)
		}
		return Value{Kind: KindList, List: elems}, nil
	case KindRecord:
		n, err := r.ReadVarUint()
		if err != nil {
			return Value{}, err
		}
		p, err := r.ReadRaw(int(n))
		if err != nil {
			return Value{}, err
		}
		return Record(p), nil
	case KindInt:
		n, err := r.ReadVarUint()
		if err != nil {
			return Value{}, err
		}
		return Int(n), nil
	default:
		return Value{}, fmt.Errorf("%w: 0x%02X", ErrUnknownKind, tag)
	}
}
