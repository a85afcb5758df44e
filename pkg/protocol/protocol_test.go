package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
	}{
		{"data", Envelope{Type: TypeData, Seq: 1, Ack: 0, Payload: []byte("hello")}},
		{"data with ack", Envelope{Type: TypeData, Seq: 42, Ack: 41, Payload: []byte{0x00, 0xFF}}},
		{"pure ack", Envelope{Type: TypeAck, Ack: 7}},
		{"keep alive", Envelope{Type: TypeKeepAlive}},
		{"control", Envelope{Type: TypeControl, Payload: []byte(`x`)}},
		{"replay request", Envelope{Type: TypeReplayRequest, Ack: 3}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var wire bytes.Buffer
			if err := WriteEnvelope(&wire, &c.env); err != nil {
				t.Fatalf("WriteEnvelope: %v", err)
			}
			if wire.Len() != HeaderSize+len(c.env.Payload) {
				t.Errorf("wire length = %d, want %d", wire.Len(), HeaderSize+len(c.env.Payload))
			}

			got, err := ReadEnvelope(&wire)
			if err != nil {
				t.Fatalf("ReadEnvelope: %v", err)
			}
			if got.Type != c.env.Type || got.Seq != c.env.Seq || got.Ack != c.env.Ack {
				t.Errorf("header = {%v %d %d}, want {%v %d %d}",
					got.Type, got.Seq, got.Ack, c.env.Type, c.env.Seq, c.env.Ack)
			}
			if !bytes.Equal(got.Payload, c.env.Payload) {
				t.Errorf("payload = %x, want %x", got.Payload, c.env.Payload)
			}
		})
	}
}

func TestEnvelopeHeaderLayout(t *testing.T) {
	// The header is part of the wire contract: 1B type, then three
	// big-endian uint32 fields.
	var wire bytes.Buffer
	env := Envelope{Type: TypeData, Seq: 0x01020304, Ack: 0x0A0B0C0D, Payload: []byte("ab")}
	if err := WriteEnvelope(&wire, &env); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}
	hdr := wire.Bytes()
	if hdr[0] != byte(TypeData) {
		t.Errorf("type byte = 0x%02X, want 0x%02X", hdr[0], byte(TypeData))
	}
	if got := binary.BigEndian.Uint32(hdr[1:5]); got != 0x01020304 {
		t.Errorf("seq field = 0x%08X, want 0x01020304", got)
	}
	if got := binary.BigEndian.Uint32(hdr[5:9]); got != 0x0A0B0C0D {
		t.Errorf("ack field = 0x%08X, want 0x0A0B0C0D", got)
	}
	if got := binary.BigEndian.Uint32(hdr[9:13]); got != 2 {
		t.Errorf("length field = %d, want 2", got)
	}
}

func TestEnvelopeStreamSequence(t *testing.T) {
	var wire bytes.Buffer
	for i := uint32(1); i <= 3; i++ {
		env := Envelope{Type: TypeData, Seq: i, Payload: []byte{byte(i)}}
		if err := WriteEnvelope(&wire, &env); err != nil {
			t.Fatalf("WriteEnvelope[%d]: %v", i, err)
		}
	}
	for i := uint32(1); i <= 3; i++ {
		got, err := ReadEnvelope(&wire)
		if err != nil {
			t.Fatalf("ReadEnvelope[%d]: %v", i, err)
		}
		if got.Seq != i {
			t.Errorf("seq = %d, want %d", got.Seq, i)
		}
	}
	if _, err := ReadEnvelope(&wire); err != io.EOF {
		t.Errorf("after stream end: got %v, want io.EOF", err)
	}
}

func TestEnvelopePayloadTooLarge(t *testing.T) {
	// Oversized declared length must be rejected before allocation.
	var hdr [HeaderSize]byte
	hdr[0] = byte(TypeData)
	binary.BigEndian.PutUint32(hdr[9:13], MaxPayloadSize+1)
	_, err := ReadEnvelope(bytes.NewReader(hdr[:]))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("got %v, want ErrPayloadTooLarge", err)
	}

	// The writer refuses to produce such an envelope in the first place.
	big := Envelope{Type: TypeData, Payload: make([]byte, MaxPayloadSize+1)}
	if err := WriteEnvelope(io.Discard, &big); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("write: got %v, want ErrPayloadTooLarge", err)
	}
}

func TestEnvelopeTruncated(t *testing.T) {
	// A partial header is not a clean EOF.
	_, err := ReadEnvelope(bytes.NewReader([]byte{0x01, 0x00, 0x00}))
	if err == nil || err == io.EOF {
		t.Errorf("truncated header: got %v, want wrapped unexpected EOF", err)
	}

	// A header declaring more payload than the stream holds.
	var wire bytes.Buffer
	env := Envelope{Type: TypeData, Seq: 1, Payload: []byte("hello")}
	if err := WriteEnvelope(&wire, &env); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}
	cut := wire.Bytes()[:wire.Len()-2]
	if _, err := ReadEnvelope(bytes.NewReader(cut)); err == nil {
		t.Error("truncated payload: expected error")
	}
}

func TestMsgTypeClassification(t *testing.T) {
	if !TypeData.Counted() {
		t.Error("TypeData must be counted")
	}
	for _, typ := range []MsgType{TypeControl, TypeAck, TypeDisconnect, TypeReplayRequest, TypePause, TypeResume, TypeKeepAlive} {
		if typ.Counted() {
			t.Errorf("%s must be uncounted", MsgTypeNames[typ])
		}
		if !typ.Known() {
			t.Errorf("%s must be known", MsgTypeNames[typ])
		}
	}
	if TypeNone.Known() {
		t.Error("TypeNone must not be known")
	}
	if MsgType(200).Known() {
		t.Error("type 200 must not be known")
	}
}

// ---------------------------------------------------------------------------
// Handshake records
// ---------------------------------------------------------------------------

func TestClientHelloRoundTrip(t *testing.T) {
	cases := []ClientHello{
		{Version: Version},
		{Version: Version, Token: "7e0d3901-8f3a-4b5e-9a2c-000000000001"},
	}
	for _, want := range cases {
		payload, err := want.Encode()
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := DecodeClientHello(payload)
		if err != nil {
			t.Fatalf("DecodeClientHello: %v", err)
		}
		if got != want {
			t.Errorf("got %+v, want %+v", got, want)
		}
	}
}

func TestServerHelloRoundTrip(t *testing.T) {
	cases := []ServerHello{
		{Status: StatusOK, Token: "fresh-token"},
		{Status: StatusResumed, Token: "old-token"},
		{Status: StatusRejected, Reason: ReasonUnknownToken, Message: "token never issued"},
		{Status: StatusRejected, Reason: ReasonExpiredToken},
	}
	for _, want := range cases {
		payload, err := want.Encode()
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := DecodeServerHello(payload)
		if err != nil {
			t.Fatalf("DecodeServerHello: %v", err)
		}
		if got != want {
			t.Errorf("got %+v, want %+v", got, want)
		}
	}
}

func TestDecodeClientHelloMalformed(t *testing.T) {
	if _, err := DecodeClientHello([]byte{0xFF, 0x01}); err == nil {
		t.Error("expected error for non-record payload")
	}
	if _, err := DecodeClientHello(nil); err == nil {
		t.Error("expected error for empty payload")
	}
}

func TestRejectErrorPermanence(t *testing.T) {
	cases := []struct {
		reason    string
		permanent bool
	}{
		{ReasonUnknownToken, true},
		{ReasonExpiredToken, true},
		{ReasonVersion, true},
		{"overloaded", false},
	}
	for _, c := range cases {
		e := &RejectError{Reason: c.reason}
		if e.Permanent() != c.permanent {
			t.Errorf("Permanent(%s) = %v, want %v", c.reason, e.Permanent(), c.permanent)
		}
		if e.Error() == "" {
			t.Errorf("Error(%s) is empty", c.reason)
		}
	}
}
