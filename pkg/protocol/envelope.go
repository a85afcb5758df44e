package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the fixed envelope header length in bytes.
	HeaderSize = 13

	// MaxPayloadSize (16 MiB) guards against allocation of absurd buffers
	// from a corrupt or hostile length field.
	MaxPayloadSize = 16 << 20
)

var (
	// ErrPayloadTooLarge is returned when an envelope's declared length
	// exceeds the maximum allowed payload size.
	ErrPayloadTooLarge = errors.New("protocol: payload exceeds maximum size")
)

// Envelope is one persistent-session wire message. Envelopes are immutable
// once sent: retransmission after a reconnect replays the identical bytes.
type Envelope struct {
	Type MsgType
	// Seq is the sender-assigned sequence id. Zero for uncounted types.
	Seq uint32
	// Ack is the highest peer sequence id the sender has fully processed.
	Ack     uint32
	Payload []byte
}

// WriteEnvelope writes a single envelope to w.
//
// Header layout (13 bytes):
//
//	[1 byte]  message type
//	[4 bytes] sequence id (big-endian uint32)
//	[4 bytes] ack id (big-endian uint32)
//	[4 bytes] payload length (big-endian uint32)
//	[N bytes] payload
func WriteEnvelope(w io.Writer, env *Envelope) error {
	if len(env.Payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	var hdr [HeaderSize]byte
	hdr[0] = byte(env.Type)
	binary.BigEndian.PutUint32(hdr[1:5], env.Seq)
	binary.BigEndian.PutUint32(hdr[5:9], env.Ack)
	binary.BigEndian.PutUint32(hdr[9:13], uint32(len(env.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("protocol: write envelope header: %w", err)
	}
	if len(env.Payload) > 0 {
		if _, err := w.Write(env.Payload); err != nil {
			return fmt.Errorf("protocol: write envelope payload: %w", err)
		}
	}
	return nil
}

// ReadEnvelope reads a single envelope from r. Returns io.EOF when the
// reader is exhausted cleanly at an envelope boundary.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("protocol: read envelope header: %w", err)
	}
	env := &Envelope{
		Type: MsgType(hdr[0]),
		Seq:  binary.BigEndian.Uint32(hdr[1:5]),
		Ack:  binary.BigEndian.Uint32(hdr[5:9]),
	}
	length := binary.BigEndian.Uint32(hdr[9:13])
	if length > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	if length > 0 {
		env.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, env.Payload); err != nil {
			return nil, fmt.Errorf("protocol: read envelope payload: %w", err)
		}
	}
	return env, nil
}
