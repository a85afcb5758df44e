// Package sidecar implements the point-to-point control protocol spoken
// with helper daemons over Unix sockets: framed MessagePack messages with
// no reconnection and no delivery tracking. Requests carry a client-chosen
// id echoed by the response; push notifications carry a tag only and fan
// out to whoever listens for it.
package sidecar

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	headerSize = 5

	// maxPayloadSize guards against allocating absurd buffers from a
	// corrupt length field.
	maxPayloadSize = 16 << 20
)

// ErrPayloadTooLarge is returned for frames whose payload exceeds the cap.
var ErrPayloadTooLarge = errors.New("sidecar: payload exceeds maximum size")

// WriteMessage frames payload as [1-byte tag][4-byte big-endian length][payload]
// and writes it in a single call.
func WriteMessage(w io.Writer, tag uint8, payload []byte) error {
	if len(payload) > maxPayloadSize {
		return ErrPayloadTooLarge
	}
	frame := make([]byte, headerSize+len(payload))
	frame[0] = tag
	binary.BigEndian.PutUint32(frame[1:headerSize], uint32(len(payload)))
	copy(frame[headerSize:], payload)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("sidecar: write frame: %w", err)
	}
	return nil
}

// ReadMessage reads one frame. A clean end of stream before any header byte
// surfaces as io.EOF.
func ReadMessage(r io.Reader) (uint8, []byte, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, fmt.Errorf("sidecar: read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(hdr[1:headerSize])
	if length > maxPayloadSize {
		return 0, nil, ErrPayloadTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("sidecar: read frame payload: %w", err)
	}
	return hdr[0], payload, nil
}
