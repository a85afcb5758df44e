package protocol

import (
	"fmt"

	"github.com/rishiad/uplink-server/pkg/codec"
)

// Version is the protocol version carried in the handshake. Both ends must
// match exactly; there is no negotiation.
const Version = 1

// Handshake status values carried in ServerHello.
const (
	StatusOK       = "ok"      // fresh session, token newly issued
	StatusResumed  = "resumed" // token recognized, session rebound
	StatusRejected = "rejected"
)

// Reject reasons carried in ServerHello when Status is StatusRejected.
const (
	// ReasonVersion: client and server versions differ.
	ReasonVersion = "version"
	// ReasonUnknownToken: the token was never issued by this process.
	ReasonUnknownToken = "unknown-token"
	// ReasonExpiredToken: the token was issued but its grace period ran out.
	ReasonExpiredToken = "expired-token"
)

// ClientHello opens the handshake. Token is empty for a fresh session and
// carries the reconnection token when resuming.
type ClientHello struct {
	Version int    `json:"version"`
	Token   string `json:"token,omitempty"`
}

// ServerHello answers a ClientHello. On success Token carries the session's
// reconnection token; on rejection Reason distinguishes why.
type ServerHello struct {
	Status  string `json:"status"`
	Token   string `json:"token,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// RejectError is surfaced to callers when the server refuses a handshake.
type RejectError struct {
	Reason  string
	Message string
}

func (e *RejectError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("protocol: handshake rejected (%s): %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("protocol: handshake rejected (%s)", e.Reason)
}

// Permanent reports whether retrying the same handshake can ever succeed.
// Unknown and expired tokens stay rejected for the server's lifetime.
func (e *RejectError) Permanent() bool {
	return e.Reason == ReasonUnknownToken || e.Reason == ReasonExpiredToken || e.Reason == ReasonVersion
}

// Encode renders the hello as a control-envelope payload (one codec record).
func (h ClientHello) Encode() ([]byte, error) {
	v, err := codec.MarshalRecord(h)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode client hello: %w", err)
	}
	buf := codec.NewBuffer(64)
	v.Encode(buf)
	return buf.Bytes(), nil
}

// DecodeClientHello parses a control-envelope payload into a ClientHello.
func DecodeClientHello(payload []byte) (ClientHello, error) {
	var h ClientHello
	v, err := codec.DecodeValue(codec.NewReader(payload))
	if err != nil {
		return h, fmt.Errorf("protocol: decode client hello: %w", err)
	}
	if err := v.UnmarshalRecord(&h); err != nil {
		return h, fmt.Errorf("protocol: decode client hello: %w", err)
	}
	return h, nil
}

// Encode renders the hello as a control-envelope payload (one codec record).
func (h ServerHello) Encode() ([]byte, error) {
	v, err := codec.MarshalRecord(h)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode server hello: %w", err)
	}
	buf := codec.NewBuffer(64)
	v.Encode(buf)
	return buf.Bytes(), nil
}

// DecodeServerHello parses a control-envelope payload into a ServerHello.
func DecodeServerHello(payload []byte) (ServerHello, error) {
	var h ServerHello
	v, err := codec.DecodeValue(codec.NewReader(payload))
	if err != nil {
		return h, fmt.Errorf("protocol: decode server hello: %w", err)
	}
	if err := v.UnmarshalRecord(&h); err != nil {
		return h, fmt.Errorf("protocol: decode server hello: %w", err)
	}
	return h, nil
}
