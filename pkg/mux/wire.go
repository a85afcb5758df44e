// Package mux multiplexes named channels over a single reliable message
// stream. Clients issue method calls and event subscriptions; servers
// dispatch them to registered backends and stream results and events back.
// Many requests may be in flight at once; responses pair with requests by
// id alone, never by arrival order.
package mux

import (
	"errors"
	"fmt"

	"github.com/rishiad/uplink-server/pkg/codec"
)

// Kind identifies the role of a multiplexer message.
type Kind uint8

// Client-originated kinds.
const (
	KindMethodCall       Kind = 1
	KindCancelCall       Kind = 2
	KindEventSubscribe   Kind = 3
	KindEventUnsubscribe Kind = 4
)

// Server-originated kinds.
const (
	KindHandshakeAck Kind = 10
	KindCallSuccess  Kind = 11
	KindCallError    Kind = 12
	KindEventFire    Kind = 13
)

// KindNames maps kinds to display strings.
var KindNames = map[Kind]string{
	KindMethodCall:       "METHOD_CALL",
	KindCancelCall:       "CANCEL_CALL",
	KindEventSubscribe:   "EVENT_SUBSCRIBE",
	KindEventUnsubscribe: "EVENT_UNSUBSCRIBE",
	KindHandshakeAck:     "HANDSHAKE_ACK",
	KindCallSuccess:      "CALL_SUCCESS",
	KindCallError:        "CALL_ERROR",
	KindEventFire:        "EVENT_FIRE",
}

func (k Kind) String() string {
	if name, ok := KindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("KIND_%d", uint8(k))
}

// ErrBadHeader is returned when a payload does not open with a well-formed
// four-element header list.
var ErrBadHeader = errors.New("mux: malformed message header")

// Message is one multiplexer frame: a header identifying kind, request id,
// channel and method or event name, followed by a single codec value whose
// meaning depends on the kind (arguments, result, error record, or event
// payload). The zero Body is the absent value.
type Message struct {
	Kind    Kind
	ID      uint32
	Channel string
	Name    string
	Body    codec.Value
}

// Encode renders the message as a data-envelope payload.
func (m *Message) Encode() []byte {
	header := codec.List(
		codec.Int(uint32(m.Kind)),
		codec.Int(m.ID),
		codec.Text(m.Channel),
		codec.Text(m.Name),
	)
	buf := codec.NewBuffer(32 + len(m.Channel) + len(m.Name))
	header.Encode(buf)
	m.Body.Encode(buf)
	return buf.Bytes()
}

// DecodeMessage parses a data-envelope payload into a Message.
func DecodeMessage(payload []byte) (Message, error) {
	r := codec.NewReader(payload)
	header, err := codec.DecodeValue(r)
	if err != nil {
		return Message{}, fmt.Errorf("mux: decode header: %w", err)
	}
	if header.Kind != codec.KindList || len(header.List) != 4 {
		return Message{}, ErrBadHeader
	}
	kind, id, channel, name := header.List[0], header.List[1], header.List[2], header.List[3]
	if kind.Kind != codec.KindInt || kind.Int > 0xFF || id.Kind != codec.KindInt {
		return Message{}, ErrBadHeader
	}
	msg := Message{Kind: Kind(kind.Int), ID: id.Int}
	if msg.Channel, err = headerText(channel); err != nil {
		return Message{}, err
	}
	if msg.Name, err = headerText(name); err != nil {
		return Message{}, err
	}
	if msg.Body, err = codec.DecodeValue(r); err != nil {
		return Message{}, fmt.Errorf("mux: decode body: %w", err)
	}
	return msg, nil
}

func headerText(v codec.Value) (string, error) {
	switch v.Kind {
	case codec.KindText:
		return v.Text, nil
	case codec.KindAbsent:
		return "", nil
	default:
		return "", ErrBadHeader
	}
}

// Error kinds carried in CallError.Kind. An empty kind is an ordinary
// handler failure.
const (
	ErrorKindNotFound = "not-found"
	ErrorKindCanceled = "canceled"
)

// CallError is the structured failure of a method call. Kind classifies
// machine-readable failures; Trace optionally carries a remote stack or
// context for diagnostics.
type CallError struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	Trace   string `json:"trace,omitempty"`
}

func (e *CallError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("mux: call failed (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("mux: call failed: %s", e.Message)
}

// NotFound reports whether the failure names a missing channel or method.
func (e *CallError) NotFound() bool { return e.Kind == ErrorKindNotFound }

// NotFoundError builds the standard rejection for a missing dispatch target.
func NotFoundError(channel, name string) *CallError {
	return &CallError{
		Message: fmt.Sprintf("no such target %s.%s", channel, name),
		Kind:    ErrorKindNotFound,
	}
}

// encodeError renders err as a CallError body value.
func encodeError(err error) codec.Value {
	var ce *CallError
	if !errors.As(err, &ce) {
		ce = &CallError{Message: err.Error()}
	}
	v, mErr := codec.MarshalRecord(ce)
	if mErr != nil {
		v, _ = codec.MarshalRecord(&CallError{Message: "unencodable error"})
	}
	return v
}

// decodeError parses a CallError body value. A body that does not parse
// still yields a usable error.
func decodeError(body codec.Value) *CallError {
	var ce CallError
	if err := body.UnmarshalRecord(&ce); err != nil || ce.Message == "" && ce.Kind == "" {
		return &CallError{Message: "malformed error from peer"}
	}
	return &ce
}
