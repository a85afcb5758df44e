// Package protocol defines the uplink wire protocol: the persistent-session
// envelope, message types, and the handshake control records exchanged before
// any data flows.
package protocol

// MsgType identifies a persistent-session envelope on the wire.
type MsgType uint8

const (
	// TypeNone is reserved and never sent.
	TypeNone MsgType = 0
	// TypeData carries an application payload. Data envelopes consume a
	// sequence id and must be acknowledged.
	TypeData MsgType = 1
	// TypeControl carries handshake records; uncounted.
	TypeControl MsgType = 2
	// TypeAck is a pure acknowledgment with no payload.
	TypeAck MsgType = 3
	// TypeDisconnect announces a graceful disconnect.
	TypeDisconnect MsgType = 4
	// TypeReplayRequest asks the peer to retransmit unacknowledged data
	// after the receiver saw a sequence gap.
	TypeReplayRequest MsgType = 5
	// TypePause asks the peer to stop emitting data envelopes.
	TypePause MsgType = 6
	// TypeResume lifts a previous pause.
	TypeResume MsgType = 7
	// TypeKeepAlive probes for half-open sockets; uncounted.
	TypeKeepAlive MsgType = 8
)

// MsgTypeNames maps message types to human-readable names for logging and
// diagnostics.
var MsgTypeNames = map[MsgType]string{
	TypeNone:          "NONE",
	TypeData:          "DATA",
	TypeControl:       "CONTROL",
	TypeAck:           "ACK",
	TypeDisconnect:    "DISCONNECT",
	TypeReplayRequest: "REPLAY_REQUEST",
	TypePause:         "PAUSE",
	TypeResume:        "RESUME",
	TypeKeepAlive:     "KEEP_ALIVE",
}

// Counted reports whether envelopes of this type consume a sequence id and
// join the unacknowledged queue.
func (t MsgType) Counted() bool {
	return t == TypeData
}

// Known reports whether t belongs to the supported set. Unknown types are
// skipped by receivers so the wire format stays forward compatible.
func (t MsgType) Known() bool {
	return t >= TypeData && t <= TypeKeepAlive
}
