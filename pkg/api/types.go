package api

import "time"

// SessionInfo represents one session as reported by the daemon.
type SessionInfo struct {
	Token     string       `json:"token" yaml:"token"`
	State     string       `json:"state" yaml:"state"`
	CreatedAt time.Time    `json:"created_at" yaml:"created_at"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Stats     SessionStats `json:"stats" yaml:"stats"`
}

// SessionStats carries the transport counters of one session.
type SessionStats struct {
	State      string    `json:"state" yaml:"state"`
	OutSeq     uint32    `json:"out_seq" yaml:"out_seq"`
	InSeq      uint32    `json:"in_seq" yaml:"in_seq"`
	QueueLen   int       `json:"queue_len" yaml:"queue_len"`
	PeerPaused bool      `json:"peer_paused" yaml:"peer_paused"`
	LastRecv   time.Time `json:"last_recv" yaml:"last_recv"`
	LastSend   time.Time `json:"last_send" yaml:"last_send"`
}

// ChannelInfo represents the discovery manifest of one RPC channel.
type ChannelInfo struct {
	Channel string       `json:"channel" yaml:"channel"`
	Methods []MethodInfo `json:"methods" yaml:"methods"`
	Events  []EventInfo  `json:"events" yaml:"events"`
}

// MethodInfo describes one callable method in a channel manifest.
type MethodInfo struct {
	Name      string `json:"name" yaml:"name"`
	Signature string `json:"signature,omitempty" yaml:"signature,omitempty"`
}

// EventInfo describes one event stream in a channel manifest.
type EventInfo struct {
	Name      string `json:"name" yaml:"name"`
	Signature string `json:"signature,omitempty" yaml:"signature,omitempty"`
}

// ServerInfo describes the daemon build and its current load.
type ServerInfo struct {
	Version         string    `json:"version" yaml:"version"`
	ProtocolVersion int       `json:"protocol_version" yaml:"protocol_version"`
	StartedAt       time.Time `json:"started_at" yaml:"started_at"`
	Sessions        int       `json:"sessions" yaml:"sessions"`
}
