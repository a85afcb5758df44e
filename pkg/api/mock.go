package api

import (
	"fmt"
	"time"
)

// MockClient implements AdminClient with canned data for development and
// testing.
type MockClient struct{}

var _ AdminClient = (*MockClient)(nil)

func (m *MockClient) ListSessions() ([]SessionInfo, error) {
	now := time.Now()
	expiry := now.Add(3 * time.Hour)
	return []SessionInfo{
		{
			Token:     "4f8a2c1e-6b3d-4a9f-8e21-0c5d7b9a3f61",
			State:     "attached",
			CreatedAt: now.Add(-42 * time.Minute),
			Stats: SessionStats{
				State:    "attached",
				OutSeq:   318,
				InSeq:    295,
				LastRecv: now.Add(-2 * time.Second),
				LastSend: now.Add(-1 * time.Second),
			},
		},
		{
			Token:     "b07e9d4a-1c52-4e8b-9f36-5a2d8c0e7b14",
			State:     "detached",
			CreatedAt: now.Add(-8 * time.Minute),
			ExpiresAt: &expiry,
			Stats: SessionStats{
				State:    "detached",
				OutSeq:   12,
				InSeq:    9,
				QueueLen: 3,
				LastRecv: now.Add(-90 * time.Second),
				LastSend: now.Add(-90 * time.Second),
			},
		},
	}, nil
}

func (m *MockClient) DescribeSession(token string) (*SessionInfo, error) {
	sessions, _ := m.ListSessions()
	for _, s := range sessions {
		if s.Token == token {
			return &s, nil
		}
	}
	return nil, fmt.Errorf("%w: session %q", ErrNotFound, token)
}

func (m *MockClient) ExpireSession(token string) error {
	_, err := m.DescribeSession(token)
	return err
}

func (m *MockClient) ListChannels() ([]ChannelInfo, error) {
	return []ChannelInfo{
		{
			Channel: "control",
			Methods: []MethodInfo{
				{Name: "listChannels", Signature: "listChannels() -> {channels: [{channel, methods, events}]}"},
				{Name: "ping", Signature: `ping() -> "pong"`},
			},
			Events: []EventInfo{},
		},
		{
			Channel: "files",
			Methods: []MethodInfo{
				{Name: "stat", Signature: "file type, timestamps and size of a path"},
				{Name: "readFile", Signature: "whole file contents as raw bytes"},
				{Name: "readDir", Signature: "list directory entries with their types"},
				{Name: "watch", Signature: "start a change watch keyed (sessionId, reqId)"},
			},
			Events: []EventInfo{
				{Name: "fileChange", Signature: "change notifications from active watches"},
			},
		},
		{
			Channel: "terminal",
			Methods: []MethodInfo{
				{Name: "create", Signature: "spawn a shell on a fresh pty"},
				{Name: "input", Signature: "feed bytes to a terminal's stdin"},
				{Name: "resize", Signature: "change a terminal's window size"},
				{Name: "kill", Signature: "force-stop a terminal"},
			},
			Events: []EventInfo{
				{Name: "data", Signature: "output chunks from running terminals"},
				{Name: "exit", Signature: "terminal process exits"},
			},
		},
	}, nil
}

func (m *MockClient) Info() (*ServerInfo, error) {
	return &ServerInfo{
		Version:         "uplinkd v0.1.0 (mock)",
		ProtocolVersion: 1,
		StartedAt:       time.Now().Add(-6 * time.Hour),
		Sessions:        2,
	}, nil
}

func (m *MockClient) Health() error {
	return nil
}

func (m *MockClient) Metrics() (map[string]int64, error) {
	return map[string]int64{
		"sessions_created":    37,
		"sessions_resumed":    14,
		"handshakes_rejected": 2,
		"request_count":       1204,
		"error_count":         3,
		"sessions_active":     2,
		"channels_registered": 3,
	}, nil
}
