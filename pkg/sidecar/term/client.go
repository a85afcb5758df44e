package term

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rishiad/uplink-server/pkg/sidecar"
)

// Client drives a terminal sidecar over its socket.
type Client struct {
	c *sidecar.Client
}

// Dial connects to the sidecar at path.
func Dial(path string) (*Client, error) {
	c, err := sidecar.Dial(path, TagData, TagExit)
	if err != nil {
		return nil, err
	}
	return &Client{c: c}, nil
}

// NewClient wraps an established connection. The client owns conn.
func NewClient(conn net.Conn) *Client {
	return &Client{c: sidecar.NewClient(conn, TagData, TagExit)}
}

// Create spawns a terminal and returns its terminal id and process id.
func (cl *Client) Create(ctx context.Context, req CreateRequest) (terminalID, pid uint32, err error) {
	req.ID = cl.c.NextID()
	tag, payload, err := cl.c.Call(ctx, TagCreate, req.ID, &req)
	if err != nil {
		return 0, 0, err
	}
	switch tag {
	case TagCreated:
		var res CreatedResponse
		if err := msgpack.Unmarshal(payload, &res); err != nil {
			return 0, 0, fmt.Errorf("term: decode created response: %w", err)
		}
		return res.TerminalID, res.Pid, nil
	case TagError:
		return 0, 0, remoteError(payload)
	default:
		return 0, 0, fmt.Errorf("term: unexpected response tag %d", tag)
	}
}

// Input feeds bytes to a terminal's stdin.
func (cl *Client) Input(ctx context.Context, terminalID uint32, data []byte) error {
	id := cl.c.NextID()
	return cl.expectOK(ctx, TagInput, id, &InputRequest{ID: id, TerminalID: terminalID, Data: data})
}

// Resize changes a terminal's window size.
func (cl *Client) Resize(ctx context.Context, terminalID uint32, cols, rows uint16) error {
	id := cl.c.NextID()
	return cl.expectOK(ctx, TagResize, id, &ResizeRequest{ID: id, TerminalID: terminalID, Cols: cols, Rows: rows})
}

// Kill force-stops a terminal.
func (cl *Client) Kill(ctx context.Context, terminalID uint32) error {
	id := cl.c.NextID()
	return cl.expectOK(ctx, TagKill, id, &KillRequest{ID: id, TerminalID: terminalID})
}

// OnData registers fn for terminal output events and returns the
// deregistration func.
func (cl *Client) OnData(fn func(terminalID uint32, data []byte)) func() {
	return cl.c.OnPush(TagData, func(payload []byte) {
		var ev DataEvent
		if msgpack.Unmarshal(payload, &ev) == nil {
			fn(ev.TerminalID, ev.Data)
		}
	})
}

// OnExit registers fn for terminal exit events and returns the
// deregistration func.
func (cl *Client) OnExit(fn func(terminalID uint32, code *int32)) func() {
	return cl.c.OnPush(TagExit, func(payload []byte) {
		var ev ExitEvent
		if msgpack.Unmarshal(payload, &ev) == nil {
			fn(ev.TerminalID, ev.Code)
		}
	})
}

// Done is closed when the sidecar connection ends.
func (cl *Client) Done() <-chan struct{} { return cl.c.Done() }

// Close hangs up. The sidecar kills this connection's terminals.
func (cl *Client) Close() error { return cl.c.Close() }

func (cl *Client) expectOK(ctx context.Context, tag uint8, id uint32, req any) error {
	rtag, payload, err := cl.c.Call(ctx, tag, id, req)
	if err != nil {
		return err
	}
	switch rtag {
	case TagOk:
		return nil
	case TagError:
		return remoteError(payload)
	default:
		return fmt.Errorf("term: unexpected response tag %d", rtag)
	}
}

func remoteError(payload []byte) error {
	var res ErrorResponse
	if err := msgpack.Unmarshal(payload, &res); err != nil {
		return errors.New("term: unreadable error response")
	}
	return fmt.Errorf("term: %s", res.Message)
}
