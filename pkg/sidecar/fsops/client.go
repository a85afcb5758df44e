package fsops

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rishiad/uplink-server/pkg/sidecar"
)

// Client drives a filesystem sidecar over its socket.
type Client struct {
	c *sidecar.Client
}

// Dial connects to the sidecar at path.
func Dial(path string) (*Client, error) {
	c, err := sidecar.Dial(path, TagFileChange, TagWatchError)
	if err != nil {
		return nil, err
	}
	return &Client{c: c}, nil
}

// NewClient wraps an established connection. The client owns conn.
func NewClient(conn net.Conn) *Client {
	return &Client{c: sidecar.NewClient(conn, TagFileChange, TagWatchError)}
}

func (cl *Client) Stat(ctx context.Context, path string) (*StatResult, error) {
	id := cl.c.NextID()
	var res StatResult
	err := cl.call(ctx, TagStat, id, &StatRequest{ID: id, Path: path}, TagStatResult, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (cl *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	id := cl.c.NextID()
	var res DataResponse
	err := cl.call(ctx, TagReadFile, id, &ReadFileRequest{ID: id, Path: path}, TagData, &res)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

func (cl *Client) WriteFile(ctx context.Context, path string, data []byte, create, overwrite bool) error {
	id := cl.c.NextID()
	req := &WriteFileRequest{ID: id, Path: path, Data: data, Create: create, Overwrite: overwrite}
	return cl.call(ctx, TagWrite, id, req, TagOk, nil)
}

func (cl *Client) Delete(ctx context.Context, path string, recursive bool) error {
	id := cl.c.NextID()
	return cl.call(ctx, TagDelete, id, &DeleteRequest{ID: id, Path: path, Recursive: recursive}, TagOk, nil)
}

func (cl *Client) Rename(ctx context.Context, oldPath, newPath string, overwrite bool) error {
	id := cl.c.NextID()
	req := &RenameRequest{ID: id, OldPath: oldPath, NewPath: newPath, Overwrite: overwrite}
	return cl.call(ctx, TagRename, id, req, TagOk, nil)
}

func (cl *Client) Copy(ctx context.Context, srcPath, destPath string, overwrite bool) error {
	id := cl.c.NextID()
	req := &CopyRequest{ID: id, SrcPath: srcPath, DestPath: destPath, Overwrite: overwrite}
	return cl.call(ctx, TagCopy, id, req, TagOk, nil)
}

func (cl *Client) ReadDir(ctx context.Context, path string) ([]DirEntry, error) {
	id := cl.c.NextID()
	var res DirEntriesResponse
	err := cl.call(ctx, TagReadDir, id, &ReadDirRequest{ID: id, Path: path}, TagDirEntries, &res)
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}

func (cl *Client) Mkdir(ctx context.Context, path string) error {
	id := cl.c.NextID()
	return cl.call(ctx, TagMkdir, id, &MkdirRequest{ID: id, Path: path}, TagOk, nil)
}

func (cl *Client) Realpath(ctx context.Context, path string) (string, error) {
	id := cl.c.NextID()
	var res RealpathResult
	err := cl.call(ctx, TagRealpath, id, &RealpathRequest{ID: id, Path: path}, TagRealpathResult, &res)
	if err != nil {
		return "", err
	}
	return res.Path, nil
}

// Watch starts a watch keyed (sessionID, reqID). Change and error events
// arrive through OnFileChange and OnWatchError.
func (cl *Client) Watch(ctx context.Context, sessionID string, reqID uint32, path string, recursive bool) error {
	id := cl.c.NextID()
	req := &WatchRequest{ID: id, SessionID: sessionID, ReqID: reqID, Path: path, Recursive: recursive}
	return cl.call(ctx, TagWatch, id, req, TagOk, nil)
}

func (cl *Client) Unwatch(ctx context.Context, sessionID string, reqID uint32) error {
	id := cl.c.NextID()
	return cl.call(ctx, TagUnwatch, id, &UnwatchRequest{ID: id, SessionID: sessionID, ReqID: reqID}, TagOk, nil)
}

// OnFileChange registers fn for change notifications and returns the
// deregistration func.
func (cl *Client) OnFileChange(fn func(ev FileChangeEvent)) func() {
	return cl.c.OnPush(TagFileChange, func(payload []byte) {
		var ev FileChangeEvent
		if msgpack.Unmarshal(payload, &ev) == nil {
			fn(ev)
		}
	})
}

// OnWatchError registers fn for watcher failures and returns the
// deregistration func.
func (cl *Client) OnWatchError(fn func(ev WatchErrorEvent)) func() {
	return cl.c.OnPush(TagWatchError, func(payload []byte) {
		var ev WatchErrorEvent
		if msgpack.Unmarshal(payload, &ev) == nil {
			fn(ev)
		}
	})
}

// Done is closed when the sidecar connection ends.
func (cl *Client) Done() <-chan struct{} { return cl.c.Done() }

// Close hangs up. The sidecar drops this connection's watches.
func (cl *Client) Close() error { return cl.c.Close() }

func (cl *Client) call(ctx context.Context, tag uint8, id uint32, req any, wantTag uint8, res any) error {
	rtag, payload, err := cl.c.Call(ctx, tag, id, req)
	if err != nil {
		return err
	}
	switch rtag {
	case wantTag:
		if res == nil {
			return nil
		}
		if err := msgpack.Unmarshal(payload, res); err != nil {
			return fmt.Errorf("fsops: decode response: %w", err)
		}
		return nil
	case TagError:
		return remoteError(payload)
	default:
		return fmt.Errorf("fsops: unexpected response tag %d", rtag)
	}
}

func remoteError(payload []byte) error {
	var res ErrorResponse
	if err := msgpack.Unmarshal(payload, &res); err != nil {
		return errors.New("fsops: unreadable error response")
	}
	return fmt.Errorf("fsops: %s", res.Message)
}
