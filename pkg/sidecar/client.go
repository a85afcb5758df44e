package sidecar

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrConnectionLost is returned for requests in flight, or issued, after
// the socket closed. There is no reconnection at this layer.
var ErrConnectionLost = errors.New("sidecar: connection lost")

type wireResponse struct {
	tag     uint8
	payload []byte
}

// responseID is the envelope every response payload shares.
type responseID struct {
	ID uint32 `msgpack:"id"`
}

// Client speaks the framed request/response side of a sidecar socket.
// Responses pair with requests by echoed id; frames whose tag is registered
// as a push class instead fan out to all push handlers for that tag.
type Client struct {
	conn net.Conn
	push map[uint8]bool

	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   uint32
	pending  map[uint32]chan wireResponse
	handlers map[uint8]map[uint64]func([]byte)
	handler  uint64
	closed   bool

	done chan struct{}
	once sync.Once
}

// Dial connects to a sidecar's Unix socket. pushTags lists the tags that
// are push notifications rather than responses.
func Dial(path string, pushTags ...uint8) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, pushTags...), nil
}

// NewClient wraps an established connection. The client owns conn.
func NewClient(conn net.Conn, pushTags ...uint8) *Client {
	c := &Client{
		conn:     conn,
		push:     make(map[uint8]bool, len(pushTags)),
		pending:  make(map[uint32]chan wireResponse),
		handlers: make(map[uint8]map[uint64]func([]byte)),
		done:     make(chan struct{}),
	}
	for _, t := range pushTags {
		c.push[t] = true
	}
	go c.readLoop()
	return c
}

// NextID returns a fresh request id.
func (c *Client) NextID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.nextID
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Call sends req under tag and blocks for the response frame echoing id.
func (c *Client) Call(ctx context.Context, tag uint8, id uint32, req any) (uint8, []byte, error) {
	payload, err := msgpack.Marshal(req)
	if err != nil {
		return 0, nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, nil, ErrConnectionLost
	}
	resc := make(chan wireResponse, 1)
	c.pending[id] = resc
	c.mu.Unlock()

	c.writeMu.Lock()
	err = WriteMessage(c.conn, tag, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return 0, nil, err
	}

	select {
	case res := <-resc:
		return res.tag, res.payload, nil
	case <-ctx.Done():
		c.dropPending(id)
		return 0, nil, ctx.Err()
	case <-c.done:
		return 0, nil, ErrConnectionLost
	}
}

// OnPush registers fn for every incoming frame with the given push tag and
// returns the deregistration func. Handlers for one tag run in registration
// order on the read goroutine; a handler that must block should hand off.
func (c *Client) OnPush(tag uint8, fn func(payload []byte)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.handlers[tag]
	if set == nil {
		set = make(map[uint64]func([]byte))
		c.handlers[tag] = set
	}
	c.handler++
	id := c.handler
	set[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.handlers[tag], id)
		c.mu.Unlock()
	}
}

// Close tears the connection down; outstanding calls fail as lost.
func (c *Client) Close() error {
	c.shutdown()
	return nil
}

func (c *Client) dropPending(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) shutdown() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		tag, payload, err := ReadMessage(c.conn)
		if err != nil {
			return
		}
		if c.push[tag] {
			c.firePush(tag, payload)
			continue
		}
		var env responseID
		if err := msgpack.Unmarshal(payload, &env); err != nil {
			// A response without a readable id matches nothing; skip it.
			continue
		}
		c.mu.Lock()
		resc := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.mu.Unlock()
		if resc != nil {
			resc <- wireResponse{tag: tag, payload: payload}
		}
	}
}

func (c *Client) firePush(tag uint8, payload []byte) {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.handlers[tag]))
	for id := range c.handlers[tag] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func([]byte), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.handlers[tag][id])
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}
