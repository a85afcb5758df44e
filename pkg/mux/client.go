package mux

import (
	"context"
	"errors"
	"sync"

	"github.com/rishiad/uplink-server/pkg/codec"
)

// Transport is the reliable ordered message stream the multiplexer rides
// on. A session.Conn satisfies it.
type Transport interface {
	Send(payload []byte) error
	Incoming() <-chan []byte
	Done() <-chan struct{}
}

var (
	// ErrDisconnected is returned when the transport ends for good while
	// work is outstanding.
	ErrDisconnected = errors.New("mux: transport disconnected")

	// ErrClientClosed is returned by operations on a closed Client.
	ErrClientClosed = errors.New("mux: client closed")
)

// Client is the caller side of the multiplexer. It is safe for concurrent
// use; any number of calls may be outstanding and they resolve strictly by
// request id.
type Client struct {
	tr Transport

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]chan Message
	subs    map[uint32]*Subscription
	closed  bool

	ready     chan struct{}
	readyOnce sync.Once
}

// NewClient starts a multiplexer client over tr.
func NewClient(tr Transport) *Client {
	c := &Client{
		tr:      tr,
		pending: make(map[uint32]chan Message),
		subs:    make(map[uint32]*Subscription),
		ready:   make(chan struct{}),
	}
	go c.run()
	return c
}

// WaitReady blocks until the server's handshake acknowledgement arrives.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.tr.Done():
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call invokes channel.method with arg and blocks until the matching
// response arrives, the transport dies, or ctx ends. On cancellation a
// best-effort cancel signal is sent to the server.
func (c *Client) Call(ctx context.Context, channel, method string, arg codec.Value) (codec.Value, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return codec.Value{}, ErrClientClosed
	}
	c.nextID++
	id := c.nextID
	resc := make(chan Message, 1)
	c.pending[id] = resc
	c.mu.Unlock()

	call := Message{Kind: KindMethodCall, ID: id, Channel: channel, Name: method, Body: arg}
	if err := c.tr.Send(call.Encode()); err != nil {
		c.dropPending(id)
		return codec.Value{}, err
	}

	select {
	case res := <-resc:
		if res.Kind == KindCallError {
			return codec.Value{}, decodeError(res.Body)
		}
		return res.Body, nil
	case <-ctx.Done():
		c.dropPending(id)
		cancel := Message{Kind: KindCancelCall, ID: id, Channel: channel, Name: method}
		c.tr.Send(cancel.Encode())
		return codec.Value{}, ctx.Err()
	case <-c.tr.Done():
		c.dropPending(id)
		return codec.Value{}, ErrDisconnected
	}
}

func (c *Client) dropPending(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Subscribe registers fn for events named event on channel. Every
// subscription is independent: it has its own wire registration and its own
// ordered delivery queue, so one slow handler never delays another.
func (c *Client) Subscribe(channel, event string, fn func(codec.Value)) (*Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.nextID++
	sub := &Subscription{
		client:  c,
		id:      c.nextID,
		channel: channel,
		event:   event,
	}
	sub.cond = sync.NewCond(&sub.mu)
	c.subs[sub.id] = sub
	c.mu.Unlock()

	go sub.deliver(fn)

	req := Message{Kind: KindEventSubscribe, ID: sub.id, Channel: channel, Name: event}
	if err := c.tr.Send(req.Encode()); err != nil {
		sub.teardown()
		return nil, err
	}
	return sub, nil
}

// Close stops event delivery and refuses new work. Calls already in flight
// still resolve from responses that arrive. The transport itself belongs to
// the caller and is left open.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = map[uint32]*Subscription{}
	c.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return nil
}

func (c *Client) run() {
	for {
		select {
		case payload := <-c.tr.Incoming():
			c.handle(payload)
		case <-c.tr.Done():
			c.Close()
			return
		}
	}
}

func (c *Client) handle(payload []byte) {
	msg, err := DecodeMessage(payload)
	if err != nil {
		// Unparseable traffic from a future revision is skipped, same as
		// unknown envelope types one layer down.
		return
	}
	switch msg.Kind {
	case KindHandshakeAck:
		c.readyOnce.Do(func() { close(c.ready) })
	case KindCallSuccess, KindCallError:
		c.mu.Lock()
		resc := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if resc != nil {
			resc <- msg
		}
	case KindEventFire:
		c.mu.Lock()
		sub := c.subs[msg.ID]
		c.mu.Unlock()
		if sub != nil {
			sub.push(msg.Body)
		}
	}
}

// Subscription is a live event registration. Close it to stop delivery and
// release the server-side listener.
type Subscription struct {
	client  *Client
	id      uint32
	channel string
	event   string

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []codec.Value
	closed bool
}

// push appends an event to the delivery queue. Events are enqueued in wire
// order and drained by a single goroutine, so handler order matches firing
// order.
func (s *Subscription) push(v codec.Value) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, v)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *Subscription) deliver(fn func(codec.Value)) {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		v := s.queue[0]
		s.queue = s.queue[1:]
		if len(s.queue) == 0 {
			s.queue = nil
		}
		s.mu.Unlock()
		fn(v)
	}
}

// Close unregisters the subscription locally and tells the server to drop
// its listener.
func (s *Subscription) Close() error {
	s.teardown()
	req := Message{Kind: KindEventUnsubscribe, ID: s.id, Channel: s.channel, Name: s.event}
	return s.client.tr.Send(req.Encode())
}

func (s *Subscription) teardown() {
	s.client.mu.Lock()
	delete(s.client.subs, s.id)
	s.client.mu.Unlock()
	s.stop()
}

func (s *Subscription) stop() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}
