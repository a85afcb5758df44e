// Package client maintains a resumable connection to an uplink server.
//
// Dial establishes a session and returns a Client whose calls and event
// subscriptions survive socket loss: a background loop notices the detach,
// redials with exponential backoff, and resumes the session by token. Only
// a permanent rejection from the server (unknown or expired token, version
// mismatch) or an explicit Close ends the session.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rishiad/uplink-server/pkg/codec"
	"github.com/rishiad/uplink-server/pkg/mux"
	"github.com/rishiad/uplink-server/pkg/protocol"
	"github.com/rishiad/uplink-server/pkg/service"
	"github.com/rishiad/uplink-server/pkg/session"
)

const (
	defaultDialTimeout      = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// DialFunc opens the raw socket to the server. The default dials TCP.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithBackoff overrides the reconnect backoff schedule.
func WithBackoff(b Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithSessionConfig overrides the client-side session timings. A ConnState
// callback in cfg still fires; the client chains its own ahead of it.
func WithSessionConfig(cfg session.Config) Option {
	return func(c *Client) { c.sessCfg = cfg }
}

// WithDialTimeout bounds each socket dial, including redial attempts.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithHandshakeTimeout bounds each hello exchange.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.handshakeTimeout = d }
}

// WithDialFunc replaces the TCP dialer, for servers on other transports.
func WithDialFunc(fn DialFunc) Option {
	return func(c *Client) { c.dialFunc = fn }
}

// Client is a multiplexed RPC connection that reconnects itself. Safe for
// concurrent use.
type Client struct {
	addr string
	log  zerolog.Logger

	backoff          Backoff
	sessCfg          session.Config
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	dialFunc         DialFunc

	conn *session.Conn
	mux  *mux.Client
	rng  *rand.Rand

	mu      sync.Mutex
	token   string
	lastErr error
	closed  bool

	// kick wakes the reconnect loop after a detach.
	kick chan struct{}
	done chan struct{}
}

// Dial connects to addr, performs the fresh handshake, and starts the
// reconnect loop. The initial dial is one-shot: a server that cannot be
// reached or refuses the handshake fails Dial rather than retrying.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	c := &Client{
		addr:             addr,
		log:              zerolog.Nop(),
		backoff:          DefaultBackoff(),
		dialTimeout:      defaultDialTimeout,
		handshakeTimeout: defaultHandshakeTimeout,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
		kick:             make(chan struct{}, 1),
		done:             make(chan struct{}),
	}
	c.dialFunc = func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	for _, opt := range opts {
		opt(c)
	}

	nc, err := c.dialSocket(ctx)
	if err != nil {
		return nil, err
	}
	hello, err := c.handshake(nc, "")
	if err != nil {
		nc.Close()
		return nil, err
	}
	if hello.Status != protocol.StatusOK || hello.Token == "" {
		nc.Close()
		return nil, fmt.Errorf("client: unexpected handshake status %q", hello.Status)
	}
	c.token = hello.Token

	cfg := c.sessCfg
	userCB := cfg.ConnState
	cfg.ConnState = func(conn *session.Conn, st session.State) {
		c.onState(st)
		if userCB != nil {
			userCB(conn, st)
		}
	}
	c.conn = session.NewConn(cfg)
	if err := c.conn.Attach(nc); err != nil {
		nc.Close()
		c.conn.Close()
		return nil, fmt.Errorf("client: attach: %w", err)
	}
	c.mux = mux.NewClient(c.conn)
	go c.reconnectLoop()

	c.log.Debug().Str("addr", addr).Msg("session established")
	return c, nil
}

// Call invokes channel.method and blocks for the response. A socket drop
// mid-call does not fail it; the response arrives after the resume.
func (c *Client) Call(ctx context.Context, channel, method string, arg codec.Value) (codec.Value, error) {
	return c.mux.Call(ctx, channel, method, arg)
}

// Subscribe attaches fn to the named event stream.
func (c *Client) Subscribe(channel, event string, fn func(codec.Value)) (*mux.Subscription, error) {
	return c.mux.Subscribe(channel, event, fn)
}

// WaitReady blocks until the server's multiplexer acknowledges the session.
func (c *Client) WaitReady(ctx context.Context) error {
	return c.mux.WaitReady(ctx)
}

// Ping round-trips the control channel.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.mux.Call(ctx, service.ControlChannelName, "ping", codec.Absent())
	if err != nil {
		return err
	}
	if res.Text != "pong" {
		return fmt.Errorf("client: ping answered %q", res.Text)
	}
	return nil
}

// Channels lists every channel the server serves.
func (c *Client) Channels(ctx context.Context) ([]service.Manifest, error) {
	res, err := c.mux.Call(ctx, service.ControlChannelName, "listChannels", codec.Absent())
	if err != nil {
		return nil, err
	}
	var listing struct {
		Channels []service.Manifest `json:"channels"`
	}
	if err := res.UnmarshalRecord(&listing); err != nil {
		return nil, fmt.Errorf("client: decode channel listing: %w", err)
	}
	return listing.Channels, nil
}

// Token returns the session's resume token.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// State reports the session's current transport binding.
func (c *Client) State() session.State { return c.conn.State() }

// Stats snapshots the underlying session.
func (c *Client) Stats() session.Stats { return c.conn.Stats() }

// Done closes when the session is finished for good.
func (c *Client) Done() <-chan struct{} { return c.conn.Done() }

// Err reports why the session ended, if the client gave up on it. Nil
// after a clean Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Close tells the server to drop the session and shuts the client down.
// The server expires the token immediately instead of holding it through
// the reconnect grace window.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.conn.Disconnect(ctx)
	c.mux.Close()
	return err
}

// ---- reconnection ----

func (c *Client) onState(st session.State) {
	if st != session.StateDetached {
		return
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Client) reconnectLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.conn.Done():
			return
		case <-c.kick:
		}
		if !c.reconnect() {
			return
		}
	}
}

// reconnect retries until the session is rebound. False means the client
// is finished: closed, or the server refused the token for good.
func (c *Client) reconnect() bool {
	for attempt := 1; ; attempt++ {
		select {
		case <-time.After(c.backoff.delay(attempt, c.rng)):
		case <-c.done:
			return false
		case <-c.conn.Done():
			return false
		}
		if c.conn.State() != session.StateDetached {
			return true
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
		nc, err := c.dialFunc(ctx, c.addr)
		cancel()
		if err != nil {
			c.log.Debug().Err(err).Int("attempt", attempt).Msg("reconnect dial failed")
			continue
		}
		hello, err := c.handshake(nc, c.Token())
		if err != nil {
			nc.Close()
			var rej *protocol.RejectError
			if errors.As(err, &rej) && rej.Permanent() {
				c.log.Warn().Str("reason", rej.Reason).Msg("session rejected permanently")
				c.fail(rej)
				return false
			}
			c.log.Debug().Err(err).Int("attempt", attempt).Msg("reconnect handshake failed")
			continue
		}
		if hello.Status != protocol.StatusResumed {
			nc.Close()
			c.log.Warn().Str("status", hello.Status).Msg("unexpected resume status")
			continue
		}
		if err := c.conn.Rebind(nc); err != nil {
			// Closed out from under us mid-attempt.
			nc.Close()
			return false
		}
		c.log.Info().Int("attempt", attempt).Msg("session resumed")
		return true
	}
}

// fail records the terminal error and ends the session.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.lastErr == nil {
		c.lastErr = err
	}
	c.mu.Unlock()
	c.conn.Close()
}

func (c *Client) dialSocket(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	nc, err := c.dialFunc(ctx, c.addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", c.addr, err)
	}
	return nc, nil
}

// handshake runs one hello exchange over nc. A rejected hello comes back
// as a *protocol.RejectError.
func (c *Client) handshake(nc net.Conn, token string) (protocol.ServerHello, error) {
	payload, err := (protocol.ClientHello{Version: protocol.Version, Token: token}).Encode()
	if err != nil {
		return protocol.ServerHello{}, fmt.Errorf("client: encode hello: %w", err)
	}
	nc.SetDeadline(time.Now().Add(c.handshakeTimeout))
	defer nc.SetDeadline(time.Time{})
	env := &protocol.Envelope{Type: protocol.TypeControl, Payload: payload}
	if err := protocol.WriteEnvelope(nc, env); err != nil {
		return protocol.ServerHello{}, fmt.Errorf("client: write hello: %w", err)
	}
	reply, err := protocol.ReadEnvelope(nc)
	if err != nil {
		return protocol.ServerHello{}, fmt.Errorf("client: read hello: %w", err)
	}
	if reply.Type != protocol.TypeControl {
		return protocol.ServerHello{}, fmt.Errorf("client: handshake answered with envelope type %d", reply.Type)
	}
	hello, err := protocol.DecodeServerHello(reply.Payload)
	if err != nil {
		return protocol.ServerHello{}, fmt.Errorf("client: decode hello: %w", err)
	}
	if hello.Status == protocol.StatusRejected {
		return hello, &protocol.RejectError{Reason: hello.Reason, Message: hello.Message}
	}
	return hello, nil
}
