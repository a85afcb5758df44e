package server

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rishiad/uplink-server/pkg/codec"
	"github.com/rishiad/uplink-server/pkg/mux"
	"github.com/rishiad/uplink-server/pkg/protocol"
	"github.com/rishiad/uplink-server/pkg/service"
	"github.com/rishiad/uplink-server/pkg/session"
)

// ---- harness ----

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

// echoRig backs the test channel: shout returns upper-cased text, wait
// blocks until the rig releases it, tick is a firable event.
type echoRig struct {
	started chan struct{}
	release chan struct{}
	tick    *service.Emitter
}

func newEchoRig() (*service.Registry, *echoRig) {
	rig := &echoRig{
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	ch := service.NewChannel("echo").
		Method("shout", "shout(text) -> TEXT", func(_ context.Context, arg codec.Value) (codec.Value, error) {
			return codec.Text(strings.ToUpper(arg.Text)), nil
		}).
		Method("wait", `wait() -> "done"`, func(ctx context.Context, _ codec.Value) (codec.Value, error) {
			rig.started <- struct{}{}
			select {
			case <-rig.release:
				return codec.Text("done"), nil
			case <-ctx.Done():
				return codec.Value{}, ctx.Err()
			}
		})
	rig.tick = ch.Event("tick", "tick -> text")
	reg := service.NewRegistry()
	if err := reg.Register(ch); err != nil {
		panic(err)
	}
	return reg, rig
}

func startServer(t *testing.T, opts ...ServerOption) (*Server, string, *echoRig) {
	t.Helper()
	reg, rig := newEchoRig()
	srv := New(reg, opts...)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(srv.Stop)
	return srv, ln.Addr().String(), rig
}

func dialRaw(t *testing.T, addr string) net.Conn {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	return nc
}

func sendClientHello(t *testing.T, nc net.Conn, hello protocol.ClientHello) {
	t.Helper()
	payload, err := hello.Encode()
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	env := &protocol.Envelope{Type: protocol.TypeControl, Payload: payload}
	if err := protocol.WriteEnvelope(nc, env); err != nil {
		t.Fatalf("write hello: %v", err)
	}
}

func readServerHello(t *testing.T, nc net.Conn) protocol.ServerHello {
	t.Helper()
	nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer nc.SetReadDeadline(time.Time{})
	env, err := protocol.ReadEnvelope(nc)
	if err != nil {
		t.Fatalf("read server hello: %v", err)
	}
	if env.Type != protocol.TypeControl {
		t.Fatalf("server hello envelope type = %d, want control", env.Type)
	}
	hello, err := protocol.DecodeServerHello(env.Payload)
	if err != nil {
		t.Fatalf("decode server hello: %v", err)
	}
	return hello
}

// testClient is the full client-side stack: raw socket, session Conn, mux
// client. reconnect re-dials and rebinds the same session Conn so state
// carries across the drop.
type testClient struct {
	t     *testing.T
	addr  string
	token string
	sock  net.Conn
	conn  *session.Conn
	mux   *mux.Client
}

func openSession(t *testing.T, addr string) *testClient {
	t.Helper()
	nc := dialRaw(t, addr)
	sendClientHello(t, nc, protocol.ClientHello{Version: protocol.Version})
	hello := readServerHello(t, nc)
	if hello.Status != protocol.StatusOK {
		t.Fatalf("handshake status = %q, want %q", hello.Status, protocol.StatusOK)
	}
	if hello.Token == "" {
		t.Fatal("fresh handshake carried no token")
	}
	conn := session.NewConn(session.Config{})
	if err := conn.Attach(nc); err != nil {
		t.Fatalf("attach: %v", err)
	}
	mc := mux.NewClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mc.WaitReady(ctx); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	tc := &testClient{t: t, addr: addr, token: hello.Token, sock: nc, conn: conn, mux: mc}
	t.Cleanup(func() { tc.conn.Close() })
	return tc
}

func (tc *testClient) call(channel, method string, arg codec.Value) (codec.Value, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return tc.mux.Call(ctx, channel, method, arg)
}

func (tc *testClient) reconnect() {
	tc.t.Helper()
	nc := dialRaw(tc.t, tc.addr)
	sendClientHello(tc.t, nc, protocol.ClientHello{Version: protocol.Version, Token: tc.token})
	hello := readServerHello(tc.t, nc)
	if hello.Status != protocol.StatusResumed {
		tc.t.Fatalf("resume status = %q, want %q", hello.Status, protocol.StatusResumed)
	}
	if err := tc.conn.Rebind(nc); err != nil {
		tc.t.Fatalf("client rebind: %v", err)
	}
	tc.sock = nc
}

// ---- handshake ----

func TestFreshHandshakeIssuesToken(t *testing.T) {
	srv, addr, _ := startServer(t)

	nc := dialRaw(t, addr)
	defer nc.Close()
	sendClientHello(t, nc, protocol.ClientHello{Version: protocol.Version})
	hello := readServerHello(t, nc)

	if hello.Status != protocol.StatusOK {
		t.Fatalf("status = %q, want %q", hello.Status, protocol.StatusOK)
	}
	if hello.Token == "" {
		t.Fatal("no token issued")
	}
	waitFor(t, 2*time.Second, func() bool { return srv.Manager().Len() == 1 }, "session never registered")

	info, err := srv.Manager().Describe(hello.Token)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if info.State != session.StateAttached.String() {
		t.Fatalf("session state = %q, want attached", info.State)
	}
	if n := srv.Metrics().GetMetrics()["sessions_created"]; n != 1 {
		t.Fatalf("sessions_created = %d, want 1", n)
	}
}

func TestVersionMismatchRejected(t *testing.T) {
	srv, addr, _ := startServer(t)

	nc := dialRaw(t, addr)
	defer nc.Close()
	sendClientHello(t, nc, protocol.ClientHello{Version: protocol.Version + 7})
	hello := readServerHello(t, nc)

	if hello.Status != protocol.StatusRejected {
		t.Fatalf("status = %q, want rejected", hello.Status)
	}
	if hello.Reason != protocol.ReasonVersion {
		t.Fatalf("reason = %q, want %q", hello.Reason, protocol.ReasonVersion)
	}
	if srv.Manager().Len() != 0 {
		t.Fatalf("sessions after rejection = %d, want 0", srv.Manager().Len())
	}
	if n := srv.Metrics().GetMetrics()["handshakes_rejected"]; n != 1 {
		t.Fatalf("handshakes_rejected = %d, want 1", n)
	}

	// The socket is closed after a rejection.
	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := protocol.ReadEnvelope(nc); err == nil {
		t.Fatal("socket still open after rejection")
	}
}

func TestUnknownTokenRejected(t *testing.T) {
	_, addr, _ := startServer(t)

	nc := dialRaw(t, addr)
	defer nc.Close()
	sendClientHello(t, nc, protocol.ClientHello{Version: protocol.Version, Token: "never-issued"})
	hello := readServerHello(t, nc)

	if hello.Status != protocol.StatusRejected {
		t.Fatalf("status = %q, want rejected", hello.Status)
	}
	if hello.Reason != protocol.ReasonUnknownToken {
		t.Fatalf("reason = %q, want %q", hello.Reason, protocol.ReasonUnknownToken)
	}
}

func TestNonControlOpeningDropped(t *testing.T) {
	srv, addr, _ := startServer(t)

	nc := dialRaw(t, addr)
	defer nc.Close()
	env := &protocol.Envelope{Type: protocol.TypeData, Seq: 1, Payload: []byte("x")}
	if err := protocol.WriteEnvelope(nc, env); err != nil {
		t.Fatalf("write: %v", err)
	}

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := protocol.ReadEnvelope(nc); err == nil {
		t.Fatal("socket survived a data envelope before the handshake")
	}
	if srv.Manager().Len() != 0 {
		t.Fatalf("sessions = %d, want 0", srv.Manager().Len())
	}
}

func TestSilentSocketDroppedAfterHandshakeTimeout(t *testing.T) {
	_, addr, _ := startServer(t, WithHandshakeTimeout(60*time.Millisecond))

	nc := dialRaw(t, addr)
	defer nc.Close()

	nc.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := protocol.ReadEnvelope(nc); err == nil {
		t.Fatal("silent socket was never dropped")
	}
}

// ---- calls and events ----

func TestCallRoundTrip(t *testing.T) {
	_, addr, _ := startServer(t)
	tc := openSession(t, addr)

	res, err := tc.call("echo", "shout", codec.Text("quiet"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Text != "QUIET" {
		t.Fatalf("shout = %q, want QUIET", res.Text)
	}
}

func TestControlChannelIsServed(t *testing.T) {
	_, addr, _ := startServer(t)
	tc := openSession(t, addr)

	res, err := tc.call(service.ControlChannelName, "ping", codec.Absent())
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if res.Text != "pong" {
		t.Fatalf("ping = %q, want pong", res.Text)
	}

	res, err = tc.call(service.ControlChannelName, "listChannels", codec.Absent())
	if err != nil {
		t.Fatalf("listChannels: %v", err)
	}
	var listing struct {
		Channels []service.Manifest `json:"channels"`
	}
	if err := res.UnmarshalRecord(&listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	names := make(map[string]bool)
	for _, m := range listing.Channels {
		names[m.Channel] = true
	}
	if !names["echo"] || !names[service.ControlChannelName] {
		t.Fatalf("listing misses channels: %v", names)
	}
}

func TestEventReachesSubscriber(t *testing.T) {
	_, addr, rig := startServer(t)
	tc := openSession(t, addr)

	got := make(chan string, 1)
	sub, err := tc.mux.Subscribe("echo", "tick", func(v codec.Value) {
		select {
		case got <- v.Text:
		default:
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	waitFor(t, 2*time.Second, func() bool { return rig.tick.ListenerCount() > 0 }, "server never saw the listener")
	rig.tick.Fire(codec.Text("tock"))

	select {
	case v := <-got:
		if v != "tock" {
			t.Fatalf("event = %q, want tock", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event never arrived")
	}
}

// ---- reconnection ----

func TestResultCrossesSocketDrop(t *testing.T) {
	srv, addr, rig := startServer(t)
	tc := openSession(t, addr)

	type outcome struct {
		res codec.Value
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		res, err := tc.mux.Call(ctx, "echo", "wait", codec.Absent())
		done <- outcome{res, err}
	}()

	select {
	case <-rig.started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	// Sever the socket mid-call. The server session must detach, not die.
	tc.sock.Close()
	waitFor(t, 2*time.Second, func() bool {
		info, err := srv.Manager().Describe(tc.token)
		return err == nil && info.State == session.StateDetached.String()
	}, "server session never detached")

	// The handler finishes while no socket is bound; the result is queued.
	close(rig.release)
	time.Sleep(20 * time.Millisecond)

	tc.reconnect()

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("call after resume: %v", out.err)
		}
		if out.res.Text != "done" {
			t.Fatalf("result = %q, want done", out.res.Text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("result never crossed the reconnect")
	}
}

func TestSubscriptionSurvivesReconnect(t *testing.T) {
	_, addr, rig := startServer(t)
	tc := openSession(t, addr)

	got := make(chan string, 4)
	sub, err := tc.mux.Subscribe("echo", "tick", func(v codec.Value) { got <- v.Text })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	waitFor(t, 2*time.Second, func() bool { return rig.tick.ListenerCount() > 0 }, "listener never attached")

	tc.sock.Close()
	// Fired while detached: queued on the server session.
	rig.tick.Fire(codec.Text("while-down"))
	tc.reconnect()

	select {
	case v := <-got:
		if v != "while-down" {
			t.Fatalf("event = %q, want while-down", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queued event never arrived after resume")
	}
}

func TestExpiredSessionRejectedOnResume(t *testing.T) {
	srv, addr, _ := startServer(t)
	tc := openSession(t, addr)

	if err := srv.Manager().Expire(tc.token); err != nil {
		t.Fatalf("expire: %v", err)
	}

	nc := dialRaw(t, addr)
	defer nc.Close()
	sendClientHello(t, nc, protocol.ClientHello{Version: protocol.Version, Token: tc.token})
	hello := readServerHello(t, nc)

	if hello.Status != protocol.StatusRejected {
		t.Fatalf("status = %q, want rejected", hello.Status)
	}
	if hello.Reason != protocol.ReasonExpiredToken {
		t.Fatalf("reason = %q, want %q", hello.Reason, protocol.ReasonExpiredToken)
	}
}

// ---- shutdown ----

func TestStopTearsDownSessions(t *testing.T) {
	srv, addr, _ := startServer(t)
	tc := openSession(t, addr)

	srv.Stop()

	if n := srv.Manager().Len(); n != 0 {
		t.Fatalf("sessions after stop = %d, want 0", n)
	}
	select {
	case <-tc.conn.Done():
		t.Fatal("client conn closed itself; only its socket should have died")
	default:
	}
	waitFor(t, 2*time.Second, func() bool {
		return tc.conn.State() == session.StateDetached
	}, "client conn never noticed the teardown")
}

func TestServeAfterStopReturnsClosed(t *testing.T) {
	srv, _, _ := startServer(t)
	srv.Stop()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := srv.Serve(ln); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("Serve after Stop = %v, want ErrServerClosed", err)
	}
}
