// Package server accepts socket connections, runs the resume handshake on
// each, and serves the registered channels to every live session through a
// multiplexer.
//
// The server owns a session.Manager: a fresh hello creates a session and
// issues its token, a token-bearing hello rebinds the surviving session and
// replays whatever the dropped socket lost. One mux.Server is started per
// session, not per socket, so in-flight calls and event subscriptions ride
// out disconnects.
package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rishiad/uplink-server/pkg/mux"
	"github.com/rishiad/uplink-server/pkg/observability"
	"github.com/rishiad/uplink-server/pkg/protocol"
	"github.com/rishiad/uplink-server/pkg/service"
	"github.com/rishiad/uplink-server/pkg/session"
)

// defaultShutdownTimeout is how long Stop waits for in-flight handshakes
// before giving up on the drain.
const defaultShutdownTimeout = 5 * time.Second

// defaultHandshakeTimeout bounds how long an accepted socket may sit silent
// before sending its ClientHello.
const defaultHandshakeTimeout = 10 * time.Second

// maxConcurrentHandshakes limits the number of goroutines running handshakes
// simultaneously. Sockets accepted past the limit are closed immediately.
const maxConcurrentHandshakes = 256

// ErrServerClosed is returned by Serve and ListenAndServe after Stop.
var ErrServerClosed = errors.New("server: closed")

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the server's logger. The default discards everything.
func WithLogger(log zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.log = log
	}
}

// WithManagerConfig overrides the session manager configuration, including
// the per-session Conn timings and the reconnect grace window.
func WithManagerConfig(cfg session.ManagerConfig) ServerOption {
	return func(s *Server) {
		s.mgrCfg = cfg
	}
}

// WithShutdownTimeout configures how long Stop waits for in-flight
// handshakes to finish before returning anyway.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// WithHandshakeTimeout configures how long an accepted socket may take to
// deliver its ClientHello before being dropped.
func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.handshakeTimeout = d
	}
}

// WithMetrics makes the server count handshake outcomes on a shared
// metrics instance, typically the one the admin API exports.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// Server accepts connections on one or more listeners and binds each to a
// new or resumed session.
type Server struct {
	reg     *service.Registry
	log     zerolog.Logger
	mgrCfg  session.ManagerConfig
	mgr     *session.Manager
	metrics *observability.Metrics

	handshakeTimeout time.Duration
	shutdownTimeout  time.Duration

	mu        sync.Mutex
	listeners []net.Listener
	muxes     map[string]*mux.Server
	done      chan struct{}

	// sem bounds concurrent handshake goroutines; wg tracks them so Stop
	// can drain gracefully.
	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates a Server exposing reg's channels. The built-in control channel
// is registered on reg if the caller has not already done so.
func New(reg *service.Registry, opts ...ServerOption) *Server {
	s := &Server{
		reg:              reg,
		log:              zerolog.Nop(),
		mgrCfg:           session.DefaultManagerConfig(),
		metrics:          observability.NewMetrics(),
		handshakeTimeout: defaultHandshakeTimeout,
		shutdownTimeout:  defaultShutdownTimeout,
		muxes:            make(map[string]*mux.Server),
		done:             make(chan struct{}),
		sem:              make(chan struct{}, maxConcurrentHandshakes),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mgr = session.NewManager(s.mgrCfg)
	if err := reg.Register(service.Control(reg)); err != nil {
		// The caller supplied its own control channel; use theirs.
		s.log.Debug().Err(err).Msg("control channel already registered")
	}
	return s
}

// Manager exposes the session manager for inspection and administration.
func (s *Server) Manager() *session.Manager { return s.mgr }

// Registry exposes the channel registry the server dispatches against.
func (s *Server) Registry() *service.Registry { return s.reg }

// Metrics exposes the handshake counters.
func (s *Server) Metrics() *observability.Metrics { return s.metrics }

// ListenAndServe binds a TCP listener on addr and serves it until Stop.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections from ln until the listener fails or the server
// is stopped. It may be called on multiple listeners concurrently; Stop
// closes all of them.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	default:
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return ErrServerClosed
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		select {
		case s.sem <- struct{}{}:
			s.wg.Add(1)
			go func(nc net.Conn) {
				defer s.wg.Done()
				defer func() { <-s.sem }()
				s.handshake(nc)
			}(nc)
		default:
			s.log.Warn().Str("remote", nc.RemoteAddr().String()).Msg("handshake limit reached, refusing connection")
			nc.Close()
		}
	}
}

// Stop closes all listeners, waits up to the shutdown timeout for in-flight
// handshakes, and then tears down every session. Safe to call twice.
func (s *Server) Stop() {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return // already stopped
	default:
		close(s.done)
	}
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.shutdownTimeout):
		s.log.Warn().Dur("timeout", s.shutdownTimeout).Msg("handshake drain timed out")
	}

	// Closing the manager closes every session Conn, which in turn shuts
	// down the per-session mux servers.
	s.mgr.Stop()
	s.log.Info().Msg("stopped")
}

// handshake reads the ClientHello from a freshly accepted socket and routes
// it to the fresh or resume path. The socket is closed on any failure; the
// session behind a failed resume is left intact.
func (s *Server) handshake(nc net.Conn) {
	log := s.log.With().Str("remote", nc.RemoteAddr().String()).Logger()

	nc.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	env, err := protocol.ReadEnvelope(nc)
	if err != nil {
		log.Debug().Err(err).Msg("handshake read failed")
		nc.Close()
		return
	}
	if env.Type != protocol.TypeControl {
		log.Debug().Int("type", int(env.Type)).Msg("handshake opened with a non-control envelope")
		nc.Close()
		return
	}
	hello, err := protocol.DecodeClientHello(env.Payload)
	if err != nil {
		log.Debug().Err(err).Msg("malformed client hello")
		nc.Close()
		return
	}
	nc.SetReadDeadline(time.Time{})

	if hello.Version != protocol.Version {
		log.Warn().Int("theirs", hello.Version).Int("ours", protocol.Version).Msg("version mismatch")
		s.reject(nc, protocol.ReasonVersion,
			fmt.Sprintf("server speaks protocol version %d, client sent %d", protocol.Version, hello.Version))
		return
	}
	if hello.Token != "" {
		s.resume(nc, hello.Token, log)
		return
	}
	s.fresh(nc, log)
}

// fresh creates a session, announces its token, and attaches the socket.
func (s *Server) fresh(nc net.Conn, log zerolog.Logger) {
	sess, err := s.mgr.Create()
	if err != nil {
		// Manager stopped; the server is shutting down.
		log.Debug().Err(err).Msg("session create failed")
		nc.Close()
		return
	}
	if err := s.sendHello(nc, protocol.ServerHello{Status: protocol.StatusOK, Token: sess.Token}); err != nil {
		// The client never learned its token, so nothing can ever resume
		// this session. Drop it now rather than letting grace run.
		log.Debug().Err(err).Msg("server hello write failed")
		nc.Close()
		sess.Conn.Close()
		return
	}
	s.startMux(sess)
	if err := sess.Conn.Attach(nc); err != nil {
		log.Debug().Err(err).Msg("attach failed")
		nc.Close()
		return
	}
	s.metrics.IncSessionCreated()
	log.Info().Str("token", sess.Token).Msg("session created")
}

// resume validates the token, confirms the handshake, and rebinds. The
// ServerHello must hit the wire before Rebind, whose first act is to
// transmit the ack-and-replay burst.
func (s *Server) resume(nc net.Conn, token string, log zerolog.Logger) {
	sess, err := s.mgr.Resume(token)
	if err != nil {
		var rej *protocol.RejectError
		if errors.As(err, &rej) {
			log.Warn().Str("reason", rej.Reason).Msg("resume rejected")
			s.reject(nc, rej.Reason, rej.Message)
			return
		}
		log.Debug().Err(err).Msg("resume failed")
		nc.Close()
		return
	}
	if err := s.sendHello(nc, protocol.ServerHello{Status: protocol.StatusResumed, Token: token}); err != nil {
		log.Debug().Err(err).Msg("server hello write failed")
		// Bind the dying socket anyway: the immediate detach re-arms the
		// grace timer that Resume disarmed.
		sess.Conn.Rebind(nc)
		return
	}
	if err := sess.Conn.Rebind(nc); err != nil {
		log.Debug().Err(err).Msg("rebind failed")
		nc.Close()
		return
	}
	s.metrics.IncSessionResumed()
	log.Info().Str("token", token).Msg("session resumed")
}

// startMux begins multiplexer service for a newly created session and wires
// its teardown to the session Conn's lifetime.
func (s *Server) startMux(sess *session.Session) {
	ms := mux.NewServer(sess.Conn, s.reg)
	s.mu.Lock()
	s.muxes[sess.Token] = ms
	s.mu.Unlock()
	go func() {
		<-sess.Conn.Done()
		ms.Close()
		s.mu.Lock()
		delete(s.muxes, sess.Token)
		s.mu.Unlock()
	}()
}

// reject answers the hello with a rejection and closes the socket. The
// write is best effort; a client that misses it sees only the close.
func (s *Server) reject(nc net.Conn, reason, message string) {
	s.metrics.IncHandshakeRejected()
	s.sendHello(nc, protocol.ServerHello{
		Status:  protocol.StatusRejected,
		Reason:  reason,
		Message: message,
	})
	nc.Close()
}

func (s *Server) sendHello(nc net.Conn, hello protocol.ServerHello) error {
	payload, err := hello.Encode()
	if err != nil {
		return err
	}
	return protocol.WriteEnvelope(nc, &protocol.Envelope{Type: protocol.TypeControl, Payload: payload})
}
