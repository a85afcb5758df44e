// Package admin exposes the uplink daemon's administrative HTTP API:
// health and readiness probes, metrics in Prometheus and JSON form, and
// read/expire access to live sessions and registered channels.
package admin

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rishiad/uplink-server/pkg/protocol"
	"github.com/rishiad/uplink-server/pkg/server"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the admin API logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithVersion sets the daemon version reported by /api/v1/info.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// Server is the admin HTTP API over a running uplink server.
type Server struct {
	core    *server.Server
	log     zerolog.Logger
	mux     *http.ServeMux
	version string
	started time.Time

	mu      sync.Mutex
	httpSrv *http.Server
}

// NewServer builds the admin API around core.
func NewServer(core *server.Server, opts ...Option) *Server {
	s := &Server{
		core:    core,
		log:     zerolog.Nop(),
		mux:     http.NewServeMux(),
		version: "dev",
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.applyMiddleware(s.mux)
}

// ListenAndServe binds addr and serves until shut down.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()
	s.log.Info().Str("addr", addr).Msg("admin api listening")
	return srv.ListenAndServe()
}

// GracefulShutdown stops accepting requests and drains in-flight ones.
func (s *Server) GracefulShutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// registerRoutes wires all API v1 routes into the server mux.
func (s *Server) registerRoutes() {
	// Health probes
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)

	// Metrics: Prometheus exposition and a JSON snapshot
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
	s.mux.HandleFunc("GET /api/v1/metrics", s.handleMetricsJSON)

	// Daemon info
	s.mux.HandleFunc("GET /api/v1/info", s.handleInfo)

	// Sessions
	s.mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/v1/sessions/{token}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /api/v1/sessions/{token}", s.handleExpireSession)

	// Channels
	s.mux.HandleFunc("GET /api/v1/channels", s.handleListChannels)
}

// handleHealthz is a liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz is a readiness probe.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// refreshGauges copies live values onto the metrics instance so a scrape
// sees current state rather than the last handshake's.
func (s *Server) refreshGauges() {
	m := s.core.Metrics()
	m.SetSessionsActive(int64(s.core.Manager().Len()))
	m.SetChannelsRegistered(int64(len(s.core.Registry().Manifests())))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.refreshGauges()
	s.core.Metrics().PrometheusHandler()(w, r)
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, _ *http.Request) {
	s.refreshGauges()
	writeJSON(w, http.StatusOK, s.core.Metrics().GetMetrics())
}

// Info describes the running daemon.
type Info struct {
	Version         string    `json:"version"`
	ProtocolVersion int       `json:"protocol_version"`
	StartedAt       time.Time `json:"started_at"`
	Sessions        int       `json:"sessions"`
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Info{
		Version:         s.version,
		ProtocolVersion: protocol.Version,
		StartedAt:       s.started,
		Sessions:        s.core.Manager().Len(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.core.Manager().List()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	info, err := s.core.Manager().Describe(token)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleExpireSession(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if err := s.core.Manager().Expire(token); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.log.Info().Str("token", token).Msg("session expired by admin")
	writeJSON(w, http.StatusOK, map[string]string{"status": "expired", "token": token})
}

func (s *Server) handleListChannels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"channels": s.core.Registry().Manifests()})
}
