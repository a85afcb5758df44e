package session

import (
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rishiad/uplink-server/pkg/protocol"
)

var (
	// ErrManagerClosed is returned once Stop has been called.
	ErrManagerClosed = errors.New("session: manager is stopped")

	// ErrUnknownSession is returned by lookups for tokens that were never
	// issued or have already been purged.
	ErrUnknownSession = errors.New("session: unknown token")
)

// ManagerConfig tunes session lifetime handling. Zero values are replaced
// with the defaults from DefaultManagerConfig.
type ManagerConfig struct {
	// Conn is the template configuration for the Conn of each session.
	Conn Config

	// Grace is how long a detached session waits for its client to come
	// back before it is expired.
	Grace time.Duration

	// ShortGrace replaces the remaining grace of every detached session
	// when a brand-new session is created: the network is evidently fine
	// again, so clients that stay away are gone for good.
	ShortGrace time.Duration
}

// DefaultManagerConfig returns the production lifetime profile.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Conn:       DefaultConfig(),
		Grace:      3 * time.Hour,
		ShortGrace: 5 * time.Minute,
	}
}

// Session pairs a reconnect token with the Conn it resumes.
type Session struct {
	Token     string
	Conn      *Conn
	CreatedAt time.Time

	// Guarded by the owning Manager's mutex.
	deadline   time.Time // zero while attached
	graceTimer *time.Timer
}

// SessionInfo is the introspection snapshot of one session.
type SessionInfo struct {
	Token     string     `json:"token"`
	State     string     `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Stats     Stats      `json:"stats"`
}

// Manager owns every live session of a server: it issues reconnect tokens,
// arbitrates resume claims, and expires sessions whose clients never came
// back. Expired tokens are remembered for the life of the process so a
// too-late resume is told "expired" rather than "unknown".
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	sessions map[string]*Session
	expired  map[string]time.Time
	closed   bool

	// now is swappable so lifetime arithmetic can be tested without
	// waiting out multi-hour grace periods.
	now func() time.Time
}

// NewManager creates an empty Manager.
func NewManager(cfg ManagerConfig) *Manager {
	def := DefaultManagerConfig()
	if cfg.Grace <= 0 {
		cfg.Grace = def.Grace
	}
	if cfg.ShortGrace <= 0 {
		cfg.ShortGrace = def.ShortGrace
	}
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		expired:  make(map[string]time.Time),
		now:      time.Now,
	}
}

// Create issues a fresh session with a new reconnect token. The arrival of
// a new client also proves the network is reachable, so every currently
// detached session has its grace shortened to at most ShortGrace.
func (m *Manager) Create() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}

	s := &Session{Token: uuid.NewString(), CreatedAt: m.now()}
	cfg := m.cfg.Conn
	chained := cfg.ConnState
	cfg.ConnState = func(c *Conn, st State) {
		m.connStateChanged(s, st)
		if chained != nil {
			chained(c, st)
		}
	}
	s.Conn = NewConn(cfg)
	m.sessions[s.Token] = s

	short := m.now().Add(m.cfg.ShortGrace)
	for _, other := range m.sessions {
		if other == s || other.deadline.IsZero() {
			continue
		}
		if short.Before(other.deadline) {
			m.armGraceLocked(other, short)
		}
	}
	return s, nil
}

// Resume validates a resume token and disarms its grace timer without
// touching any socket. The caller is expected to bind the returned
// session's Conn promptly; a bind that never happens or fails leaves the
// session detached, and the next detach-or-close transition re-arms grace.
// Rejections carry a protocol.RejectError so the handshake layer can tell
// the client whether retrying is futile.
func (m *Manager) Resume(token string) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, gone := m.expired[token]; gone {
		m.mu.Unlock()
		return nil, &protocol.RejectError{Reason: protocol.ReasonExpiredToken, Message: "session expired"}
	}
	s, ok := m.sessions[token]
	if !ok {
		m.mu.Unlock()
		return nil, &protocol.RejectError{Reason: protocol.ReasonUnknownToken, Message: "unknown session token"}
	}
	if !s.deadline.IsZero() && m.now().After(s.deadline) {
		conn := m.expireLocked(s)
		m.mu.Unlock()
		conn.Close()
		return nil, &protocol.RejectError{Reason: protocol.ReasonExpiredToken, Message: "session expired"}
	}
	m.disarmGraceLocked(s)
	m.mu.Unlock()
	return s, nil
}

// Claim resolves a resume attempt and rebinds in one step: the token must
// name a live session whose grace has not run out. On success the session's
// Conn is rebound to nc and its retained queue replays.
func (m *Manager) Claim(token string, nc net.Conn) (*Session, error) {
	s, err := m.Resume(token)
	if err != nil {
		return nil, err
	}
	if err := s.Conn.Rebind(nc); err != nil {
		// The conn was closed out from under us, so the token is spent.
		return nil, &protocol.RejectError{Reason: protocol.ReasonExpiredToken, Message: "session expired"}
	}
	return s, nil
}

// Describe returns the snapshot for one token.
func (m *Manager) Describe(token string) (SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return SessionInfo{}, ErrUnknownSession
	}
	return m.infoLocked(s), nil
}

// List snapshots every live session, oldest first.
func (m *Manager) List() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, m.infoLocked(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Token < out[j].Token
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Expire force-closes one session and tombstones its token.
func (m *Manager) Expire(token string) error {
	m.mu.Lock()
	s, ok := m.sessions[token]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSession
	}
	conn := m.expireLocked(s)
	m.mu.Unlock()
	conn.Close()
	return nil
}

// Stop expires every session and refuses further work.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conns := make([]*Conn, 0, len(m.sessions))
	for _, s := range m.sessions {
		conns = append(conns, m.expireLocked(s))
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// ---- internals ----

func (m *Manager) infoLocked(s *Session) SessionInfo {
	info := SessionInfo{
		Token:     s.Token,
		CreatedAt: s.CreatedAt,
		Stats:     s.Conn.Stats(),
	}
	info.State = info.Stats.State.String()
	if !s.deadline.IsZero() {
		d := s.deadline
		info.ExpiresAt = &d
	}
	return info
}

// connStateChanged keeps the grace machinery in step with the Conn. It runs
// on conn goroutines with no conn locks held. The Conn's current state is
// re-read under the manager lock because notifications from a detach racing
// a rebind can arrive out of order.
func (m *Manager) connStateChanged(s *Session, st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch st {
	case StateAttached:
		if s.Conn.State() == StateAttached {
			m.disarmGraceLocked(s)
		}
	case StateDetached:
		if s.Conn.State() == StateDetached && m.sessions[s.Token] == s {
			m.armGraceLocked(s, m.now().Add(m.cfg.Grace))
		}
	case StateClosed:
		if m.sessions[s.Token] == s {
			m.expireLocked(s)
		}
	}
}

// expireLocked unregisters s, tombstones its token, and returns the Conn
// for the caller to close once the manager lock is released. Closing under
// the lock would deadlock: Close fires the state hook, which re-enters the
// manager.
func (m *Manager) expireLocked(s *Session) *Conn {
	m.disarmGraceLocked(s)
	delete(m.sessions, s.Token)
	m.expired[s.Token] = m.now()
	return s.Conn
}

func (m *Manager) armGraceLocked(s *Session, deadline time.Time) {
	m.disarmGraceLocked(s)
	s.deadline = deadline
	token := s.Token
	s.graceTimer = time.AfterFunc(time.Until(deadline), func() { m.expireIfDue(token) })
}

func (m *Manager) disarmGraceLocked(s *Session) {
	s.deadline = time.Time{}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

// expireIfDue runs off a grace timer. The deadline is re-validated against
// the manager clock: the timer may have been re-armed or disarmed since it
// was scheduled.
func (m *Manager) expireIfDue(token string) {
	m.mu.Lock()
	s, ok := m.sessions[token]
	if !ok || s.deadline.IsZero() || m.now().Before(s.deadline) {
		m.mu.Unlock()
		return
	}
	conn := m.expireLocked(s)
	m.mu.Unlock()
	conn.Close()
}
