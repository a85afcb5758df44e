package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rishiad/uplink-server/pkg/protocol"
)

// fakeClock drives a Manager's notion of time so multi-hour grace windows
// can be crossed instantly.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func testManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	cfg := DefaultManagerConfig()
	cfg.Conn = testConfig()
	m := NewManager(cfg)
	clk := newFakeClock()
	m.now = clk.Now
	t.Cleanup(m.Stop)
	return m, clk
}

func wantReject(t *testing.T, err error, reason string) {
	t.Helper()
	var rej *protocol.RejectError
	if !errors.As(err, &rej) {
		t.Fatalf("error = %v, want a handshake rejection", err)
	}
	if rej.Reason != reason {
		t.Fatalf("rejection reason = %q, want %q", rej.Reason, reason)
	}
}

// attachPair binds a session's conn and a fresh client conn through a pipe.
func attachPair(t *testing.T, s *Session) (*Conn, net.Conn, net.Conn) {
	t.Helper()
	client := NewConn(testConfig())
	t.Cleanup(func() { client.Close() })
	pa, pb := net.Pipe()
	if err := s.Conn.Attach(pa); err != nil {
		t.Fatalf("attach session conn: %v", err)
	}
	if err := client.Attach(pb); err != nil {
		t.Fatalf("attach client conn: %v", err)
	}
	return client, pa, pb
}

// ---- token issue and lookup ----

func TestCreateIssuesDistinctTokens(t *testing.T) {
	m, clk := testManager(t)

	seen := map[string]bool{}
	var tokens []string
	for i := 0; i < 3; i++ {
		s, err := m.Create()
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if s.Token == "" || seen[s.Token] {
			t.Fatalf("token %q is empty or repeated", s.Token)
		}
		seen[s.Token] = true
		tokens = append(tokens, s.Token)
		clk.Advance(time.Second)
	}
	if m.Len() != 3 {
		t.Fatalf("Len = %d, want 3", m.Len())
	}

	list := m.List()
	if len(list) != 3 {
		t.Fatalf("List returned %d sessions", len(list))
	}
	for i, info := range list {
		if info.Token != tokens[i] {
			t.Fatalf("List[%d] = %q, want creation order %q", i, info.Token, tokens[i])
		}
	}
}

func TestDescribeUnknownToken(t *testing.T) {
	m, _ := testManager(t)
	if _, err := m.Describe("no-such-token"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("describe = %v, want ErrUnknownSession", err)
	}
}

// ---- claim outcomes ----

func TestClaimNeverIssuedToken(t *testing.T) {
	m, _ := testManager(t)
	_, err := m.Claim("never-issued", nil)
	wantReject(t, err, protocol.ReasonUnknownToken)
}

func TestClaimExpiredToken(t *testing.T) {
	m, _ := testManager(t)
	s, err := m.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Expire(s.Token); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if s.Conn.State() != StateClosed {
		t.Fatalf("expired session conn = %v, want closed", s.Conn.State())
	}

	// Previously issued tokens are distinguishable from garbage forever.
	_, err = m.Claim(s.Token, nil)
	wantReject(t, err, protocol.ReasonExpiredToken)
	_, err = m.Claim("never-issued", nil)
	wantReject(t, err, protocol.ReasonUnknownToken)
}

func TestResumeReplaysAcrossReconnect(t *testing.T) {
	m, _ := testManager(t)
	s, err := m.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	client, pa, _ := attachPair(t, s)

	if err := client.Send([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := recvPayload(t, s.Conn); string(got) != "hello" {
		t.Fatalf("server received %q", got)
	}
	if err := s.Conn.Send([]byte("welcome")); err != nil {
		t.Fatalf("server send: %v", err)
	}
	if got := recvPayload(t, client); string(got) != "welcome" {
		t.Fatalf("client received %q", got)
	}

	// The network dies; traffic continues into the void.
	pa.Close()
	waitFor(t, "both sides detached", func() bool {
		return s.Conn.State() == StateDetached && client.State() == StateDetached
	})
	if err := client.Send([]byte("offline thought")); err != nil {
		t.Fatalf("offline send: %v", err)
	}

	qa, qb := net.Pipe()
	claimed, err := m.Claim(s.Token, qa)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != s {
		t.Fatal("claim resolved to a different session")
	}
	if err := client.Rebind(qb); err != nil {
		t.Fatalf("client rebind: %v", err)
	}

	if got := recvPayload(t, s.Conn); string(got) != "offline thought" {
		t.Fatalf("post-resume delivery = %q", got)
	}
}

// ---- grace windows ----

func waitForDeadline(t *testing.T, m *Manager, token string) time.Time {
	t.Helper()
	var deadline time.Time
	waitFor(t, "grace deadline to arm", func() bool {
		info, err := m.Describe(token)
		if err != nil || info.ExpiresAt == nil {
			return false
		}
		deadline = *info.ExpiresAt
		return true
	})
	return deadline
}

func TestClaimAtGraceBoundary(t *testing.T) {
	m, clk := testManager(t)
	base := clk.Now()
	s, err := m.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, pa, _ := attachPair(t, s)

	pa.Close()
	deadline := waitForDeadline(t, m, s.Token)
	if want := base.Add(m.cfg.Grace); !deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", deadline, want)
	}

	// A hair inside the window: the claim succeeds.
	clk.Advance(m.cfg.Grace - time.Millisecond)
	qa, qb := net.Pipe()
	t.Cleanup(func() { qb.Close() })
	if _, err := m.Claim(s.Token, qa); err != nil {
		t.Fatalf("claim inside grace: %v", err)
	}

	// Disconnect again; the grace restarts in full from now.
	qa.Close()
	second := waitForDeadline(t, m, s.Token)
	if want := clk.Now().Add(m.cfg.Grace); !second.Equal(want) {
		t.Fatalf("second deadline = %v, want %v", second, want)
	}

	// A hair past the window: the claim is rejected and the token spent.
	clk.Advance(m.cfg.Grace + 2*time.Millisecond)
	_, err = m.Claim(s.Token, nil)
	wantReject(t, err, protocol.ReasonExpiredToken)
	_, err = m.Claim(s.Token, nil)
	wantReject(t, err, protocol.ReasonExpiredToken)
	if m.Len() != 0 {
		t.Fatalf("Len = %d after expiry, want 0", m.Len())
	}
}

func TestNewSessionShortensIdleGrace(t *testing.T) {
	m, clk := testManager(t)
	base := clk.Now()
	s1, err := m.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, pa, _ := attachPair(t, s1)
	pa.Close()
	waitForDeadline(t, m, s1.Token)

	// A new client arriving proves connectivity: the idle session no
	// longer deserves hours.
	clk.Advance(10 * time.Minute)
	if _, err := m.Create(); err != nil {
		t.Fatalf("create second: %v", err)
	}
	info, err := m.Describe(s1.Token)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	want := base.Add(10*time.Minute + m.cfg.ShortGrace)
	if info.ExpiresAt == nil || !info.ExpiresAt.Equal(want) {
		t.Fatalf("shortened deadline = %v, want %v", info.ExpiresAt, want)
	}

	// A further arrival must not push the deadline back out.
	clk.Advance(2 * time.Minute)
	if _, err := m.Create(); err != nil {
		t.Fatalf("create third: %v", err)
	}
	info, err = m.Describe(s1.Token)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if info.ExpiresAt == nil || !info.ExpiresAt.Equal(want) {
		t.Fatalf("deadline moved to %v, want unchanged %v", info.ExpiresAt, want)
	}

	// And once the shortened window passes, the claim is gone.
	clk.Advance(4 * time.Minute)
	_, err = m.Claim(s1.Token, nil)
	wantReject(t, err, protocol.ReasonExpiredToken)
}

func TestGraceTimerFiresRealTime(t *testing.T) {
	cfg := ManagerConfig{
		Conn:       testConfig(),
		Grace:      80 * time.Millisecond,
		ShortGrace: 40 * time.Millisecond,
	}
	m := NewManager(cfg)
	t.Cleanup(m.Stop)

	s, err := m.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, pa, _ := attachPair(t, s)
	pa.Close()

	waitFor(t, "grace timer to expire the session", func() bool {
		return m.Len() == 0
	})
	select {
	case <-s.Conn.Done():
	default:
		t.Fatal("expired session conn not closed")
	}
	_, err = m.Claim(s.Token, nil)
	wantReject(t, err, protocol.ReasonExpiredToken)
}

// ---- lifecycle ----

func TestPeerDisconnectRetiresSession(t *testing.T) {
	m, _ := testManager(t)
	s, err := m.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	client, _, _ := attachPair(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	waitFor(t, "session to retire", func() bool { return m.Len() == 0 })
	_, err = m.Claim(s.Token, nil)
	wantReject(t, err, protocol.ReasonExpiredToken)
}

func TestStopClosesEverything(t *testing.T) {
	m, _ := testManager(t)
	s1, _ := m.Create()
	s2, _ := m.Create()

	m.Stop()

	for _, s := range []*Session{s1, s2} {
		select {
		case <-s.Conn.Done():
		default:
			t.Fatalf("session %s conn still open after Stop", s.Token)
		}
	}
	if _, err := m.Create(); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("create after stop = %v, want ErrManagerClosed", err)
	}
	if _, err := m.Claim(s1.Token, nil); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("claim after stop = %v, want ErrManagerClosed", err)
	}
}
