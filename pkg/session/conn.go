package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rishiad/uplink-server/pkg/protocol"
)

// State describes the transport binding of a Conn. A Conn starts detached,
// becomes attached when a socket is bound, may bounce between the two as
// the network comes and goes, and ends closed.
type State int

const (
	StateDetached State = iota
	StateAttached
	StateClosed
)

// StateNames maps states to wire-format-stable display strings.
var StateNames = map[State]string{
	StateDetached: "detached",
	StateAttached: "attached",
	StateClosed:   "closed",
}

func (s State) String() string {
	if name, ok := StateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON renders the state by name so introspection payloads stay
// readable across the admin API.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the names produced by MarshalJSON.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for st, n := range StateNames {
		if n == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("session: unknown state %q", name)
}

var (
	// ErrClosed is returned by operations on a Conn that has been closed.
	ErrClosed = errors.New("session: conn is closed")

	// ErrAlreadyAttached is returned by Attach when a socket is already
	// bound. Use Rebind to replace a live socket.
	ErrAlreadyAttached = errors.New("session: conn already attached")

	// ErrNotAttached is returned by operations that need a live socket.
	ErrNotAttached = errors.New("session: conn not attached")
)

// Config carries the tunable timing knobs of a Conn. Zero values are
// replaced with the defaults from DefaultConfig.
type Config struct {
	// KeepAliveInterval is the maximum quiet period before a keep-alive
	// envelope is emitted on an attached socket.
	KeepAliveInterval time.Duration

	// AckWindow bounds how long a processed message may wait for its
	// acknowledgement to piggyback on outgoing traffic before a pure
	// acknowledgement is sent.
	AckWindow time.Duration

	// Timeout is how long an unacknowledged transmitted message may age,
	// with nothing arriving from the peer, before the socket is presumed
	// dead and severed. The session itself survives.
	Timeout time.Duration

	// ConnState, if non-nil, is invoked after every state transition.
	// It is called without internal locks held, from the goroutine that
	// caused the transition.
	ConnState func(*Conn, State)

	// Load, if non-nil, suppresses timeout-driven socket teardown while
	// the process is too starved to trust its own timers.
	Load *LoadEstimator
}

// DefaultConfig returns the standard production timing profile.
func DefaultConfig() Config {
	return Config{
		KeepAliveInterval: 5 * time.Second,
		AckWindow:         2 * time.Second,
		Timeout:           20 * time.Second,
	}
}

// Stats is a point-in-time snapshot of a Conn for introspection surfaces.
type Stats struct {
	State      State     `json:"state"`
	OutSeq     uint32    `json:"out_seq"`
	InSeq      uint32    `json:"in_seq"`
	QueueLen   int       `json:"queue_len"`
	PeerPaused bool      `json:"peer_paused"`
	LastRecv   time.Time `json:"last_recv"`
	LastSend   time.Time `json:"last_send"`
}

// Conn is a reliable message stream over an unreliable socket. Outgoing
// messages are numbered and retained until acknowledged; incoming messages
// are accepted strictly in order and surfaced on Incoming. The underlying
// socket may be torn down and replaced at any time with Rebind, after which
// the retained queue is retransmitted and the stream resumes without loss.
//
// A Conn never closes its Incoming channel; watch Done for end of life.
type Conn struct {
	cfg Config

	mu        sync.Mutex
	writeCond *sync.Cond
	recvCond  *sync.Cond

	// gen is bumped on every bind, detach, and close. Attachment
	// goroutines and timer callbacks carry the gen they were born under
	// and go inert when it no longer matches.
	gen   uint64
	state State
	sock  net.Conn

	queue          sendQueue
	outSeq         uint32 // id of the newest message handed to Send
	inSeq          uint32 // id of the newest message accepted in order
	lastWrittenSeq uint32 // ids <= this need no (re)transmission on the current socket
	lastAckSent    uint32 // highest inSeq carried by an enqueued envelope

	peerPaused      bool // peer asked us to hold data emission
	replayRequested bool // a replay-request is outstanding for the current gap

	lastRecv time.Time
	lastSend time.Time

	ackTimer     *time.Timer
	kaTimer      *time.Timer
	timeoutTimer *time.Timer

	writeQueue []*protocol.Envelope
	writing    int // writer goroutines mid-batch; writeQueue empty does not mean flushed
	recvBuf    [][]byte

	incoming chan []byte
	done     chan struct{}
}

// NewConn creates a detached Conn. Bind a socket with Attach or Rebind.
func NewConn(cfg Config) *Conn {
	def := DefaultConfig()
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = def.KeepAliveInterval
	}
	if cfg.AckWindow <= 0 {
		cfg.AckWindow = def.AckWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	c := &Conn{
		cfg:      cfg,
		state:    StateDetached,
		incoming: make(chan []byte, 16),
		done:     make(chan struct{}),
	}
	c.writeCond = sync.NewCond(&c.mu)
	c.recvCond = sync.NewCond(&c.mu)
	go c.deliverLoop()
	return c
}

// Incoming returns the ordered stream of received message payloads. The
// channel is never closed; it simply stops producing once Done is closed.
func (c *Conn) Incoming() <-chan []byte { return c.incoming }

// Done is closed when the Conn reaches StateClosed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// State reports the current binding state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats snapshots the Conn counters.
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		State:      c.state,
		OutSeq:     c.outSeq,
		InSeq:      c.inSeq,
		QueueLen:   c.queue.len(),
		PeerPaused: c.peerPaused,
		LastRecv:   c.lastRecv,
		LastSend:   c.lastSend,
	}
}

// Send queues payload for reliable delivery. The message is assigned the
// next outgoing id and retained until the peer acknowledges it. Send
// succeeds while detached; transmission happens on the next bind.
func (c *Conn) Send(payload []byte) error {
	if len(payload) > protocol.MaxPayloadSize {
		return protocol.ErrPayloadTooLarge
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return ErrClosed
	}
	c.outSeq++
	env := &protocol.Envelope{Type: protocol.TypeData, Seq: c.outSeq, Payload: payload}
	c.queue.append(env)
	if c.state == StateAttached && !c.peerPaused && c.lastWrittenSeq == env.Seq-1 {
		c.lastWrittenSeq = env.Seq
		c.queue.markSent(env.Seq, time.Now())
		c.enqueueLocked(env)
		c.rearmTimeoutLocked()
	}
	return nil
}

// Pause asks the peer to stop emitting data messages until Resume.
func (c *Conn) Pause() error {
	return c.sendSignal(protocol.TypePause)
}

// Resume lifts a previously sent Pause.
func (c *Conn) Resume() error {
	return c.sendSignal(protocol.TypeResume)
}

func (c *Conn) sendSignal(t protocol.MsgType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return ErrClosed
	}
	if c.state != StateAttached {
		return ErrNotAttached
	}
	c.enqueueLocked(&protocol.Envelope{Type: t})
	return nil
}

// Disconnect notifies the peer that this end is going away for good, waits
// for the notice to flush (bounded by ctx), then closes the Conn.
func (c *Conn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateAttached {
		c.enqueueLocked(&protocol.Envelope{Type: protocol.TypeDisconnect})
	}
	c.mu.Unlock()

	for {
		c.mu.Lock()
		drained := c.state != StateAttached || (len(c.writeQueue) == 0 && c.writing == 0)
		c.mu.Unlock()
		if drained {
			break
		}
		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
	return c.Close()
}

// Attach binds the first socket to a detached Conn. Nothing is replayed;
// use Rebind to resume an interrupted stream.
func (c *Conn) Attach(nc net.Conn) error {
	return c.bind(nc, false)
}

// Rebind replaces the socket, force-closing any previous one, and resumes
// the stream: a pure acknowledgement tells the peer what we already hold,
// and every retained outgoing message is retransmitted.
func (c *Conn) Rebind(nc net.Conn) error {
	return c.bind(nc, true)
}

func (c *Conn) bind(nc net.Conn, replay bool) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateAttached && !replay {
		c.mu.Unlock()
		return ErrAlreadyAttached
	}
	old := c.sock
	c.gen++
	gen := c.gen
	c.sock = nc
	c.state = StateAttached
	c.writeQueue = nil
	c.peerPaused = false
	c.replayRequested = false
	// Nothing has been written on this socket yet. Entries the peer
	// already acknowledged need no transmission ever again.
	c.lastWrittenSeq = c.outSeq - uint32(c.queue.len())
	now := time.Now()
	c.lastRecv = now
	c.lastSend = now
	c.writeCond.Broadcast()
	if replay {
		c.enqueueLocked(&protocol.Envelope{Type: protocol.TypeAck})
	}
	c.flushUnsentLocked()
	c.armKeepAliveLocked(gen)
	c.rearmTimeoutLocked()
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	c.notify(StateAttached)
	go c.readLoop(gen, nc)
	go c.writeLoop(gen, nc)
	return nil
}

// Close ends the Conn permanently. Queued and in-flight messages are
// dropped, Done is closed, and all goroutines and timers wind down.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.gen++
	sock := c.sock
	c.sock = nil
	c.writeQueue = nil
	c.stopTimersLocked()
	c.writeCond.Broadcast()
	c.recvCond.Broadcast()
	close(c.done)
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	c.notify(StateClosed)
	return nil
}

// ---- attachment goroutines ----

func (c *Conn) readLoop(gen uint64, sock net.Conn) {
	for {
		env, err := protocol.ReadEnvelope(sock)
		if err != nil {
			// Any read failure, including a malformed envelope, kills
			// the socket. The session state is untouched.
			c.detach(gen)
			return
		}
		c.handleEnvelope(gen, env)
	}
}

func (c *Conn) writeLoop(gen uint64, sock net.Conn) {
	for {
		c.mu.Lock()
		for c.gen == gen && len(c.writeQueue) == 0 {
			c.writeCond.Wait()
		}
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		batch := c.writeQueue
		c.writeQueue = nil
		c.writing++
		c.mu.Unlock()

		var err error
		for _, env := range batch {
			if err = protocol.WriteEnvelope(sock, env); err != nil {
				break
			}
		}

		c.mu.Lock()
		c.writing--
		c.writeCond.Broadcast()
		c.mu.Unlock()
		if err != nil {
			c.detach(gen)
			return
		}
	}
}

func (c *Conn) deliverLoop() {
	for {
		c.mu.Lock()
		for len(c.recvBuf) == 0 && c.state != StateClosed {
			c.recvCond.Wait()
		}
		if c.state == StateClosed {
			c.mu.Unlock()
			return
		}
		payload := c.recvBuf[0]
		c.recvBuf = c.recvBuf[1:]
		if len(c.recvBuf) == 0 {
			c.recvBuf = nil
		}
		c.mu.Unlock()

		select {
		case c.incoming <- payload:
		case <-c.done:
			return
		}
	}
}

// ---- envelope handling ----

func (c *Conn) handleEnvelope(gen uint64, env *protocol.Envelope) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateAttached {
		c.mu.Unlock()
		return
	}
	c.lastRecv = time.Now()
	if !env.Type.Known() {
		// Unknown types from a newer peer are skipped wholesale.
		c.mu.Unlock()
		return
	}

	// Every known envelope carries the peer's receive watermark.
	if c.queue.ackUpTo(env.Ack) > 0 {
		if env.Ack > c.lastWrittenSeq && env.Ack <= c.outSeq {
			c.lastWrittenSeq = env.Ack
		}
		c.rearmTimeoutLocked()
	}

	var closeConn bool
	switch env.Type {
	case protocol.TypeData:
		switch {
		case env.Seq == c.inSeq+1:
			c.inSeq = env.Seq
			c.replayRequested = false
			c.recvBuf = append(c.recvBuf, env.Payload)
			c.recvCond.Signal()
			c.scheduleAckLocked(gen)
		case env.Seq > c.inSeq+1:
			// A hole in the stream. Ask once for retransmission and
			// drop everything until the next in-order message lands.
			if !c.replayRequested {
				c.replayRequested = true
				c.enqueueLocked(&protocol.Envelope{Type: protocol.TypeReplayRequest})
			}
		default:
			// Replay of a message we already processed. Re-advertise
			// the watermark so the peer stops resending.
			c.scheduleAckLocked(gen)
		}
	case protocol.TypeReplayRequest:
		c.replayAllLocked()
	case protocol.TypePause:
		c.peerPaused = true
	case protocol.TypeResume:
		c.peerPaused = false
		c.flushUnsentLocked()
	case protocol.TypeDisconnect:
		closeConn = true
	case protocol.TypeAck, protocol.TypeKeepAlive, protocol.TypeControl:
		// Ack was applied above. Keep-alives exist only to refresh
		// lastRecv. Control is a handshake-phase type; late ones are
		// ignored.
	}
	c.mu.Unlock()

	if closeConn {
		c.Close()
	}
}

// enqueueLocked stamps the current receive watermark onto a copy of env and
// hands it to the writer goroutine. The copy matters: retained queue entries
// can be enqueued again by a replay while an earlier wire copy is still being
// serialized. Every envelope that leaves through here carries an
// acknowledgement, so a pending pure-ack timer is cancelled.
func (c *Conn) enqueueLocked(env *protocol.Envelope) {
	out := *env
	out.Ack = c.inSeq
	c.lastAckSent = c.inSeq
	if c.ackTimer != nil {
		c.ackTimer.Stop()
		c.ackTimer = nil
	}
	c.lastSend = time.Now()
	c.writeQueue = append(c.writeQueue, &out)
	c.writeCond.Signal()
}

// flushUnsentLocked transmits every retained message not yet written on the
// current socket, in order.
func (c *Conn) flushUnsentLocked() {
	if c.state != StateAttached || c.peerPaused {
		return
	}
	pending := c.queue.after(c.lastWrittenSeq)
	if len(pending) == 0 {
		return
	}
	c.queue.markSent(pending[0].Seq, time.Now())
	for _, env := range pending {
		c.enqueueLocked(env)
	}
	c.lastWrittenSeq = c.outSeq
	c.rearmTimeoutLocked()
}

// replayAllLocked retransmits the entire retained queue, acknowledged-only
// entries excluded since they are no longer retained.
func (c *Conn) replayAllLocked() {
	if c.state != StateAttached {
		return
	}
	all := c.queue.after(0)
	if len(all) == 0 {
		return
	}
	c.queue.markSent(all[0].Seq, time.Now())
	for _, env := range all {
		c.enqueueLocked(env)
	}
	c.lastWrittenSeq = c.outSeq
	c.rearmTimeoutLocked()
}

// ---- timers ----

func (c *Conn) scheduleAckLocked(gen uint64) {
	if c.lastAckSent >= c.inSeq || c.ackTimer != nil {
		return
	}
	c.ackTimer = time.AfterFunc(c.cfg.AckWindow, func() { c.ackTick(gen) })
}

func (c *Conn) ackTick(gen uint64) {
	c.mu.Lock()
	if c.gen == gen && c.state == StateAttached {
		c.ackTimer = nil
		if c.lastAckSent < c.inSeq {
			c.enqueueLocked(&protocol.Envelope{Type: protocol.TypeAck})
		}
	}
	c.mu.Unlock()
}

func (c *Conn) armKeepAliveLocked(gen uint64) {
	if c.kaTimer != nil {
		c.kaTimer.Stop()
	}
	c.kaTimer = time.AfterFunc(c.cfg.KeepAliveInterval, func() { c.keepAliveTick(gen) })
}

func (c *Conn) keepAliveTick(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateAttached {
		c.mu.Unlock()
		return
	}
	idle := time.Since(c.lastSend)
	if idle >= c.cfg.KeepAliveInterval {
		c.enqueueLocked(&protocol.Envelope{Type: protocol.TypeKeepAlive})
		idle = 0
	}
	c.kaTimer = time.AfterFunc(c.cfg.KeepAliveInterval-idle, func() { c.keepAliveTick(gen) })
	c.mu.Unlock()
}

// rearmTimeoutLocked schedules the next liveness check. There is nothing to
// check while no transmitted message awaits acknowledgement.
func (c *Conn) rearmTimeoutLocked() {
	if c.timeoutTimer != nil {
		c.timeoutTimer.Stop()
		c.timeoutTimer = nil
	}
	if c.state != StateAttached {
		return
	}
	oldest, ok := c.queue.oldestSentAt()
	if !ok {
		return
	}
	ref := oldest
	if c.lastRecv.After(ref) {
		ref = c.lastRecv
	}
	wait := time.Until(ref.Add(c.cfg.Timeout))
	if wait < 0 {
		wait = 0
	}
	gen := c.gen
	c.timeoutTimer = time.AfterFunc(wait, func() { c.timeoutTick(gen) })
}

func (c *Conn) timeoutTick(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateAttached {
		c.mu.Unlock()
		return
	}
	c.timeoutTimer = nil
	oldest, ok := c.queue.oldestSentAt()
	if !ok {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	expired := now.Sub(oldest) >= c.cfg.Timeout && now.Sub(c.lastRecv) >= c.cfg.Timeout
	if expired {
		if c.cfg.Load != nil && c.cfg.Load.HighLoad() {
			// The whole process is stalling; the silence is probably
			// ours, not the network's. Look again shortly.
			c.timeoutTimer = time.AfterFunc(loadSampleInterval, func() { c.timeoutTick(gen) })
			c.mu.Unlock()
			return
		}
		sock := c.sock
		c.mu.Unlock()
		// Sever the socket; readLoop notices and detaches. The session
		// and its queue stay intact for a future rebind.
		sock.Close()
		return
	}
	c.rearmTimeoutLocked()
	c.mu.Unlock()
}

func (c *Conn) stopTimersLocked() {
	if c.ackTimer != nil {
		c.ackTimer.Stop()
		c.ackTimer = nil
	}
	if c.kaTimer != nil {
		c.kaTimer.Stop()
		c.kaTimer = nil
	}
	if c.timeoutTimer != nil {
		c.timeoutTimer.Stop()
		c.timeoutTimer = nil
	}
}

// ---- teardown ----

// detach severs the socket of generation gen and returns the Conn to
// StateDetached. Unacknowledged messages stay queued; pending control
// envelopes are discarded since the next bind regenerates them.
func (c *Conn) detach(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateAttached {
		c.mu.Unlock()
		return
	}
	c.state = StateDetached
	c.gen++
	sock := c.sock
	c.sock = nil
	c.writeQueue = nil
	c.stopTimersLocked()
	c.writeCond.Broadcast()
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	c.notify(StateDetached)
}

func (c *Conn) notify(s State) {
	if c.cfg.ConnState != nil {
		c.cfg.ConnState(c, s)
	}
}
