package session

import (
	"time"

	"github.com/rishiad/uplink-server/pkg/protocol"
)

// queueEntry is one data envelope awaiting acknowledgment. sentAt records
// the most recent transmission on the current socket; the zero time marks an
// envelope queued while paused or detached and never written yet.
type queueEntry struct {
	env    *protocol.Envelope
	sentAt time.Time
}

// sendQueue is the outgoing unacknowledged queue: data envelopes in id order,
// appended on send and drained from the front as peer acks arrive. It is
// owned by a Conn and guarded by the Conn's mutex.
type sendQueue struct {
	entries []queueEntry
}

// append adds an envelope to the tail. Envelopes arrive in assignment order,
// so the queue stays sorted by sequence id.
func (q *sendQueue) append(env *protocol.Envelope) {
	q.entries = append(q.entries, queueEntry{env: env})
}

// ackUpTo drops every envelope with Seq <= ack and reports how many were
// released. Acks for ids below the queue head are stale and release nothing.
func (q *sendQueue) ackUpTo(ack uint32) int {
	n := 0
	for n < len(q.entries) && q.entries[n].env.Seq <= ack {
		n++
	}
	if n > 0 {
		// Shift in place so the backing array is reused.
		rest := copy(q.entries, q.entries[n:])
		for i := rest; i < len(q.entries); i++ {
			q.entries[i] = queueEntry{}
		}
		q.entries = q.entries[:rest]
	}
	return n
}

// len returns the number of unacknowledged envelopes.
func (q *sendQueue) len() int {
	return len(q.entries)
}

// markSent stamps every entry from the given sequence id onward with the
// transmission time.
func (q *sendQueue) markSent(fromSeq uint32, at time.Time) {
	for i := range q.entries {
		if q.entries[i].env.Seq >= fromSeq {
			q.entries[i].sentAt = at
		}
	}
}

// oldestSentAt returns the transmission time of the oldest envelope that has
// actually been written, and false when nothing transmitted is pending.
func (q *sendQueue) oldestSentAt() (time.Time, bool) {
	for _, e := range q.entries {
		if !e.sentAt.IsZero() {
			return e.sentAt, true
		}
	}
	return time.Time{}, false
}

// after returns the envelopes with Seq > seq, in id order. The returned
// slice aliases queue storage and must be consumed before the lock is
// released or copied.
func (q *sendQueue) after(seq uint32) []*protocol.Envelope {
	var out []*protocol.Envelope
	for _, e := range q.entries {
		if e.env.Seq > seq {
			out = append(out, e.env)
		}
	}
	return out
}
