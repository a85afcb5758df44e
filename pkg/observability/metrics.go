// Package observability provides lightweight internal metrics counters and
// logger construction for the uplink daemon.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// latencyWindowSize bounds the rolling request-latency window.
const latencyWindowSize = 512

// Metrics holds simple atomic counters for key daemon operations. Gauges
// for live values (active sessions, registered channels) are set by the
// scrape path from their owning structures.
type Metrics struct {
	sessionsCreated    atomic.Int64
	sessionsResumed    atomic.Int64
	handshakesRejected atomic.Int64
	requestCount       atomic.Int64
	errorCount         atomic.Int64
	sessionsActive     atomic.Int64
	channelsRegistered atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
	latIdx    int
}

// NewMetrics returns a zero-initialised Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncSessionCreated()    { m.sessionsCreated.Add(1) }
func (m *Metrics) IncSessionResumed()    { m.sessionsResumed.Add(1) }
func (m *Metrics) IncHandshakeRejected() { m.handshakesRejected.Add(1) }
func (m *Metrics) IncRequest()           { m.requestCount.Add(1) }
func (m *Metrics) IncError()             { m.errorCount.Add(1) }

func (m *Metrics) SetSessionsActive(n int64)     { m.sessionsActive.Store(n) }
func (m *Metrics) SetChannelsRegistered(n int64) { m.channelsRegistered.Store(n) }

// ObserveLatency records one request duration in the rolling window.
func (m *Metrics) ObserveLatency(d time.Duration) {
	m.mu.Lock()
	if len(m.latencies) < latencyWindowSize {
		m.latencies = append(m.latencies, d)
	} else {
		m.latencies[m.latIdx] = d
		m.latIdx = (m.latIdx + 1) % latencyWindowSize
	}
	m.mu.Unlock()
}

// LatencySnapshot copies the current latency window.
func (m *Metrics) LatencySnapshot() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.latencies))
	copy(out, m.latencies)
	return out
}

// GetMetrics returns a snapshot of the counters.
func (m *Metrics) GetMetrics() map[string]int64 {
	return map[string]int64{
		"sessions_created":    m.sessionsCreated.Load(),
		"sessions_resumed":    m.sessionsResumed.Load(),
		"handshakes_rejected": m.handshakesRejected.Load(),
		"request_count":       m.requestCount.Load(),
		"error_count":         m.errorCount.Load(),
		"sessions_active":     m.sessionsActive.Load(),
		"channels_registered": m.channelsRegistered.Load(),
	}
}
