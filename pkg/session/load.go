package session

import (
	"sync"
	"time"
)

const (
	loadSampleInterval = 1 * time.Second
	loadSampleCount    = 6
)

// LoadEstimator watches how late a fixed-interval ticker fires. When the
// scheduler cannot run a 1-second ticker on time, ack timeouts measured on
// the same starved clock are meaningless, so connection timeouts hold off
// while load is high.
type LoadEstimator struct {
	mu      sync.Mutex
	drift   [loadSampleCount]time.Duration
	idx     int
	stop    chan struct{}
	stopped sync.Once
}

// StartLoadEstimator begins sampling in a background goroutine. Callers own
// the estimator and must Stop it.
func StartLoadEstimator() *LoadEstimator {
	l := &LoadEstimator{stop: make(chan struct{})}
	go l.run()
	return l
}

func (l *LoadEstimator) run() {
	ticker := time.NewTicker(loadSampleInterval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			lateness := now.Sub(last) - loadSampleInterval
			if lateness < 0 {
				lateness = 0
			}
			l.observe(lateness)
			last = now
		}
	}
}

// observe records one tick's lateness.
func (l *LoadEstimator) observe(lateness time.Duration) {
	l.mu.Lock()
	l.drift[l.idx%loadSampleCount] = lateness
	l.idx++
	l.mu.Unlock()
}

// HighLoad reports whether recent ticks averaged more than half an interval
// late.
func (l *LoadEstimator) HighLoad() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sum time.Duration
	for _, d := range l.drift {
		sum += d
	}
	return sum/loadSampleCount > loadSampleInterval/2
}

// Stop ends the sampling goroutine.
func (l *LoadEstimator) Stop() {
	l.stopped.Do(func() { close(l.stop) })
}
